// Package ws bridges websocket connections into the relay hub. The handler
// upgrades the connection, registers the client with the hub, and pumps
// inbound frames until the socket drops.
package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"driftspace/server/logging"
)

// Hub is the command surface the websocket layer drives. The relay hub
// implements it.
type Hub interface {
	// Connect binds a live connection to a previously joined participant.
	Connect(id string, client *Client) error

	// Disconnect reports the connection gone with a human-readable reason.
	Disconnect(id string, reason string)

	// Handle processes one inbound frame from the participant.
	Handle(id string, payload []byte)
}

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	hub       Hub
	publisher logging.Publisher
	upgrader  websocket.Upgrader
}

// NewHandler builds a websocket entry point over the given hub.
func NewHandler(hub Hub, publisher logging.Publisher) *Handler {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Handler{
		hub:       hub,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the read loop until the peer
// disconnects. The participant id comes from the join handshake and is
// passed via the `id` query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newClient(conn)

	if err := h.hub.Connect(id, client); err != nil {
		client.Close(err.Error())
		return
	}

	go h.readLoop(id, client, conn)
}

func (h *Handler) readLoop(id string, client *Client, conn *websocket.Conn) {
	defer client.Close("session ended")

	reason := "client closed"
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read error"
				h.publisher.Publish(context.Background(), logging.Event{
					Type:     "ws.read_failed",
					Subject:  logging.Ref{ID: id, Kind: logging.RefKindParticipant},
					Severity: logging.SeverityWarn,
					Category: logging.CategorySystem,
					Payload:  map[string]string{"error": err.Error()},
				})
			}
			break
		}
		h.hub.Handle(id, payload)
	}

	h.hub.Disconnect(id, reason)
}
