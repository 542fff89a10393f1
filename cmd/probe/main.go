// Command probe joins a running relay, spawns an object and drives a steady
// stream of variable and transform writes. It is a smoke-test client for
// local development and load checks.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"driftspace/server/internal/net/proto"
	"driftspace/server/internal/replication"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "relay host:port")
	interval := flag.Duration("interval", 250*time.Millisecond, "write interval")
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	claim := flag.String("claim", "", "object id to request ownership of")
	flag.Parse()

	join, err := joinSession(*addr)
	if err != nil {
		log.Fatalf("join: %v", err)
	}
	log.Printf("joined as %s (master %s, %d objects, tick rate %d/s)",
		join.ID, join.Master, len(join.Objects), join.TickRate)

	conn, err := dialRelay(*addr, join.ID)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	go readLoop(conn)

	var seq uint64
	send := func(msg proto.ClientMessage) {
		seq++
		msg.Ver = proto.Version
		msg.Seq = &seq
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Fatalf("encode: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Fatalf("write: %v", err)
		}
	}

	flags := replication.FlagSyncTransform | replication.FlagAllowOwnershipTransfer
	send(proto.ClientMessage{
		Type:       proto.TypeSpawn,
		ObjectType: string(replication.ObjectAvatar),
		Flags:      uint8(flags),
	})

	// The spawn ack carries the allocated id; readLoop publishes it here.
	// A rejected spawn never produces an ack, so bound the wait.
	objectID, err := awaitSpawn(spawnedID, 10*time.Second)
	if err != nil {
		log.Fatalf("spawn: %v", err)
	}
	log.Printf("spawned %s", objectID)

	if *claim != "" {
		send(proto.ClientMessage{
			Type:     proto.TypeRequestOwnership,
			ObjectID: *claim,
		})
	}

	heartbeatEvery := time.Duration(join.Heartbeat) * time.Millisecond
	if heartbeatEvery <= 0 {
		heartbeatEvery = 2 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	writes := time.NewTicker(*interval)
	defer writes.Stop()
	deadline := time.After(*duration)

	var step float64
	key := uint8(1)
	for {
		select {
		case <-deadline:
			log.Printf("done after %s (%d commands)", *duration, seq)
			return
		case <-heartbeat.C:
			send(proto.ClientMessage{
				Type:   proto.TypeHeartbeat,
				SentAt: time.Now().UnixMilli(),
			})
		case <-writes.C:
			step++
			value := replication.NumberValue(step)
			send(proto.ClientMessage{
				Type:     proto.TypeSetVariable,
				ObjectID: objectID,
				Key:      &key,
				Value:    &value,
			})
			send(proto.ClientMessage{
				Type:     proto.TypeSetTransform,
				ObjectID: objectID,
				Transform: &replication.Transform{
					Position: replication.Vec3{X: step, Y: 0, Z: step / 2},
					Scale:    replication.Vec3{X: 1, Y: 1, Z: 1},
				},
			})
		}
	}
}

var spawnedID = make(chan string, 1)

func awaitSpawn(ids <-chan string, timeout time.Duration) (string, error) {
	select {
	case id := <-ids:
		return id, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("no spawn ack within %s", timeout)
	}
}

func joinSession(addr string) (proto.JoinResponseV1, error) {
	var join proto.JoinResponseV1
	resp, err := http.Post(fmt.Sprintf("http://%s/join", addr), "application/json", bytes.NewReader(nil))
	if err != nil {
		return join, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return join, fmt.Errorf("join returned %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&join)
	return join, err
}

// dialRelay retries the websocket handshake with exponential backoff so the
// probe can start before the relay finishes booting.
func dialRelay(addr, id string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: "id=" + url.QueryEscape(id)}

	var conn *websocket.Conn
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 15 * time.Second
	err := backoff.Retry(func() error {
		c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy)
	return conn, err
}

func readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Printf("read: %v", err)
			return
		}

		var frame struct {
			Type     string `json:"type"`
			Seq      uint64 `json:"seq"`
			Tick     uint64 `json:"t"`
			ObjectID string `json:"objectId"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case proto.TypeCommandAck:
			if frame.ObjectID != "" {
				select {
				case spawnedID <- frame.ObjectID:
				default:
				}
			}
		case proto.TypeCommandReject:
			log.Printf("rejected seq=%d reason=%s", frame.Seq, frame.Reason)
		case proto.TypeState:
			// Per-tick batches are frequent; keep the probe quiet.
		case proto.TypeOwnershipResult:
			log.Printf("ownership result: %s", payload)
		}
	}
}
