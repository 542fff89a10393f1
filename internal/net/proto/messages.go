package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"driftspace/server/internal/replication"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Client message type identifiers.
const (
	TypeSpawn            = "spawn"
	TypeDestroy          = "destroy"
	TypeSetVariable      = "setVariable"
	TypeRemoveVariable   = "removeVariable"
	TypeSetTransform     = "setTransform"
	TypeRequestOwnership = "requestOwnership"
	TypeHeartbeat        = "heartbeat"
)

// Server message type identifiers.
const (
	TypeState           = "state"
	TypeCommandAck      = "commandAck"
	TypeCommandReject   = "commandReject"
	TypeOwnershipResult = "ownershipResult"
)

// Command rejection reasons carried by commandReject frames.
const (
	RejectUnknownObject      = "unknown_object"
	RejectObjectDisposed     = "object_disposed"
	RejectAuthority          = "not_owner"
	RejectCapacity           = "capacity_exceeded"
	RejectTransferPending    = "transfer_in_progress"
	RejectFlagsIneligible    = "flags_ineligible"
	RejectUnknownParticipant = "unknown_participant"
	RejectMalformed          = "malformed"
)

// RejectReason maps a replication error onto its wire reason string, and
// reports whether the caller may retry the identical command.
func RejectReason(err error) (reason string, retry bool) {
	switch {
	case errors.Is(err, replication.ErrUnknownObject):
		return RejectUnknownObject, false
	case errors.Is(err, replication.ErrObjectDisposed):
		return RejectObjectDisposed, false
	case errors.Is(err, replication.ErrAuthority):
		return RejectAuthority, false
	case errors.Is(err, replication.ErrCapacityExceeded):
		return RejectCapacity, false
	case errors.Is(err, replication.ErrTransferInProgress):
		return RejectTransferPending, true
	case errors.Is(err, replication.ErrNotOwnerOrIneligible):
		return RejectFlagsIneligible, false
	default:
		return RejectMalformed, false
	}
}

// ClientMessage captures an inbound websocket message from a participant.
type ClientMessage struct {
	Ver        int                    `json:"ver,omitempty"`
	Type       string                 `json:"type"`
	Seq        *uint64                `json:"seq,omitempty"`
	ObjectID   string                 `json:"objectId,omitempty"`
	ObjectType string                 `json:"objectType,omitempty"`
	Flags      uint8                  `json:"flags,omitempty"`
	Key        *uint8                 `json:"key,omitempty"`
	Value      *replication.Value     `json:"value,omitempty"`
	Transform  *replication.Transform `json:"transform,omitempty"`
	SentAt     int64                  `json:"sentAt,omitempty"`
}

// DecodeClientMessage converts a raw websocket payload into a structured
// message, rejecting unsupported protocol revisions.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// CommandAck acknowledges a processed command. ObjectID carries the
// allocated id for spawn commands.
type CommandAck struct {
	Seq      uint64
	Tick     uint64
	ObjectID string
}

// EncodeCommandAck renders a command acknowledgement frame.
func EncodeCommandAck(msg CommandAck) ([]byte, error) {
	frame := struct {
		Ver      int    `json:"ver"`
		Type     string `json:"type"`
		Seq      uint64 `json:"seq"`
		Tick     uint64 `json:"tick,omitempty"`
		ObjectID string `json:"objectId,omitempty"`
	}{
		Ver:      Version,
		Type:     TypeCommandAck,
		Seq:      msg.Seq,
		Tick:     msg.Tick,
		ObjectID: msg.ObjectID,
	}
	return json.Marshal(frame)
}

// CommandReject notifies the client that a command was refused.
type CommandReject struct {
	Seq    uint64
	Reason string
	Retry  bool
}

// EncodeCommandReject renders a command rejection frame.
func EncodeCommandReject(msg CommandReject) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Seq    uint64 `json:"seq"`
		Reason string `json:"reason"`
		Retry  bool   `json:"retry,omitempty"`
	}{
		Ver:    Version,
		Type:   TypeCommandReject,
		Seq:    msg.Seq,
		Reason: msg.Reason,
		Retry:  msg.Retry,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the client.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement frame.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       TypeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}

// OwnershipResult reports the terminal state of an ownership request back to
// the requester.
type OwnershipResult struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	ObjectID string `json:"objectId"`
	Result   string `json:"result"`
	Owner    string `json:"owner,omitempty"`
}

// EncodeOwnershipResult renders an ownership resolution frame.
func EncodeOwnershipResult(msg OwnershipResult) ([]byte, error) {
	msg.Ver = Version
	if msg.Type == "" {
		msg.Type = TypeOwnershipResult
	}
	return json.Marshal(msg)
}

// ObjectSnapshot is the full wire image of one replicated object, used in
// join responses and spawn announcements.
type ObjectSnapshot struct {
	ID        string                      `json:"id"`
	Type      string                      `json:"objectType"`
	Flags     uint8                       `json:"flags"`
	Owner     string                      `json:"owner"`
	Creator   string                      `json:"creator"`
	Transform replication.Transform       `json:"transform"`
	Variables map[uint8]replication.Value `json:"variables,omitempty"`
}

// ObjectDelta is the wire image of one per-tick change batch.
type ObjectDelta struct {
	ID        string                      `json:"id"`
	Seq       uint64                      `json:"seq"`
	Changed   map[uint8]replication.Value `json:"changed,omitempty"`
	Removed   []uint8                     `json:"removed,omitempty"`
	Transform *replication.Transform      `json:"transform,omitempty"`
}

// OwnerChangePayload announces one ownership handover.
type OwnerChangePayload struct {
	ObjectID string `json:"objectId"`
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

// ParticipantInfo is the wire image of one roster entry.
type ParticipantInfo struct {
	ID      string `json:"id"`
	JoinSeq uint64 `json:"joinSeq"`
}

// StateBatchV1 is the version 1 per-tick broadcast payload. Deltas for one
// object apply in Seq order; there is no ordering guarantee across objects.
type StateBatchV1 struct {
	Ver          int                  `json:"ver"`
	Type         string               `json:"type"`
	Tick         uint64               `json:"t"`
	ServerTime   int64                `json:"serverTime"`
	Deltas       []ObjectDelta        `json:"deltas,omitempty"`
	OwnerChanges []OwnerChangePayload `json:"ownerChanges,omitempty"`
	Spawned      []ObjectSnapshot     `json:"spawned,omitempty"`
	Despawned    []string             `json:"despawned,omitempty"`
	Master       string               `json:"master,omitempty"`
}

// EncodeStateBatchV1 renders a versioned state batch frame.
func EncodeStateBatchV1(msg StateBatchV1) ([]byte, error) {
	msg.Ver = Version
	if msg.Type == "" {
		msg.Type = TypeState
	}
	return json.Marshal(msg)
}

// JoinResponseV1 is the version 1 join payload returned over HTTP.
type JoinResponseV1 struct {
	Ver          int               `json:"ver"`
	ID           string            `json:"id"`
	JoinSeq      uint64            `json:"joinSeq"`
	Master       string            `json:"master"`
	Objects      []ObjectSnapshot  `json:"objects"`
	Participants []ParticipantInfo `json:"participants"`
	TickRate     int               `json:"tickRate"`
	Heartbeat    int64             `json:"heartbeatMillis"`
}

// EncodeJoinResponseV1 renders a versioned join response payload.
func EncodeJoinResponseV1(msg JoinResponseV1) ([]byte, error) {
	msg.Ver = Version
	return json.Marshal(msg)
}
