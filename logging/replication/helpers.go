// Package replication provides event constructors for the replication
// layer's lifecycle and ownership events.
package replication

import (
	"context"

	"driftspace/server/logging"
)

const (
	// EventParticipantJoined is emitted when a participant enters the session.
	EventParticipantJoined logging.EventType = "replication.participant_joined"
	// EventParticipantLeft is emitted when a participant disconnects.
	EventParticipantLeft logging.EventType = "replication.participant_left"
	// EventObjectSpawned is emitted when an object is registered.
	EventObjectSpawned logging.EventType = "replication.object_spawned"
	// EventObjectDestroyed is emitted when an object is removed.
	EventObjectDestroyed logging.EventType = "replication.object_destroyed"
	// EventOwnerChanged is emitted when ownership of an object moves.
	EventOwnerChanged logging.EventType = "replication.owner_changed"
	// EventTransferResolved is emitted when a pending transfer completes.
	EventTransferResolved logging.EventType = "replication.transfer_resolved"
)

// ObjectSpawnedPayload captures spawn metadata.
type ObjectSpawnedPayload struct {
	ObjectType string `json:"objectType"`
	Flags      string `json:"flags"`
	Owner      string `json:"owner"`
}

// ObjectDestroyedPayload captures why an object was removed.
type ObjectDestroyedPayload struct {
	Reason string `json:"reason"`
}

// OwnerChangedPayload captures one ownership handover.
type OwnerChangedPayload struct {
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

// TransferResolvedPayload captures the terminal state of a transfer request.
type TransferResolvedPayload struct {
	Candidate string `json:"candidate"`
	Result    string `json:"result"`
}

// ParticipantLeftPayload captures the disconnect reason.
type ParticipantLeftPayload struct {
	Reason string `json:"reason"`
}

// ParticipantJoined publishes a session join event.
func ParticipantJoined(ctx context.Context, pub logging.Publisher, tick uint64, participantID string) {
	publish(ctx, pub, logging.Event{
		Type:     EventParticipantJoined,
		Tick:     tick,
		Subject:  logging.Ref{ID: participantID, Kind: logging.RefKindParticipant},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
	})
}

// ParticipantLeft publishes a disconnect event.
func ParticipantLeft(ctx context.Context, pub logging.Publisher, tick uint64, participantID, reason string) {
	publish(ctx, pub, logging.Event{
		Type:     EventParticipantLeft,
		Tick:     tick,
		Subject:  logging.Ref{ID: participantID, Kind: logging.RefKindParticipant},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  ParticipantLeftPayload{Reason: reason},
	})
}

// ObjectSpawned publishes an object registration event.
func ObjectSpawned(ctx context.Context, pub logging.Publisher, tick uint64, objectID string, payload ObjectSpawnedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventObjectSpawned,
		Tick:     tick,
		Subject:  logging.Ref{ID: objectID, Kind: logging.RefKindObject},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ObjectDestroyed publishes an object removal event.
func ObjectDestroyed(ctx context.Context, pub logging.Publisher, tick uint64, objectID, reason string) {
	publish(ctx, pub, logging.Event{
		Type:     EventObjectDestroyed,
		Tick:     tick,
		Subject:  logging.Ref{ID: objectID, Kind: logging.RefKindObject},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  ObjectDestroyedPayload{Reason: reason},
	})
}

// OwnerChanged publishes an ownership handover event.
func OwnerChanged(ctx context.Context, pub logging.Publisher, tick uint64, objectID, previous, next string) {
	publish(ctx, pub, logging.Event{
		Type:     EventOwnerChanged,
		Tick:     tick,
		Subject:  logging.Ref{ID: objectID, Kind: logging.RefKindObject},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryOwnership,
		Payload:  OwnerChangedPayload{Previous: previous, Next: next},
	})
}

// TransferResolved publishes the outcome of a transfer request.
func TransferResolved(ctx context.Context, pub logging.Publisher, tick uint64, objectID, candidate, result string) {
	publish(ctx, pub, logging.Event{
		Type:     EventTransferResolved,
		Tick:     tick,
		Subject:  logging.Ref{ID: objectID, Kind: logging.RefKindObject},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryOwnership,
		Payload:  TransferResolvedPayload{Candidate: candidate, Result: result},
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, event)
}
