package replication

import (
	"context"
	"sync/atomic"

	"driftspace/server/logging"
	logrepl "driftspace/server/logging/replication"
)

// LifecycleManager is the feature-collaborator entry point: it translates
// spawn/destroy requests into directory operations, validates flag
// combinations, and applies the disconnect cleanup rules through the
// coordinator.
type LifecycleManager struct {
	dir        *ReplicationDirectory
	coord      *OwnershipCoordinator
	roster     *Roster
	dispatcher *ChangeDispatcher
	publisher  logging.Publisher
	tick       atomic.Uint64
	disposed   atomic.Bool
}

// NewLifecycleManager wires the lifecycle orchestration over the session's
// directory, coordinator, roster and dispatcher.
func NewLifecycleManager(dir *ReplicationDirectory, coord *OwnershipCoordinator, roster *Roster, dispatcher *ChangeDispatcher, publisher logging.Publisher) *LifecycleManager {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &LifecycleManager{
		dir:        dir,
		coord:      coord,
		roster:     roster,
		dispatcher: dispatcher,
		publisher:  publisher,
	}
}

// SetTick records the current simulation tick for event stamping.
func (m *LifecycleManager) SetTick(tick uint64) {
	m.tick.Store(tick)
}

// Spawn validates flags and registers a new object owned and created by the
// requester. Unknown requesters are rejected before any object is allocated.
func (m *LifecycleManager) Spawn(objType ObjectType, flags ObjectFlags, initial Transform, requester ParticipantID) (*ReplicatedObject, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	if !m.roster.Connected(requester) {
		return nil, ErrAuthority
	}

	obj, err := m.dir.Spawn(objType, flags, initial, requester)
	if err != nil {
		return nil, err
	}

	logrepl.ObjectSpawned(context.Background(), m.publisher, m.tick.Load(), string(obj.ID()), logrepl.ObjectSpawnedPayload{
		ObjectType: string(objType),
		Flags:      flags.String(),
		Owner:      string(requester),
	})
	return obj, nil
}

// Destroy removes an object on behalf of a participant, subject to the
// owner-or-master authority rule.
func (m *LifecycleManager) Destroy(objectID ObjectID, requester ParticipantID) error {
	if err := m.dir.Destroy(objectID, requester); err != nil {
		return err
	}
	m.coord.dropPending(objectID)
	m.dispatcher.DropObject(objectID)
	logrepl.ObjectDestroyed(context.Background(), m.publisher, m.tick.Load(), string(objectID), "request")
	return nil
}

// HandleDisconnect marks the participant gone, re-elects the master if
// needed, and applies the flag-driven destruction and fallback rules to every
// affected object.
func (m *LifecycleManager) HandleDisconnect(departed ParticipantID, reason string) DisconnectReport {
	m.roster.Disconnect(departed)
	report := m.coord.HandleDisconnect(departed)

	tick := m.tick.Load()
	ctx := context.Background()
	logrepl.ParticipantLeft(ctx, m.publisher, tick, string(departed), reason)
	for _, id := range report.Destroyed {
		logrepl.ObjectDestroyed(ctx, m.publisher, tick, string(id), "owner_left")
	}
	for _, change := range report.Reassigned {
		logrepl.OwnerChanged(ctx, m.publisher, tick, string(change.Object), string(change.Previous), string(change.Next))
	}
	return report
}

// DisposeSession tears the session down: every object becomes inert and all
// listeners are released. Idempotent.
func (m *LifecycleManager) DisposeSession() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	m.dir.Dispose()
	m.dispatcher.Reset()
}
