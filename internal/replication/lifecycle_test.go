package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"driftspace/server/logging"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []logging.Event
}

func (p *capturePublisher) Publish(_ context.Context, event logging.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *capturePublisher) ofType(eventType logging.EventType) []logging.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []logging.Event
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func testLifecycle(t *testing.T) (*LifecycleManager, *ReplicationDirectory, *Roster, *ChangeDispatcher, *capturePublisher) {
	t.Helper()
	roster := NewRoster()
	dir := NewDirectory(roster, 0)
	dispatcher := NewDispatcher(dir, nil, 0)
	coord := NewCoordinator(dir, roster, dispatcher, time.Second, true)
	publisher := &capturePublisher{}
	lifecycle := NewLifecycleManager(dir, coord, roster, dispatcher, publisher)
	return lifecycle, dir, roster, dispatcher, publisher
}

func TestSpawnRejectsConflictingFlags(t *testing.T) {
	lifecycle, _, roster, _, _ := testLifecycle(t)
	roster.Join("alice", time.Now())

	flags := FlagDestroyWhenOwnerLeaves | FlagMasterClientObject
	if _, err := lifecycle.Spawn(ObjectCustom, flags, Transform{}, "alice"); !errors.Is(err, ErrNotOwnerOrIneligible) {
		t.Fatalf("conflicting flags = %v", err)
	}
}

func TestSpawnRejectsUnknownParticipant(t *testing.T) {
	lifecycle, _, _, _, _ := testLifecycle(t)
	if _, err := lifecycle.Spawn(ObjectCustom, FlagNone, Transform{}, "ghost"); !errors.Is(err, ErrAuthority) {
		t.Fatalf("unknown requester = %v", err)
	}
}

func TestSpawnPublishesEvent(t *testing.T) {
	lifecycle, _, roster, _, publisher := testLifecycle(t)
	roster.Join("alice", time.Now())
	lifecycle.SetTick(7)

	obj, err := lifecycle.Spawn(ObjectAvatar, FlagSyncTransform, Transform{}, "alice")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	events := publisher.ofType("replication.object_spawned")
	if len(events) != 1 {
		t.Fatalf("spawn events = %d", len(events))
	}
	if events[0].Tick != 7 || events[0].Subject.ID != string(obj.ID()) {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestDestroyCleansUpListeners(t *testing.T) {
	lifecycle, _, roster, dispatcher, publisher := testLifecycle(t)
	roster.Join("alice", time.Now())

	obj, _ := lifecycle.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")
	fired := false
	dispatcher.SubscribeOwnerChanged(obj.ID(), func(ObjectID, ParticipantID, ParticipantID) {
		fired = true
	})

	if err := lifecycle.Destroy(obj.ID(), "alice"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	dispatcher.QueueOwnerChanged(OwnerChange{Object: obj.ID(), Previous: "alice", Next: "bob"})
	dispatcher.Flush(1)
	if fired {
		t.Fatal("listener survived Destroy")
	}
	if len(publisher.ofType("replication.object_destroyed")) != 1 {
		t.Fatal("destroy event missing")
	}
}

func TestHandleDisconnectPublishesConsequences(t *testing.T) {
	lifecycle, _, roster, _, publisher := testLifecycle(t)
	roster.Join("alice", time.Now())
	roster.Join("bob", time.Now())

	lifecycle.Spawn(ObjectCustom, FlagDestroyWhenOwnerLeaves, Transform{}, "bob")
	lifecycle.Spawn(ObjectCustom, FlagNone, Transform{}, "bob")

	report := lifecycle.HandleDisconnect("bob", "socket closed")
	if len(report.Destroyed) != 1 || len(report.Reassigned) != 1 {
		t.Fatalf("report = %+v", report)
	}

	if len(publisher.ofType("replication.participant_left")) != 1 {
		t.Fatal("participant_left missing")
	}
	if len(publisher.ofType("replication.object_destroyed")) != 1 {
		t.Fatal("object_destroyed missing")
	}
	changed := publisher.ofType("replication.owner_changed")
	if len(changed) != 1 {
		t.Fatalf("owner_changed events = %d", len(changed))
	}
}

func TestDisposeSessionReleasesEverything(t *testing.T) {
	lifecycle, dir, roster, dispatcher, _ := testLifecycle(t)
	roster.Join("alice", time.Now())

	obj, _ := lifecycle.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")
	fired := false
	dispatcher.SubscribeVariables(obj.ID(), func(*ChangeBatch) { fired = true })

	lifecycle.DisposeSession()
	lifecycle.DisposeSession()

	if !obj.Disposed() {
		t.Fatal("object survived session dispose")
	}
	if dir.Len() != 0 {
		t.Fatalf("directory holds %d objects", dir.Len())
	}

	dispatcher.ApplyRemote(1, Delta{Object: obj.ID(), Seq: 1, Changed: map[VarKey]Value{1: NumberValue(1)}})
	if fired {
		t.Fatal("listener survived session dispose")
	}
}
