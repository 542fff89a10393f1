package replication

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// collectSink clones every delivered batch, honoring the pooled reuse
// contract.
type collectSink struct {
	mu      sync.Mutex
	batches []*ChangeBatch
}

func (s *collectSink) DeliverBatch(batch *ChangeBatch) {
	s.mu.Lock()
	s.batches = append(s.batches, batch.Clone())
	s.mu.Unlock()
}

func (s *collectSink) drain() []*ChangeBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := s.batches
	s.batches = nil
	return batches
}

func testDispatcher(t *testing.T, epsilon float64) (*ReplicationDirectory, *Roster, *ChangeDispatcher, *collectSink) {
	t.Helper()
	roster := NewRoster()
	dir := NewDirectory(roster, 0)
	sink := &collectSink{}
	return dir, roster, NewDispatcher(dir, sink, epsilon), sink
}

func TestFlushBatchesDirtyState(t *testing.T) {
	dir, roster, dispatcher, sink := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagSyncTransform, Transform{}, "alice")
	obj.SetVariable("alice", 1, NumberValue(5))
	obj.SetVariable("alice", 2, StringValue("x"))
	obj.RemoveVariable("alice", 2)
	obj.SetTransform("alice", Transform{Position: Vec3{X: 1}})

	_, sent := dispatcher.Flush(1)
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	batches := sink.drain()
	batch := batches[0]
	if batch.Object != obj.ID() || batch.Seq != 1 || batch.Tick != 1 {
		t.Fatalf("batch header = %+v", batch)
	}
	if got := batch.Changed[1]; got.Num != 5 {
		t.Fatalf("changed[1] = %v", got)
	}
	if _, ok := batch.Removed[2]; !ok {
		t.Fatal("removal of key 2 missing from batch")
	}
	if !batch.TransformChanged || batch.Transform.Position.X != 1 {
		t.Fatalf("transform missing: %+v", batch.Transform)
	}

	// Nothing dirty remains.
	if _, sent := dispatcher.Flush(2); sent != 0 {
		t.Fatalf("second flush sent %d batches", sent)
	}
}

func TestSequencesMonotonicPerObject(t *testing.T) {
	dir, roster, dispatcher, sink := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")
	var seqs []uint64
	for tick := uint64(1); tick <= 3; tick++ {
		obj.SetVariable("alice", 1, NumberValue(float64(tick)))
		dispatcher.Flush(tick)
		for _, batch := range sink.drain() {
			seqs = append(seqs, batch.Seq)
		}
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("seqs = %v, want 1..3", seqs)
		}
	}
}

func TestEpsilonSuppressionAccumulates(t *testing.T) {
	dir, roster, dispatcher, sink := testDispatcher(t, 1.0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagSyncTransform, Transform{}, "alice")

	// First transform always goes out; it establishes the baseline.
	obj.SetTransform("alice", Transform{Position: Vec3{X: 0.1}})
	dispatcher.Flush(1)
	if n := len(sink.drain()); n != 1 {
		t.Fatalf("baseline flush sent %d", n)
	}

	// Below epsilon from the last sent transform: withheld, stays dirty.
	obj.SetTransform("alice", Transform{Position: Vec3{X: 0.5}})
	dispatcher.Flush(2)
	if n := len(sink.drain()); n != 0 {
		t.Fatalf("suppressed move produced %d batches", n)
	}

	// Accumulated distance from the baseline crosses epsilon.
	obj.SetTransform("alice", Transform{Position: Vec3{X: 1.5}})
	dispatcher.Flush(3)
	batches := sink.drain()
	if len(batches) != 1 || !batches[0].TransformChanged {
		t.Fatalf("accumulated move not sent: %+v", batches)
	}
	if batches[0].Transform.Position.X != 1.5 {
		t.Fatalf("sent transform = %+v", batches[0].Transform)
	}

	stats := dispatcher.Stats()
	if stats.TransformsSuppressed != 1 {
		t.Fatalf("TransformsSuppressed = %d", stats.TransformsSuppressed)
	}
}

func TestApplyRemoteDropsStaleSequences(t *testing.T) {
	dir, roster, dispatcher, _ := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")

	if err := dispatcher.ApplyRemote(1, Delta{
		Object:  obj.ID(),
		Seq:     2,
		Changed: map[VarKey]Value{1: NumberValue(2)},
	}); err != nil {
		t.Fatalf("ApplyRemote seq 2: %v", err)
	}

	// A late arrival with an older sequence must not regress the mirror.
	if err := dispatcher.ApplyRemote(2, Delta{
		Object:  obj.ID(),
		Seq:     1,
		Changed: map[VarKey]Value{1: NumberValue(1)},
	}); err != nil {
		t.Fatalf("ApplyRemote stale: %v", err)
	}

	if got, _ := obj.Variable(1); got.Num != 2 {
		t.Fatalf("mirror regressed to %v", got.Num)
	}
	stats := dispatcher.Stats()
	if stats.RemoteApplied != 1 || stats.RemoteDropped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestApplyRemoteUnknownObject(t *testing.T) {
	_, _, dispatcher, _ := testDispatcher(t, 0)
	err := dispatcher.ApplyRemote(1, Delta{Object: "obj-404", Seq: 1})
	if !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("ApplyRemote unknown = %v", err)
	}
}

func TestVariableListenerObservesRemoteDeltas(t *testing.T) {
	dir, roster, dispatcher, _ := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")

	var seen []*ChangeBatch
	handle := dispatcher.SubscribeVariables(obj.ID(), func(batch *ChangeBatch) {
		seen = append(seen, batch.Clone())
	})

	dispatcher.ApplyRemote(1, Delta{
		Object:  obj.ID(),
		Seq:     1,
		Changed: map[VarKey]Value{7: StringValue("remote")},
	})
	if len(seen) != 1 || seen[0].Changed[7].Str != "remote" {
		t.Fatalf("listener saw %+v", seen)
	}

	dispatcher.Unsubscribe(handle)
	dispatcher.ApplyRemote(2, Delta{
		Object:  obj.ID(),
		Seq:     2,
		Changed: map[VarKey]Value{7: StringValue("again")},
	})
	if len(seen) != 1 {
		t.Fatal("listener fired after Unsubscribe")
	}
}

func TestRemoteBatchSharedAcrossListenersAndRecycled(t *testing.T) {
	dir, roster, dispatcher, _ := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")

	var first, second *ChangeBatch
	var firstVal, secondVal Value
	dispatcher.SubscribeVariables(obj.ID(), func(batch *ChangeBatch) {
		first = batch
		firstVal = batch.Changed[3]
	})
	dispatcher.SubscribeVariables(obj.ID(), func(batch *ChangeBatch) {
		second = batch
		secondVal = batch.Changed[3]
	})

	if err := dispatcher.ApplyRemote(1, Delta{
		Object:  obj.ID(),
		Seq:     1,
		Changed: map[VarKey]Value{3: NumberValue(9)},
	}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	// Every listener on the object receives the same pooled batch.
	if first == nil || first != second {
		t.Fatalf("listeners got distinct batches: %p vs %p", first, second)
	}
	if firstVal.Num != 9 || secondVal.Num != 9 {
		t.Fatalf("listener views = %v, %v", firstVal, secondVal)
	}

	// Once the callbacks return the batch goes back to the pool cleared;
	// a retained pointer yields nothing.
	if first.Object != "" || first.Seq != 0 || len(first.Changed) != 0 {
		t.Fatalf("retained batch not recycled: %+v", first)
	}
}

func TestOwnerChangeListenersFireOnFlush(t *testing.T) {
	dir, roster, dispatcher, _ := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")

	var gotPrev, gotNext ParticipantID
	dispatcher.SubscribeOwnerChanged(obj.ID(), func(_ ObjectID, previous, next ParticipantID) {
		gotPrev, gotNext = previous, next
	})

	dispatcher.QueueOwnerChanged(OwnerChange{Object: obj.ID(), Previous: "alice", Next: "bob"})
	changes, _ := dispatcher.Flush(1)

	if len(changes) != 1 || changes[0].Next != "bob" {
		t.Fatalf("changes = %+v", changes)
	}
	if gotPrev != "alice" || gotNext != "bob" {
		t.Fatalf("listener saw %s -> %s", gotPrev, gotNext)
	}
}

func TestDropObjectClearsListeners(t *testing.T) {
	dir, roster, dispatcher, _ := testDispatcher(t, 0)
	roster.Join("alice", time.Now())

	obj, _ := dir.Spawn(ObjectCustom, FlagNone, Transform{}, "alice")
	fired := false
	dispatcher.SubscribeOwnerChanged(obj.ID(), func(ObjectID, ParticipantID, ParticipantID) {
		fired = true
	})

	dispatcher.DropObject(obj.ID())
	dispatcher.QueueOwnerChanged(OwnerChange{Object: obj.ID(), Previous: "alice", Next: "bob"})
	dispatcher.Flush(1)

	if fired {
		t.Fatal("listener fired after DropObject")
	}
}
