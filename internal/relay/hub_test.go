package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"driftspace/server/internal/config"
	"driftspace/server/internal/net/proto"
	"driftspace/server/internal/replication"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	cfg := config.Default()
	cfg.TransformEpsilon = 0
	return NewHub(cfg, nil, nil)
}

func TestJoinSnapshotsSession(t *testing.T) {
	hub := testHub(t)

	first := hub.Join()
	if first.ID == "" || first.JoinSeq != 1 {
		t.Fatalf("first join = %+v", first)
	}
	if first.Master != first.ID {
		t.Fatalf("first participant should be master, got %s", first.Master)
	}

	obj, err := hub.lifecycle.Spawn(replication.ObjectPrefab, replication.FlagSyncTransform,
		replication.Transform{}, replication.ParticipantID(first.ID))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	second := hub.Join()
	if second.Master != first.ID {
		t.Fatalf("master = %s, want %s", second.Master, first.ID)
	}
	if len(second.Objects) != 1 || second.Objects[0].ID != string(obj.ID()) {
		t.Fatalf("objects = %+v", second.Objects)
	}
	if len(second.Participants) != 2 || second.Participants[0].ID != first.ID {
		t.Fatalf("participants = %+v", second.Participants)
	}
}

func TestJoinJSONRoundTrips(t *testing.T) {
	hub := testHub(t)
	payload, err := hub.JoinJSON()
	if err != nil {
		t.Fatalf("JoinJSON: %v", err)
	}
	var join proto.JoinResponseV1
	if err := json.Unmarshal(payload, &join); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if join.Ver != proto.Version || join.TickRate != hub.cfg.TickRate {
		t.Fatalf("join = %+v", join)
	}
}

func TestAccumulatorCopiesPooledBatches(t *testing.T) {
	acc := &stateAccumulator{}

	batch := &replication.ChangeBatch{
		Object:  "obj-1",
		Seq:     4,
		Changed: map[replication.VarKey]replication.Value{1: replication.NumberValue(2)},
		Removed: map[replication.VarKey]struct{}{3: {}},
	}
	acc.DeliverBatch(batch)

	// Simulate pool reuse after delivery.
	clear(batch.Changed)
	clear(batch.Removed)

	deltas := acc.drain()
	if len(deltas) != 1 {
		t.Fatalf("deltas = %+v", deltas)
	}
	if deltas[0].Changed[1].Num != 2 {
		t.Fatalf("delta changed = %+v", deltas[0].Changed)
	}
	if len(deltas[0].Removed) != 1 || deltas[0].Removed[0] != 3 {
		t.Fatalf("delta removed = %v", deltas[0].Removed)
	}
	if acc.drain() != nil {
		t.Fatal("drain did not clear the accumulator")
	}
}

func TestStepFlushesDirtyState(t *testing.T) {
	hub := testHub(t)
	join := hub.Join()
	pid := replication.ParticipantID(join.ID)

	obj, err := hub.lifecycle.Spawn(replication.ObjectCustom, replication.FlagNone, replication.Transform{}, pid)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := obj.SetVariable(pid, 1, replication.NumberValue(5)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	hub.step(time.Now())

	stats := hub.dispatcher.Stats()
	if stats.DeltasSent != 1 {
		t.Fatalf("DeltasSent = %d", stats.DeltasSent)
	}
	if got := hub.tick.Load(); got != 1 {
		t.Fatalf("tick = %d", got)
	}
	if hub.telemetry.ticksRun.Load() != 1 {
		t.Fatalf("ticksRun = %d", hub.telemetry.ticksRun.Load())
	}
}

func TestStepExpiresStaleParticipants(t *testing.T) {
	hub := testHub(t)
	join := hub.Join()
	pid := replication.ParticipantID(join.ID)

	hub.lifecycle.Spawn(replication.ObjectCustom, replication.FlagDestroyWhenOwnerLeaves, replication.Transform{}, pid)

	// Step far enough in the future that the heartbeat window has lapsed.
	hub.step(time.Now().Add(hub.cfg.DisconnectAfter + time.Minute))

	if hub.roster.Connected(pid) {
		t.Fatal("stale participant still connected")
	}
	if hub.dir.Len() != 0 {
		t.Fatalf("objects = %d after owner expiry", hub.dir.Len())
	}
	if hub.telemetry.heartbeatTimeouts.Load() != 1 {
		t.Fatalf("heartbeatTimeouts = %d", hub.telemetry.heartbeatTimeouts.Load())
	}
}

func TestStepResolvesTransfers(t *testing.T) {
	hub := testHub(t)
	alice := replication.ParticipantID(hub.Join().ID)
	bob := replication.ParticipantID(hub.Join().ID)

	obj, _ := hub.lifecycle.Spawn(replication.ObjectCustom, replication.FlagAllowOwnershipTransfer, replication.Transform{}, alice)
	if _, err := hub.coord.RequestTransfer(obj.ID(), bob, time.Now()); err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}

	hub.step(time.Now())

	if obj.Owner() != bob {
		t.Fatalf("owner = %q", obj.Owner())
	}
	if hub.coord.PendingCount() != 0 {
		t.Fatalf("pending = %d", hub.coord.PendingCount())
	}
}

func TestDiagnoseSnapshot(t *testing.T) {
	hub := testHub(t)
	pid := replication.ParticipantID(hub.Join().ID)
	hub.lifecycle.Spawn(replication.ObjectCustom, replication.FlagNone, replication.Transform{}, pid)
	hub.step(time.Now())

	diag := hub.Diagnose()
	if len(diag.Participants) != 1 || diag.Objects != 1 || diag.Tick != 1 {
		t.Fatalf("diag = %+v", diag)
	}
	if diag.Master != string(pid) {
		t.Fatalf("master = %q", diag.Master)
	}

	payload, err := hub.DiagnosticsJSON()
	if err != nil {
		t.Fatalf("DiagnosticsJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := decoded["telemetry"]; !ok {
		t.Fatal("telemetry missing from diagnostics payload")
	}
}

// fakeRecorder captures recorded frames for assertions.
type fakeRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeRecorder) Record(_ uint64, payload []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), payload...))
	f.mu.Unlock()
	return nil
}

func (f *fakeRecorder) Close() error { return nil }

func TestStepRecordsBroadcastFrames(t *testing.T) {
	rec := &fakeRecorder{}
	cfg := config.Default()
	hub := NewHub(cfg, nil, rec)

	pid := replication.ParticipantID(hub.Join().ID)
	obj, _ := hub.lifecycle.Spawn(replication.ObjectCustom, replication.FlagNone, replication.Transform{}, pid)
	obj.SetVariable(pid, 1, replication.StringValue("recorded"))

	hub.step(time.Now())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 1 {
		t.Fatalf("recorded frames = %d", len(rec.frames))
	}
	var batch proto.StateBatchV1
	if err := json.Unmarshal(rec.frames[0], &batch); err != nil {
		t.Fatalf("decode recorded frame: %v", err)
	}
	if batch.Type != proto.TypeState || len(batch.Deltas) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
}
