// Package relay hosts the authoritative session process: it owns the
// replication directory, runs the fixed-rate tick loop, applies participant
// commands and broadcasts per-tick state batches to every connected client.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"driftspace/server/internal/config"
	"driftspace/server/internal/net/proto"
	"driftspace/server/internal/net/ws"
	"driftspace/server/internal/replication"
	"driftspace/server/logging"
	logrepl "driftspace/server/logging/replication"
)

// Recorder persists broadcast batches. The sqlite recorder implements it; a
// nil recorder disables persistence.
type Recorder interface {
	Record(tick uint64, payload []byte) error
	Close() error
}

// stateAccumulator collects the dispatcher's outbound batches during Flush.
// Batches are pooled, so every map is copied before the callback returns.
type stateAccumulator struct {
	mu     sync.Mutex
	deltas []proto.ObjectDelta
}

func (a *stateAccumulator) DeliverBatch(batch *replication.ChangeBatch) {
	delta := proto.ObjectDelta{
		ID:  string(batch.Object),
		Seq: batch.Seq,
	}
	if len(batch.Changed) > 0 {
		delta.Changed = make(map[uint8]replication.Value, len(batch.Changed))
		for key, value := range batch.Changed {
			delta.Changed[uint8(key)] = value
		}
	}
	for key := range batch.Removed {
		delta.Removed = append(delta.Removed, uint8(key))
	}
	if batch.TransformChanged {
		t := batch.Transform
		delta.Transform = &t
	}

	a.mu.Lock()
	a.deltas = append(a.deltas, delta)
	a.mu.Unlock()
}

func (a *stateAccumulator) drain() []proto.ObjectDelta {
	a.mu.Lock()
	defer a.mu.Unlock()
	deltas := a.deltas
	a.deltas = nil
	return deltas
}

// Hub coordinates one replication session.
type Hub struct {
	cfg       config.Config
	publisher logging.Publisher

	roster      *replication.Roster
	dir         *replication.ReplicationDirectory
	dispatcher  *replication.ChangeDispatcher
	coord       *replication.OwnershipCoordinator
	lifecycle   *replication.LifecycleManager
	accumulator *stateAccumulator

	mu        sync.Mutex
	clients   map[replication.ParticipantID]*ws.Client
	lastSeq   map[replication.ParticipantID]uint64
	spawned   []proto.ObjectSnapshot
	despawned []string

	tick      atomic.Uint64
	startedAt time.Time
	telemetry Telemetry
	recorder  Recorder
}

// NewHub assembles a session over the given configuration. recorder may be
// nil.
func NewHub(cfg config.Config, publisher logging.Publisher, recorder Recorder) *Hub {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	roster := replication.NewRoster()
	dir := replication.NewDirectory(roster, cfg.MaxObjects)
	accumulator := &stateAccumulator{}
	dispatcher := replication.NewDispatcher(dir, accumulator, cfg.TransformEpsilon)
	coord := replication.NewCoordinator(dir, roster, dispatcher, cfg.TransferTimeout, true)
	lifecycle := replication.NewLifecycleManager(dir, coord, roster, dispatcher, publisher)

	return &Hub{
		cfg:         cfg,
		publisher:   publisher,
		roster:      roster,
		dir:         dir,
		dispatcher:  dispatcher,
		coord:       coord,
		lifecycle:   lifecycle,
		accumulator: accumulator,
		clients:     make(map[replication.ParticipantID]*ws.Client),
		lastSeq:     make(map[replication.ParticipantID]uint64),
		startedAt:   time.Now(),
		recorder:    recorder,
	}
}

// Join admits a new participant and returns the full session snapshot it
// needs to start mirroring.
func (h *Hub) Join() proto.JoinResponseV1 {
	id := replication.ParticipantID(uuid.NewString())
	p := h.roster.Join(id, time.Now())

	logrepl.ParticipantJoined(context.Background(), h.publisher, h.tick.Load(), string(id))

	master, _ := h.roster.Master()

	objects := h.dir.Objects()
	snapshots := make([]proto.ObjectSnapshot, 0, len(objects))
	for _, obj := range objects {
		snapshots = append(snapshots, snapshotObject(obj))
	}

	roster := h.roster.Snapshot()
	participants := make([]proto.ParticipantInfo, 0, len(roster))
	for _, member := range roster {
		participants = append(participants, proto.ParticipantInfo{
			ID:      string(member.ID),
			JoinSeq: member.JoinSeq,
		})
	}

	return proto.JoinResponseV1{
		ID:           string(id),
		JoinSeq:      p.JoinSeq,
		Master:       string(master),
		Objects:      snapshots,
		Participants: participants,
		TickRate:     h.cfg.TickRate,
		Heartbeat:    h.cfg.HeartbeatInterval.Milliseconds(),
	}
}

// JoinJSON admits a participant and renders the join payload for the HTTP
// handler.
func (h *Hub) JoinJSON() ([]byte, error) {
	return proto.EncodeJoinResponseV1(h.Join())
}

func snapshotObject(obj *replication.ReplicatedObject) proto.ObjectSnapshot {
	ownership := obj.Ownership()
	snapshot := proto.ObjectSnapshot{
		ID:        string(obj.ID()),
		Type:      string(obj.Type()),
		Flags:     uint8(obj.Flags()),
		Owner:     string(ownership.Owner),
		Creator:   string(ownership.Creator),
		Transform: obj.Transform(),
	}
	vars := obj.Variables()
	if len(vars) > 0 {
		snapshot.Variables = make(map[uint8]replication.Value, len(vars))
		for key, value := range vars {
			snapshot.Variables[uint8(key)] = value
		}
	}
	return snapshot
}

// Connect binds a websocket client to a joined participant.
func (h *Hub) Connect(id string, client *ws.Client) error {
	pid := replication.ParticipantID(id)
	if !h.roster.Connected(pid) {
		return replication.ErrAuthority
	}

	h.mu.Lock()
	if previous, ok := h.clients[pid]; ok {
		previous.Close("replaced by new connection")
	}
	h.clients[pid] = client
	h.mu.Unlock()
	return nil
}

// Disconnect funnels every disconnect path (socket drop, heartbeat timeout,
// replacement) through the lifecycle rules exactly once.
func (h *Hub) Disconnect(id string, reason string) {
	pid := replication.ParticipantID(id)

	h.mu.Lock()
	client, hadClient := h.clients[pid]
	delete(h.clients, pid)
	delete(h.lastSeq, pid)
	h.mu.Unlock()

	if hadClient {
		client.Close(reason)
	}

	if !h.roster.Connected(pid) {
		return
	}

	report := h.lifecycle.HandleDisconnect(pid, reason)
	h.telemetry.disconnects.Add(1)

	if len(report.Destroyed) > 0 {
		h.mu.Lock()
		for _, objectID := range report.Destroyed {
			h.despawned = append(h.despawned, string(objectID))
		}
		h.mu.Unlock()
	}
}

// Handle processes one inbound frame from a participant.
func (h *Hub) Handle(id string, payload []byte) {
	pid := replication.ParticipantID(id)

	h.mu.Lock()
	client := h.clients[pid]
	h.mu.Unlock()
	if client == nil {
		return
	}

	msg, err := proto.DecodeClientMessage(payload)
	if err != nil {
		h.reject(client, 0, proto.RejectMalformed, false)
		return
	}

	if msg.Seq != nil {
		h.mu.Lock()
		last, seen := h.lastSeq[pid]
		if seen && *msg.Seq <= last {
			h.mu.Unlock()
			h.telemetry.duplicatesSuppressed.Add(1)
			h.ack(client, proto.CommandAck{Seq: *msg.Seq, Tick: h.tick.Load()})
			return
		}
		h.lastSeq[pid] = *msg.Seq
		h.mu.Unlock()
	}

	if !h.roster.Connected(pid) {
		h.reject(client, seqOf(msg), proto.RejectUnknownParticipant, false)
		return
	}

	switch msg.Type {
	case proto.TypeHeartbeat:
		h.handleHeartbeat(pid, client, msg)
	case proto.TypeSpawn:
		h.handleSpawn(pid, client, msg)
	case proto.TypeDestroy:
		h.handleDestroy(pid, client, msg)
	case proto.TypeSetVariable:
		h.handleSetVariable(pid, client, msg)
	case proto.TypeRemoveVariable:
		h.handleRemoveVariable(pid, client, msg)
	case proto.TypeSetTransform:
		h.handleSetTransform(pid, client, msg)
	case proto.TypeRequestOwnership:
		h.handleRequestOwnership(pid, client, msg)
	default:
		h.reject(client, seqOf(msg), proto.RejectMalformed, false)
	}
}

func seqOf(msg proto.ClientMessage) uint64 {
	if msg.Seq != nil {
		return *msg.Seq
	}
	return 0
}

func (h *Hub) ack(client *ws.Client, ack proto.CommandAck) {
	h.telemetry.commandsProcessed.Add(1)
	frame, err := proto.EncodeCommandAck(ack)
	if err != nil {
		return
	}
	client.Send(frame)
}

func (h *Hub) reject(client *ws.Client, seq uint64, reason string, retry bool) {
	h.telemetry.commandsRejected.Add(1)
	frame, err := proto.EncodeCommandReject(proto.CommandReject{Seq: seq, Reason: reason, Retry: retry})
	if err != nil {
		return
	}
	client.Send(frame)
}

func (h *Hub) rejectErr(client *ws.Client, seq uint64, err error) {
	reason, retry := proto.RejectReason(err)
	h.reject(client, seq, reason, retry)
}

func (h *Hub) handleHeartbeat(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	now := time.Now()
	rtt, ok := h.roster.Heartbeat(pid, now, msg.SentAt)
	if !ok {
		return
	}
	frame, err := proto.EncodeHeartbeat(proto.Heartbeat{
		ServerTime: now.UnixMilli(),
		ClientTime: msg.SentAt,
		RTTMillis:  rtt.Milliseconds(),
	})
	if err != nil {
		return
	}
	client.Send(frame)
}

func (h *Hub) handleSpawn(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	objType := replication.ObjectType(msg.ObjectType)
	if objType == "" {
		objType = replication.ObjectCustom
	}
	var initial replication.Transform
	if msg.Transform != nil {
		initial = *msg.Transform
	}

	obj, err := h.lifecycle.Spawn(objType, replication.ObjectFlags(msg.Flags), initial, pid)
	if err != nil {
		h.rejectErr(client, seqOf(msg), err)
		return
	}

	h.mu.Lock()
	h.spawned = append(h.spawned, snapshotObject(obj))
	h.mu.Unlock()

	h.ack(client, proto.CommandAck{
		Seq:      seqOf(msg),
		Tick:     h.tick.Load(),
		ObjectID: string(obj.ID()),
	})
}

func (h *Hub) handleDestroy(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	objectID := replication.ObjectID(msg.ObjectID)
	if err := h.lifecycle.Destroy(objectID, pid); err != nil {
		h.rejectErr(client, seqOf(msg), err)
		return
	}

	h.mu.Lock()
	h.despawned = append(h.despawned, string(objectID))
	h.mu.Unlock()

	h.ack(client, proto.CommandAck{Seq: seqOf(msg), Tick: h.tick.Load()})
}

func (h *Hub) handleSetVariable(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	if msg.Key == nil || msg.Value == nil {
		h.reject(client, seqOf(msg), proto.RejectMalformed, false)
		return
	}
	obj, ok := h.dir.Get(replication.ObjectID(msg.ObjectID))
	if !ok {
		h.reject(client, seqOf(msg), proto.RejectUnknownObject, false)
		return
	}
	if err := obj.SetVariable(pid, replication.VarKey(*msg.Key), *msg.Value); err != nil {
		h.rejectErr(client, seqOf(msg), err)
		return
	}
	h.ack(client, proto.CommandAck{Seq: seqOf(msg), Tick: h.tick.Load()})
}

func (h *Hub) handleRemoveVariable(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	if msg.Key == nil {
		h.reject(client, seqOf(msg), proto.RejectMalformed, false)
		return
	}
	obj, ok := h.dir.Get(replication.ObjectID(msg.ObjectID))
	if !ok {
		h.reject(client, seqOf(msg), proto.RejectUnknownObject, false)
		return
	}
	if err := obj.RemoveVariable(pid, replication.VarKey(*msg.Key)); err != nil {
		h.rejectErr(client, seqOf(msg), err)
		return
	}
	h.ack(client, proto.CommandAck{Seq: seqOf(msg), Tick: h.tick.Load()})
}

func (h *Hub) handleSetTransform(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	if msg.Transform == nil {
		h.reject(client, seqOf(msg), proto.RejectMalformed, false)
		return
	}
	obj, ok := h.dir.Get(replication.ObjectID(msg.ObjectID))
	if !ok {
		h.reject(client, seqOf(msg), proto.RejectUnknownObject, false)
		return
	}
	if err := obj.SetTransform(pid, *msg.Transform); err != nil {
		h.rejectErr(client, seqOf(msg), err)
		return
	}
	h.ack(client, proto.CommandAck{Seq: seqOf(msg), Tick: h.tick.Load()})
}

func (h *Hub) handleRequestOwnership(pid replication.ParticipantID, client *ws.Client, msg proto.ClientMessage) {
	_, err := h.coord.RequestTransfer(replication.ObjectID(msg.ObjectID), pid, time.Now())
	if err != nil {
		h.rejectErr(client, seqOf(msg), err)
		return
	}
	// The grant or timeout arrives later as an ownershipResult frame.
	h.ack(client, proto.CommandAck{Seq: seqOf(msg), Tick: h.tick.Load()})
}

// RunSimulation drives the session at the configured tick rate until the
// context is cancelled. Each tick expires stale participants, resolves
// pending transfers, flushes dirty state and broadcasts the batch.
func (h *Hub) RunSimulation(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case now := <-ticker.C:
			h.step(now)
		}
	}
}

// step executes one simulation tick. Tests call it directly with a synthetic
// clock instead of running the ticker.
func (h *Hub) step(now time.Time) {
	started := time.Now()
	defer func() {
		h.telemetry.lastTickMicros.Store(time.Since(started).Microseconds())
	}()

	tick := h.tick.Add(1)
	h.lifecycle.SetTick(tick)
	h.telemetry.ticksRun.Add(1)

	for _, pid := range h.roster.StaleSince(now, h.cfg.DisconnectAfter) {
		h.telemetry.heartbeatTimeouts.Add(1)
		h.Disconnect(string(pid), "heartbeat timeout")
	}

	for _, transfer := range h.coord.Tick(now) {
		h.notifyTransfer(tick, transfer)
	}

	ownerChanges, _ := h.dispatcher.Flush(tick)
	deltas := h.accumulator.drain()

	h.mu.Lock()
	spawned := h.spawned
	despawned := h.despawned
	h.spawned = nil
	h.despawned = nil
	h.mu.Unlock()

	if len(deltas) == 0 && len(ownerChanges) == 0 && len(spawned) == 0 && len(despawned) == 0 {
		return
	}

	master, _ := h.roster.Master()
	batch := proto.StateBatchV1{
		Type:       proto.TypeState,
		Tick:       tick,
		ServerTime: now.UnixMilli(),
		Deltas:     deltas,
		Spawned:    spawned,
		Despawned:  despawned,
		Master:     string(master),
	}
	for _, change := range ownerChanges {
		batch.OwnerChanges = append(batch.OwnerChanges, proto.OwnerChangePayload{
			ObjectID: string(change.Object),
			Previous: string(change.Previous),
			Next:     string(change.Next),
		})
	}

	frame, err := proto.EncodeStateBatchV1(batch)
	if err != nil {
		return
	}
	h.broadcast(frame)

	if h.recorder != nil {
		if err := h.recorder.Record(tick, frame); err != nil {
			h.telemetry.recordFailures.Add(1)
		}
	}
}

func (h *Hub) notifyTransfer(tick uint64, transfer replication.CompletedTransfer) {
	if transfer.Result == replication.TransferGranted {
		h.telemetry.transfersGranted.Add(1)
	} else {
		h.telemetry.transfersTimedOut.Add(1)
	}
	logrepl.TransferResolved(context.Background(), h.publisher, tick,
		string(transfer.Object), string(transfer.Candidate), transfer.Result.String())

	h.mu.Lock()
	client := h.clients[transfer.Candidate]
	h.mu.Unlock()
	if client == nil {
		return
	}

	owner := transfer.Candidate
	if transfer.Result != replication.TransferGranted {
		owner = transfer.Previous
	}
	frame, err := proto.EncodeOwnershipResult(proto.OwnershipResult{
		ObjectID: string(transfer.Object),
		Result:   transfer.Result.String(),
		Owner:    string(owner),
	})
	if err != nil {
		return
	}
	client.Send(frame)
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	clients := make([]*ws.Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.Send(frame); err != nil {
			continue
		}
		h.telemetry.bytesSent.Add(uint64(len(frame)))
	}
	h.telemetry.batchesBroadcast.Add(1)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[replication.ParticipantID]*ws.Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close("server shutting down")
	}
	h.lifecycle.DisposeSession()
	if h.recorder != nil {
		h.recorder.Close()
	}
}

// Diagnostics is the payload served on the diagnostics endpoint.
type Diagnostics struct {
	Tick             uint64                      `json:"tick"`
	UptimeSeconds    int64                       `json:"uptimeSeconds"`
	Master           string                      `json:"master,omitempty"`
	Participants     []proto.ParticipantInfo     `json:"participants"`
	Objects          int                         `json:"objects"`
	PendingTransfers int                         `json:"pendingTransfers"`
	Dispatcher       replication.DispatcherStats `json:"dispatcher"`
	Telemetry        TelemetrySnapshot           `json:"telemetry"`
}

// Diagnose snapshots the session's operational state.
func (h *Hub) Diagnose() Diagnostics {
	master, _ := h.roster.Master()
	roster := h.roster.Snapshot()
	participants := make([]proto.ParticipantInfo, 0, len(roster))
	for _, member := range roster {
		participants = append(participants, proto.ParticipantInfo{
			ID:      string(member.ID),
			JoinSeq: member.JoinSeq,
		})
	}
	return Diagnostics{
		Tick:             h.tick.Load(),
		UptimeSeconds:    int64(time.Since(h.startedAt).Seconds()),
		Master:           string(master),
		Participants:     participants,
		Objects:          h.dir.Len(),
		PendingTransfers: h.coord.PendingCount(),
		Dispatcher:       h.dispatcher.Stats(),
		Telemetry:        h.telemetry.Snapshot(),
	}
}

// DiagnosticsJSON renders the diagnostics snapshot.
func (h *Hub) DiagnosticsJSON() ([]byte, error) {
	return json.Marshal(h.Diagnose())
}
