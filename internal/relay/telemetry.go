package relay

import "sync/atomic"

// Telemetry holds the relay's operational counters. All fields are updated
// with atomics so the tick loop and websocket readers never contend.
type Telemetry struct {
	ticksRun             atomic.Uint64
	commandsProcessed    atomic.Uint64
	commandsRejected     atomic.Uint64
	duplicatesSuppressed atomic.Uint64
	batchesBroadcast     atomic.Uint64
	bytesSent            atomic.Uint64
	disconnects          atomic.Uint64
	heartbeatTimeouts    atomic.Uint64
	recordFailures       atomic.Uint64
	transfersGranted     atomic.Uint64
	transfersTimedOut    atomic.Uint64
	lastTickMicros       atomic.Int64
}

// TelemetrySnapshot is a point-in-time copy of the counters.
type TelemetrySnapshot struct {
	TicksRun             uint64 `json:"ticksRun"`
	CommandsProcessed    uint64 `json:"commandsProcessed"`
	CommandsRejected     uint64 `json:"commandsRejected"`
	DuplicatesSuppressed uint64 `json:"duplicatesSuppressed"`
	BatchesBroadcast     uint64 `json:"batchesBroadcast"`
	BytesSent            uint64 `json:"bytesSent"`
	Disconnects          uint64 `json:"disconnects"`
	HeartbeatTimeouts    uint64 `json:"heartbeatTimeouts"`
	RecordFailures       uint64 `json:"recordFailures"`
	TransfersGranted     uint64 `json:"transfersGranted"`
	TransfersTimedOut    uint64 `json:"transfersTimedOut"`
	LastTickMicros       int64  `json:"lastTickMicros"`
}

// Snapshot copies every counter.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		TicksRun:             t.ticksRun.Load(),
		CommandsProcessed:    t.commandsProcessed.Load(),
		CommandsRejected:     t.commandsRejected.Load(),
		DuplicatesSuppressed: t.duplicatesSuppressed.Load(),
		BatchesBroadcast:     t.batchesBroadcast.Load(),
		BytesSent:            t.bytesSent.Load(),
		Disconnects:          t.disconnects.Load(),
		HeartbeatTimeouts:    t.heartbeatTimeouts.Load(),
		RecordFailures:       t.recordFailures.Load(),
		TransfersGranted:     t.transfersGranted.Load(),
		TransfersTimedOut:    t.transfersTimedOut.Load(),
		LastTickMicros:       t.lastTickMicros.Load(),
	}
}
