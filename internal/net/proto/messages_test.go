package proto

import (
	"encoding/json"
	"testing"

	"driftspace/server/internal/replication"
)

func TestDecodeClientMessageDefaultsVersion(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"heartbeat","sentAt":123}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Ver != Version || msg.Type != TypeHeartbeat || msg.SentAt != 123 {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeClientMessageRejectsFutureVersion(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{"ver":99,"type":"spawn"}`)); err == nil {
		t.Fatal("future version accepted")
	}
}

func TestDecodeClientMessageMalformed(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{`)); err == nil {
		t.Fatal("malformed payload accepted")
	}
}

func TestRejectReasonMapping(t *testing.T) {
	cases := []struct {
		err    error
		reason string
		retry  bool
	}{
		{replication.ErrUnknownObject, RejectUnknownObject, false},
		{replication.ErrObjectDisposed, RejectObjectDisposed, false},
		{replication.ErrAuthority, RejectAuthority, false},
		{replication.ErrCapacityExceeded, RejectCapacity, false},
		{replication.ErrTransferInProgress, RejectTransferPending, true},
		{replication.ErrNotOwnerOrIneligible, RejectFlagsIneligible, false},
	}
	for _, tc := range cases {
		reason, retry := RejectReason(tc.err)
		if reason != tc.reason || retry != tc.retry {
			t.Errorf("RejectReason(%v) = %s/%v, want %s/%v", tc.err, reason, retry, tc.reason, tc.retry)
		}
	}
}

func TestEncodeStateBatchStampsVersionAndType(t *testing.T) {
	frame, err := EncodeStateBatchV1(StateBatchV1{
		Tick: 42,
		Deltas: []ObjectDelta{{
			ID:      "obj-1",
			Seq:     3,
			Changed: map[uint8]replication.Value{1: replication.NumberValue(9)},
		}},
		Master: "alice",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded StateBatchV1
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Ver != Version || decoded.Type != TypeState || decoded.Tick != 42 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Deltas[0].Changed[1].Num != 9 {
		t.Fatalf("delta = %+v", decoded.Deltas[0])
	}
}

func TestEncodeCommandAckCarriesObjectID(t *testing.T) {
	frame, err := EncodeCommandAck(CommandAck{Seq: 5, Tick: 2, ObjectID: "obj-7"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != TypeCommandAck || decoded["objectId"] != "obj-7" {
		t.Fatalf("decoded = %v", decoded)
	}
}

func TestEncodeOwnershipResultDefaults(t *testing.T) {
	frame, err := EncodeOwnershipResult(OwnershipResult{ObjectID: "obj-1", Result: "granted", Owner: "bob"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded OwnershipResult
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Ver != Version || decoded.Type != TypeOwnershipResult || decoded.Owner != "bob" {
		t.Fatalf("decoded = %+v", decoded)
	}
}
