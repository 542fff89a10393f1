package transport

import (
	"context"
	"errors"
	"testing"
)

func TestPairDelivers(t *testing.T) {
	a, b := Pair(4)
	defer a.Close()

	env := Envelope{From: "alice", Object: "obj-1", Seq: 1, Payload: []byte("x")}
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := <-b.Receive()
	if got.Object != "obj-1" || got.Seq != 1 || string(got.Payload) != "x" {
		t.Fatalf("received %+v", got)
	}
}

func TestSendPreservesOrder(t *testing.T) {
	a, b := Pair(8)
	defer a.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := a.Send(context.Background(), Envelope{Object: "obj-1", Seq: seq}); err != nil {
			t.Fatalf("Send %d: %v", seq, err)
		}
	}
	for seq := uint64(1); seq <= 5; seq++ {
		if got := <-b.Receive(); got.Seq != seq {
			t.Fatalf("seq = %d, want %d", got.Seq, seq)
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	a, b := Pair(1)
	b.Close()

	if err := a.Send(context.Background(), Envelope{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not signalled after peer close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := Pair(1)
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("peer Close: %v", err)
	}
}

func TestSendRespectsContext(t *testing.T) {
	a, _ := Pair(1)
	defer a.Close()

	// Fill the queue, then cancel while blocked.
	if err := a.Send(context.Background(), Envelope{Seq: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, Envelope{Seq: 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send on cancelled ctx = %v", err)
	}
}
