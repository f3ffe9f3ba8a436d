package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tfitpican/cansim/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestTransmitterSuccess verifies frames are sent and hooks fire.
func TestTransmitterSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	tx := NewTransmitter(context.Background(), 4, func(m can.Message) error {
		sent.Add(1)
		return nil
	}, TxHooks{OnAfter: func() { after.Add(1) }})
	defer tx.Close()
	for i := 0; i < 3; i++ {
		if err := tx.Send(can.Message{ID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	// Allow worker to drain
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

// TestTransmitterOverflow ensures OnDrop is invoked when the buffer is full.
func TestTransmitterOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	tx := NewTransmitter(ctx, 1, func(can.Message) error { time.Sleep(150 * time.Millisecond); return nil }, TxHooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer tx.Close()
	// First frame enqueued.
	if err := tx.Send(can.Message{}); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	// Immediate second should overflow (buffer=1, worker sleeping)
	if err := tx.Send(can.Message{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestTransmitterSendError triggers the OnError hook.
func TestTransmitterSendError(t *testing.T) {
	var errs atomic.Int64
	tx := NewTransmitter(context.Background(), 2, func(can.Message) error { return errSendFail }, TxHooks{OnError: func(error) { errs.Add(1) }})
	defer tx.Close()
	_ = tx.Send(can.Message{})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestTransmitterSendAfterClose(t *testing.T) {
	tx := NewTransmitter(context.Background(), 2, func(can.Message) error { return nil }, TxHooks{})
	tx.Close()
	if err := tx.Send(can.Message{ID: 123}); !errors.Is(err, ErrTransmitterClosed) {
		t.Fatalf("expected ErrTransmitterClosed, got %v", err)
	}
}

func TestTransmitterCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		tx := NewTransmitter(context.Background(), 1, func(can.Message) error { return nil }, TxHooks{})
		done := make(chan error, 1)
		go func() {
			done <- tx.Send(can.Message{})
		}()
		time.Sleep(1 * time.Millisecond)
		tx.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrTransmitterClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
