package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
)

func testConfig() busconfig.Config {
	return busconfig.Config{Channel: "vbus0", BitRate: 500000, SamplePoint: 0.75}
}

func TestVirtualBusBroadcast(t *testing.T) {
	vb := NewVirtualBus()
	defer vb.Close()
	a := vb.Endpoint("a", 8)
	b := vb.Endpoint("b", 8)
	c := vb.Endpoint("c", 8)
	for _, ep := range []*VirtualInterface{a, b, c} {
		if err := ep.Connect(context.Background(), testConfig()); err != nil {
			t.Fatalf("connect %s: %v", ep.Name(), err)
		}
	}

	want, _ := can.New(0x123, []byte{0xDE, 0xAD})
	if err := a.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, ep := range []*VirtualInterface{b, c} {
		got, err := ep.Receive(ctx)
		if err != nil {
			t.Fatalf("receive on %s: %v", ep.Name(), err)
		}
		if got != want {
			t.Errorf("endpoint %s got %v, want %v", ep.Name(), got, want)
		}
	}

	// Sender must not hear its own frame.
	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := a.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sender received its own frame (err=%v)", err)
	}
}

func TestVirtualInterfaceLifecycle(t *testing.T) {
	vb := NewVirtualBus()
	defer vb.Close()
	ep := vb.Endpoint("a", 8)

	if err := ep.Send(can.Message{ID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send before connect: %v, want ErrClosed", err)
	}
	if err := ep.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ep.Connect(context.Background(), testConfig()); err == nil {
		t.Fatal("second connect succeeded")
	}
	if err := ep.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	// Disconnect is idempotent.
	if err := ep.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, err := ep.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after disconnect: %v, want ErrClosed", err)
	}
}

func TestVirtualInterfaceRejectsBadConfig(t *testing.T) {
	vb := NewVirtualBus()
	defer vb.Close()
	ep := vb.Endpoint("a", 8)
	bad := busconfig.Config{Channel: "vbus0", BitRate: 0, SamplePoint: 0.5}
	if err := ep.Connect(context.Background(), bad); !errors.Is(err, busconfig.ErrInvalidConfiguration) {
		t.Fatalf("connect with bad config: %v", err)
	}
}

func TestVirtualBusCloseUnblocksReceive(t *testing.T) {
	vb := NewVirtualBus()
	ep := vb.Endpoint("a", 8)
	if err := ep.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := ep.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	vb.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("receive unblocked with %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock on bus close")
	}
}
