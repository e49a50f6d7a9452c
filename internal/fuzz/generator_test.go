package fuzz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/transport"
)

func TestRunSingleIDSendsAllFrames(t *testing.T) {
	bus := transport.NewVirtual()
	plan := NewPlan(0x100, 0x100, nil, 0)

	var onSent []common.Frame
	st, err := Run(context.Background(), plan, bus, Hooks{
		OnSent: func(_ Position, f common.Frame) { onSent = append(onSent, f) },
	}, WithReceiveTimeout(0), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := bus.Sent()
	if len(sent) != 2048 || st.Sent != 2048 || len(onSent) != 2048 {
		t.Fatalf("bus=%d stats=%d hooks=%d, want 2048", len(sent), st.Sent, len(onSent))
	}
	for i, f := range sent {
		if f.ID != 0x100 {
			t.Fatalf("frame %d has ID %s", i, f.HexID())
		}
		if f != onSent[i] {
			t.Fatalf("OnSent order differs at %d", i)
		}
	}
	if !st.LastOK || st.Last != (Position{0x100, 7, 255}) {
		t.Fatalf("last = %s ok=%v", st.Last, st.LastOK)
	}
}

func TestRunIgnoredRange(t *testing.T) {
	bus := transport.NewVirtual()
	plan := NewPlan(0x0FF, 0x101, []uint32{0x100}, 0)

	if _, err := Run(context.Background(), plan, bus, Hooks{}, WithReceiveTimeout(0), WithLogger(logger.Nop())); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, f := range bus.Sent() {
		if f.ID == 0x100 || f.ID < 0x0FF || f.ID > 0x101 {
			t.Fatalf("unexpected ID %s", f.HexID())
		}
	}
	if n := len(bus.Sent()); n != 2*FramesPerID {
		t.Fatalf("sent %d", n)
	}
}

func TestRunSendFailureIsNotFatal(t *testing.T) {
	bus := transport.NewVirtual()
	calls := 0
	bus.OnSend(func(f common.Frame) error {
		calls++
		if calls%2 == 0 {
			return errors.New("no buffer space available")
		}
		return nil
	})

	var hooked int
	st, err := Run(context.Background(), NewPlan(0x1, 0x1, nil, 0), bus, Hooks{
		OnSent: func(Position, common.Frame) { hooked++ },
	}, WithReceiveTimeout(0), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Sent != FramesPerID/2 || st.SendErrors != FramesPerID/2 || hooked != FramesPerID/2 {
		t.Fatalf("stats = %+v hooked=%d", st, hooked)
	}
}

func TestRunForwardsReceivedFrames(t *testing.T) {
	bus := transport.NewVirtual()
	reply := common.NewFrame(0x7E8, [8]byte{0x03, 0x41})
	bus.OnSend(func(f common.Frame) error {
		if f.Data[0] == 0x10 {
			bus.Inject(reply)
		}
		return nil
	})

	var got []common.Frame
	st, err := Run(context.Background(), NewPlan(0x200, 0x200, nil, 0), bus, Hooks{
		OnReceived: func(f common.Frame) { got = append(got, f) },
	}, WithReceiveTimeout(0), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0] != reply || st.Received != 1 {
		t.Fatalf("received %v (stats %d)", got, st.Received)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	bus := transport.NewVirtual()
	ctx, cancel := context.WithCancel(context.Background())

	sent := 0
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, NewPlan(0, 0x7FF, nil, time.Millisecond), bus, Hooks{
			OnSent: func(Position, common.Frame) {
				sent++
				if sent == 5 {
					cancel()
				}
			},
		}, WithReceiveTimeout(0), WithLogger(logger.Nop()))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if n := len(bus.Sent()); n != 5 {
		t.Fatalf("sent %d frames after cancel at 5", n)
	}
}

func TestRunStopsOnClosedTransport(t *testing.T) {
	bus := transport.NewVirtual()
	bus.Close()
	_, err := Run(context.Background(), NewPlan(0, 0, nil, 0), bus, Hooks{}, WithLogger(logger.Nop()))
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	if _, err := Run(context.Background(), NewPlan(2, 1, nil, 0), transport.NewVirtual(), Hooks{}, WithLogger(logger.Nop())); err == nil {
		t.Fatalf("expected validation error")
	}
}
