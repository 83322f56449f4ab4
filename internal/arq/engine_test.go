package arq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/lora-linkctl/internal/clock"
	"github.com/lorawan-server/lora-linkctl/internal/csma"
	"github.com/lorawan-server/lora-linkctl/pkg/frame"
)

const (
	local frame.Address = 0xBB
	peer  frame.Address = 0xAA
)

// fakeLink records transmissions and runs onPump on every pump
type fakeLink struct {
	clk     *clock.Virtual
	sent    [][]byte
	pumps   int
	sendErr error
	onPump  func(n int) error
}

func (l *fakeLink) Send(ctx context.Context, data []byte) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, append([]byte(nil), data...))
	return nil
}

func (l *fakeLink) Pump(ctx context.Context, wait time.Duration) error {
	l.pumps++
	if l.onPump != nil {
		if err := l.onPump(l.pumps); err != nil {
			return err
		}
	}
	<-l.clk.After(wait)
	return nil
}

type counter struct {
	successes int
	failures  int
}

func (c *counter) RecordSuccess() { c.successes++ }
func (c *counter) RecordFailure() { c.failures++ }

type busyGate struct{ state csma.State }

func (g busyGate) Acquire(ctx context.Context) (csma.Result, error) {
	return csma.Result{State: g.state, Attempts: 10}, nil
}

func newTestEngine(opts ...Option) (*Engine, *fakeLink, *counter, *clock.Virtual) {
	clk := clock.NewVirtual(time.Unix(5000, 0))
	l := &fakeLink{clk: clk}
	rec := &counter{}
	return NewEngine(l, rec, clk, opts...), l, rec, clk
}

func TestSendReliableAcked(t *testing.T) {
	e, l, rec, _ := newTestEngine()
	l.onPump = func(n int) error {
		if n == 3 {
			if e.HandleAck(local, 7) {
				t.Error("ACK from wrong peer accepted")
			}
			if e.HandleAck(peer, 6) {
				t.Error("stale ACK accepted")
			}
			if !e.HandleAck(peer, 7) {
				t.Error("matching ACK rejected")
			}
		}
		return nil
	}

	res, err := e.SendReliable(context.Background(), frame.New(peer, local, 7, []byte("hello")), time.Second)
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if res.Outcome != Acked {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if rec.successes != 1 || rec.failures != 0 {
		t.Errorf("recorder = %+v", rec)
	}
	if len(l.sent) != 1 {
		t.Fatalf("sent %d frames", len(l.sent))
	}
	f, err := frame.Decode(l.sent[0])
	if err != nil || f.MessageID != 7 || string(f.Payload) != "hello" {
		t.Errorf("sent frame = %+v %v", f, err)
	}
	if res.RoundTrip != 30*time.Millisecond {
		t.Errorf("round trip = %v", res.RoundTrip)
	}
	if _, ok := e.Pending(); ok {
		t.Error("pending ACK left armed")
	}
}

func TestSendReliableTimeout(t *testing.T) {
	e, l, rec, clk := newTestEngine()
	start := clk.Now()

	res, err := e.SendReliable(context.Background(), frame.New(peer, local, 1, []byte("x")), time.Second)
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if res.Outcome != TimedOut || !errors.Is(res.Err(), ErrAckTimeout) {
		t.Fatalf("result = %+v err = %v", res, res.Err())
	}
	if rec.failures != 1 || rec.successes != 0 {
		t.Errorf("recorder = %+v", rec)
	}
	if l.pumps != 100 {
		t.Errorf("pumps = %d, want 100 at 10ms granularity", l.pumps)
	}
	if got := clk.Now().Sub(start); got != time.Second {
		t.Errorf("waited %v", got)
	}
}

func TestLateAckIgnored(t *testing.T) {
	e, _, _, _ := newTestEngine()
	if _, err := e.SendReliable(context.Background(), frame.New(peer, local, 9, []byte("x")), 50*time.Millisecond); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if e.HandleAck(peer, 9) {
		t.Error("ACK after timeout resolved a send")
	}
}

func TestBroadcastNeverWaits(t *testing.T) {
	e, l, rec, _ := newTestEngine()

	res, err := e.SendReliable(context.Background(), frame.New(frame.Broadcast, local, 3, []byte("all")), time.Second)
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if res.Outcome != Unacknowledged {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if l.pumps != 0 || rec.successes != 0 || rec.failures != 0 {
		t.Errorf("broadcast waited or recorded: pumps=%d rec=%+v", l.pumps, rec)
	}
}

func TestBusyChannelNotSent(t *testing.T) {
	e, l, rec, _ := newTestEngine(WithGate(busyGate{state: csma.Busy}))

	res, err := e.SendReliable(context.Background(), frame.New(peer, local, 4, []byte("x")), time.Second)
	if !errors.Is(err, csma.ErrChannelBusy) {
		t.Fatalf("expected ErrChannelBusy, got %v", err)
	}
	if res.Transmitted() || len(l.sent) != 0 {
		t.Error("frame transmitted on a busy channel")
	}
	if rec.successes != 0 || rec.failures != 0 {
		t.Errorf("busy channel recorded %+v", rec)
	}
}

func TestIdleGateTransmits(t *testing.T) {
	e, l, _, _ := newTestEngine(WithGate(busyGate{state: csma.Idle}))
	res, _ := e.SendReliable(context.Background(), frame.New(peer, local, 4, []byte("x")), 20*time.Millisecond)
	if len(l.sent) != 1 || res.Channel.State != csma.Idle {
		t.Errorf("sent = %d channel = %+v", len(l.sent), res.Channel)
	}
}

func TestSendFailure(t *testing.T) {
	e, l, rec, _ := newTestEngine()
	l.sendErr = errors.New("tx done never arrived")

	res, err := e.SendReliable(context.Background(), frame.New(peer, local, 4, []byte("x")), time.Second)
	if !errors.Is(err, l.sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if res.Transmitted() || rec.failures != 0 {
		t.Errorf("result = %+v rec = %+v", res, rec)
	}
}

func TestOversizedPayload(t *testing.T) {
	e, l, _, _ := newTestEngine()
	_, err := e.SendReliable(context.Background(), frame.New(peer, local, 1, make([]byte, 256)), time.Second)
	if !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if len(l.sent) != 0 {
		t.Error("oversized frame transmitted")
	}
}

func TestPumpErrorInterruptsWait(t *testing.T) {
	e, l, rec, _ := newTestEngine()
	l.onPump = func(int) error { return context.Canceled }

	res, err := e.SendReliable(context.Background(), frame.New(peer, local, 2, []byte("x")), time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Transmitted() || rec.failures != 0 {
		t.Errorf("result = %+v rec = %+v", res, rec)
	}
}

func TestSendUnicastWithoutAck(t *testing.T) {
	e, l, rec, _ := newTestEngine()

	res, err := e.Send(context.Background(), frame.New(peer, local, 9, []byte("x")))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Outcome != Unacknowledged || len(l.sent) != 1 {
		t.Errorf("outcome = %v sent = %d", res.Outcome, len(l.sent))
	}
	if l.pumps != 0 || rec.successes != 0 || rec.failures != 0 {
		t.Errorf("unconfirmed send waited or recorded: pumps=%d rec=%+v", l.pumps, rec)
	}
	if _, ok := e.Pending(); ok {
		t.Error("unconfirmed send left an ACK pending")
	}
}

func TestSendBusyChannel(t *testing.T) {
	e, l, _, _ := newTestEngine(WithGate(busyGate{state: csma.Busy}))
	res, err := e.Send(context.Background(), frame.New(peer, local, 9, []byte("x")))
	if !errors.Is(err, csma.ErrChannelBusy) || res.Transmitted() || len(l.sent) != 0 {
		t.Errorf("err = %v result = %+v sent = %d", err, res, len(l.sent))
	}
}
