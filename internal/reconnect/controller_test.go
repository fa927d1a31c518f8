package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/chatlink/internal/protocol/session"
	"github.com/danmuck/chatlink/internal/testutil/testlog"
)

type recorder struct {
	mu        sync.Mutex
	delays    []time.Duration
	attempts  []int
	succeeded []int
	failed    []int
	events    chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) observer() Observer {
	return Observer{
		Reconnecting: func(attempt int, delay time.Duration) {
			r.mu.Lock()
			r.attempts = append(r.attempts, attempt)
			r.delays = append(r.delays, delay)
			r.mu.Unlock()
			r.events <- fmt.Sprintf("reconnecting:%d", attempt)
		},
		Reconnected: func(attempt int) {
			r.mu.Lock()
			r.succeeded = append(r.succeeded, attempt)
			r.mu.Unlock()
			r.events <- "reconnected"
		},
		Failed: func(attempts int, err error) {
			r.mu.Lock()
			r.failed = append(r.failed, attempts)
			r.mu.Unlock()
			r.events <- "failed"
		},
	}
}

func (r *recorder) snapshot() ([]int, []time.Duration, []int, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...),
		append([]time.Duration(nil), r.delays...),
		append([]int(nil), r.succeeded...),
		append([]int(nil), r.failed...)
}

func waitEvent(t *testing.T, events <-chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-events:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func testConfig(base time.Duration) Config {
	return Config{
		Backoff:     session.BackoffConfig{InitialDelay: base, Multiplier: 2.0},
		MaxAttempts: 5,
	}
}

func TestControllerExhaustsWithDoublingDelays(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	var calls atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("refused")
	})
	c := New(testConfig(4*time.Millisecond), dialer, rec.observer())
	c.Remember("ws://chat.local/ws")

	if !c.Trigger() {
		t.Fatalf("expected trigger to start a cycle")
	}
	if c.Trigger() {
		t.Fatalf("trigger while active must be refused")
	}
	waitEvent(t, rec.events, "failed")

	attempts, delays, succeeded, failed := rec.snapshot()
	want := []time.Duration{4, 8, 16, 32, 64}
	if len(delays) != len(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
	for i := range want {
		if delays[i] != want[i]*time.Millisecond {
			t.Fatalf("attempt%d delay=%v want=%v", i+1, delays[i], want[i]*time.Millisecond)
		}
		if attempts[i] != i+1 {
			t.Fatalf("unexpected attempt numbering: %v", attempts)
		}
	}
	if len(succeeded) != 0 || len(failed) != 1 || failed[0] != 5 {
		t.Fatalf("unexpected outcome succeeded=%v failed=%v", succeeded, failed)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 redials, got %d", calls.Load())
	}

	snap := c.Snapshot()
	if snap.Active || snap.Attempt != 5 || snap.LastAddress != "ws://chat.local/ws" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if c.Trigger() {
		t.Fatalf("exhausted controller must refuse until reset")
	}
	time.Sleep(80 * time.Millisecond)
	if calls.Load() != 5 {
		t.Fatalf("no attempts expected after exhaustion, got %d", calls.Load())
	}

	c.Reset()
	if !c.Trigger() {
		t.Fatalf("reset should allow a new cycle")
	}
	c.Cancel()
}

func TestControllerSucceedsAndResets(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	var calls atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("refused")
		}
		return nil
	})
	c := New(testConfig(2*time.Millisecond), dialer, rec.observer())
	c.Trigger()
	waitEvent(t, rec.events, "reconnected")

	_, _, succeeded, failed := rec.snapshot()
	if len(succeeded) != 1 || succeeded[0] != 3 || len(failed) != 0 {
		t.Fatalf("unexpected outcome succeeded=%v failed=%v", succeeded, failed)
	}
	snap := c.Snapshot()
	if snap.Active || snap.Attempt != 0 {
		t.Fatalf("successful reconnect should reset state: %+v", snap)
	}
	if !c.Trigger() {
		t.Fatalf("a later drop should start a fresh cycle")
	}
	c.Cancel()
}

func TestControllerCancelDuringBackoff(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	var calls atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	c := New(testConfig(40*time.Millisecond), dialer, rec.observer())
	c.Trigger()
	waitEvent(t, rec.events, "reconnecting:1")
	c.Cancel()
	c.Cancel()

	time.Sleep(80 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled backoff must not redial")
	}
	if c.Snapshot().Active {
		t.Fatalf("controller should be inactive after cancel")
	}
}

func TestControllerCancelInFlightRedial(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	started := make(chan struct{})
	dialer := DialerFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	c := New(testConfig(time.Millisecond), dialer, rec.observer())
	c.Trigger()
	<-started
	c.Cancel()

	time.Sleep(30 * time.Millisecond)
	attempts, _, succeeded, failed := rec.snapshot()
	if len(attempts) != 1 || len(succeeded) != 0 || len(failed) != 0 {
		t.Fatalf("cancelled redial must not schedule or report: attempts=%v ok=%v failed=%v", attempts, succeeded, failed)
	}
}

func TestControllerReplaysTriggerDuringRedial(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	var calls atomic.Int32
	var refused atomic.Bool
	var c *Controller
	dialer := DialerFunc(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			// the fresh session drops before the attempt is reported
			refused.Store(!c.Trigger())
		}
		return nil
	})
	c = New(testConfig(2*time.Millisecond), dialer, rec.observer())
	c.Trigger()
	waitEvent(t, rec.events, "reconnected")
	waitEvent(t, rec.events, "reconnected")

	if !refused.Load() {
		t.Fatalf("trigger during an in-flight redial should be refused")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected the refused trigger to be replayed once, got %d redials", calls.Load())
	}
	attempts, _, succeeded, failed := rec.snapshot()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 1 {
		t.Fatalf("replayed cycle should restart at attempt 1: %v", attempts)
	}
	if len(succeeded) != 2 || len(failed) != 0 {
		t.Fatalf("unexpected outcome succeeded=%v failed=%v", succeeded, failed)
	}
	snap := c.Snapshot()
	if snap.Active || snap.Attempt != 0 {
		t.Fatalf("controller should settle idle: %+v", snap)
	}
}

func TestControllerTriggerDuringBackoffIsNotReplayed(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	var calls atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	c := New(testConfig(20*time.Millisecond), dialer, rec.observer())
	c.Trigger()
	waitEvent(t, rec.events, "reconnecting:1")
	c.Trigger()
	waitEvent(t, rec.events, "reconnected")

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("a trigger during backoff joins the running cycle, got %d redials", calls.Load())
	}
}
