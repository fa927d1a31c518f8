package reconnect

import (
	"context"
	"sync"
	"time"

	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/protocol/session"
)

// Dialer re-establishes the session: open a transport and re-authenticate.
type Dialer interface {
	Redial(ctx context.Context) error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) error

func (f DialerFunc) Redial(ctx context.Context) error {
	return f(ctx)
}

// Observer receives controller events in order. Hooks run under the
// controller lock and must not call back into the controller. Nil hooks are
// skipped.
type Observer struct {
	Reconnecting func(attempt int, delay time.Duration)
	Reconnected  func(attempt int)
	Failed       func(attempts int, err error)
}

type Config struct {
	Backoff     session.BackoffConfig
	MaxAttempts int
}

// Snapshot is the observable reconnect state.
type Snapshot struct {
	Attempt     int
	LastAddress string
	Active      bool
}

// Controller schedules redials with exponential backoff.
type Controller struct {
	cfg    Config
	dialer Dialer
	obs    Observer

	mu       sync.Mutex
	attempt  int
	active   bool
	lastAddr string
	gen      uint64
	timer    *time.Timer
	cancel   context.CancelFunc

	// a Trigger arrived while a redial was in flight
	retrigger bool
}

func New(cfg Config, dialer Dialer, obs Observer) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	// reconnect delays are deterministic
	cfg.Backoff.Jitter = false
	return &Controller{cfg: cfg, dialer: dialer, obs: obs}
}

// Remember records the address the next redial targets.
func (c *Controller) Remember(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAddr = addr
}

// Trigger starts a recovery cycle. It returns false when a cycle is already
// running or the attempt bound was reached since the last Reset. A Trigger
// refused during an in-flight redial is replayed if that redial succeeds.
func (c *Controller) Trigger() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		if c.cancel != nil {
			c.retrigger = true
		}
		logs.Debugf("reconnect.Controller.Trigger skipped reason=active attempt=%d", c.attempt)
		return false
	}
	if c.attempt >= c.cfg.MaxAttempts {
		logs.Debugf("reconnect.Controller.Trigger skipped reason=exhausted attempt=%d", c.attempt)
		return false
	}
	c.active = true
	c.gen++
	c.scheduleLocked(c.gen)
	return true
}

// Cancel stops the current cycle: pending timers are stopped and an in-flight
// redial has its context cancelled. The attempt count is kept.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// Reset cancels any cycle and clears the attempt count.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.attempt = 0
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Attempt:     c.attempt,
		LastAddress: c.lastAddr,
		Active:      c.active,
	}
}

func (c *Controller) cancelLocked() {
	if c.active {
		logs.Debugf("reconnect.Controller.cancel attempt=%d", c.attempt)
	}
	c.gen++
	c.active = false
	c.retrigger = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) scheduleLocked(gen uint64) {
	c.attempt++
	attempt := c.attempt
	delay := session.NextBackoffDelay(c.cfg.Backoff, attempt, nil)
	logs.Infof("reconnect.Controller.schedule attempt=%d delay=%v", attempt, delay)
	if c.obs.Reconnecting != nil {
		c.obs.Reconnecting(attempt, delay)
	}
	c.timer = time.AfterFunc(delay, func() {
		c.fire(gen, attempt)
	})
}

func (c *Controller) fire(gen uint64, attempt int) {
	c.mu.Lock()
	if c.gen != gen || !c.active {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.timer = nil
	c.cancel = cancel
	c.retrigger = false
	addr := c.lastAddr
	c.mu.Unlock()

	logs.Infof("reconnect.Controller.fire attempt=%d/%d addr=%q", attempt, c.cfg.MaxAttempts, addr)
	err := c.dialer.Redial(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.cancel = nil
	again := c.retrigger
	c.retrigger = false
	if err == nil {
		c.attempt = 0
		logs.Infof("reconnect.Controller.fire reconnected attempt=%d", attempt)
		if c.obs.Reconnected != nil {
			c.obs.Reconnected(attempt)
		}
		if again {
			// the new session dropped before this attempt settled
			logs.Warnf("reconnect.Controller.fire replaying trigger after attempt=%d", attempt)
			c.scheduleLocked(gen)
			return
		}
		c.active = false
		return
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.active = false
		logs.Warnf("reconnect.Controller.fire exhausted attempts=%d err=%v", attempt, err)
		if c.obs.Failed != nil {
			c.obs.Failed(attempt, err)
		}
		return
	}
	logs.Warnf("reconnect.Controller.fire attempt failed attempt=%d err=%v", attempt, err)
	c.scheduleLocked(gen)
}
