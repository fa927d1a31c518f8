package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/chatlink/internal/correlator"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateArmed
	StateAwaitingPong
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateAwaitingPong:
		return "awaiting_pong"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config sets probe cadence and the bounded wait for each probe.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Link is the monitor's view of the session it probes.
type Link interface {
	// Alive reports a connected transport with an established session.
	Alive() bool
	// Ping sends one probe registered with the session correlator.
	Ping(timeout time.Duration) (*correlator.Pending, error)
	// Drop forcibly closes the transport.
	Drop(code int, reason string)
}

// Observer receives monitor events. Nil hooks are skipped.
type Observer struct {
	Sending        func()
	Success        func(latency time.Duration, band Band)
	Error          func(err error)
	Timeout        func()
	ConnectionLost func()
}

// Monitor probes a Link on a fixed interval while armed.
type Monitor struct {
	cfg  Config
	link Link
	obs  Observer

	mu          sync.Mutex
	state       State
	gen         uint64
	cancel      context.CancelFunc
	lastLatency time.Duration
}

func New(cfg Config, link Link, obs Observer) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Monitor{cfg: cfg, link: link, obs: obs}
}

// Arm starts probing. It returns false if the monitor is already armed.
func (m *Monitor) Arm() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	m.state = StateArmed
	m.cancel = cancel
	go m.run(ctx, m.gen)
	logs.Debugf("heartbeat.Monitor.Arm interval=%v timeout=%v", m.cfg.Interval, m.cfg.Timeout)
	return true
}

// Disarm stops probing and cancels any outstanding probe. It is idempotent
// and never blocks on the probe loop.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.state != StateIdle {
		logs.Debugf("heartbeat.Monitor.Disarm state=%s", m.state)
	}
	m.state = StateIdle
	m.gen++
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastLatency is the round trip of the most recent successful probe.
func (m *Monitor) LastLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLatency
}

func (m *Monitor) run(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer m.release(gen)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.link.Alive() {
				logs.Debugf("heartbeat.Monitor.run self-disarm reason=not_alive")
				return
			}
			if !m.probe(ctx, gen) {
				return
			}
		}
	}
}

// probe runs one ping round; false ends the loop.
func (m *Monitor) probe(ctx context.Context, gen uint64) bool {
	if !m.transition(gen, StateAwaitingPong) {
		return false
	}
	if m.obs.Sending != nil {
		m.obs.Sending()
	}

	start := time.Now()
	pending, err := m.link.Ping(m.cfg.Timeout)
	if err == nil {
		_, err = pending.Wait(ctx)
	}
	if ctx.Err() != nil {
		return false
	}

	switch {
	case err == nil:
		latency := time.Since(start)
		band := Classify(latency)
		m.mu.Lock()
		m.lastLatency = latency
		m.mu.Unlock()
		logs.Debugf("heartbeat.Monitor.probe ok latency=%v band=%s", latency, band)
		if m.obs.Success != nil {
			m.obs.Success(latency, band)
		}
		return m.transition(gen, StateArmed)
	case errors.Is(err, correlator.ErrRequestTimeout):
		logs.Warnf("heartbeat.Monitor.probe timeout after=%v", m.cfg.Timeout)
		if m.obs.Timeout != nil {
			m.obs.Timeout()
		}
		m.link.Drop(transport.CloseHeartbeatTimeout, "heartbeat timeout")
		if m.obs.ConnectionLost != nil {
			m.obs.ConnectionLost()
		}
		return false
	default:
		logs.Warnf("heartbeat.Monitor.probe failed err=%v", err)
		if m.obs.Error != nil {
			m.obs.Error(err)
		}
		return m.transition(gen, StateArmed)
	}
}

// transition applies state only while gen is the current arming.
func (m *Monitor) transition(gen uint64, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.state = state
	return true
}

func (m *Monitor) release(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.state = StateIdle
}
