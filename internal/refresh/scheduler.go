package refresh

import (
	"context"
	"sync"
	"time"

	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/protocol"
)

// Link is the scheduler's view of the authenticated session.
type Link interface {
	// Ready reports an open transport with an established session.
	Ready() bool
	Credential() Credential
	// Refresh requests a new token for current and waits for the reply.
	Refresh(ctx context.Context, current Credential) (string, error)
	// Swap installs token only if the active credential is still prev.
	Swap(prev Credential, token string) bool
}

// Observer receives scheduler events. Nil hooks are skipped.
type Observer struct {
	Refreshing   func()
	Refreshed    func(token string)
	RefreshError func(err error)
	Expired      func(err error)
}

// Scheduler checks credential staleness every Period while running.
type Scheduler struct {
	period time.Duration
	policy Policy
	link   Link
	obs    Observer
	now    func() time.Time

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
}

func New(period time.Duration, policy Policy, link Link, obs Observer) *Scheduler {
	if period <= 0 {
		period = time.Minute
	}
	if policy == nil {
		policy = AlwaysStale{}
	}
	return &Scheduler{
		period: period,
		policy: policy,
		link:   link,
		obs:    obs,
		now:    time.Now,
	}
}

// Start begins the periodic check. It returns false if already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	s.running = true
	s.cancel = cancel
	go s.run(ctx, s.gen)
	logs.Debugf("refresh.Scheduler.Start period=%v", s.period)
	return true
}

// Stop halts the schedule and cancels an in-flight refresh. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.running {
		logs.Debugf("refresh.Scheduler.Stop")
	}
	s.running = false
	s.gen++
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.check(ctx, gen) {
				return
			}
		}
	}
}

// check runs one staleness evaluation; false ends the loop.
func (s *Scheduler) check(ctx context.Context, gen uint64) bool {
	if !s.link.Ready() {
		logs.Debugf("refresh.Scheduler.check skipped reason=not_ready")
		return true
	}
	cred := s.link.Credential()
	if cred.IsZero() {
		logs.Debugf("refresh.Scheduler.check skipped reason=no_credential")
		return true
	}
	if !s.policy.Stale(cred, s.now()) {
		logs.Tracef("refresh.Scheduler.check fresh issued_at=%v", cred.IssuedAt)
		return true
	}

	if s.obs.Refreshing != nil {
		s.obs.Refreshing()
	}
	logs.Debugf("refresh.Scheduler.check refreshing token=%s", logs.Redact(cred.Token))
	token, err := s.link.Refresh(ctx, cred)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		logs.Warnf("refresh.Scheduler.check failed err=%v", err)
		if s.obs.RefreshError != nil {
			s.obs.RefreshError(err)
		}
		if !protocol.IsUnauthorized(err) {
			return true
		}
		if !s.halt(gen) {
			return false
		}
		logs.Warnf("refresh.Scheduler.check credential expired")
		if s.obs.Expired != nil {
			s.obs.Expired(err)
		}
		return false
	}

	if !s.link.Swap(cred, token) {
		logs.Debugf("refresh.Scheduler.check swap skipped reason=credential_changed")
		return true
	}
	logs.Infof("refresh.Scheduler.check refreshed token=%s", logs.Redact(token))
	if s.obs.Refreshed != nil {
		s.obs.Refreshed(token)
	}
	return true
}

// halt marks the scheduler stopped if gen is still current.
func (s *Scheduler) halt(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.gen++
	return true
}
