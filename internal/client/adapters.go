package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/chatlink/internal/correlator"
	"github.com/danmuck/chatlink/internal/heartbeat"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/observability"
	"github.com/danmuck/chatlink/internal/protocol"
	"github.com/danmuck/chatlink/internal/reconnect"
	"github.com/danmuck/chatlink/internal/refresh"
)

var errNoLiveSession = errors.New("client: no live session")

// heartbeatLink exposes the live session to the heartbeat monitor.
type heartbeatLink struct {
	c *Coordinator
}

func (h heartbeatLink) live() (*link, sessionState, bool) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.c.state != StateOpen || h.c.link == nil || h.c.sess.id == "" {
		return nil, sessionState{}, false
	}
	return h.c.link, h.c.sess, true
}

func (h heartbeatLink) Alive() bool {
	_, _, ok := h.live()
	return ok
}

func (h heartbeatLink) Ping(timeout time.Duration) (*correlator.Pending, error) {
	l, sess, ok := h.live()
	if !ok {
		return nil, errNoLiveSession
	}
	payload, err := protocol.NewPayload(protocol.PingRequest{Ping: "ping"})
	if err != nil {
		return nil, err
	}
	return h.c.send(l, protocol.Ping, payload, sess, timeout)
}

func (h heartbeatLink) Drop(code int, reason string) {
	h.c.mu.Lock()
	l := h.c.link
	h.c.mu.Unlock()
	if l == nil {
		return
	}
	logs.Warnf("client.heartbeatLink.Drop link=%s code=%d reason=%q", l.id, code, reason)
	l.t.Abort(code, reason)
}

func (c *Coordinator) heartbeatObserver() heartbeat.Observer {
	return heartbeat.Observer{
		Sending: func() {
			c.emit(Event{Name: EventHeartbeatSending})
		},
		Success: func(latency time.Duration, band heartbeat.Band) {
			observability.RecordHeartbeatLatency(band.String(), latency)
			c.emit(Event{Name: EventHeartbeatSuccess, Latency: latency, Band: band})
		},
		Error: func(err error) {
			observability.RecordHeartbeat(observability.OutcomeError)
			c.emit(Event{Name: EventHeartbeatError, Err: err})
		},
		Timeout: func() {
			observability.RecordHeartbeat(observability.OutcomeTimeout)
			c.emit(Event{Name: EventHeartbeatTimeout, Err: ErrRequestTimeout})
		},
		ConnectionLost: func() {
			c.emit(Event{Name: EventConnectionLost, Err: ErrConnectionLost})
		},
	}
}

// refreshLink exposes the session credential to the refresh scheduler.
type refreshLink struct {
	c *Coordinator
}

func (r refreshLink) Ready() bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.c.state == StateOpen && r.c.link != nil && r.c.sess.id != "" && r.c.sess.credential != ""
}

func (r refreshLink) Credential() refresh.Credential {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return refresh.Credential{Token: r.c.sess.credential, IssuedAt: r.c.sess.issuedAt}
}

func (r refreshLink) Refresh(ctx context.Context, current refresh.Credential) (string, error) {
	r.c.mu.Lock()
	l, sess := r.c.link, r.c.sess
	r.c.mu.Unlock()
	if l == nil || sess.id == "" {
		return "", errNoLiveSession
	}
	sess.credential = current.Token

	payload, err := protocol.NewPayload(protocol.RefreshRequest{Token: current.Token})
	if err != nil {
		return "", err
	}
	start := time.Now()
	env, err := r.c.roundTrip(ctx, l, protocol.RefreshCredential, payload, sess, r.c.cfg.RequestTimeout)
	observability.RecordRequest(protocol.RefreshCredential.Name(), requestOutcome(err), time.Since(start))
	if err != nil {
		return "", err
	}
	var reply protocol.RefreshReply
	if err := env.Payload.Decode(&reply); err != nil {
		return "", err
	}
	if err := reply.Err(); err != nil {
		return "", err
	}
	if reply.Token == "" {
		return "", fmt.Errorf("%w: refresh reply without token", protocol.ErrUndecodablePayload)
	}
	return reply.Token, nil
}

func (r refreshLink) Swap(prev refresh.Credential, token string) bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.sess.credential != prev.Token || r.c.sess.id == "" {
		return false
	}
	r.c.sess.credential = token
	r.c.sess.issuedAt = time.Now()
	return true
}

func (c *Coordinator) refreshObserver() refresh.Observer {
	return refresh.Observer{
		Refreshing: func() {
			c.emit(Event{Name: EventCredentialRefreshing})
		},
		Refreshed: func(token string) {
			observability.RecordRefresh("refreshed")
			c.emit(Event{Name: EventCredentialRefreshed, Credential: token})
		},
		RefreshError: func(err error) {
			observability.RecordRefresh("error")
			c.emit(Event{Name: EventCredentialRefreshError, Err: err})
		},
		Expired: c.expireCredential,
	}
}

// expireCredential returns the session to the unauthenticated state. The
// transport stays open so the user can log in again.
func (c *Coordinator) expireCredential(cause error) {
	observability.RecordRefresh("expired")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat.Disarm()
	c.clearSessionLocked(true)
	logs.Warnf("client.Coordinator.expireCredential cause=%v", cause)
	c.emitLocked(Event{Name: EventCredentialExpired, Err: fmt.Errorf("%w: %v", ErrCredentialExpired, cause)})
}

func (c *Coordinator) reconnectObserver() reconnect.Observer {
	return reconnect.Observer{
		Reconnecting: func(attempt int, delay time.Duration) {
			observability.RecordReconnect("scheduled")
			c.emit(Event{Name: EventReconnecting, Attempt: attempt, Delay: delay})
		},
		Reconnected: func(attempt int) {
			observability.RecordReconnect("reconnected")
			c.emit(Event{Name: EventReconnected, Attempt: attempt})
		},
		Failed: func(attempts int, err error) {
			observability.RecordReconnect("failed")
			c.emit(Event{Name: EventReconnectFailed, Attempt: attempts, Err: err})
		},
	}
}
