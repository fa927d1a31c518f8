package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/chatlink/internal/correlator"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/observability"
	"github.com/danmuck/chatlink/internal/protocol"
	"github.com/danmuck/chatlink/internal/transport"
)

// link is one transport and the pump goroutine draining its events.
type link struct {
	id string
	t  Transport

	// ready is closed once the transport opened or failed to open; openErr is
	// set before.
	ready   chan struct{}
	openErr error
	// done is closed when the pump exits.
	done chan struct{}
	// suppress marks a close the coordinator asked for; it never reconnects.
	suppress atomic.Bool

	// guarded by Coordinator.mu
	promoted bool
	gone     bool
}

func (c *Coordinator) startLinkLocked(addr string) (*link, error) {
	t := c.newTransport(c.tcfg)
	events, err := t.Open(context.Background(), addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	l := &link{
		id:    t.ID(),
		t:     t,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.link = l
	c.state = StateConnecting
	go c.pump(l, events)
	return l, nil
}

// awaitOpen waits for the transport to open. A ctx that ends first closes the
// transport quietly.
func (c *Coordinator) awaitOpen(ctx context.Context, l *link) error {
	select {
	case <-l.ready:
		return l.openErr
	case <-ctx.Done():
		l.suppress.Store(true)
		l.t.Close(transport.CloseNormal, "connect cancelled")
		<-l.ready
		return ctx.Err()
	}
}

// promote makes an opened link the live transport.
func (c *Coordinator) promote(l *link) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || l.gone {
		return fmt.Errorf("%w: transport closed while opening", ErrConnectionLost)
	}
	l.promoted = true
	c.state = StateOpen
	logs.Infof("client.Coordinator.promote link=%s", l.id)
	c.emitLocked(Event{Name: EventConnected})
	observability.SetConnected(true)
	return nil
}

func (c *Coordinator) connectFailed(l *link, err error) {
	c.mu.Lock()
	if l == nil || c.link == l {
		c.link = nil
		if c.state == StateConnecting || c.state == StateOpen {
			c.state = StateClosed
		}
	}
	c.emitLocked(Event{Name: EventConnectError, Err: err})
	c.mu.Unlock()
	logs.Warnf("client.Coordinator.connect failed err=%v", err)
}

// redial is the reconnect Dialer: open a fresh transport to the last address
// and re-authenticate with the remembered credentials.
func (c *Coordinator) redial(ctx context.Context) error {
	c.mu.Lock()
	if c.userClosed || c.closed {
		c.mu.Unlock()
		return context.Canceled
	}
	if c.link != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	addr, user, secret := c.addr, c.authUser, c.authSecret
	l, err := c.startLinkLocked(addr)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.awaitOpen(ctx, l); err != nil {
		c.dropQuietly(l)
		return err
	}
	if err := c.promote(l); err != nil {
		c.dropQuietly(l)
		return err
	}
	if user == "" {
		return nil
	}

	reply, err := c.login(ctx, l, user, secret)
	if err != nil {
		logs.Warnf("client.Coordinator.redial re-auth failed link=%s err=%v", l.id, err)
		c.dropQuietly(l)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return fmt.Errorf("%w: transport closed during re-authentication", ErrConnectionLost)
	}
	c.establishLocked(reply, user, secret)
	return nil
}

// dropQuietly closes l without a disconnected event or a reconnect trigger.
func (c *Coordinator) dropQuietly(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
		c.state = StateClosed
		c.heartbeat.Disarm()
		c.refresher.Stop()
		c.clearSessionLocked(false)
	}
	c.mu.Unlock()
	l.suppress.Store(true)
	l.t.Close(transport.CloseNormal, "reconnect abandoned")
	observability.SetConnected(false)
}

// login sends an Auth request on l and decodes the AuthResult reply.
func (c *Coordinator) login(ctx context.Context, l *link, userID, secret string) (protocol.AuthReply, error) {
	payload, err := protocol.NewPayload(protocol.AuthRequest{UserID: userID, Password: secret})
	if err != nil {
		return protocol.AuthReply{}, err
	}
	start := time.Now()
	env, err := c.roundTrip(ctx, l, protocol.Auth, payload, sessionState{userID: userID}, c.cfg.RequestTimeout)
	observability.RecordRequest(protocol.Auth.Name(), requestOutcome(err), time.Since(start))
	if err != nil {
		return protocol.AuthReply{}, err
	}
	var reply protocol.AuthReply
	if err := env.Payload.Decode(&reply); err != nil {
		return protocol.AuthReply{}, err
	}
	if !reply.OK() {
		return protocol.AuthReply{}, &AuthError{Code: reply.Code, Message: reply.Message}
	}
	if reply.SessionID.IsZero() || reply.Token == "" {
		return protocol.AuthReply{}, &AuthError{Code: reply.Code, Message: "reply without session or token"}
	}
	return reply, nil
}

// roundTrip registers a request with the correlator, sends it on l and waits
// for the matching response.
func (c *Coordinator) roundTrip(
	ctx context.Context,
	l *link,
	key protocol.Key,
	payload protocol.Payload,
	sess sessionState,
	timeout time.Duration,
) (protocol.Envelope, error) {
	pending, err := c.send(l, key, payload, sess, timeout)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return pending.Wait(ctx)
}

// send registers and writes one request. The pending entry is rejected if
// the write fails.
func (c *Coordinator) send(l *link, key protocol.Key, payload protocol.Payload, sess sessionState, timeout time.Duration) (*correlator.Pending, error) {
	pending := c.corr.Issue(key, timeout)
	env := protocol.NewEnvelope(key, pending.ID, payload)
	env.Header.SessionID = protocol.SessionID(sess.id)
	env.Header.UserID = sess.userID
	env.Header.Token = sess.credential

	data, err := protocol.Encode(env)
	if err == nil {
		err = l.t.Send(data)
	}
	if err != nil {
		c.corr.Reject(pending.ID, err)
		return nil, err
	}
	logs.Tracef("client.Coordinator.send link=%s key=%s request=%d", l.id, key.Name(), pending.ID)
	return pending, nil
}

func (c *Coordinator) pump(l *link, events <-chan transport.Event) {
	defer close(l.done)
	opened := false
	var lastErr error
	for ev := range events {
		switch ev.Kind {
		case transport.EventOpened:
			opened = true
			close(l.ready)
		case transport.EventData:
			c.handleFrame(l, ev.Data)
		case transport.EventErrored:
			lastErr = ev.Err
			if opened && !l.suppress.Load() {
				c.emit(Event{Name: EventError, Err: ev.Err})
			}
		case transport.EventClosed:
			if !opened {
				if lastErr == nil {
					lastErr = fmt.Errorf("%w: closed before open code=%d reason=%q", transport.ErrTransport, ev.Code, ev.Reason)
				}
				l.openErr = lastErr
				c.markGone(l)
				close(l.ready)
				continue
			}
			c.handleClosed(l, ev.Code, ev.Reason)
		}
	}
}

func (c *Coordinator) markGone(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.gone = true
}

// handleClosed tears down the session of a live link and hands unexpected
// closes to the reconnect controller.
func (c *Coordinator) handleClosed(l *link, code int, reason string) {
	c.mu.Lock()
	l.gone = true
	if c.link != l || !l.promoted {
		c.mu.Unlock()
		logs.Debugf("client.Coordinator.handleClosed stale link=%s code=%d", l.id, code)
		return
	}
	c.link = nil
	c.state = StateClosed
	c.heartbeat.Disarm()
	c.refresher.Stop()
	c.clearSessionLocked(false)
	retry := !l.suppress.Load() && !c.userClosed && code != transport.CloseNormal
	c.emitLocked(Event{Name: EventDisconnected, Code: code, Reason: reason})
	c.mu.Unlock()

	n := c.corr.CancelAll(fmt.Errorf("%w: transport closed code=%d", ErrConnectionLost, code))
	observability.SetConnected(false)
	logs.Infof("client.Coordinator.handleClosed link=%s code=%d reason=%q cancelled=%d retry=%t", l.id, code, reason, n, retry)
	if retry {
		c.reconnect.Trigger()
	}
}

func (c *Coordinator) handleFrame(l *link, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		logs.Warnf("client.Coordinator.handleFrame link=%s dropped err=%v", l.id, err)
		observability.RecordDroppedFrame("malformed")
		return
	}
	key, id := env.Key(), env.Header.RequestID
	if id != 0 && c.corr.Resolve(id, env) {
		return
	}

	switch key {
	case protocol.AuthResult, protocol.Auth:
		c.legacyAuthResult(l, env)
	case protocol.RefreshCredential:
		c.legacyRefreshResult(l, env)
	default:
		c.broadcast(l, env)
	}
}

// broadcast forwards structurally valid chat messages and drops the rest.
func (c *Coordinator) broadcast(l *link, env protocol.Envelope) {
	if l.suppress.Load() {
		return
	}
	msg, err := protocol.DecodeBroadcast(env.Payload)
	if err != nil || !msg.Valid() {
		logs.Debugf("client.Coordinator.broadcast dropped key=%s request=%d", env.Key(), env.Header.RequestID)
		observability.RecordDroppedFrame("invalid_broadcast")
		return
	}
	c.emit(Event{Name: EventMessage, Message: msg, Envelope: env})
}

// legacyAuthResult handles an AuthResult that matched no pending id. An
// in-flight auth request takes it; otherwise a successful reply updates the
// live session.
func (c *Coordinator) legacyAuthResult(l *link, env protocol.Envelope) {
	if id, ok := c.oldestPending(protocol.Auth); ok {
		logs.Warnf("client.Coordinator.legacyAuthResult resolving request=%d without request id", id)
		c.corr.Resolve(id, env)
		return
	}
	var reply protocol.AuthReply
	if err := env.Payload.Decode(&reply); err != nil || !reply.OK() || reply.Token == "" {
		logs.Debugf("client.Coordinator.legacyAuthResult ignored request=%d", env.Header.RequestID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || c.sess.userID == "" {
		return
	}
	logs.Warnf("client.Coordinator.legacyAuthResult applying unsolicited session update")
	if !reply.SessionID.IsZero() {
		c.sess.id = string(reply.SessionID)
	}
	c.sess.credential = reply.Token
	c.sess.issuedAt = time.Now()
	c.emitLocked(Event{Name: EventAuthenticated, Session: c.sessionLocked()})
}

// legacyRefreshResult is the refresh counterpart of legacyAuthResult.
func (c *Coordinator) legacyRefreshResult(l *link, env protocol.Envelope) {
	if id, ok := c.oldestPending(protocol.RefreshCredential); ok {
		logs.Warnf("client.Coordinator.legacyRefreshResult resolving request=%d without request id", id)
		c.corr.Resolve(id, env)
		return
	}
	var reply protocol.RefreshReply
	if err := env.Payload.Decode(&reply); err != nil || !reply.OK() || reply.Token == "" {
		logs.Debugf("client.Coordinator.legacyRefreshResult ignored request=%d", env.Header.RequestID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || c.sess.credential == "" {
		return
	}
	logs.Warnf("client.Coordinator.legacyRefreshResult applying unsolicited credential token=%s", logs.Redact(reply.Token))
	c.sess.credential = reply.Token
	c.sess.issuedAt = time.Now()
	observability.RecordRefresh("refreshed")
	c.emitLocked(Event{Name: EventCredentialRefreshed, Credential: reply.Token})
}

func (c *Coordinator) oldestPending(key protocol.Key) (uint64, bool) {
	for _, p := range c.corr.List() {
		if p.Key == key {
			return p.ID, true
		}
	}
	return 0, false
}
