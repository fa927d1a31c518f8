package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/chatlink/internal/correlator"
	"github.com/danmuck/chatlink/internal/heartbeat"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/observability"
	"github.com/danmuck/chatlink/internal/protocol"
	"github.com/danmuck/chatlink/internal/protocol/session"
	"github.com/danmuck/chatlink/internal/reconnect"
	"github.com/danmuck/chatlink/internal/refresh"
	"github.com/danmuck/chatlink/internal/transport"
)

type State = transport.State

const (
	StateIdle       = transport.StateIdle
	StateConnecting = transport.StateConnecting
	StateOpen       = transport.StateOpen
	StateClosing    = transport.StateClosing
	StateClosed     = transport.StateClosed
)

// Transport is one connection attempt. *transport.Channel implements it.
type Transport interface {
	ID() string
	Open(ctx context.Context, addr string) (<-chan transport.Event, error)
	Send(data []byte) error
	Close(code int, reason string)
	// Abort closes without waiting for the peer's close reply.
	Abort(code int, reason string)
}

// TransportFactory builds a fresh Transport for every connection attempt.
type TransportFactory func(cfg transport.Config) Transport

func defaultTransport(cfg transport.Config) Transport {
	return transport.New(cfg)
}

// Config configures a Coordinator.
type Config struct {
	Session session.Config
	// NewTransport overrides the websocket transport.
	NewTransport TransportFactory
}

// Session is a read-only view of the session identity.
type Session struct {
	SessionID  string
	Credential string
	IssuedAt   time.Time
	UserID     string
	State      State
}

// Authenticated reports an established session.
func (s Session) Authenticated() bool {
	return s.SessionID != "" && s.Credential != ""
}

type sessionState struct {
	id         string
	credential string
	issuedAt   time.Time
	userID     string
}

// Coordinator is the client session state machine.
type Coordinator struct {
	cfg          session.Config
	tcfg         transport.Config
	newTransport TransportFactory

	corr      *correlator.Correlator
	heartbeat *heartbeat.Monitor
	refresher *refresh.Scheduler
	reconnect *reconnect.Controller
	bus       *bus

	mu         sync.Mutex
	state      State
	link       *link
	addr       string
	sess       sessionState
	authUser   string
	authSecret string
	userClosed bool
	closed     bool
}

func New(cfg Config) (*Coordinator, error) {
	scfg := cfg.Session.WithDefaults()
	if err := scfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := scfg.TLS.ClientTLS()
	if err != nil {
		return nil, err
	}
	factory := cfg.NewTransport
	if factory == nil {
		factory = defaultTransport
	}

	c := &Coordinator{
		cfg: scfg,
		tcfg: transport.Config{
			HandshakeTimeout: scfg.HandshakeTimeout,
			WriteTimeout:     scfg.WriteTimeout,
			CloseTimeout:     scfg.CloseTimeout,
			TLS:              tlsCfg,
		},
		newTransport: factory,
		corr:         correlator.New(),
		bus:          newBus(),
		state:        StateIdle,
	}
	c.heartbeat = heartbeat.New(heartbeat.Config{
		Interval: scfg.HeartbeatInterval,
		Timeout:  scfg.HeartbeatTimeout,
	}, heartbeatLink{c}, c.heartbeatObserver())
	c.refresher = refresh.New(scfg.Refresh.Period, refresh.PolicyFor(scfg.Refresh), refreshLink{c}, c.refreshObserver())
	c.reconnect = reconnect.New(reconnect.Config{
		Backoff:     scfg.Reconnect.Backoff,
		MaxAttempts: scfg.Reconnect.MaxAttempts,
	}, reconnect.DialerFunc(c.redial), c.reconnectObserver())

	logs.Debugf("client.New refresh=%s heartbeat=%v/%v reconnect_base=%v max_attempts=%d",
		scfg.Refresh.Mode, scfg.HeartbeatInterval, scfg.HeartbeatTimeout,
		scfg.Reconnect.Backoff.InitialDelay, scfg.Reconnect.MaxAttempts)
	return c, nil
}

// On subscribes h to one event name. The returned func unsubscribes.
func (c *Coordinator) On(name EventName, h Handler) func() {
	return c.bus.subscribe(name, false, h)
}

// OnAny subscribes h to every event.
func (c *Coordinator) OnAny(h Handler) func() {
	return c.bus.subscribe("", true, h)
}

// Connect opens a transport to addr and waits until it is open.
func (c *Coordinator) Connect(ctx context.Context, addr string) error {
	target, err := session.NormalizeAddress(addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	case StateOpen, StateClosing:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.userClosed = false
	c.addr = target
	c.reconnect.Reset()
	c.reconnect.Remember(target)
	l, err := c.startLinkLocked(target)
	c.mu.Unlock()
	if err != nil {
		c.connectFailed(nil, err)
		return err
	}

	logs.Infof("client.Coordinator.Connect link=%s addr=%q", l.id, target)
	if err := c.awaitOpen(ctx, l); err != nil {
		c.connectFailed(l, err)
		return err
	}
	if err := c.promote(l); err != nil {
		c.connectFailed(l, err)
		return err
	}
	return nil
}

// Authenticate logs in on the open transport and starts the session
// background tasks.
func (c *Coordinator) Authenticate(ctx context.Context, userID, secret string) (Session, error) {
	c.mu.Lock()
	l := c.link
	if c.state != StateOpen || l == nil {
		c.mu.Unlock()
		return Session{}, ErrNotConnected
	}
	c.mu.Unlock()

	reply, err := c.login(ctx, l, userID, secret)
	if err != nil {
		logs.Warnf("client.Coordinator.Authenticate failed user=%s err=%v", userID, err)
		return Session{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return Session{}, fmt.Errorf("%w: transport replaced during authentication", ErrConnectionLost)
	}
	return c.establishLocked(reply, userID, secret), nil
}

// Call sends body on key and waits for the correlated response.
func (c *Coordinator) Call(ctx context.Context, key protocol.Key, body any) (protocol.Envelope, error) {
	payload, err := protocol.NewPayload(body)
	if err != nil {
		return protocol.Envelope{}, err
	}

	c.mu.Lock()
	l, sess := c.link, c.sess
	if c.state != StateOpen || l == nil {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrNotConnected
	}
	if sess.id == "" || sess.credential == "" {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrNoSession
	}
	c.mu.Unlock()

	start := time.Now()
	env, err := c.roundTrip(ctx, l, key, payload, sess, c.cfg.RequestTimeout)
	observability.RecordRequest(key.Name(), requestOutcome(err), time.Since(start))
	return env, err
}

// Request performs Call and decodes a status-bearing reply into out. A
// non-success status is returned as *protocol.StatusError.
func (c *Coordinator) Request(ctx context.Context, key protocol.Key, body, out any) error {
	env, err := c.Call(ctx, key, body)
	if err != nil {
		return err
	}
	var status protocol.Status
	if err := env.Payload.Decode(&status); err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return env.Payload.Decode(out)
}

// Disconnect stops every background task, fails in-flight calls with
// ErrConnectionLost, closes the transport and clears the session. Calling it
// without a transport is a no-op apart from cancelling reconnection.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.reconnect.Cancel()
	c.heartbeat.Disarm()
	c.refresher.Stop()
	l := c.link
	c.link = nil
	c.clearSessionLocked(true)
	// a link that never opened has no connected event to pair with
	wasOpen := l != nil && l.promoted
	if l != nil {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if n := c.corr.CancelAll(fmt.Errorf("%w: disconnect", ErrConnectionLost)); n > 0 {
		logs.Debugf("client.Coordinator.Disconnect cancelled pending=%d", n)
	}
	if l == nil {
		return
	}

	logs.Infof("client.Coordinator.Disconnect link=%s", l.id)
	l.suppress.Store(true)
	l.t.Close(transport.CloseNormal, "client disconnect")
	<-l.done

	c.mu.Lock()
	if c.link == nil && c.state == StateClosing {
		c.state = StateClosed
	}
	if wasOpen {
		c.emitLocked(Event{Name: EventDisconnected, Code: transport.CloseNormal, Reason: "client disconnect"})
	}
	c.mu.Unlock()
	observability.SetConnected(false)
}

// Close disconnects and stops event delivery. The Coordinator is unusable
// afterwards.
func (c *Coordinator) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bus.close()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked()
}

// Pending lists in-flight correlated requests.
func (c *Coordinator) Pending() []correlator.Snapshot {
	return c.corr.List()
}

// PendingCount is the number of calls awaiting a reply.
func (c *Coordinator) PendingCount() int {
	return c.corr.Len()
}

func (c *Coordinator) ReconnectState() reconnect.Snapshot {
	return c.reconnect.Snapshot()
}

func (c *Coordinator) HeartbeatState() heartbeat.State {
	return c.heartbeat.State()
}

// Address is the last address passed to Connect.
func (c *Coordinator) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Coordinator) sessionLocked() Session {
	return Session{
		SessionID:  c.sess.id,
		Credential: c.sess.credential,
		IssuedAt:   c.sess.issuedAt,
		UserID:     c.sess.userID,
		State:      c.state,
	}
}

// establishLocked installs an authenticated session and starts heartbeat and
// refresh.
func (c *Coordinator) establishLocked(reply protocol.AuthReply, userID, secret string) Session {
	c.sess = sessionState{
		id:         string(reply.SessionID),
		credential: reply.Token,
		issuedAt:   time.Now(),
		userID:     userID,
	}
	c.authUser, c.authSecret = userID, secret
	c.heartbeat.Arm()
	c.refresher.Start()
	snap := c.sessionLocked()
	logs.Infof("client.Coordinator.establish user=%s session=%s token=%s", userID, snap.SessionID, logs.Redact(snap.Credential))
	c.emitLocked(Event{Name: EventAuthenticated, Session: snap})
	return snap
}

// clearSessionLocked drops the session identity. forget also drops the
// credentials kept for re-authentication.
func (c *Coordinator) clearSessionLocked(forget bool) {
	c.sess.id = ""
	c.sess.credential = ""
	c.sess.issuedAt = time.Time{}
	if forget {
		c.sess.userID = ""
		c.authUser, c.authSecret = "", ""
	}
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.bus.publish(ev)
}

// emitLocked publishes while c.mu is held so event order follows state order.
func (c *Coordinator) emitLocked(ev Event) {
	c.emit(ev)
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrRequestTimeout):
		return observability.OutcomeTimeout
	case errors.Is(err, ErrConnectionLost):
		return observability.OutcomeConnectionLost
	default:
		return observability.OutcomeError
	}
}
