package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure

	// application close code used when a liveness probe goes unanswered
	CloseHeartbeatTimeout = 4000
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrTransport     = errors.New("transport: failure")
	ErrAlreadyOpened = errors.New("transport: channel already opened")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventData
	EventErrored
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventErrored:
		return "errored"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item of the channel event stream.
type Event struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Config holds per-connection dial and write settings.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration
	ReadLimit        int64
	TLS              *tls.Config
	Header           http.Header
}

// Channel is one websocket connection attempt.
type Channel struct {
	cfg    Config
	id     string
	events chan Event

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	cancelDial  context.CancelFunc
	closeCode   int
	closeReason string
	forceClose  *time.Timer

	writeMu sync.Mutex
}

const abortWriteTimeout = 100 * time.Millisecond

func New(cfg Config) *Channel {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		id:     uuid.NewString(),
		events: make(chan Event, 64),
	}
}

// ID is a unique identifier for log correlation.
func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts dialing addr and returns the event stream. The stream ends with
// exactly one EventClosed and is then closed.
func (c *Channel) Open(ctx context.Context, addr string) (<-chan Event, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: state=%s", ErrAlreadyOpened, state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.cancelDial = cancel
	c.mu.Unlock()

	logs.Debugf("transport.Channel.Open id=%s addr=%q", c.id, addr)
	go c.run(dialCtx, cancel, addr)
	return c.events, nil
}

// Send writes one text frame. It fails with ErrNotConnected unless open.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", ErrTransport, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Close requests a graceful shutdown with code and reason. The closed event is
// guaranteed: if the peer does not finish the handshake within CloseTimeout
// the connection is dropped. Calling Close while closing or closed is a no-op.
func (c *Channel) Close(code int, reason string) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateClosed
		c.mu.Unlock()
		return
	case StateConnecting:
		c.state = StateClosing
		c.closeCode, c.closeReason = code, reason
		cancel := c.cancelDial
		c.mu.Unlock()
		cancel()
		return
	case StateOpen:
		c.state = StateClosing
		c.closeCode, c.closeReason = code, reason
		conn := c.conn
		c.forceClose = time.AfterFunc(c.cfg.CloseTimeout, func() {
			_ = conn.Close()
		})
		c.mu.Unlock()

		logs.Debugf("transport.Channel.Close id=%s code=%d reason=%q", c.id, code, reason)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			_ = conn.Close()
		}
		return
	default:
		c.mu.Unlock()
	}
}

// Abort closes the connection without waiting for the peer's close reply.
// A close frame is still attempted with a short write deadline. The closed
// event carries code.
func (c *Channel) Abort(code int, reason string) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateClosed
		c.mu.Unlock()
		return
	case StateConnecting:
		c.state = StateClosing
		c.closeCode, c.closeReason = code, reason
		cancel := c.cancelDial
		c.mu.Unlock()
		cancel()
		return
	case StateOpen, StateClosing:
		if c.state == StateOpen {
			c.closeCode, c.closeReason = code, reason
		}
		c.state = StateClosing
		conn := c.conn
		if c.forceClose != nil {
			c.forceClose.Stop()
		}
		c.mu.Unlock()
		if conn == nil {
			return
		}

		logs.Debugf("transport.Channel.Abort id=%s code=%d reason=%q", c.id, code, reason)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(abortWriteTimeout))
		_ = conn.Close()
		return
	default:
		c.mu.Unlock()
	}
}

func (c *Channel) run(ctx context.Context, cancel context.CancelFunc, addr string) {
	defer close(c.events)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		TLSClientConfig:  c.cfg.TLS,
	}
	conn, _, err := dialer.DialContext(ctx, addr, c.cfg.Header)
	if err != nil {
		c.mu.Lock()
		requested := c.state == StateClosing
		code, reason := c.closeCode, c.closeReason
		c.state = StateClosed
		c.mu.Unlock()
		if requested {
			c.events <- Event{Kind: EventClosed, Code: code, Reason: reason}
			return
		}
		logs.Warnf("transport.Channel.run dial failed id=%s addr=%q err=%v", c.id, addr, err)
		c.events <- Event{Kind: EventErrored, Err: fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)}
		c.events <- Event{Kind: EventClosed, Code: CloseAbnormal, Reason: "dial failed"}
		return
	}

	c.mu.Lock()
	if c.state == StateClosing {
		code, reason := c.closeCode, c.closeReason
		c.state = StateClosed
		c.mu.Unlock()
		_ = conn.Close()
		c.events <- Event{Kind: EventClosed, Code: code, Reason: reason}
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	logs.Debugf("transport.Channel.run opened id=%s addr=%q", c.id, addr)
	c.events <- Event{Kind: EventOpened}
	c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			c.events <- Event{Kind: EventData, Data: data}
			continue
		}

		c.mu.Lock()
		requested := c.state == StateClosing
		code, reason := c.closeCode, c.closeReason
		c.state = StateClosed
		if c.forceClose != nil {
			c.forceClose.Stop()
		}
		c.mu.Unlock()
		_ = conn.Close()

		var closeErr *websocket.CloseError
		switch {
		case requested:
		case errors.As(err, &closeErr):
			code, reason = closeErr.Code, closeErr.Text
		default:
			code, reason = CloseAbnormal, err.Error()
		}
		if !requested && code == CloseAbnormal {
			c.events <- Event{Kind: EventErrored, Err: fmt.Errorf("%w: read: %v", ErrTransport, err)}
		}
		logs.Debugf("transport.Channel.readLoop closed id=%s code=%d reason=%q", c.id, code, reason)
		c.events <- Event{Kind: EventClosed, Code: code, Reason: reason}
		return
	}
}
