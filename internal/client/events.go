package client

import (
	"sync"
	"time"

	"github.com/danmuck/chatlink/internal/heartbeat"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/protocol"
)

type EventName string

const (
	EventConnected              EventName = "connected"
	EventConnectError           EventName = "connect_error"
	EventAuthenticated          EventName = "authenticated"
	EventDisconnected           EventName = "disconnected"
	EventError                  EventName = "error"
	EventMessage                EventName = "message"
	EventHeartbeatSending       EventName = "heartbeat_sending"
	EventHeartbeatSuccess       EventName = "heartbeat_success"
	EventHeartbeatError         EventName = "heartbeat_error"
	EventHeartbeatTimeout       EventName = "heartbeat_timeout"
	EventConnectionLost         EventName = "connection_lost"
	EventCredentialRefreshing   EventName = "credential_refreshing"
	EventCredentialRefreshed    EventName = "credential_refreshed"
	EventCredentialRefreshError EventName = "credential_refresh_error"
	EventCredentialExpired      EventName = "credential_expired"
	EventReconnecting           EventName = "reconnecting"
	EventReconnected            EventName = "reconnected"
	EventReconnectFailed        EventName = "reconnect_failed"
)

// Event is one notification to the presentation layer. Only the fields that
// belong to Name are set.
type Event struct {
	Name EventName
	At   time.Time
	Err  error

	// authenticated
	Session Session
	// message
	Message  protocol.ChatMessage
	Envelope protocol.Envelope
	// heartbeat_success
	Latency time.Duration
	Band    heartbeat.Band
	// credential_refreshed
	Credential string
	// reconnecting, reconnected, reconnect_failed
	Attempt int
	Delay   time.Duration
	// disconnected
	Code   int
	Reason string
}

type Handler func(Event)

type subscription struct {
	id      uint64
	name    EventName
	all     bool
	handler Handler
}

// bus queues events without blocking the emitter and delivers them on one
// goroutine.
type bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64
	queue  []Event
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newBus() *bus {
	b := &bus{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bus) subscribe(name EventName, all bool, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, all: all, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// close delivers what is queued and stops the dispatcher.
func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.quit)
	<-b.done
}

func (b *bus) run() {
	defer close(b.done)
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.quit:
			b.drain()
			return
		}
	}
}

func (b *bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		subs := append([]subscription(nil), b.subs...)
		b.mu.Unlock()

		for _, s := range subs {
			if s.all || s.name == ev.Name {
				b.deliver(s, ev)
			}
		}
	}
}

func (b *bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("client.bus.deliver handler panic event=%s panic=%v", ev.Name, r)
		}
	}()
	s.handler(ev)
}
