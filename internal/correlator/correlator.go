package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/chatlink/internal/protocol"
)

var (
	ErrRequestTimeout    = errors.New("correlator: request timeout")
	ErrConnectionLost    = errors.New("correlator: connection lost")
	ErrDuplicateRequest  = errors.New("correlator: duplicate request id")
	ErrReservedRequestID = errors.New("correlator: request id 0 is reserved")
)

// Pending is the single-shot completion handle of one registered request.
type Pending struct {
	ID       uint64
	Key      protocol.Key
	IssuedAt time.Time

	owner *Correlator
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
	env   protocol.Envelope
	err   error
}

// Done is closed once the request completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the completion value. It blocks until Done is closed.
func (p *Pending) Result() (protocol.Envelope, error) {
	<-p.done
	return p.env, p.err
}

// Wait blocks for completion. If ctx ends first the request is rejected with
// the context error, so the handle still completes exactly once.
func (p *Pending) Wait(ctx context.Context) (protocol.Envelope, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.owner.Reject(p.ID, ctx.Err())
	}
	return p.Result()
}

func (p *Pending) complete(env protocol.Envelope, err error) bool {
	fired := false
	p.once.Do(func() {
		p.env = env
		p.err = err
		close(p.done)
		fired = true
	})
	return fired
}

// Snapshot is a read-only view of one pending entry.
type Snapshot struct {
	ID       uint64
	Key      protocol.Key
	IssuedAt time.Time
}

// Correlator owns the request id counter and pending table.
type Correlator struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*Pending
	now     func() time.Time
}

func New() *Correlator {
	return &Correlator{
		pending: make(map[uint64]*Pending),
		now:     time.Now,
	}
}

// NextRequestID returns the next id; ids start at 1 and never repeat.
func (c *Correlator) NextRequestID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next
}

// Register stores a pending entry for id and arms its timeout. A non-positive
// timeout waits indefinitely.
func (c *Correlator) Register(id uint64, key protocol.Key, timeout time.Duration) (*Pending, error) {
	if id == 0 {
		return nil, ErrReservedRequestID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	p := &Pending{
		ID:       id,
		Key:      key,
		IssuedAt: c.now(),
		owner:    c,
		done:     make(chan struct{}),
	}
	c.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.expire(p, timeout)
		})
	}
	return p, nil
}

// Issue allocates the next id and registers it.
func (c *Correlator) Issue(key protocol.Key, timeout time.Duration) *Pending {
	// ids from NextRequestID are never 0 or duplicated
	p, _ := c.Register(c.NextRequestID(), key, timeout)
	return p
}

// Resolve completes id with env. Unknown or finished ids are a no-op.
func (c *Correlator) Resolve(id uint64, env protocol.Envelope) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	return p.complete(env, nil)
}

// Reject fails id with err. Unknown or finished ids are a no-op.
func (c *Correlator) Reject(id uint64, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	return p.complete(protocol.Envelope{}, err)
}

// CancelAll fails every pending entry and clears the table. A nil err fails
// them with ErrConnectionLost; any other err should wrap it.
func (c *Correlator) CancelAll(err error) int {
	if err == nil {
		err = ErrConnectionLost
	}
	c.mu.Lock()
	drained := make([]*Pending, 0, len(c.pending))
	for id, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, id)
		drained = append(drained, p)
	}
	c.mu.Unlock()

	for _, p := range drained {
		p.complete(protocol.Envelope{}, err)
	}
	return len(drained)
}

// Len is the number of requests still awaiting a reply.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// List returns pending entries ordered by id.
func (c *Correlator) List() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, Snapshot{ID: p.ID, Key: p.Key, IssuedAt: p.IssuedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Correlator) take(id uint64) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// expire removes p only if it is still the registered entry for its id.
func (c *Correlator) expire(p *Pending, timeout time.Duration) {
	c.mu.Lock()
	current, ok := c.pending[p.ID]
	if !ok || current != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.ID)
	c.mu.Unlock()
	p.complete(protocol.Envelope{}, fmt.Errorf("%w: request %d (%s) after %v", ErrRequestTimeout, p.ID, p.Key, timeout))
}
