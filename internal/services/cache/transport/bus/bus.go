// Package bus is an in-process sync transport. Every endpoint receives the
// frames sent by every other endpoint on the same Bus.
//
// Endpoints can be suspended to model a dropped connection: frames addressed
// to a suspended endpoint are buffered and delivered in order on Resume.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
)

// DefaultBacklog caps buffered frames per endpoint.
const DefaultBacklog = 1024

// ErrDisconnected is returned by Send on a suspended or closed endpoint.
var ErrDisconnected = errors.New("bus: endpoint disconnected")

// Bus connects endpoints.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	backlog   int
}

// New creates a bus. backlog <= 0 uses DefaultBacklog.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{endpoints: make(map[string]*Endpoint), backlog: backlog}
}

// Endpoint returns the endpoint for peerID, creating it on first use.
// Frames sent before the endpoint is opened are buffered.
func (b *Bus) Endpoint(peerID string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[peerID]; ok {
		return e
	}
	e := &Endpoint{bus: b, id: peerID}
	b.endpoints[peerID] = e
	return e
}

func (b *Bus) broadcast(from string, frame []byte) {
	b.mu.Lock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for id, e := range b.endpoints {
		if id != from {
			targets = append(targets, e)
		}
	}
	b.mu.Unlock()

	for _, e := range targets {
		e.deliver(frame)
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, id)
}

// Endpoint is one peer's synchronizer.Transport.
type Endpoint struct {
	bus *Bus
	id  string

	// deliverMu keeps inbound frames in order across Send and Resume.
	deliverMu sync.Mutex

	mu        sync.Mutex
	listener  synchronizer.Listener
	open      bool
	suspended bool
	closed    bool
	pending   [][]byte
	dropped   int
}

var _ synchronizer.Transport = (*Endpoint)(nil)

// Open starts delivery to listener and reports Connected unless the
// endpoint is suspended.
func (e *Endpoint) Open(_ context.Context, listener synchronizer.Listener) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrDisconnected
	}
	e.listener = listener
	e.open = true
	suspended := e.suspended
	e.mu.Unlock()

	if suspended {
		e.reportState(synchronizer.StateDisconnected)
		return nil
	}
	e.Resume()
	return nil
}

// Send fans frame out to every other endpoint.
func (e *Endpoint) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	down := e.closed || e.suspended || !e.open
	e.mu.Unlock()
	if down {
		return ErrDisconnected
	}
	e.bus.broadcast(e.id, append([]byte(nil), frame...))
	return nil
}

// Close detaches the endpoint from the bus.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.mu.Unlock()
	e.bus.remove(e.id)
	e.reportState(synchronizer.StateDisconnected)
	return nil
}

// Suspend simulates a dropped connection.
func (e *Endpoint) Suspend() {
	e.mu.Lock()
	if e.closed || e.suspended {
		e.mu.Unlock()
		return
	}
	e.suspended = true
	e.mu.Unlock()
	e.reportState(synchronizer.StateDisconnected)
}

// Resume delivers buffered frames in order and reports Connected.
func (e *Endpoint) Resume() {
	e.deliverMu.Lock()
	e.mu.Lock()
	if e.closed || !e.open {
		e.mu.Unlock()
		e.deliverMu.Unlock()
		return
	}
	e.suspended = false
	pending := e.pending
	e.pending = nil
	listener := e.listener
	e.mu.Unlock()

	if listener.OnFrame != nil {
		for _, frame := range pending {
			listener.OnFrame(frame)
		}
	}
	e.deliverMu.Unlock()
	e.reportState(synchronizer.StateConnected)
}

// Dropped returns how many buffered frames were discarded because the
// backlog was full.
func (e *Endpoint) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Endpoint) deliver(frame []byte) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.suspended || !e.open {
		if len(e.pending) >= e.bus.backlog {
			e.pending = e.pending[1:]
			e.dropped++
		}
		e.pending = append(e.pending, frame)
		e.mu.Unlock()
		return
	}
	listener := e.listener
	e.mu.Unlock()

	if listener.OnFrame != nil {
		listener.OnFrame(frame)
	}
}

func (e *Endpoint) reportState(state synchronizer.State) {
	e.mu.Lock()
	listener := e.listener
	e.mu.Unlock()
	if listener.OnState != nil {
		listener.OnState(state)
	}
}
