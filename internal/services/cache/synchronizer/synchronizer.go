// Package synchronizer replicates cache mutations between peers over a
// pluggable transport.
//
// Outbound events pass through a queue that only drains while the transport
// reports Connected, so events published while offline are sent in order
// after the next connect. Inbound events are handed to subscribers and are
// never re-published, which keeps peers from echoing each other.
package synchronizer

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/platform/id"
	"github.com/louisbranch/cacheline/internal/services/cache/queue"
	"github.com/louisbranch/cacheline/internal/services/cache/serialize"
)

const tracerName = "github.com/louisbranch/cacheline/internal/services/cache/synchronizer"

// State is the connection state reported by a transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Listener receives transport callbacks. Callbacks may run on any goroutine.
type Listener struct {
	OnFrame func(frame []byte)
	OnState func(State)
}

// Transport moves opaque frames between peers. Open starts delivering frames
// and state changes to the listener and owns any reconnect policy. A
// transport whose Send fails must report Connected again once it recovers.
type Transport interface {
	Open(ctx context.Context, listener Listener) error
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Handler applies a received event.
type Handler func(ctx context.Context, event Event)

// Options configures a Synchronizer.
type Options struct {
	// PeerID names this peer in published events. Generated when empty.
	PeerID string
	// Serializer encodes Set payloads. Defaults to serialize.Default().
	Serializer *serialize.Performer
	// QueueLimit caps events waiting for a connection. Zero is unbounded.
	QueueLimit int
	// Logf defaults to log.Printf.
	Logf func(string, ...any)
}

// Synchronizer is the uniform sync adapter over one transport.
type Synchronizer struct {
	transport  Transport
	peerID     string
	session    string
	serializer *serialize.Performer
	outbound   *queue.Queue
	logf       func(string, ...any)
	tracer     trace.Tracer

	// publishMu keeps sequence order equal to queue order.
	publishMu sync.Mutex
	seq       uint64

	mu       sync.Mutex
	state    State
	epoch    uint64
	lastSeen map[string]uint64
	handlers []Handler
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	closed   bool
}

// New wraps transport. Call Start to open it.
func New(transport Transport, opts Options) (*Synchronizer, error) {
	if transport == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "sync transport is required")
	}
	peerID, err := id.PeerID(opts.PeerID, "peer")
	if err != nil {
		return nil, err
	}
	session, err := id.NewID()
	if err != nil {
		return nil, err
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = serialize.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		transport:  transport,
		peerID:     peerID,
		session:    session,
		serializer: serializer,
		logf:       logf,
		tracer:     otel.Tracer(tracerName),
		lastSeen:   make(map[string]uint64),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.outbound = queue.New(queue.Options{
		Limit:             opts.QueueLimit,
		InitialProcessing: true,
		OnError: func(err error) {
			logf("sync %s: send: %v", peerID, err)
		},
	})
	return s, nil
}

// PeerID returns the id stamped on published events.
func (s *Synchronizer) PeerID() string {
	return s.peerID
}

// OnEvent registers a handler for received events.
func (s *Synchronizer) OnEvent(handler Handler) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Start opens the transport.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return queue.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.setState(StateConnecting)
	if err := s.transport.Open(ctx, Listener{OnFrame: s.receive, OnState: s.setState}); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		s.setState(StateDisconnected)
		return fmt.Errorf("open sync transport: %w", err)
	}
	return nil
}

// State returns the last state reported by the transport.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of events waiting to be sent.
func (s *Synchronizer) Pending() int {
	return s.outbound.Len()
}

// Publish stamps the event with this peer's origin and sequence and queues
// it for sending.
func (s *Synchronizer) Publish(ctx context.Context, event Event) error {
	_, span := s.tracer.Start(ctx, "cache.sync.publish", trace.WithAttributes(
		attribute.String("cache.sync.kind", string(event.Kind)),
		attribute.String("cache.namespace", event.Namespace),
	))
	defer span.End()

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	event.Origin = s.peerID
	event.Seq = s.seq + 1
	data, err := encodeFrame(s.serializer, event, s.session)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var send queue.Task
	send = func(ctx context.Context) error {
		epoch := s.connEpoch()
		if err := s.transport.Send(ctx, data); err != nil {
			s.outbound.Requeue(send)
			s.sendFailed(epoch)
			return err
		}
		return nil
	}
	if !s.outbound.Submit(send) {
		span.RecordError(queue.ErrDropped)
		return queue.ErrDropped
	}
	s.seq = event.Seq
	return nil
}

// Flush waits until every queued event has been handed to the transport.
func (s *Synchronizer) Flush(ctx context.Context) error {
	return s.outbound.Idle(ctx)
}

// Close stops the transport and drops unsent events.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.outbound.Close()
	err := s.transport.Close()
	s.setState(StateDisconnected)
	return err
}

// setState records a transport state change and pauses or resumes sending.
// Every Connected report starts a new connection epoch.
func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if state == StateConnected {
		s.epoch++
	}
	s.outbound.SetProcessing(state != StateConnected)
	s.mu.Unlock()

	if prev != state {
		s.logf("sync %s: %s -> %s", s.peerID, prev, state)
	}
}

func (s *Synchronizer) connEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// sendFailed handles a send that failed during epoch. The failed frame is
// already back at the head of the queue. If the transport reported Connected
// while the send was in flight the queue keeps draining; otherwise it pauses
// until the next Connected report.
func (s *Synchronizer) sendFailed(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	if s.state == StateConnected {
		s.state = StateDisconnected
	}
	s.outbound.SetProcessing(true)
}

// receive is the ingress path. It never publishes.
func (s *Synchronizer) receive(data []byte) {
	event, session, err := decodeFrame(s.serializer, data)
	if err != nil {
		s.logf("sync %s: drop frame: %v", s.peerID, err)
		return
	}
	if session == s.session {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stream := event.Origin + "/" + session
	if event.Seq <= s.lastSeen[stream] {
		s.mu.Unlock()
		return
	}
	s.lastSeen[stream] = event.Seq
	handlers := append([]Handler(nil), s.handlers...)
	ctx := s.ctx
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "cache.sync.apply", trace.WithAttributes(
		attribute.String("cache.sync.kind", string(event.Kind)),
		attribute.String("cache.namespace", event.Namespace),
		attribute.String("cache.sync.origin", event.Origin),
	))
	defer span.End()
	for _, handler := range handlers {
		handler(ctx, event)
	}
}
