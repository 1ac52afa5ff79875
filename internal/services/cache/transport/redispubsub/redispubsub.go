// Package redispubsub carries sync frames over a Redis pub/sub channel.
//
// Redis delivers a published frame to every subscriber, including the
// publisher itself; the synchronizer drops its own frames by session.
// Frames published while a peer is unsubscribed are not replayed.
package redispubsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/cacheline/internal/platform/timeouts"
	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is used when Options.Channel is empty.
const DefaultChannel = "cacheline:sync"

// ErrNotSubscribed is returned by Send before the subscription is confirmed.
var ErrNotSubscribed = errors.New("redispubsub: not subscribed")

// Options configures a Transport.
type Options struct {
	Channel           string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logf              func(string, ...any)
}

// Transport publishes frames to one channel and relays frames received on it.
type Transport struct {
	client  goredis.UniversalClient
	channel string
	opts    Options
	logf    func(string, ...any)

	mu         sync.Mutex
	subscribed bool
	closed     bool
	pubsub     *goredis.PubSub
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ synchronizer.Transport = (*Transport)(nil)

// New creates a transport over client. The client is owned by the caller.
func New(client goredis.UniversalClient, opts Options) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = timeouts.ReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(timeouts.MaxReconnectDelay, opts.ReconnectDelay)
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Transport{client: client, channel: channel, opts: opts, logf: logf}, nil
}

// Channel returns the pub/sub channel name.
func (t *Transport) Channel() string {
	return t.channel
}

// Open subscribes and starts the receive loop.
func (t *Transport) Open(ctx context.Context, listener synchronizer.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotSubscribed
	}
	if t.done != nil {
		return fmt.Errorf("redis transport already open")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.pubsub = t.client.Subscribe(loopCtx, t.channel)
	go t.run(loopCtx, t.pubsub, listener)
	return nil
}

// Send publishes frame on the channel.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	subscribed := t.subscribed
	t.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	if err := t.client.Publish(ctx, t.channel, frame).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Close unsubscribes and stops the receive loop.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subscribed = false
	cancel, done, pubsub := t.cancel, t.done, t.pubsub
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := pubsub.Close()
	<-done
	if err != nil && !errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("close subscription: %w", err)
	}
	return nil
}

func (t *Transport) run(ctx context.Context, pubsub *goredis.PubSub, listener synchronizer.Listener) {
	defer close(t.done)
	report := func(state synchronizer.State) {
		t.mu.Lock()
		t.subscribed = state == synchronizer.StateConnected && !t.closed
		t.mu.Unlock()
		if listener.OnState != nil {
			listener.OnState(state)
		}
	}

	delay := t.opts.ReconnectDelay
	connected := false
	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				report(synchronizer.StateDisconnected)
				return
			}
			if connected {
				t.logf("redis sync %s: receive: %v", t.channel, err)
				connected = false
			}
			report(synchronizer.StateDisconnected)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			delay = min(delay*2, t.opts.MaxReconnectDelay)
			report(synchronizer.StateConnecting)
			continue
		}

		switch m := msg.(type) {
		case *goredis.Subscription:
			if m.Kind == "subscribe" && m.Channel == t.channel {
				connected = true
				delay = t.opts.ReconnectDelay
				report(synchronizer.StateConnected)
			}
		case *goredis.Message:
			if m.Channel == t.channel && listener.OnFrame != nil {
				listener.OnFrame([]byte(m.Payload))
			}
		}
	}
}
