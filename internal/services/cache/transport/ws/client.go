package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/cacheline/internal/platform/timeouts"
	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
	"golang.org/x/net/websocket"
)

// ErrNotConnected is returned by Send while the client has no live connection.
var ErrNotConnected = errors.New("ws: not connected")

// ClientOptions configures a Client.
type ClientOptions struct {
	// Origin is sent in the handshake. Defaults to the hub URL with an
	// http(s) scheme.
	Origin            string
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// WriteTimeout caps one frame write. Defaults to timeouts.Write.
	WriteTimeout time.Duration
	Logf         func(string, ...any)
}

// Client is a synchronizer.Transport that keeps a websocket connection to a
// Hub open, reconnecting with a doubling delay after failures.
type Client struct {
	url      string
	origin   string
	opts     ClientOptions
	logf     func(string, ...any)
	listener synchronizer.Listener

	mu     sync.Mutex
	link   *wsLink
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

var _ synchronizer.Transport = (*Client)(nil)

// Dial prepares a client for the hub at hubURL (ws:// or wss://, the /sync
// path is added when missing). The connection is established by Open.
func Dial(hubURL, peerID string, opts ClientOptions) (*Client, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	u, err := url.Parse(strings.TrimSpace(hubURL))
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("hub url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}
	q := u.Query()
	q.Set("peer", peerID)
	u.RawQuery = q.Encode()

	origin := opts.Origin
	if origin == "" {
		origin = "http" + strings.TrimPrefix(u.Scheme, "ws") + "://" + u.Host
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = timeouts.Dial
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = timeouts.ReconnectDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = timeouts.Write
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = timeouts.MaxReconnectDelay
		if opts.MaxReconnectDelay < opts.ReconnectDelay {
			opts.MaxReconnectDelay = opts.ReconnectDelay
		}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Client{url: u.String(), origin: origin, opts: opts, logf: logf}, nil
}

// URL returns the resolved hub URL including the peer query.
func (c *Client) URL() string {
	return c.url
}

// Open starts the connection loop. It returns immediately; state changes are
// reported through listener.
func (c *Client) Open(ctx context.Context, listener synchronizer.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.done != nil {
		return fmt.Errorf("ws client already open")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.listener = listener
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx)
	return nil
}

// Send writes one frame to the hub.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ErrNotConnected
	}
	if err := c.link.write(json.RawMessage(frame)); err != nil {
		// The read loop observes the closed conn and reconnects.
		_ = c.link.conn.Close()
		c.link = nil
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close stops reconnecting and closes the live connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	if c.link != nil {
		_ = c.link.conn.Close()
		c.link = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	delay := c.opts.ReconnectDelay
	for {
		c.report(synchronizer.StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			delay = c.opts.ReconnectDelay
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.logf("ws: dial %s: %v", c.url, err)
		}
		c.report(synchronizer.StateDisconnected)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > c.opts.MaxReconnectDelay {
			delay = c.opts.MaxReconnectDelay
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(c.url, c.origin)
	if err != nil {
		return nil, err
	}
	cfg.Dialer = &net.Dialer{Timeout: c.opts.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return cfg.DialContext(dialCtx)
}

// serve installs conn as the live link and reads frames until it fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	link := newLink(conn, c.opts.WriteTimeout)
	c.mu.Lock()
	if c.closed || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.link = link
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.link == link {
			c.link = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.report(synchronizer.StateConnected)
	decoder := json.NewDecoder(conn)
	for {
		var frame json.RawMessage
		if err := decoder.Decode(&frame); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logf("ws: read: %v", err)
			}
			return
		}
		if c.listener.OnFrame != nil {
			c.listener.OnFrame(frame)
		}
	}
}

func (c *Client) report(state synchronizer.State) {
	if c.listener.OnState != nil {
		c.listener.OnState(state)
	}
}
