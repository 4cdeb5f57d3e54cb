// Package transport delivers capture envelopes to the desktop companion
// process over local IPC: a unix domain socket on POSIX systems, a named
// pipe on Windows. Envelopes are newline-delimited JSON.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/proth1/kmflow-sub006/internal/events"
)

// ErrNotConnected is returned by Send when no connection is established and
// reconnection failed.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: closed")

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 2 * time.Second
	defaultSendRetries  = 2

	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// Client writes envelopes to the companion endpoint. Sends are serialized;
// a failed write triggers one reconnect-and-retry cycle before the envelope
// is reported undeliverable and left to the caller's spool.
type Client struct {
	endpoint string
	log      *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	dialTimeout  time.Duration
	writeTimeout time.Duration
	retries      int
}

// NewClient creates a client for the endpoint. POSIX endpoints are socket
// paths; Windows endpoints are pipe names like `\\.\pipe\KMFlowAgent`.
func NewClient(endpoint string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		endpoint:     endpoint,
		log:          log,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		retries:      defaultSendRetries,
	}
}

// Connect dials the endpoint, retrying with exponential backoff until the
// context is cancelled. The agent starts before the companion is guaranteed
// to be listening, so initial connection failures are routine.
func (c *Client) Connect(ctx context.Context) error {
	backoff := backoffInitial
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.mu.Unlock()

		conn, err := dial(c.endpoint, c.dialTimeout)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close()
				return ErrClosed
			}
			c.conn = conn
			c.mu.Unlock()
			c.log.Info("transport connected", "endpoint", c.endpoint)
			return nil
		}

		c.log.Debug("transport dial failed, backing off",
			"endpoint", c.endpoint, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one envelope as a JSON line. On write failure it reconnects
// and retries a bounded number of times, then returns the error so the
// caller can spool the envelope.
func (c *Client) Send(env *events.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if c.closed {
			return ErrClosed
		}
		if c.conn == nil {
			conn, err := dial(c.endpoint, c.dialTimeout)
			if err != nil {
				lastErr = err
				continue
			}
			c.conn = conn
		}

		if c.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		_, werr := c.conn.Write(line)
		if werr == nil {
			return nil
		}
		lastErr = werr
		_ = c.conn.Close()
		c.conn = nil
	}
	if lastErr == nil {
		lastErr = ErrNotConnected
	}
	return fmt.Errorf("send envelope seq %d: %w", env.SequenceNumber, lastErr)
}

// Close shuts the connection down. Further Sends fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
