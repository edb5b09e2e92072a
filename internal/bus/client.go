// Package bus publishes simulation events and statuses to NATS JetStream.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const ensureTimeout = 10 * time.Second

// Publisher is the part of a bus connection the sink depends on.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsConnected() bool
}

type Options struct {
	URL           string
	Name          string // client name shown by the server
	Stream        string
	SubjectRoot   string
	MaxAge        time.Duration
	ReconnectWait time.Duration
}

// Client is a JetStream connection which reconnects forever. The stream is
// created or updated on every (re)connect, the client reports itself
// connected only once that succeeded.
type Client struct {
	opts  Options
	nc    *nats.Conn
	mx    sync.RWMutex
	js    jetstream.JetStream
	ready atomic.Bool
}

// Connect dials opts.URL. An unreachable server is not an error: the
// connection is retried in the background and IsConnected stays false
// until it succeeds.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{opts: opts}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("connected to the event bus", "url", nc.ConnectedUrlRedacted())
			c.reconcile()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("reconnected to the event bus", "url", nc.ConnectedUrlRedacted())
			c.reconcile()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("disconnected from the event bus", "error", err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Debug("event bus connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("event bus error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}
	c.nc = nc
	c.mx.Lock()
	c.js = js
	c.mx.Unlock()

	if nc.IsConnected() {
		if err := c.EnsureStream(ctx); err != nil {
			slog.WarnContext(ctx, "event bus stream not ready", "stream", opts.Stream, "error", err)
		}
	} else {
		slog.WarnContext(ctx, "event bus not reachable, retrying in background", "url", opts.URL)
	}
	return c, nil
}

// EnsureStream creates the stream covering <subject_root>.> or reconciles
// its configuration. It is idempotent.
func (c *Client) EnsureStream(ctx context.Context) error {
	js := c.jetStream()
	if js == nil {
		return nats.ErrConnectionClosed
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.opts.Stream,
		Subjects:  []string{c.opts.SubjectRoot + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    c.opts.MaxAge,
	})
	if err != nil {
		c.ready.Store(false)
		return fmt.Errorf("reconciling stream %s: %w", c.opts.Stream, err)
	}
	c.ready.Store(true)
	slog.DebugContext(ctx, "event bus stream reconciled", "stream", c.opts.Stream)
	return nil
}

func (c *Client) jetStream() jetstream.JetStream {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.js
}

// reconcile runs from the connection callbacks. Callbacks firing before
// Connect returned are covered by Connect itself.
func (c *Client) reconcile() {
	if c.jetStream() == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()
	if err := c.EnsureStream(ctx); err != nil {
		slog.Error("event bus stream not ready", "stream", c.opts.Stream, "error", err)
	}
}

func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected() && c.ready.Load()
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	js := c.jetStream()
	if js == nil {
		return nats.ErrConnectionClosed
	}
	_, err := js.Publish(ctx, subject, data)
	return err
}

func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
