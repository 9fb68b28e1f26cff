// Package netwatch probes the backend host and reports reachability changes.
package netwatch

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DialFunc opens a connection; it matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Watcher periodically dials the backend and calls onChange when
// reachability flips. The initial state is online.
type Watcher struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	onChange func(online bool)
	logger   *zap.Logger

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Watcher)

// WithDialer replaces the TCP dialer used for probes.
func WithDialer(d DialFunc) Option {
	return func(w *Watcher) { w.dial = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher for the host of baseURL.
func New(baseURL string, interval, timeout time.Duration, onChange func(online bool), opts ...Option) (*Watcher, error) {
	addr, err := HostPort(baseURL)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	w := &Watcher{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     (&net.Dialer{}).DialContext,
		onChange: onChange,
		logger:   zap.NewNop(),
		online:   true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("netwatch")
	return w, nil
}

// HostPort derives the probe address from a base URL, filling in the
// scheme's default port.
func HostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Online reports the last observed reachability.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Check probes once and reports a change if the result differs from the
// previous observation.
func (w *Watcher) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	online := true
	conn, err := w.dial(ctx, "tcp", w.addr)
	if err != nil {
		online = false
	} else {
		_ = conn.Close()
	}

	w.mu.Lock()
	changed := online != w.online
	w.online = online
	w.mu.Unlock()

	if changed {
		if online {
			w.logger.Info("backend reachable", zap.String("addr", w.addr))
		} else {
			w.logger.Warn("backend unreachable", zap.String("addr", w.addr), zap.Error(err))
		}
		if w.onChange != nil {
			w.onChange(online)
		}
	}
	return online
}

// Start runs the probe loop until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}
