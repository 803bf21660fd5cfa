// Package gateway serialises outbound calls to a rate-limited upstream API.
//
// Requests are serviced one at a time in arrival order. A rolling window keeps
// the number of dispatches in any window-length interval at or below the
// configured ceiling; when the window is full the drain loop sleeps until the
// oldest dispatch ages out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for requests enqueued on, or still queued in, a closed gateway.
var ErrClosed = errors.New("gateway closed")

// Task is a single upstream request. Its error is returned to the caller that enqueued it.
type Task func(ctx context.Context) error

// Clock abstracts time so tests can run the drain loop in virtual time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithWindow changes the length of the rolling window (one second by default).
func WithWindow(d time.Duration) Option {
	return func(g *Gateway) { g.window = d }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l.Named("gateway") }
}

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

// Gateway is a FIFO request queue with a rolling-window throughput ceiling.
type Gateway struct {
	max    int
	window time.Duration
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	queue   []*job
	running bool
	closed  bool
	quit    chan struct{}

	// sent holds dispatch times inside the current window. Only the drain loop touches it.
	sent []time.Time

	dispatched atomic.Uint64
}

// New creates a gateway that dispatches at most maxPerWindow requests per window.
func New(maxPerWindow int, opts ...Option) *Gateway {
	if maxPerWindow < 1 {
		maxPerWindow = 1
	}
	g := &Gateway{
		max:    maxPerWindow,
		window: time.Second,
		clock:  realClock{},
		logger: zap.NewNop(),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.sent = make([]time.Time, 0, g.max)
	return g
}

// Enqueue queues task and waits for its result. Cancelling ctx abandons the wait and,
// if the task has not started yet, drops it from the queue.
func (g *Gateway) Enqueue(ctx context.Context, task Task) error {
	j := &job{ctx: ctx, task: task, done: make(chan error, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.queue = append(g.queue, j)
	if !g.running {
		g.running = true
		go g.drain()
	}
	g.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued requests that have not been dispatched.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Dispatched returns the total number of requests handed to the upstream.
func (g *Gateway) Dispatched() uint64 {
	return g.dispatched.Load()
}

// Close stops the drain loop. Queued requests fail with ErrClosed.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.quit)
	if !g.running {
		g.failQueued()
	}
}

// failQueued must be called with mu held.
func (g *Gateway) failQueued() {
	for _, j := range g.queue {
		j.done <- ErrClosed
	}
	g.queue = nil
}

func (g *Gateway) next() (*job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		g.failQueued()
		g.running = false
		return nil, false
	}
	if len(g.queue) == 0 {
		g.running = false
		return nil, false
	}
	j := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	return j, true
}

// drain runs until the queue is empty; Enqueue restarts it on the next request.
func (g *Gateway) drain() {
	for {
		j, ok := g.next()
		if !ok {
			return
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		if err := g.waitForCapacity(j.ctx); err != nil {
			j.done <- err
			continue
		}
		g.sent = append(g.sent, g.clock.Now())
		g.dispatched.Add(1)
		j.done <- g.run(j)
	}
}

func (g *Gateway) waitForCapacity(ctx context.Context) error {
	for {
		now := g.clock.Now()
		cutoff := now.Add(-g.window)
		expired := 0
		// A dispatch exactly one window old still counts against the ceiling.
		for expired < len(g.sent) && g.sent[expired].Before(cutoff) {
			expired++
		}
		g.sent = append(g.sent[:0], g.sent[expired:]...)
		if len(g.sent) < g.max {
			return nil
		}

		wait := g.sent[0].Add(g.window).Sub(now) + time.Nanosecond
		g.logger.Debug("Rate window full, waiting", zap.Duration("wait", wait), zap.Int("pending", g.Pending()))
		select {
		case <-g.clock.After(wait):
		case <-g.quit:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Gateway task panicked", zap.Any("panic", r))
			err = fmt.Errorf("gateway task panicked: %v", r)
		}
	}()
	return j.task(j.ctx)
}
