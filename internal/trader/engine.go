package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Schedule pairs a loop with the interval it ticks at.
type Schedule struct {
	Loop     Loop
	Interval time.Duration
}

// Engine runs every scheduled loop concurrently until the context is cancelled.
type Engine struct {
	UUID      string
	StartTime time.Time

	schedules []Schedule
	newTicker TickerFunc
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTicker replaces the wall-clock ticker, letting tests drive ticks by hand.
func WithTicker(f TickerFunc) EngineOption {
	return func(e *Engine) { e.newTicker = f }
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, schedules []Schedule, opts ...EngineOption) *Engine {
	e := &Engine{
		UUID:      uuid.NewString(),
		StartTime: time.Now(),
		schedules: schedules,
		newTicker: NewTimeTicker,
		logger:    logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run ticks every loop once immediately and then on its interval. A slow tick delays
// the next tick of the same loop; it never overlaps it. Run returns nil after a clean
// shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting trading engine", zap.String("uuid", e.UUID), zap.Int("loops", len(e.schedules)))

	for _, s := range e.schedules {
		if s.Interval <= 0 {
			return fmt.Errorf("loop %s has non-positive interval %s", s.Loop.Name(), s.Interval)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range e.schedules {
		g.Go(func() error {
			return e.runLoop(ctx, s)
		})
	}

	err := g.Wait()
	e.logger.Info("Trading engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) runLoop(ctx context.Context, s Schedule) error {
	l := e.logger.With(zap.String("loop", s.Loop.Name()))
	l.Info("Starting loop", zap.Duration("interval", s.Interval))

	ticker := e.newTicker(s.Interval)
	defer ticker.Stop()

	e.tick(ctx, s.Loop, l)
	for {
		select {
		case <-ctx.Done():
			l.Info("Stopping loop")
			return ctx.Err()
		case <-ticker.C():
			e.tick(ctx, s.Loop, l)
		}
	}
}

func (e *Engine) tick(ctx context.Context, loop Loop, l *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("Loop tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	start := time.Now()
	if err := loop.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Error("Loop tick failed", zap.Error(err))
		return
	}
	l.Debug("Loop tick complete", zap.Duration("took", time.Since(start)))
}

// Uptime returns the time since the engine was created.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.StartTime)
}
