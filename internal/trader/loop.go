package trader

import (
	"context"
	"time"
)

// Loop is a unit of periodic work driven by the engine.
type Loop interface {
	// Name returns the unique name of the loop.
	Name() string

	// Tick performs one pass. Ticks of the same loop never overlap.
	Tick(ctx context.Context) error
}

// Ticker delivers tick times. Tests substitute a manually driven channel.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a ticker for the given interval.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the wall-clock TickerFunc.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}
