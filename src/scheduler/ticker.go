package scheduler

import "time"

// Ticker delivers ticks on Chan until stopped.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type realTicker struct {
	*time.Ticker
}

func (t realTicker) Chan() <-chan time.Time {
	return t.C
}

func newRealTicker(interval time.Duration) Ticker {
	return realTicker{time.NewTicker(interval)}
}
