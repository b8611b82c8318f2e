package usecase

import (
	"fmt"
	"time"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

type pendingTick struct {
	time   time.Time
	price  float64
	volume float64
}

// BarAggregator folds a raw tick stream into fixed-length rolling OHLCV bars.
// Bars close on fixed interval boundaries; intervals with no ticks advance
// the boundary without emitting a bar. The rolling window is a ring buffer
// holding at most capacity closed bars, oldest first.
//
// The aggregator is not safe for concurrent use; it is owned by the trader
// loop, which serializes feed input through its tick queue.
type BarAggregator struct {
	interval time.Duration
	capacity int

	next    time.Time // current bar-close boundary
	pending []pendingTick

	bars  []domain.Bar
	head  int
	count int
}

// NewBarAggregator creates an aggregator whose first bar closes at the first
// interval boundary after start.
func NewBarAggregator(interval time.Duration, capacity int, start time.Time) (*BarAggregator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("bar interval must be positive, got %v", interval)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", capacity)
	}
	return &BarAggregator{
		interval: interval,
		capacity: capacity,
		next:     start.Truncate(interval).Add(interval),
		bars:     make([]domain.Bar, capacity),
	}, nil
}

// AddTick consumes one trade event. Ticks at or past the current boundary
// close the pending bar first; a tick far past the boundary closes at most
// one bar and skips the empty intervals in between.
func (a *BarAggregator) AddTick(tick domain.Tick) {
	for !tick.Time.Before(a.next) {
		if len(a.pending) > 0 {
			a.push(a.closePending())
			a.pending = a.pending[:0]
		}
		a.next = a.next.Add(a.interval)
	}
	a.pending = append(a.pending, pendingTick{time: tick.Time, price: tick.Price, volume: tick.Volume})
}

func (a *BarAggregator) closePending() domain.Bar {
	bar := domain.Bar{
		Time:  a.next,
		Open:  a.pending[0].price,
		High:  a.pending[0].price,
		Low:   a.pending[0].price,
		Close: a.pending[len(a.pending)-1].price,
	}
	for _, p := range a.pending {
		if p.price > bar.High {
			bar.High = p.price
		}
		if p.price < bar.Low {
			bar.Low = p.price
		}
		bar.Volume += p.volume
	}
	return bar
}

func (a *BarAggregator) push(bar domain.Bar) {
	if a.count < a.capacity {
		a.bars[(a.head+a.count)%a.capacity] = bar
		a.count++
		return
	}
	a.bars[a.head] = bar
	a.head = (a.head + 1) % a.capacity
}

// Seed preloads historical bars, oldest first, so the window can warm up
// from exchange candle history instead of waiting capacity live intervals.
// The boundary advances past the newest seeded bar.
func (a *BarAggregator) Seed(bars []domain.Bar) {
	for _, b := range bars {
		a.push(b)
		if !b.Time.Before(a.next) {
			a.next = b.Time.Add(a.interval)
		}
	}
}

// Window returns a copy of the rolling window, oldest bar first.
func (a *BarAggregator) Window() []domain.Bar {
	out := make([]domain.Bar, a.count)
	for i := 0; i < a.count; i++ {
		out[i] = a.bars[(a.head+i)%a.capacity]
	}
	return out
}

// Len returns the number of closed bars currently held.
func (a *BarAggregator) Len() int {
	return a.count
}

// WarmedUp reports whether the window holds its full capacity. Window must
// not be used as signal input before this returns true.
func (a *BarAggregator) WarmedUp() bool {
	return a.count == a.capacity
}
