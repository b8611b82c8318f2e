package domain

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideForVolume maps a signed volume onto an order side.
func SideForVolume(volume float64) Side {
	if volume > 0 {
		return SideBuy
	}
	return SideSell
}

// Tick is a single trade event from the market-data feed.
type Tick struct {
	Side   Side
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}

// Bar is one closed OHLCV candle. Time is the bar-close boundary instant.
// A closed bar is immutable.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
