// Package signal provides the default price-history scorer used when no
// external model is wired in.
package signal

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// Momentum scores a window by the linear-regression slope of its closing
// prices: positive slope means "enter long". It stands in for the opaque
// predictive model behind the SignalSource capability.
type Momentum struct {
	period int
}

func NewMomentum(period int) (*Momentum, error) {
	if period < 2 {
		return nil, fmt.Errorf("momentum period must be at least 2, got %d", period)
	}
	return &Momentum{period: period}, nil
}

func (m *Momentum) Score(_ context.Context, window []domain.Bar) (float64, error) {
	if len(window) < m.period {
		return 0, fmt.Errorf("window holds %d bars, need at least %d", len(window), m.period)
	}
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}
	slope := talib.LinearRegSlope(closes, m.period)
	return slope[len(slope)-1], nil
}
