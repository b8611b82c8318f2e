package usecase

import (
	"fmt"
	"math"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// Wallet is the cash and position ledger for one strategy instance. It gates
// how much of a requested trade is actually executable and books fills.
//
// Positions are created lazily on first fill and never deleted; zero volume
// is a valid steady state. The wallet has no internal locking: it is owned
// and mutated by the trader loop only.
type Wallet struct {
	cash      float64
	positions map[string]float64
}

func NewWallet(initialCash float64) (*Wallet, error) {
	if initialCash < 0 {
		return nil, fmt.Errorf("initial cash must not be negative, got %.4f", initialCash)
	}
	return &Wallet{
		cash:      initialCash,
		positions: make(map[string]float64),
	}, nil
}

func (w *Wallet) Cash() float64 {
	return w.cash
}

// Position returns the signed volume held for symbol (positive = long).
func (w *Wallet) Position(symbol string) float64 {
	return w.positions[symbol]
}

// TotalAssets returns cash plus the mark-to-market value of every known
// position. Every known position's symbol must appear in prices.
func (w *Wallet) TotalAssets(prices map[string]float64) (float64, error) {
	total := w.cash
	for symbol, volume := range w.positions {
		price, ok := prices[symbol]
		if !ok {
			return 0, &domain.MissingPriceError{Symbol: symbol}
		}
		total += volume * price
	}
	return total, nil
}

// TradableVolume returns how much of the requested signed volume can be
// traded right now. An opposing position grants up to twice its magnitude
// immediately (closing it and opening an equal new one); the remainder is
// granted all-or-nothing against available cash at price including fees.
// The result keeps the requested sign and never exceeds its magnitude.
func (w *Wallet) TradableVolume(symbol string, volume, price, feeRate float64) float64 {
	if volume == 0 {
		return 0
	}
	sign := 1.0
	if volume < 0 {
		sign = -1.0
	}
	requested := math.Abs(volume)

	var granted float64
	if held := w.positions[symbol]; held*volume < 0 {
		granted = math.Min(2*math.Abs(held), requested)
	}

	if remaining := requested - granted; remaining > 0 {
		cost := price * remaining * (1.0 + feeRate)
		if cost <= w.cash {
			granted = requested
		}
	}

	return sign * granted
}

// ApplyFill books one fill with its fee computed from feeRate.
func (w *Wallet) ApplyFill(symbol string, volume, price, feeRate float64) error {
	return w.ApplyFillWithFee(symbol, volume, price, feeRate*math.Abs(volume)*price)
}

// ApplyFillWithFee books one fill: the position moves by volume, cash moves
// by -volume*price and is debited the exact fee. A fill that would drive
// cash negative is rejected with *domain.InsufficientFundsError and not
// applied.
func (w *Wallet) ApplyFillWithFee(symbol string, volume, price, fee float64) error {
	cost := volume*price + fee
	if w.cash-cost < 0 {
		return &domain.InsufficientFundsError{Symbol: symbol, Cash: w.cash, Cost: cost}
	}
	w.cash -= cost
	w.positions[symbol] += volume
	return nil
}
