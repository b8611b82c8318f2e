package domain

import (
	"context"
	"time"
)

// Gateway defines the interface for interacting with a crypto exchange.
// A negative price means execution at market price. Every method may fail
// with a *GatewayError.
type Gateway interface {
	// PlaceOrder submits an entry order. Volume sign selects the side
	// (positive = buy) and the returned string is the exchange order id.
	PlaceOrder(ctx context.Context, symbol string, price, volume float64) (string, error)
	// CloseOrder submits a settlement order against one open lot.
	CloseOrder(ctx context.Context, symbol string, price, volume float64, positionID string, side Side) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	Executions(ctx context.Context, orderID string) ([]Execution, error)
	OpenPositions(ctx context.Context, orderID string) ([]OpenPosition, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
	// Candles returns at least n recent closed bars, oldest first, for
	// warming up a price-history window.
	Candles(ctx context.Context, symbol string, interval time.Duration, n int) ([]Bar, error)
}

// SignalSource scores a price-history window. A positive score means
// "enter long".
type SignalSource interface {
	Score(ctx context.Context, window []Bar) (float64, error)
}

// HistorySink appends closed-trade execution records to a durable log.
// Append is idempotent; prior entries are never mutated.
type HistorySink interface {
	Append(ctx context.Context, executions []Execution) error
}
