package domain

import "time"

// OrderStatus is the exchange's view of an order.
type OrderStatus string

const (
	StatusLive     OrderStatus = "LIVE"
	StatusCanceled OrderStatus = "CANCELED"
	StatusExecuted OrderStatus = "EXECUTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can no longer change on the exchange.
func (s OrderStatus) Terminal() bool {
	return s != StatusLive
}

// Execution is one fill record reported by the exchange.
type Execution struct {
	ID         string
	OrderID    string
	PositionID string
	Symbol     string
	Side       Side
	Size       float64
	Price      float64
	Fee        float64
	Time       time.Time
}

// SignedSize returns the fill size signed by side (buys positive).
func (e Execution) SignedSize() float64 {
	if e.Side == SideSell {
		return -e.Size
	}
	return e.Size
}

// OpenPosition is an unsettled lot tied to a leveraged entry order.
type OpenPosition struct {
	PositionID string
	Symbol     string
	Side       Side
	Size       float64
}
