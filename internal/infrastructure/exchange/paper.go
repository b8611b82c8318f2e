package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// PaperGateway is an in-memory domain.Gateway for dry runs. Orders fill
// immediately and completely: limit orders at their limit price, market
// orders at the last price set with SetPrice. Entry fills open a simulated
// lot; close orders settle it. Ids are uuids.
type PaperGateway struct {
	mu         sync.Mutex
	feeRate    float64
	prices     map[string]float64
	orders     map[string]*paperOrder
	executions map[string][]domain.Execution
	positions  map[string]*domain.OpenPosition // position id -> open lot
	lotOwner   map[string]string               // position id -> entry order id
	candles    map[string][]domain.Bar
}

type paperOrder struct {
	id     string
	symbol string
	status domain.OrderStatus
}

func NewPaperGateway(feeRate float64) *PaperGateway {
	return &PaperGateway{
		feeRate:    feeRate,
		prices:     make(map[string]float64),
		orders:     make(map[string]*paperOrder),
		executions: make(map[string][]domain.Execution),
		positions:  make(map[string]*domain.OpenPosition),
		lotOwner:   make(map[string]string),
		candles:    make(map[string][]domain.Bar),
	}
}

// SetPrice sets the market price used for market fills and LatestPrice.
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	g.prices[symbol] = price
	g.mu.Unlock()
}

// SetCandles seeds the candle history returned by Candles.
func (g *PaperGateway) SetCandles(symbol string, bars []domain.Bar) {
	g.mu.Lock()
	g.candles[symbol] = append([]domain.Bar(nil), bars...)
	g.mu.Unlock()
}

// TrackPrices consumes a tick stream, keeping the gateway's market price
// current, and forwards every tick unchanged. Dry runs wire the public trade
// feed through this so market fills and LatestPrice follow the live market.
func (g *PaperGateway) TrackPrices(in <-chan domain.Tick) <-chan domain.Tick {
	out := make(chan domain.Tick, cap(in))
	go func() {
		for tick := range in {
			g.SetPrice(tick.Symbol, tick.Price)
			out <- tick
		}
	}()
	return out
}

func (g *PaperGateway) fillPrice(symbol string, price float64) (float64, error) {
	if price >= 0 {
		return price, nil
	}
	last, ok := g.prices[symbol]
	if !ok {
		return 0, domain.NewGatewayError("paper", fmt.Errorf("no market price for %s", symbol))
	}
	return last, nil
}

func (g *PaperGateway) PlaceOrder(_ context.Context, symbol string, price, volume float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fill, err := g.fillPrice(symbol, price)
	if err != nil {
		return "", err
	}
	side := domain.SideForVolume(volume)
	size := volume
	if size < 0 {
		size = -size
	}

	orderID := uuid.NewString()
	positionID := uuid.NewString()
	g.orders[orderID] = &paperOrder{id: orderID, symbol: symbol, status: domain.StatusExecuted}
	g.executions[orderID] = []domain.Execution{{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		Price:      fill,
		Fee:        g.feeRate * size * fill,
		Time:       time.Now(),
	}}
	g.positions[positionID] = &domain.OpenPosition{
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		Size:       size,
	}
	g.lotOwner[positionID] = orderID
	return orderID, nil
}

func (g *PaperGateway) CloseOrder(_ context.Context, symbol string, price, volume float64, positionID string, side domain.Side) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fill, err := g.fillPrice(symbol, price)
	if err != nil {
		return "", err
	}
	lot, ok := g.positions[positionID]
	if !ok {
		return "", domain.NewGatewayError("closeOrder", fmt.Errorf("position %s not found", positionID))
	}

	orderID := uuid.NewString()
	g.orders[orderID] = &paperOrder{id: orderID, symbol: symbol, status: domain.StatusExecuted}
	g.executions[orderID] = []domain.Execution{{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		Size:       volume,
		Price:      fill,
		Fee:        g.feeRate * volume * fill,
		Time:       time.Now(),
	}}

	lot.Size -= volume
	if lot.Size <= 0 {
		delete(g.positions, positionID)
	}
	return orderID, nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return domain.NewGatewayError("cancelOrder", fmt.Errorf("order %s not found", orderID))
	}
	if order.status == domain.StatusLive {
		order.status = domain.StatusCanceled
	}
	return nil
}

func (g *PaperGateway) OrderStatus(_ context.Context, orderID string) (domain.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return "", domain.NewGatewayError("orderStatus", fmt.Errorf("order %s not found", orderID))
	}
	return order.status, nil
}

func (g *PaperGateway) Executions(_ context.Context, orderID string) ([]domain.Execution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Execution(nil), g.executions[orderID]...), nil
}

func (g *PaperGateway) OpenPositions(_ context.Context, orderID string) ([]domain.OpenPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var open []domain.OpenPosition
	for id, lot := range g.positions {
		if g.lotOwner[id] == orderID {
			open = append(open, *lot)
		}
	}
	return open, nil
}

func (g *PaperGateway) LatestPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok {
		return 0, domain.NewGatewayError("latestPrice", fmt.Errorf("no market price for %s", symbol))
	}
	return price, nil
}

func (g *PaperGateway) Candles(_ context.Context, symbol string, _ time.Duration, n int) ([]domain.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bars := g.candles[symbol]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return append([]domain.Bar(nil), bars...), nil
}
