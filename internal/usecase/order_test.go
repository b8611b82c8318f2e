package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/y-kitamu/auto-trader/internal/domain"
	"github.com/y-kitamu/auto-trader/internal/usecase"
)

// MockGateway is an in-memory scriptable gateway for lifecycle tests.
type MockGateway struct {
	NextID    int
	Status    map[string]domain.OrderStatus
	Execs     map[string][]domain.Execution
	Positions map[string][]domain.OpenPosition

	Placed      []PlacedOrder
	CloseOrders []PlacedOrder
	Canceled    []string
	StatusCalls map[string]int
}

type PlacedOrder struct {
	ID         string
	Symbol     string
	Price      float64
	Volume     float64
	PositionID string
	Side       domain.Side
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		Status:      map[string]domain.OrderStatus{},
		Execs:       map[string][]domain.Execution{},
		Positions:   map[string][]domain.OpenPosition{},
		StatusCalls: map[string]int{},
	}
}

func (m *MockGateway) nextOrderID() string {
	m.NextID++
	return fmt.Sprintf("order-%d", m.NextID)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, symbol string, price, volume float64) (string, error) {
	id := m.nextOrderID()
	m.Placed = append(m.Placed, PlacedOrder{ID: id, Symbol: symbol, Price: price, Volume: volume})
	if _, ok := m.Status[id]; !ok {
		m.Status[id] = domain.StatusLive
	}
	return id, nil
}

func (m *MockGateway) CloseOrder(ctx context.Context, symbol string, price, volume float64, positionID string, side domain.Side) (string, error) {
	id := m.nextOrderID()
	m.CloseOrders = append(m.CloseOrders, PlacedOrder{ID: id, Symbol: symbol, Price: price, Volume: volume, PositionID: positionID, Side: side})
	if _, ok := m.Status[id]; !ok {
		m.Status[id] = domain.StatusLive
	}
	return id, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	m.Canceled = append(m.Canceled, orderID)
	m.Status[orderID] = domain.StatusCanceled
	return nil
}

func (m *MockGateway) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	m.StatusCalls[orderID]++
	status, ok := m.Status[orderID]
	if !ok {
		return "", domain.NewGatewayError("orderStatus", fmt.Errorf("order %s not found", orderID))
	}
	return status, nil
}

func (m *MockGateway) Executions(ctx context.Context, orderID string) ([]domain.Execution, error) {
	return m.Execs[orderID], nil
}

func (m *MockGateway) OpenPositions(ctx context.Context, orderID string) ([]domain.OpenPosition, error) {
	return m.Positions[orderID], nil
}

func (m *MockGateway) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, domain.NewGatewayError("latestPrice", fmt.Errorf("not scripted"))
}

func (m *MockGateway) Candles(ctx context.Context, symbol string, interval time.Duration, n int) ([]domain.Bar, error) {
	return nil, nil
}

func fill(orderID, positionID string, side domain.Side, size, price float64) domain.Execution {
	return domain.Execution{
		ID:         orderID + "-exec",
		OrderID:    orderID,
		PositionID: positionID,
		Symbol:     "BTC_JPY",
		Side:       side,
		Size:       size,
		Price:      price,
		Time:       time.Now(),
	}
}

func spotClassifier(string) bool     { return false }
func leverageClassifier(string) bool { return true }

func newSpotOrder(t *testing.T, gw *MockGateway) usecase.EntryOrder {
	t.Helper()
	order, err := usecase.NewEntryOrder(context.Background(), gw, spotClassifier, zap.NewNop(),
		"BTC_JPY", 30000, 0.5, 28000)
	require.NoError(t, err)
	return order
}

func newLeverageOrder(t *testing.T, gw *MockGateway) usecase.EntryOrder {
	t.Helper()
	order, err := usecase.NewEntryOrder(context.Background(), gw, leverageClassifier, zap.NewNop(),
		"BTC_JPY", 30000, 0.5, 28000)
	require.NoError(t, err)
	return order
}

func TestNewEntryOrderSelectsVariantBySymbol(t *testing.T) {
	gw := NewMockGateway()

	spot := newSpotOrder(t, gw)
	_, isSpot := spot.(*usecase.Order)
	assert.True(t, isSpot)

	lev := newLeverageOrder(t, gw)
	_, isLeverage := lev.(*usecase.LeverageOrder)
	assert.True(t, isLeverage)

	assert.Equal(t, domain.SideBuy, spot.Side())
	assert.Equal(t, "BTC_JPY", spot.Symbol())
}

func TestOrderIsClosedCachesTerminalState(t *testing.T) {
	gw := NewMockGateway()
	order := newLeverageOrder(t, gw)
	ctx := context.Background()

	closed, err := order.IsClosed(ctx)
	require.NoError(t, err)
	assert.False(t, closed, "live entry order is not closed")

	gw.Status["order-1"] = domain.StatusExecuted
	closed, err = order.IsClosed(ctx)
	require.NoError(t, err)
	assert.True(t, closed, "terminal entry with no open position is closed")

	// Later gateway state changes must not reopen the order, and the
	// gateway must not be re-queried.
	gw.Positions["order-1"] = []domain.OpenPosition{{PositionID: "p1", Symbol: "BTC_JPY", Side: domain.SideBuy, Size: 0.5}}
	calls := gw.StatusCalls["order-1"]
	closed, err = order.IsClosed(ctx)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, calls, gw.StatusCalls["order-1"])
}

func TestLeverageLosscutAlreadyFlat(t *testing.T) {
	gw := NewMockGateway()
	order := newLeverageOrder(t, gw)
	ctx := context.Background()

	// Stop at 28000, price drops to 27000, no open lots at the gateway.
	gw.Status["order-1"] = domain.StatusExecuted
	require.NoError(t, order.CheckLosscut(ctx, 27000))

	closed, err := order.IsClosed(ctx)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, gw.CloseOrders, "flat position needs no liquidation order")
}

func TestLeverageLosscutIssuesCloseOrderPerLot(t *testing.T) {
	gw := NewMockGateway()
	order := newLeverageOrder(t, gw)
	ctx := context.Background()

	gw.Status["order-1"] = domain.StatusExecuted
	gw.Positions["order-1"] = []domain.OpenPosition{
		{PositionID: "p1", Symbol: "BTC_JPY", Side: domain.SideBuy, Size: 0.3},
		{PositionID: "p2", Symbol: "BTC_JPY", Side: domain.SideBuy, Size: 0.2},
	}

	require.NoError(t, order.CheckLosscut(ctx, 27000))

	require.Len(t, gw.CloseOrders, 2)
	assert.Equal(t, -1.0, gw.CloseOrders[0].Price, "liquidation runs at market price")
	assert.Equal(t, domain.SideSell, gw.CloseOrders[0].Side)
	assert.Equal(t, []string{gw.CloseOrders[0].ID, gw.CloseOrders[1].ID}, order.CloseOrderIDs())

	closed, err := order.IsClosed(ctx)
	require.NoError(t, err)
	assert.False(t, closed, "liquidation still in flight")

	// Once the gateway reports no open lots the order closes.
	gw.Positions["order-1"] = nil
	closed, err = order.IsClosed(ctx)
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestCheckLosscutHonorsTriggerDirection(t *testing.T) {
	gw := NewMockGateway()
	buy := newLeverageOrder(t, gw)
	ctx := context.Background()

	// Above the trigger nothing happens for a buy entry.
	require.NoError(t, buy.CheckLosscut(ctx, 29000))
	assert.Empty(t, gw.Canceled)

	// A sell entry triggers on a rise above its stop instead.
	sell, err := usecase.NewEntryOrder(ctx, gw, leverageClassifier, zap.NewNop(),
		"BTC_JPY", 30000, -0.5, 31000)
	require.NoError(t, err)
	sellID := gw.Placed[len(gw.Placed)-1].ID

	require.NoError(t, sell.CheckLosscut(ctx, 30500))
	assert.Empty(t, gw.Canceled, "price below the sell stop must not trigger")

	require.NoError(t, sell.CheckLosscut(ctx, 31500))
	assert.Contains(t, gw.Canceled, sellID)
}

func TestSpotLosscutLiquidatesExecutedVolume(t *testing.T) {
	gw := NewMockGateway()
	order := newSpotOrder(t, gw)
	ctx := context.Background()

	gw.Status["order-1"] = domain.StatusExecuted
	gw.Execs["order-1"] = []domain.Execution{fill("order-1", "", domain.SideBuy, 0.5, 30000)}

	flat, err := order.Losscut(ctx)
	require.NoError(t, err)
	assert.False(t, flat)

	require.Len(t, gw.Placed, 2)
	liquidation := gw.Placed[1]
	assert.Equal(t, -1.0, liquidation.Price)
	assert.InDelta(t, -0.5, liquidation.Volume, 1e-9)

	// The close order fills and the order becomes closed.
	gw.Status[liquidation.ID] = domain.StatusExecuted
	gw.Execs[liquidation.ID] = []domain.Execution{fill(liquidation.ID, "", domain.SideSell, 0.5, 27000)}
	closed, err := order.IsClosed(ctx)
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestUpdateTargetPriceReissuesCloseOrders(t *testing.T) {
	gw := NewMockGateway()
	order := newLeverageOrder(t, gw)
	ctx := context.Background()

	gw.Positions["order-1"] = []domain.OpenPosition{
		{PositionID: "p1", Symbol: "BTC_JPY", Side: domain.SideBuy, Size: 0.5},
	}

	require.NoError(t, order.UpdateTargetPrice(ctx, 32000))
	require.Len(t, gw.CloseOrders, 1)
	first := gw.CloseOrders[0]
	assert.Equal(t, 32000.0, first.Price)
	assert.Equal(t, "p1", first.PositionID)
	assert.Equal(t, domain.SideSell, first.Side)

	// Re-trailing cancels the previous close order and issues a new one.
	require.NoError(t, order.UpdateTargetPrice(ctx, 33000))
	assert.Contains(t, gw.Canceled, first.ID)
	require.Len(t, gw.CloseOrders, 2)
	assert.Equal(t, 33000.0, gw.CloseOrders[1].Price)
	assert.Contains(t, order.CloseOrderIDs(), gw.CloseOrders[1].ID)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	gw := NewMockGateway()
	order := newLeverageOrder(t, gw)
	ctx := context.Background()

	require.NoError(t, order.CancelOrder(ctx, ""))
	require.Len(t, gw.Canceled, 1)

	// Already canceled: the gateway must not be asked again.
	require.NoError(t, order.CancelOrder(ctx, ""))
	assert.Len(t, gw.Canceled, 1)

	// Terminal orders are never canceled.
	gw.Status["other"] = domain.StatusExecuted
	require.NoError(t, order.CancelOrder(ctx, "other"))
	assert.Len(t, gw.Canceled, 1)
}

func TestSummaryAggregatesEntryAndCloseExecutions(t *testing.T) {
	gw := NewMockGateway()
	order := newLeverageOrder(t, gw)
	ctx := context.Background()

	gw.Positions["order-1"] = []domain.OpenPosition{
		{PositionID: "p1", Symbol: "BTC_JPY", Side: domain.SideBuy, Size: 0.5},
	}
	require.NoError(t, order.UpdateTargetPrice(ctx, 32000))
	closeID := gw.CloseOrders[0].ID

	gw.Execs["order-1"] = []domain.Execution{fill("order-1", "p1", domain.SideBuy, 0.5, 30000)}
	gw.Execs[closeID] = []domain.Execution{fill(closeID, "p1", domain.SideSell, 0.5, 32000)}

	summary, err := order.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "order-1", summary[0].OrderID)
	assert.Equal(t, closeID, summary[1].OrderID)
}
