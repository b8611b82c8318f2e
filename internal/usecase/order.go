package usecase

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// volumeEpsilon is the threshold under which an executed volume counts as flat.
const volumeEpsilon = 1e-5

// EntryOrder manages the lifecycle of one entry position and its attached
// exit orders. Implementations are a closed set of variants (spot and
// leveraged) selected at construction time by symbol classification.
//
// State only advances past what the gateway confirms, so a call that fails
// with a gateway error is safe to repeat on the next poll cycle.
type EntryOrder interface {
	Symbol() string
	Side() domain.Side
	// IsClosed reports whether the entry order is terminal and no open
	// position remains. Once true the result is cached and never re-queried.
	IsClosed(ctx context.Context) (bool, error)
	// CheckLosscut triggers Losscut when price breaches the stop-loss
	// trigger: below it for a buy entry, above it for a sell entry.
	CheckLosscut(ctx context.Context, price float64) error
	// Losscut liquidates the remaining position at market price. It returns
	// true when the position was already flat and the order is now closed,
	// false when a liquidating close order is in flight.
	Losscut(ctx context.Context) (bool, error)
	// UpdateTargetPrice replaces the exit orders with limit closes at price.
	UpdateTargetPrice(ctx context.Context, price float64) error
	// CancelOrder cancels the given order id, or the entry order when id is
	// empty, if the gateway still reports it live. Idempotent.
	CancelOrder(ctx context.Context, id string) error
	// Summary aggregates the fill records of the entry order and every
	// recorded close order into one ordered sequence.
	Summary(ctx context.Context) ([]domain.Execution, error)
	// CloseOrderIDs returns the exit order ids recorded so far.
	CloseOrderIDs() []string
}

// SymbolClassifier reports whether a symbol trades on the leveraged market.
type SymbolClassifier func(symbol string) bool

// NewEntryOrder places an entry order on the gateway and returns the
// lifecycle variant matching the symbol's market.
func NewEntryOrder(ctx context.Context, gw domain.Gateway, leveraged SymbolClassifier, logger *zap.Logger,
	symbol string, price, volume, losscutPrice float64) (EntryOrder, error) {

	orderID, err := gw.PlaceOrder(ctx, symbol, price, volume)
	if err != nil {
		return nil, err
	}
	logger.Info("new order placed",
		zap.String("symbol", symbol),
		zap.String("order_id", orderID),
		zap.Float64("price", price),
		zap.Float64("volume", volume),
		zap.Float64("losscut_price", losscutPrice))

	if leveraged != nil && leveraged(symbol) {
		return &LeverageOrder{
			gw:           gw,
			log:          logger,
			symbol:       symbol,
			side:         domain.SideForVolume(volume),
			orderID:      orderID,
			losscutPrice: losscutPrice,
		}, nil
	}
	return &Order{
		gw:           gw,
		log:          logger,
		symbol:       symbol,
		side:         domain.SideForVolume(volume),
		orderID:      orderID,
		losscutPrice: losscutPrice,
	}, nil
}

// Order manages a spot entry order. The exit is a single opposite order
// sized to the entry's executed volume.
type Order struct {
	gw  domain.Gateway
	log *zap.Logger

	symbol       string
	side         domain.Side
	orderID      string
	losscutPrice float64
	closeOrderID string
	closed       bool
}

func (o *Order) Symbol() string {
	return o.symbol
}

func (o *Order) Side() domain.Side {
	return o.side
}

func (o *Order) CloseOrderIDs() []string {
	if o.closeOrderID == "" {
		return nil
	}
	return []string{o.closeOrderID}
}

func (o *Order) orderFinished(ctx context.Context, id string) (bool, error) {
	status, err := o.gw.OrderStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

// executedVolume returns the net signed volume filled for an order id.
func executedVolume(ctx context.Context, gw domain.Gateway, id string) (float64, error) {
	executions, err := gw.Executions(ctx, id)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range executions {
		total += e.SignedSize()
	}
	return total, nil
}

func (o *Order) IsClosed(ctx context.Context) (bool, error) {
	if o.closed {
		return true, nil
	}

	finished, err := o.orderFinished(ctx, o.orderID)
	if err != nil || !finished {
		return false, err
	}
	executed, err := executedVolume(ctx, o.gw, o.orderID)
	if err != nil {
		return false, err
	}
	if math.Abs(executed) < volumeEpsilon {
		o.closed = true
		return true, nil
	}
	if o.closeOrderID == "" {
		return false, nil // holding with no exit issued yet
	}
	finished, err = o.orderFinished(ctx, o.closeOrderID)
	if err != nil || !finished {
		return false, err
	}
	closeExecuted, err := executedVolume(ctx, o.gw, o.closeOrderID)
	if err != nil {
		return false, err
	}
	if math.Abs(executed+closeExecuted) < volumeEpsilon {
		o.closed = true
		return true, nil
	}
	return false, nil
}

func (o *Order) CheckLosscut(ctx context.Context, price float64) error {
	closed, err := o.IsClosed(ctx)
	if err != nil || closed {
		return err
	}
	if !losscutBreached(o.side, price, o.losscutPrice) {
		return nil
	}
	o.log.Warn("losscut triggered",
		zap.String("symbol", o.symbol),
		zap.String("order_id", o.orderID),
		zap.Float64("price", price),
		zap.Float64("losscut_price", o.losscutPrice))
	_, err = o.Losscut(ctx)
	return err
}

func (o *Order) Losscut(ctx context.Context) (bool, error) {
	if err := o.CancelOrder(ctx, ""); err != nil {
		return false, err
	}
	executed, err := executedVolume(ctx, o.gw, o.orderID)
	if err != nil {
		return false, err
	}
	if o.closeOrderID != "" {
		if err := o.CancelOrder(ctx, o.closeOrderID); err != nil {
			return false, err
		}
		closeExecuted, err := executedVolume(ctx, o.gw, o.closeOrderID)
		if err != nil {
			return false, err
		}
		executed += closeExecuted
	}

	if math.Abs(executed) < volumeEpsilon {
		o.closed = true
		return true, nil
	}

	// Liquidate the remainder at market price.
	id, err := o.gw.PlaceOrder(ctx, o.symbol, -1.0, -executed)
	if err != nil {
		return false, err
	}
	o.closeOrderID = id
	o.log.Info("losscut order issued",
		zap.String("order_id", o.orderID),
		zap.String("close_order_id", id),
		zap.Float64("volume", -executed))
	return false, nil
}

func (o *Order) UpdateTargetPrice(ctx context.Context, price float64) error {
	closed, err := o.IsClosed(ctx)
	if err != nil || closed {
		return err
	}

	executed, err := executedVolume(ctx, o.gw, o.orderID)
	if err != nil {
		return err
	}
	if o.closeOrderID != "" {
		if err := o.CancelOrder(ctx, o.closeOrderID); err != nil {
			return err
		}
		closeExecuted, err := executedVolume(ctx, o.gw, o.closeOrderID)
		if err != nil {
			return err
		}
		executed += closeExecuted
	}
	if math.Abs(executed) < volumeEpsilon {
		return nil // nothing filled yet, nothing to exit
	}

	id, err := o.gw.PlaceOrder(ctx, o.symbol, price, -executed)
	if err != nil {
		return err
	}
	o.closeOrderID = id
	o.log.Debug("target price updated",
		zap.String("order_id", o.orderID),
		zap.String("close_order_id", id),
		zap.Float64("target_price", price))
	return nil
}

func (o *Order) CancelOrder(ctx context.Context, id string) error {
	if id == "" {
		id = o.orderID
	}
	finished, err := o.orderFinished(ctx, id)
	if err != nil || finished {
		return err
	}
	if err := o.gw.CancelOrder(ctx, id); err != nil {
		return err
	}
	o.log.Debug("order canceled", zap.String("order_id", id))
	return nil
}

func (o *Order) Summary(ctx context.Context) ([]domain.Execution, error) {
	executions, err := o.gw.Executions(ctx, o.orderID)
	if err != nil {
		return nil, err
	}
	if o.closeOrderID != "" {
		closes, err := o.gw.Executions(ctx, o.closeOrderID)
		if err != nil {
			return nil, err
		}
		executions = append(executions, closes...)
	}
	return executions, nil
}

// losscutBreached reports whether price crossed the stop-loss trigger for an
// entry on the given side.
func losscutBreached(side domain.Side, price, trigger float64) bool {
	if side == domain.SideSell {
		return price > trigger
	}
	return price < trigger
}
