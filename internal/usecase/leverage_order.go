package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// LeverageOrder manages a leveraged entry order. The exit is one settlement
// order per open lot, so several close order ids may be recorded. Canceled
// close orders stay recorded because their partial fills still belong in the
// trade summary.
type LeverageOrder struct {
	gw  domain.Gateway
	log *zap.Logger

	symbol        string
	side          domain.Side
	orderID       string
	losscutPrice  float64
	closeOrderIDs []string
	closed        bool
}

func (o *LeverageOrder) Symbol() string {
	return o.symbol
}

func (o *LeverageOrder) Side() domain.Side {
	return o.side
}

func (o *LeverageOrder) CloseOrderIDs() []string {
	return append([]string(nil), o.closeOrderIDs...)
}

func (o *LeverageOrder) orderFinished(ctx context.Context, id string) (bool, error) {
	status, err := o.gw.OrderStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

func (o *LeverageOrder) IsClosed(ctx context.Context) (bool, error) {
	if o.closed {
		return true, nil
	}

	finished, err := o.orderFinished(ctx, o.orderID)
	if err != nil || !finished {
		return false, err
	}
	positions, err := o.gw.OpenPositions(ctx, o.orderID)
	if err != nil {
		return false, err
	}
	if len(positions) > 0 {
		return false, nil
	}
	o.closed = true
	return true, nil
}

func (o *LeverageOrder) CheckLosscut(ctx context.Context, price float64) error {
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

func (o *LeverageOrder) Losscut(ctx context.Context) (bool, error) {
	if err := o.CancelOrder(ctx, ""); err != nil {
		return false, err
	}
	for _, id := range o.closeOrderIDs {
		if err := o.CancelOrder(ctx, id); err != nil {
			return false, err
		}
	}

	positions, err := o.gw.OpenPositions(ctx, o.orderID)
	if err != nil {
		return false, err
	}
	if len(positions) == 0 {
		o.closed = true
		return true, nil
	}

	// Liquidate every remaining lot at market price.
	for _, pos := range positions {
		id, err := o.gw.CloseOrder(ctx, pos.Symbol, -1.0, pos.Size, pos.PositionID, pos.Side.Opposite())
		if err != nil {
			return false, err
		}
		o.closeOrderIDs = append(o.closeOrderIDs, id)
	}
	o.log.Info("losscut order issued",
		zap.String("order_id", o.orderID),
		zap.Strings("close_order_ids", o.closeOrderIDs))
	return false, nil
}

func (o *LeverageOrder) UpdateTargetPrice(ctx context.Context, price float64) error {
	closed, err := o.IsClosed(ctx)
	if err != nil || closed {
		return err
	}

	for _, id := range o.closeOrderIDs {
		if err := o.CancelOrder(ctx, id); err != nil {
			return err
		}
	}

	positions, err := o.gw.OpenPositions(ctx, o.orderID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	for _, pos := range positions {
		id, err := o.gw.CloseOrder(ctx, pos.Symbol, price, pos.Size, pos.PositionID, pos.Side.Opposite())
		if err != nil {
			return err
		}
		o.closeOrderIDs = append(o.closeOrderIDs, id)
		o.log.Debug("target price updated",
			zap.String("order_id", o.orderID),
			zap.String("close_order_id", id),
			zap.String("position_id", pos.PositionID),
			zap.Float64("target_price", price),
			zap.Float64("volume", pos.Size))
	}
	return nil
}

func (o *LeverageOrder) CancelOrder(ctx context.Context, id string) error {
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

func (o *LeverageOrder) Summary(ctx context.Context) ([]domain.Execution, error) {
	executions, err := o.gw.Executions(ctx, o.orderID)
	if err != nil {
		return nil, err
	}
	for _, id := range o.closeOrderIDs {
		closes, err := o.gw.Executions(ctx, id)
		if err != nil {
			return nil, err
		}
		executions = append(executions, closes...)
	}
	return executions, nil
}
