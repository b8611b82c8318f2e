package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// TraderConfig carries the per-symbol trading parameters. The leverage
// symbol list and fee schedule are injected here rather than read from
// globals.
type TraderConfig struct {
	Symbol       string
	BarInterval  time.Duration
	PollInterval time.Duration
	WindowLength int

	// OrderVolume is the requested size of a new entry; the wallet caps it.
	OrderVolume float64
	// LosscutRatio scales the entry price down to the stop-loss trigger.
	LosscutRatio float64
	// TargetOffsetATR scales the ATR offset applied around the latest close
	// to derive entry and exit target prices.
	TargetOffsetATR float64
	ATRPeriod       int

	LeverageSymbols []string
	FeeRates        map[string]float64
	DefaultFeeRate  float64

	// MaxShutdownAttempts bounds the cancel-and-losscut retry loop on stop.
	MaxShutdownAttempts int
}

func (c TraderConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol must be set")
	}
	if c.BarInterval <= 0 {
		return fmt.Errorf("bar interval must be positive, got %v", c.BarInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.WindowLength <= 0 {
		return fmt.Errorf("window length must be positive, got %d", c.WindowLength)
	}
	if c.OrderVolume <= 0 {
		return fmt.Errorf("order volume must be positive, got %f", c.OrderVolume)
	}
	if c.LosscutRatio <= 0 || c.LosscutRatio >= 1 {
		return fmt.Errorf("losscut ratio must be in (0, 1), got %f", c.LosscutRatio)
	}
	if c.ATRPeriod <= 0 {
		return fmt.Errorf("atr period must be positive, got %d", c.ATRPeriod)
	}
	if c.ATRPeriod >= c.WindowLength {
		return fmt.Errorf("atr period %d must be smaller than window length %d", c.ATRPeriod, c.WindowLength)
	}
	if c.MaxShutdownAttempts <= 0 {
		return fmt.Errorf("max shutdown attempts must be positive, got %d", c.MaxShutdownAttempts)
	}
	return nil
}

// IsLeverageSymbol reports whether symbol trades on the leveraged market.
func (c TraderConfig) IsLeverageSymbol(symbol string) bool {
	for _, s := range c.LeverageSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// FeeRate returns the taker fee rate configured for symbol.
func (c TraderConfig) FeeRate(symbol string) float64 {
	if rate, ok := c.FeeRates[symbol]; ok {
		return rate
	}
	return c.DefaultFeeRate
}

// Trader is the control loop for one symbol. Each poll iteration drains the
// tick queue into the aggregator, sweeps active orders for losscut, runs the
// signal pipeline on bar boundaries, and reconciles closed orders into the
// history sink. It is the single writer of the aggregator, the wallet and
// the active order set.
type Trader struct {
	cfg    TraderConfig
	gw     domain.Gateway
	wallet *Wallet
	signal domain.SignalSource
	sink   domain.HistorySink
	agg    *BarAggregator
	ticks  <-chan domain.Tick
	log    *zap.Logger

	orders   []EntryOrder
	nextWall time.Time
	now      func() time.Time
}

func NewTrader(cfg TraderConfig, gw domain.Gateway, wallet *Wallet, signal domain.SignalSource,
	sink domain.HistorySink, agg *BarAggregator, ticks <-chan domain.Tick, logger *zap.Logger) (*Trader, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trader config: %w", err)
	}
	now := time.Now()
	return &Trader{
		cfg:      cfg,
		gw:       gw,
		wallet:   wallet,
		signal:   signal,
		sink:     sink,
		agg:      agg,
		ticks:    ticks,
		log:      logger,
		nextWall: now.Truncate(cfg.BarInterval).Add(cfg.BarInterval),
		now:      time.Now,
	}, nil
}

// Run polls until ctx is canceled, then liquidates remaining orders and
// returns. The only error Run returns is a fatal ledger invariant violation;
// gateway faults are logged and retried on the next iteration.
func (t *Trader) Run(ctx context.Context) error {
	t.log.Info("trader started",
		zap.String("symbol", t.cfg.Symbol),
		zap.Duration("bar_interval", t.cfg.BarInterval),
		zap.Duration("poll_interval", t.cfg.PollInterval))

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.shutdown()
		case <-ticker.C:
			if err := t.step(ctx); err != nil {
				t.log.Error("fatal error, flushing and aborting", zap.Error(err))
				t.reconcile(context.Background())
				return err
			}
		}
	}
}

// step runs one control-loop iteration. A non-nil return is fatal.
func (t *Trader) step(ctx context.Context) error {
	t.drainTicks()
	t.sweepLosscut(ctx)

	if !t.now().Before(t.nextWall) {
		t.nextWall = t.nextWall.Add(t.cfg.BarInterval)
		if err := t.onBarBoundary(ctx); err != nil {
			return err
		}
	}

	return t.reconcile(ctx)
}

func (t *Trader) drainTicks() {
	for {
		select {
		case tick := <-t.ticks:
			t.agg.AddTick(tick)
		default:
			return
		}
	}
}

func (t *Trader) sweepLosscut(ctx context.Context) {
	if len(t.orders) == 0 {
		return
	}
	prices := map[string]float64{}
	for _, order := range t.orders {
		price, ok := prices[order.Symbol()]
		if !ok {
			var err error
			price, err = t.gw.LatestPrice(ctx, order.Symbol())
			if err != nil {
				t.log.Error("failed to fetch latest price", zap.String("symbol", order.Symbol()), zap.Error(err))
				continue
			}
			prices[order.Symbol()] = price
		}
		if err := order.CheckLosscut(ctx, price); err != nil {
			t.log.Error("losscut check failed", zap.String("symbol", order.Symbol()), zap.Error(err))
		}
	}
}

// onBarBoundary runs the signal pipeline: score the window, trail exit
// targets on active orders, and place a new entry when the signal is
// positive. A non-nil return is fatal.
func (t *Trader) onBarBoundary(ctx context.Context) error {
	if !t.agg.WarmedUp() {
		t.log.Debug("window not warmed up", zap.Int("bars", t.agg.Len()), zap.Int("capacity", t.cfg.WindowLength))
		return nil
	}
	window := t.agg.Window()

	score, err := t.signal.Score(ctx, window)
	if err != nil {
		t.log.Error("signal evaluation failed", zap.Error(err))
		return nil
	}

	last := window[len(window)-1].Close
	offset := t.atr(window) * t.cfg.TargetOffsetATR
	targetBuyPrice := last - offset
	targetSellPrice := last + offset

	for _, order := range t.orders {
		target := targetBuyPrice
		if order.Side() == domain.SideBuy {
			target = targetSellPrice
		}
		if err := order.UpdateTargetPrice(ctx, target); err != nil {
			t.log.Error("failed to update target price", zap.String("symbol", order.Symbol()), zap.Error(err))
		}
	}

	t.log.Info("signal evaluated",
		zap.Float64("score", score),
		zap.Float64("close", last),
		zap.Float64("target_buy", targetBuyPrice),
		zap.Float64("target_sell", targetSellPrice))

	if score <= 0 {
		return nil
	}
	return t.enter(ctx, targetBuyPrice, last)
}

func (t *Trader) enter(ctx context.Context, price, lastClose float64) error {
	feeRate := t.cfg.FeeRate(t.cfg.Symbol)

	assets, err := t.wallet.TotalAssets(map[string]float64{t.cfg.Symbol: lastClose})
	if err != nil {
		return err
	}

	volume := t.wallet.TradableVolume(t.cfg.Symbol, t.cfg.OrderVolume, price, feeRate)
	if volume < volumeEpsilon {
		t.log.Info("entry skipped, no tradable volume",
			zap.Float64("requested", t.cfg.OrderVolume),
			zap.Float64("cash", t.wallet.Cash()))
		return nil
	}

	order, err := NewEntryOrder(ctx, t.gw, t.cfg.IsLeverageSymbol, t.log,
		t.cfg.Symbol, price, volume, price*t.cfg.LosscutRatio)
	if err != nil {
		t.log.Error("failed to place entry order", zap.Error(err))
		return nil
	}
	if err := t.wallet.ApplyFill(t.cfg.Symbol, volume, price, feeRate); err != nil {
		return err
	}
	t.orders = append(t.orders, order)

	t.log.Info("entry order opened",
		zap.Float64("volume", volume),
		zap.Float64("price", price),
		zap.Float64("total_assets", assets),
		zap.Int("active_orders", len(t.orders)))
	return nil
}

// reconcile partitions active orders into closed and still-open, books the
// close-side fills of closed orders into the wallet and drains their
// summaries to the history sink. An order stays active until its summary has
// been fully drained; the idempotent sink makes the retry safe. A non-nil
// return is fatal.
func (t *Trader) reconcile(ctx context.Context) error {
	if len(t.orders) == 0 {
		return nil
	}
	open := make([]EntryOrder, 0, len(t.orders))
	for i, order := range t.orders {
		closed, err := order.IsClosed(ctx)
		if err != nil {
			t.log.Error("failed to check order state", zap.String("symbol", order.Symbol()), zap.Error(err))
			open = append(open, order)
			continue
		}
		if !closed {
			open = append(open, order)
			continue
		}
		if err := t.settle(ctx, order); err != nil {
			if domain.IsGatewayError(err) {
				t.log.Error("failed to settle closed order, will retry", zap.Error(err))
				open = append(open, order)
				continue
			}
			// The summary is already durable; retaining the order would
			// book its fills a second time on the next pass.
			t.orders = append(open, t.orders[i+1:]...)
			return err
		}
	}
	t.orders = open
	return nil
}

func (t *Trader) settle(ctx context.Context, order EntryOrder) error {
	executions, err := order.Summary(ctx)
	if err != nil {
		return err
	}

	if err := t.sink.Append(ctx, executions); err != nil {
		return err
	}

	// Entry fills were booked at placement. The close-side fills are booked
	// only after the sink accepted the summary: a failed append retries the
	// whole settle with nothing booked, and a drained order never settles
	// again, so each fill reaches the wallet exactly once. The fee comes
	// from the execution record when the exchange reported one.
	feeRate := t.cfg.FeeRate(order.Symbol())
	closeIDs := map[string]bool{}
	for _, id := range order.CloseOrderIDs() {
		closeIDs[id] = true
	}
	for _, e := range executions {
		if !closeIDs[e.OrderID] {
			continue
		}
		fee := e.Fee
		if fee == 0 {
			fee = feeRate * e.Size * e.Price
		}
		if err := t.wallet.ApplyFillWithFee(e.Symbol, e.SignedSize(), e.Price, fee); err != nil {
			return err
		}
	}

	t.log.Info("closed order drained to history",
		zap.String("symbol", order.Symbol()),
		zap.Int("executions", len(executions)),
		zap.Float64("cash", t.wallet.Cash()))
	return nil
}

// shutdown cancels and liquidates every remaining order, re-checking
// closedness between bounded attempts. Runs on a fresh context because the
// loop context is already canceled.
func (t *Trader) shutdown() error {
	ctx := context.Background()
	t.log.Info("shutting down", zap.Int("active_orders", len(t.orders)))

	for attempt := 0; attempt < t.cfg.MaxShutdownAttempts && len(t.orders) > 0; attempt++ {
		if attempt > 0 {
			time.Sleep(t.cfg.PollInterval)
		}
		for _, order := range t.orders {
			if err := order.CancelOrder(ctx, ""); err != nil {
				t.log.Error("failed to cancel order on shutdown", zap.Error(err))
			}
			if _, err := order.Losscut(ctx); err != nil {
				t.log.Error("failed to losscut order on shutdown", zap.Error(err))
			}
		}
		if err := t.reconcile(ctx); err != nil {
			return err
		}
	}

	if len(t.orders) > 0 {
		t.log.Warn("orders still open after shutdown attempts",
			zap.Int("remaining", len(t.orders)),
			zap.Int("attempts", t.cfg.MaxShutdownAttempts))
	} else {
		t.log.Info("all orders closed, trader stopped")
	}
	return nil
}

// ActiveOrders returns the number of orders not yet drained.
func (t *Trader) ActiveOrders() int {
	return len(t.orders)
}

func (t *Trader) atr(window []domain.Bar) float64 {
	high := make([]float64, len(window))
	low := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, b := range window {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}
	out := talib.Atr(high, low, closes, t.cfg.ATRPeriod)
	return out[len(out)-1]
}
