package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/y-kitamu/auto-trader/internal/domain"
	"github.com/y-kitamu/auto-trader/internal/infrastructure/exchange"
	"github.com/y-kitamu/auto-trader/internal/infrastructure/logger"
	"github.com/y-kitamu/auto-trader/internal/infrastructure/storage"
	tradesignal "github.com/y-kitamu/auto-trader/internal/signal"
	"github.com/y-kitamu/auto-trader/internal/usecase"
)

type Config struct {
	Exchange struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
		Paper        bool   `yaml:"paper"`
	} `yaml:"exchange"`
	Trading struct {
		Symbol              string             `yaml:"symbol"`
		BarInterval         string             `yaml:"bar_interval"`
		PollInterval        string             `yaml:"poll_interval"`
		WindowLength        int                `yaml:"window_length"`
		OrderVolume         float64            `yaml:"order_volume"`
		LosscutRatio        float64            `yaml:"losscut_ratio"`
		TargetOffsetATR     float64            `yaml:"target_offset_atr"`
		ATRPeriod           int                `yaml:"atr_period"`
		SignalPeriod        int                `yaml:"signal_period"`
		InitialCash         float64            `yaml:"initial_cash"`
		LeverageSymbols     []string           `yaml:"leverage_symbols"`
		FeeRates            map[string]float64 `yaml:"fee_rates"`
		DefaultFeeRate      float64            `yaml:"default_fee_rate"`
		MaxShutdownAttempts int                `yaml:"max_shutdown_attempts"`
	} `yaml:"trading"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func traderConfig(cfg *Config) (usecase.TraderConfig, error) {
	barInterval, err := time.ParseDuration(cfg.Trading.BarInterval)
	if err != nil {
		return usecase.TraderConfig{}, fmt.Errorf("invalid bar_interval: %w", err)
	}
	pollInterval, err := time.ParseDuration(cfg.Trading.PollInterval)
	if err != nil {
		return usecase.TraderConfig{}, fmt.Errorf("invalid poll_interval: %w", err)
	}
	return usecase.TraderConfig{
		Symbol:              cfg.Trading.Symbol,
		BarInterval:         barInterval,
		PollInterval:        pollInterval,
		WindowLength:        cfg.Trading.WindowLength,
		OrderVolume:         cfg.Trading.OrderVolume,
		LosscutRatio:        cfg.Trading.LosscutRatio,
		TargetOffsetATR:     cfg.Trading.TargetOffsetATR,
		ATRPeriod:           cfg.Trading.ATRPeriod,
		LeverageSymbols:     cfg.Trading.LeverageSymbols,
		FeeRates:            cfg.Trading.FeeRates,
		DefaultFeeRate:      cfg.Trading.DefaultFeeRate,
		MaxShutdownAttempts: cfg.Trading.MaxShutdownAttempts,
	}, nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tcfg, err := traderConfig(cfg)
	if err != nil {
		log.Fatal("Invalid trading config", zap.Error(err))
	}

	sink, err := storage.NewSQLiteHistory(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite history", zap.Error(err))
	}
	defer sink.Close()

	stream := exchange.NewTickStream(cfg.Exchange.WSEndpoint, 0, log)
	if err := stream.Subscribe(tcfg.Symbol); err != nil {
		log.Fatal("Failed to subscribe to trade feed", zap.Error(err))
	}
	defer stream.Close()

	var gateway domain.Gateway
	var marketData domain.Gateway
	var ticks <-chan domain.Tick
	if cfg.Exchange.Paper {
		// Order flow is simulated; market data still comes from the public
		// REST and websocket endpoints, which need no credentials.
		paper := exchange.NewPaperGateway(tcfg.DefaultFeeRate)
		gateway = paper
		marketData = exchange.NewGMOClient("", "", cfg.Exchange.RESTEndpoint)
		ticks = paper.TrackPrices(stream.Ticks())
		log.Info("running against paper gateway")
	} else {
		gateway = exchange.NewGMOClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint)
		marketData = gateway
		ticks = stream.Ticks()
	}

	aggregator, err := usecase.NewBarAggregator(tcfg.BarInterval, tcfg.WindowLength, time.Now())
	if err != nil {
		log.Fatal("Failed to init aggregator", zap.Error(err))
	}

	// Warm the window up from exchange candle history so the first bar
	// boundary can already run the signal.
	seedCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	bars, err := marketData.Candles(seedCtx, tcfg.Symbol, tcfg.BarInterval, tcfg.WindowLength)
	cancel()
	if err != nil {
		log.Warn("Failed to preload candle history", zap.Error(err))
	} else {
		aggregator.Seed(bars)
		log.Info("candle history preloaded", zap.Int("bars", len(bars)))
	}

	wallet, err := usecase.NewWallet(cfg.Trading.InitialCash)
	if err != nil {
		log.Fatal("Invalid initial cash", zap.Error(err))
	}

	momentum, err := tradesignal.NewMomentum(cfg.Trading.SignalPeriod)
	if err != nil {
		log.Fatal("Invalid signal period", zap.Error(err))
	}

	trader, err := usecase.NewTrader(tcfg, gateway, wallet, momentum, sink, aggregator, ticks, log)
	if err != nil {
		log.Fatal("Failed to init trader", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trader.Run(ctx); err != nil {
		log.Fatal("Trader aborted", zap.Error(err))
	}
	log.Info("Trader exited")
}
