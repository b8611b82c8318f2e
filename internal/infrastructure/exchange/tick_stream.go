package exchange

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// TickStream subscribes to the GMO public websocket trades channel and
// publishes each trade as a domain.Tick on a buffered channel. The trader
// drains that channel at its own pace; when the buffer is full the tick is
// dropped and logged, so a stalled consumer cannot block the read loop.
type TickStream struct {
	wsURL string
	log   *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	ticks  chan domain.Tick
	closed bool
}

func NewTickStream(wsURL string, buffer int, logger *zap.Logger) *TickStream {
	if wsURL == "" {
		wsURL = GMOWSURL
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &TickStream{
		wsURL: wsURL,
		log:   logger,
		ticks: make(chan domain.Tick, buffer),
	}
}

// Ticks returns the channel the read loop publishes on.
func (s *TickStream) Ticks() <-chan domain.Tick {
	return s.ticks
}

// Subscribe dials the websocket endpoint on first use and subscribes to the
// trades channel for symbol.
func (s *TickStream) Subscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
		if err != nil {
			return domain.NewGatewayError("subscribe", err)
		}
		s.conn = conn
		go s.readLoop(conn)
	}

	msg := map[string]string{
		"command": "subscribe",
		"channel": "trades",
		"symbol":  symbol,
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return domain.NewGatewayError("subscribe", err)
	}
	s.log.Info("subscribed to trades", zap.String("symbol", symbol))
	return nil
}

func (s *TickStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

type tradeMessage struct {
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

func (s *TickStream) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Error("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg tradeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn("unparseable websocket message", zap.Error(err))
			continue
		}
		if msg.Channel != "trades" {
			continue
		}

		price, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil {
			continue
		}
		size, _ := strconv.ParseFloat(msg.Size, 64)
		ts, err := time.Parse(time.RFC3339, msg.Timestamp)
		if err != nil {
			ts = time.Now()
		}

		tick := domain.Tick{
			Side:   domain.Side(msg.Side),
			Symbol: msg.Symbol,
			Price:  price,
			Volume: size,
			Time:   ts,
		}
		select {
		case s.ticks <- tick:
		default:
			s.log.Warn("tick buffer full, dropping", zap.String("symbol", msg.Symbol))
		}
	}
}
