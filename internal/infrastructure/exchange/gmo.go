package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

const (
	GMOBaseURL = "https://api.coin.z.com"
	GMOWSURL   = "wss://api.coin.z.com/ws/public/v1"
)

// GMOClient implements domain.Gateway against the GMO Coin REST API.
// Every transport or API fault is returned as *domain.GatewayError so the
// control loop can classify it as transient.
type GMOClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
}

func NewGMOClient(apiKey, apiSecret, baseURL string) *GMOClient {
	if baseURL == "" {
		baseURL = GMOBaseURL
	}
	return &GMOClient{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type apiResponse struct {
	Status   int             `json:"status"`
	Data     json.RawMessage `json:"data"`
	Messages []struct {
		Code   string `json:"message_code"`
		String string `json:"message_string"`
	} `json:"messages"`
}

func (c *GMOClient) sign(timestamp int64, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// privateRequest signs and sends a request to the private API. The signature
// covers the path without its query string, per the GMO scheme.
func (c *GMOClient) privateRequest(ctx context.Context, op, method, path, query string, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, domain.NewGatewayError(op, err)
		}
	}

	url := c.baseURL + "/private" + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewGatewayError(op, err)
	}

	timestamp := time.Now().UnixMilli()
	req.Header.Set("API-KEY", c.apiKey)
	req.Header.Set("API-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("API-SIGN", c.sign(timestamp, method, path, body))
	req.Header.Set("Content-Type", "application/json")

	return c.do(op, req)
}

func (c *GMOClient) publicRequest(ctx context.Context, op, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/public"+path, nil)
	if err != nil {
		return nil, domain.NewGatewayError(op, err)
	}
	return c.do(op, req)
}

func (c *GMOClient) do(op string, req *http.Request) (json.RawMessage, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewGatewayError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewGatewayError(op, err)
	}
	if resp.StatusCode >= 400 {
		return nil, domain.NewGatewayError(op, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody)))
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, domain.NewGatewayError(op, err)
	}
	if envelope.Status != 0 {
		msg := ""
		if len(envelope.Messages) > 0 {
			msg = envelope.Messages[0].Code + " " + envelope.Messages[0].String
		}
		return nil, domain.NewGatewayError(op, fmt.Errorf("api status %d: %s", envelope.Status, msg))
	}
	return envelope.Data, nil
}

// decodeOrderID accepts both the quoted and the bare numeric form GMO uses
// for order ids.
func decodeOrderID(op string, data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return n.String(), nil
	}
	return "", domain.NewGatewayError(op, fmt.Errorf("unexpected order id payload: %s", string(data)))
}

func (c *GMOClient) PlaceOrder(ctx context.Context, symbol string, price, volume float64) (string, error) {
	side := domain.SideForVolume(volume)
	size := volume
	if size < 0 {
		size = -size
	}
	payload := map[string]any{
		"symbol":        symbol,
		"side":          string(side),
		"executionType": "LIMIT",
		"price":         strconv.FormatFloat(price, 'f', -1, 64),
		"size":          strconv.FormatFloat(size, 'f', -1, 64),
	}
	if price < 0 {
		payload["executionType"] = "MARKET"
		delete(payload, "price")
	}

	data, err := c.privateRequest(ctx, "placeOrder", http.MethodPost, "/v1/order", "", payload)
	if err != nil {
		return "", err
	}
	return decodeOrderID("placeOrder", data)
}

func (c *GMOClient) CloseOrder(ctx context.Context, symbol string, price, volume float64, positionID string, side domain.Side) (string, error) {
	payload := map[string]any{
		"symbol":        symbol,
		"side":          string(side),
		"executionType": "LIMIT",
		"price":         strconv.FormatFloat(price, 'f', -1, 64),
		"settlePosition": []map[string]any{
			{"positionId": positionID, "size": strconv.FormatFloat(volume, 'f', -1, 64)},
		},
	}
	if price < 0 {
		payload["executionType"] = "MARKET"
		delete(payload, "price")
	}

	data, err := c.privateRequest(ctx, "closeOrder", http.MethodPost, "/v1/closeOrder", "", payload)
	if err != nil {
		return "", err
	}
	return decodeOrderID("closeOrder", data)
}

func (c *GMOClient) CancelOrder(ctx context.Context, orderID string) error {
	payload := map[string]any{"orderId": orderID}
	_, err := c.privateRequest(ctx, "cancelOrder", http.MethodPost, "/v1/cancelOrder", "", payload)
	return err
}

func (c *GMOClient) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	data, err := c.privateRequest(ctx, "orderStatus", http.MethodGet, "/v1/orders", "orderId="+orderID, nil)
	if err != nil {
		return "", err
	}

	var result struct {
		List []struct {
			Status string `json:"status"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", domain.NewGatewayError("orderStatus", err)
	}
	if len(result.List) == 0 {
		return "", domain.NewGatewayError("orderStatus", fmt.Errorf("order %s not found", orderID))
	}

	switch result.List[0].Status {
	case "CANCELED":
		return domain.StatusCanceled, nil
	case "EXECUTED":
		return domain.StatusExecuted, nil
	case "EXPIRED":
		return domain.StatusExpired, nil
	default: // WAITING, ORDERED, MODIFYING, CANCELLING
		return domain.StatusLive, nil
	}
}

func (c *GMOClient) Executions(ctx context.Context, orderID string) ([]domain.Execution, error) {
	data, err := c.privateRequest(ctx, "executions", http.MethodGet, "/v1/executions", "orderId="+orderID, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			ExecutionID json.Number `json:"executionId"`
			OrderID     json.Number `json:"orderId"`
			PositionID  json.Number `json:"positionId"`
			Symbol      string      `json:"symbol"`
			Side        string      `json:"side"`
			Size        string      `json:"size"`
			Price       string      `json:"price"`
			Fee         string      `json:"fee"`
			Timestamp   string      `json:"timestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, domain.NewGatewayError("executions", err)
	}

	executions := make([]domain.Execution, 0, len(result.List))
	for _, raw := range result.List {
		size, _ := strconv.ParseFloat(raw.Size, 64)
		price, _ := strconv.ParseFloat(raw.Price, 64)
		fee, _ := strconv.ParseFloat(raw.Fee, 64)
		ts, _ := time.Parse(time.RFC3339, raw.Timestamp)
		executions = append(executions, domain.Execution{
			ID:         raw.ExecutionID.String(),
			OrderID:    raw.OrderID.String(),
			PositionID: raw.PositionID.String(),
			Symbol:     raw.Symbol,
			Side:       domain.Side(raw.Side),
			Size:       size,
			Price:      price,
			Fee:        fee,
			Time:       ts,
		})
	}
	return executions, nil
}

// OpenPositions lists the still-open lots created by the given entry order.
// GMO keys open positions by symbol, so the order's executions are queried
// first and used to filter the symbol's positions by position id.
func (c *GMOClient) OpenPositions(ctx context.Context, orderID string) ([]domain.OpenPosition, error) {
	executions, err := c.Executions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, nil
	}
	symbol := executions[0].Symbol
	owned := make(map[string]bool, len(executions))
	for _, e := range executions {
		owned[e.PositionID] = true
	}

	data, err := c.privateRequest(ctx, "openPositions", http.MethodGet, "/v1/openPositions", "symbol="+symbol, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			PositionID json.Number `json:"positionId"`
			Symbol     string      `json:"symbol"`
			Side       string      `json:"side"`
			Size       string      `json:"size"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, domain.NewGatewayError("openPositions", err)
	}

	var positions []domain.OpenPosition
	for _, raw := range result.List {
		id := raw.PositionID.String()
		if !owned[id] {
			continue
		}
		size, _ := strconv.ParseFloat(raw.Size, 64)
		positions = append(positions, domain.OpenPosition{
			PositionID: id,
			Symbol:     raw.Symbol,
			Side:       domain.Side(raw.Side),
			Size:       size,
		})
	}
	return positions, nil
}

func (c *GMOClient) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	data, err := c.publicRequest(ctx, "latestPrice", "/v1/ticker?symbol="+symbol)
	if err != nil {
		return 0, err
	}

	var result []struct {
		Symbol string `json:"symbol"`
		Last   string `json:"last"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, domain.NewGatewayError("latestPrice", err)
	}
	for _, t := range result {
		if t.Symbol == symbol {
			price, err := strconv.ParseFloat(t.Last, 64)
			if err != nil {
				return 0, domain.NewGatewayError("latestPrice", err)
			}
			return price, nil
		}
	}
	return 0, domain.NewGatewayError("latestPrice", fmt.Errorf("symbol %s not in ticker", symbol))
}

// Candles fetches recent closed bars, walking back one day per request until
// n bars are collected. Bar.Time is the close boundary of each candle.
func (c *GMOClient) Candles(ctx context.Context, symbol string, interval time.Duration, n int) ([]domain.Bar, error) {
	intervalStr, err := intervalString(interval)
	if err != nil {
		return nil, domain.NewGatewayError("candles", err)
	}

	var bars []domain.Bar
	date := time.Now()
	for day := 0; day < 7 && len(bars) < n; day++ {
		daily, err := c.klines(ctx, symbol, intervalStr, interval, date)
		if err != nil {
			return nil, err
		}
		bars = append(daily, bars...)
		date = date.AddDate(0, 0, -1)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func (c *GMOClient) klines(ctx context.Context, symbol, intervalStr string, interval time.Duration, date time.Time) ([]domain.Bar, error) {
	path := fmt.Sprintf("/v1/klines?symbol=%s&interval=%s&date=%s", symbol, intervalStr, date.Format("20060102"))
	data, err := c.publicRequest(ctx, "candles", path)
	if err != nil {
		return nil, err
	}

	var result []struct {
		OpenTime string `json:"openTime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, domain.NewGatewayError("candles", err)
	}

	bars := make([]domain.Bar, 0, len(result))
	for _, raw := range result {
		openMs, _ := strconv.ParseInt(raw.OpenTime, 10, 64)
		open, _ := strconv.ParseFloat(raw.Open, 64)
		high, _ := strconv.ParseFloat(raw.High, 64)
		low, _ := strconv.ParseFloat(raw.Low, 64)
		closePrice, _ := strconv.ParseFloat(raw.Close, 64)
		volume, _ := strconv.ParseFloat(raw.Volume, 64)
		bars = append(bars, domain.Bar{
			Time:   time.UnixMilli(openMs).Add(interval),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}
	return bars, nil
}

// intervalString maps a duration onto the kline interval names the API
// accepts.
func intervalString(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "1min", nil
	case 5 * time.Minute:
		return "5min", nil
	case 10 * time.Minute:
		return "10min", nil
	case 15 * time.Minute:
		return "15min", nil
	case 30 * time.Minute:
		return "30min", nil
	case time.Hour:
		return "1hour", nil
	case 4 * time.Hour:
		return "4hour", nil
	case 8 * time.Hour:
		return "8hour", nil
	case 12 * time.Hour:
		return "12hour", nil
	case 24 * time.Hour:
		return "1day", nil
	case 7 * 24 * time.Hour:
		return "1week", nil
	default:
		return "", fmt.Errorf("unsupported kline interval: %v", interval)
	}
}
