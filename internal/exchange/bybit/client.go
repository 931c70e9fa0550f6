// Package bybit implements the Bybit v5 spot API as a core.IExchange
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/httpclient"

	"github.com/shopspring/decimal"
)

const (
	mainnetREST = "https://api.bybit.com"
	testnetREST = "https://api-testnet.bybit.com"
	mainnetWS   = "wss://stream.bybit.com/v5/public/spot"
	testnetWS   = "wss://stream-testnet.bybit.com/v5/public/spot"

	recvWindowMS = "5000"
)

// Credentials holds the API key pair and network selection
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Client is the Bybit v5 spot adapter
type Client struct {
	creds   Credentials
	rest    *httpclient.Client
	public  *httpclient.Client
	wsURL   string
	logger  core.ILogger

	filtersMu sync.Mutex
	filters   map[string]core.SymbolFilters
}

// NewClient creates a Bybit adapter. baseURL overrides the network default
// when non-empty.
func NewClient(creds Credentials, baseURL string, logger core.ILogger) *Client {
	restURL := mainnetREST
	wsURL := mainnetWS
	if creds.Testnet {
		restURL = testnetREST
		wsURL = testnetWS
	}
	if baseURL != "" {
		restURL = baseURL
	}

	signer := &v5Signer{apiKey: creds.APIKey, secret: creds.APISecret}
	return &Client{
		creds:   creds,
		rest:    httpclient.NewClient(restURL, 10*time.Second, signer),
		public:  httpclient.NewClient(restURL, 10*time.Second, nil),
		wsURL:   wsURL,
		logger:  logger.WithField("component", "bybit"),
		filters: make(map[string]core.SymbolFilters),
	}
}

// v5Signer signs requests per the v5 scheme: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + sorted params.
type v5Signer struct {
	apiKey string
	secret string
}

func (s *v5Signer) SignRequest(req *http.Request) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	params := map[string]string{}
	switch req.Method {
	case http.MethodGet:
		for k, vs := range req.URL.Query() {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
	default:
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			raw, err := io.ReadAll(body)
			if err != nil {
				return err
			}
			var m map[string]interface{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &m); err != nil {
					return err
				}
			}
			for k, v := range m {
				params[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	payload := timestamp + s.apiKey + recvWindowMS + sortedParamString(params)

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindowMS)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func sortedParamString(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// envelope is the common v5 response wrapper
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// classifyRetCode maps documented v5 return codes onto app errors
func classifyRetCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10002:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, msg)
	case 10006, 10018:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg)
	case 10003, 10004, 10005, 33004:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case 110001, 170213:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	case 170131, 110007:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case 10016:
		return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, msg)
	default:
		return fmt.Errorf("bybit error %d: %s", code, msg)
	}
}

func (c *Client) get(ctx context.Context, client *httpclient.Client, path string, params map[string]string, out interface{}) error {
	raw, err := client.Get(ctx, path, params)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return decodeEnvelope(raw, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, err := c.rest.Post(ctx, path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", apperrors.ErrNetwork, err)
	}
	if err := classifyRetCode(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: malformed result: %v", apperrors.ErrNetwork, err)
		}
	}
	return nil
}

// restOrder is the order shape returned by /v5/order endpoints
type restOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func (o restOrder) toCore() core.Order {
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.Qty)
	filled, _ := decimal.NewFromString(o.CumExecQty)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	ms, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

	return core.Order{
		OrderID:   o.OrderID,
		ClientTag: o.OrderLinkID,
		Symbol:    o.Symbol,
		Side:      mapSide(o.Side),
		Price:     price,
		Quantity:  qty,
		State:     mapStatus(o.OrderStatus),
		FilledQty: filled,
		AvgPrice:  avg,
		UpdatedAt: time.UnixMilli(ms),
	}
}

func mapSide(s string) core.OrderSide {
	if strings.EqualFold(s, "Sell") {
		return core.SideSell
	}
	return core.SideBuy
}

func mapStatus(s string) core.OrderState {
	switch s {
	case "New", "Untriggered", "Created":
		return core.OrderStateNew
	case "PartiallyFilled":
		return core.OrderStatePartial
	case "Filled":
		return core.OrderStateFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return core.OrderStateCancelled
	case "Rejected":
		return core.OrderStateRejected
	default:
		return core.OrderStateNew
	}
}

// PlaceLimit places a GTC limit order. The ClientTag maps to orderLinkId,
// which Bybit deduplicates server side.
func (c *Client) PlaceLimit(ctx context.Context, req core.PlaceLimitRequest) (core.Order, error) {
	body := map[string]interface{}{
		"category":    "spot",
		"symbol":      req.Symbol,
		"side":        sideParam(req.Side),
		"orderType":   "Limit",
		"qty":         c.FormatQuantity(req.Symbol, req.Quantity),
		"price":       c.FormatPrice(req.Symbol, req.Price),
		"timeInForce": "GTC",
	}
	if req.ClientTag != "" {
		body["orderLinkId"] = req.ClientTag
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return core.Order{}, err
	}

	return core.Order{
		OrderID:   result.OrderID,
		ClientTag: req.ClientTag,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		State:     core.OrderStateNew,
		FilledQty: decimal.Zero,
		UpdatedAt: time.Now(),
	}, nil
}

func sideParam(side core.OrderSide) string {
	if side == core.SideSell {
		return "Sell"
	}
	return "Buy"
}

func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return c.post(ctx, "/v5/order/cancel", body, nil)
}

// OrderStatus looks the order up among live orders first, then history.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (core.Order, error) {
	params := map[string]string{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	var result struct {
		List []restOrder `json:"list"`
	}
	if err := c.get(ctx, c.rest, "/v5/order/realtime", params, &result); err != nil {
		return core.Order{}, err
	}
	if len(result.List) == 0 {
		if err := c.get(ctx, c.rest, "/v5/order/history", params, &result); err != nil {
			return core.Order{}, err
		}
	}
	if len(result.List) == 0 {
		return core.Order{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return result.List[0].toCore(), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := map[string]string{
		"category": "spot",
		"symbol":   symbol,
	}
	var result struct {
		List []restOrder `json:"list"`
	}
	if err := c.get(ctx, c.rest, "/v5/order/realtime", params, &result); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(result.List))
	for _, o := range result.List {
		if st := mapStatus(o.OrderStatus); !st.Terminal() {
			orders = append(orders, o.toCore())
		}
	}
	return orders, nil
}

// WalletEquity returns the unified account's total equity in USD terms
func (c *Client) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	params := map[string]string{"accountType": "UNIFIED"}
	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := c.get(ctx, c.rest, "/v5/account/wallet-balance", params, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("%w: empty wallet response", apperrors.ErrNetwork)
	}
	equity, err := decimal.NewFromString(result.List[0].TotalEquity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad totalEquity: %v", apperrors.ErrNetwork, err)
	}
	return equity, nil
}

func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]string{
		"category": "spot",
		"symbol":   symbol,
	}
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := c.get(ctx, c.public, "/v5/market/tickers", params, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	price, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad lastPrice: %v", apperrors.ErrNetwork, err)
	}
	return price, nil
}

// Filters returns cached instrument rounding rules, fetching them on first
// use. Missing symbols fall back to 8 decimal places.
func (c *Client) Filters(symbol string) core.SymbolFilters {
	c.filtersMu.Lock()
	f, ok := c.filters[symbol]
	c.filtersMu.Unlock()
	if ok {
		return f
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	params := map[string]string{
		"category": "spot",
		"symbol":   symbol,
	}
	var result struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}

	fallback := core.SymbolFilters{TickSize: decimal.New(1, -8), LotStep: decimal.New(1, -8)}
	if err := c.get(ctx, c.public, "/v5/market/instruments-info", params, &result); err != nil || len(result.List) == 0 {
		return fallback
	}

	tick, err1 := decimal.NewFromString(result.List[0].PriceFilter.TickSize)
	lot, err2 := decimal.NewFromString(result.List[0].LotSizeFilter.BasePrecision)
	if err1 != nil || err2 != nil || !tick.IsPositive() || !lot.IsPositive() {
		return fallback
	}

	f = core.SymbolFilters{TickSize: tick, LotStep: lot}
	c.filtersMu.Lock()
	c.filters[symbol] = f
	c.filtersMu.Unlock()
	return f
}

// FormatPrice renders a price at the symbol's tick precision
func (c *Client) FormatPrice(symbol string, price decimal.Decimal) string {
	tick := c.Filters(symbol).TickSize
	return price.Round(int32(decimalPlaces(tick))).String()
}

// FormatQuantity renders a quantity truncated to the symbol's lot precision
func (c *Client) FormatQuantity(symbol string, qty decimal.Decimal) string {
	lot := c.Filters(symbol).LotStep
	return qty.Truncate(int32(decimalPlaces(lot))).String()
}

func decimalPlaces(step decimal.Decimal) int {
	s := step.String()
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}
