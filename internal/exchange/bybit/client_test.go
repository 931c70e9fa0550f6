package bybit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRequestGet(t *testing.T) {
	signer := &v5Signer{apiKey: "test-key", secret: "test-secret"}

	req, err := http.NewRequest(http.MethodGet,
		"https://api.example.com/v5/order/realtime?symbol=BTCUSDT&category=spot", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req))

	assert.Equal(t, "test-key", req.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "5000", req.Header.Get("X-BAPI-RECV-WINDOW"))
	ts := req.Header.Get("X-BAPI-TIMESTAMP")
	require.NotEmpty(t, ts)

	// the signature covers timestamp + key + recvWindow + sorted params
	payload := ts + "test-key" + "5000" + "category=spot&symbol=BTCUSDT"
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-BAPI-SIGN"))
}

func TestSignRequestPost(t *testing.T) {
	signer := &v5Signer{apiKey: "test-key", secret: "test-secret"}
	body := []byte(`{"symbol":"BTCUSDT","side":"Buy","qty":"0.01"}`)

	req, err := http.NewRequest(http.MethodPost,
		"https://api.example.com/v5/order/create", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req))

	ts := req.Header.Get("X-BAPI-TIMESTAMP")
	payload := ts + "test-key" + "5000" + "qty=0.01&side=Buy&symbol=BTCUSDT"
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-BAPI-SIGN"))
}

func TestSortedParamString(t *testing.T) {
	assert.Equal(t, "", sortedParamString(nil))
	assert.Equal(t, "a=1&b=2&c=3", sortedParamString(map[string]string{
		"c": "3", "a": "1", "b": "2",
	}))
}

func TestClassifyRetCode(t *testing.T) {
	assert.NoError(t, classifyRetCode(0, "OK"))
	assert.ErrorIs(t, classifyRetCode(10002, "ts"), apperrors.ErrTimestampOutOfBounds)
	assert.ErrorIs(t, classifyRetCode(10006, "rate"), apperrors.ErrRateLimitExceeded)
	assert.ErrorIs(t, classifyRetCode(10003, "key"), apperrors.ErrAuthenticationFailed)
	assert.ErrorIs(t, classifyRetCode(110001, "gone"), apperrors.ErrOrderNotFound)
	assert.ErrorIs(t, classifyRetCode(170131, "balance"), apperrors.ErrInsufficientFunds)
	assert.ErrorIs(t, classifyRetCode(10016, "maint"), apperrors.ErrExchangeMaintenance)

	err := classifyRetCode(99999, "unknown")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTerminal, apperrors.Classify(err))
}

func TestMapStatus(t *testing.T) {
	cases := map[string]core.OrderState{
		"New":                     core.OrderStateNew,
		"Created":                 core.OrderStateNew,
		"PartiallyFilled":         core.OrderStatePartial,
		"Filled":                  core.OrderStateFilled,
		"Cancelled":               core.OrderStateCancelled,
		"PartiallyFilledCanceled": core.OrderStateCancelled,
		"Rejected":                core.OrderStateRejected,
	}
	for raw, want := range cases {
		assert.Equal(t, want, mapStatus(raw), raw)
	}
}

func TestDecimalPlaces(t *testing.T) {
	assert.Equal(t, 2, decimalPlaces(decimal.NewFromFloat(0.01)))
	assert.Equal(t, 8, decimalPlaces(decimal.New(1, -8)))
	assert.Equal(t, 0, decimalPlaces(decimal.NewFromInt(1)))
}

func TestFormatPriceAndQuantity(t *testing.T) {
	c := NewClient(Credentials{}, "", noopLogger{})
	c.filters["BTCUSDT"] = core.SymbolFilters{
		TickSize: decimal.NewFromFloat(0.01),
		LotStep:  decimal.New(1, -6),
	}

	// prices round to the tick; quantities truncate to the lot step
	assert.Equal(t, "97395.84", c.FormatPrice("BTCUSDT", decimal.NewFromFloat(97395.8351)))
	assert.Equal(t, "0.021455", c.FormatQuantity("BTCUSDT", decimal.NewFromFloat(0.02145599)))
	assert.Equal(t, "0.5", c.FormatQuantity("BTCUSDT", decimal.NewFromFloat(0.5)))
}

func TestNetworkSelection(t *testing.T) {
	logger := noopLogger{}

	c := NewClient(Credentials{Testnet: true}, "", logger)
	assert.Contains(t, c.wsURL, "stream-testnet")

	c = NewClient(Credentials{}, "", logger)
	assert.Contains(t, c.wsURL, "stream.bybit.com")
}

// noopLogger satisfies core.ILogger without output
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func (noopLogger) WithField(string, interface{}) core.ILogger { return noopLogger{} }

func (noopLogger) WithFields(map[string]interface{}) core.ILogger { return noopLogger{} }