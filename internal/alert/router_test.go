package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/store"
	"gridtrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-test-secret"

// recordingCommander captures the commands the router dispatches
type recordingCommander struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (c *recordingCommander) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.fail
}

func (c *recordingCommander) Pause(ctx context.Context, symbol string) error {
	return c.record("pause:" + symbol)
}

func (c *recordingCommander) Resume(ctx context.Context, symbol string) (int, error) {
	if err := c.record("resume:" + symbol); err != nil {
		return 0, err
	}
	return 4, nil
}

func (c *recordingCommander) Stop(ctx context.Context, symbol string) error {
	return c.record("stop:" + symbol)
}

func (c *recordingCommander) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fixedPrices map[string]decimal.Decimal

func (p fixedPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	v, ok := p[symbol]
	return v, ok
}

type noopRisk struct{}

func (noopRisk) ObserveTick(string, decimal.Decimal, time.Time) {}
func (noopRisk) ReportAPICall(bool)                             {}
func (noopRisk) AllowStart(core.GateRequest) core.GateResult    { return core.GateResult{OK: true} }
func (noopRisk) BreakerActive(string) bool                      { return false }
func (noopRisk) KillActive() (bool, string)                     { return false, "" }
func (noopRisk) TriggerKill(string)                             {}
func (noopRisk) Snapshot() core.RiskSnapshot                    { return core.RiskSnapshot{} }

func newTestRouter(t *testing.T) (*Router, *recordingCommander) {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	commander := &recordingCommander{}
	prices := fixedPrices{"BTCUSDT": decimal.NewFromInt(97250)}
	router := NewRouter(Options{Secret: testSecret, HistorySize: 10},
		commander, prices, noopRisk{}, store.NullStore{}, logger)
	return router, commander
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	router, _ := newTestRouter(t)
	body := []byte(`{"symbol":"BTCUSDT","action":"buy"}`)

	assert.True(t, router.VerifySignature(body, sign(body)))
	assert.False(t, router.VerifySignature(body, "deadbeef"))
	assert.False(t, router.VerifySignature([]byte(`tampered`), sign(body)))

	// uppercase hex from the sender is accepted
	upper := fmt.Sprintf("%X", hmacSum(body))
	assert.True(t, router.VerifySignature(body, upper))
}

func hmacSum(body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return mac.Sum(nil)
}

func TestActionRouting(t *testing.T) {
	cases := []struct {
		action      string
		wantCall    string
		wantCommand string
	}{
		{"buy", "resume:BTCUSDT", "resume"},
		{"long", "resume:BTCUSDT", "resume"},
		{"sell", "pause:BTCUSDT", "pause"},
		{"short", "pause:BTCUSDT", "pause"},
		{"close", "stop:BTCUSDT", "stop"},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			router, commander := newTestRouter(t)
			body := []byte(fmt.Sprintf(`{"symbol":"BTCUSDT","action":%q}`, tc.action))

			res, err := router.Handle(context.Background(), body)
			require.NoError(t, err)
			assert.True(t, res.Record.Executed)
			assert.Equal(t, tc.wantCommand, res.Command)
			assert.Equal(t, []string{tc.wantCall}, commander.recorded())
		})
	}
}

func TestResumeOrderCountSurfaced(t *testing.T) {
	router, _ := newTestRouter(t)

	res, err := router.Handle(context.Background(), []byte(`{"symbol":"BTCUSDT","action":"buy","price":97250}`))
	require.NoError(t, err)
	assert.True(t, res.Record.Executed)
	assert.Equal(t, "resume", res.Command)
	assert.Equal(t, 4, res.OrdersPlaced)
}

func TestUnknownActionRecordedNotExecuted(t *testing.T) {
	router, commander := newTestRouter(t)
	body := []byte(`{"symbol":"BTCUSDT","action":"hodl"}`)

	res, err := router.Handle(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, res.Record.Executed)
	assert.Equal(t, "", res.Command)
	assert.Empty(t, commander.recorded())
	assert.Len(t, router.History("", 0), 1)
}

func TestMalformedPayloadRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	_, err := router.Handle(context.Background(), []byte(`not json`))
	assert.Error(t, err)

	_, err = router.Handle(context.Background(), []byte(`{"action":"buy"}`))
	assert.Error(t, err)
}

func TestStaleAlertRecordedNotExecuted(t *testing.T) {
	router, commander := newTestRouter(t)
	stale := time.Now().Add(-5 * time.Minute).Unix()
	body := []byte(fmt.Sprintf(`{"symbol":"BTCUSDT","action":"buy","timestamp":%d}`, stale))

	res, err := router.Handle(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, res.Record.Executed)
	assert.Empty(t, commander.recorded())
	assert.Len(t, router.History("BTCUSDT", 0), 1)
}

func TestDeviatingPriceRecordedNotExecuted(t *testing.T) {
	router, commander := newTestRouter(t)

	// market is at 97250; an alert 3% away is suspicious
	body := []byte(`{"symbol":"BTCUSDT","action":"sell","price":100200}`)
	res, err := router.Handle(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, res.Record.Executed)
	assert.Empty(t, commander.recorded())

	// within one percent it executes
	body = []byte(`{"symbol":"BTCUSDT","action":"sell","price":97500}`)
	res, err = router.Handle(context.Background(), body)
	require.NoError(t, err)
	assert.True(t, res.Record.Executed)
}

func TestCommandFailureMarksNotExecuted(t *testing.T) {
	router, commander := newTestRouter(t)
	commander.fail = fmt.Errorf("symbol not deployed")

	res, err := router.Handle(context.Background(), []byte(`{"symbol":"BTCUSDT","action":"buy"}`))
	require.NoError(t, err)
	assert.False(t, res.Record.Executed)
}

func TestHistoryBoundedAndFiltered(t *testing.T) {
	router, _ := newTestRouter(t)

	for i := 0; i < 15; i++ {
		sym := "BTCUSDT"
		if i%2 == 0 {
			sym = "DOGEUSDT"
		}
		body := []byte(fmt.Sprintf(`{"symbol":%q,"action":"buy"}`, sym))
		_, err := router.Handle(context.Background(), body)
		require.NoError(t, err)
	}

	// capacity is 10; the oldest entries fell off
	all := router.History("", 0)
	assert.Len(t, all, 10)

	doge := router.History("DOGEUSDT", 3)
	assert.Len(t, doge, 3)
	for _, rec := range doge {
		assert.Equal(t, "DOGEUSDT", rec.Symbol)
	}

	stats := router.Stats()
	assert.Equal(t, 10, stats["total"])
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTCUSDT"))
	assert.Equal(t, "DOGEUSDT", NormalizeSymbol(" dogeusdt "))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTCUSDT.P"))
}
