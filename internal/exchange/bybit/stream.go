package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gridtrader/internal/core"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsReconnectDelay = 5 * time.Second
	wsPingInterval   = 20 * time.Second
	wsReadDeadline   = 60 * time.Second
)

// wsMessage covers both subscription acks and ticker pushes
type wsMessage struct {
	Topic   string `json:"topic"`
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Ts      int64  `json:"ts"`
	Data    struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// Subscribe streams tickers.<SYMBOL> topics until ctx is cancelled,
// reconnecting with a fixed delay after any failure.
func (c *Client) Subscribe(ctx context.Context, symbols []string, onTick func(core.Tick)) error {
	for {
		err := c.streamOnce(ctx, symbols, onTick)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Ticker stream disconnected, reconnecting",
			"error", err.Error(), "delay", wsReconnectDelay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, symbols []string, onTick func(core.Tick)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tickers."+s)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": topics}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	c.logger.Info("Subscribed to ticker topics", "topics", topics)

	// Close the connection when ctx ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ping := map[string]string{"op": "ping"}
				if err := conn.WriteJSON(ping); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("Skipping unparseable ws message", "error", err.Error())
			continue
		}

		if msg.Op == "subscribe" && !msg.Success {
			return fmt.Errorf("subscription rejected: %s", msg.RetMsg)
		}
		if msg.Topic == "" || msg.Data.LastPrice == "" {
			continue
		}

		price, err := decimal.NewFromString(msg.Data.LastPrice)
		if err != nil {
			continue
		}

		ts := time.Now()
		if msg.Ts > 0 {
			ts = time.UnixMilli(msg.Ts)
		}
		onTick(core.Tick{
			Symbol: msg.Data.Symbol,
			Price:  price,
			Ts:     ts,
		})
	}
}
