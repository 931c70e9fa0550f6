// Package store persists trades, configs, ticks, kill events and alerts to
// SQLite through a bounded asynchronous writer. Writes never block the
// trading path; ticks are the first thing dropped under backpressure.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/telemetry"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const defaultQueueSize = 1024

// NullStore discards everything. Used when persistence is disabled.
type NullStore struct{}

func (NullStore) SaveGridConfig(core.GridParameters) {}
func (NullStore) RecordTrade(core.Trade)             {}
func (NullStore) RecordTick(core.Tick)               {}
func (NullStore) RecordKillEvent(string, time.Time)  {}
func (NullStore) RecordAlert(core.AlertRecord)       {}
func (NullStore) Close() error                       { return nil }

type writeKind int

const (
	writeTick writeKind = iota
	writeTrade
	writeConfig
	writeKill
	writeAlert
)

type writeOp struct {
	kind   writeKind
	tick   core.Tick
	trade  core.Trade
	config core.GridParameters
	reason string
	ts     time.Time
	alert  core.AlertRecord
}

// SQLiteStore implements core.IStore on a single-writer SQLite database
type SQLiteStore struct {
	db      *sql.DB
	queue   chan writeOp
	done    chan struct{}
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// NewSQLiteStore opens (or creates) the database at path and starts the
// writer goroutine.
func NewSQLiteStore(path string, queueSize int, logger core.ILogger) (*SQLiteStore, error) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; keep the pool at a single connection
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		queue:   make(chan writeOp, queueSize),
		done:    make(chan struct{}),
		logger:  logger.WithField("component", "store"),
		metrics: telemetry.GetGlobalMetrics(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	go s.writerLoop()
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			fee TEXT NOT NULL,
			pnl TEXT NOT NULL,
			order_id TEXT NOT NULL,
			executed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, executed_at)`,
		`CREATE TABLE IF NOT EXISTS grid_configs (
			symbol TEXT PRIMARY KEY,
			lower_price TEXT NOT NULL,
			upper_price TEXT NOT NULL,
			grid_count INTEGER NOT NULL,
			total_investment TEXT NOT NULL,
			stop_loss TEXT NOT NULL,
			btc_filter INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ticks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			price TEXT NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_symbol ON ticks(symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS kill_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reason TEXT NOT NULL,
			triggered_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			price TEXT NOT NULL,
			zone TEXT,
			executed INTEGER NOT NULL,
			received_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// enqueue submits an operation. When the queue is full, ticks are dropped
// outright; other operations evict the oldest queued tick to make room.
func (s *SQLiteStore) enqueue(op writeOp) {
	select {
	case s.queue <- op:
		return
	default:
	}

	if op.kind == writeTick {
		s.metrics.TicksDropped.Inc()
		return
	}

	// shed one queued entry, preferring a tick, then retry once
	select {
	case old := <-s.queue:
		if old.kind == writeTick {
			s.metrics.TicksDropped.Inc()
		} else {
			s.logger.Warn("Store queue full, dropped a non-tick write")
		}
	default:
	}
	select {
	case s.queue <- op:
	default:
		s.logger.Warn("Store queue full, write lost")
	}
}

func (s *SQLiteStore) SaveGridConfig(p core.GridParameters) {
	s.enqueue(writeOp{kind: writeConfig, config: p})
}

func (s *SQLiteStore) RecordTrade(t core.Trade) {
	s.enqueue(writeOp{kind: writeTrade, trade: t})
}

func (s *SQLiteStore) RecordTick(t core.Tick) {
	s.enqueue(writeOp{kind: writeTick, tick: t})
}

func (s *SQLiteStore) RecordKillEvent(reason string, ts time.Time) {
	s.enqueue(writeOp{kind: writeKill, reason: reason, ts: ts})
}

func (s *SQLiteStore) RecordAlert(a core.AlertRecord) {
	s.enqueue(writeOp{kind: writeAlert, alert: a})
}

// Close drains the queue and closes the database
func (s *SQLiteStore) Close() error {
	close(s.queue)
	<-s.done
	return s.db.Close()
}

func (s *SQLiteStore) writerLoop() {
	defer close(s.done)
	for op := range s.queue {
		if err := s.apply(op); err != nil {
			s.logger.Warn("Store write failed", "error", err.Error())
		}
	}
}

func (s *SQLiteStore) apply(op writeOp) error {
	switch op.kind {
	case writeTick:
		_, err := s.db.Exec(
			`INSERT INTO ticks (symbol, price, ts) VALUES (?, ?, ?)`,
			op.tick.Symbol, op.tick.Price.String(), op.tick.Ts)
		return err
	case writeTrade:
		t := op.trade
		_, err := s.db.Exec(
			`INSERT INTO trades (symbol, side, price, quantity, fee, pnl, order_id, executed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Symbol, string(t.Side), t.Price.String(), t.Quantity.String(),
			t.Fee.String(), t.PnL.String(), t.OrderID, t.ExecutedAt)
		return err
	case writeConfig:
		p := op.config
		btcFilter := 0
		if p.BTCFilterEnabled {
			btcFilter = 1
		}
		_, err := s.db.Exec(
			`INSERT INTO grid_configs (symbol, lower_price, upper_price, grid_count, total_investment, stop_loss, btc_filter, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(symbol) DO UPDATE SET
			   lower_price=excluded.lower_price,
			   upper_price=excluded.upper_price,
			   grid_count=excluded.grid_count,
			   total_investment=excluded.total_investment,
			   stop_loss=excluded.stop_loss,
			   btc_filter=excluded.btc_filter,
			   updated_at=excluded.updated_at`,
			p.Symbol, p.LowerPrice.String(), p.UpperPrice.String(), p.GridCount,
			p.TotalInvestment.String(), p.StopLoss.String(), btcFilter, time.Now())
		return err
	case writeKill:
		_, err := s.db.Exec(
			`INSERT INTO kill_events (reason, triggered_at) VALUES (?, ?)`,
			op.reason, op.ts)
		return err
	case writeAlert:
		a := op.alert
		executed := 0
		if a.Executed {
			executed = 1
		}
		_, err := s.db.Exec(
			`INSERT INTO alerts (symbol, action, price, zone, executed, received_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.Symbol, a.Action, a.Price.String(), a.Zone, executed, a.Timestamp)
		return err
	}
	return nil
}

// RecentTrades returns the latest trades for a symbol, newest first
func (s *SQLiteStore) RecentTrades(symbol string, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT symbol, side, price, quantity, fee, pnl, order_id, executed_at
		 FROM trades WHERE symbol = ? ORDER BY executed_at DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		var t core.Trade
		var side, price, qty, fee, pnl string
		if err := rows.Scan(&t.Symbol, &side, &price, &qty, &fee, &pnl, &t.OrderID, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = core.OrderSide(side)
		t.Price = mustDecimal(price)
		t.Quantity = mustDecimal(qty)
		t.Fee = mustDecimal(fee)
		t.PnL = mustDecimal(pnl)
		out = append(out, t)
	}
	return out, rows.Err()
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
