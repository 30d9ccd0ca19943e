package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

// Journal persists applied trades to SQLite for audit. It is write-mostly;
// the live order book remains the source of truth for the session.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

var _ model.TradeRecorder = (*Journal)(nil)

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		exec_id      TEXT PRIMARY KEY,
		order_id     TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		qty          INTEGER NOT NULL,
		price        TEXT NOT NULL,
		counterparty TEXT,
		settle_date  TEXT NOT NULL,
		executed_at  DATETIME NOT NULL,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordTrade persists one trade. Re-recording an exec id is a no-op.
func (j *Journal) RecordTrade(t model.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO trades (exec_id, order_id, symbol, side, qty, price, counterparty, settle_date, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ExecID,
		t.OrderID,
		t.Symbol,
		string(t.Side),
		t.Qty,
		t.Price.String(),
		t.Counterparty,
		t.SettleDate.Format("2006-01-02"),
		t.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal %s: %w", t.ExecID, err)
	}
	return nil
}

// RecentTrades returns the last N trades, newest first.
func (j *Journal) RecentTrades(limit int) ([]model.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT exec_id, order_id, symbol, side, qty, price, counterparty, settle_date, executed_at
		 FROM trades ORDER BY executed_at DESC, exec_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, px, settle, at string
		var cp sql.NullString
		if err := rows.Scan(&t.ExecID, &t.OrderID, &t.Symbol, &side, &t.Qty, &px, &cp, &settle, &at); err != nil {
			log.Printf("[journal] scan: %v", err)
			continue
		}
		t.Side = model.Side(side)
		t.Counterparty = cp.String
		if t.Price, err = decimal.NewFromString(px); err != nil {
			log.Printf("[journal] %s: bad price %q", t.ExecID, px)
			continue
		}
		t.SettleDate, _ = time.Parse("2006-01-02", settle)
		t.Time, _ = time.Parse(time.RFC3339Nano, at)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
