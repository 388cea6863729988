// Package auditlog 持久化每一次交易决策（批准或拒绝）的审计记录，
// 方便排查"为什么没有开仓"。追加写，按决策时间排序读取。
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record 是一条决策审计记录。
type Record struct {
	ID          int64    `json:"id"`
	Timestamp   int64    `json:"ts"`
	TraceID     string   `json:"trace_id"`
	Symbol      string   `json:"symbol"`
	Side        string   `json:"side,omitempty"`
	Signal      string   `json:"signal"`
	Strength    float64  `json:"strength"`
	Price       float64  `json:"price"`
	Approved    bool     `json:"approved"`
	Reasons     []string `json:"reasons,omitempty"`
	SizedVolume float64  `json:"sized_volume"`
	Ticket      int64    `json:"ticket,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Store manages the append-only decision audit database.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open creates or opens the audit database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	trace_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT,
	signal TEXT,
	strength REAL,
	price REAL,
	approved INTEGER NOT NULL,
	reasons TEXT,
	sized_volume REAL,
	ticket INTEGER,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, ts);
`
	_, err := s.db.Exec(ddl)
	return err
}

// Append writes one record. The audit trail must never block trading, so
// callers treat errors as log-and-continue.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO decisions (ts, trace_id, symbol, side, signal, strength, price, approved, reasons, sized_volume, ticket, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.TraceID, rec.Symbol, rec.Side, rec.Signal, rec.Strength,
		rec.Price, boolToInt(rec.Approved), string(reasons), rec.SizedVolume, rec.Ticket, rec.Error)
	return err
}

// Recent returns the newest records, optionally filtered by symbol.
func (s *Store) Recent(ctx context.Context, symbol string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, ts, trace_id, symbol, side, signal, strength, price, approved, reasons, sized_volume, ticket, error
FROM decisions`
	args := []any{}
	if strings.TrimSpace(symbol) != "" {
		query += " WHERE symbol = ?"
		args = append(args, strings.ToUpper(strings.TrimSpace(symbol)))
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var approved int
		var reasons sql.NullString
		var side, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.TraceID, &rec.Symbol, &side, &rec.Signal,
			&rec.Strength, &rec.Price, &approved, &reasons, &rec.SizedVolume, &rec.Ticket, &errMsg); err != nil {
			return nil, err
		}
		rec.Approved = approved != 0
		rec.Side = side.String
		rec.Error = errMsg.String
		if reasons.Valid && reasons.String != "" && reasons.String != "null" {
			if err := json.Unmarshal([]byte(reasons.String), &rec.Reasons); err != nil {
				return nil, fmt.Errorf("decode reasons for decision %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
