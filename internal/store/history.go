package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goldpredict/internal/position"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// HistoryStore implements trade archival on Gorm + SQLite.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore opens (and migrates) the history database.
func NewHistoryStore(path string) (*HistoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TradeModel{}, &AccountStatusModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep connection count low so lock contention stays low
	// while HTTP reads can still proceed.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &HistoryStore{db: db}, nil
}

// RecordOpen archives a confirmed open.
func (s *HistoryStore) RecordOpen(ctx context.Context, p position.Position) error {
	row := TradeModel{
		Ticket:    p.Ticket,
		Symbol:    p.Symbol,
		Side:      string(p.Side),
		Status:    "open",
		Volume:    p.Volume,
		OpenPrice: p.OpenPrice,
		OpenedAt:  p.OpenedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecordClose archives a terminal close or stop-out. The open row is left
// untouched; history is append-only.
func (s *HistoryStore) RecordClose(ctx context.Context, p position.Position) error {
	closedAt := p.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	row := TradeModel{
		Ticket:     p.Ticket,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Status:     p.Status.String(),
		Volume:     p.Volume,
		OpenPrice:  p.OpenPrice,
		ClosePrice: p.ClosePrice,
		Profit:     p.RealizedPnL,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   &closedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecordRejected archives a broker rejection for audit.
func (s *HistoryStore) RecordRejected(ctx context.Context, symbol, side string, volume float64, retCode int, comment string) error {
	row := TradeModel{
		Symbol:  symbol,
		Side:    side,
		Status:  "rejected",
		Volume:  volume,
		RetCode: retCode,
		Comment: comment,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// SaveAccountStatus appends an account snapshot row.
func (s *HistoryStore) SaveAccountStatus(ctx context.Context, balance, equity, margin, freeMargin, marginLevel, profit float64) error {
	row := AccountStatusModel{
		Balance:     balance,
		Equity:      equity,
		Margin:      margin,
		FreeMargin:  freeMargin,
		MarginLevel: marginLevel,
		Profit:      profit,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// DailySummary rebuilds today's realized P&L and trade count from closed
// trades, for seeding the risk manager after a restart.
func (s *HistoryStore) DailySummary(ctx context.Context, dayStart time.Time) (pnl float64, trades int, err error) {
	type agg struct {
		Total float64
		N     int64
	}
	var out agg
	err = s.db.WithContext(ctx).Model(&TradeModel{}).
		Select("COALESCE(SUM(profit),0) AS total, COUNT(*) AS n").
		Where("closed_at IS NOT NULL AND closed_at >= ?", dayStart).
		Scan(&out).Error
	if err != nil {
		return 0, 0, err
	}
	return out.Total, int(out.N), nil
}

// PeakEquity returns the highest recorded equity, used to recover the
// drawdown baseline after a restart.
func (s *HistoryStore) PeakEquity(ctx context.Context) (float64, error) {
	var peak float64
	err := s.db.WithContext(ctx).Model(&AccountStatusModel{}).
		Select("COALESCE(MAX(equity),0)").Scan(&peak).Error
	return peak, err
}

// RecentTrades lists the newest trade rows for the ops API.
func (s *HistoryStore) RecentTrades(ctx context.Context, limit int) ([]TradeModel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []TradeModel
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Close releases the underlying database handle.
func (s *HistoryStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
