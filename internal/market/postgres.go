package market

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore reads and writes the daily_bars table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Bars implements Feed
func (s *PostgresStore) Bars(ctx context.Context, code string, start, end time.Time) ([]Bar, error) {
	query := `
		SELECT code, trade_date, open, high, low, close, pre_close, volume
		FROM daily_bars
		WHERE code = $1 AND ($2::date IS NULL OR trade_date >= $2) AND ($3::date IS NULL OR trade_date <= $3)
		ORDER BY trade_date ASC
	`

	rows, err := s.db.QueryContext(ctx, query, code, nullDate(start), nullDate(end))
	if err != nil {
		return nil, fmt.Errorf("query daily bars for %s: %v: %w", code, err, ErrUnavailable)
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Code, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.PreClose, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan daily bar: %w", err)
		}
		b.Date = Day(b.Date)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily bars: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", code, ErrNoData)
	}
	return bars, nil
}

// SaveBars upserts bars in one transaction
func (s *PostgresStore) SaveBars(ctx context.Context, bars []Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_bars (code, trade_date, open, high, low, close, pre_close, volume, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (code, trade_date)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			pre_close = EXCLUDED.pre_close,
			volume = EXCLUDED.volume,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Code, Day(b.Date), b.Open, b.High, b.Low, b.Close, b.PreClose, b.Volume); err != nil {
			return fmt.Errorf("upsert bar %s %s: %w", b.Code, b.Date.Format(DateLayout), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bars: %w", err)
	}
	return nil
}

// LatestDate returns the most recent stored date for a code, or the zero
// time when none is stored
func (s *PostgresStore) LatestDate(ctx context.Context, code string) (time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(trade_date) FROM daily_bars WHERE code = $1`, code).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest date for %s: %w", code, err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return Day(latest.Time), nil
}

func nullDate(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return Day(t)
}
