package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/y-kitamu/auto-trader/internal/domain"
)

// SQLiteHistory implements domain.HistorySink on a SQLite file. Appends are
// idempotent: each execution record is keyed by its exchange execution id
// and re-appending an already stored record is a no-op.
type SQLiteHistory struct {
	db *sql.DB
}

func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteHistory{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteHistory) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		position_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		size REAL NOT NULL,
		price REAL NOT NULL,
		fee REAL NOT NULL,
		executed_at DATETIME NOT NULL
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to init executions schema: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id)`); err != nil {
		return fmt.Errorf("failed to init executions index: %w", err)
	}
	return nil
}

func (s *SQLiteHistory) Append(ctx context.Context, executions []domain.Execution) error {
	if len(executions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT OR IGNORE INTO executions (execution_id, order_id, position_id, symbol, side, size, price, fee, executed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, e := range executions {
		if _, err := tx.ExecContext(ctx, query,
			e.ID, e.OrderID, e.PositionID, e.Symbol, string(e.Side), e.Size, e.Price, e.Fee, e.Time); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListExecutions returns stored records, newest first.
func (s *SQLiteHistory) ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	query := `SELECT execution_id, order_id, position_id, symbol, side, size, price, fee, executed_at
			  FROM executions ORDER BY executed_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var side string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PositionID, &e.Symbol, &side, &e.Size, &e.Price, &e.Fee, &e.Time); err != nil {
			return nil, err
		}
		e.Side = domain.Side(side)
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
