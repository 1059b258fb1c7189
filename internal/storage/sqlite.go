package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/chainhammer/pkg/types"
)

// SQLiteStorage implements Storage and CacheStorage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var (
	_ Storage      = (*SQLiteStorage)(nil)
	_ CacheStorage = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the API read history while a watcher writes
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		rpc_address TEXT NOT NULL,
		node_version TEXT,
		block_first INTEGER DEFAULT 0,
		block_last INTEGER DEFAULT 0,
		num_txs INTEGER DEFAULT 0,
		sample_successful INTEGER DEFAULT 0,
		peak_tps_average REAL DEFAULT 0,
		final_tps_average REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_experiments_started ON experiments(started_at DESC);

	CREATE TABLE IF NOT EXISTS tps_series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		experiment_id TEXT NOT NULL,
		block INTEGER NOT NULL,
		new_txs INTEGER NOT NULL,
		block_interval INTEGER NOT NULL,
		tps_current REAL NOT NULL,
		total_txs INTEGER NOT NULL,
		elapsed_seconds REAL NOT NULL,
		tps_average REAL NOT NULL,
		peak_tps_average REAL NOT NULL,
		iteration INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tps_series_experiment ON tps_series(experiment_id);

	CREATE TABLE IF NOT EXISTS cached_accounts (
		address TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		private_key TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (chain_id, address)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveExperiment inserts the experiment and its series in one transaction.
// An empty ID is replaced with a new UUID.
func (s *SQLiteStorage) SaveExperiment(ctx context.Context, exp *types.ExperimentDetail) error {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiments (id, started_at, finished_at, rpc_address, node_version, block_first, block_last,
			num_txs, sample_successful, peak_tps_average, final_tps_average)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exp.ID, exp.StartedAt.UTC(), exp.FinishedAt.UTC(), exp.RPCAddress, nullString(exp.NodeVersion),
		exp.BlockFirst, exp.BlockLast, exp.NumTxs, boolInt(exp.SampleSuccessful),
		exp.PeakTPSAverage, exp.FinalTPSAverage)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}

	if len(exp.Samples) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tps_series (experiment_id, block, new_txs, block_interval, tps_current, total_txs,
				elapsed_seconds, tps_average, peak_tps_average, iteration, timestamp_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range exp.Samples {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, err := stmt.ExecContext(ctx, exp.ID, p.Block, p.NewTxs, p.BlockInterval, p.TPSCurrent, p.TotalTxs,
				p.ElapsedSeconds, p.TPSAverage, p.PeakTPSAverage, p.Iteration, p.Timestamp.UnixMilli())
			if err != nil {
				return fmt.Errorf("insert tps sample: %w", err)
			}
		}
	}

	return tx.Commit()
}

const experimentColumns = `id, started_at, finished_at, rpc_address, COALESCE(node_version, ''),
	block_first, block_last, num_txs, sample_successful, peak_tps_average, final_tps_average`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*types.ExperimentSummary, error) {
	var e types.ExperimentSummary
	var sampleOK int
	err := row.Scan(&e.ID, &e.StartedAt, &e.FinishedAt, &e.RPCAddress, &e.NodeVersion,
		&e.BlockFirst, &e.BlockLast, &e.NumTxs, &sampleOK, &e.PeakTPSAverage, &e.FinalTPSAverage)
	if err != nil {
		return nil, err
	}
	e.SampleSuccessful = sampleOK != 0
	return &e, nil
}

// GetExperiment retrieves an experiment with its TPS series.
func (s *SQLiteStorage) GetExperiment(ctx context.Context, id string) (*types.ExperimentDetail, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+experimentColumns+" FROM experiments WHERE id = ?", id)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	samples, err := s.getSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.ExperimentDetail{ExperimentSummary: *summary, Samples: samples}, nil
}

func (s *SQLiteStorage) getSeries(ctx context.Context, id string) ([]types.TpsSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block, new_txs, block_interval, tps_current, total_txs, elapsed_seconds,
			tps_average, peak_tps_average, iteration, timestamp_ms
		FROM tps_series
		WHERE experiment_id = ?
		ORDER BY block
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []types.TpsSample{}
	for rows.Next() {
		var p types.TpsSample
		var tsMs int64
		err := rows.Scan(&p.Block, &p.NewTxs, &p.BlockInterval, &p.TPSCurrent, &p.TotalTxs, &p.ElapsedSeconds,
			&p.TPSAverage, &p.PeakTPSAverage, &p.Iteration, &tsMs)
		if err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(tsMs)
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

// ListExperiments returns a page of experiments, newest first.
func (s *SQLiteStorage) ListExperiments(ctx context.Context, limit, offset int) (*PaginatedExperiments, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+experimentColumns+`
		FROM experiments
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	experiments := []types.ExperimentSummary{}
	for rows.Next() {
		e, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedExperiments{
		Experiments: experiments,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	}, nil
}

// DeleteExperiment deletes an experiment and its series.
func (s *SQLiteStorage) DeleteExperiment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM experiments WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SaveCachedAccounts stores accounts, replacing any with the same chain and address.
func (s *SQLiteStorage) SaveCachedAccounts(ctx context.Context, accounts []CachedAccount) error {
	if len(accounts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cached_accounts (address, chain_id, private_key, created_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range accounts {
		if _, err := stmt.ExecContext(ctx, a.Address, a.ChainID, a.PrivateKeyHex, a.CreatedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadCachedAccounts returns the accounts cached for chainID in insertion order.
func (s *SQLiteStorage) LoadCachedAccounts(ctx context.Context, chainID int64) ([]CachedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, chain_id, private_key, created_at
		FROM cached_accounts
		WHERE chain_id = ?
		ORDER BY rowid
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedAccount
	for rows.Next() {
		var a CachedAccount
		if err := rows.Scan(&a.Address, &a.ChainID, &a.PrivateKeyHex, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteCachedAccounts removes every account cached for chainID.
func (s *SQLiteStorage) DeleteCachedAccounts(ctx context.Context, chainID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cached_accounts WHERE chain_id = ?", chainID)
	return err
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
