package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        alert_id,
        detector,
        entity_key,
        severity,
        title,
        message,
        chain_id,
        tx_hash,
        block_number,
        token_symbol,
        amount,
        event_ts,
        data
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (alert_id) DO NOTHING
    RETURNING id, created_at;`

	selectAlertColumns = `SELECT
        id,
        alert_id::text,
        detector,
        entity_key,
        severity,
        title,
        message,
        chain_id,
        tx_hash,
        block_number,
        token_symbol,
        amount::text,
        event_ts,
        data,
        created_at
    FROM alerts`

	listRecentAlertsSQL = selectAlertColumns + `
    ORDER BY event_ts DESC
    LIMIT $1;`

	listAlertsBetweenSQL = selectAlertColumns + `
    WHERE event_ts >= $1
      AND event_ts < $2
    ORDER BY event_ts
    LIMIT $3;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE event_ts < $1;`

	getCheckpointSQL = `SELECT chain_id, last_block, updated_at
    FROM collector_checkpoints
    WHERE chain_id = $1;`

	upsertCheckpointSQL = `INSERT INTO collector_checkpoints (chain_id, last_block, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (chain_id) DO UPDATE
    SET last_block = EXCLUDED.last_block,
        updated_at = EXCLUDED.updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// CheckpointStore persists collector progress per chain.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, chainID uint64) (Checkpoint, bool, error)
	SetCheckpoint(ctx context.Context, chainID, block uint64) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alerts and collector checkpoints.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordAlert persists an alert emitted by the pipeline; duplicates are ignored.
func (s *Store) RecordAlert(ctx context.Context, alert alerting.Alert) error {
	rec, err := RecordFromAlert(alert)
	if err != nil {
		return err
	}
	_, err = s.InsertAlert(ctx, rec)
	return err
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.Detector,
		alert.EntityKey,
		alert.Severity,
		alert.Title,
		alert.Message,
		int64(alert.ChainID),
		alert.TxHash,
		int64(alert.BlockNumber),
		alert.TokenSymbol,
		alert.Amount.String(),
		alert.EventTS,
		[]byte(alert.Data),
	)

	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert, nil
		}
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, nil
}

// ListRecentAlerts lists most recent alerts by event time.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts whose event time falls in [from, to).
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	return collectAlerts(rows, 0)
}

// DeleteAlertsBefore deletes historical alerts and reports how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// GetCheckpoint returns the stored checkpoint of a chain, if any.
func (s *Store) GetCheckpoint(ctx context.Context, chainID uint64) (Checkpoint, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Checkpoint{}, false, err
	}

	var id, block int64
	var cp Checkpoint
	scanErr := pool.QueryRow(ctx, getCheckpointSQL, int64(chainID)).Scan(&id, &block, &cp.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if scanErr != nil {
		return Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", scanErr)
	}
	cp.ChainID = uint64(id)
	cp.LastBlock = uint64(block)
	return cp, true, nil
}

// SetCheckpoint records block as the last processed block of a chain.
func (s *Store) SetCheckpoint(ctx context.Context, chainID, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertCheckpointSQL, int64(chainID), int64(block)); execErr != nil {
		return fmt.Errorf("set checkpoint: %w", execErr)
	}
	return nil
}

func collectAlerts(rows pgx.Rows, capacity int) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec       AlertRecord
		chainID   int64
		block     int64
		amountStr string
		data      []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.Detector,
		&rec.EntityKey,
		&rec.Severity,
		&rec.Title,
		&rec.Message,
		&chainID,
		&rec.TxHash,
		&block,
		&rec.TokenSymbol,
		&amountStr,
		&rec.EventTS,
		&data,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse alert amount: %w", err)
	}
	rec.Amount = amount
	rec.ChainID = uint64(chainID)
	rec.BlockNumber = uint64(block)
	rec.Data = data
	return rec, nil
}

var (
	_ AlertStore        = (*Store)(nil)
	_ CheckpointStore   = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
	_ alerting.Recorder = (*Store)(nil)
)
