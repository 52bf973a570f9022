package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/idempotency"
	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/retry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Each connection to :memory: is a separate database, so pin one
	// connection for the life of the store.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		return &SQLiteStore{cfg: cfg}, nil
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Writers take the lock at BEGIN so compare-and-swap transactions
	// serialize instead of failing on lock upgrade.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateDeployment implements engine.DeploymentStore. The record and its
// initial history are written in one transaction.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, rec *engine.DeploymentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO deployments (
			id, operation_type, correlation_id, current_state, payload,
			tx_hash, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.OperationType,
		rec.CorrelationID,
		string(rec.CurrentState),
		nullableJSON(rec.Payload),
		rec.TxHash,
		rec.LastError,
		toUnix(rec.CreatedAt),
		toUnix(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s: %w", rec.ID, engine.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	for _, entry := range rec.StatusHistory {
		if err := insertTransition(ctx, tx, rec.ID, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deployment: %w", err)
	}
	return nil
}

// GetDeployment implements engine.DeploymentStore.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.DeploymentRecord, error) {
	query := `
		SELECT id, operation_type, correlation_id, current_state, payload,
		       tx_hash, last_error, created_at, updated_at
		FROM deployments
		WHERE id = ?
	`

	rec, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	if rec.StatusHistory, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendTransition implements engine.DeploymentStore.
func (s *SQLiteStore) AppendTransition(ctx context.Context, id string, u engine.TransitionUpdate) (*engine.DeploymentRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT current_state FROM deployments WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment state: %w", err)
	}
	if lifecycle.State(current) != u.Entry.From {
		return nil, fmt.Errorf("deployment %s is %s, not %s: %w", id, current, u.Entry.From, engine.ErrStaleState)
	}

	entry := u.Entry
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM deployment_transitions WHERE deployment_id = ?`, id,
	).Scan(&entry.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to read history sequence: %w", err)
	}

	query := `
		UPDATE deployments
		SET current_state = ?,
		    updated_at = ?,
		    tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END,
		    last_error = CASE WHEN ? = '' THEN last_error ELSE ? END
		WHERE id = ? AND current_state = ?
	`

	result, err := tx.ExecContext(ctx, query,
		string(entry.To),
		toUnix(entry.OccurredAt),
		u.TxHash, u.TxHash,
		u.LastError, u.LastError,
		id,
		string(entry.From),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update deployment state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("deployment %s: %w", id, engine.ErrStaleState)
	}

	if err := insertTransition(ctx, tx, id, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return s.GetDeployment(ctx, id)
}

// ListDeployments implements engine.DeploymentStore.
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*engine.DeploymentRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, operation_type, correlation_id, current_state, payload,
		       tx_hash, last_error, created_at, updated_at
		FROM deployments
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	records := []*engine.DeploymentRecord{}
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	_ = rows.Close()

	// History is loaded after the cursor is closed so a single-connection
	// pool does not deadlock.
	for _, rec := range records {
		if rec.StatusHistory, err = s.loadHistory(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, id string) ([]lifecycle.TransitionEntry, error) {
	query := `
		SELECT sequence, from_state, to_state, reason, correlation_id, occurred_at
		FROM deployment_transitions
		WHERE deployment_id = ?
		ORDER BY sequence
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}
	defer rows.Close()

	history := []lifecycle.TransitionEntry{}
	for rows.Next() {
		var (
			entry    lifecycle.TransitionEntry
			from, to string
			at       int64
		)
		if err := rows.Scan(&entry.Sequence, &from, &to, &entry.Reason, &entry.CorrelationID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		entry.From, entry.To, entry.OccurredAt = lifecycle.State(from), lifecycle.State(to), fromUnix(at)
		history = append(history, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return history, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, id string, entry lifecycle.TransitionEntry) error {
	query := `
		INSERT INTO deployment_transitions (
			deployment_id, sequence, from_state, to_state, reason, correlation_id, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, query,
		id,
		entry.Sequence,
		string(entry.From),
		string(entry.To),
		entry.Reason,
		entry.CorrelationID,
		toUnix(entry.OccurredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s sequence %d: %w", id, entry.Sequence, engine.ErrStaleState)
		}
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*engine.DeploymentRecord, error) {
	var (
		rec                  engine.DeploymentRecord
		state                string
		payload              sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.OperationType,
		&rec.CorrelationID,
		&state,
		&payload,
		&rec.TxHash,
		&rec.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CurrentState = lifecycle.State(state)
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.CreatedAt, rec.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
	return &rec, nil
}

// TryGet implements idempotency.Store.
func (s *SQLiteStore) TryGet(ctx context.Context, key string) (idempotency.Record, bool, error) {
	query := `
		SELECT key, fingerprint, status_code, payload, created_at, expires_at
		FROM idempotency_records
		WHERE key = ?
	`

	var (
		rec                  idempotency.Record
		payload              sql.NullString
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.Fingerprint,
		&rec.Snapshot.StatusCode,
		&payload,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if payload.Valid {
		rec.Snapshot.Payload = json.RawMessage(payload.String)
	}
	rec.CreatedAt, rec.ExpiresAt = fromUnix(createdAt), fromUnix(expiresAt)
	return rec, true, nil
}

// TryInsertIfAbsent implements idempotency.Store. The conditional upsert
// only overwrites a row whose expiry is at or before now.
func (s *SQLiteStore) TryInsertIfAbsent(ctx context.Context, rec idempotency.Record, now time.Time) (idempotency.Record, bool, error) {
	query := `
		INSERT INTO idempotency_records (key, fingerprint, status_code, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status_code = excluded.status_code,
			payload     = excluded.payload,
			created_at  = excluded.created_at,
			expires_at  = excluded.expires_at
		WHERE idempotency_records.expires_at <= ?
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.Key,
		rec.Fingerprint,
		rec.Snapshot.StatusCode,
		nullableJSON(rec.Snapshot.Payload),
		toUnix(rec.CreatedAt),
		toUnix(rec.ExpiresAt),
		toUnix(now),
	)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		rec.Snapshot = rec.Snapshot.Clone()
		return rec, true, nil
	}

	existing, found, err := s.TryGet(ctx, rec.Key)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if !found {
		// Swept between the upsert and the read.
		return s.TryInsertIfAbsent(ctx, rec, now)
	}
	return existing, false, nil
}

// DeleteExpired implements idempotency.Store.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// Emit implements engine.TelemetrySink by appending the event to the audit
// trail.
func (s *SQLiteStore) Emit(ctx context.Context, ev engine.Event) error {
	markers, err := json.Marshal(ev.Markers)
	if err != nil {
		return fmt.Errorf("failed to encode stage markers: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, type, operation_type, correlation_id, idempotency_key, user_id,
			deployment_id, disposition, failure_kind, error_code, message,
			idempotency_hit, retry_policy, markers, duration_ns, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Type,
		ev.OperationType,
		ev.CorrelationID,
		ev.IdempotencyKey,
		ev.UserID,
		ev.DeploymentID,
		string(ev.Disposition),
		string(ev.FailureKind),
		ev.ErrorCode,
		ev.Message,
		ev.IdempotencyHit,
		string(ev.RetryPolicy),
		string(markers),
		int64(ev.Duration),
		toUnix(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents lists audit events with optional filters and pagination,
// newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter, limit, offset int) ([]engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, type, operation_type, correlation_id, idempotency_key, user_id,
		       deployment_id, disposition, failure_kind, error_code, message,
		       idempotency_hit, retry_policy, markers, duration_ns, timestamp
		FROM audit_events
		WHERE (? = '' OR correlation_id = ?)
		  AND (? = '' OR operation_type = ?)
		  AND (? = '' OR deployment_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.CorrelationID, filter.CorrelationID,
		filter.OperationType, filter.OperationType,
		filter.DeploymentID, filter.DeploymentID,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			ev                               engine.Event
			disposition, failureKind, policy string
			markers                          string
			durationNS, timestamp            int64
		)
		err := rows.Scan(
			&ev.ID,
			&ev.Type,
			&ev.OperationType,
			&ev.CorrelationID,
			&ev.IdempotencyKey,
			&ev.UserID,
			&ev.DeploymentID,
			&disposition,
			&failureKind,
			&ev.ErrorCode,
			&ev.Message,
			&ev.IdempotencyHit,
			&policy,
			&markers,
			&durationNS,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(markers), &ev.Markers); err != nil {
			return nil, fmt.Errorf("failed to decode stage markers for event %s: %w", ev.ID, err)
		}
		ev.Disposition = engine.Disposition(disposition)
		ev.FailureKind = engine.FailureKind(failureKind)
		ev.RetryPolicy = retry.Policy(policy)
		ev.Duration = time.Duration(durationNS)
		ev.Timestamp = fromUnix(timestamp)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
