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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
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
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "audit_store").Logger(),
	}, nil
}

// Init opens the database and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

const requestColumns = `id, spec, state, reason, message, submitted_at, deadline, attempts,
	reservation_id, lease_token, lease_deadline, resources, updated_at, completed_at, released_at, version`

// CreateRequest inserts a new request record. A duplicate id is reported as
// a Conflict so intake can treat resubmission idempotently.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *alloc.Request) error {
	spec, resources, err := encodeRequest(req)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO requests (
			id, resource_type, spec, state, reason, message, submitted_at, deadline, attempts,
			reservation_id, lease_token, lease_deadline, resources, updated_at, completed_at, released_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		req.ID,
		req.Spec.Type,
		spec,
		req.State,
		req.Reason,
		req.Message,
		utc(req.SubmittedAt),
		utc(req.Deadline),
		req.Attempts,
		req.ReservationID,
		req.LeaseToken,
		utcPtr(req.LeaseDeadline),
		resources,
		utc(req.UpdatedAt),
		utcPtr(req.CompletedAt),
		utcPtr(req.ReleasedAt),
		req.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return alloc.NewConflict(fmt.Sprintf("request %s already exists", req.ID)).
				WithCode(alloc.CodeIdempotentReplay)
		}
		return alloc.NewStoreUnavailable("failed to create request", err)
	}

	return nil
}

// GetRequest retrieves a request by ID
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*alloc.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = ?`

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alloc.NewNotFound(fmt.Sprintf("request not found: %s", id))
	}
	if err != nil {
		return nil, alloc.NewStoreUnavailable("failed to get request", err)
	}

	return req, nil
}

// UpdateRequest overwrites the mutable fields of a request if the stored
// version is still req.Version, and bumps the version. A record changed since
// it was read is reported as a Conflict with code stale_write.
func (s *SQLiteStore) UpdateRequest(ctx context.Context, req *alloc.Request) error {
	_, resources, err := encodeRequest(req)
	if err != nil {
		return err
	}

	query := `
		UPDATE requests
		SET state = ?, reason = ?, message = ?, deadline = ?, attempts = ?,
		    reservation_id = ?, lease_token = ?, lease_deadline = ?, resources = ?,
		    updated_at = ?, completed_at = ?, released_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		req.State,
		req.Reason,
		req.Message,
		utc(req.Deadline),
		req.Attempts,
		req.ReservationID,
		req.LeaseToken,
		utcPtr(req.LeaseDeadline),
		resources,
		utc(req.UpdatedAt),
		utcPtr(req.CompletedAt),
		utcPtr(req.ReleasedAt),
		req.ID,
		req.Version,
	)
	if err != nil {
		return alloc.NewStoreUnavailable("failed to update request", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return alloc.NewStoreUnavailable("failed to get rows affected", err)
	}
	if rows == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, req.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return alloc.NewNotFound(fmt.Sprintf("request not found: %s", req.ID))
		}
		if err != nil {
			return alloc.NewStoreUnavailable("failed to check request", err)
		}
		return alloc.NewConflict(fmt.Sprintf("request %s changed since it was read", req.ID)).
			WithCode(alloc.CodeStaleWrite).
			WithOperation("update_request")
	}

	req.Version++
	return nil
}

// ListRequests lists requests in the given states, oldest first. An empty
// states slice lists every request.
func (s *SQLiteStore) ListRequests(ctx context.Context, states []alloc.State, limit, offset int) ([]*alloc.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	args := make([]any, 0, len(states)+2)
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY submitted_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, alloc.NewStoreUnavailable("failed to list requests", err)
	}
	defer rows.Close()

	requests := []*alloc.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}

	return requests, nil
}

// AppendEvent appends a lifecycle event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *RequestEvent) error {
	query := `
		INSERT INTO request_events (request_id, type, from_state, to_state, reason, reservation_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RequestID,
		event.Type,
		event.FromState,
		event.ToState,
		event.Reason,
		event.ReservationID,
		event.Level,
		event.Message,
		utc(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns a request's events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, requestID string) ([]*RequestEvent, error) {
	query := `
		SELECT id, request_id, type, from_state, to_state, reason, reservation_id, level, message, timestamp
		FROM request_events
		WHERE request_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*RequestEvent{}
	for rows.Next() {
		event := &RequestEvent{}
		err := rows.Scan(
			&event.ID,
			&event.RequestID,
			&event.Type,
			&event.FromState,
			&event.ToState,
			&event.Reason,
			&event.ReservationID,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EvictCompletedBefore deletes terminal requests completed before cutoff
// together with their events, and returns how many requests were removed.
func (s *SQLiteStore) EvictCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin eviction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cut := utc(cutoff)
	terminal := []any{alloc.StateFulfilled, alloc.StateTimedOut, alloc.StateFailed, cut}

	// Events of requests that were never stored, such as admission denials,
	// age out on their own timestamp.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM request_events
		WHERE request_id IN (
			SELECT id FROM requests
			WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		)
		OR (request_id NOT IN (SELECT id FROM requests) AND timestamp < ?)
	`, append(terminal, cut)...); err != nil {
		return 0, fmt.Errorf("failed to evict events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM requests
		WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`, terminal...)
	if err != nil {
		return 0, fmt.Errorf("failed to evict requests: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit eviction: %w", err)
	}
	return int(n), nil
}

// Subscriber returns an event subscriber that appends every request-scoped
// lifecycle event to the log.
func (s *SQLiteStore) Subscriber() telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		if e.RequestID == "" {
			return
		}
		err := s.AppendEvent(context.Background(), &RequestEvent{
			RequestID:     e.RequestID,
			Type:          e.Type,
			FromState:     alloc.State(e.FromState),
			ToState:       alloc.State(e.ToState),
			Reason:        e.Reason,
			ReservationID: e.ReservationID,
			Level:         e.Level,
			Message:       e.Message,
			Timestamp:     e.Timestamp,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("request_id", e.RequestID).Str("type", e.Type).Msg("Failed to record event")
		}
	}
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*alloc.Request, error) {
	var (
		req                                   alloc.Request
		spec, resources                       string
		leaseDeadline, completedAt, releasedAt sql.NullTime
	)
	err := row.Scan(
		&req.ID,
		&spec,
		&req.State,
		&req.Reason,
		&req.Message,
		&req.SubmittedAt,
		&req.Deadline,
		&req.Attempts,
		&req.ReservationID,
		&req.LeaseToken,
		&leaseDeadline,
		&resources,
		&req.UpdatedAt,
		&completedAt,
		&releasedAt,
		&req.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(spec), &req.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec of %s: %w", req.ID, err)
	}
	if err := json.Unmarshal([]byte(resources), &req.Resources); err != nil {
		return nil, fmt.Errorf("failed to decode resources of %s: %w", req.ID, err)
	}
	req.LeaseDeadline = timePtr(leaseDeadline)
	req.CompletedAt = timePtr(completedAt)
	req.ReleasedAt = timePtr(releasedAt)
	return &req, nil
}

func encodeRequest(req *alloc.Request) (spec, resources string, err error) {
	specJSON, err := json.Marshal(req.Spec)
	if err != nil {
		return "", "", alloc.NewInternal("failed to encode spec", err)
	}
	res := req.Resources
	if res == nil {
		res = []alloc.Resource{}
	}
	resJSON, err := json.Marshal(res)
	if err != nil {
		return "", "", alloc.NewInternal("failed to encode resources", err)
	}
	return string(specJSON), string(resJSON), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
