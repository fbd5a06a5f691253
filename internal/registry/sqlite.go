package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/willynikes2/GenOS/internal/model"

	_ "modernc.org/sqlite"
)

const createEnvironmentsTableSQLite = `
CREATE TABLE IF NOT EXISTS environments (
    id             TEXT PRIMARY KEY,
    state          TEXT NOT NULL,
    owner          TEXT NOT NULL DEFAULT '',
    adapter        TEXT NOT NULL DEFAULT '',
    spec           TEXT NOT NULL,
    reservation_id TEXT NOT NULL DEFAULT '',
    host           TEXT NOT NULL DEFAULT '',
    runtime_handle TEXT NOT NULL DEFAULT '',
    session_token  TEXT NOT NULL DEFAULT '',
    last_error     TEXT NOT NULL DEFAULT '',
    retries        INTEGER NOT NULL DEFAULT 0,
    state_times    TEXT NOT NULL DEFAULT '{}',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
)`

const createEventsTableSQLite = `
CREATE TABLE IF NOT EXISTS events (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    environment_id TEXT NOT NULL,
    env_seq        INTEGER NOT NULL,
    from_state     TEXT NOT NULL,
    to_state       TEXT NOT NULL,
    actor          TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL
)`

const createEventsIndexSQLite = `
CREATE INDEX IF NOT EXISTS idx_events_env ON events (environment_id, env_seq)`

const createReservationsTableSQLite = `
CREATE TABLE IF NOT EXISTS reservations (
    id             TEXT PRIMARY KEY,
    environment_id TEXT NOT NULL,
    host           TEXT NOT NULL,
    cpu            INTEGER NOT NULL,
    memory_mb      INTEGER NOT NULL,
    disk_gb        INTEGER NOT NULL,
    gpu            INTEGER NOT NULL,
    created_at     DATETIME NOT NULL
)`

const envColumns = `id, state, owner, adapter, spec, reservation_id, host,
	runtime_handle, session_token, last_error, retries, state_times,
	created_at, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pool connection to ":memory:" opens its own empty database, so
	// in-memory stores must stay on a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{
		createEnvironmentsTableSQLite,
		createEventsTableSQLite,
		createEventsIndexSQLite,
		createReservationsTableSQLite,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateEnvironment inserts a new environment record.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *model.Environment) error {
	specJSON, err := encodeSpec(env.Spec)
	if err != nil {
		return err
	}
	timesJSON, err := encodeStateTimes(env.StateTimes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (
			id, state, owner, adapter, spec, reservation_id, host,
			runtime_handle, session_token, last_error, retries, state_times,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.State, env.Spec.Owner, env.Adapter, specJSON,
		env.ReservationID, env.Host, env.RuntimeHandle, env.SessionToken,
		env.LastError, env.Retries, timesJSON, env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

// scanEnvironment reads one environment row from a row scanner.
func scanEnvironment(scan func(dest ...any) error) (*model.Environment, error) {
	env := &model.Environment{}
	var owner, specJSON, timesJSON string
	if err := scan(
		&env.ID, &env.State, &owner, &env.Adapter, &specJSON,
		&env.ReservationID, &env.Host, &env.RuntimeHandle, &env.SessionToken,
		&env.LastError, &env.Retries, &timesJSON, &env.CreatedAt, &env.UpdatedAt,
	); err != nil {
		return nil, err
	}

	spec, err := decodeSpec(specJSON)
	if err != nil {
		return nil, err
	}
	env.Spec = spec
	times, err := decodeStateTimes(timesJSON)
	if err != nil {
		return nil, err
	}
	env.StateTimes = times
	return env, nil
}

// GetEnvironment retrieves an environment by ID.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*model.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envColumns+` FROM environments WHERE id = ?`, id)
	env, err := scanEnvironment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

// ListEnvironments returns a filtered, paginated list ordered by created_at
// DESC, along with the total count of matches.
func (s *SQLiteStore) ListEnvironments(ctx context.Context, f ListFilter) ([]*model.Environment, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := " WHERE 1=1"
	args := []any{}
	if f.Owner != "" {
		where += " AND owner = ?"
		args = append(args, f.Owner)
	}
	if f.State != "" {
		where += " AND state = ?"
		args = append(args, f.State)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM environments"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count environments: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+envColumns+` FROM environments`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []*model.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate environments: %w", err)
	}

	return envs, total, nil
}

// CompareAndSwapState implements the registry's single mutation path. See the
// Store interface for semantics.
func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, id, expected, next, actor, detail string, mutate Mutator) (*model.Environment, *model.Event, error) {
	if expected != next && !model.ValidTransition(expected, next) {
		return nil, nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, expected, next)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The guard update is the transaction's first statement, so the write
	// lock and the state check happen together. A losing racer matches zero
	// rows here.
	res, err := tx.ExecContext(ctx,
		"UPDATE environments SET updated_at = updated_at WHERE id = ? AND state = ?",
		id, expected,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("guard state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT state FROM environments WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read current state: %w", err)
		}
		return nil, nil, fmt.Errorf("%w: environment %s is %s, expected %s", ErrConflict, id, current, expected)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE id = ?`, id)
	env, err := scanEnvironment(row.Scan)
	if err != nil {
		return nil, nil, fmt.Errorf("read environment: %w", err)
	}

	now := time.Now().UTC()
	if mutate != nil {
		mutate(env)
	}
	env.State = next
	env.UpdatedAt = now
	if env.StateTimes == nil {
		env.StateTimes = make(map[string]time.Time)
	}
	if expected != next {
		env.StateTimes[next] = now
	}

	timesJSON, err := encodeStateTimes(env.StateTimes)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE environments SET state = ?, adapter = ?, reservation_id = ?,
			host = ?, runtime_handle = ?, session_token = ?, last_error = ?,
			retries = ?, state_times = ?, updated_at = ?
		 WHERE id = ?`,
		env.State, env.Adapter, env.ReservationID, env.Host,
		env.RuntimeHandle, env.SessionToken, env.LastError, env.Retries,
		timesJSON, env.UpdatedAt, id,
	); err != nil {
		return nil, nil, fmt.Errorf("update environment: %w", err)
	}

	var ev *model.Event
	if expected != next {
		var envSeq int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(env_seq), 0) + 1 FROM events WHERE environment_id = ?", id,
		).Scan(&envSeq); err != nil {
			return nil, nil, fmt.Errorf("next event seq: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (environment_id, env_seq, from_state, to_state, actor, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, envSeq, expected, next, actor, detail, now,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert event: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, nil, fmt.Errorf("event seq: %w", err)
		}
		ev = &model.Event{
			Seq:       seq,
			EnvID:     id,
			EnvSeq:    envSeq,
			From:      expected,
			To:        next,
			Actor:     actor,
			Detail:    detail,
			CreatedAt: now,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit swap: %w", err)
	}
	return env, ev, nil
}

// DeleteTerminalEnvironments removes terminated and failed records whose last
// update is older than cutoff. It returns the number of removed records.
func (s *SQLiteStore) DeleteTerminalEnvironments(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM environments WHERE state IN (?, ?) AND updated_at < ?",
		model.StateTerminated, model.StateFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal environments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// SaveReservation persists a reservation.
func (s *SQLiteStore) SaveReservation(ctx context.Context, r model.Reservation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations (id, environment_id, host, cpu, memory_mb, disk_gb, gpu, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EnvID, r.Host, r.CPU, r.MemoryMB, r.DiskGB, r.GPU, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// DeleteReservation removes a persisted reservation.
func (s *SQLiteStore) DeleteReservation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM reservations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

// ListReservations returns all persisted reservations.
func (s *SQLiteStore) ListReservations(ctx context.Context) ([]model.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, environment_id, host, cpu, memory_mb, disk_gb, gpu, created_at
		 FROM reservations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		if err := rows.Scan(&r.ID, &r.EnvID, &r.Host, &r.CPU, &r.MemoryMB, &r.DiskGB, &r.GPU, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

const eventColumns = "seq, environment_id, env_seq, from_state, to_state, actor, detail, created_at"

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.Seq, &e.EnvID, &e.EnvSeq, &e.From, &e.To, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// EventsAfter returns up to limit events with seq greater than afterSeq in
// commit order, optionally restricted to one environment.
func (s *SQLiteStore) EventsAfter(ctx context.Context, envID string, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 256
	}

	var rows *sql.Rows
	var err error
	if envID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE seq > ? AND environment_id = ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, envID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBefore returns up to limit events created before cutoff in commit
// order, for retention processing.
func (s *SQLiteStore) EventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE created_at < ? ORDER BY seq ASC LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query events before: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteEventsBefore removes events created before cutoff with seq at most
// upToSeq, returning the number removed.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time, upToSeq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < ? AND seq <= ?", cutoff, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// GetStats returns aggregate environment and event statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByState:   make(map[string]int),
		CountByAdapter: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM environments GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	arows, err := s.db.QueryContext(ctx,
		"SELECT adapter, COUNT(*) FROM environments WHERE adapter != '' GROUP BY adapter")
	if err != nil {
		return nil, fmt.Errorf("count by adapter: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var adapter string
		var n int
		if err := arows.Scan(&adapter, &n); err != nil {
			return nil, fmt.Errorf("scan adapter count: %w", err)
		}
		stats.CountByAdapter[adapter] = n
	}
	if err := arows.Err(); err != nil {
		return nil, fmt.Errorf("iterate adapter counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.Events); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	return stats, nil
}
