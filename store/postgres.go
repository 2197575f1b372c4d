package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	method          TEXT NOT NULL,
	headers         JSONB NOT NULL DEFAULT '{}',
	body            BYTEA,
	priority        INT NOT NULL DEFAULT 50,
	max_retries     INT NOT NULL DEFAULT 3,
	timeout_ms      BIGINT NOT NULL DEFAULT 30000,
	scheduled_for   TIMESTAMPTZ,
	metadata        JSONB,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INT NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	next_retry_at   TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	last_error      TEXT,
	response        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests (status);
CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests (created_at);
CREATE INDEX IF NOT EXISTS idx_requests_scheduled_for ON requests (scheduled_for)
	WHERE status IN ('pending', 'scheduled');

CREATE TABLE IF NOT EXISTS request_attempts (
	id               BIGSERIAL PRIMARY KEY,
	request_id       TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
	attempt_number   INT NOT NULL,
	status_code      INT,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	error            TEXT,
	response_headers JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_request_attempts_request_id ON request_attempts (request_id);

CREATE OR REPLACE FUNCTION requests_touch_updated_at() RETURNS TRIGGER AS $$
BEGIN
	NEW.updated_at = NOW();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_requests_updated_at ON requests;
CREATE TRIGGER trg_requests_updated_at
	BEFORE UPDATE ON requests
	FOR EACH ROW EXECUTE FUNCTION requests_touch_updated_at();
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same store
// methods work inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and bootstraps the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool, db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// Migrate applies the schema DDL. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaDDL)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const insertRequestSQL = `
	INSERT INTO requests (id, url, method, headers, body, priority, max_retries, timeout_ms,
		scheduled_for, metadata, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

func (s *PostgresStore) SaveRequest(ctx context.Context, r *Request) error {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var metadata []byte
	if r.Metadata != nil {
		if metadata, err = json.Marshal(r.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, insertRequestSQL,
		r.ID, r.URL, r.Method, headers, r.Body, r.Priority, r.MaxRetries, r.TimeoutMs,
		r.ScheduledFor, metadata, string(r.InitialStatus(time.Now())), r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) SaveRequestBatch(ctx context.Context, rs []*Request) error {
	return s.WithTransaction(ctx, func(tx Store) error {
		for _, r := range rs {
			if err := tx.SaveRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

const selectRequestSQL = `
	SELECT id, url, method, headers, body, priority, max_retries, timeout_ms,
		scheduled_for, metadata, status, attempts, last_attempt_at, next_retry_at,
		completed_at, last_error, response, created_at, updated_at
	FROM requests
`

func scanStoredRequest(row pgx.Row) (*StoredRequest, error) {
	var sr StoredRequest
	var headers, metadata, response []byte
	var lastError *string
	var status string

	err := row.Scan(
		&sr.ID, &sr.URL, &sr.Method, &headers, &sr.Body, &sr.Priority, &sr.MaxRetries,
		&sr.TimeoutMs, &sr.ScheduledFor, &metadata, &status, &sr.Attempts,
		&sr.LastAttemptAt, &sr.NextRetryAt, &sr.CompletedAt, &lastError, &response,
		&sr.CreatedAt, &sr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sr.Status = Status(status)
	if lastError != nil {
		sr.Error = *lastError
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sr.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sr.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(response) > 0 {
		sr.Response = &ResponseSummary{}
		if err := json.Unmarshal(response, sr.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return &sr, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*StoredRequest, error) {
	row := s.db.QueryRow(ctx, selectRequestSQL+` WHERE id = $1`, id)
	sr, err := scanStoredRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sr, err
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, status Status, patch StatePatch) error {
	set := []string{"status = $2"}
	args := []any{id, string(status)}
	n := 3

	add := func(expr string, val any) {
		set = append(set, fmt.Sprintf(expr, n))
		args = append(args, val)
		n++
	}

	if patch.Attempts != nil {
		// attempts never regresses
		add("attempts = GREATEST(attempts, $%d)", *patch.Attempts)
		if *patch.Attempts == 0 {
			// explicit reset path (retry-dead)
			set[len(set)-1] = fmt.Sprintf("attempts = $%d", n-1)
		}
	}
	if patch.LastAttemptAt != nil {
		add("last_attempt_at = $%d", *patch.LastAttemptAt)
	}
	if patch.NextRetryAt != nil {
		add("next_retry_at = $%d", *patch.NextRetryAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at = $%d", *patch.CompletedAt)
	}
	if patch.Error != nil {
		add("last_error = $%d", *patch.Error)
	}
	if patch.Response != nil {
		data, err := json.Marshal(patch.Response)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		add("response = $%d", data)
	}
	if patch.ClearError {
		set = append(set, "last_error = NULL")
	}
	if patch.ClearNextRetry {
		set = append(set, "next_retry_at = NULL")
	}

	query := "UPDATE requests SET " + joinSet(set) + " WHERE id = $1"
	for _, st := range patch.UnlessStatus {
		query += fmt.Sprintf(" AND status <> $%d", n)
		args = append(args, string(st))
		n++
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, gerr := s.GetRequest(ctx, id)
		if gerr != nil {
			return gerr
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrSuperseded
	}
	return nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func (s *PostgresStore) LogAttempt(ctx context.Context, id string, attemptNumber int, out AttemptOutcome) error {
	var headers []byte
	if out.ResponseHeaders != nil {
		var err error
		if headers, err = json.Marshal(out.ResponseHeaders); err != nil {
			return fmt.Errorf("marshal response headers: %w", err)
		}
	}
	var statusCode *int
	if out.StatusCode != 0 {
		statusCode = &out.StatusCode
	}
	var attemptErr *string
	if out.Error != "" {
		attemptErr = &out.Error
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO request_attempts (request_id, attempt_number, status_code, duration_ms, error, response_headers)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, attemptNumber, statusCode, out.DurationMs, attemptErr, headers)
	return err
}

func (s *PostgresStore) GetAttempts(ctx context.Context, id string) ([]*Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT request_id, attempt_number, status_code, duration_ms, error, response_headers, created_at
		FROM request_attempts WHERE request_id = $1 ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var statusCode *int
		var attemptErr *string
		var headers []byte
		if err := rows.Scan(&a.RequestID, &a.AttemptNumber, &statusCode, &a.DurationMs,
			&attemptErr, &headers, &a.CreatedAt); err != nil {
			return nil, err
		}
		if statusCode != nil {
			a.StatusCode = *statusCode
		}
		if attemptErr != nil {
			a.Error = *attemptErr
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &a.ResponseHeaders); err != nil {
				return nil, fmt.Errorf("unmarshal response headers: %w", err)
			}
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) GetRequestsByStatus(ctx context.Context, q ListQuery) ([]*StoredRequest, error) {
	query := selectRequestSQL + " WHERE 1=1"
	var args []any
	n := 1

	if q.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(q.Status))
		n++
	}
	if q.Host != "" {
		query += fmt.Sprintf(" AND url LIKE $%d", n)
		args = append(args, "%"+q.Host+"%")
		n++
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, q.Limit)
		n++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, q.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredRequest
	for rows.Next() {
		sr, err := scanStoredRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = count
		case StatusScheduled:
			st.Scheduled = count
		case StatusProcessing:
			st.Processing = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		case StatusDead:
			st.Dead = count
		case StatusCancelled:
			st.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(AVG(duration_ms), 0), COUNT(*) FROM request_attempts
	`).Scan(&st.AvgProcessingMs, &st.RecordedAttempts)
	if err != nil {
		return nil, err
	}

	finished := st.Completed + st.Failed + st.Dead
	if finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	return &st, nil
}

func (s *PostgresStore) cleanup(ctx context.Context, status Status, days int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM requests WHERE status = $1 AND updated_at < NOW() - ($2::INT * INTERVAL '1 day')
	`, string(status), days)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CleanupCompleted(ctx context.Context, days int) (int64, error) {
	return s.cleanup(ctx, StatusCompleted, days)
}

func (s *PostgresStore) CleanupDead(ctx context.Context, days int) (int64, error) {
	return s.cleanup(ctx, StatusDead, days)
}

// WithTransaction runs fn against a serializable transaction-bound view of
// the store. The nested view must not be retained after fn returns.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// already inside a transaction; run in place
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
