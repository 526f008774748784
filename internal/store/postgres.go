package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS synthesis_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text_content TEXT NOT NULL,
			content_fingerprint TEXT NOT NULL,
			request_fingerprint TEXT NOT NULL,
			voice_id TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			stability DOUBLE PRECISION NOT NULL DEFAULT 0,
			similarity_boost DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			storage_path TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			credits_charged INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			deferred BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ NULL,
			last_accessed_at TIMESTAMPTZ NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_synthesis_requests_user_fingerprint
			ON synthesis_requests (user_id, request_fingerprint);`,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text_content TEXT NOT NULL,
			status TEXT NOT NULL,
			total_chunks INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS batch_chunks (
			job_id TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			text_content TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (job_id, chunk_index)
		);`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			user_id TEXT NOT NULL,
			month TEXT NOT NULL,
			characters BIGINT NOT NULL DEFAULT 0,
			request_count BIGINT NOT NULL DEFAULT 0,
			conversation_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
			conversation_count BIGINT NOT NULL DEFAULT 0,
			credits BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, month)
		);`,
		`CREATE TABLE IF NOT EXISTS applied_usage_deltas (
			apply_key TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			processed_at TIMESTAMPTZ NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS provider_voices (
			voice_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS provider_agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const requestColumns = `id, user_id, text_content, content_fingerprint, request_fingerprint,
	voice_id, model_id, stability, similarity_boost, status, storage_path,
	duration_seconds, credits_charged, error_detail, retry_count, deferred,
	created_at, processed_at, last_accessed_at`

func (s *PostgresStore) CreateSynthesisRequest(ctx context.Context, req *SynthesisRequest) (*SynthesisRequest, bool, error) {
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := req.Status
	if status == "" {
		status = StatusPending
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO synthesis_requests (
			id, user_id, text_content, content_fingerprint, request_fingerprint,
			voice_id, model_id, stability, similarity_boost, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (user_id, request_fingerprint) DO NOTHING`,
		req.ID, req.UserID, req.Text, req.ContentFingerprint, req.RequestFingerprint,
		req.VoiceID, req.ModelID, req.Stability, req.SimilarityBoost, string(status), createdAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert synthesis request: %w", err)
	}
	created := tag.RowsAffected() == 1

	row, err := s.GetSynthesisRequest(ctx, req.UserID, req.RequestFingerprint)
	if err != nil {
		return nil, false, err
	}
	return row, created, nil
}

func (s *PostgresStore) GetSynthesisRequest(ctx context.Context, userID, requestFingerprint string) (*SynthesisRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM synthesis_requests
		  WHERE user_id=$1 AND request_fingerprint=$2`,
		userID, requestFingerprint,
	)
	return scanRequest(row)
}

func (s *PostgresStore) LookupCompleted(ctx context.Context, userID, requestFingerprint string) (*SynthesisRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM synthesis_requests
		  WHERE user_id=$1 AND request_fingerprint=$2 AND status=$3`,
		userID, requestFingerprint, string(StatusCompleted),
	)
	return scanRequest(row)
}

func (s *PostgresStore) TouchLastAccessed(ctx context.Context, id string) error {
	return s.exec(ctx,
		`UPDATE synthesis_requests SET last_accessed_at=NOW() WHERE id=$1`, id)
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx,
		`UPDATE synthesis_requests SET status=$1 WHERE id=$2 AND status=$3`,
		string(StatusProcessing), id, string(StatusPending))
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id, storagePath string, durationSeconds float64, credits int) error {
	return s.transition(ctx,
		`UPDATE synthesis_requests
		    SET status=$1, storage_path=$2, duration_seconds=$3, credits_charged=$4, processed_at=NOW()
		  WHERE id=$5 AND status=$6`,
		string(StatusCompleted), storagePath, durationSeconds, credits, id, string(StatusProcessing))
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errorDetail string, retryCount int) error {
	return s.transition(ctx,
		`UPDATE synthesis_requests
		    SET status=$1, error_detail=$2, retry_count=$3, processed_at=NOW()
		  WHERE id=$4 AND status IN ($5,$6)`,
		string(StatusFailed), errorDetail, retryCount, id, string(StatusPending), string(StatusProcessing))
}

func (s *PostgresStore) MarkDeferred(ctx context.Context, id string) error {
	return s.transition(ctx,
		`UPDATE synthesis_requests SET deferred=TRUE WHERE id=$1 AND status=$2`,
		id, string(StatusPending))
}

func (s *PostgresStore) ReopenFailed(ctx context.Context, id string) error {
	return s.transition(ctx,
		`UPDATE synthesis_requests
		    SET status=$1, storage_path='', duration_seconds=0, credits_charged=0,
		        error_detail='', retry_count=0, deferred=FALSE, processed_at=NULL,
		        created_at=NOW()
		  WHERE id=$2 AND status=$3`,
		string(StatusPending), id, string(StatusFailed))
}

func (s *PostgresStore) FailStaleProcessing(ctx context.Context, horizon time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE synthesis_requests
		    SET status=$1, error_detail='abandoned by crashed invocation', processed_at=NOW()
		  WHERE status=$2 AND created_at < NOW() - $3::interval`,
		string(StatusFailed), string(StatusProcessing), fmt.Sprintf("%d seconds", int(horizon.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("fail stale processing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateBatchJob(ctx context.Context, job *BatchJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO batch_jobs (id, user_id, text_content, status, total_chunks, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		job.ID, job.UserID, job.Text, string(job.Status), job.TotalChunks, createdAt)
	if err != nil {
		return fmt.Errorf("insert batch job: %w", err)
	}
	for _, chunk := range job.Chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO batch_chunks (job_id, chunk_index, text_content, request_id)
			 VALUES ($1,$2,$3,$4)`,
			job.ID, chunk.Index, chunk.Text, chunk.RequestID)
		if err != nil {
			return fmt.Errorf("insert batch chunk %d: %w", chunk.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatchJob(ctx context.Context, userID, id string) (*BatchJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, text_content, status, total_chunks, created_at, updated_at
		   FROM batch_jobs WHERE id=$1 AND user_id=$2`,
		id, userID)

	var job BatchJob
	var status string
	if err := row.Scan(&job.ID, &job.UserID, &job.Text, &status, &job.TotalChunks, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	job.Status = BatchJobStatus(status)

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_index, text_content, request_id FROM batch_chunks
		  WHERE job_id=$1 ORDER BY chunk_index ASC`,
		id)
	if err != nil {
		return nil, fmt.Errorf("list batch chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chunk BatchChunk
		if err := rows.Scan(&chunk.Index, &chunk.Text, &chunk.RequestID); err != nil {
			return nil, fmt.Errorf("scan batch chunk: %w", err)
		}
		job.Chunks = append(job.Chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch chunks: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, userID, month string) (Usage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT characters, request_count, conversation_minutes, conversation_count, credits
		   FROM usage_counters WHERE user_id=$1 AND month=$2`,
		userID, month)

	u := Usage{UserID: userID, Month: month}
	err := row.Scan(&u.Characters, &u.RequestCount, &u.ConversationMinutes, &u.ConversationCount, &u.Credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Absent counter means zero usage this month.
			return u, nil
		}
		return Usage{}, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

const upsertUsageSQL = `INSERT INTO usage_counters (user_id, month, characters, request_count, conversation_minutes, conversation_count, credits)
	 VALUES ($1,$2,$3,$4,$5,$6,$7)
	 ON CONFLICT (user_id, month) DO UPDATE SET
		characters = usage_counters.characters + EXCLUDED.characters,
		request_count = usage_counters.request_count + EXCLUDED.request_count,
		conversation_minutes = usage_counters.conversation_minutes + EXCLUDED.conversation_minutes,
		conversation_count = usage_counters.conversation_count + EXCLUDED.conversation_count,
		credits = usage_counters.credits + EXCLUDED.credits`

// AddUsage is a single-statement upsert so the increment happens inside the
// datastore; concurrent increments are additive and never lost.
func (s *PostgresStore) AddUsage(ctx context.Context, userID, month string, delta UsageDelta) error {
	_, err := s.pool.Exec(ctx, upsertUsageSQL,
		userID, month, delta.Characters, delta.RequestCount, delta.ConversationMinutes, delta.ConversationCount, delta.Credits)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// AddUsageOnce records the apply key and moves the counter in one transaction,
// so a redelivered event finds the key and skips the increment.
func (s *PostgresStore) AddUsageOnce(ctx context.Context, applyKey, userID, month string, delta UsageDelta) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO applied_usage_deltas (apply_key, applied_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (apply_key) DO NOTHING`,
		applyKey)
	if err != nil {
		return false, fmt.Errorf("record usage apply key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, upsertUsageSQL,
		userID, month, delta.Characters, delta.RequestCount, delta.ConversationMinutes, delta.ConversationCount, delta.Credits)
	if err != nil {
		return false, fmt.Errorf("add usage once: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload, created_at)
		 VALUES ($1,$2,$3,$4)`,
		ev.EventID, ev.Type, ev.Payload, createdAt)
	if err != nil {
		// Unique violation means the event id was already seen; the insert
		// must fail distinctly rather than overwrite.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, payload, processed_at, retry_count, last_error, created_at
		   FROM webhook_events WHERE event_id=$1`,
		eventID)
	var ev WebhookEvent
	if err := row.Scan(&ev.EventID, &ev.Type, &ev.Payload, &ev.ProcessedAt, &ev.RetryCount, &ev.LastError, &ev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, eventID string) error {
	return s.exec(ctx,
		`UPDATE webhook_events SET processed_at=NOW() WHERE event_id=$1`, eventID)
}

func (s *PostgresStore) RecordWebhookFailure(ctx context.Context, eventID, lastError string) error {
	return s.exec(ctx,
		`UPDATE webhook_events SET retry_count = retry_count + 1, last_error=$2 WHERE event_id=$1`,
		eventID, lastError)
}

func (s *PostgresStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (conversation_id, user_id, agent_id, transcript, duration_seconds, updated_at)
		 VALUES ($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT (conversation_id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			agent_id=EXCLUDED.agent_id,
			transcript=EXCLUDED.transcript,
			duration_seconds=EXCLUDED.duration_seconds,
			updated_at=NOW()`,
		c.ConversationID, c.UserID, c.AgentID, c.Transcript, c.DurationSeconds)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertVoice(ctx context.Context, v *VoiceRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_voices (voice_id, name, category, updated_at)
		 VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (voice_id) DO UPDATE SET
			name=EXCLUDED.name, category=EXCLUDED.category, updated_at=NOW()`,
		v.VoiceID, v.Name, v.Category)
	if err != nil {
		return fmt.Errorf("upsert voice: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *AgentRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_agents (agent_id, name, updated_at)
		 VALUES ($1,$2,NOW())
		 ON CONFLICT (agent_id) DO UPDATE SET name=EXCLUDED.name, updated_at=NOW()`,
		a.AgentID, a.Name)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) transition(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("exec transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or it is not in the required prior state.
		return ErrInvalidTransition
	}
	return nil
}

func scanRequest(row pgx.Row) (*SynthesisRequest, error) {
	var (
		r      SynthesisRequest
		status string
	)
	if err := row.Scan(
		&r.ID, &r.UserID, &r.Text, &r.ContentFingerprint, &r.RequestFingerprint,
		&r.VoiceID, &r.ModelID, &r.Stability, &r.SimilarityBoost, &status, &r.StoragePath,
		&r.DurationSeconds, &r.CreditsCharged, &r.ErrorDetail, &r.RetryCount, &r.Deferred,
		&r.CreatedAt, &r.ProcessedAt, &r.LastAccessedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan synthesis request: %w", err)
	}
	r.Status = RequestStatus(status)
	return &r, nil
}
