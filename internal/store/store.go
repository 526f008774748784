// Package store persists synthesis requests, batch jobs, usage counters and
// webhook events. PostgresStore is the production implementation; MemoryStore
// mirrors its semantics for tests and keyless local runs.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateEvent is returned when a webhook event id was already
	// recorded. Callers use it to short-circuit idempotent redeliveries.
	ErrDuplicateEvent = errors.New("store: duplicate event id")
	// ErrInvalidTransition is returned when a lifecycle update would move a
	// request out of a terminal state or skip a state.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// SynthesisRequest is one row per distinct (text, voice, params) combination
// attempted by a user. The request fingerprint is unique per user.
type SynthesisRequest struct {
	ID                 string
	UserID             string
	Text               string
	ContentFingerprint string
	RequestFingerprint string
	VoiceID            string
	ModelID            string
	Stability          float64
	SimilarityBoost    float64
	Status             RequestStatus
	StoragePath        string
	DurationSeconds    float64
	CreditsCharged     int
	ErrorDetail        string
	RetryCount         int
	Deferred           bool
	CreatedAt          time.Time
	ProcessedAt        *time.Time
	LastAccessedAt     *time.Time
}

type BatchJobStatus string

const (
	BatchStatusPending    BatchJobStatus = "pending"
	BatchStatusProcessing BatchJobStatus = "processing"
	BatchStatusCompleted  BatchJobStatus = "completed"
	BatchStatusFailed     BatchJobStatus = "failed"
)

// BatchChunk is one ordered segment of an oversized submission. RequestID is
// empty until an out-of-band worker resolves the chunk to a synthesis row.
type BatchChunk struct {
	Index     int
	Text      string
	RequestID string
}

type BatchJob struct {
	ID          string
	UserID      string
	Text        string
	Status      BatchJobStatus
	TotalChunks int
	Chunks      []BatchChunk
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MonthKey formats the calendar-month key used by usage counters.
func MonthKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// Usage is the per-(user, calendar month) counter row. Month is "YYYY-MM".
type Usage struct {
	UserID              string
	Month               string
	Characters          int64
	RequestCount        int64
	ConversationMinutes float64
	ConversationCount   int64
	Credits             int64
}

// UsageDelta is an additive increment applied atomically at the datastore.
type UsageDelta struct {
	Characters          int64
	RequestCount        int64
	ConversationMinutes float64
	ConversationCount   int64
	Credits             int64
}

type WebhookEvent struct {
	EventID     string
	Type        string
	Payload     []byte
	ProcessedAt *time.Time
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
}

// Conversation caches provider conversation state written by webhook handlers.
type Conversation struct {
	ConversationID  string
	UserID          string
	AgentID         string
	Transcript      string
	DurationSeconds float64
	UpdatedAt       time.Time
}

// VoiceRef and AgentRef cache provider-side resources so voice_changed /
// agent_changed events have an idempotent upsert target.
type VoiceRef struct {
	VoiceID   string
	Name      string
	Category  string
	UpdatedAt time.Time
}

type AgentRef struct {
	AgentID   string
	Name      string
	UpdatedAt time.Time
}

type Store interface {
	// CreateSynthesisRequest inserts a new request row, or resolves to the
	// existing row for the same (user, request fingerprint). The bool reports
	// whether a new row was created.
	CreateSynthesisRequest(ctx context.Context, req *SynthesisRequest) (*SynthesisRequest, bool, error)
	GetSynthesisRequest(ctx context.Context, userID, requestFingerprint string) (*SynthesisRequest, error)
	// LookupCompleted returns the completed row owned by userID for the given
	// request fingerprint, or ErrNotFound. It never has side effects.
	LookupCompleted(ctx context.Context, userID, requestFingerprint string) (*SynthesisRequest, error)
	TouchLastAccessed(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, storagePath string, durationSeconds float64, credits int) error
	MarkFailed(ctx context.Context, id, errorDetail string, retryCount int) error
	MarkDeferred(ctx context.Context, id string) error
	// ReopenFailed starts an explicit new attempt for a failed row. The
	// (user, fingerprint) key is unique, so the new attempt reuses the key
	// with a reset lifecycle rather than inserting a second row.
	ReopenFailed(ctx context.Context, id string) error
	// FailStaleProcessing fails out processing rows older than the horizon;
	// used by the janitor so crashed invocations do not pin rows forever.
	FailStaleProcessing(ctx context.Context, horizon time.Duration) (int, error)

	CreateBatchJob(ctx context.Context, job *BatchJob) error
	GetBatchJob(ctx context.Context, userID, id string) (*BatchJob, error)

	// GetUsage treats an absent counter as zero usage.
	GetUsage(ctx context.Context, userID, month string) (Usage, error)
	// AddUsage applies the delta with a datastore-level atomic increment so
	// no concurrent increment is lost.
	AddUsage(ctx context.Context, userID, month string, delta UsageDelta) error
	// AddUsageOnce applies the delta at most once per applyKey. Re-applying
	// the same key is a silent no-op; the bool reports whether this call
	// moved the counter.
	AddUsageOnce(ctx context.Context, applyKey, userID, month string, delta UsageDelta) (bool, error)

	// InsertWebhookEvent records a first-seen event, or ErrDuplicateEvent.
	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, eventID string) error
	// RecordWebhookFailure increments retry_count and stores the error while
	// leaving processed_at null so a redelivery can retry.
	RecordWebhookFailure(ctx context.Context, eventID, lastError string) error

	UpsertConversation(ctx context.Context, c *Conversation) error
	UpsertVoice(ctx context.Context, v *VoiceRef) error
	UpsertAgent(ctx context.Context, a *AgentRef) error

	Close() error
}
