package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps all rows in process memory. It exists for tests and for
// running the service without a DATABASE_URL; semantics match PostgresStore.
type MemoryStore struct {
	mu            sync.Mutex
	requests      map[string]*SynthesisRequest // id -> row
	byFingerprint map[string]string            // userID+"\x00"+fingerprint -> id
	jobs          map[string]*BatchJob
	usage         map[string]*Usage   // userID+"\x00"+month
	appliedDeltas map[string]struct{} // AddUsageOnce keys
	events        map[string]*WebhookEvent
	conversations map[string]*Conversation
	voices        map[string]*VoiceRef
	agents        map[string]*AgentRef
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*SynthesisRequest),
		byFingerprint: make(map[string]string),
		jobs:          make(map[string]*BatchJob),
		usage:         make(map[string]*Usage),
		appliedDeltas: make(map[string]struct{}),
		events:        make(map[string]*WebhookEvent),
		conversations: make(map[string]*Conversation),
		voices:        make(map[string]*VoiceRef),
		agents:        make(map[string]*AgentRef),
	}
}

func fpKey(userID, fingerprint string) string { return userID + "\x00" + fingerprint }

func (s *MemoryStore) CreateSynthesisRequest(_ context.Context, req *SynthesisRequest) (*SynthesisRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fpKey(req.UserID, req.RequestFingerprint)
	if id, ok := s.byFingerprint[key]; ok {
		existing := cloneRequest(s.requests[id])
		return existing, false, nil
	}
	row := cloneRequest(req)
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.requests[row.ID] = row
	s.byFingerprint[key] = row.ID
	return cloneRequest(row), true, nil
}

func (s *MemoryStore) GetSynthesisRequest(_ context.Context, userID, requestFingerprint string) (*SynthesisRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFingerprint[fpKey(userID, requestFingerprint)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(s.requests[id]), nil
}

func (s *MemoryStore) LookupCompleted(_ context.Context, userID, requestFingerprint string) (*SynthesisRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFingerprint[fpKey(userID, requestFingerprint)]
	if !ok {
		return nil, ErrNotFound
	}
	row := s.requests[id]
	if row.Status != StatusCompleted {
		return nil, ErrNotFound
	}
	return cloneRequest(row), nil
}

func (s *MemoryStore) TouchLastAccessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	row.LastAccessedAt = &now
	return nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if row.Status != StatusPending {
		return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, row.Status)
	}
	row.Status = StatusProcessing
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id, storagePath string, durationSeconds float64, credits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if row.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, row.Status)
	}
	now := time.Now().UTC()
	row.Status = StatusCompleted
	row.StoragePath = storagePath
	row.DurationSeconds = durationSeconds
	row.CreditsCharged = credits
	row.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errorDetail string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if row.Status != StatusProcessing && row.Status != StatusPending {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, row.Status)
	}
	now := time.Now().UTC()
	row.Status = StatusFailed
	row.ErrorDetail = errorDetail
	row.RetryCount = retryCount
	row.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) MarkDeferred(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if row.Status != StatusPending {
		return fmt.Errorf("%w: %s -> deferred", ErrInvalidTransition, row.Status)
	}
	row.Deferred = true
	return nil
}

func (s *MemoryStore) ReopenFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if row.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> pending", ErrInvalidTransition, row.Status)
	}
	row.Status = StatusPending
	row.StoragePath = ""
	row.DurationSeconds = 0
	row.CreditsCharged = 0
	row.ErrorDetail = ""
	row.RetryCount = 0
	row.Deferred = false
	row.ProcessedAt = nil
	row.CreatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailStaleProcessing(_ context.Context, horizon time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-horizon)
	n := 0
	for _, row := range s.requests {
		if row.Status == StatusProcessing && row.CreatedAt.Before(cutoff) {
			now := time.Now().UTC()
			row.Status = StatusFailed
			row.ErrorDetail = "abandoned by crashed invocation"
			row.ProcessedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateBatchJob(_ context.Context, job *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("batch job %s already exists", job.ID)
	}
	cp := *job
	cp.Chunks = append([]BatchChunk(nil), job.Chunks...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBatchJob(_ context.Context, userID, id string) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *job
	cp.Chunks = append([]BatchChunk(nil), job.Chunks...)
	return &cp, nil
}

func (s *MemoryStore) GetUsage(_ context.Context, userID, month string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[fpKey(userID, month)]; ok {
		return *u, nil
	}
	return Usage{UserID: userID, Month: month}, nil
}

func (s *MemoryStore) AddUsage(_ context.Context, userID, month string, delta UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addUsageLocked(userID, month, delta)
	return nil
}

func (s *MemoryStore) AddUsageOnce(_ context.Context, applyKey, userID, month string, delta UsageDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appliedDeltas[applyKey]; ok {
		return false, nil
	}
	s.appliedDeltas[applyKey] = struct{}{}
	s.addUsageLocked(userID, month, delta)
	return true, nil
}

func (s *MemoryStore) addUsageLocked(userID, month string, delta UsageDelta) {
	key := fpKey(userID, month)
	u, ok := s.usage[key]
	if !ok {
		u = &Usage{UserID: userID, Month: month}
		s.usage[key] = u
	}
	u.Characters += delta.Characters
	u.RequestCount += delta.RequestCount
	u.ConversationMinutes += delta.ConversationMinutes
	u.ConversationCount += delta.ConversationCount
	u.Credits += delta.Credits
}

func (s *MemoryStore) InsertWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.EventID]; ok {
		return ErrDuplicateEvent
	}
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events[ev.EventID] = &cp
	return nil
}

func (s *MemoryStore) GetWebhookEvent(_ context.Context, eventID string) (*WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	return &cp, nil
}

func (s *MemoryStore) MarkWebhookProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	ev.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) RecordWebhookFailure(_ context.Context, eventID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.RetryCount++
	ev.LastError = lastError
	return nil
}

func (s *MemoryStore) UpsertConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	s.conversations[c.ConversationID] = &cp
	return nil
}

func (s *MemoryStore) UpsertVoice(_ context.Context, v *VoiceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	cp.UpdatedAt = time.Now().UTC()
	s.voices[v.VoiceID] = &cp
	return nil
}

func (s *MemoryStore) UpsertAgent(_ context.Context, a *AgentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	s.agents[a.AgentID] = &cp
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRequest(r *SynthesisRequest) *SynthesisRequest {
	cp := *r
	return &cp
}

// GetConversation and GetVoice are test hooks; PostgresStore has no need for
// them because handlers only ever upsert.
func (s *MemoryStore) GetConversation(conversationID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (s *MemoryStore) GetVoice(voiceID string) (*VoiceRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[voiceID]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}
