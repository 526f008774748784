// Package pipeline implements the synthesis request path: quota guard, cache
// index, provider streaming with a caller/persistence tee, the background
// persistence worker, and the batch orchestrator for oversized inputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/blob"
	"github.com/speechgate/speechgate/internal/fingerprint"
	"github.com/speechgate/speechgate/internal/observability"
	"github.com/speechgate/speechgate/internal/provider"
	"github.com/speechgate/speechgate/internal/store"
)

// ErrEmptyText rejects requests with no synthesizable content.
var ErrEmptyText = errors.New("text is empty")

// SynthesisProvider is the upstream TTS boundary.
type SynthesisProvider interface {
	Stream(ctx context.Context, text, voiceID string, settings provider.Settings) (io.ReadCloser, error)
}

// Request is one caller-submitted synthesis.
type Request struct {
	UserID          string
	Text            string
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// Source distinguishes how audio for a request was obtained.
type Source string

const (
	SourceCache     Source = "cache"
	SourceGenerated Source = "generated"
)

// Result is the outcome of Synthesize. Exactly one of the three shapes is
// populated: audio (Audio or SignedURL set), batch acknowledgment (BatchJobID
// set), or deferral (Deferred true).
type Result struct {
	Source      Source
	Fingerprint string

	// Audio streams generated audio; nil on cache hits, where SignedURL
	// grants time-limited access to the stored object instead.
	Audio     io.ReadCloser
	SignedURL string
	// Persist resolves when the background persistence path finishes; nil
	// unless Source is SourceGenerated.
	Persist <-chan error

	BatchJobID  string
	TotalChunks int

	Deferred bool
}

// Config holds the pipeline tunables; all values must be positive.
type Config struct {
	MaxSyncChars      int
	MaxChunkChars     int
	RequestBudget     time.Duration
	BudgetReserve     time.Duration
	UploadMaxAttempts int
	UploadBackoffBase time.Duration
	UploadBackoffCap  time.Duration
	SignedURLTTL      time.Duration
	ProviderTimeout   time.Duration
	Limits            Limits
}

type Service struct {
	cfg      Config
	store    store.Store
	blob     blob.ObjectStore
	provider SynthesisProvider
	quota    *QuotaGuard
	metrics  *observability.Metrics
	log      *zap.Logger
	urlMemo  *gocache.Cache
	now      func() time.Time
}

func New(cfg Config, s store.Store, objects blob.ObjectStore, p SynthesisProvider, m *observability.Metrics, log *zap.Logger) *Service {
	memoTTL := cfg.SignedURLTTL / 2
	if memoTTL <= 0 {
		memoTTL = 5 * time.Minute
	}
	return &Service{
		cfg:      cfg,
		store:    s,
		blob:     objects,
		provider: p,
		quota:    NewQuotaGuard(s, cfg.Limits),
		metrics:  m,
		log:      log,
		urlMemo:  gocache.New(memoTTL, 10*time.Minute),
		now:      time.Now,
	}
}

// Synthesize runs the full synchronous path. started is the wall-clock
// receipt time used for execution-budget accounting.
func (s *Service) Synthesize(ctx context.Context, req Request, started time.Time) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	// Character accounting counts runes, not bytes; multi-byte text is not
	// charged for its encoding.
	textChars := utf8.RuneCountInString(text)

	if err := s.quota.Check(ctx, req.UserID, int64(textChars), 0); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			s.metrics.SynthesisRequests.WithLabelValues("quota_denied").Inc()
		}
		return nil, err
	}

	params := fingerprint.Params{
		ModelID:         req.ModelID,
		Stability:       req.Stability,
		SimilarityBoost: req.SimilarityBoost,
	}
	fp := fingerprint.Request(text, req.VoiceID, params)

	if hit, err := s.lookupCache(ctx, req.UserID, fp); err != nil {
		return nil, err
	} else if hit != nil {
		return hit, nil
	}

	if textChars > s.cfg.MaxSyncChars {
		return s.startBatch(ctx, req.UserID, text)
	}

	row, err := s.resolveRequestRow(ctx, req, text, fp)
	if err != nil {
		return nil, err
	}
	if row == nil {
		// An identical request is already in flight; acknowledge and let the
		// caller poll by fingerprint.
		s.metrics.SynthesisRequests.WithLabelValues("in_flight").Inc()
		return &Result{Fingerprint: fp, Deferred: true}, nil
	}

	// Close to the execution ceiling a provider call may not finish; defer
	// instead of risking a half-done synthesis.
	if s.now().Sub(started) > s.cfg.RequestBudget-s.cfg.BudgetReserve {
		return s.deferProcessing(ctx, row)
	}

	if err := s.store.MarkProcessing(ctx, row.ID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	// The provider call must survive the caller's disconnect, so it runs on
	// a detached context. Its deadline covers the call and the stream read
	// only; persistence gets a separate context below.
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProviderTimeout)
	upstream, err := s.provider.Stream(detached, text, req.VoiceID, provider.Settings{
		ModelID:         req.ModelID,
		Stability:       req.Stability,
		SimilarityBoost: req.SimilarityBoost,
	})
	if err != nil {
		cancel()
		s.recordProviderError(err)
		if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), row.ID, err.Error(), 0); markErr != nil {
			s.log.Warn("mark failed after provider error", zap.String("request_id", row.ID), zap.Error(markErr))
		}
		return nil, err
	}

	s.metrics.SynthesisRequests.WithLabelValues("generated").Inc()
	// Uploads and the terminal status writes must not inherit the provider
	// deadline: a slow stream would otherwise leave the row stuck in
	// processing because the final mark lands on an expired context.
	persistCtx := context.WithoutCancel(ctx)
	callerStream, persistDone := s.fanOut(cancel, persistCtx, upstream, row, textChars)
	return &Result{
		Source:      SourceGenerated,
		Fingerprint: fp,
		Audio:       callerStream,
		Persist:     persistDone,
	}, nil
}

// lookupCache returns a Result on a completed prior synthesis, nil on miss.
// Misses have no side effects; hits touch last_accessed off the hot path.
func (s *Service) lookupCache(ctx context.Context, userID, fp string) (*Result, error) {
	row, err := s.store.LookupCompleted(ctx, userID, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	signedURL, err := s.signedURL(ctx, row.StoragePath)
	if err != nil {
		s.log.Error("cache hit with unusable object", zap.String("path", row.StoragePath), zap.Error(err))
		return nil, fmt.Errorf("issue signed url: %w", err)
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.TouchLastAccessed(touchCtx, row.ID); err != nil {
			s.log.Warn("touch last accessed", zap.String("request_id", row.ID), zap.Error(err))
		}
	}()

	s.metrics.SynthesisRequests.WithLabelValues("cache_hit").Inc()
	return &Result{
		Source:      SourceCache,
		Fingerprint: fp,
		SignedURL:   signedURL,
	}, nil
}

func (s *Service) signedURL(ctx context.Context, storagePath string) (string, error) {
	if cached, ok := s.urlMemo.Get(storagePath); ok {
		return cached.(string), nil
	}
	u, err := s.blob.PresignGet(ctx, storagePath, s.cfg.SignedURLTTL)
	if err != nil {
		return "", err
	}
	s.urlMemo.SetDefault(storagePath, u)
	return u, nil
}

// resolveRequestRow creates the pending row, or reconciles with an existing
// row for the same (user, fingerprint). Returns (nil, nil) when an identical
// request is already pending or processing.
func (s *Service) resolveRequestRow(ctx context.Context, req Request, text, fp string) (*store.SynthesisRequest, error) {
	row, created, err := s.store.CreateSynthesisRequest(ctx, &store.SynthesisRequest{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		Text:               text,
		ContentFingerprint: fingerprint.Content(text),
		RequestFingerprint: fp,
		VoiceID:            req.VoiceID,
		ModelID:            req.ModelID,
		Stability:          req.Stability,
		SimilarityBoost:    req.SimilarityBoost,
		Status:             store.StatusPending,
		CreatedAt:          s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create synthesis request: %w", err)
	}
	if created {
		return row, nil
	}

	switch row.Status {
	case store.StatusFailed:
		// Failed rows do not resurrect; this is an explicit new attempt.
		if err := s.store.ReopenFailed(ctx, row.ID); err != nil {
			return nil, fmt.Errorf("reopen failed request: %w", err)
		}
		row.Status = store.StatusPending
		return row, nil
	case store.StatusPending:
		if row.Deferred {
			// A deferred row belongs to an out-of-band worker now.
			return nil, nil
		}
		return row, nil
	default:
		// processing (completed would have been a cache hit above).
		return nil, nil
	}
}

func (s *Service) recordProviderError(err error) {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		s.metrics.ProviderErrors.WithLabelValues("rate_limited").Inc()
	case errors.Is(err, provider.ErrBadCredentials):
		s.metrics.ProviderErrors.WithLabelValues("bad_credentials").Inc()
	default:
		s.metrics.ProviderErrors.WithLabelValues("upstream").Inc()
	}
}

// RequestStatus returns the request row for a fingerprint owned by userID.
func (s *Service) RequestStatus(ctx context.Context, userID, fp string) (*store.SynthesisRequest, error) {
	return s.store.GetSynthesisRequest(ctx, userID, fp)
}

// BatchJob returns the batch job owned by userID.
func (s *Service) BatchJob(ctx context.Context, userID, id string) (*store.BatchJob, error) {
	return s.store.GetBatchJob(ctx, userID, id)
}
