package pipeline

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/chunker"
	"github.com/speechgate/speechgate/internal/store"
)

// startBatch splits an oversized submission into ordered chunks and records a
// batch job for out-of-band processing. The caller gets an acknowledgment with
// the job id and chunk count, not audio.
func (s *Service) startBatch(ctx context.Context, userID, text string) (*Result, error) {
	chunks := chunker.Split(text, s.cfg.MaxChunkChars)
	job := &store.BatchJob{
		ID:          uuid.NewString(),
		UserID:      userID,
		Text:        text,
		Status:      store.BatchStatusPending,
		TotalChunks: len(chunks),
		CreatedAt:   s.now().UTC(),
	}
	job.Chunks = make([]store.BatchChunk, len(chunks))
	for i, c := range chunks {
		job.Chunks[i] = store.BatchChunk{Index: i, Text: c}
	}
	if err := s.store.CreateBatchJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create batch job: %w", err)
	}

	s.metrics.SynthesisRequests.WithLabelValues("batch").Inc()
	s.log.Info("batch job accepted",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.Int("total_chunks", len(chunks)),
		zap.Int("text_chars", utf8.RuneCountInString(text)))
	return &Result{
		BatchJobID:  job.ID,
		TotalChunks: len(chunks),
	}, nil
}

// deferProcessing parks a pending row for an out-of-band worker when too
// little of the execution budget remains to finish a provider round trip.
func (s *Service) deferProcessing(ctx context.Context, row *store.SynthesisRequest) (*Result, error) {
	if err := s.store.MarkDeferred(ctx, row.ID); err != nil {
		return nil, fmt.Errorf("mark deferred: %w", err)
	}
	s.metrics.SynthesisRequests.WithLabelValues("deferred").Inc()
	s.log.Info("synthesis deferred",
		zap.String("request_id", row.ID),
		zap.String("fingerprint", row.RequestFingerprint))
	return &Result{
		Fingerprint: row.RequestFingerprint,
		Deferred:    true,
	}, nil
}

// RunJanitor fails out processing rows abandoned by crashed invocations.
// Blocks until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.FailStaleProcessing(ctx, horizon)
			if err != nil {
				s.log.Warn("janitor sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("janitor failed stale requests", zap.Int("count", n))
			}
		}
	}
}
