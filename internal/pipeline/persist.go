package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/blob"
	"github.com/speechgate/speechgate/internal/reliability"
	"github.com/speechgate/speechgate/internal/store"
)

// bitrateBitsPerSecond matches the provider's mp3_44100_128 output format and
// is what duration estimates are derived from.
const bitrateBitsPerSecond = 128_000

// uploadAttemptTimeout bounds a single object-store write. Each retry gets a
// fresh deadline so one stalled attempt cannot consume the whole budget.
const uploadAttemptTimeout = 30 * time.Second

// fanOut reads the upstream audio exactly once and feeds two consumers at
// independent rates: the returned pipe streams to the caller, while every byte
// is also buffered for the persistence worker. A caller that disconnects stops
// receiving but never interrupts the upstream read or the upload; the two
// paths share no cancellation. The upstream body carries the provider
// deadline and cancelStream releases it once the read loop is done;
// persistCtx is never cancelled and carries the upload and every terminal row
// update, so a row always settles as completed or failed even when the
// provider deadline has long passed.
func (s *Service) fanOut(cancelStream context.CancelFunc, persistCtx context.Context, upstream io.ReadCloser, row *store.SynthesisRequest, textChars int) (io.ReadCloser, <-chan error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		defer cancelStream()
		defer upstream.Close()

		started := s.now()
		var buf bytes.Buffer
		callerAlive := true
		chunk := make([]byte, 32*1024)

		var readErr error
		for {
			n, err := upstream.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				if callerAlive {
					if _, werr := pw.Write(chunk[:n]); werr != nil {
						// Caller went away; keep draining for persistence.
						callerAlive = false
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr = err
				}
				break
			}
		}
		if readErr != nil {
			pw.CloseWithError(readErr)
			s.log.Error("upstream read failed mid-stream",
				zap.String("request_id", row.ID), zap.Error(readErr))
			if err := s.store.MarkFailed(persistCtx, row.ID, readErr.Error(), 0); err != nil {
				s.log.Warn("mark failed after stream error", zap.String("request_id", row.ID), zap.Error(err))
			}
			done <- readErr
			close(done)
			return
		}
		pw.Close()

		s.metrics.AudioBytesOut.Add(float64(buf.Len()))
		s.metrics.ObserveSynthesisLatency(s.now().Sub(started))

		err := s.persist(persistCtx, row, buf.Bytes(), textChars)
		done <- err
		close(done)
	}()

	return pr, done
}

// persist uploads the finished audio, then settles the row and the month's
// usage counter. Uploads retry with exponential backoff; exhausting the
// attempts fails the request so a later identical submission can reopen it.
// ctx must not carry the provider deadline.
func (s *Service) persist(ctx context.Context, row *store.SynthesisRequest, audio []byte, textChars int) error {
	key := blob.AudioKey(row.UserID, row.RequestFingerprint)

	var uploadErr error
	for attempt := 1; attempt <= s.cfg.UploadMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, uploadAttemptTimeout)
		uploadErr = s.blob.Put(attemptCtx, key, bytes.NewReader(audio), int64(len(audio)), "audio/mpeg")
		cancel()
		if uploadErr == nil {
			s.metrics.UploadAttempts.WithLabelValues("ok").Inc()
			break
		}
		s.metrics.UploadAttempts.WithLabelValues("error").Inc()
		s.log.Warn("audio upload attempt failed",
			zap.String("request_id", row.ID),
			zap.Int("attempt", attempt),
			zap.Error(uploadErr))
		if attempt < s.cfg.UploadMaxAttempts {
			time.Sleep(reliability.ExponentialBackoff(attempt-1, s.cfg.UploadBackoffBase, s.cfg.UploadBackoffCap))
		}
	}
	if uploadErr != nil {
		err := fmt.Errorf("upload audio after %d attempts: %w", s.cfg.UploadMaxAttempts, uploadErr)
		if markErr := s.store.MarkFailed(ctx, row.ID, err.Error(), s.cfg.UploadMaxAttempts); markErr != nil {
			s.log.Warn("mark failed after upload exhaustion", zap.String("request_id", row.ID), zap.Error(markErr))
		}
		return err
	}

	duration := float64(len(audio)) * 8 / bitrateBitsPerSecond
	credits := (textChars + 999) / 1000
	if err := s.store.MarkCompleted(ctx, row.ID, key, duration, credits); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if err := s.store.AddUsage(ctx, row.UserID, store.MonthKey(s.now()), store.UsageDelta{
		Characters:   int64(textChars),
		RequestCount: 1,
		Credits:      int64(credits),
	}); err != nil {
		// The audio is stored and the row is settled; a lost counter increment
		// is logged, not propagated back into the request lifecycle.
		s.log.Error("usage increment failed",
			zap.String("user_id", row.UserID), zap.Error(err))
	}

	s.log.Info("synthesis persisted",
		zap.String("request_id", row.ID),
		zap.String("storage_path", key),
		zap.Int("audio_bytes", len(audio)),
		zap.Float64("duration_seconds", duration))
	return nil
}
