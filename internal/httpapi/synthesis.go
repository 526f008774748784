package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/pipeline"
	"github.com/speechgate/speechgate/internal/provider"
	"github.com/speechgate/speechgate/internal/store"
)

// synthesizeRequest decodes the documented camelCase body with nested
// voiceSettings. The flat snake_case fields are still accepted so older
// callers keep working; the nested settings win when both are present.
type synthesizeRequest struct {
	Text            string         `json:"text"`
	VoiceID         string         `json:"voiceId"`
	VoiceIDLegacy   string         `json:"voice_id"`
	ModelID         string         `json:"modelId"`
	ModelIDLegacy   string         `json:"model_id"`
	Stability       float64        `json:"stability"`
	SimilarityBoost float64        `json:"similarity_boost"`
	VoiceSettings   *voiceSettings `json:"voiceSettings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
}

func (req synthesizeRequest) toPipeline(uid string) pipeline.Request {
	out := pipeline.Request{
		UserID:          uid,
		Text:            req.Text,
		VoiceID:         req.VoiceID,
		ModelID:         req.ModelID,
		Stability:       req.Stability,
		SimilarityBoost: req.SimilarityBoost,
	}
	if out.VoiceID == "" {
		out.VoiceID = req.VoiceIDLegacy
	}
	if out.ModelID == "" {
		out.ModelID = req.ModelIDLegacy
	}
	if req.VoiceSettings != nil {
		out.Stability = req.VoiceSettings.Stability
		out.SimilarityBoost = req.VoiceSettings.SimilarityBoost
	}
	return out
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.pipeline.Synthesize(r.Context(), req.toPipeline(userID(r.Context())), started)
	if err != nil {
		s.respondSynthesisError(w, err)
		return
	}

	switch {
	case res.BatchJobID != "":
		respondJSON(w, http.StatusAccepted, map[string]any{
			"status":       "batch_processing",
			"job_id":       res.BatchJobID,
			"total_chunks": res.TotalChunks,
		})
	case res.Deferred:
		respondJSON(w, http.StatusAccepted, map[string]any{
			"status":       "processing_deferred",
			"request_hash": res.Fingerprint,
		})
	case res.Source == pipeline.SourceCache:
		w.Header().Set("X-Audio-Source", string(res.Source))
		w.Header().Set("X-Request-Hash", res.Fingerprint)
		w.Header().Set("X-Processing-Time", fmt.Sprintf("%dms", time.Since(started).Milliseconds()))
		http.Redirect(w, r, res.SignedURL, http.StatusFound)
	default:
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("X-Audio-Source", string(res.Source))
		w.Header().Set("X-Request-Hash", res.Fingerprint)
		w.Header().Set("X-Processing-Time", fmt.Sprintf("%dms", time.Since(started).Milliseconds()))
		defer res.Audio.Close()
		if _, err := io.Copy(w, res.Audio); err != nil {
			// Headers are already out; persistence continues on its own.
			s.log.Debug("caller disconnected mid-stream", zap.Error(err))
		}
	}
}

func (s *Server) respondSynthesisError(w http.ResponseWriter, err error) {
	var upstream *provider.UpstreamError
	switch {
	case errors.Is(err, pipeline.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
	case errors.Is(err, pipeline.ErrQuotaExceeded):
		respondError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
	case errors.Is(err, provider.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, "provider_rate_limited", "speech provider rate limit hit, retry later")
	case errors.Is(err, provider.ErrBadCredentials):
		respondError(w, http.StatusBadGateway, "provider_misconfigured", "speech provider rejected our credentials")
	case errors.As(err, &upstream):
		respondError(w, http.StatusBadGateway, "provider_upstream_failure", upstream.Error())
	default:
		s.log.Error("synthesis failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "synthesis failed")
	}
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimSpace(chi.URLParam(r, "fingerprint"))
	if fp == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing fingerprint")
		return
	}
	row, err := s.pipeline.RequestStatus(r.Context(), userID(r.Context()), fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no request for fingerprint")
			return
		}
		s.log.Error("request status lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, requestStatusResponse(row))
}

func requestStatusResponse(row *store.SynthesisRequest) map[string]any {
	out := map[string]any{
		"request_hash":     row.RequestFingerprint,
		"status":           row.Status,
		"deferred":         row.Deferred,
		"retry_count":      row.RetryCount,
		"created_at":       row.CreatedAt,
		"duration_seconds": row.DurationSeconds,
		"credits_charged":  row.CreditsCharged,
	}
	if row.ProcessedAt != nil {
		out["processed_at"] = row.ProcessedAt
	}
	if row.ErrorDetail != "" {
		out["error"] = row.ErrorDetail
	}
	return out
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadBatchJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, batchStatusResponse(job))
}

func (s *Server) loadBatchJob(w http.ResponseWriter, r *http.Request) (*store.BatchJob, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing job id")
		return nil, false
	}
	job, err := s.pipeline.BatchJob(r.Context(), userID(r.Context()), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no batch job with that id")
			return nil, false
		}
		s.log.Error("batch job lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return nil, false
	}
	return job, true
}

func batchStatusResponse(job *store.BatchJob) map[string]any {
	resolved := 0
	for _, c := range job.Chunks {
		if c.RequestID != "" {
			resolved++
		}
	}
	return map[string]any{
		"job_id":          job.ID,
		"status":          job.Status,
		"total_chunks":    job.TotalChunks,
		"resolved_chunks": resolved,
		"created_at":      job.CreatedAt,
		"updated_at":      job.UpdatedAt,
	}
}

// handleBatchWS pushes job status snapshots until the job resolves or the
// client hangs up.
func (s *Server) handleBatchWS(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadBatchJob(w, r)
	if !ok {
		return
	}
	uid := userID(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes and pings are serviced.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(batchStatusResponse(job)); err != nil {
			return
		}
		if job.Status == store.BatchStatusCompleted || job.Status == store.BatchStatusFailed {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-readerGone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		job, err = s.pipeline.BatchJob(r.Context(), uid, job.ID)
		if err != nil {
			return
		}
	}
}
