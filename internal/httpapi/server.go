package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/config"
	"github.com/speechgate/speechgate/internal/observability"
	"github.com/speechgate/speechgate/internal/pipeline"
	"github.com/speechgate/speechgate/internal/store"
	"github.com/speechgate/speechgate/internal/webhook"
)

// Synthesizer is the pipeline surface the HTTP layer depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, req pipeline.Request, started time.Time) (*pipeline.Result, error)
	RequestStatus(ctx context.Context, userID, fingerprint string) (*store.SynthesisRequest, error)
	BatchJob(ctx context.Context, userID, id string) (*store.BatchJob, error)
}

// Ingestor is the webhook surface the HTTP layer depends on.
type Ingestor interface {
	Ingest(ctx context.Context, rawBody []byte, signature string) (*webhook.Ack, error)
}

type Server struct {
	cfg       config.Config
	pipeline  Synthesizer
	ingestor  Ingestor
	metrics   *observability.Metrics
	log       *zap.Logger
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, p Synthesizer, ing Ingestor, m *observability.Metrics, log *zap.Logger, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  p,
		ingestor:  ing,
		metrics:   m,
		log:       log,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/tts", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware())
		r.Use(s.authMiddleware)
		r.Post("/", s.handleSynthesize)
		r.Get("/requests/{fingerprint}", s.handleRequestStatus)
		r.Get("/batch/{id}", s.handleBatchStatus)
		r.Get("/batch/{id}/ws", s.handleBatchWS)
	})

	r.Post("/v1/webhooks/provider", s.handleWebhook)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
