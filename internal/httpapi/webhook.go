package httpapi

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/webhook"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	ack, err := s.ingestor.Ingest(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		var handlerErr *webhook.HandlerError
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			respondError(w, http.StatusUnauthorized, "signature_invalid", "signature verification failed")
		case errors.As(err, &handlerErr):
			// A 5xx tells the provider to redeliver.
			s.log.Warn("webhook handler failed",
				zap.String("event_id", handlerErr.EventID), zap.Error(handlerErr))
			respondJSON(w, http.StatusInternalServerError, map[string]any{
				"error":    handlerErr.Err.Error(),
				"event_id": handlerErr.EventID,
			})
		case errors.Is(err, webhook.ErrMalformedEvent):
			respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		default:
			s.log.Error("webhook ingestion failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "event could not be recorded")
		}
		return
	}

	status := "processed"
	if ack.AlreadyProcessed {
		status = "already_processed"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"event_id": ack.EventID,
	})
}
