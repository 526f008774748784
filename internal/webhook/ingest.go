package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/observability"
	"github.com/speechgate/speechgate/internal/store"
)

var (
	// ErrBadSignature rejects a delivery before any parsing or side effect.
	ErrBadSignature = errors.New("webhook: invalid signature")
	// ErrMalformedEvent marks a body that could not be decoded; redelivery of
	// the same bytes will never succeed, so the edge answers 4xx.
	ErrMalformedEvent = errors.New("webhook: malformed event")
)

// Ack is a successful ingestion outcome. AlreadyProcessed marks a redelivery
// of an event whose handler already ran.
type Ack struct {
	EventID          string
	AlreadyProcessed bool
}

// HandlerError wraps a handler failure with the event identity so the edge
// can return it to the provider and trigger a redelivery.
type HandlerError struct {
	EventID string
	Err     error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("event %s: %v", e.EventID, e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }

// Ingestor converts at-least-once provider deliveries into effectively-once
// handler execution. The event-id unique constraint in the store is the
// dedupe mechanism; signature verification happens before parsing.
type Ingestor struct {
	store    store.Store
	handlers *Handlers
	secret   []byte
	metrics  *observability.Metrics
	log      *zap.Logger
	now      func() time.Time
}

func NewIngestor(st store.Store, handlers *Handlers, secret string, m *observability.Metrics, log *zap.Logger) *Ingestor {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Ingestor{
		store:    st,
		handlers: handlers,
		secret:   key,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Ingest verifies, dedupes and dispatches one raw delivery.
func (i *Ingestor) Ingest(ctx context.Context, rawBody []byte, signature string) (*Ack, error) {
	if len(i.secret) > 0 {
		if !i.verifySignature(rawBody, signature) {
			i.metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
			return nil, ErrBadSignature
		}
	}

	parsed, err := parseEvent(rawBody, i.now())
	if err != nil {
		i.metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	insertErr := i.store.InsertWebhookEvent(ctx, &store.WebhookEvent{
		EventID:   parsed.EventID,
		Type:      parsed.Type,
		Payload:   rawBody,
		CreatedAt: i.now().UTC(),
	})
	switch {
	case insertErr == nil:
		// first sight, fall through to dispatch
	case errors.Is(insertErr, store.ErrDuplicateEvent):
		prior, err := i.store.GetWebhookEvent(ctx, parsed.EventID)
		if err != nil {
			return nil, fmt.Errorf("load duplicate event %s: %w", parsed.EventID, err)
		}
		if prior.ProcessedAt != nil {
			i.metrics.WebhookEvents.WithLabelValues(parsed.Type, "duplicate").Inc()
			i.log.Info("duplicate webhook delivery short-circuited",
				zap.String("event_id", parsed.EventID), zap.String("type", parsed.Type))
			return &Ack{EventID: parsed.EventID, AlreadyProcessed: true}, nil
		}
		// A prior delivery failed in its handler; this redelivery retries it.
	default:
		return nil, fmt.Errorf("record event %s: %w", parsed.EventID, insertErr)
	}

	if err := i.handlers.Handle(ctx, parsed.EventID, parsed.Event); err != nil {
		i.metrics.WebhookEvents.WithLabelValues(parsed.Type, "failed").Inc()
		i.log.Error("webhook handler failed",
			zap.String("event_id", parsed.EventID),
			zap.String("type", parsed.Type),
			zap.Error(err))
		if recErr := i.store.RecordWebhookFailure(ctx, parsed.EventID, err.Error()); recErr != nil {
			i.log.Warn("record webhook failure", zap.String("event_id", parsed.EventID), zap.Error(recErr))
		}
		return nil, &HandlerError{EventID: parsed.EventID, Err: err}
	}

	if err := i.store.MarkWebhookProcessed(ctx, parsed.EventID); err != nil {
		return nil, fmt.Errorf("mark event %s processed: %w", parsed.EventID, err)
	}
	i.metrics.WebhookEvents.WithLabelValues(parsed.Type, "processed").Inc()
	return &Ack{EventID: parsed.EventID}, nil
}

// verifySignature recomputes the body HMAC and compares in constant time.
// An optional "sha256=" prefix on the header value is accepted.
func (i *Ingestor) verifySignature(body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the hex signature for a body; used by tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
