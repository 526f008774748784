package webhook

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/store"
)

// Handlers applies event side effects. State-shaped events are idempotent
// upserts keyed on their natural key; usage deltas are keyed on the event id
// at the datastore, so a crash between the handler and the processed mark
// cannot double-count on redelivery.
type Handlers struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewHandlers(st store.Store, log *zap.Logger) *Handlers {
	return &Handlers{store: st, log: log, now: time.Now}
}

func (h *Handlers) Handle(ctx context.Context, eventID string, ev Event) error {
	switch e := ev.(type) {
	case TranscriptionCompleted:
		return h.transcriptionCompleted(ctx, e)
	case UsageUpdated:
		return h.usageUpdated(ctx, eventID, e)
	case VoiceChanged:
		return h.store.UpsertVoice(ctx, &store.VoiceRef{
			VoiceID:  e.VoiceID,
			Name:     e.Name,
			Category: e.Category,
		})
	case AgentChanged:
		return h.store.UpsertAgent(ctx, &store.AgentRef{
			AgentID: e.AgentID,
			Name:    e.Name,
		})
	case Unknown:
		h.log.Info("ignoring unknown webhook event type", zap.String("type", e.Type))
		return nil
	default:
		return fmt.Errorf("unhandled event variant %T", ev)
	}
}

func (h *Handlers) transcriptionCompleted(ctx context.Context, e TranscriptionCompleted) error {
	if e.ConversationID == "" {
		return fmt.Errorf("transcription event has no conversation id")
	}
	return h.store.UpsertConversation(ctx, &store.Conversation{
		ConversationID:  e.ConversationID,
		UserID:          e.UserID,
		AgentID:         e.AgentID,
		Transcript:      e.Transcript,
		DurationSeconds: e.DurationSeconds,
	})
}

func (h *Handlers) usageUpdated(ctx context.Context, eventID string, e UsageUpdated) error {
	if e.UserID == "" {
		return fmt.Errorf("usage event has no user id")
	}
	applied, err := h.store.AddUsageOnce(ctx, "usage:"+eventID, e.UserID, store.MonthKey(h.now()), store.UsageDelta{
		Characters:          e.Characters,
		ConversationMinutes: e.ConversationMinutes,
		ConversationCount:   e.ConversationCount,
	})
	if err != nil {
		return err
	}
	if !applied {
		h.log.Info("usage delta already applied", zap.String("event_id", eventID))
	}
	return nil
}
