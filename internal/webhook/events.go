// Package webhook ingests provider callbacks: signature verification, event
// dedupe by id, and dispatch to idempotent handlers.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the closed set of provider event kinds. Parsing produces exactly
// one variant; unrecognized types become Unknown rather than an error so a
// provider rollout of new kinds never poisons the queue.
type Event interface {
	kind() string
}

type TranscriptionCompleted struct {
	ConversationID  string  `json:"conversation_id"`
	UserID          string  `json:"user_id"`
	AgentID         string  `json:"agent_id"`
	Transcript      string  `json:"transcript"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type UsageUpdated struct {
	UserID              string  `json:"user_id"`
	Characters          int64   `json:"characters"`
	ConversationMinutes float64 `json:"conversation_minutes"`
	ConversationCount   int64   `json:"conversation_count"`
}

type VoiceChanged struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type AgentChanged struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

type Unknown struct {
	Type string
}

func (TranscriptionCompleted) kind() string { return TypeTranscriptionCompleted }
func (UsageUpdated) kind() string           { return TypeUsageUpdated }
func (VoiceChanged) kind() string           { return TypeVoiceChanged }
func (AgentChanged) kind() string           { return TypeAgentChanged }
func (u Unknown) kind() string              { return u.Type }

const (
	TypeTranscriptionCompleted = "transcription_completed"
	TypeUsageUpdated           = "usage_updated"
	TypeVoiceChanged           = "voice_changed"
	TypeAgentChanged           = "agent_changed"
)

type envelope struct {
	Type      string          `json:"type"`
	EventID   string          `json:"event_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Parsed is one decoded delivery with its derived identity.
type Parsed struct {
	EventID string
	Type    string
	Event   Event
}

// parseEvent decodes a raw delivery and derives a stable event id: the
// provider-supplied id, else the conversation id, else a type+timestamp
// composite. now supplies the timestamp when the payload carries none.
func parseEvent(raw []byte, now time.Time) (*Parsed, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}

	var (
		ev             Event
		conversationID string
	)
	switch env.Type {
	case TypeTranscriptionCompleted:
		var e TranscriptionCompleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		ev = e
		conversationID = e.ConversationID
	case TypeUsageUpdated:
		var e UsageUpdated
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		ev = e
	case TypeVoiceChanged:
		var e VoiceChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		ev = e
	case TypeAgentChanged:
		var e AgentChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		ev = e
	default:
		ev = Unknown{Type: env.Type}
	}

	id := env.EventID
	if id == "" && conversationID != "" {
		id = conversationID
	}
	if id == "" {
		ts := env.Timestamp
		if ts == 0 {
			ts = now.Unix()
		}
		id = fmt.Sprintf("%s-%d", env.Type, ts)
	}

	return &Parsed{EventID: id, Type: env.Type, Event: ev}, nil
}
