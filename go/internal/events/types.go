package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types shared between instances
const (
	TypeCountdownReset = "countdown.reset"
	TypeWindowAdvanced = "window.advanced"
	TypeWindowReset    = "window.reset"
)

// Envelope wraps every event on the stream.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type CountdownResetPayload struct {
	DeadlineMs int64 `json:"deadlineMs"`
}

type WindowAdvancedPayload struct {
	Index     int    `json:"index"`
	WindowKey string `json:"windowKey"`
}

type WindowResetPayload struct {
	AnchorMs  int64  `json:"anchorMs"`
	WindowKey string `json:"windowKey"`
}

// NewEnvelope builds an envelope for payload from origin.
func NewEnvelope(origin, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Publisher sends events to the other instances.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler applies events received from other instances.
type Handler interface {
	HandleEvent(ctx context.Context, env Envelope) error
}

// NoopPublisher is used when no event bus is configured
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Envelope) error { return nil }
