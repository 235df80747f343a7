// Package events is an in-process publish/subscribe bus feeding the
// websocket event stream.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type classifies an event.
type Type string

const (
	TypeSignalIngested    Type = "signal_ingested"
	TypeDuplicateSuppress Type = "duplicate_suppressed"
	TypePredictorCreated  Type = "predictor_created"
	TypePredictionCreated Type = "prediction_created"
	TypePredictionEval    Type = "prediction_evaluated"
	TypeReviewQueued      Type = "review_queued"
	TypeReviewResolved    Type = "review_resolved"
	TypeLearningDecided   Type = "learning_decided"
	TypeReplayProgress    Type = "replay_progress"
)

// Event is one pipeline occurrence pushed to subscribers.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block publishers: the pipeline never waits on a websocket.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]chan Event
	next int64
	log  zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int64]chan Event),
		log:  log.With().Str("service", "events").Logger(),
	}
}

// Subscribe returns a buffered event channel and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(t Type, payload map[string]interface{}) {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug().Int64("subscriber", id).Str("type", string(t)).Msg("Dropped event for slow subscriber")
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
