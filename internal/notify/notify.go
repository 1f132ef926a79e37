// Package notify collects user-facing status and error messages. Every
// component reports through a shared Sink; the presentation layer reads
// the retained messages back in order.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultCapacity = 200

// Message is one user-facing notification.
type Message struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Sink retains the most recent messages in a fixed-size ring. Pushing
// when full overwrites the oldest entry.
type Sink struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	ring  []Message
	head  int
	count int
}

// NewSink creates a sink retaining up to capacity messages.
func NewSink(capacity int, logger zerolog.Logger) *Sink {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Sink{
		logger: logger.With().Str("component", "notify").Logger(),
		ring:   make([]Message, capacity),
	}
}

// Push records a message.
func (s *Sink) Push(text string) {
	msg := Message{
		ID:   uuid.NewString(),
		Text: text,
		Time: time.Now(),
	}
	s.logger.Info().Str("id", msg.ID).Msg(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	tail := (s.head + s.count) % len(s.ring)
	s.ring[tail] = msg
	if s.count < len(s.ring) {
		s.count++
	} else {
		s.head = (s.head + 1) % len(s.ring)
	}
}

// Pushf records a formatted message.
func (s *Sink) Pushf(format string, args ...any) {
	s.Push(fmt.Sprintf(format, args...))
}

// Messages returns the retained messages from oldest to newest.
func (s *Sink) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Message, s.count)
	for i := 0; i < s.count; i++ {
		result[i] = s.ring[(s.head+i)%len(s.ring)]
	}
	return result
}

// Len returns the number of retained messages.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
