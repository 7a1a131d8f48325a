package service

import (
	"context"
	"sync"
	"time"

	"guardlink/internal/metrics"
	"guardlink/internal/models"

	"github.com/sirupsen/logrus"
)

// MessageStore is the ordered, de-duplicated message list of one booking.
// All merges are serialized, so the result of concurrent push, poll and
// delivery updates does not depend on their arrival order.
type MessageStore struct {
	bookingID string
	logger    *logrus.Logger

	mu        sync.Mutex
	messages  []models.Message
	observers []func()
}

// NewMessageStore creates an empty store for a booking
func NewMessageStore(bookingID string, logger *logrus.Logger) *MessageStore {
	return &MessageStore{
		bookingID: bookingID,
		logger:    defaultLogger(logger),
	}
}

// BookingID returns the booking the store belongs to
func (s *MessageStore) BookingID() string {
	return s.bookingID
}

// OnChange registers fn to run after every merge that changed the list.
// Observers run on the merging goroutine, outside the store lock.
func (s *MessageStore) OnChange(fn func()) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Merge applies one message and reports whether the list changed
func (s *MessageStore) Merge(msg models.Message) bool {
	start := time.Now()

	s.mu.Lock()
	changed := s.mergeLocked(msg)
	observers := s.observersLocked(changed)
	s.mu.Unlock()

	metrics.RecordTimer(metrics.StoreMergeDuration, time.Since(start), nil, "Time spent merging one message")
	notify(observers)
	return changed
}

// MergeAll applies a batch, notifying observers once
func (s *MessageStore) MergeAll(msgs []models.Message) bool {
	if len(msgs) == 0 {
		return false
	}

	s.mu.Lock()
	changed := false
	for _, msg := range msgs {
		if s.mergeLocked(msg) {
			changed = true
		}
	}
	observers := s.observersLocked(changed)
	s.mu.Unlock()

	notify(observers)
	return changed
}

// All returns a snapshot of the ordered list
func (s *MessageStore) All() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Get returns the entry with the given ID
func (s *MessageStore) Get(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexByID(id); i >= 0 {
		return s.messages[i], true
	}
	return models.Message{}, false
}

// FindByClientKey returns the persisted entry created with the given idempotency key
func (s *MessageStore) FindByClientKey(key string) (models.Message, bool) {
	if key == "" {
		return models.Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexByClientKey(key); i >= 0 {
		return s.messages[i], true
	}
	return models.Message{}, false
}

// Len returns the number of entries
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MessageStore) mergeLocked(msg models.Message) bool {
	ctx := context.Background()

	if msg.ID == "" {
		s.logger.WithFields(bookingFields(ctx, ComponentStore, s.bookingID)).Warn("Skipping merge: message has no ID")
		return false
	}
	if msg.BookingID != "" && msg.BookingID != s.bookingID {
		s.logger.WithFields(bookingFields(ctx, ComponentStore, s.bookingID)).
			WithFields(messageFields(ctx, msg)).
			Warn("Skipping merge: message belongs to another booking")
		return false
	}
	msg.BookingID = s.bookingID

	if msg.IsTemporary() {
		return s.mergeTemporaryLocked(msg)
	}

	if msg.DeliveryState == "" {
		msg.DeliveryState = models.DeliveryStateSent
	}
	correlation := msg.ReplacesTemporaryID
	if correlation == "" {
		correlation = msg.ClientKey
	}
	msg.ReplacesTemporaryID = ""

	if i := s.indexByID(msg.ID); i >= 0 {
		if msg.ClientKey == "" {
			msg.ClientKey = s.messages[i].ClientKey
		}
		if msg.ClientKey == "" {
			msg.ClientKey = correlation
		}
		changed := false
		if correlation != "" {
			if t := s.indexByID(correlation); t >= 0 && s.messages[t].IsTemporary() {
				s.removeLocked(t)
				changed = true
			}
		}
		if i := s.indexByID(msg.ID); !s.messages[i].SameContent(msg) || s.messages[i].ClientKey != msg.ClientKey {
			s.replaceLocked(i, msg)
			changed = true
		}
		return changed
	}

	if correlation != "" {
		if t := s.indexByID(correlation); t >= 0 && s.messages[t].IsTemporary() {
			if msg.ClientKey == "" {
				msg.ClientKey = correlation
			}
			s.replaceLocked(t, msg)
			s.logger.WithFields(bookingFields(ctx, ComponentStore, s.bookingID)).
				WithFields(messageFields(ctx, msg)).
				Debug("Replaced optimistic entry with confirmed message")
			return true
		}
	}

	s.insertLocked(msg)
	return true
}

// mergeTemporaryLocked handles optimistic entries and their delivery state updates
func (s *MessageStore) mergeTemporaryLocked(msg models.Message) bool {
	// Once confirmed, late state updates for the temporary ID are stale
	if s.indexByClientKey(msg.ID) >= 0 {
		return false
	}

	if i := s.indexByID(msg.ID); i >= 0 {
		if s.messages[i].SameContent(msg) {
			return false
		}
		// keep the original position and timestamp
		msg.CreatedAt = s.messages[i].CreatedAt
		s.messages[i] = msg
		return true
	}

	s.insertLocked(msg)
	return true
}

// insertLocked places msg after every entry that does not sort after it
func (s *MessageStore) insertLocked(msg models.Message) {
	i := len(s.messages)
	for i > 0 && msg.Before(s.messages[i-1]) {
		i--
	}
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

// replaceLocked swaps the entry at i for msg and moves it to the position
// its (createdAt, id) key sorts to
func (s *MessageStore) replaceLocked(i int, msg models.Message) {
	if s.messages[i].ID == msg.ID && s.messages[i].CreatedAt.Equal(msg.CreatedAt) {
		s.messages[i] = msg
		return
	}
	s.removeLocked(i)
	s.insertLocked(msg)
}

func (s *MessageStore) removeLocked(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *MessageStore) indexByID(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) indexByClientKey(key string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if !s.messages[i].IsTemporary() && s.messages[i].ClientKey == key {
			return i
		}
	}
	return -1
}

func (s *MessageStore) observersLocked(changed bool) []func() {
	if !changed || len(s.observers) == 0 {
		return nil
	}
	out := make([]func(), len(s.observers))
	copy(out, s.observers)
	return out
}

func notify(observers []func()) {
	for _, fn := range observers {
		fn()
	}
}
