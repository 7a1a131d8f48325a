package transport

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"guardlink/internal/constants"
	apperrors "guardlink/internal/errors"
	"guardlink/internal/metrics"
	"guardlink/internal/models"
	"guardlink/internal/service"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Operation names accepted by FailNext
const (
	OpFetchMessages = "fetch_messages"
	OpCreateMessage = "create_message"
	OpFetchStatus   = "fetch_status"
	OpUpdateStatus  = "update_status"
	OpSubscribe     = "subscribe"
)

var (
	errOffline      = errors.New("endpoint unreachable")
	errSlowConsumer = errors.New("subscriber fell behind")
)

// MemoryOptions configures the in-memory endpoint
type MemoryOptions struct {
	PushEnabled       bool
	HeartbeatInterval time.Duration
	EventBuffer       int
}

// MemoryEndpoint is a process-local endpoint with the same contract as the
// reference server. Failures can be injected per operation.
type MemoryEndpoint struct {
	opts   MemoryOptions
	logger *logrus.Logger

	mu       sync.Mutex
	bookings map[string]*memoryBooking
	subs     map[string]map[*memorySubscription]struct{}
	failures map[string][]error
	offline  bool
}

type memoryBooking struct {
	messages  []models.Message
	byKey     map[string]int
	status    models.BookingStatus
	updatedAt time.Time
}

var _ service.Endpoint = (*MemoryEndpoint)(nil)

func NewMemoryEndpoint(opts MemoryOptions, logger *logrus.Logger) *MemoryEndpoint {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = constants.DefaultEventBufferSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &MemoryEndpoint{
		opts:     opts,
		logger:   logger,
		bookings: make(map[string]*memoryBooking),
		subs:     make(map[string]map[*memorySubscription]struct{}),
		failures: make(map[string][]error),
	}
}

// SetOffline makes every call fail with a retryable transport error and
// ends all open subscriptions.
func (e *MemoryEndpoint) SetOffline(offline bool) {
	e.mu.Lock()
	e.offline = offline
	var dropped []*memorySubscription
	if offline {
		for _, set := range e.subs {
			for s := range set {
				dropped = append(dropped, s)
			}
		}
	}
	e.mu.Unlock()

	for _, s := range dropped {
		s.finish(apperrors.NewTransportError(OpSubscribe, 0, errOffline))
	}
}

// FailNext makes the next calls of op return errs, one per call
func (e *MemoryEndpoint) FailNext(op string, errs ...error) {
	e.mu.Lock()
	e.failures[op] = append(e.failures[op], errs...)
	e.mu.Unlock()
}

// Seed stores a message as if it had been persisted earlier
func (e *MemoryEndpoint) Seed(msg models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bookingLocked(msg.BookingID)
	b.messages = append(b.messages, msg)
	if msg.ClientKey != "" {
		b.byKey[msg.ClientKey] = len(b.messages) - 1
	}
}

// Messages returns the persisted messages of a booking in creation order
func (e *MemoryEndpoint) Messages(bookingID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked(bookingID)
}

// SubscriberCount returns the number of open push subscriptions of a booking
func (e *MemoryEndpoint) SubscriberCount(bookingID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[bookingID])
}

func (e *MemoryEndpoint) FetchMessages(ctx context.Context, bookingID string) ([]models.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(ctx, OpFetchMessages); err != nil {
		return nil, err
	}
	return e.sortedLocked(bookingID), nil
}

func (e *MemoryEndpoint) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	if !msg.SenderRole.Valid() {
		return models.Message{}, apperrors.NewValidationError("senderRole", "unknown sender role")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return models.Message{}, apperrors.NewValidationError("body", "message body is empty")
	}

	e.mu.Lock()
	if err := e.checkLocked(ctx, OpCreateMessage); err != nil {
		e.mu.Unlock()
		return models.Message{}, err
	}

	b := e.bookingLocked(msg.BookingID)
	if i, ok := b.byKey[msg.IdempotencyKey]; ok && msg.IdempotencyKey != "" {
		existing := b.messages[i]
		e.mu.Unlock()
		return existing, nil
	}

	persisted := models.Message{
		ID:              uuid.NewString(),
		BookingID:       msg.BookingID,
		SenderRole:      msg.SenderRole,
		SenderID:        msg.SenderID,
		Body:            msg.Body,
		CreatedAt:       time.Now().UTC(),
		IsSystemMessage: msg.SenderRole == models.SenderRoleSystem,
		ClientKey:       msg.IdempotencyKey,
	}
	b.messages = append(b.messages, persisted)
	if msg.IdempotencyKey != "" {
		b.byKey[msg.IdempotencyKey] = len(b.messages) - 1
	}
	subs := e.subscribersLocked(msg.BookingID)
	e.mu.Unlock()

	copied := persisted
	e.publish(subs, models.ChangeEvent{Type: models.ChangeEventMessage, Message: &copied})
	return persisted, nil
}

func (e *MemoryEndpoint) FetchBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(ctx, OpFetchStatus); err != nil {
		return "", err
	}
	return e.bookingLocked(bookingID).status, nil
}

// UpdateBookingStatus moves a booking forward, applying the lifecycle rules
func (e *MemoryEndpoint) UpdateBookingStatus(ctx context.Context, bookingID string, status models.BookingStatus) error {
	if !status.Valid() {
		return apperrors.NewValidationError("status", "unknown booking status")
	}

	e.mu.Lock()
	if err := e.checkLocked(ctx, OpUpdateStatus); err != nil {
		e.mu.Unlock()
		return err
	}
	b := e.bookingLocked(bookingID)
	if b.status == status {
		e.mu.Unlock()
		return nil
	}
	if !b.status.CanTransitionTo(status) {
		current := b.status
		e.mu.Unlock()
		return apperrors.NewConflictError("booking cannot move from " + string(current) + " to " + string(status))
	}
	b.status = status
	b.updatedAt = time.Now().UTC()
	subs := e.subscribersLocked(bookingID)
	e.mu.Unlock()

	e.publish(subs, models.ChangeEvent{Type: models.ChangeEventStatus, Status: status})
	return nil
}

func (e *MemoryEndpoint) Subscribe(ctx context.Context, bookingID string, onEvent func(models.ChangeEvent)) (service.Subscription, error) {
	if !e.opts.PushEnabled {
		return nil, service.ErrPushUnsupported
	}

	e.mu.Lock()
	if err := e.checkLocked(ctx, OpSubscribe); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		endpoint:  e,
		bookingID: bookingID,
		events:    make(chan models.ChangeEvent, e.opts.EventBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	if e.subs[bookingID] == nil {
		e.subs[bookingID] = make(map[*memorySubscription]struct{})
	}
	e.subs[bookingID][sub] = struct{}{}
	count := len(e.subs[bookingID])
	e.mu.Unlock()

	metrics.SetGauge(metrics.PushSubscribersGauge, float64(count), map[string]string{"endpoint": "memory"}, "Open push subscriptions")
	go sub.run(subCtx, onEvent, e.opts.HeartbeatInterval)
	return sub, nil
}

// checkLocked applies offline mode and injected failures
func (e *MemoryEndpoint) checkLocked(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewTransportError(op, 0, err)
	}
	if e.offline {
		return apperrors.NewTransportError(op, 0, errOffline)
	}
	if queued := e.failures[op]; len(queued) > 0 {
		err := queued[0]
		e.failures[op] = queued[1:]
		return err
	}
	return nil
}

func (e *MemoryEndpoint) bookingLocked(bookingID string) *memoryBooking {
	b, ok := e.bookings[bookingID]
	if !ok {
		b = &memoryBooking{
			byKey:     make(map[string]int),
			status:    models.BookingStatusPending,
			updatedAt: time.Now().UTC(),
		}
		e.bookings[bookingID] = b
	}
	return b
}

func (e *MemoryEndpoint) sortedLocked(bookingID string) []models.Message {
	b, ok := e.bookings[bookingID]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, len(b.messages))
	copy(out, b.messages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (e *MemoryEndpoint) subscribersLocked(bookingID string) []*memorySubscription {
	out := make([]*memorySubscription, 0, len(e.subs[bookingID]))
	for s := range e.subs[bookingID] {
		out = append(out, s)
	}
	return out
}

// publish hands ev to every subscriber without blocking. A subscriber whose
// buffer is full is dropped and has to resubscribe.
func (e *MemoryEndpoint) publish(subs []*memorySubscription, ev models.ChangeEvent) {
	for _, s := range subs {
		select {
		case s.events <- ev:
		default:
			e.logger.WithField("booking_id", s.bookingID).Warn("Dropping slow push subscriber")
			s.finish(apperrors.NewTransportError(OpSubscribe, 0, errSlowConsumer))
		}
	}
}

func (e *MemoryEndpoint) remove(s *memorySubscription) {
	e.mu.Lock()
	delete(e.subs[s.bookingID], s)
	count := len(e.subs[s.bookingID])
	e.mu.Unlock()
	metrics.SetGauge(metrics.PushSubscribersGauge, float64(count), map[string]string{"endpoint": "memory"}, "Open push subscriptions")
}

type memorySubscription struct {
	endpoint  *MemoryEndpoint
	bookingID string
	events    chan models.ChangeEvent
	cancel    context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Unsubscribe() { s.finish(nil) }

func (s *memorySubscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.done)
		s.endpoint.remove(s)
	})
}

func (s *memorySubscription) run(ctx context.Context, onEvent func(models.ChangeEvent), heartbeat time.Duration) {
	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.finish(nil)
			return
		case <-s.done:
			return
		case ev := <-s.events:
			onEvent(ev)
		case <-tick:
			onEvent(models.ChangeEvent{Type: models.ChangeEventHeartbeat})
		}
	}
}
