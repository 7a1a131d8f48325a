package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "guardlink/internal/errors"
	"guardlink/internal/models"

	"github.com/stretchr/testify/mock"
)

// Mock endpoint
type mockEndpoint struct {
	mock.Mock
}

func (m *mockEndpoint) FetchMessages(ctx context.Context, bookingID string) ([]models.Message, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *mockEndpoint) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *mockEndpoint) Subscribe(ctx context.Context, bookingID string, onEvent func(models.ChangeEvent)) (Subscription, error) {
	args := m.Called(ctx, bookingID, onEvent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Subscription), args.Error(1)
}

func (m *mockEndpoint) FetchBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(models.BookingStatus), args.Error(1)
}

var errTransient = apperrors.WrapRetryable(errors.New("connection reset by peer"), apperrors.ErrCodeTransport, "create_message request failed")

var errPermanent = apperrors.New(apperrors.ErrCodeInvalidInput, "create_message request failed")

// fakeEndpoint is a small in-memory endpoint with failure injection
type fakeEndpoint struct {
	mu sync.Mutex

	messages map[string][]models.Message
	byKey    map[string]models.Message
	status   map[string]models.BookingStatus
	seq      int

	// createFailures is consumed one error per CreateMessage call
	createFailures []error
	fetchErr       error
	statusErr      error
	pushSupported  bool
	subscribeErr   error

	createCalls []models.NewMessage
	fetchCalls  int
	subs        []*fakeSubscription
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		messages: make(map[string][]models.Message),
		byKey:    make(map[string]models.Message),
		status:   make(map[string]models.BookingStatus),
	}
}

func (f *fakeEndpoint) FetchMessages(ctx context.Context, bookingID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]models.Message, len(f.messages[bookingID]))
	copy(out, f.messages[bookingID])
	return out, nil
}

func (f *fakeEndpoint) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, msg)
	if len(f.createFailures) > 0 {
		err := f.createFailures[0]
		f.createFailures = f.createFailures[1:]
		f.mu.Unlock()
		return models.Message{}, err
	}
	if existing, ok := f.byKey[msg.IdempotencyKey]; ok && msg.IdempotencyKey != "" {
		f.mu.Unlock()
		return existing, nil
	}
	f.seq++
	persisted := models.Message{
		ID:              fmt.Sprintf("s%d", f.seq),
		BookingID:       msg.BookingID,
		SenderRole:      msg.SenderRole,
		SenderID:        msg.SenderID,
		Body:            msg.Body,
		CreatedAt:       time.Now(),
		IsSystemMessage: msg.SenderRole == models.SenderRoleSystem,
		ClientKey:       msg.IdempotencyKey,
	}
	f.messages[msg.BookingID] = append(f.messages[msg.BookingID], persisted)
	if msg.IdempotencyKey != "" {
		f.byKey[msg.IdempotencyKey] = persisted
	}
	subs := f.subscribersLocked(msg.BookingID)
	f.mu.Unlock()

	for _, s := range subs {
		copied := persisted
		s.emit(models.ChangeEvent{Type: models.ChangeEventMessage, Message: &copied})
	}
	return persisted, nil
}

func (f *fakeEndpoint) Subscribe(ctx context.Context, bookingID string, onEvent func(models.ChangeEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pushSupported {
		return nil, ErrPushUnsupported
	}
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSubscription{bookingID: bookingID, onEvent: onEvent, done: make(chan struct{})}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeEndpoint) FetchBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	if s, ok := f.status[bookingID]; ok {
		return s, nil
	}
	return models.BookingStatusPending, nil
}

func (f *fakeEndpoint) setStatus(bookingID string, status models.BookingStatus, push bool) {
	f.mu.Lock()
	f.status[bookingID] = status
	subs := f.subscribersLocked(bookingID)
	f.mu.Unlock()
	if push {
		for _, s := range subs {
			s.emit(models.ChangeEvent{Type: models.ChangeEventStatus, Status: status})
		}
	}
}

func (f *fakeEndpoint) addRemote(msg models.Message) {
	f.mu.Lock()
	f.messages[msg.BookingID] = append(f.messages[msg.BookingID], msg)
	f.mu.Unlock()
}

func (f *fakeEndpoint) setFetchErr(err error) {
	f.mu.Lock()
	f.fetchErr = err
	f.mu.Unlock()
}

func (f *fakeEndpoint) setSubscribeErr(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

func (f *fakeEndpoint) failNextCreates(errs ...error) {
	f.mu.Lock()
	f.createFailures = append(f.createFailures, errs...)
	f.mu.Unlock()
}

func (f *fakeEndpoint) creates() []models.NewMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.NewMessage, len(f.createCalls))
	copy(out, f.createCalls)
	return out
}

func (f *fakeEndpoint) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeEndpoint) subscriptions() []*fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeSubscription, len(f.subs))
	copy(out, f.subs)
	return out
}

func (f *fakeEndpoint) subscribersLocked(bookingID string) []*fakeSubscription {
	var out []*fakeSubscription
	for _, s := range f.subs {
		if s.bookingID == bookingID && !s.isDone() {
			out = append(out, s)
		}
	}
	return out
}

type fakeSubscription struct {
	bookingID string
	onEvent   func(models.ChangeEvent)

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Unsubscribe() { s.end(nil) }

// drop simulates the channel failing
func (s *fakeSubscription) drop(err error) { s.end(err) }

func (s *fakeSubscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
}

func (s *fakeSubscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSubscription) emit(ev models.ChangeEvent) {
	if s.isDone() {
		return
	}
	s.onEvent(ev)
}
