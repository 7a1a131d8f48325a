package service

import (
	"context"
	"sync"

	apperrors "guardlink/internal/errors"
	"guardlink/internal/models"

	"github.com/sirupsen/logrus"
)

// SessionConfig bundles the settings of the components owned by a session
type SessionConfig struct {
	Connection ConnectionConfig
	Delivery   PipelineConfig
}

// SessionConfigFrom builds session settings from the application configuration
func SessionConfigFrom(cfg *models.Config) SessionConfig {
	return SessionConfig{
		Connection: ConnectionConfigFrom(cfg.Connection, cfg.Transport.PushEnabled),
		Delivery:   PipelineConfigFrom(cfg.Delivery),
	}
}

// ChatSession owns the chat of one booking while its view is open: the
// message store, the delivery pipeline, the status machine and the
// connection manager.
type ChatSession struct {
	bookingID string
	endpoint  Endpoint
	config    SessionConfig
	logger    *logrus.Logger

	store    *MessageStore
	pipeline *DeliveryPipeline
	machine  *StatusMachine
	conn     *ConnectionManager

	mu                 sync.Mutex
	opened             bool
	closed             bool
	outage             bool
	onConnectionChange []func(models.ConnectionState)
}

// NewChatSession wires the components for bookingID. Nothing touches the
// network until Open.
func NewChatSession(bookingID string, endpoint Endpoint, config SessionConfig, logger *logrus.Logger) *ChatSession {
	logger = defaultLogger(logger)
	store := NewMessageStore(bookingID, logger)
	pipeline := NewDeliveryPipeline(bookingID, endpoint, store, config.Delivery, logger)
	return &ChatSession{
		bookingID: bookingID,
		endpoint:  endpoint,
		config:    config,
		logger:    logger,
		store:     store,
		pipeline:  pipeline,
		machine:   NewStatusMachine(bookingID, pipeline, logger),
		conn:      NewConnectionManager(endpoint, config.Connection, logger),
	}
}

// BookingID returns the booking this session belongs to
func (s *ChatSession) BookingID() string {
	return s.bookingID
}

// OnChange registers a callback fired after the message list changes
func (s *ChatSession) OnChange(fn func()) {
	s.store.OnChange(fn)
}

// OnConnectionChange registers a callback fired on every connection state change
func (s *ChatSession) OnConnectionChange(fn func(models.ConnectionState)) {
	s.mu.Lock()
	s.onConnectionChange = append(s.onConnectionChange, fn)
	s.mu.Unlock()
}

// Open loads the history and current status, then starts the live channel.
// A failed initial load is not fatal: the connection manager catches up once
// the endpoint is reachable.
func (s *ChatSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.opened = true
	s.mu.Unlock()

	fields := bookingFields(ctx, ComponentSession, s.bookingID)

	fetchCtx, cancel := context.WithTimeout(ctx, s.config.Connection.PollTimeout)
	msgs, err := s.endpoint.FetchMessages(fetchCtx, s.bookingID)
	cancel()
	if err != nil {
		apperrors.LogWarn(s.logger, err, "Initial message load failed", fields)
	} else {
		s.store.MergeAll(msgs)
	}

	statusCtx, cancel := context.WithTimeout(ctx, s.config.Connection.PollTimeout)
	status, err := s.endpoint.FetchBookingStatus(statusCtx, s.bookingID)
	cancel()
	if err != nil {
		apperrors.LogWarn(s.logger, err, "Initial status load failed", fields)
	} else {
		s.machine.Observe(status)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.conn.OnStatus(func(status models.BookingStatus) {
		s.machine.Observe(status)
	})
	if err := s.conn.Start(s.bookingID, s.onMessage, s.onStateChange); err != nil {
		return err
	}

	s.logger.WithFields(fields).
		WithField(LogFieldCount, s.store.Len()).
		WithField(LogFieldStatus, s.machine.Current()).
		Info("Chat session opened")
	return nil
}

func (s *ChatSession) onMessage(msg models.Message) {
	s.store.Merge(msg)
}

func (s *ChatSession) onStateChange(state models.ConnectionState) {
	s.mu.Lock()
	recovered := false
	// reconnect attempts after an outage keep delivery on hold
	gated := state
	switch state {
	case models.ConnectionStateDisconnected:
		s.outage = true
	case models.ConnectionStateConnecting:
		if s.outage {
			gated = models.ConnectionStateDisconnected
		}
	case models.ConnectionStateConnected:
		recovered = s.outage
		s.outage = false
	}
	callbacks := make([]func(models.ConnectionState), len(s.onConnectionChange))
	copy(callbacks, s.onConnectionChange)
	s.mu.Unlock()

	s.pipeline.SetConnectionState(gated)
	if recovered {
		s.pipeline.RetryFailed()
	}

	for _, fn := range callbacks {
		fn(state)
	}
}

// Send posts a message as senderRole/senderID. The returned pending message
// is already visible in Messages.
func (s *ChatSession) Send(senderRole models.SenderRole, senderID, body string) (models.Message, error) {
	return s.pipeline.Send(senderRole, senderID, body)
}

// Messages returns the ordered chat
func (s *ChatSession) Messages() []models.Message {
	return s.store.All()
}

// Status returns the last accepted booking status
func (s *ChatSession) Status() models.BookingStatus {
	return s.machine.Current()
}

// ConnectionState returns the health of the live channel
func (s *ChatSession) ConnectionState() models.ConnectionState {
	return s.conn.State()
}

// Queue returns the messages still waiting for delivery
func (s *ChatSession) Queue() []models.DeliveryQueueEntry {
	return s.pipeline.Queue()
}

// RetryFailed retries every undelivered message now
func (s *ChatSession) RetryFailed() {
	s.pipeline.RetryFailed()
}

// Reconnect asks the connection manager to reconnect immediately
func (s *ChatSession) Reconnect() {
	s.conn.Reconnect()
}

// Close stops the live channel and gives queued messages until ctx expires
// to reach the endpoint.
func (s *ChatSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Stop()
	err := s.pipeline.Close(ctx)

	s.logger.WithFields(bookingFields(ctx, ComponentSession, s.bookingID)).Info("Chat session closed")
	return err
}
