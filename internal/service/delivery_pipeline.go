package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"guardlink/internal/constants"
	apperrors "guardlink/internal/errors"
	"guardlink/internal/metrics"
	"guardlink/internal/models"
	"guardlink/internal/retry"

	"github.com/sirupsen/logrus"
)

// PipelineConfig tunes delivery retries
type PipelineConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	SendTimeout    time.Duration
	MaxBodyLength  int
}

// DefaultPipelineConfig returns the default delivery settings
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfigFrom(models.DeliveryConfig{})
}

// PipelineConfigFrom converts the file configuration, filling defaults
func PipelineConfigFrom(c models.DeliveryConfig) PipelineConfig {
	cfg := PipelineConfig{
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
		MaxAttempts:    c.MaxAttempts,
		SendTimeout:    time.Duration(c.SendTimeoutMs) * time.Millisecond,
		MaxBodyLength:  c.MaxBodyLength,
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = constants.DefaultRetryBackoffMs * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = constants.DefaultMaxBackoffMs * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = constants.DefaultSendTimeoutMs * time.Millisecond
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = constants.DefaultMaxBodyLength
	}
	return cfg
}

type queueEntry struct {
	models.DeliveryQueueEntry
	enqueuedAt time.Time
	// set by RetryFailed while an attempt is in flight
	retryNow bool
}

// DeliveryPipeline turns send requests into persisted messages. Entries are
// attempted one at a time in send order by a single worker.
type DeliveryPipeline struct {
	bookingID string
	endpoint  Endpoint
	config    PipelineConfig
	backoff   *retry.Backoff
	logger    *logrus.Logger

	mu        sync.Mutex
	store     *MessageStore
	queue     []*queueEntry
	connState models.ConnectionState
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeliveryPipeline creates a pipeline writing optimistic entries into
// store and starts its worker. Close must be called to release it.
func NewDeliveryPipeline(bookingID string, endpoint Endpoint, store *MessageStore, config PipelineConfig, logger *logrus.Logger) *DeliveryPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &DeliveryPipeline{
		bookingID: bookingID,
		endpoint:  endpoint,
		config:    config,
		backoff:   retry.NewBackoff(retry.FromMillis(int(config.InitialBackoff/time.Millisecond), int(config.MaxBackoff/time.Millisecond), config.MaxAttempts, false)),
		logger:    defaultLogger(logger),
		store:     store,
		connState: models.ConnectionStateConnecting,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Send validates the body, shows it immediately as pending and queues it
// for delivery. It panics if the pipeline has been closed.
func (p *DeliveryPipeline) Send(senderRole models.SenderRole, senderID, body string) (models.Message, error) {
	if err := p.validate(senderRole, senderID, body); err != nil {
		p.mustBeOpen()
		return models.Message{}, err
	}
	return p.enqueue(models.Message{
		ID:              NewTemporaryID(),
		SenderRole:      senderRole,
		SenderID:        senderID,
		Body:            body,
		IsSystemMessage: senderRole == models.SenderRoleSystem,
	})
}

// SendSystem queues the system message announcing a status. The temporary
// ID is derived from the booking and status, so repeated calls collapse into
// one entry and one persisted row.
func (p *DeliveryPipeline) SendSystem(status models.BookingStatus, body string) (models.Message, error) {
	if err := p.validate(models.SenderRoleSystem, models.SystemSenderID, body); err != nil {
		p.mustBeOpen()
		return models.Message{}, err
	}
	return p.enqueue(models.Message{
		ID:              SystemTemporaryID(p.bookingID, status),
		SenderRole:      models.SenderRoleSystem,
		SenderID:        models.SystemSenderID,
		Body:            body,
		IsSystemMessage: true,
	})
}

func (p *DeliveryPipeline) validate(senderRole models.SenderRole, senderID, body string) error {
	if !senderRole.Valid() {
		return apperrors.NewValidationError("sender_role", fmt.Sprintf("unknown role %q", senderRole))
	}
	if strings.TrimSpace(senderID) == "" {
		return apperrors.NewValidationError("sender_id", "must not be empty")
	}
	if strings.TrimSpace(body) == "" {
		return apperrors.NewValidationError("body", "must not be empty")
	}
	if n := utf8.RuneCountInString(body); n > p.config.MaxBodyLength {
		return apperrors.NewValidationError("body", fmt.Sprintf("exceeds %d characters", p.config.MaxBodyLength))
	}
	return nil
}

func (p *DeliveryPipeline) mustBeOpen() {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		panic("delivery pipeline: Send called after Close")
	}
}

func (p *DeliveryPipeline) enqueue(msg models.Message) (models.Message, error) {
	now := time.Now()
	msg.BookingID = p.bookingID
	msg.CreatedAt = now
	msg.DeliveryState = models.DeliveryStatePending

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		panic("delivery pipeline: Send called after Close")
	}
	store := p.store
	for _, e := range p.queue {
		if e.Message.ID == msg.ID {
			existing := e.Message
			p.mu.Unlock()
			return existing, nil
		}
	}
	if store != nil {
		if existing, ok := store.FindByClientKey(msg.ID); ok {
			p.mu.Unlock()
			return existing, nil
		}
	}
	p.queue = append(p.queue, &queueEntry{
		DeliveryQueueEntry: models.DeliveryQueueEntry{Message: msg, NextRetryAt: now},
		enqueuedAt:         now,
	})
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.SetGauge(metrics.DeliveryQueueDepth, float64(depth), nil, "Entries waiting for delivery")
	if store != nil {
		store.Merge(msg)
	}
	p.signal()

	ctx := context.Background()
	p.logger.WithFields(bookingFields(ctx, ComponentPipeline, p.bookingID)).
		WithFields(messageFields(ctx, msg)).
		Debug("Queued message for delivery")
	return msg, nil
}

// RetryFailed makes every queued entry due now. Parked entries get a fresh
// attempt budget. Parked entries do not hold back later sends, so a revived
// entry is persisted after any message sent while it was parked and takes
// the server timestamp of its new attempt.
func (p *DeliveryPipeline) RetryFailed() {
	p.mu.Lock()
	now := time.Now()
	store := p.store
	var revived []models.Message
	for _, e := range p.queue {
		e.NextRetryAt = now
		e.retryNow = true
		if e.Parked {
			e.Parked = false
			e.Attempts = 0
		}
		if e.Message.DeliveryState == models.DeliveryStateFailed {
			e.Message.DeliveryState = models.DeliveryStatePending
			revived = append(revived, e.Message)
		}
	}
	count := len(p.queue)
	p.mu.Unlock()

	if store != nil {
		store.MergeAll(revived)
	}
	if count > 0 {
		p.logger.WithFields(bookingFields(context.Background(), ComponentPipeline, p.bookingID)).
			WithField(LogFieldCount, count).
			Info("Retrying queued messages")
	}
	p.signal()
}

// SetConnectionState gates delivery: no attempts are made while disconnected
func (p *DeliveryPipeline) SetConnectionState(state models.ConnectionState) {
	p.mu.Lock()
	p.connState = state
	p.mu.Unlock()
	p.signal()
}

// Queue returns a snapshot of the entries still waiting for delivery
func (p *DeliveryPipeline) Queue() []models.DeliveryQueueEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.DeliveryQueueEntry, len(p.queue))
	for i, e := range p.queue {
		out[i] = e.DeliveryQueueEntry
	}
	return out
}

// Close stops accepting sends and detaches the store. Entries already queued
// keep being attempted until they are delivered, parked, or ctx expires.
func (p *DeliveryPipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.store = nil
	p.mu.Unlock()
	p.signal()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		remaining := len(p.Queue())
		p.logger.WithFields(bookingFields(context.Background(), ComponentPipeline, p.bookingID)).
			WithField(LogFieldCount, remaining).
			Warn("Delivery pipeline closed before queue drained")
		return ctx.Err()
	}
}

func (p *DeliveryPipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *DeliveryPipeline) run() {
	defer close(p.done)
	defer p.cancel()

	for {
		entry, wait, exit := p.next()
		if exit {
			return
		}
		if entry != nil {
			p.attempt(entry)
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-p.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next picks the head-of-line entry. It returns the entry if due, otherwise
// how long to wait (zero meaning until woken).
func (p *DeliveryPipeline) next() (*queueEntry, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var head *queueEntry
	for _, e := range p.queue {
		if !e.Parked {
			head = e
			break
		}
	}

	if head == nil {
		return nil, 0, p.closed
	}
	if p.connState == models.ConnectionStateDisconnected {
		return nil, 0, false
	}
	if wait := time.Until(head.NextRetryAt); wait > 0 {
		return nil, wait, false
	}
	head.retryNow = false
	return head, 0, false
}

func (p *DeliveryPipeline) attempt(entry *queueEntry) {
	p.mu.Lock()
	msg := entry.Message
	attempt := entry.Attempts + 1
	store := p.store
	revive := msg.DeliveryState != models.DeliveryStatePending
	if revive {
		entry.Message.DeliveryState = models.DeliveryStatePending
		msg = entry.Message
	}
	p.mu.Unlock()

	if revive && store != nil {
		store.Merge(msg)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.SendTimeout)
	persisted, err := p.endpoint.CreateMessage(ctx, models.NewMessage{
		BookingID:      p.bookingID,
		SenderRole:     msg.SenderRole,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		IdempotencyKey: msg.ID,
	})
	cancel()

	if p.ctx.Err() != nil {
		// closed while in flight; the entry stays queued as it was
		return
	}

	if err != nil {
		p.onFailure(entry, attempt, err)
		return
	}
	p.onSuccess(entry, attempt, persisted)
}

func (p *DeliveryPipeline) onSuccess(entry *queueEntry, attempt int, persisted models.Message) {
	tempID := entry.Message.ID
	confirmed := persisted
	confirmed.ReplacesTemporaryID = tempID
	if confirmed.ClientKey == "" {
		confirmed.ClientKey = tempID
	}
	confirmed.DeliveryState = models.DeliveryStateSent
	if confirmed.BookingID == "" {
		confirmed.BookingID = p.bookingID
	}

	p.mu.Lock()
	p.removeLocked(entry)
	store := p.store
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.IncrementCounter(metrics.MessagesSentTotal, map[string]string{"role": string(confirmed.SenderRole)}, "Messages confirmed by the endpoint")
	metrics.RecordTimer(metrics.DeliveryLatency, time.Since(entry.enqueuedAt), nil, "Time from send to confirmation")
	metrics.SetGauge(metrics.DeliveryQueueDepth, float64(depth), nil, "Entries waiting for delivery")

	if store != nil {
		store.Merge(confirmed)
	}

	ctx := context.Background()
	entryLog := p.logger.WithFields(bookingFields(ctx, ComponentPipeline, p.bookingID)).
		WithFields(messageFields(ctx, confirmed)).
		WithField(LogFieldAttempt, attempt)
	if attempt > 1 {
		entryLog.Info("Message delivered after retries")
	} else {
		entryLog.Debug("Message delivered")
	}
}

func (p *DeliveryPipeline) onFailure(entry *queueEntry, attempt int, err error) {
	p.mu.Lock()
	entry.Attempts = attempt
	entry.LastError = err.Error()
	entry.Message.DeliveryState = models.DeliveryStateFailed

	permanent := isPermanent(err)
	parked := permanent || attempt >= p.config.MaxAttempts
	var delay time.Duration
	switch {
	case parked:
		entry.Parked = true
	case entry.retryNow:
		entry.retryNow = false
		entry.NextRetryAt = time.Now()
	default:
		delay = p.backoff.GetNextDelay(attempt)
		entry.NextRetryAt = time.Now().Add(delay)
	}
	msg := entry.Message
	store := p.store
	p.mu.Unlock()

	if store != nil {
		store.Merge(msg)
	}

	fields := bookingFields(context.Background(), ComponentPipeline, p.bookingID)
	fields[LogFieldMessageID] = messageFields(context.Background(), msg)[LogFieldMessageID]
	fields[LogFieldAttempt] = attempt
	fields[LogFieldMaxAttempts] = p.config.MaxAttempts

	if parked {
		metrics.IncrementCounter(metrics.DeliveryParkedTotal, nil, "Entries that need a manual retry")
		apperrors.LogError(p.logger, err, "Failed to deliver message, waiting for manual retry", fields)
		return
	}

	metrics.IncrementCounter(metrics.DeliveryRetriesTotal, nil, "Delivery attempts that will be retried")
	fields[LogFieldDelay] = delay.Milliseconds()
	apperrors.LogWarn(p.logger, err, "Retrying message delivery", fields)
}

func (p *DeliveryPipeline) removeLocked(entry *queueEntry) {
	for i, e := range p.queue {
		if e == entry {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// isPermanent reports whether retrying err cannot succeed. Errors not
// classified by the transport are treated as transient.
func isPermanent(err error) bool {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return !appErr.Retryable
	}
	return false
}
