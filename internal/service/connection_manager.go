package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"guardlink/internal/constants"
	apperrors "guardlink/internal/errors"
	"guardlink/internal/metrics"
	"guardlink/internal/models"
	"guardlink/internal/retry"

	"github.com/sirupsen/logrus"
)

var (
	errReconnectRequested = errors.New("reconnect requested")
	errHeartbeatTimeout   = errors.New("no event received within heartbeat timeout")
	errPushClosed         = errors.New("push channel closed by endpoint")
)

// ConnectionConfig tunes the connection manager
type ConnectionConfig struct {
	PushEnabled      bool
	PollInterval     time.Duration
	PollTimeout      time.Duration
	MaxPollFailures  int
	HeartbeatTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// ConnectionConfigFrom converts the file configuration, filling defaults
func ConnectionConfigFrom(c models.ConnectionConfig, pushEnabled bool) ConnectionConfig {
	cfg := ConnectionConfig{
		PushEnabled:      pushEnabled,
		PollInterval:     time.Duration(c.PollIntervalMs) * time.Millisecond,
		PollTimeout:      time.Duration(c.PollTimeoutMs) * time.Millisecond,
		MaxPollFailures:  c.MaxPollFailures,
		HeartbeatTimeout: time.Duration(c.HeartbeatTimeoutSec) * time.Second,
		ReconnectInitial: time.Duration(c.ReconnectInitialMs) * time.Millisecond,
		ReconnectMax:     time.Duration(c.ReconnectMaxMs) * time.Millisecond,
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollIntervalMs * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = constants.DefaultPollTimeoutMs * time.Millisecond
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = constants.DefaultMaxPollFailures
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = constants.DefaultHeartbeatTimeoutSec * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = constants.DefaultReconnectInitialMs * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = constants.DefaultReconnectMaxMs * time.Millisecond
	}
	return cfg
}

// ConnectionManager keeps one booking's live channel to the endpoint open
// and reports new messages, status changes and connection health.
//
// Polling always runs. When push is enabled a subscription runs next to it,
// so a stalled push channel is covered by the poller and a failing poller
// by push. The reported state is connected while either channel works.
type ConnectionManager struct {
	endpoint      Endpoint
	config        ConnectionConfig
	logger        *logrus.Logger
	pushReconnect *retry.Sequence
	pollReconnect *retry.Sequence

	mu                 sync.RWMutex
	running            bool
	bookingID          string
	onMessage          func(models.Message)
	onConnectionChange func(models.ConnectionState)
	onStatus           func(models.BookingStatus)
	state              models.ConnectionState
	pushState          models.ConnectionState
	pollState          models.ConnectionState
	seen               map[string]models.Message
	lastStatus         models.BookingStatus
	cancel             context.CancelFunc
	wg                 sync.WaitGroup

	// serializes state changes together with their callbacks
	stateMu sync.Mutex

	pushWake chan struct{}
	pollWake chan struct{}
}

type channel int

const (
	channelPush channel = iota
	channelPoll
)

// NewConnectionManager creates a stopped connection manager
func NewConnectionManager(endpoint Endpoint, config ConnectionConfig, logger *logrus.Logger) *ConnectionManager {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: config.ReconnectInitial,
		MaxDelay:     config.ReconnectMax,
		Multiplier:   2.0,
		MaxAttempts:  1,
	})
	return &ConnectionManager{
		endpoint:      endpoint,
		config:        config,
		logger:        defaultLogger(logger),
		pushReconnect: backoff.Sequence(),
		pollReconnect: backoff.Sequence(),
		state:         models.ConnectionStateDisconnected,
		pushWake:      make(chan struct{}, 1),
		pollWake:      make(chan struct{}, 1),
	}
}

// OnStatus registers the observer for booking status readings. It must be
// called before Start.
func (cm *ConnectionManager) OnStatus(fn func(models.BookingStatus)) {
	cm.mu.Lock()
	cm.onStatus = fn
	cm.mu.Unlock()
}

// Start opens the channel for a booking. Calling it again without Stop
// returns ErrAlreadyStarted.
func (cm *ConnectionManager) Start(bookingID string, onMessage func(models.Message), onConnectionChange func(models.ConnectionState)) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.running = true
	cm.bookingID = bookingID
	cm.onMessage = onMessage
	cm.onConnectionChange = onConnectionChange
	cm.seen = make(map[string]models.Message)
	cm.lastStatus = ""
	cm.cancel = cancel
	cm.pushState = models.ConnectionStateDisconnected
	cm.pollState = models.ConnectionStateConnecting
	if cm.config.PushEnabled {
		cm.pushState = models.ConnectionStateConnecting
	}
	cm.pushReconnect.Reset()
	cm.pollReconnect.Reset()
	drain(cm.pushWake)
	drain(cm.pollWake)

	cm.wg.Add(1)
	go cm.pollLoop(ctx)
	if cm.config.PushEnabled {
		cm.wg.Add(1)
		go cm.pushLoop(ctx)
	}

	cm.logger.WithFields(bookingFields(context.Background(), ComponentConnection, bookingID)).
		WithField("push_enabled", cm.config.PushEnabled).
		WithField("poll_interval_ms", cm.config.PollInterval.Milliseconds()).
		Info("Connection manager started")
	return nil
}

// Stop cancels polling and the push subscription. It is safe to call more than once.
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return
	}
	cancel := cm.cancel
	bookingID := cm.bookingID
	cm.mu.Unlock()

	cancel()
	cm.wg.Wait()

	cm.mu.Lock()
	cm.running = false
	cm.state = models.ConnectionStateDisconnected
	cm.mu.Unlock()

	cm.logger.WithFields(bookingFields(context.Background(), ComponentConnection, bookingID)).Info("Connection manager stopped")
}

// Reconnect resets the backoff and retries both channels immediately
func (cm *ConnectionManager) Reconnect() {
	cm.pushReconnect.Reset()
	cm.pollReconnect.Reset()
	wake(cm.pushWake)
	wake(cm.pollWake)
}

// State returns the current connection health
func (cm *ConnectionManager) State() models.ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsRunning returns whether the manager is started
func (cm *ConnectionManager) IsRunning() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.running
}

func (cm *ConnectionManager) pushLoop(ctx context.Context) {
	defer cm.wg.Done()

	for {
		cm.setChannelState(channelPush, models.ConnectionStateConnecting)

		err := cm.pushSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPushUnsupported) {
			cm.setChannelState(channelPush, models.ConnectionStateDisconnected)
			cm.logger.WithFields(cm.fields()).Info("Push not available, relying on polling")
			return
		}
		if errors.Is(err, errReconnectRequested) {
			continue
		}

		cm.setChannelState(channelPush, models.ConnectionStateDisconnected)
		delay := cm.pushReconnect.Next()
		metrics.IncrementCounter(metrics.ReconnectsTotal, map[string]string{"channel": "push"}, "Automatic reconnection attempts")

		fields := cm.fields()
		fields[LogFieldDelay] = delay.Milliseconds()
		fields[LogFieldAttempt] = cm.pushReconnect.Attempt()
		apperrors.LogWarn(cm.logger, err, "Push channel lost, resubscribing", fields)

		if !sleep(ctx, cm.pushWake, delay) {
			return
		}
	}
}

func (cm *ConnectionManager) pushSession(ctx context.Context) error {
	activity := make(chan struct{}, 1)
	handler := func(ev models.ChangeEvent) {
		if ctx.Err() != nil {
			return
		}
		wake(activity)
		cm.handleEvent(ev)
	}

	sub, err := cm.endpoint.Subscribe(ctx, cm.currentBookingID(), handler)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	cm.setChannelState(channelPush, models.ConnectionStateConnected)
	cm.pushReconnect.Reset()

	// catch up on anything missed while unsubscribed
	wake(cm.pollWake)

	timer := time.NewTimer(cm.config.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cm.pushWake:
			return errReconnectRequested
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return errPushClosed
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(cm.config.HeartbeatTimeout)
		case <-timer.C:
			return errHeartbeatTimeout
		}
	}
}

// pollLoop fetches every PollInterval for as long as the manager runs.
// After MaxPollFailures consecutive failures the poll channel counts as
// down and further attempts follow the reconnect backoff.
func (cm *ConnectionManager) pollLoop(ctx context.Context) {
	defer cm.wg.Done()

	cm.setChannelState(channelPoll, models.ConnectionStateConnecting)

	failures := 0
	for {
		if failures >= cm.config.MaxPollFailures {
			cm.setChannelState(channelPoll, models.ConnectionStateConnecting)
		}

		wait := cm.config.PollInterval
		err := cm.pollOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			metrics.IncrementCounter(metrics.PollFailuresTotal, nil, "Failed poll cycles")

			fields := cm.fields()
			fields[LogFieldFailures] = failures
			if failures >= cm.config.MaxPollFailures {
				cm.setChannelState(channelPoll, models.ConnectionStateDisconnected)
				wait = cm.pollReconnect.Next()
				metrics.IncrementCounter(metrics.ReconnectsTotal, map[string]string{"channel": "poll"}, "Automatic reconnection attempts")
				fields[LogFieldDelay] = wait.Milliseconds()
				fields[LogFieldAttempt] = cm.pollReconnect.Attempt()
				apperrors.LogWarn(cm.logger, err, "Polling failed repeatedly, backing off", fields)
			} else {
				apperrors.LogWarn(cm.logger, err, "Poll failed", fields)
			}
		} else {
			failures = 0
			cm.setChannelState(channelPoll, models.ConnectionStateConnected)
			cm.pollReconnect.Reset()
		}

		if !sleep(ctx, cm.pollWake, wait) {
			return
		}
	}
}

// pollOnce fetches messages and status, each bounded by the poll timeout
func (cm *ConnectionManager) pollOnce(ctx context.Context) error {
	bookingID := cm.currentBookingID()

	fetchCtx, cancel := context.WithTimeout(ctx, cm.config.PollTimeout)
	msgs, err := cm.endpoint.FetchMessages(fetchCtx, bookingID)
	cancel()
	if err != nil {
		return err
	}

	statusCtx, cancel := context.WithTimeout(ctx, cm.config.PollTimeout)
	status, err := cm.endpoint.FetchBookingStatus(statusCtx, bookingID)
	cancel()
	if err != nil {
		return err
	}

	delivered := 0
	for _, msg := range msgs {
		if cm.deliverMessage(msg) {
			delivered++
		}
	}
	if delivered > 0 {
		cm.logger.WithFields(cm.fields()).WithField(LogFieldCount, delivered).Debug("Poll found new messages")
	}
	cm.deliverStatus(status)
	return nil
}

func (cm *ConnectionManager) handleEvent(ev models.ChangeEvent) {
	switch ev.Type {
	case models.ChangeEventMessage:
		if ev.Message != nil {
			cm.deliverMessage(*ev.Message)
		}
	case models.ChangeEventStatus:
		cm.deliverStatus(ev.Status)
	case models.ChangeEventHeartbeat:
	default:
		cm.logger.WithFields(cm.fields()).WithField("event_type", ev.Type).Debug("Skipping unknown push event")
	}
}

// deliverMessage forwards msg unless an identical version was already delivered
func (cm *ConnectionManager) deliverMessage(msg models.Message) bool {
	cm.mu.Lock()
	if prev, ok := cm.seen[msg.ID]; ok && prev.SameContent(msg) && prev.ClientKey == msg.ClientKey {
		cm.mu.Unlock()
		return false
	}
	cm.seen[msg.ID] = msg
	onMessage := cm.onMessage
	cm.mu.Unlock()

	metrics.IncrementCounter(metrics.MessagesReceivedTotal, nil, "Messages received from the endpoint")
	if onMessage != nil {
		onMessage(msg)
	}
	return true
}

func (cm *ConnectionManager) deliverStatus(status models.BookingStatus) {
	if status == "" {
		return
	}
	cm.mu.Lock()
	if status == cm.lastStatus {
		cm.mu.Unlock()
		return
	}
	cm.lastStatus = status
	onStatus := cm.onStatus
	cm.mu.Unlock()

	if onStatus != nil {
		onStatus(status)
	}
}

// setChannelState records the health of one channel and publishes the
// combined state if it changed
func (cm *ConnectionManager) setChannelState(ch channel, state models.ConnectionState) {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()

	cm.mu.Lock()
	if ch == channelPush {
		cm.pushState = state
	} else {
		cm.pollState = state
	}
	previous := cm.state
	combined := combineStates(cm.pushState, cm.pollState)
	if previous == combined {
		cm.mu.Unlock()
		return
	}
	cm.state = combined
	onChange := cm.onConnectionChange
	bookingID := cm.bookingID
	cm.mu.Unlock()

	metrics.SetGauge(metrics.ConnectionStateGauge, stateValue(combined), nil, "0 disconnected, 1 connecting, 2 connected")

	fields := bookingFields(context.Background(), ComponentConnection, bookingID)
	fields[LogFieldState] = combined
	fields[LogFieldPreviousState] = previous
	cm.logger.WithFields(fields).Info("Connection state changed")

	if onChange != nil {
		onChange(combined)
	}
}

// combineStates is connected while either channel works and disconnected
// only once both are down
func combineStates(push, poll models.ConnectionState) models.ConnectionState {
	switch {
	case push == models.ConnectionStateConnected || poll == models.ConnectionStateConnected:
		return models.ConnectionStateConnected
	case push == models.ConnectionStateDisconnected && poll == models.ConnectionStateDisconnected:
		return models.ConnectionStateDisconnected
	default:
		return models.ConnectionStateConnecting
	}
}

// sleep waits for d or a wake-up; it returns false once ctx is done
func sleep(ctx context.Context, wakeCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wakeCh:
	case <-timer.C:
	}
	return true
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func (cm *ConnectionManager) currentBookingID() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.bookingID
}

func (cm *ConnectionManager) fields() logrus.Fields {
	return bookingFields(context.Background(), ComponentConnection, cm.currentBookingID())
}

func stateValue(state models.ConnectionState) float64 {
	switch state {
	case models.ConnectionStateConnected:
		return 2
	case models.ConnectionStateConnecting:
		return 1
	default:
		return 0
	}
}
