package service

import (
	"context"
	"sync"

	"guardlink/internal/metrics"
	"guardlink/internal/models"

	"github.com/sirupsen/logrus"
)

// SystemMessageSender posts the chat announcement of a status change
type SystemMessageSender interface {
	SendSystem(status models.BookingStatus, body string) (models.Message, error)
}

// StatusMachine follows the booking lifecycle and announces each forward
// transition once. The first observation only records the baseline.
type StatusMachine struct {
	bookingID string
	sender    SystemMessageSender
	logger    *logrus.Logger

	// emitMu keeps announcements in observation order
	emitMu sync.Mutex

	mu          sync.RWMutex
	current     models.BookingStatus
	initialized bool
	announced   map[models.BookingStatus]bool
}

// NewStatusMachine creates a machine that has not observed any status yet
func NewStatusMachine(bookingID string, sender SystemMessageSender, logger *logrus.Logger) *StatusMachine {
	return &StatusMachine{
		bookingID: bookingID,
		sender:    sender,
		logger:    defaultLogger(logger),
		announced: make(map[models.BookingStatus]bool),
	}
}

// Current returns the last accepted status, empty before the first observation
func (m *StatusMachine) Current() models.BookingStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Observe feeds one status reading from push, poll or the initial fetch.
// It reports whether a system message was emitted.
func (m *StatusMachine) Observe(status models.BookingStatus) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	fields := bookingFields(context.Background(), ComponentStatus, m.bookingID)
	fields[LogFieldStatus] = status

	if !status.Valid() {
		m.logger.WithFields(fields).Warn("Skipping status observation: unknown status")
		return false
	}

	m.mu.Lock()
	previous := m.current
	fields[LogFieldPrevStatus] = previous

	switch {
	case !m.initialized:
		m.current = status
		m.initialized = true
		m.mu.Unlock()
		m.logger.WithFields(fields).Debug("Recorded baseline booking status")
		return false

	case previous.IsTerminal():
		m.mu.Unlock()
		if status != previous {
			metrics.IncrementCounter(metrics.StatusIgnoredTotal, map[string]string{"reason": "terminal"}, "Status observations ignored")
			m.logger.WithFields(fields).Warn("Ignoring status change after terminal status")
		}
		return false

	case status == previous:
		m.mu.Unlock()
		return false

	case !previous.CanTransitionTo(status):
		m.mu.Unlock()
		metrics.IncrementCounter(metrics.StatusIgnoredTotal, map[string]string{"reason": "stale"}, "Status observations ignored")
		m.logger.WithFields(fields).Debug("Ignoring out-of-order status")
		return false
	}

	m.current = status
	emit := !m.announced[status]
	m.announced[status] = true
	m.mu.Unlock()

	metrics.IncrementCounter(metrics.StatusTransitions, map[string]string{"status": string(status)}, "Accepted booking status transitions")
	m.logger.WithFields(fields).Info("Booking status advanced")

	if !emit {
		return false
	}
	if _, err := m.sender.SendSystem(status, status.SystemMessage()); err != nil {
		m.logger.WithFields(fields).WithError(err).Error("Failed to queue status announcement")
		return false
	}
	return true
}
