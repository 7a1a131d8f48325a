package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"guardlink/internal/constants"
	"guardlink/internal/metrics"
	"guardlink/internal/privacy"
	"guardlink/internal/service"
	"guardlink/pkg/transport/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Hub fans persisted changes out to the websocket subscribers of each booking
type Hub struct {
	heartbeat time.Duration
	buffer    int
	logger    *logrus.Logger

	mu          sync.Mutex
	closed      bool
	subscribers map[string]map[*subscriber]struct{}
}

type subscriber struct {
	events    chan types.Event
	done      chan struct{}
	heartbeat time.Duration
	once      sync.Once
	code      websocket.StatusCode
	reason    string
}

func (s *subscriber) drop(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.code = code
		s.reason = reason
		close(s.done)
	})
}

func NewHub(heartbeat time.Duration, buffer int, logger *logrus.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = time.Duration(constants.DefaultHeartbeatIntervalSec) * time.Second
	}
	if buffer <= 0 {
		buffer = constants.DefaultEventBufferSize
	}
	return &Hub{
		heartbeat:   heartbeat,
		buffer:      buffer,
		logger:      logger,
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish queues ev for every subscriber of bookingID. A subscriber whose
// buffer is full is disconnected and catches up by polling.
func (h *Hub) Publish(bookingID string, ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers[bookingID] {
		select {
		case sub.events <- ev:
		default:
			sub.drop(websocket.StatusPolicyViolation, "subscriber too slow")
			h.logger.WithField(service.LogFieldBookingID, privacy.MaskBookingID(bookingID)).
				Warn("Dropping slow push subscriber")
		}
	}
}

// SetHeartbeat changes the heartbeat interval of subscribers that connect
// from now on
func (h *Hub) SetHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.mu.Lock()
	h.heartbeat = interval
	h.mu.Unlock()
}

// Count returns the number of live subscribers for bookingID
func (h *Hub) Count(bookingID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[bookingID])
}

// Close disconnects every subscriber and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, subs := range h.subscribers {
		for sub := range subs {
			sub.drop(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

func (h *Hub) add(bookingID string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	sub := &subscriber{
		events:    make(chan types.Event, h.buffer),
		done:      make(chan struct{}),
		heartbeat: h.heartbeat,
	}
	if h.subscribers[bookingID] == nil {
		h.subscribers[bookingID] = make(map[*subscriber]struct{})
	}
	h.subscribers[bookingID][sub] = struct{}{}
	h.setGauge(bookingID)
	return sub, true
}

func (h *Hub) remove(bookingID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers[bookingID], sub)
	if len(h.subscribers[bookingID]) == 0 {
		delete(h.subscribers, bookingID)
	}
	h.setGauge(bookingID)
}

func (h *Hub) setGauge(bookingID string) {
	total := 0
	for _, subs := range h.subscribers {
		total += len(subs)
	}
	metrics.SetGauge(metrics.PushSubscribersGauge, float64(total), nil, "Open push channel connections")
}

// Serve upgrades the request and streams the booking's events until the
// client leaves, the subscriber is dropped or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, bookingID string) {
	fields := logrus.Fields{
		service.LogFieldBookingID: privacy.MaskBookingID(bookingID),
		service.LogFieldComponent: "event_hub",
	}

	// hijacked connections keep the server's read/write deadlines otherwise
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("Failed to accept push subscriber")
		return
	}
	conn.SetReadLimit(constants.DefaultWebsocketReadLimit)

	sub, ok := h.add(bookingID)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(bookingID, sub)

	h.logger.WithFields(fields).Debug("Push subscriber connected")

	// clients never send frames; CloseRead handles control frames and
	// cancels ctx once the peer goes away
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(sub.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.WithFields(fields).Debug("Push subscriber left")
			_ = conn.CloseNow()
			return
		case <-sub.done:
			h.logger.WithFields(fields).WithField("reason", sub.reason).Info("Closing push subscriber")
			_ = conn.Close(sub.code, sub.reason)
			return
		case ev := <-sub.events:
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.WithFields(fields).WithError(err).Debug("Push write failed")
				_ = conn.CloseNow()
				return
			}
		case <-ticker.C:
			if err := h.write(ctx, conn, types.HeartbeatEvent()); err != nil {
				h.logger.WithFields(fields).WithError(err).Debug("Heartbeat write failed")
				_ = conn.CloseNow()
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev types.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultWebsocketWriteTimeout)*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
