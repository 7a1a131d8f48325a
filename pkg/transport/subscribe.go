package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"guardlink/internal/constants"
	apperrors "guardlink/internal/errors"
	"guardlink/internal/models"
	"guardlink/internal/service"
	"guardlink/pkg/transport/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const dialTimeout = 10 * time.Second

var errClosedByServer = errors.New("push channel closed by server")

// Subscribe opens the websocket event stream of a booking. onEvent is called
// from the subscription's read goroutine.
func (c *Client) Subscribe(ctx context.Context, bookingID string, onEvent func(models.ChangeEvent)) (service.Subscription, error) {
	if !c.pushEnabled {
		return nil, service.ErrPushUnsupported
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, websocketURL(c.baseURL)+bookingPath(bookingID, "events"), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusNotFound || status == http.StatusNotImplemented {
			return nil, service.ErrPushUnsupported
		}
		return nil, apperrors.NewTransportError("subscribe", status, err)
	}
	conn.SetReadLimit(constants.DefaultWebsocketReadLimit)

	subCtx, subCancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		conn:   conn,
		cancel: subCancel,
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go sub.readLoop(subCtx, onEvent)

	c.logger.WithFields(logrus.Fields{
		"operation": "subscribe",
	}).Debug("Push channel opened")
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	logger *logrus.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *wsSubscription) Done() <-chan struct{} { return s.done }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe closes the channel and waits for the read goroutine to exit
func (s *wsSubscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

func (s *wsSubscription) readLoop(ctx context.Context, onEvent func(models.ChangeEvent)) {
	for {
		var frame types.Event
		err := wsjson.Read(ctx, s.conn, &frame)
		if err != nil {
			s.finish(ctx, err)
			return
		}

		ev, ok := frame.ToChangeEvent()
		if !ok {
			s.logger.WithField("event_type", frame.Type).Debug("Skipping unrecognized push frame")
			continue
		}
		onEvent(ev)
	}
}

func (s *wsSubscription) finish(ctx context.Context, readErr error) {
	s.once.Do(func() {
		var err error
		switch {
		case ctx.Err() != nil:
			// unsubscribed
		case websocket.CloseStatus(readErr) == websocket.StatusNormalClosure ||
			websocket.CloseStatus(readErr) == websocket.StatusGoingAway:
			err = apperrors.WrapRetryable(errClosedByServer, apperrors.ErrCodeTransport, "push channel ended")
		default:
			err = apperrors.NewTransportError("subscribe", 0, readErr)
		}

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		_ = s.conn.CloseNow()
		close(s.done)
	})
}

// websocketURL maps an http(s) base URL onto ws(s)
func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
