package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guardlink/internal/constants"
	apperrors "guardlink/internal/errors"
	"guardlink/internal/metrics"
	"guardlink/internal/models"
	"guardlink/internal/service"
	"guardlink/internal/tracing"
	"guardlink/pkg/circuitbreaker"
	"guardlink/pkg/transport/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ClientConfig configures the HTTP endpoint client
type ClientConfig struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	PushEnabled        bool
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// ClientConfigFrom converts the file configuration, filling defaults
func ClientConfigFrom(c models.TransportConfig) ClientConfig {
	cfg := ClientConfig{
		BaseURL:            c.BaseURL,
		APIKey:             c.APIKey,
		Timeout:            time.Duration(c.TimeoutSec) * time.Second,
		PushEnabled:        c.PushEnabled,
		BreakerMaxFailures: c.BreakerMaxFailures,
		BreakerTimeout:     time.Duration(c.BreakerTimeoutSec) * time.Second,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultHTTPTimeoutSec * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = constants.DefaultBreakerTimeoutSec * time.Second
	}
	return cfg
}

// Client talks to the reference endpoint server over REST and websocket
type Client struct {
	baseURL     string
	apiKey      string
	pushEnabled bool
	client      *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logrus.Logger
}

var _ service.Endpoint = (*Client)(nil)

// NewClient creates a client. A nil httpClient gets one with the configured timeout.
func NewClient(config ClientConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "transport",
		MaxFailures:      uint32(config.BreakerMaxFailures),
		Timeout:          config.BreakerTimeout,
		HalfOpenMaxCalls: constants.DefaultBreakerHalfOpenCalls,
		// rejected requests say nothing about endpoint health
		IsFailure: apperrors.IsRetryable,
	}, logger)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		metrics.SetGauge(metrics.BreakerStateGauge, float64(to), nil, "0 closed, 1 open, 2 half-open")
	})

	return &Client{
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:      config.APIKey,
		pushEnabled: config.PushEnabled,
		client:      httpClient,
		breaker:     breaker,
		logger:      logger,
	}
}

// BreakerState exposes the circuit state for health reporting
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) FetchMessages(ctx context.Context, bookingID string) ([]models.Message, error) {
	var resp types.MessagesResponse
	if err := c.do(ctx, "fetch_messages", bookingID, http.MethodGet, bookingPath(bookingID, "messages"), nil, &resp); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(resp.Messages))
	for _, dto := range resp.Messages {
		msgs = append(msgs, dto.ToMessage())
	}
	return msgs, nil
}

func (c *Client) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	req := types.CreateMessageRequest{
		SenderRole:     string(msg.SenderRole),
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		IdempotencyKey: msg.IdempotencyKey,
	}

	var dto types.MessageDTO
	if err := c.do(ctx, "create_message", msg.BookingID, http.MethodPost, bookingPath(msg.BookingID, "messages"), req, &dto); err != nil {
		return models.Message{}, err
	}
	return dto.ToMessage(), nil
}

func (c *Client) FetchBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error) {
	var resp types.StatusResponse
	if err := c.do(ctx, "fetch_status", bookingID, http.MethodGet, bookingPath(bookingID, "status"), nil, &resp); err != nil {
		return "", err
	}

	status, err := models.ParseBookingStatus(resp.Status)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeTransport, "endpoint returned unknown booking status")
	}
	return status, nil
}

// UpdateBookingStatus moves the booking forward. Used by operator tooling only.
func (c *Client) UpdateBookingStatus(ctx context.Context, bookingID string, status models.BookingStatus) error {
	return c.do(ctx, "update_status", bookingID, http.MethodPut, bookingPath(bookingID, "status"), types.UpdateStatusRequest{Status: string(status)}, nil)
}

// Health checks that the endpoint server is reachable
func (c *Client) Health(ctx context.Context) error {
	var resp types.HealthResponse
	return c.do(ctx, "health", "", http.MethodGet, "/health", nil, &resp)
}

func (c *Client) do(ctx context.Context, operation, bookingID, method, path string, payload, out interface{}) error {
	ctx, span := tracing.StartClientSpan(ctx, operation, bookingID)
	defer span.End()
	ctx, requestID := tracing.EnsureRequestID(ctx)
	start := time.Now()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, operation, method, path, payload, out)
	})
	if circuitbreaker.IsOpenError(err) {
		err = apperrors.WrapRetryable(err, apperrors.ErrCodeTransport, fmt.Sprintf("%s request skipped", operation))
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.GetCode(err))
		tracing.RecordError(ctx, err, attribute.String("outcome", outcome))
		c.logger.WithFields(logrus.Fields{
			"operation":               operation,
			"method":                  method,
			service.LogFieldRequestID: requestID,
		}).WithError(err).Debug("Transport request failed")
	}
	metrics.IncrementCounter(metrics.TransportRequestsTotal, map[string]string{"operation": operation, "outcome": outcome}, "Requests sent to the endpoint")
	metrics.RecordTimer(metrics.TransportRequestDuration, time.Since(start), map[string]string{"operation": operation}, "Endpoint request latency")
	return err
}

func (c *Client) roundTrip(ctx context.Context, operation, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tracing.RequestIDHeader, tracing.GetRequestID(ctx))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewTransportError(operation, 0, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, constants.DefaultMaxResponseBodyBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.NewTransportError(operation, resp.StatusCode, decodeError(resp.StatusCode, limited))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return apperrors.NewTransportError(operation, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func decodeError(statusCode int, body io.Reader) error {
	data, _ := io.ReadAll(body)
	var errResp types.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("endpoint error: status %d: %s", statusCode, errResp.Error)
	}
	return fmt.Errorf("endpoint error: status %d: %s", statusCode, strings.TrimSpace(string(data)))
}

func bookingPath(bookingID, resource string) string {
	return fmt.Sprintf("/v1/bookings/%s/%s", url.PathEscape(bookingID), resource)
}
