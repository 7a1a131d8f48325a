package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"guardlink/internal/constants"
	apperrors "guardlink/internal/errors"
	"guardlink/internal/middleware"
	"guardlink/internal/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the reference server needs
type Store interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error)
	ListMessages(ctx context.Context, bookingID string, limit int) ([]models.Message, error)
	GetBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error)
	UpdateBookingStatus(ctx context.Context, bookingID string, status models.BookingStatus) (bool, error)
	Ping(ctx context.Context) error
}

// Config holds the runtime settings of the reference server
type Config struct {
	Port              int
	APIKey            string
	HeartbeatInterval time.Duration
	HistoryLimit      int
	MaxBodyLength     int
	Version           string
}

// ConfigFrom builds server settings from the application configuration
func ConfigFrom(cfg *models.Config, version string) Config {
	c := Config{
		Port:              cfg.Server.Port,
		APIKey:            cfg.Server.APIKey,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatIntervalSec) * time.Second,
		MaxBodyLength:     cfg.Delivery.MaxBodyLength,
		Version:           version,
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = constants.DefaultServerPort
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Duration(constants.DefaultHeartbeatIntervalSec) * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = constants.DefaultMessageHistoryLimit
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = constants.DefaultMaxBodyLength
	}
	return c
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	store  Store
	hub    *Hub
	config Config
	server *http.Server
}

func NewServer(config Config, store Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	config = config.withDefaults()
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		store:  store,
		hub:    NewHub(config.HeartbeatInterval, constants.DefaultEventBufferSize, logger),
		config: config,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	s.router.Use(middleware.APIKeyAuth(s.config.APIKey, s.logger, "/health"))
	s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.DefaultDetailedLoggingConfig()))

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apperrors.NewNotFoundError("route", r.URL.Path))
	})

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	bookings := s.router.PathPrefix("/v1/bookings/{bookingId}").Subrouter()
	bookings.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)
	bookings.HandleFunc("/messages", s.handleCreateMessage()).Methods(http.MethodPost)
	bookings.HandleFunc("/status", s.handleGetStatus()).Methods(http.MethodGet)
	bookings.HandleFunc("/status", s.handleUpdateStatus()).Methods(http.MethodPut)
	bookings.HandleFunc("/events", s.handleEvents()).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the push fanout
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes push subscribers first, then drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
