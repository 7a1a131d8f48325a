package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "guardlink/internal/errors"
	"guardlink/internal/metrics"
	"guardlink/internal/models"
	"guardlink/internal/privacy"
	"guardlink/internal/service"
	"guardlink/internal/tracing"
	"guardlink/internal/validation"
	"guardlink/pkg/transport/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRequestBytes = 64 << 10

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := types.HealthResponse{Status: "ok", Timestamp: time.Now().UTC(), Version: s.config.Version}
		if err := s.store.Ping(r.Context()); err != nil {
			apperrors.LogError(s.logger, err, "Health check failed")
			resp.Status = "degraded"
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

// handleMetrics returns current application metrics
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		s.writeJSON(w, http.StatusOK, metrics.GetAllMetrics())
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, ok := s.bookingID(w, r)
		if !ok {
			return
		}

		limit := s.config.HistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, apperrors.NewValidationError("limit", "must be a positive integer"))
				return
			}
			if err := validation.ValidateNumericRange(n, "limit", 1, math.MaxInt32); err != nil {
				s.writeError(w, r, err)
				return
			}
			if n < limit {
				limit = n
			}
		}

		msgs, err := s.store.ListMessages(r.Context(), bookingID, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		resp := types.MessagesResponse{Messages: make([]types.MessageDTO, 0, len(msgs))}
		for _, m := range msgs {
			resp.Messages = append(resp.Messages, types.FromMessage(m))
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleCreateMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, ok := s.bookingID(w, r)
		if !ok {
			return
		}

		var req types.CreateMessageRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := validation.ValidateSenderID(req.SenderID); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := validation.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
			s.writeError(w, r, err)
			return
		}
		if utf8.RuneCountInString(req.Body) > s.config.MaxBodyLength {
			s.writeError(w, r, apperrors.NewValidationError("body", fmt.Sprintf("longer than %d characters", s.config.MaxBodyLength)))
			return
		}

		msg, created, err := s.store.CreateMessage(r.Context(), models.NewMessage{
			BookingID:      bookingID,
			SenderRole:     models.SenderRole(req.SenderRole),
			SenderID:       req.SenderID,
			Body:           req.Body,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID:  tracing.GetRequestID(r.Context()),
			service.LogFieldBookingID:  privacy.MaskBookingID(bookingID),
			service.LogFieldMessageID:  privacy.MaskMessageID(msg.ID),
			service.LogFieldSenderRole: msg.SenderRole,
			"created":                  created,
		}).Debug("Message stored")

		status := http.StatusOK
		if created {
			status = http.StatusCreated
			s.hub.Publish(bookingID, types.MessageEvent(msg))
		}
		s.writeJSON(w, status, types.FromMessage(msg))
	}
}

func (s *Server) handleGetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, ok := s.bookingID(w, r)
		if !ok {
			return
		}

		status, err := s.store.GetBookingStatus(r.Context(), bookingID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, types.StatusResponse{BookingID: bookingID, Status: string(status)})
	}
}

// handleUpdateStatus is the operator tooling path; chat clients only read status
func (s *Server) handleUpdateStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, ok := s.bookingID(w, r)
		if !ok {
			return
		}

		var req types.UpdateStatusRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		status, err := models.ParseBookingStatus(req.Status)
		if err != nil {
			s.writeError(w, r, apperrors.NewValidationError("status", err.Error()))
			return
		}

		changed, err := s.store.UpdateBookingStatus(r.Context(), bookingID, status)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if changed {
			s.logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
				service.LogFieldBookingID: privacy.MaskBookingID(bookingID),
				service.LogFieldStatus:    status,
			}).Info("Booking status updated")
			s.hub.Publish(bookingID, types.StatusEvent(status))
		}
		s.writeJSON(w, http.StatusOK, types.StatusResponse{BookingID: bookingID, Status: string(status)})
	}
}

func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, ok := s.bookingID(w, r)
		if !ok {
			return
		}
		s.hub.Serve(w, r, bookingID)
	}
}

func (s *Server) bookingID(w http.ResponseWriter, r *http.Request) (string, bool) {
	bookingID := mux.Vars(r)["bookingId"]
	if err := validation.ValidateBookingID(bookingID); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return bookingID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body").
			WithUserMessage("invalid request body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	fields := logrus.Fields{
		service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
		service.LogFieldMethod:    r.Method,
	}
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, tplErr := route.GetPathTemplate(); tplErr == nil {
			fields[service.LogFieldRoute] = tpl
		}
	}
	if status >= http.StatusInternalServerError {
		apperrors.LogError(s.logger, err, "Request failed", fields)
	} else {
		apperrors.LogWarn(s.logger, err, "Request rejected", fields)
	}
	s.writeJSON(w, status, apperrors.ToHTTPResponse(err))
}
