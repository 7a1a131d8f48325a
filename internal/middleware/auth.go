package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "guardlink/internal/errors"
	"guardlink/internal/httputil"
	"guardlink/internal/metrics"
	"guardlink/internal/service"

	"github.com/sirupsen/logrus"
)

// APIKeyHeader is accepted as an alternative to a bearer token
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests that do not carry apiKey. An empty apiKey
// disables the check. Paths in public are always let through.
func APIKeyAuth(apiKey string, logger *logrus.Logger, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range public {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(apiKey)) != 1 {
				metrics.IncrementCounter("http_auth_failures_total", nil, "Requests rejected for a missing or wrong API key")
				logger.WithFields(logrus.Fields{
					service.LogFieldRemoteIP: httputil.GetClientIP(r),
					service.LogFieldMethod:   r.Method,
				}).Warn("Rejected request without a valid API key")

				err := apperrors.New(apperrors.ErrCodeUnauthorized, "missing or invalid API key").
					WithUserMessage("missing or invalid API key")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(APIKeyHeader)
}
