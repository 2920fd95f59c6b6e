package push

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openclaw/openclaw-relay/internal/metrics"
	"github.com/openclaw/openclaw-relay/internal/queue"
	"github.com/openclaw/openclaw-relay/internal/types"
)

// maxBodyBytes caps inbound request bodies. Chat media travels inline as
// base64, so the cap is well above typical payloads.
const maxBodyBytes = 15 << 20

// Health is the document composed for the health and readiness probes.
type Health struct {
	OK      bool           `json:"ok"`
	Ready   bool           `json:"ready"`
	Details map[string]any `json:"details,omitempty"`
}

// Config parameterises the push server.
type Config struct {
	Path                  string
	Token                 string
	RateLimitPerSecond    int
	MaxConcurrentRequests int
}

// Server is the HTTP ingress. Protective policies apply strictly in
// order: route match, bearer token, rate limit, in-flight cap, body size,
// schema validation, enqueue.
type Server struct {
	cfg       Config
	onMessage func(types.InboundMessage) error
	getHealth func() Health
	logger    *zap.Logger

	validate *validator.Validate
	limiter  *rate.Limiter
	inFlight atomic.Int64
	router   http.Handler
}

// New creates a Server. onMessage enqueues the validated message and
// returns queue.ErrClosed / *queue.FullError to drive the 503/429 mapping;
// getHealth feeds the probe endpoints.
func New(cfg Config, onMessage func(types.InboundMessage) error, getHealth func() Health, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		onMessage: onMessage,
		getHealth: getHealth,
		logger:    logger.Named("push"),
		validate:  validator.New(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
	})

	r.Post(cfg.Path, s.handleMessage)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the root handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleMessage runs the policy ladder and enqueues the message.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	// Bearer token. Constant-time compare; a missing header fails the
	// same way as a wrong token.
	if !s.authorized(r) {
		metrics.PushRejected.WithLabelValues(metrics.ReasonUnauthorized).Inc()
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid bearer token", nil)
		return
	}

	// Per-second rate limit.
	if !s.limiter.Allow() {
		metrics.PushRejected.WithLabelValues(metrics.ReasonRateLimited).Inc()
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", nil)
		return
	}

	// In-flight request cap.
	if n := s.inFlight.Add(1); n > int64(s.cfg.MaxConcurrentRequests) {
		s.inFlight.Add(-1)
		metrics.PushRejected.WithLabelValues(metrics.ReasonBusy).Inc()
		writeError(w, http.StatusServiceUnavailable, CodeBusy, "too many concurrent requests", nil)
		return
	}
	defer s.inFlight.Add(-1)

	// Body size cap. MaxBytesReader aborts the read mid-stream and the
	// connection is torn down by net/http once the handler returns.
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var msg types.InboundMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&msg); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// The peer overran the cap mid-read: no error body, the
			// connection itself is torn down.
			s.logger.Warn("request body exceeded cap", zap.Int64("limit", tooLarge.Limit))
			panic(http.ErrAbortHandler)
		}
		metrics.PushRejected.WithLabelValues(metrics.ReasonValidation).Inc()
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON body",
			map[string]any{"error": err.Error()})
		return
	}

	if err := s.validate.Struct(&msg); err != nil {
		metrics.PushRejected.WithLabelValues(metrics.ReasonValidation).Inc()
		writeError(w, http.StatusBadRequest, CodeValidationError, "message failed validation",
			map[string]any{"fields": validationDetails(err)})
		return
	}

	if err := s.onMessage(msg); err != nil {
		switch {
		case errors.Is(err, queue.ErrClosed):
			metrics.PushRejected.WithLabelValues(metrics.ReasonShuttingDown).Inc()
			writeError(w, http.StatusServiceUnavailable, CodeShuttingDown, "relay is shutting down", nil)
		default:
			var full *queue.FullError
			if errors.As(err, &full) {
				metrics.PushRejected.WithLabelValues(metrics.ReasonQueueFull).Inc()
				writeError(w, http.StatusTooManyRequests, CodeQueueFull, "queue is full",
					map[string]any{"maxQueue": full.MaxQueue})
				return
			}
			s.logger.Error("enqueue failed", zap.String("message_id", msg.MessageID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, CodePushServerError, "internal error", nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.getHealth()
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  statusWord(h.OK),
		"ok":      h.OK,
		"ready":   h.Ready,
		"details": h.Details,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	h := s.getHealth()
	status := http.StatusOK
	if !h.OK || !h.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  statusWord(h.OK && h.Ready),
		"ok":      h.OK,
		"ready":   h.Ready,
		"details": h.Details,
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.Token)) == 1
}

// recoverer turns handler panics into 500 PUSH_SERVER_ERROR instead of
// crashing the listener.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler { //nolint:errorlint
					panic(rec)
				}
				s.logger.Error("handler panicked", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, CodePushServerError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// validationDetails flattens validator errors into field → constraint.
func validationDetails(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Namespace()] = fmt.Sprintf("failed %q", fe.Tag())
		}
		return out
	}
	out["_"] = err.Error()
	return out
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}
