package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"homework-grader/internal/apperr"
	"homework-grader/internal/grading"
	"homework-grader/internal/models"
	"homework-grader/internal/ratelimit"
	"homework-grader/internal/telemetry"
)

// Grading is the lifecycle surface served over HTTP.
type Grading interface {
	Start(ctx context.Context, caller grading.Caller, id string) (models.GradingJob, error)
	Retry(ctx context.Context, caller grading.Caller, id string) (models.GradingJob, error)
	Status(ctx context.Context, id string) (models.GradingJob, error)
	Cancel(ctx context.Context, caller grading.Caller, id string) (models.GradingJob, error)
	Accept(ctx context.Context, caller grading.Caller, id string, score float64) (grading.AcceptResult, error)
}

// AuditReader lists the lifecycle events of a submission.
type AuditReader interface {
	AuditTrail(ctx context.Context, id string) ([]models.AuditLog, error)
}

// Limiter admits or rejects one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the grading lifecycle.
type Server struct {
	svc     Grading
	audit   AuditReader
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server. audit and limiter may be nil.
func New(svc Grading, audit AuditReader, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:     svc,
		audit:   audit,
		limiter: limiter,
		log:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/submissions/{id}/grading", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleStart)
		r.Get("/", s.handleStatus)
		r.Post("/accept", s.handleAccept)
		r.With(s.rateLimited).Post("/retry", s.handleRetry)
		r.Post("/cancel", s.handleCancel)
		if s.audit != nil {
			r.Get("/audit", s.handleAudit)
		}
	})
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Start(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type acceptRequest struct {
	Score *float64 `json:"score"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, "invalid json", err))
		return
	}
	if req.Score == nil {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "score is required"))
		return
	}
	res, err := s.svc.Accept(r.Context(), caller, chi.URLParam(r, "id"), *req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Retry(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Cancel(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	items, err := s.audit.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// rateLimited spends one token of the caller's bucket.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "rl:grading:" + r.Header.Get("X-User-ID")
		d, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.log.Error("api.rate_limit_error", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate limit error", Kind: string(apperr.KindInternal)})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("api.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"req_id", middleware.GetReqID(r.Context()),
		)
	})
}

func callerFromRequest(r *http.Request) (grading.Caller, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return grading.Caller{}, apperr.New(apperr.KindAuthorization, "missing X-User-ID")
	}
	return grading.Caller{UserID: id, Role: grading.Role(r.Header.Get("X-User-Role"))}, nil
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("api.internal_error", "path", r.URL.Path, "error", err, "req_id", middleware.GetReqID(r.Context()))
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			msg = "internal error"
		}
	}
	writeJSON(w, code, errorBody{Error: msg, Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
