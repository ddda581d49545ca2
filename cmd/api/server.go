package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"mediaflow/anytime"
	"mediaflow/auth"
	"mediaflow/territory"
	"mediaflow/throttle"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "userID"
	ctxKeyRole   contextKey = "role"
)

type windowService interface {
	CreateWindow(ctx context.Context, params anytime.CreateWindowParams) (anytime.FlexibleWindow, error)
	UpdateDetails(ctx context.Context, windowID string, upd anytime.DetailsUpdate) (anytime.FlexibleWindow, error)
}

type claimCoordinator interface {
	Get(ctx context.Context, windowID string) (anytime.FlexibleWindow, error)
	Claim(ctx context.Context, req anytime.ClaimRequest) (anytime.ClaimResult, error)
	Release(ctx context.Context, req anytime.ReleaseRequest) (anytime.ReleaseResult, error)
	Schedule(ctx context.Context, req anytime.ScheduleRequest) (anytime.FlexibleWindow, error)
	Cancel(ctx context.Context, req anytime.CancelRequest) (anytime.FlexibleWindow, error)
}

type windowQueries interface {
	ListAvailable(ctx context.Context, q anytime.AvailableQuery) ([]anytime.FlexibleWindow, error)
	ListClaimed(ctx context.Context, workerID string) ([]anytime.FlexibleWindow, error)
}

// Server is the HTTP host for the scheduling core.
type Server struct {
	windowService    windowService
	coordinator      claimCoordinator
	queries          windowQueries
	territoryService *territory.Service
	authService      *auth.Service
	claimLimiter     throttle.Limiter
	logger           *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/windows", s.requireAuth(http.HandlerFunc(s.handleWindows)))
	mux.Handle("/api/windows/", s.requireAuth(http.HandlerFunc(s.handleWindowDetail)))
	mux.Handle("/api/territories", s.requireAuth(http.HandlerFunc(s.handleTerritories)))
	mux.Handle("/api/territories/", s.requireAuth(http.HandlerFunc(s.handleTerritoryDetail)))
	mux.Handle("/api/queue", s.requireAuth(http.HandlerFunc(s.handleQueue)))
	return s.logRequests(mux)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authService.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, identity.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, identity.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		logger := s.log().With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(rec, r.WithContext(anytime.ContextWithLogger(r.Context(), logger)))
		logger.Info("request handled", "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return auth.Identity{UserID: userID, Role: role}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
