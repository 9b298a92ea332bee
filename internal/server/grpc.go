package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Processor is the engine-facing half of the API. *core.Processor satisfies it.
type Processor interface {
	Submit(ctx context.Context, cmd *core.Command) (*core.Receipt, error)
	Query(ctx context.Context, fn func(*core.Engine) error) error
}

// Queries serves projection and event-log reads. *query.QueryService satisfies it.
type Queries interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*query.AccountResponse, error)
	GetPool(ctx context.Context) (*query.PoolResponse, error)
	ListLiquidations(ctx context.Context, target *uuid.UUID, limit int, beforeSequence *int64) ([]query.LiquidationRecord, error)
	GetJournalHistory(ctx context.Context, userID uuid.UUID, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	ListEvents(ctx context.Context, afterSequence int64, limit int) ([]query.EventRecord, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// ServerDeps holds everything the API routes call into. Queries, Snapshot
// and Rebuild are optional; their routes answer Unimplemented when nil.
type ServerDeps struct {
	Processor     Processor
	Queries       Queries
	Snapshot      func(ctx context.Context) (int64, error)
	Rebuild       func(ctx context.Context) error
	HealthChecker *observability.HealthChecker
	Auth          *Authenticator
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// RateLimit bounds requests per client address.
type RateLimit struct {
	PerSecond float64 // <= 0 disables limiting
	Burst     int
}

// Server hosts the gRPC health/reflection endpoint and the HTTP/JSON API.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	limit      RateLimit
	handler    http.Handler

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewServer builds both listeners' handlers; nothing is bound until Start*.
func NewServer(grpcAddr, httpAddr string, limit RateLimit, deps *ServerDeps) (*Server, error) {
	if deps.Processor == nil {
		return nil, errors.New("server requires a processor")
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = observability.NewHealthChecker()
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, deps.HealthChecker.GRPCServer())
	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		limit:      limit,
		limiters:   make(map[string]*rate.Limiter),
	}

	gw := runtime.NewServeMux()
	if err := s.registerRoutes(gw); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
	httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", s.rateLimited(gw))
	s.handler = httpMux

	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.deps.Logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// rateLimited applies a token bucket per client address.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limit.PerSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientKey(r)).Allow() {
			if s.deps.Metrics != nil {
				s.deps.Metrics.APIRateLimited.Inc()
			}
			writeError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.limit.PerSecond), s.limit.Burst)
		s.limiters[key] = l
	}
	return l
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
