// Package api exposes the tradegate engine over HTTP (REST and a WebSocket
// outcome feed) and gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/engine"
)

const shutdownTimeout = 10 * time.Second

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	engine   *engine.Engine
	health   *broker.HealthChecker
	hub      *Hub
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	httpSrv   *http.Server
	grpcSrv   *grpc.Server
	healthSrv *health.Server
}

// NewServer creates a Server for the given engine. Terminal outcomes are
// broadcast to WebSocket subscribers and venue health is mirrored into the
// gRPC health service.
func NewServer(cfg config.Server, eng *engine.Engine, hc *broker.HealthChecker, log *slog.Logger) *Server {
	s := &Server{
		engine:    eng,
		health:    hc,
		hub:       NewHub(log),
		httpAddr:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		log:       log.With("component", "api"),
		healthSrv: health.NewServer(),
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
	}

	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	registerTrading(s.grpcSrv, eng, s.log)
	registerHealth(s.grpcSrv, s.healthSrv, hc)

	eng.Subscribe(func(o domain.Outcome) {
		s.hub.Broadcast(outcomeMessage{Type: "outcome", Outcome: o})
	})
	return s
}

// Handler returns the HTTP routes wrapped in CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/signals", s.handleSubmitSignal)
	mux.HandleFunc("POST /api/v1/signals/simulate", s.handleSimulateSignal)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("GET /api/v1/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /api/v1/policies", s.handlePolicies)
	mux.HandleFunc("GET /api/v1/policies/{id}/versions", s.handlePolicyVersions)
	mux.HandleFunc("POST /api/v1/policies/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/brokers/health", s.handleBrokerHealth)
	mux.HandleFunc("GET /ws/outcomes", s.hub.ServeWS)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lis net.Listener
	if s.grpcAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", s.grpcAddr); err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		s.log.Info("http listening", "addr", s.httpAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if lis != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", s.grpcAddr)
			if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.healthSrv.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
