package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/broadcast"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/settlement"
)

// Pinger reports whether a backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sources are the components the server reports on. Nil fields are skipped.
type Sources struct {
	Store      Pinger
	Hub        interface{ Stats() broadcast.Stats }
	Windows    interface{ ArmedWindows() int }
	Settlement interface{ Stats() settlement.Stats }
	Breakers   []*circuitbreaker.CircuitBreaker
}

// Status is the body of /status
type Status struct {
	Feed        *broadcast.Stats                `json:"feed,omitempty"`
	OpenWindows *int                            `json:"open_windows,omitempty"`
	Settlement  *settlement.Stats               `json:"settlement,omitempty"`
	Circuits    map[string]circuitbreaker.State `json:"circuits"`
}

// Server represents a health check HTTP server
type Server struct {
	port          string
	sources       Sources
	metricsAPIKey string
	logger        logger.Logger
	mux           *http.ServeMux
}

// NewServer creates a new health check server
func NewServer(port, metricsAPIKey string, sources Sources, log logger.Logger) *Server {
	s := &Server{
		port:          port,
		sources:       sources,
		metricsAPIKey: metricsAPIKey,
		logger:        log,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Get API key from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		// Check if the header has the correct format
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		// Validate API key
		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness follows the store: without it no intent can be admitted
	s.mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.sources.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.sources.Store.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("Store unavailable: %v", err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	s.mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.status()); err != nil {
			s.logger.Error("Error encoding status JSON: %v", err)
		}
	})

	// Circuit breaker admin control endpoint
	s.mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Missing name parameter"))
			return
		}

		for _, cb := range s.sources.Breakers {
			if cb.Name() == name {
				cb.Reset()
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker %s reset", name)))
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker named %s", name)))
	})

	// Expose Prometheus metrics with API key authentication
	s.mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))
}

func (s *Server) status() Status {
	status := Status{Circuits: make(map[string]circuitbreaker.State)}
	if s.sources.Hub != nil {
		feed := s.sources.Hub.Stats()
		status.Feed = &feed
	}
	if s.sources.Windows != nil {
		open := s.sources.Windows.ArmedWindows()
		status.OpenWindows = &open
	}
	if s.sources.Settlement != nil {
		stats := s.sources.Settlement.Stats()
		status.Settlement = &stats
	}
	for _, cb := range s.sources.Breakers {
		status.Circuits[cb.Name()] = cb.State()
	}
	return status
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting health and metrics server on port %s", s.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
