package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
)

// Options tunes the router
type Options struct {
	AllowedOrigins []string
	// Feed serves the websocket event feed, if set
	Feed http.Handler
}

// NewRouter mounts the API routes
func NewRouter(h *Handler, opts Options) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/intents", h.CreateIntent)
		r.Get("/intents/{hash}", h.GetIntent)
		r.Post("/intents/{hash}/bids", h.SubmitBid)
		r.Get("/intents/{hash}/bids", h.ListBids)

		// Operator endpoints
		r.Group(func(r chi.Router) {
			r.Use(h.OperatorAuth)
			r.Post("/intents/{hash}/select", h.SelectWinner)
			r.Post("/intents/{hash}/cancel", h.CancelIntent)
		})

		if opts.Feed != nil {
			r.Handle("/ws", opts.Feed)
		}
	})
	return r
}

// Serve listens on port until ctx is done, then shuts down gracefully
func Serve(ctx context.Context, port string, handler http.Handler, log logger.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting API server on port %s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
