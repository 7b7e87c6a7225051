package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"taskrelay/internal/connection"
	"taskrelay/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Deps struct {
	Submitter             usecase.Submitter
	Canceller             usecase.Canceller
	Query                 usecase.Query
	Conns                 *connection.Manager
	Auth                  Authenticator
	RequireIdempotencyKey bool
	Log                   zerolog.Logger
}

type Server struct {
	router     *chi.Mux
	submitter  usecase.Submitter
	canceller  usecase.Canceller
	query      usecase.Query
	conns      *connection.Manager
	requireKey bool
	log        zerolog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		submitter:  d.Submitter,
		canceller:  d.Canceller,
		query:      d.Query,
		conns:      d.Conns,
		requireKey: d.RequireIdempotencyKey,
		log:        d.Log.With().Str("component", "api").Logger(),
	}

	s.router.Get("/healthz", s.health)
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware)
		r.Post("/tasks", s.submit)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{taskID}", s.getTask)
		r.Post("/tasks/{taskID}/cancel", s.cancelTask)
		r.Get("/tasks/{taskID}/stream", s.stream)
		r.Get("/artifacts/{artifactID}", s.getArtifact)
	})
	return s
}

// Handler returns the router wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(s.log, func(r *http.Request) bool { return r.URL.Path == "/healthz" }),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

// Run serves on port until ctx is done, then drains in-flight requests for
// at most shutdownTimeout. Websocket viewers are closed by the connection
// manager's own shutdown.
func (s *Server) Run(ctx context.Context, port int, shutdownTimeout time.Duration) error {
	httpServer := http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info().Msg("Server stopped")
	return nil
}
