// Package server exposes the station over HTTP: read endpoints, the admin
// API, the websocket endpoint and a proxy to the stream origin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"QueueFM/core/realtime"
	"QueueFM/logger"
	"QueueFM/model"
	"QueueFM/repository"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Station is the realtime gateway as the HTTP layer sees it.
type Station interface {
	Snapshot() realtime.State
	Listeners() int
	ServeWS(w http.ResponseWriter, r *http.Request)
	SetMode(ctx context.Context, name string) error
	UpdateSetting(ctx context.Context, key string, value int) error
	SetKeepFiles(ctx context.Context, keep bool) error
	AdminSkip() error
}

// Authenticator checks admin credentials.
type Authenticator interface {
	Check(credential string) error
	Login(credential string) (string, error)
}

// Searcher runs catalogue searches.
type Searcher interface {
	Search(ctx context.Context, query, source string, limit int) []model.SearchResult
}

// Deps wires a Server. History and Origin may be nil.
type Deps struct {
	Station Station
	Auth    Authenticator
	Search  Searcher
	History repository.HistoryRepository
	Origin  *Origin
}

// Server 电台 HTTP 服务
type Server struct {
	deps    Deps
	started time.Time
	router  *mux.Router
}

func New(deps Deps) *Server {
	s := &Server{deps: deps, started: time.Now()}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(cors)

	router.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	router.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/listen", s.handleListen).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.deps.Station.ServeWS)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/origin", s.handleOrigin).Methods(http.MethodGet)
	api.HandleFunc("/auth/verify", s.handleAuthVerify).Methods(http.MethodPost)
	api.HandleFunc("/mode", s.handleMode).Methods(http.MethodPost)
	api.HandleFunc("/settings", s.handleSettings).Methods(http.MethodPost)
	api.HandleFunc("/skip", s.handleSkip).Methods(http.MethodPost)
	api.HandleFunc("/keep-files", s.handleKeepFiles).Methods(http.MethodPost)

	// OPTIONS preflights must match a route for the middleware to run.
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return router
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// no WriteTimeout: /listen and /ws are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.Component("server"), logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server", logger.Component("server"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
