package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energysim/pkg/command"
	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/registry"
	"github.com/raterudder/energysim/pkg/sim"
	"github.com/raterudder/energysim/pkg/storage"
	"github.com/raterudder/energysim/pkg/stream"
	"github.com/raterudder/energysim/pkg/types"
)

const (
	defaultHistoryLimit = 100
	defaultCommandLimit = 50
)

// tokenVerifier is a function that validates an OIDC ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Devices is the part of the registry the HTTP API reads.
type Devices interface {
	Get(id string) (types.Device, error)
	List() []types.Device
}

// Server handles the HTTP API in front of the simulation engine and command
// processor.
type Server struct {
	devices  Devices
	engine   *sim.Engine
	commands *command.Processor
	storage  storage.Database
	hub      *stream.Hub

	listenAddr string
	httpServer *http.Server
	serverName string

	// verifier is nil if control requests are not authenticated
	verifier tokenVerifier
	now      func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(d Devices, e *sim.Engine, c *command.Processor, st storage.Database, hub *stream.Hub) *Server {
	srv := New(d, e, c, st, hub)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "OIDC issuer for control request tokens")
	oidcAudience := lflag.String("oidc-audience", "", "Audience to validate control request tokens against (disables auth if empty)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

// New returns a Server without authentication.
func New(d Devices, e *sim.Engine, c *command.Processor, st storage.Database, hub *stream.Hub) *Server {
	return &Server{
		devices:    d,
		engine:     e,
		commands:   c,
		storage:    st,
		hub:        hub,
		serverName: "energysim",
		now:        time.Now,
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/devices", s.handleListDevices)
	apiMux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	apiMux.HandleFunc("GET /api/telemetry/{id}", s.handleCurrentTelemetry)
	apiMux.HandleFunc("GET /api/telemetry/{id}/history", s.handleTelemetryHistory)
	apiMux.Handle("POST /api/control/{id}", s.authMiddleware(http.HandlerFunc(s.handleControl)))
	apiMux.HandleFunc("GET /api/control/{id}/history", s.handleCommandHistory)

	mux := http.NewServeMux()
	mux.Handle("/api/", gziphandler.GzipHandler(apiMux))
	// websocket upgrades need the raw connection so they skip compression
	mux.HandleFunc("GET /api/telemetry/{id}/ws", s.handleTelemetryStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(s.securityHeadersMiddleware(s.logMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeAPIError maps domain errors to status codes. Anything unexpected is
// logged and hidden behind a 500.
func writeAPIError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, command.ErrInvalidParameter):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg, http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
