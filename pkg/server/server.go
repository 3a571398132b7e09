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

	"github.com/esbmeter/esbmeter/pkg/common"
	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/log"
)

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Coordinator is what the API reads status from and asks for refreshes.
type Coordinator interface {
	Latest() coordinator.Status
	Refresh()
}

// CookieSaver stores cookies pasted from a browser.
type CookieSaver interface {
	SaveManualCookies(ctx context.Context, raw string) error
}

// Server serves the usage API, health checks and metrics.
type Server struct {
	coordinator Coordinator
	cookies     CookieSaver
	metrics     http.Handler

	listenAddr string
	httpServer *http.Server

	verifier        tokenVerifier
	allowedSubjects map[string]bool
	serverName      string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c Coordinator, cookies CookieSaver, metrics http.Handler) *Server {
	srv := &Server{
		coordinator: c,
		cookies:     cookies,
		metrics:     metrics,
		serverName:  "esbmeter/" + common.Version(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address, empty disables the server")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer whose ID tokens may call the write endpoints (e.g. https://accounts.google.com)")
	oidcAudience := lflag.String("oidc-audience", "", "Audience (client ID) the ID tokens must be issued for")
	var subjects []string
	lflag.JSON(&subjects, "oidc-subjects", subjects, "JSON list of token subjects allowed to call the write endpoints, empty allows any")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *oidcIssuer == "" && *oidcAudience == "" {
			return
		}
		if *oidcIssuer == "" || *oidcAudience == "" {
			panic("oidc-issuer and oidc-audience must be set together")
		}
		ctx := oidc.ClientContext(context.Background(), common.HTTPClient(10*time.Second))
		provider, err := oidc.NewProvider(ctx, *oidcIssuer)
		if err != nil {
			log.Ctx(ctx).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
			os.Exit(1)
		}
		srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		if len(subjects) > 0 {
			srv.allowedSubjects = make(map[string]bool, len(subjects))
			for _, s := range subjects {
				srv.allowedSubjects[s] = true
			}
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/usage", s.handleUsage)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.Handle("POST /api/refresh", s.authMiddleware(http.HandlerFunc(s.handleRefresh)))
	apiMux.Handle("POST /api/cookies", s.authMiddleware(http.HandlerFunc(s.handleCookies)))

	mux := http.NewServeMux()
	mux.Handle("/api/", s.logMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.listenAddr == "" {
		<-ctx.Done()
		return nil
	}
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

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, struct {
		Error string `json:"error"`
	}{Error: msg}, code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
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

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithAttrs(r.Context(), slog.String("reqPath", r.URL.Path), slog.String("reqMethod", r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
