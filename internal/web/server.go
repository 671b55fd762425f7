// Package web serves the Context Lens dashboard and the JSON API used
// by the interception add-ons and the CLI.
package web

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/contextlens/contextlens/internal/config"
	"github.com/contextlens/contextlens/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// NewServer creates and configures the HTTP server for the dashboard
// and ingest API.
func NewServer(st *store.Store, cfg *config.Config, version, bind string, port int) *http.Server {
	// Create sub-FS for templates (strip "templates/" prefix)
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		log.Fatalf("failed to create template sub-FS: %v", err)
	}

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		log.Fatalf("failed to create static sub-FS: %v", err)
	}

	renderer := NewRenderer(templateSub, version)

	h := &Handlers{
		store:    st,
		cfg:      cfg,
		renderer: renderer,
	}

	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/sessions", http.StatusFound)
	})
	mux.HandleFunc("GET /sessions", h.HandleSessions)
	mux.HandleFunc("GET /sessions/{id}", h.HandleSessionDetail)
	mux.HandleFunc("GET /entries/{id}", h.HandleEntryDetail)
	mux.HandleFunc("GET /stats", h.HandleStatsPage)

	mux.HandleFunc("POST /api/ingest", h.HandleIngest)
	mux.HandleFunc("GET /api/sessions", h.HandleAPISessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.HandleAPISession)
	mux.HandleFunc("GET /api/sessions/{id}/entries", h.HandleAPISessionEntries)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.HandleAPIDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/tags", h.HandleAPIGetTags)
	mux.HandleFunc("PUT /api/sessions/{id}/tags", h.HandleAPISetTags)
	mux.HandleFunc("GET /api/tags", h.HandleAPIAllTags)
	mux.HandleFunc("GET /api/entries/{id}", h.HandleAPIEntry)
	mux.HandleFunc("GET /api/entries/{id}/detail", h.HandleAPIEntryDetail)
	mux.HandleFunc("GET /api/stats", h.HandleAPIStats)

	// Static file server
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	handler := securityHeaders(mux)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", bind, port),
		Handler: handler,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
func Run(srv *http.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Printf("Context Lens running at http://%s", srv.Addr)

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Printf("WARNING: Server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
