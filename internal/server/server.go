// Package server exposes the memory engine over HTTP: the JSON API, the
// Prometheus metrics endpoint, the health probe, and the WebSocket event
// feed consumed by dashboards.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/config"
	"github.com/chartmann1590/mumble-ai-memory/internal/engine"
	"github.com/chartmann1590/mumble-ai-memory/internal/observability"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// NewRouter builds the full HTTP handler: API routes behind auth and rate
// limiting, plus the open health, metrics, and event endpoints.
func NewRouter(cfg *config.Config, manager *engine.Manager, hub *WebSocketHub) http.Handler {
	handlers := NewHandlers(manager)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/turns", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			handlers.SaveTurn(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/context", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			handlers.GetContext(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			handlers.Search(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/entities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			handlers.ListEntities(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/entities/{id}/aliases", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			handlers.AddAlias(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			handlers.DeleteEntity(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/consolidation/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			handlers.RunConsolidation(w, r)
		} else {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})
	apiMux.HandleFunc("/api/status", handlers.GetStatus)

	mux := http.NewServeMux()
	mux.Handle("/api/", requireAuth(apiMux, cfg))
	mux.HandleFunc("/healthz", handlers.Healthz)
	mux.Handle("/metrics", observability.MetricsHandler())
	if hub != nil {
		mux.Handle("/api/events", hub)
	}

	handler := rateLimit(mux, NewRateLimiter(50.0, 100))
	return securityHeaders(handler)
}

// wireEvents connects manager callbacks to the event feed.
func wireEvents(manager *engine.Manager, hub *WebSocketHub) {
	manager.SetOnTurnSaved(func(turn *types.Turn) {
		hub.Broadcast(Event{Type: EventTurnSaved, Data: map[string]string{
			"turn_id": turn.ID,
			"user_id": turn.UserID,
		}})
	})
	manager.SetOnTurnEnriched(func(turnID, userID string) {
		hub.Broadcast(Event{Type: EventTurnEnriched, Data: map[string]string{
			"turn_id": turnID,
			"user_id": userID,
		}})
	})
	manager.SetOnConsolidationCompleted(func(run *types.ConsolidationRun) {
		hub.Broadcast(Event{Type: EventConsolidationCompleted, Data: run})
	})
}

// Start launches the HTTP server and returns the bound address (useful with
// port 0 in tests). The server shuts down when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, manager *engine.Manager) (string, error) {
	hub := NewWebSocketHub()
	go hub.Run()
	wireEvents(manager, hub)

	handler := NewRouter(cfg, manager, hub)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: HTTP server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: HTTP server shutdown: %v", err)
		}
		hub.Stop()
	}()

	log.Printf("HTTP server listening on %s", actualAddr)
	return actualAddr, nil
}
