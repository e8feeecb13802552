// Entry point for the epicsync HTTP service: chi router over the monitor
// control operations, token auth, SQLite state, graceful shutdown.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/epicsync/dbopen"
	"github.com/hazyhaar/epicsync/epicsync"
	"github.com/hazyhaar/epicsync/tracker"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(epicsync.Schema))
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	svc, err := epicsync.New(db, cfg, logger)
	if err != nil {
		slog.Error("epicsync service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// The monitor starts automatically; POST /api/stop pauses it.
	if err := svc.Start(ctx); err != nil {
		slog.Error("start monitor", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if cfg.APIToken != "" {
			r.Use(requireToken(cfg.APIToken))
		}

		r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
			st, err := svc.Status(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, st)
		})

		r.Post("/api/start", func(w http.ResponseWriter, _ *http.Request) {
			// The loop must outlive this request; bind it to the process
			// context.
			if err := svc.Start(ctx); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "started"})
		})

		r.Post("/api/stop", func(w http.ResponseWriter, _ *http.Request) {
			if err := svc.Stop(); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "stopped"})
		})

		r.Get("/api/epics", func(w http.ResponseWriter, r *http.Request) {
			epics, err := svc.ListEpics(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if epics == nil {
				epics = []epicsync.EpicInfo{}
			}
			writeJSON(w, 200, epics)
		})

		r.Post("/api/epics", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Epic string `json:"epic"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			info, err := svc.AddEpic(r.Context(), req.Epic)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 201, info)
		})

		r.Delete("/api/epics/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.Atoi(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.RemoveEpic(r.Context(), id); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "removed"})
		})

		r.Put("/api/epics/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.Atoi(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, 400, err)
				return
			}
			var req struct {
				Enabled *bool `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.Enabled == nil {
				writeError(w, 400, errors.New("enabled is required"))
				return
			}
			if err := svc.SetEpicEnabled(r.Context(), id, *req.Enabled); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{"epic_id": id, "enabled": *req.Enabled})
		})

		r.Get("/api/epics/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.Atoi(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, 400, err)
				return
			}
			limit := queryInt(r, "limit", 50)
			entries, err := svc.History(r.Context(), id, limit)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if entries == nil {
				entries = []epicsync.HistoryEntry{}
			}
			writeJSON(w, 200, entries)
		})

		r.Post("/api/check", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				EpicID int `json:"epic_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.EpicID != 0 {
				res, err := svc.ForceCheck(r.Context(), req.EpicID)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				writeJSON(w, 200, res)
				return
			}
			writeJSON(w, 200, svc.CheckAll(r.Context()))
		})

		r.Get("/api/config", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, svc.Settings())
		})

		r.Put("/api/config", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				IntervalSeconds int `json:"interval_seconds"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.UpdateInterval(req.IntervalSeconds); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, svc.Settings())
		})
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads the YAML config (if any) and applies env overrides for
// credentials and the listen address.
func loadConfig() (*epicsync.Config, error) {
	var (
		cfg *epicsync.Config
		err error
	)
	if path := os.Getenv("EPICSYNC_CONFIG"); path != "" {
		cfg, err = epicsync.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = epicsync.DefaultConfig()
	}

	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.APIToken = env("API_TOKEN", cfg.APIToken)
	cfg.Tracker.BaseURL = env("ADO_BASE_URL", cfg.Tracker.BaseURL)
	cfg.Tracker.Organization = env("ADO_ORGANIZATION", cfg.Tracker.Organization)
	cfg.Tracker.Project = env("ADO_PROJECT", cfg.Tracker.Project)
	cfg.Tracker.PAT = env("ADO_PAT", cfg.Tracker.PAT)
	cfg.OpenAI.APIKey = env("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.Model = env("OPENAI_MODEL", cfg.OpenAI.Model)

	return cfg, cfg.Validate()
}

// requireToken enforces a bearer token on API routes.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeServiceError maps service sentinels and tracker errors to HTTP codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, epicsync.ErrInvalidInput):
		writeError(w, 400, err)
	case errors.Is(err, epicsync.ErrNotMonitored), tracker.IsNotFound(err):
		writeError(w, 404, err)
	case errors.Is(err, epicsync.ErrAlreadyMonitored),
		errors.Is(err, epicsync.ErrAlreadyRunning),
		errors.Is(err, epicsync.ErrNotRunning):
		writeError(w, 409, err)
	default:
		writeError(w, 500, err)
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
