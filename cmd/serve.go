package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/search"
	"github.com/sells-group/prospect-cli/internal/store"
)

var servePort int

type taskRequest struct {
	UserID string             `json:"user_id"`
	Params model.SearchParams `json:"params"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := newRouter(ctx, env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the API surface. Task execution runs in the background
// under the server's lifetime context so shutdown interrupts it at the next
// executor checkpoint.
func newRouter(serverCtx context.Context, env *engineEnv) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/preview", func(w http.ResponseWriter, req *http.Request) {
		var body taskRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		preview, err := env.Service.Preview(req.Context(), body.UserID, body.Params)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			zap.L().Error("preview failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "preview failed")
			return
		}
		writeJSON(w, http.StatusOK, preview)
	})

	r.Post("/api/tasks", func(w http.ResponseWriter, req *http.Request) {
		var body taskRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		taskID, err := env.Service.StartTask(req.Context(), body.UserID, body.Params)
		if err != nil {
			switch {
			case eris.Is(err, search.ErrCannotAfford):
				writeError(w, http.StatusPaymentRequired, "insufficient credits")
			case eris.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "user not found")
			default:
				zap.L().Error("start task failed", zap.Error(err))
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}

		// Execute asynchronously; the client polls progress.
		go func() {
			if _, err := env.Service.Run(serverCtx, taskID); err != nil {
				zap.L().Error("task run failed",
					zap.String("task_id", taskID),
					zap.Error(err),
				)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	})

	r.Get("/api/tasks/{id}/progress", func(w http.ResponseWriter, req *http.Request) {
		progress, err := env.Service.GetProgress(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			zap.L().Error("get progress failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get progress failed")
			return
		}
		writeJSON(w, http.StatusOK, progress)
	})

	r.Post("/api/tasks/{id}/stop", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Service.RequestStop(req.Context(), chi.URLParam(req, "id")); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			zap.L().Error("request stop failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "request stop failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
	})

	r.Get("/api/balance/{userID}", func(w http.ResponseWriter, req *http.Request) {
		balance, err := env.Meter.Balance(req.Context(), chi.URLParam(req, "userID"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			zap.L().Error("get balance failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get balance failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
