package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/exposurelog/cmd/exposurelog/handlers"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/models"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service with its local HTTP API",
		Long: `Run the sync service. Queues drain when connectivity returns, and a
local HTTP API exposes status, queue management, a WebSocket status feed
and Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, true, func(app *App) error {
				return runServe(cmd.Context(), app)
			})
		},
	}
}

func runServe(ctx context.Context, app *App) error {
	hub := NewWSHub()
	unsubscribe := app.Scheduler.AddListener(hub.BroadcastSyncStatus)
	defer unsubscribe()

	srv := &http.Server{
		Addr:              app.Config.HTTP.Addr,
		Handler:           NewRouter(app, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(ctx) })

	if app.Prober != nil {
		g.Go(func() error { return app.Prober.Run(ctx) })
	}

	g.Go(func() error {
		// The periodic loop exits with ctx; App.Close cancels passes.
		app.Scheduler.Start(ctx)
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		logging.Info("HTTP API listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logging.Info("Sync service stopped", nil)
	return err
}

// NewRouter builds the HTTP API.
func NewRouter(app *App, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	syncHandler := handlers.NewSyncHandler(app.Scheduler, app.Monitor)
	syncHandler.SetWebSocketHub(hub)
	triggerLimit := httprate.LimitByIP(app.Config.HTTP.TriggerPerMinute, time.Minute)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"status":  "ok",
				"service": "exposurelog",
			})
		})
		syncHandler.Routes(r, triggerLimit)
	})

	r.Handle("/metrics", app.Metrics.Handler())
	r.Get("/ws", HandleWebSocket(hub, func() models.SyncStatus { return app.Scheduler.Status() }))

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
