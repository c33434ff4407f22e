package main

import (
	"context"
	"time"

	"github.com/kimhsiao/exposurelog/internal/backend"
	"github.com/kimhsiao/exposurelog/internal/config"
	"github.com/kimhsiao/exposurelog/internal/connectivity"
	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/kv"
	"github.com/kimhsiao/exposurelog/internal/logging"
	"github.com/kimhsiao/exposurelog/internal/metrics"
	"github.com/kimhsiao/exposurelog/internal/sync/queue"
	"github.com/kimhsiao/exposurelog/internal/sync/scheduler"
)

// App is the wired sync subsystem for one data directory.
type App struct {
	Config    *config.Config
	Store     kv.Store
	Metrics   *metrics.SyncMetrics
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	Records   *queue.RecordQueue
	Photos    *queue.PhotoQueue
	Scheduler *scheduler.Scheduler

	closeStore func() error
}

// appOptions tunes NewApp per command.
type appOptions struct {
	// detectNetwork resolves the initial connectivity state. Commands that
	// only edit the queues start offline so nothing is sent and then
	// cut short when the process exits.
	detectNetwork bool
	store         kv.Store
	client        backend.Client
}

// NewApp opens the store and wires queues, monitor and scheduler.
func NewApp(ctx context.Context, cfg *config.Config, opts appOptions) (*App, error) {
	app := &App{Config: cfg, Metrics: metrics.New(), Store: opts.store}

	if app.Store == nil {
		sqlite, err := kv.OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "open queue store", err)
		}
		app.Store = sqlite
		app.closeStore = sqlite.Close
	}

	client := opts.client
	if client == nil {
		var err error
		client, err = newBackendClient(ctx, cfg)
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	initial := connectivity.Offline
	if opts.detectNetwork {
		initial = detectConnectivity(ctx, cfg)
	}
	app.Monitor = connectivity.NewMonitor(initial)
	if cfg.Connectivity.ProbeURL != "" {
		app.Prober = connectivity.NewProber(app.Monitor, cfg.Connectivity.ProbeURL,
			cfg.Connectivity.ProbeInterval, connectivity.ParseType(cfg.Connectivity.ConnectionType))
	}

	qopts := queue.Options{
		Network:              app.Monitor.Current,
		MaxAttempts:          cfg.Queue.MaxAttempts,
		MaxConcurrentUploads: cfg.Queue.MaxConcurrentUploads,
		LargeFileThreshold:   cfg.Queue.LargeFileThreshold,
		AttemptTimeout:       cfg.Queue.AttemptTimeout,
		FailFastOnPermanent:  cfg.Queue.FailFastOnPermanent,
		Metrics:              app.Metrics,
	}

	var err error
	if app.Records, err = queue.NewRecordQueue(app.Store, client, qopts); err != nil {
		app.Close()
		return nil, err
	}
	if app.Photos, err = queue.NewPhotoQueue(app.Store, client, app.Records, qopts); err != nil {
		app.Close()
		return nil, err
	}

	app.Scheduler = scheduler.NewScheduler(app.Records, app.Photos, app.Monitor, &scheduler.SchedulerConfig{
		DrainInterval: cfg.Sync.DrainInterval,
		PassTimeout:   cfg.Sync.PassTimeout,
		Metrics:       app.Metrics,
	})

	return app, nil
}

// detectConnectivity probes once when a probe URL is configured and
// otherwise trusts the configured connection type.
func detectConnectivity(ctx context.Context, cfg *config.Config) connectivity.State {
	connType := connectivity.ParseType(cfg.Connectivity.ConnectionType)
	if cfg.Connectivity.ProbeURL == "" {
		return connectivity.State{IsConnected: true, ConnectionType: connType}
	}

	p := connectivity.NewProber(nil, cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, connType)
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	state := p.Probe(probeCtx)
	logging.Debug("Initial connectivity probe", map[string]interface{}{
		"url":          cfg.Connectivity.ProbeURL,
		"is_connected": state.IsConnected,
	})
	return state
}

func newBackendClient(ctx context.Context, cfg *config.Config) (backend.Client, error) {
	if cfg.Backend.BaseURL == "" {
		logging.Warn("No backend URL configured; sync attempts will fail until one is set", nil)
	}

	httpCfg := backend.HTTPConfig{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	}
	if !cfg.ObjectStore.Enabled {
		return backend.NewHTTPClient(httpCfg, nil), nil
	}

	store, err := backend.NewObjectStore(ctx, cfg.ObjectStore.ObjectStoreConfig)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "object store", err)
	}
	logging.Info("Photo uploads go direct to object store", map[string]interface{}{
		"provider": cfg.ObjectStore.Provider,
		"bucket":   cfg.ObjectStore.BucketName,
	})
	return backend.NewHTTPClient(httpCfg, store), nil
}

// Close stops the scheduler and queues, then closes the store.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Close()
	}
	if a.Photos != nil {
		a.Photos.Close()
	}
	if a.Records != nil {
		a.Records.Close()
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			logging.Warn("Failed to close queue store", map[string]interface{}{"error": err.Error()})
		}
	}
}
