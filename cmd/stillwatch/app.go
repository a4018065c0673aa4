package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/api"
	"github.com/mikeyg42/stillwatch/internal/capture"
	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/device"
	"github.com/mikeyg42/stillwatch/internal/imgconv"
	"github.com/mikeyg42/stillwatch/internal/metrics"
	"github.com/mikeyg42/stillwatch/internal/monitor"
	"github.com/mikeyg42/stillwatch/internal/motion"
	"github.com/mikeyg42/stillwatch/internal/notification"
	"github.com/mikeyg42/stillwatch/internal/session"
	"github.com/mikeyg42/stillwatch/internal/storage"
)

// Application holds all components
type Application struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	source     *capture.Source
	detector   *motion.Detector
	pipeline   *monitor.Pipeline
	dispatcher *notification.Dispatcher
	controller *session.Controller

	images  *storage.LocalStore
	archive *storage.MinIOStore
	history *storage.History
	journal *monitor.Journal
	server  *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication builds every component. Optional stores that cannot be
// reached are logged and left out.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{cfg: cfg, logger: logger, metrics: metrics.New()}

	dev := device.NewVideoCapture(device.Config{
		Index:  cfg.Camera.Index,
		Source: cfg.Camera.Source,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	})
	app.source = capture.NewSource(dev, capture.ConfigFrom(cfg.Camera), logger, app.metrics)

	detector, err := motion.NewDetector(cfg.Motion, logger, app.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create change detector: %w", err)
	}
	app.detector = detector

	encoder, err := imgconv.NewEncoder(cfg.Images.Format, cfg.Images.JPEGQuality, cfg.Images.PNGCompression)
	if err != nil {
		detector.Close()
		return nil, fmt.Errorf("failed to create image encoder: %w", err)
	}

	app.openStores(ctx)

	transport, err := newTransport(ctx, cfg.Notification, logger)
	if err != nil {
		app.closeStores()
		detector.Close()
		return nil, fmt.Errorf("failed to create notification transport: %w", err)
	}

	opts := []notification.Option{
		notification.WithEncoder(encoder),
		notification.WithPlaceholder(imgconv.Placeholder),
		notification.WithSnapshots(app.source),
		notification.WithMetrics(app.metrics),
		notification.WithAlertContext(func() notification.AlertContext { return app.pipeline.AlertContext() }),
	}
	var stores []notification.ImageStore
	if app.images != nil {
		stores = append(stores, app.images)
	}
	if app.archive != nil {
		stores = append(stores, app.archive)
	}
	if len(stores) > 0 {
		opts = append(opts, notification.WithImageStores(stores...))
	}
	if app.history != nil {
		opts = append(opts, notification.WithRecorder(app.history))
	}

	dispatcher, err := notification.NewDispatcher(notification.ConfigFrom(cfg.Notification), transport, logger, opts...)
	if err != nil {
		app.closeStores()
		detector.Close()
		return nil, fmt.Errorf("failed to create notification dispatcher: %w", err)
	}
	app.dispatcher = dispatcher

	app.controller = session.NewController(session.ConfigFrom(cfg.Session), dispatcher, logger,
		session.WithSnapshots(app.source), session.WithMetrics(app.metrics))

	app.pipeline = monitor.NewPipeline(detector, app.controller,
		monitor.CameraLabel(cfg.Camera.Index, cfg.Camera.Source), logger)
	app.source.Subscribe(app.pipeline)

	if app.history != nil {
		app.journal = monitor.NewJournal(app.history, logger)
		app.controller.AddListener(app.journal)
	}

	if cfg.API.Enabled {
		hub := api.NewHub(cfg.API.AllowedOrigins, logger)
		app.controller.AddObserver(hub)
		app.controller.AddListener(hub)

		deps := api.Deps{
			Session:    app.controller,
			Dispatcher: dispatcher,
			Camera:     app.source,
			Motion:     detector,
			Pipeline:   app.pipeline,
			Encoder:    encoder,
			Metrics:    app.metrics,
			Hub:        hub,
		}
		if app.images != nil {
			deps.Images = app.images
		}
		if app.history != nil {
			deps.History = app.history
		}
		app.server = api.NewServer(cfg.API, deps, logger)
	}

	return app, nil
}

func newTransport(ctx context.Context, cfg config.NotificationConfig, logger *zap.Logger) (notification.Transport, error) {
	switch cfg.Transport {
	case "gmail":
		return notification.NewGmailTransport(ctx, cfg.Gmail, cfg.SendTimeout, logger)
	case "", "smtp":
		return notification.NewSMTPTransport(cfg.SMTP, cfg.SendTimeout, logger)
	default:
		return nil, &config.ConfigError{Field: "notification.transport", Value: cfg.Transport, Reason: "must be smtp or gmail"}
	}
}

func (app *Application) openStores(ctx context.Context) {
	cfg := app.cfg
	if cfg.Images.SaveAlerts {
		store, err := storage.NewLocalStore(cfg.Images.SavePath, cfg.Images.MaxStored, app.logger)
		if err != nil {
			app.logger.Warn("Local alert image store disabled", zap.Error(err))
		} else {
			app.images = store
		}
	}

	if cfg.Storage.MinIO.Enabled {
		store, err := storage.NewMinIOStore(ctx, cfg.Storage.MinIO, cfg.Images.MaxStored, app.logger)
		if err != nil {
			app.logger.Warn("MinIO alert archive disabled", zap.Error(err))
		} else {
			app.archive = store
		}
	}

	if cfg.Storage.Postgres.Enabled {
		history, err := storage.NewHistory(ctx, cfg.Storage.Postgres, app.logger)
		if err != nil {
			app.logger.Warn("Delivery history disabled", zap.Error(err))
		} else {
			app.history = history
		}
	}
}

func (app *Application) closeStores() {
	if app.history != nil {
		if err := app.history.Close(); err != nil {
			app.logger.Warn("Failed to close history database", zap.Error(err))
		}
	}
}

// Run opens the camera, starts every loop and blocks until ctx is done or
// capture gives up.
func (app *Application) Run(ctx context.Context) error {
	if err := app.source.Open(); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	app.applyCameraProperties()

	bg, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if err := app.source.StartCapture(bg); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.controller.Run(bg)
	}()
	if app.journal != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.journal.Run(bg)
		}()
	}
	if app.server != nil {
		app.server.StartInBackground()
	}

	if app.cfg.Session.AutoStart {
		if _, err := app.controller.Start(""); err != nil {
			app.logger.Error("Failed to auto-start session", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-app.source.Done():
		if err := app.source.Err(); err != nil {
			return err
		}
		return errors.New("capture stopped unexpectedly")
	}
}

func (app *Application) applyCameraProperties() {
	for name, value := range app.cfg.Camera.Properties {
		p, err := device.ParseProperty(name)
		if err != nil {
			app.logger.Warn("Ignoring camera property", zap.String("property", name), zap.Error(err))
			continue
		}
		if err := app.source.SetProperty(p, value); err != nil {
			app.logger.Warn("Failed to set camera property",
				zap.String("property", name), zap.Float64("value", value), zap.Error(err))
		}
	}
}

// Shutdown stops components in order: API, session, capture, dispatcher,
// stores.
func (app *Application) Shutdown(ctx context.Context) {
	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("API server shutdown", zap.Error(err))
		}
	}

	if err := app.controller.Close(); err != nil {
		app.logger.Warn("Session controller close", zap.Error(err))
	}
	if app.cancel != nil {
		app.cancel()
	}
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		app.logger.Warn("Background loops did not stop in time")
	}

	if err := app.source.Close(); err != nil {
		app.logger.Warn("Capture close", zap.Error(err))
	}
	if err := app.dispatcher.Close(); err != nil {
		app.logger.Warn("Dispatcher close", zap.Error(err))
	}
	if err := app.detector.Close(); err != nil {
		app.logger.Warn("Detector close", zap.Error(err))
	}
	if app.journal != nil && app.journal.Dropped() > 0 {
		app.logger.Warn("Session events lost to a full journal", zap.Int64("dropped", app.journal.Dropped()))
	}
	app.closeStores()
}
