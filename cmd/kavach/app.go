package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/api"
	"github.com/GuruMachanica/KavachG/internal/config"
	"github.com/GuruMachanica/KavachG/internal/detection"
	"github.com/GuruMachanica/KavachG/internal/detection/dnn"
	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/framestream/capture"
	"github.com/GuruMachanica/KavachG/internal/framestream/webcam"
	"github.com/GuruMachanica/KavachG/internal/incident"
	"github.com/GuruMachanica/KavachG/internal/live"
	"github.com/GuruMachanica/KavachG/internal/recorder"
	"github.com/GuruMachanica/KavachG/internal/recorder/encoder"
	"github.com/GuruMachanica/KavachG/internal/recorder/encoder/cvwriter"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
	"github.com/GuruMachanica/KavachG/internal/validate"
)

// Application holds every long-lived component of the run command.
type Application struct {
	config *config.Config
	logger *zap.Logger

	store      *storage.SQLStore
	mirror     *storage.MinIOStore
	deadLetter *incident.DeadLetterLog
	dispatcher *incident.Dispatcher
	hub        *incident.Hub
	live       *live.Registry
	adapters   []*detection.Adapter
	group      *recorder.Group
	server     *api.Server
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if err := validate.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := config.PrepareDirs(cfg); err != nil {
		return nil, err
	}
	return &Application{config: cfg, logger: logger}, nil
}

// Initialize opens the store, builds the dispatcher and one monitor per
// configured stream, and prepares the API server.
func (app *Application) Initialize(ctx context.Context) error {
	cfg := app.config

	store, deadLetter, dispatcher, err := openDispatch(ctx, cfg, app.logger)
	if err != nil {
		return err
	}
	app.store = store
	app.deadLetter = deadLetter
	app.dispatcher = dispatcher

	if cfg.Storage.MinIO.Enabled {
		_, minioCfg := config.CreateStorageConfigs(cfg)
		mirror, err := storage.NewMinIOStore(ctx, minioCfg, app.logger)
		if err != nil {
			return fmt.Errorf("failed to connect clip mirror: %w", err)
		}
		app.mirror = mirror
	}

	app.hub = incident.NewHub(app.logger)
	app.dispatcher.Subscribe(app.hub)
	app.live = live.NewRegistry(cfg.HTTP.LiveJPEGQuality, cfg.HTTP.LiveFrameSkip, app.logger)

	monitors := make([]*recorder.Monitor, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		m, err := app.buildMonitor(sc)
		if err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		monitors = append(monitors, m)
	}
	app.group = recorder.NewGroup(app.logger, monitors...)

	app.server = api.NewServer(api.Options{
		Addr:               cfg.HTTP.Addr,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		ClipDir:            cfg.Recording.ClipDir,
		ClipsPrefix:        cfg.HTTP.ClipsPrefix,
		Store:              app.store,
		Dispatcher:         app.dispatcher,
		Hub:                app.hub,
		Live:               app.live,
		Streams:            app.group,
		Logger:             app.logger,
	})
	return nil
}

func (app *Application) buildMonitor(sc config.StreamConfig) (*recorder.Monitor, error) {
	cfg := app.config
	log := app.logger.With(zap.String("camera", sc.Name))

	src, err := openSource(sc, cfg.Persistence.DefaultFPS)
	if err != nil {
		return nil, err
	}

	adapters := make([]*detection.Adapter, 0, len(sc.Kinds))
	for _, k := range sc.Kinds {
		kind, err := detection.ParseKind(k)
		if err != nil {
			src.Close()
			return nil, err
		}
		det, err := openDetector(cfg, kind)
		if err != nil {
			src.Close()
			return nil, err
		}
		a := detection.NewAdapter(det, config.AdapterConfig(cfg, kind), log)
		adapters = append(adapters, a)
		app.adapters = append(app.adapters, a)
	}

	encCfg := config.EncoderConfig(cfg, src.FPS())
	var writer encoder.ClipWriter
	switch cfg.Recording.ClipFormat {
	case "mkv":
		writer = encoder.NewMKVWriter(encCfg, log)
	default:
		writer = cvwriter.New(encCfg, log)
	}

	opts := recorder.Options{
		Camera:          sc.Name,
		Source:          src,
		Adapters:        adapters,
		Persistence:     cfg.Persistence.MachineConfig(),
		DefaultFPS:      cfg.Persistence.DefaultFPS,
		Workers:         cfg.Detection.Workers,
		QueueDepth:      cfg.Recording.QueueFrames,
		ClipWriter:      writer,
		ClipDir:         cfg.Recording.ClipDir,
		ClipsPrefix:     cfg.HTTP.ClipsPrefix,
		Dispatcher:      app.dispatcher,
		Live:            app.live.Publisher(sc.Name),
		ShutdownGrace:   cfg.Recording.ShutdownGrace,
		MetricsInterval: cfg.Recording.MetricsInterval,
		Logger:          app.logger,
	}
	if app.mirror != nil {
		opts.Mirror = app.mirror
	}
	m, err := recorder.NewMonitor(opts)
	if err != nil {
		src.Close()
		return nil, err
	}
	return m, nil
}

// Run serves the API and the hub and blocks until every stream has
// stopped. Cancelling ctx stops everything.
func (app *Application) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go app.hub.Run(hubCtx)

	if n := app.deadLetter.Len(); n > 0 {
		app.logger.Warn("Dead-lettered incidents pending; run `kavach replay` once the store is healthy",
			zap.Int("count", n))
	}

	app.server.StartInBackground()
	err := app.group.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := app.server.Shutdown(shutdownCtx); serr != nil {
		app.logger.Warn("API server shutdown", zap.Error(serr))
	}
	return err
}

func (app *Application) Cleanup() {
	for _, a := range app.adapters {
		if err := a.Close(); err != nil {
			app.logger.Warn("Detector close failed", zap.String("kind", string(a.Kind())), zap.Error(err))
		}
	}
	if app.store != nil {
		app.store.Close()
	}
}

func openSource(sc config.StreamConfig, defaultFPS float64) (framestream.Source, error) {
	switch sc.Driver {
	case "mediadevices":
		return webcam.Open(sc.Name, sc.Source, webcam.Options{Width: sc.Width, Height: sc.Height, FPS: defaultFPS})
	default:
		return capture.Open(sc.Name, sc.Source, capture.Options{Width: sc.Width, Height: sc.Height})
	}
}

func openDetector(cfg *config.Config, kind detection.Kind) (detection.Detector, error) {
	switch cfg.Detection.Backend {
	case "dnn":
		return dnn.Open(cfg.Detection.ModelDir, kind, cfg.Detection.InputSize)
	default:
		client := &http.Client{Timeout: cfg.Detection.Timeout * 2}
		return detection.NewHTTPDetector(cfg.Detection.Endpoint, kind, client), nil
	}
}

// openDispatch opens the incident store, the dead-letter log and the
// dispatcher in front of them. The incidents and replay commands use it
// without any streams.
func openDispatch(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.SQLStore, *incident.DeadLetterLog, *incident.Dispatcher, error) {
	sqlCfg, _ := config.CreateStorageConfigs(cfg)
	store, err := storage.OpenSQL(ctx, sqlCfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open incident store: %w", err)
	}
	dl, err := incident.NewDeadLetterLog(cfg.Recording.DeadLetterPath, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	d := incident.NewDispatcher(store, dl, config.DispatcherConfig(cfg), logger)
	return store, dl, d, nil
}
