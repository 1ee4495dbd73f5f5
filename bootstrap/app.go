package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"patterndb/api"
	"patterndb/config"
	"patterndb/core"
	"patterndb/detect"
	"patterndb/ingest"
	"patterndb/storage"
	"patterndb/util/goroutine"
)

// App holds every component of a running patterndb service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Engine    *detect.Engine
	Sinks     *storage.MultiSink
	Pipeline  *Pipeline
	APIServer *api.API

	// Stdin and Stdout back the "-" input and output paths
	Stdin  io.Reader
	Stdout io.Writer

	input    io.ReadCloser
	reloadMu sync.Mutex

	serviceWg    *sync.WaitGroup
	cancel       context.CancelFunc
	pipelineDone chan struct{}
	pipelineErr  error
	shutdownOnce sync.Once
}

// NewApp loads the configuration and builds the engine and sinks. Nothing
// runs until Start.
func NewApp(ctx context.Context, configFile string) (*App, error) {
	return newApp(ctx, configFile, os.Stdin, os.Stdout)
}

func newApp(ctx context.Context, configFile string, stdin io.Reader, stdout io.Writer) (*App, error) {
	app := &App{
		Stdin:        stdin,
		Stdout:       stdout,
		serviceWg:    &sync.WaitGroup{},
		pipelineDone: make(chan struct{}),
	}

	// bootstrap logger until the configured level is known
	logger, sugar, err := InitLogger("info", "console")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := InitConfig(configFile, sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	app.Config = cfg

	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		_ = logger.Sync()
		logger, sugar, err = InitLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	app.Logger = logger
	app.Sugar = sugar
	sugar.Info("patterndb starting...")

	engine, err := InitEngine(cfg, core.SystemClock{}, sugar)
	if err != nil {
		return nil, err
	}
	app.Engine = engine

	if err := LoadDatabase(engine, cfg.Database.Path, sugar); err != nil {
		return nil, fmt.Errorf("failed to load rule database: %w", err)
	}

	sinks, err := InitSinks(ctx, cfg, stdout, sugar)
	if err != nil {
		return nil, err
	}
	app.Sinks = sinks
	return app, nil
}

// Start opens the input and starts the pipeline, the API server and the
// reload signal handler.
func (a *App) Start(ctx context.Context) error {
	format, err := ingest.ParseFormat(a.Config.Input.Format)
	if err != nil {
		return err
	}
	in, err := OpenInput(a.Config.Input.Path, a.Stdin)
	if err != nil {
		return err
	}
	a.input = in

	a.Pipeline = NewPipeline(a.Engine, a.Sinks, PipelineOptions{
		Workers:      a.Config.Engine.Workers,
		TickInterval: a.Config.Engine.TickInterval,
		// contexts keep expiring after the input ends
		Linger: true,
	}, a.Sugar)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	reader := ingest.NewReader(in, format, core.SystemClock{}, a.Sugar)
	go func() {
		defer close(a.pipelineDone)
		defer goroutine.Recover("pipeline", a.Sugar)
		a.pipelineErr = a.Pipeline.Run(runCtx, reader)
	}()
	a.Sugar.Infow("Pipeline started",
		"input", a.Config.Input.Path,
		"format", format,
		"workers", a.Config.Engine.Workers)

	if a.Config.API.Enabled {
		a.startAPIServer()
	}
	a.startReloadHandler(runCtx)
	return nil
}

// startAPIServer creates and starts the HTTP surface.
func (a *App) startAPIServer() {
	a.APIServer = api.NewAPI(a.Engine, a.Config, a.Sugar)
	a.APIServer.SetReloader(a)
	if q, ok := a.Sinks.Querier(); ok {
		a.APIServer.SetSyntheticQuerier(q)
	}
	a.APIServer.SetStatsProvider("pipeline", func() interface{} { return a.Pipeline.GetStats() })

	goroutine.Go(a.serviceWg, "api-server", a.Sugar, func() {
		if err := a.APIServer.Start(a.Config.APIAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server error", "error", err)
		}
	})
}

// startReloadHandler reloads the rule database on SIGHUP.
func (a *App) startReloadHandler(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	goroutine.Go(a.serviceWg, "reload-handler", a.Sugar, func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.Reload(); err != nil {
					a.Sugar.Errorw("Reload failed, keeping the active database", "error", err)
				}
			}
		}
	})
}

// Reload recompiles the rule database from its configured path. On failure
// the active generation keeps serving.
func (a *App) Reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	if err := LoadDatabase(a.Engine, a.Config.Database.Path, a.Sugar); err != nil {
		return err
	}
	a.Sugar.Infow("Rule database reloaded", "generation", a.Engine.Matcher().Generation())
	return nil
}

// Done is closed when the pipeline stops.
func (a *App) Done() <-chan struct{} {
	return a.pipelineDone
}

// Err returns the pipeline error once Done is closed.
func (a *App) Err() error {
	select {
	case <-a.pipelineDone:
		return a.pipelineErr
	default:
		return nil
	}
}

// WaitForShutdown blocks until a shutdown signal is received or the
// pipeline stops on its own.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-a.pipelineDone:
		if err := a.pipelineErr; err != nil {
			a.Sugar.Errorw("Pipeline stopped", "error", err)
		}
	}
}

// Shutdown stops every component. Live correlation contexts are dropped.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping pipeline...")
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.pipelineDone:
		case <-time.After(10 * time.Second):
			a.Sugar.Warn("Pipeline shutdown timed out")
		}
	}

	a.Sugar.Info("Phase 2: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 3: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 4: Dropping correlation contexts...")
	if a.Engine != nil {
		a.Engine.Shutdown()
	}

	a.Sugar.Info("Phase 5: Closing sinks and input...")
	if a.Sinks != nil {
		if err := a.Sinks.Close(); err != nil {
			a.Sugar.Errorw("Failed to close sinks", "error", err)
		}
	}
	if a.input != nil {
		_ = a.input.Close()
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
