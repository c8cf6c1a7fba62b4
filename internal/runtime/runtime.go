package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthtales/hearth-core/internal/ageband"
	"github.com/hearthtales/hearth-core/internal/bus"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/engine"
	"github.com/hearthtales/hearth-core/internal/generate"
	"github.com/hearthtales/hearth-core/internal/narrate"
	"github.com/hearthtales/hearth-core/internal/natsserver"
	"github.com/hearthtales/hearth-core/internal/safety"
	"github.com/hearthtales/hearth-core/internal/story"
	"github.com/hearthtales/hearth-core/internal/stt"
)

// service is the shared lifecycle of the bus-facing components.
type service interface {
	Start() error
	Close()
	Healthy() bool
}

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	busClient     *bus.Client
	store         *story.Store
	services      []service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start boots telemetry, the bus, the store and the services, then blocks
// until ctx is cancelled and everything is drained.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}
	if err := r.startServices(ctx); err != nil {
		r.teardown()
		return err
	}

	r.startHTTP(metricsHandler)
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.httpServer.Addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.teardown()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if busCfg.Embedded && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	store, err := story.Open(ctx, r.cfg.StoryStore, r.logger)
	if err != nil {
		return fmt.Errorf("open story store: %w", err)
	}
	r.store = store

	provider, err := buildGenerationProvider(r.cfg.Generation)
	if err != nil {
		return err
	}
	controller := generate.NewController(r.cfg.Generation, provider, r.logger)

	tracker, err := story.NewTracker(r.cfg.StoryStore, store, controller, r.logger)
	if err != nil {
		return fmt.Errorf("build tracker: %w", err)
	}

	synth, err := buildSynthesizer(r.cfg.Narration)
	if err != nil {
		return err
	}
	pipeline := narrate.NewPipeline(r.cfg.Narration, synth, r.logger)

	eng := engine.New(r.cfg.Engine, safety.NewDetector(), ageband.NewAdapter(), tracker, controller, pipeline, r.logger)
	r.services = append(r.services, engine.NewService(ctx, r.cfg.Engine, r.busClient, eng, r.logger))

	recognizer, err := buildRecognizer(r.cfg.STT)
	if err != nil {
		return err
	}
	r.services = append(r.services, stt.NewService(ctx, r.cfg.STT, r.busClient, recognizer, r.logger))

	for _, svc := range r.services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
	}
	return nil
}

// Disabled generation and narration fall back to their mock backends, so a
// development runtime works end to end with no external processes.
func buildGenerationProvider(cfg config.GenerationConfig) (generate.Provider, error) {
	if !cfg.Enabled {
		return generate.NewMockProvider(), nil
	}
	switch cfg.Mode {
	case "mock", "":
		return generate.NewMockProvider(), nil
	case "http":
		return generate.NewHTTPProvider(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return generate.NewExecProvider(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown generation mode %q", cfg.Mode)
	}
}

func buildSynthesizer(cfg config.NarrationConfig) (narrate.Synthesizer, error) {
	if !cfg.Enabled {
		return narrate.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	}
	switch cfg.Mode {
	case "mock", "":
		return narrate.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return narrate.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown narration mode %q", cfg.Mode)
	}
}

func buildRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (r *Runtime) teardown() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	r.services = nil
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("story store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	r.embedded.Shutdown()
	r.embedded = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, svc := range r.services {
		if !svc.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
