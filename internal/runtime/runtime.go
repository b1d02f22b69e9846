package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-fluency/internal/api"
	"github.com/loqalabs/loqa-fluency/internal/bus"
	"github.com/loqalabs/loqa-fluency/internal/config"
	"github.com/loqalabs/loqa-fluency/internal/eventstore"
	"github.com/loqalabs/loqa-fluency/internal/ingest"
	"github.com/loqalabs/loqa-fluency/internal/natsserver"
	"github.com/loqalabs/loqa-fluency/internal/protocol"
	"github.com/loqalabs/loqa-fluency/internal/recorder"
	"github.com/loqalabs/loqa-fluency/internal/stt"
)

const retentionInterval = time.Hour

// Runtime runs the chunked-upload HTTP service.
type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry

	embedded        *natsserver.EmbeddedServer
	bus             *bus.Client
	events          *eventstore.Store
	recorder        *recorder.Service
	store           *ingest.Store
	closeRecognizer func() error

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Start builds every component, serves until ctx ends and then shuts down in
// reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	handler, err := r.build(ctx)
	if err != nil {
		r.close()
		_ = tel.shutdown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.router(handler, tel.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.background(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("version", r.version),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Bool("bus", r.bus != nil))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	r.close()

	if err := r.telemetry.shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
	return nil
}

// build wires the ingest pipeline: bus, event store, stream recorder,
// decoders, recognizer, scheduler and session store.
func (r *Runtime) build(ctx context.Context) (*api.Handler, error) {
	embedded, client, err := ConnectBus(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	r.embedded, r.bus = embedded, client
	retention := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := r.bus.EnsureStream(protocol.StreamResults, []string{protocol.SubjectSessionFinalized}, retention); err != nil {
		r.logger.Warn("failed to ensure results stream", slogError(err))
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	if r.bus != nil {
		r.recorder = recorder.NewService(ctx, r.bus, r.events, r.logger)
		if err := r.recorder.Start(); err != nil {
			return nil, fmt.Errorf("start stream recorder: %w", err)
		}
	}

	vocab, matcher, err := NewVocabulary(r.cfg.Keywords)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	chain, err := NewDecodeChain(r.cfg.Decode, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build decoders: %w", err)
	}
	recognizer, closeRecognizer, err := NewRecognizer(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("build recognizer: %w", err)
	}
	r.closeRecognizer = closeRecognizer

	scheduler := stt.NewScheduler(recognizer, chain, r.logger)
	r.store = ingest.NewStore(ingest.Options{
		MinChunkBytes: r.cfg.Decode.MinChunkBytes,
		SessionTTL:    time.Duration(r.cfg.Ingest.SessionTTLSeconds) * time.Second,
		STT:           STTOptions(r.cfg.STT),
	}, scheduler, vocab, matcher, r.logger)

	r.logger.Info("vocabulary loaded",
		slog.String("version", vocab.Version()),
		slog.Any("categories", vocab.Categories()))

	return api.NewHandler(r.store, r.events, r.bus, r.cfg.Ingest.MaxUploadBytes, r.logger), nil
}

func (r *Runtime) router(h *api.Handler, metrics http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(api.Recoverer(r.logger))

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics)
	}
	h.Routes(router)
	return router
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// background starts the session janitor and event store retention. Both stop
// with ctx.
func (r *Runtime) background(ctx context.Context) {
	if r.cfg.Ingest.SessionTTLSeconds > 0 {
		sweep := time.Duration(r.cfg.Ingest.SweepIntervalSeconds) * time.Second
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.store.RunJanitor(ctx, sweep)
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.events.RunRetention(ctx, retentionInterval)
	}()
}

func (r *Runtime) close() {
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.closeRecognizer != nil {
		if err := r.closeRecognizer(); err != nil {
			r.logger.Warn("recognizer close error", slogError(err))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
