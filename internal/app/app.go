package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"transcription-gateway/internal/config"
	"transcription-gateway/internal/events"
	"transcription-gateway/internal/observability"
	"transcription-gateway/internal/observability/logging"
	"transcription-gateway/internal/observability/metrics"
	"transcription-gateway/internal/schema"
	"transcription-gateway/internal/service/session"
	"transcription-gateway/internal/service/stream"
	"transcription-gateway/internal/service/stt"
	"transcription-gateway/internal/service/stt/google"
	"transcription-gateway/internal/service/stt/mock"
	"transcription-gateway/internal/service/stt/yandex"
	"transcription-gateway/internal/storage"
)

const serviceName = "transcription-gateway"

// ErrUnknownStore is returned for an unsupported store backend.
var ErrUnknownStore = errors.New("unknown store backend")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics       *metrics.Metrics
	Publisher     *events.Publisher
	Sessions      *session.Registry
	Stream        *stream.Handler
	Observability *observability.Server
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	store, err := NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	}, a.Metrics)

	a.Sessions = session.NewRegistry(session.Config{
		Factory: NewFactory(cfg, a.Metrics),
		Defaults: stt.Request{
			Provider:          cfg.STT.Provider,
			Language:          cfg.STT.Language,
			EnableDiarization: cfg.STT.EnableDiarization,
			SampleRateHz:      cfg.STT.SampleRateHz,
		},
		Store:        store,
		Publisher:    a.Publisher,
		Metrics:      a.Metrics,
		DrainTimeout: cfg.Session.DrainTimeout,
	})

	validator, err := schema.New()
	if err != nil {
		return nil, err
	}
	a.Stream = stream.NewHandler(a.Sessions, validator, a.Metrics)
	a.Observability = observability.NewServer(cfg.Service.MetricsAddr, prometheus.DefaultGatherer)

	appLogger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("store", cfg.Store.Backend).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("Transcription gateway application created")
	return a, nil
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	format := a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		format = "console"
	}
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     format,
		TimeFormat: time.RFC3339,
	})

	a.Logger = logging.WithComponent("application").With().
		Str("service", serviceName).
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// NewFactory returns the adapter factory for the configured providers.
// Upstream gRPC streams are instrumented with m.
func NewFactory(cfg *config.Config, m *metrics.Metrics) stt.Factory {
	interceptor := grpc.WithChainStreamInterceptor(observability.StreamClientInterceptor(m))

	return func(_ context.Context, sessionID string, req stt.Request) (stt.Adapter, error) {
		switch stt.NormalizeProvider(req.Provider) {
		case yandex.Provider:
			return yandex.New(yandex.Config{
				Endpoint:         cfg.Yandex.Endpoint,
				APIKey:           cfg.Yandex.APIKey,
				IAMToken:         cfg.Yandex.IAMToken,
				FolderID:         cfg.Yandex.FolderID,
				StreamingEnabled: cfg.Yandex.StreamingEnabled,
				DialOptions:      []grpc.DialOption{interceptor},
				ResultBuffer:     cfg.Session.ResultBuffer,
			}, sessionID, req), nil
		case google.Provider:
			gcfg := google.DefaultConfig()
			gcfg.InterimResults = cfg.STT.InterimResults
			gcfg.AudioEncoding = cfg.STT.AudioEncoding
			gcfg.ResultBuffer = cfg.Session.ResultBuffer
			return google.New(google.FromRequest(gcfg, req), sessionID, option.WithGRPCDialOption(interceptor)), nil
		case mock.Provider:
			return mock.New(), nil
		default:
			return nil, fmt.Errorf("%w: %q", stt.ErrUnknownProvider, req.Provider)
		}
	}
}

// NewStore builds the transcript store for cfg. The none backend yields a
// nil store.
func NewStore(cfg config.StoreConfig) (session.TranscriptStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		fs, err := storage.NewLocal(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local store: %w", err)
		}
		return storage.NewTranscripts(fs, "local"), nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, errors.New("s3 store: bucket is required")
		}
		client := storage.NewS3Client(storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		return storage.NewTranscripts(storage.NewS3(client, cfg.S3.Bucket, cfg.S3.Prefix), "s3"), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Backend)
	}
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	a.Observability.Start()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Transcription gateway starting")

	return nil
}

// Shutdown ends every session, flushes the publisher and stops the
// observability server.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Transcription gateway shutting down")
	a.Observability.SetReady(false)
	a.Sessions.Close(ctx)
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Error closing publisher")
	}
	if err := a.Observability.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Error stopping observability server")
	}
}
