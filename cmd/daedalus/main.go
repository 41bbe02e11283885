// Command daedalus runs the process execution engine: it loads process
// definitions, recovers instances stranded by a previous run, binds
// triggers, and serves step dispatch over NATS JetStream until terminated.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/getsentry/sentry-go"
	natsio "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/condition"
	"github.com/wehubfusion/Daedalus/pkg/definition"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/trigger"
	"github.com/wehubfusion/Daedalus/pkg/variables"
	"go.uber.org/zap"
)

// Config is the engine service configuration, loaded from environment
// variables.
type Config struct {
	Environment string `env:"DAEDALUS_ENVIRONMENT" envDefault:"development"`

	DatabasePath   string `env:"DAEDALUS_DB_PATH" envDefault:"daedalus.db"`
	DefinitionsDir string `env:"DAEDALUS_DEFINITIONS_DIR" envDefault:"definitions"`

	NATSURL      string `env:"DAEDALUS_NATS_URL,required"`
	TaskStream   string `env:"DAEDALUS_TASK_STREAM" envDefault:"DAEDALUS_TASKS"`
	TaskConsumer string `env:"DAEDALUS_TASK_CONSUMER" envDefault:"daedalus-workers"`

	// EncryptionKey is the hex-encoded 32-byte key for sensitive variables.
	// Empty disables sensitive visibility.
	EncryptionKey string `env:"DAEDALUS_ENCRYPTION_KEY"`

	LeaseTTL   time.Duration `env:"DAEDALUS_LEASE_TTL" envDefault:"30s"`
	AutoResume bool          `env:"DAEDALUS_AUTO_RESUME" envDefault:"true"`

	ArchiveConnectionString string        `env:"DAEDALUS_ARCHIVE_CONNECTION_STRING"`
	ArchiveContainer        string        `env:"DAEDALUS_ARCHIVE_CONTAINER" envDefault:"process-archive"`
	ArchiveRetention        time.Duration `env:"DAEDALUS_ARCHIVE_RETENTION" envDefault:"720h"`
	ArchiveInterval         time.Duration `env:"DAEDALUS_ARCHIVE_INTERVAL" envDefault:"1h"`

	OTLPEndpoint string `env:"DAEDALUS_OTLP_ENDPOINT"`
	SentryDSN    string `env:"DAEDALUS_SENTRY_DSN"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "daedalus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	undo := concurrency.InitializeForKubernetes()
	defer undo()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	logger, err := buildLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		tc := tracing.DefaultConfig("daedalus")
		tc.Environment = cfg.Environment
		tc.OTLPEndpoint = cfg.OTLPEndpoint
		shutdown, err := tracing.Setup(ctx, tc, logger)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() { _ = tracing.Shutdown(shutdown, logger) }()
	}

	reportFailures := false
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		reportFailures = true
	}

	var cipher *variables.Cipher
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("decode encryption key: %w", err)
		}
		cipher, err = variables.NewCipher(key)
		if err != nil {
			return fmt.Errorf("create cipher: %w", err)
		}
	}

	store, err := storage.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	evaluator := condition.NewEvaluator()
	registry := definition.NewRegistry(definition.NewCompiler(evaluator))
	defs, err := definition.LoadDir(cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	for _, def := range defs {
		if _, err := registry.Register(def); err != nil {
			return fmt.Errorf("register definition %s: %w", def.Ref, err)
		}
		logger.Info("Registered definition", zap.String("ref", def.Ref))
	}

	nc := nats.DefaultConnectionConfig(cfg.NATSURL)
	nc.TaskStream = cfg.TaskStream
	nc.TaskConsumer = cfg.TaskConsumer
	conn, err := nats.Connect(ctx, nc, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = nats.Close(conn) }()

	js, err := conn.JetStream(natsio.PublishAsyncMaxPending(256))
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	broker := dispatch.WrapNATS(conn, js)

	dispatcher, err := dispatch.NewBrokerDispatcher(broker, dispatch.AllowAll{}, cfg.TaskStream, logger)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:          store,
		Definitions:    registry,
		Dispatcher:     dispatcher,
		Logger:         logger,
		Conditions:     evaluator,
		Cipher:         cipher,
		LeaseTTL:       cfg.LeaseTTL,
		AutoResume:     cfg.AutoResume,
		ReportFailures: reportFailures,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	completions, err := dispatch.NewCompletionConsumer(broker, eng.CompletionSink(), logger)
	if err != nil {
		return fmt.Errorf("create completion consumer: %w", err)
	}
	if err := completions.Start(); err != nil {
		return fmt.Errorf("start completion consumer: %w", err)
	}
	defer func() { _ = completions.Stop() }()

	triggers, err := trigger.NewRegistry(eng, logger)
	if err != nil {
		return fmt.Errorf("create trigger registry: %w", err)
	}
	for _, def := range defs {
		if err := triggers.Bind(def); err != nil {
			return fmt.Errorf("bind triggers for %s: %w", def.Ref, err)
		}
	}
	eng.AttachTriggers(triggers)
	triggers.Start()
	defer triggers.Stop(context.Background())

	if cfg.ArchiveConnectionString != "" {
		archive, err := storage.NewBlobArchiveStore(cfg.ArchiveConnectionString, cfg.ArchiveContainer, logger)
		if err != nil {
			return fmt.Errorf("create archive store: %w", err)
		}
		archiver, err := storage.NewArchiver(store, archive, cfg.ArchiveRetention, cfg.ArchiveInterval, logger)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		go func() {
			if err := archiver.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Archiver stopped", zap.Error(err))
			}
		}()
	}

	recovered, err := eng.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted instances: %w", err)
	}
	logger.Info("Engine ready",
		zap.Int("definitions", len(defs)),
		zap.Int("recoveredInstances", recovered))

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

// buildLogger selects the zap preset for the environment.
func buildLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
