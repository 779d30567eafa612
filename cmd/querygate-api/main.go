package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querygate/querygate/internal/analysis"
	"github.com/querygate/querygate/internal/api"
	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/gate"
	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/query"
	duckdbexec "github.com/querygate/querygate/internal/query/duckdb"
	"github.com/querygate/querygate/internal/query/remote"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/quota/filestore"
	"github.com/querygate/querygate/internal/quota/objectstore"
	quotapostgres "github.com/querygate/querygate/internal/quota/postgres"
	"github.com/querygate/querygate/internal/safety"
	"github.com/querygate/querygate/internal/storage"
	s3store "github.com/querygate/querygate/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("querygate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	objects := openObjectStore(startupCtx, cfg, logger)

	var ledgerDB *sql.DB
	if cfg.Ledger.Backend == config.LedgerPostgres {
		ledgerDB, err = quotapostgres.Open(startupCtx, quotapostgres.DBConfig{
			DSN:             cfg.Ledger.DSN,
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxIdleTime: cfg.Ledger.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open ledger db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = ledgerDB.Close() }()
		if err := quotapostgres.VerifySchema(startupCtx, ledgerDB); err != nil {
			logger.Error("ledger db is not ready; run querygate-migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	store, exports, err := newLedgerStore(cfg, ledgerDB, objects)
	if err != nil {
		logger.Error("failed to initialize ledger store", slog.Any("error", err))
		os.Exit(1)
	}
	if file, ok := store.(*filestore.Store); ok {
		logger.Info("usage ledger persisted to file", slog.String("path", file.Path()))
	}
	translatorModel := cfg.AI.Model
	if cfg.AI.Provider == nl2sql.ProviderAzure && cfg.AI.Deployment != "" {
		translatorModel = cfg.AI.Deployment
	}
	ledger, err := quota.NewLedger(startupCtx, quota.Config{
		MaxRequestTokens: cfg.Quota.MaxRequestTokens,
		HourlyTokens:     cfg.Quota.HourlyTokens,
		DailyTokens:      cfg.Quota.DailyTokens,
		Pricing:          pricing(cfg.Quota, translatorModel),
		Window:           cfg.Quota.Window,
		DayRetention:     cfg.Quota.DayRetention,
		DailyBudgetUSD:   cfg.Quota.DailyBudgetUSD,
		Strict:           cfg.Quota.Strict,
	}, store)
	if err != nil {
		logger.Error("failed to load usage ledger", slog.Any("error", err))
		os.Exit(1)
	}

	executor, closeExecutor, err := newExecutor(cfg)
	if err != nil {
		logger.Error("failed to initialize executor", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeExecutor()

	dialect, err := dialectFor(cfg)
	if err != nil {
		logger.Error("invalid safety dialect", slog.Any("error", err))
		os.Exit(1)
	}
	validator := safety.NewValidator(safety.Config{
		DefaultRowLimit: cfg.Safety.DefaultRowLimit,
		MaxRowLimit:     cfg.Safety.MaxRowLimit,
		DeniedKeywords:  cfg.Safety.DeniedKeywords,
		Dialect:         dialect,
	})

	var translator nl2sql.Translator
	if cfg.AI.Enabled {
		translator, err = nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			Provider:    cfg.AI.Provider,
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Deployment:  cfg.AI.Deployment,
			APIVersion:  cfg.AI.APIVersion,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
			Dialect:     promptDialect(dialect, cfg.Executor.Backend),
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize query translator", slog.Any("error", err))
			os.Exit(1)
		}
	}

	deps := gate.Dependencies{
		Logger:     logger,
		Translator: translator,
		Executor:   executor,
		Validator:  validator,
		Analyzer: analysis.NewAnalyzer(analysis.Config{
			OutlierStdDevs:    cfg.Analysis.OutlierStdDevs,
			NullRateThreshold: cfg.Analysis.NullRateThreshold,
			WideTableColumns:  cfg.Analysis.WideTableColumns,
			SampleSize:        cfg.Analysis.SampleSize,
		}),
		Ledger: ledger,
	}
	if objects != nil {
		deps.Archive = objects
	}
	if exports != nil {
		deps.Exports = exports
	}
	service, err := gate.NewService(gate.Config{
		TranslateTimeout:     cfg.Gate.TranslateTimeout,
		ExecuteTimeout:       cfg.Gate.ExecuteTimeout,
		PromptOverheadTokens: cfg.Quota.PromptOverheadTokens,
		DefaultDatabase:      cfg.Executor.DefaultDatabase,
		LedgerName:           cfg.Ledger.Name,
	}, deps)
	if err != nil {
		logger.Error("failed to initialize query gate", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckLedgerDSN(cfg)}
	if ledgerDB != nil {
		readiness = append(readiness,
			api.CheckPing("ledger db", ledgerDB.PingContext),
			api.CheckPing("ledger schema", func(ctx context.Context) error { return quotapostgres.VerifySchema(ctx, ledgerDB) }),
		)
	}
	if catalog, ok := executor.(query.Catalog); ok {
		readiness = append(readiness, api.CheckCatalog("executor", catalog))
	}
	if cfg.Ledger.Backend == config.LedgerObject {
		readiness = append(readiness, api.CheckObjectStoreConfig(cfg))
	}
	apiDeps := api.Dependencies{
		Logger:            logger,
		Gate:              service,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: 5 * time.Second,
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if keys.Len() == 0 {
			logger.Warn("auth is required but no static keys are configured")
		}
		apiDeps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, apiDeps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("executor", cfg.Executor.Backend),
			slog.String("ledger", cfg.Ledger.Backend),
			slog.String("dialect", string(validator.Dialect())),
			slog.Bool("translation", translator != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openObjectStore connects to S3-compatible storage. The store is optional
// unless it also holds the ledger snapshot.
func openObjectStore(ctx context.Context, cfg config.Config, logger *slog.Logger) storage.ObjectStore {
	required := cfg.Ledger.Backend == config.LedgerObject
	if !cfg.ObjectStore.Enabled() {
		if required {
			logger.Error("object ledger backend requires an object store endpoint and bucket")
			os.Exit(1)
		}
		return nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		if required {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Warn("object store unavailable; usage archiving disabled", slog.Any("error", err))
		return nil
	}
	return store
}

func newLedgerStore(cfg config.Config, db *sql.DB, objects storage.ObjectStore) (quota.Store, gate.ExportRecorder, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		return quota.NewMemoryStore(), nil, nil
	case config.LedgerFile:
		store, err := filestore.New(cfg.Ledger.FilePath)
		return store, nil, err
	case config.LedgerPostgres:
		store, err := quotapostgres.NewStore(db, cfg.Ledger.Name)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.LedgerObject:
		store, err := objectstore.New(objects, cfg.Ledger.Name)
		return store, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func newExecutor(cfg config.Config) (query.Executor, func(), error) {
	switch cfg.Executor.Backend {
	case config.ExecutorDuckDB:
		engine, err := duckdbexec.NewEngine(duckdbexec.Config{
			DataDir: cfg.Executor.DuckDBDataDir,
			Threads: cfg.Executor.DuckDBThreads,
		})
		if err != nil {
			return nil, nil, err
		}
		return engine, func() { _ = engine.Close() }, nil
	case config.ExecutorRemote:
		executor, err := remote.NewExecutor(remote.Config{
			URL:     cfg.Executor.RemoteURL,
			APIKey:  cfg.Executor.RemoteAPIKey,
			Timeout: cfg.Executor.RemoteTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return executor, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor backend %q", cfg.Executor.Backend)
	}
}

// dialectFor uses the configured dialect, or the executor's native one.
func dialectFor(cfg config.Config) (safety.Dialect, error) {
	if cfg.Safety.Dialect != "" {
		return safety.ParseDialect(cfg.Safety.Dialect)
	}
	if cfg.Executor.Backend == config.ExecutorRemote {
		return safety.DialectTSQL, nil
	}
	return safety.DialectANSI, nil
}

// promptDialect names the SQL flavour in the translator prompt.
func promptDialect(dialect safety.Dialect, backend string) string {
	if dialect == safety.DialectTSQL {
		return "T-SQL (Microsoft SQL Server)"
	}
	if backend == config.ExecutorDuckDB {
		return "DuckDB SQL"
	}
	return "ANSI SQL"
}

// pricing prefers explicit per-1K prices and otherwise uses the list price of
// the translator model.
func pricing(cfg config.QuotaConfig, model string) quota.Pricing {
	if cfg.PromptPricePer1K > 0 || cfg.CompletionPricePer1K > 0 {
		return quota.Pricing{PromptPer1K: cfg.PromptPricePer1K, CompletionPer1K: cfg.CompletionPricePer1K}
	}
	return quota.PricingForModel(model)
}
