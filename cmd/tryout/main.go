package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/tryout/internal/handler"
	appI18n "github.com/pavelanni/tryout/internal/i18n"
	"github.com/pavelanni/tryout/internal/ingest"
	"github.com/pavelanni/tryout/internal/llm"
	"github.com/pavelanni/tryout/internal/llm/prompts"
	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/store"
	"github.com/pavelanni/tryout/internal/store/postgres"
	"github.com/pavelanni/tryout/internal/tryout"
	"github.com/pavelanni/tryout/internal/wallet"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tryout",
		Short: "Scoring, ranking and wallet backend for timed practice exams",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), validateCmd(), publishCmd(), sweepCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `tryout --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStoreFlags(f)
	addServiceFlags(f)
	addIngestFlags(f)
	f.StringP("lang", "l", "en", "Default response language (en, id)")
	f.Duration("sweep-interval", time.Minute, "How often expired sessions and payments are closed (0 disables)")
	f.String("admin-token", "", "Bearer token for admin routes (or set TRYOUT_ADMIN_TOKEN)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables study advice)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.String("advice-variant", string(prompts.VariantStandard), "Study advice prompt variant (brief, standard, detailed)")
	addLogFlags(f)
	return cmd
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", "sqlite", "Database driver (sqlite, postgres)")
	f.String("db", "tryout.db", "SQLite database path or PostgreSQL DSN")
}

func addServiceFlags(f *pflag.FlagSet) {
	f.String("scoring-mode", string(model.ScoringBinary), "Scoring mode (binary, option-weights)")
	f.Duration("payment-ttl", 24*time.Hour, "How long a top-up invoice stays payable")
}

func addIngestFlags(f *pflag.FlagSet) {
	f.String("ingest-package-url", "", "Webhook URL for package creation")
	f.String("ingest-questions-url", "", "Webhook URL for bulk question upload")
	f.String("ingest-secret", "", "Shared secret sent to the ingestion webhooks")
	f.Duration("ingest-timeout", 30*time.Second, "Timeout per ingestion request")
	f.Int("ingest-chunk-size", 50, "Questions per upload request")
	f.Int("ingest-attempts", 3, "Attempts per ingestion request on transport errors")
	f.Int("ingest-concurrency", 4, "Concurrent question uploads")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TRYOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tryout")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tryout")
	v.AddConfigPath("/etc/tryout")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// backend is everything the commands need from a database.
type backend interface {
	tryout.Persistence
	wallet.Ledger
	handler.Store
	tryout.ResultSource
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	Close() error
}

var (
	_ backend = (*store.Store)(nil)
	_ backend = (*postgres.Store)(nil)
)

func openBackend(ctx context.Context, v *viper.Viper) (backend, error) {
	dsn := v.GetString("db")
	switch driver := strings.ToLower(v.GetString("db-driver")); driver {
	case "", "sqlite":
		s, err := store.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		return s, nil
	case "postgres", "postgresql":
		s, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q (want sqlite or postgres)", driver)
	}
}

func serviceConfig(v *viper.Viper) (model.ServiceConfig, error) {
	mode := model.ScoringMode(strings.ToLower(strings.TrimSpace(v.GetString("scoring-mode"))))
	switch mode {
	case model.ScoringBinary, model.ScoringOptionWeights:
	default:
		return model.ServiceConfig{}, fmt.Errorf("unknown scoring mode %q (want binary or option-weights)", mode)
	}
	return model.ServiceConfig{
		ScoringMode:   mode,
		SweepInterval: v.GetDuration("sweep-interval"),
		PaymentTTL:    v.GetDuration("payment-ttl"),
	}, nil
}

// ingestClient returns nil when no webhook is configured.
func ingestClient(v *viper.Viper) *ingest.Client {
	cfg := ingest.Config{
		PackageURL:   v.GetString("ingest-package-url"),
		QuestionsURL: v.GetString("ingest-questions-url"),
		Secret:       v.GetString("ingest-secret"),
		Timeout:      v.GetDuration("ingest-timeout"),
		ChunkSize:    v.GetInt("ingest-chunk-size"),
		Attempts:     v.GetInt("ingest-attempts"),
		Concurrency:  v.GetInt("ingest-concurrency"),
	}
	if cfg.PackageURL == "" || cfg.QuestionsURL == "" {
		return nil
	}
	return ingest.NewClient(cfg, nil)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := serviceConfig(v)
	if err != nil {
		return err
	}

	db, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	tryouts := tryout.NewService(db, cfg)
	wallets := wallet.NewService(db, cfg.PaymentTTL)

	var publisher handler.Publisher
	if c := ingestClient(v); c != nil {
		publisher = c
		slog.Info("ingestion webhooks configured", "package_url", v.GetString("ingest-package-url"))
	}

	var advisor handler.Advisor
	if url := v.GetString("llm-url"); url != "" {
		if err := prompts.Load(); err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
		variant := strings.ToLower(strings.TrimSpace(v.GetString("advice-variant")))
		if !prompts.IsValidVariant(variant) {
			slog.Warn("invalid advice-variant, using standard", "variant", variant)
			variant = string(prompts.VariantStandard)
		}
		advisor = llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), prompts.Variant(variant))
		slog.Info("study advice enabled", "url", url, "model", v.GetString("llm-model"), "variant", variant)
	}

	var adminHash string
	if token := v.GetString("admin-token"); token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin token: %w", err)
		}
		adminHash = string(hash)
	} else {
		slog.Warn("no admin token configured, admin routes are disabled")
	}

	h := handler.New(db, tryouts, wallets, publisher, advisor, handler.Config{AdminTokenHash: adminHash})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"db_driver", v.GetString("db-driver"),
			"lang", lang,
			"scoring_mode", cfg.ScoringMode,
			"sweep_interval", cfg.SweepInterval,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			tryouts.RunSweeper(gctx, cfg.SweepInterval)
			return nil
		})
		g.Go(func() error {
			runPaymentExpiry(gctx, wallets, cfg.SweepInterval)
			return nil
		})
	}
	return g.Wait()
}

// runPaymentExpiry closes overdue invoices every interval until ctx is done.
func runPaymentExpiry(ctx context.Context, w *wallet.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.ExpireStale(ctx)
			if err != nil {
				slog.Error("payment expiry failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired stale payments", "count", n)
			}
		}
	}
}
