package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"roster/api/internal/app"
	"roster/api/internal/auth"
	"roster/api/internal/config"
	"roster/api/internal/draft"
	"roster/api/internal/history"
	"roster/api/internal/notify"
	"roster/api/internal/refresh"
	"roster/api/internal/search"
	"roster/api/internal/store"
	"roster/api/internal/workspace"
)

func RootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "roster-api",
		Short:        "Serves the candidate roster workspace API.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
	flags := cmd.PersistentFlags()
	flags.String("addr", "", "address to listen on (env API_ADDR)")
	flags.String("database-url", "", "PostgreSQL connection string (env DATABASE_URL)")
	flags.String("migrations-dir", "", "directory holding the SQL migrations (env ROSTER_MIGRATIONS_DIR)")
	addLoggerFlags(flags)
	_ = v.BindPFlag("api_addr", flags.Lookup("addr"))
	_ = v.BindPFlag("database_url", flags.Lookup("database-url"))
	_ = v.BindPFlag("roster_migrations_dir", flags.Lookup("migrations-dir"))
	_ = v.BindPFlag("log_verbosity", flags.Lookup("log-verbosity"))

	cmd.AddCommand(serveCmd(v), migrateCmd(v))
	return cmd
}

func serveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs migrations and starts the HTTP API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending migrations, or rolls back the newest ones with --down.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromViper(v)
			log, cleanup, err := setupLogger(cmd, cfg.LogVerbosity)
			if err != nil {
				return err
			}
			defer cleanup()
			down, err := cmd.Flags().GetInt("down")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPool)
			if err != nil {
				return err
			}
			defer db.Close()

			if down > 0 {
				reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, down)
				if err != nil {
					return err
				}
				log.Info("migrations rolled back", "versions", reverted)
				return nil
			}
			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			log.Info("migrations applied", "versions", applied)
			return nil
		},
	}
	cmd.Flags().Int("down", 0, "roll back this many of the newest migrations")
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg := config.FromViper(v)
	log, cleanup, err := setupLogger(cmd, cfg.LogVerbosity)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPool)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.HistoryDir, log.WithName("history"))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), log.WithName("search"))

	notifier := notify.NewService(notify.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: cfg.SMTPTLS,
	}, cfg.OrgName, log.WithName("notify"))
	if !notifier.IsConfigured() {
		log.Info("SMTP is not configured, notifications will fail until SMTP_HOST is set")
	}

	deps := app.Deps{
		Store:      dataStore,
		Issuer:     auth.NewIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL),
		Notifier:   notifier,
		Search:     searchService,
		History:    historyService,
		Observers:  []workspace.SyncObserver{searchService, historyService},
		ScoreField: cfg.ScoreField,
		Log:        log.WithName("app"),
	}

	var feed *refresh.Feed
	if strings.TrimSpace(cfg.RedisURL) != "" {
		drafts, err := draft.NewRedisStore(cfg.RedisURL, cfg.DraftTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer drafts.Close()
		client := drafts.Client()
		deps.Drafts = drafts
		deps.Publisher = refresh.NewPublisher(client, log.WithName("refresh"))
		feed = refresh.NewFeed(client, log.WithName("refresh"))
	} else {
		log.Info("REDIS_URL is empty, drafts and the refresh feed are disabled")
	}

	service := app.New(deps)

	if feed != nil {
		go func() {
			if err := feed.Run(ctx, service.HandleRefresh, nil); err != nil {
				log.Error(err, "refresh feed stopped")
			}
		}()
	}
	go refresh.NewRevalidator(cfg.RevalidateInterval, service.RevalidateAll, log.WithName("revalidate")).Run(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, log.WithName("http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return serve(ctx, server, log)
}

// serve blocks until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, log logr.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("roster API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("roster API stopped")
	return nil
}
