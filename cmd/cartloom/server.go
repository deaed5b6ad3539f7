package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cartloom/cartloom/pkg/billing"
	"github.com/cartloom/cartloom/pkg/config"
	"github.com/cartloom/cartloom/pkg/connmgr"
	"github.com/cartloom/cartloom/pkg/cron"
	"github.com/cartloom/cartloom/pkg/events"
	"github.com/cartloom/cartloom/pkg/httpapi"
	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/provision"
	"github.com/cartloom/cartloom/pkg/refresh"
	"github.com/cartloom/cartloom/pkg/registry"
	"github.com/cartloom/cartloom/pkg/resolver"
	"github.com/cartloom/cartloom/pkg/tokens"
	"github.com/cartloom/cartloom/pkg/vault"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the tenant runtime",
	Long: `Start the runtime: HTTP API, job workers, cron scheduler and
token refresh. All state lives in the master Postgres database; multiple
instances may run side by side and elect one cron leader.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
	})
	logger := log.WithComponent("server")

	db, err := sqlx.Connect("pgx", cfg.MasterDB.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to master database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MasterDB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MasterDB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MasterDB.ConnMaxLifetime.Std())

	v, err := vault.NewFromPassphrase(cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(db, v)

	var cache redis.UniversalClient
	if cfg.Resolver.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Resolver.RedisAddr})
		defer cache.Close()
	}
	res := resolver.New(reg, resolver.Options{
		Cache:       cache,
		CacheTTL:    cfg.Resolver.CacheTTL.Std(),
		DefaultSlug: cfg.Resolver.DefaultStoreSlug,
	})

	tenants := connmgr.New(reg, connmgr.Options{
		Prober:       provision.Probe,
		TTL:          cfg.Tenants.CacheTTL.Std(),
		ProbeTimeout: cfg.Tenants.ProbeTimeout.Std(),
		MaxConns:     cfg.Tenants.MaxConns,
	})
	defer tenants.InvalidateAll()

	provisioner := provision.New(reg, tenants, broker)

	engine := jobs.NewEngine(jobs.NewPGStore(db, jobs.RetryPolicy{
		Base: cfg.Jobs.RetryBase.Std(),
		Cap:  cfg.Jobs.RetryCap.Std(),
	}), broker)

	tokenReg := tokens.New(db)
	providers := refresh.NewProviderRegistry()
	refresher := refresh.New(tokenReg, providers, refresh.Options{
		Buffer:       cfg.Refresh.Buffer.Std(),
		BatchTimeout: cfg.Refresh.BatchTimeout.Std(),
	})

	ledger := billing.NewLedger(db)

	pool := jobs.NewPool(engine, jobs.PoolOptions{
		Workers:            cfg.Jobs.Workers,
		PollInterval:       cfg.Jobs.PollInterval.Std(),
		CancelPollInterval: cfg.Jobs.CancelPollInterval.Std(),
		Visibility:         cfg.Jobs.VisibilityTimeout.Std(),
	})
	pool.Register("refresh_tokens", refresh.Handler(refresher))
	pool.Register("uptime_billing", billing.UptimeHandler(ledger, reg, billing.DefaultUptimeRateCents))
	pool.Register("trim_job_history", jobs.TrimHistoryHandler(engine, cfg.Jobs.HistoryRetention.Std()))
	pool.Start()
	defer pool.Stop()

	cronStore := cron.NewPGStore(db)
	sched := cron.NewScheduler(cronStore, engine, cron.Options{
		TickInterval: cfg.Cron.TickInterval.Std(),
		Elector:      cron.NewAdvisoryLock(db, cfg.Cron.LeaderLockKey),
		Broker:       broker,
	})
	if err := ensureSystemEntries(cmd.Context(), sched); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := httpapi.NewServer(httpapi.Config{
		Registry:    reg,
		Resolver:    res,
		Tenants:     tenants,
		Provisioner: provisioner,
		Jobs:        engine,
		Cron:        cronStore,
		Tokens:      tokenReg,
		Billing:     ledger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTP.Addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// ensureSystemEntries installs the platform cron entries on startup.
// Upserts by name, so restarts and config changes converge.
func ensureSystemEntries(ctx context.Context, sched *cron.Scheduler) error {
	entries := []struct {
		name, expression, jobType string
		configuration             json.RawMessage
	}{
		{"system-refresh-tokens", "*/30 * * * *", "refresh_tokens", nil},
		{"system-uptime-billing", "0 * * * *", "uptime_billing", nil},
		{"system-trim-job-history", "30 4 * * *", "trim_job_history", nil},
	}
	for _, e := range entries {
		if err := sched.EnsureEntry(ctx, e.name, e.expression, "UTC", e.jobType, e.configuration); err != nil {
			return fmt.Errorf("failed to install cron entry %s: %w", e.name, err)
		}
	}
	return nil
}
