// CloudMetrics: Real-time infrastructure monitoring pipeline.
// Author: vesaa | License: MIT | https://github.com/vesaa/cloudmetrics
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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/cloudmetrics/internal/alerting"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
	"github.com/vesaa/cloudmetrics/internal/cache"
	"github.com/vesaa/cloudmetrics/internal/config"
	"github.com/vesaa/cloudmetrics/internal/pipeline"
	"github.com/vesaa/cloudmetrics/internal/registry"
	"github.com/vesaa/cloudmetrics/internal/sampler"
	"github.com/vesaa/cloudmetrics/internal/seed"
	"github.com/vesaa/cloudmetrics/internal/server"
	"github.com/vesaa/cloudmetrics/internal/sink"
	"github.com/vesaa/cloudmetrics/internal/store"
)

const asciiLogo = `
   ___ _                 _ __  __     _        _
  / __| |___ _  _ __ _ _| |  \/  |___| |_ _ _(_)__ ___
 | (__| / _ \ || / _' / _' | |\/| / -_)  _| '_| / _(_-<
  \___|_\___/\_,_\__,_\__,_|_|  |_\___|\__|_| |_\__/__/
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo + "\n")
	fmt.Printf("  ► CloudMetrics %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:   "cloudmetrics",
		Short: "CloudMetrics: real-time infrastructure monitoring",
		Long: `CloudMetrics samples telemetry for a fleet of instances on a fixed interval,
stores it, raises threshold alerts and streams every tick to live dashboards.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or ~/.cloudmetrics/config.yaml)")

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the sampling pipeline and serve the API + websocket channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	// ── seed subcommand ───────────────────────────────────────────────────────
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Replace the database contents with a demo fleet and backfilled history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			step, _ := cmd.Flags().GetDuration("step")
			alerts, _ := cmd.Flags().GetInt("alerts")
			return runSeed(cmd.Context(), cfg, seed.Options{Days: days, Step: step, Alerts: alerts})
		},
	}
	seedCmd.Flags().Int("days", 7, "Days of history to generate")
	seedCmd.Flags().Duration("step", 5*time.Minute, "Interval between generated samples")
	seedCmd.Flags().Int("alerts", 20, "Number of sample alerts")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print CloudMetrics version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("CloudMetrics %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, seedCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates config and installs the default logger.
func loadConfig(cfgFile string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.LogLevel))
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		st := store.New(db)
		_ = st.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return store.New(db), nil
}

func runSeed(ctx context.Context, cfg *config.Config, opts seed.Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := seed.Run(ctx, st.DB(), opts, slog.Default())
	if err != nil {
		return fmt.Errorf("seeding database: %w", err)
	}
	fmt.Printf("  ✓ Seeded %d instances, %d metrics, %d alerts\n", res.Instances, res.Metrics, res.Alerts)
	return nil
}

func runServer(cfg *config.Config) error {
	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Storage (fatal on failure) ────────────────────────────────────────────
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var kv cache.KV
	if cfg.RedisAddr != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("initializing cache: %w", err)
		}
		kv = r
	} else {
		kv = cache.NewMemory()
	}
	defer kv.Close()
	metricsCache := cache.NewMetricsCache(kv, st, cfg.CacheTTL(), log)

	// ── Fleet ─────────────────────────────────────────────────────────────────
	reg := registry.New(st, cfg.Instances, log)
	if err := reg.Refresh(ctx); err != nil {
		log.Warn("using static fleet", "error", err)
	}
	if err := reg.Start(cfg.RegistryRefresh); err != nil {
		return err
	}
	defer reg.Stop()

	// ── Broadcast + sinks ─────────────────────────────────────────────────────
	hub := broadcast.NewHub(cfg.SubscriberBuffer, log)
	defer hub.Close()

	if len(cfg.KafkaBrokers) > 0 {
		k := sink.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		hub.Subscribe(k)
		defer k.Close()
		log.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.MQTTBroker != "" {
		m, err := sink.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopicPrefix, log)
		if err != nil {
			log.Warn("mqtt sink disabled", "error", err)
		} else {
			hub.Subscribe(m)
			defer m.Close()
			log.Info("mqtt sink enabled", "broker", cfg.MQTTBroker)
		}
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	alerts := alerting.NewService(st, cfg.Thresholds.Model(), log)
	p := pipeline.New(reg, sampler.New(), st, metricsCache, alerts, hub, log,
		pipeline.WithWorkerLimit(cfg.TickWorkerLimit),
		pipeline.WithInstanceTimeout(cfg.InstanceTimeout()))
	sched := pipeline.NewScheduler(p, cfg.Interval(), log)
	sched.Start(ctx)
	defer sched.Stop()

	// ── HTTP ──────────────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Deps{
		Metrics:    metricsCache,
		Store:      st,
		Alerts:     alerts,
		Hub:        hub,
		Auth:       server.NewAuth(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPassHash),
		CORSOrigin: cfg.CORSOrigin,
		Log:        log,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("  ✓ API + websocket → http://%s\n", cfg.ListenAddr)
	fmt.Printf("  ✓ Tick interval:   %s\n", cfg.Interval())
	if cfg.JWTSecret == "" {
		fmt.Printf("  ! jwt_secret not set, acknowledge is unauthenticated\n")
	}
	fmt.Println()

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		fmt.Println("\n  → Shutting down gracefully…")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		return nil
	}
}
