package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/dispatcher"
	"github.com/scoutforge/scoutd/internal/store"
	"github.com/scoutforge/scoutd/internal/telemetry"
)

func dispatchCMD() *cobra.Command {
	var cfgPath string
	var dispatch = &cobra.Command{
		Use:   "dispatch",
		Short: "Run the minute-granularity dispatcher and reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runDispatch(cfg)
		},
	}
	dispatch.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return dispatch
}

func runDispatch(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return fmt.Errorf("postgres dsn: %w", err)
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer st.Close()

	tel, _, _, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{
		ServiceName:    "scoutd-dispatcher",
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer tel.Shutdown(ctx)
	metrics := telemetry.NewMetrics()
	metrics.MustRegister(tel.Registry)

	opts := []dispatcher.Option{
		dispatcher.WithStore(st),
		dispatcher.WithExecutor(dispatcher.NewHTTPExecutor(cfg.Dispatcher.ExecutorBaseURL, cfg.Dispatcher.ExecutorWallMax)),
		dispatcher.WithMetrics(metrics),
		dispatcher.WithLogger(logger),
	}
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		opts = append(opts, dispatcher.WithRedis(rdb))
	}

	d := dispatcher.New(cfg.Dispatcher.Normalize(), opts...)
	logger.Printf("dispatcher started: tick=%s reap=%s", cfg.Dispatcher.TickCron, cfg.Dispatcher.ReapCron)
	d.Run(ctx)
	logger.Print("dispatcher stopped")
	return nil
}
