package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/analytics"
	"github.com/scoutforge/scoutd/internal/credential"
	"github.com/scoutforge/scoutd/internal/executor"
	"github.com/scoutforge/scoutd/internal/httpapi"
	"github.com/scoutforge/scoutd/internal/identity"
	"github.com/scoutforge/scoutd/internal/notifier"
	"github.com/scoutforge/scoutd/internal/store"
	"github.com/scoutforge/scoutd/internal/telemetry"
	"github.com/scoutforge/scoutd/provider/email"
	"github.com/scoutforge/scoutd/provider/llm"
	"github.com/scoutforge/scoutd/provider/searchscrape"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the executor HTTP entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return serve
}

func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[SERVE] ", log.LstdFlags)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return fmt.Errorf("postgres dsn: %w", err)
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer st.Close()

	key, err := cfg.Credential.Key()
	if err != nil {
		return fmt.Errorf("credential key: %w", err)
	}

	tel, _, _, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{
		ServiceName:    "scoutd-executor",
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer tel.Shutdown(ctx)
	metrics := telemetry.NewMetrics()
	metrics.MustRegister(tel.Registry)

	analyticsSink := analytics.New(cfg.Analytics, log.New(os.Stdout, "[ANALYTICS] ", log.LstdFlags))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = analyticsSink.Close(closeCtx)
	}()

	exec := executor.New(cfg.Agent,
		executor.WithStore(st),
		executor.WithLLM(llm.New(cfg.LLM)),
		executor.WithSearchScrape(searchscrape.New(cfg.SearchScrape)),
		executor.WithCredentialResolver(credential.New(st, key)),
		executor.WithNotifier(notifier.New(email.New(cfg.Email), analyticsSink)),
		executor.WithIdentityProvider(identity.New(st)),
		executor.WithAnalytics(analyticsSink),
		executor.WithMetrics(metrics),
	)

	e := httpapi.New(exec, st, tel.Registry)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", cfg.Server.Address)
	if err := e.Start(cfg.Server.Address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
