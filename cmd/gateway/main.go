// Command gateway runs the agentic commerce checkout gateway: the REST
// surface, the session expiry sweeper and the webhook dispatcher, all in
// one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nikolayk812/checkout-gateway/internal/checkout"
	"github.com/nikolayk812/checkout-gateway/internal/config"
	"github.com/nikolayk812/checkout-gateway/internal/events"
	"github.com/nikolayk812/checkout-gateway/internal/payment"
	"github.com/nikolayk812/checkout-gateway/internal/port"
	"github.com/nikolayk812/checkout-gateway/internal/pricing"
	"github.com/nikolayk812/checkout-gateway/internal/repository"
	"github.com/nikolayk812/checkout-gateway/internal/server"
	"github.com/nikolayk812/checkout-gateway/internal/webhook"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Agentic commerce checkout gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	return cmd
}

func run(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("pgxpool.New: %w", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("repository.Migrate: %w", err)
	}

	catalog := repository.NewProduct(pool)
	sessions := repository.NewSession(pool)
	orders := repository.NewOrder(pool)
	deliveries := repository.NewDelivery(pool)

	var publisher port.EventPublisher = events.NoopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPublisher, err := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("events.NewPublisher: %w", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	engine := pricing.NewEngine(
		pricing.FlatRateShipping(cfg.Pricing.ShippingFlat, cfg.Pricing.FreeShippingThreshold),
		lo.MapValues(cfg.Pricing.TaxBpsByRegion, func(bps int64, _ string) pricing.TaxRule {
			return pricing.FlatRateTax(bps)
		}),
		pricing.FlatRateTax(cfg.Pricing.FallbackTaxBps),
	)

	psp := payment.NewClient(cfg.PSP.BaseURL, cfg.PSP.APIKey, cfg.PSP.CaptureTimeout)

	service := checkout.NewService(catalog, sessions, orders, psp, publisher, engine,
		checkout.Config{
			TTL:          cfg.Session.TTL,
			ToleranceBps: cfg.Pricing.ToleranceBps,
		}, logger)

	sweeper := checkout.NewSweeper(service, cfg.Session.SweepInterval, cfg.Session.SweepBatch, logger)

	dispatcher := webhook.NewDispatcher(deliveries, webhook.NewSigner(cfg.Webhook.Secret),
		webhook.DispatcherConfig{
			Endpoint:       cfg.Webhook.TargetURL,
			Backoff:        cfg.Webhook.Backoff,
			PollInterval:   cfg.Webhook.PollInterval,
			AttemptTimeout: cfg.Webhook.AttemptTimeout,
			ClaimBatch:     cfg.Webhook.ClaimBatch,
		}, logger)

	handler := server.NewHandler(service, catalog, deliveries, logger)
	srv := server.New(server.Config{
		Addr:      cfg.Server.Addr,
		JWTSecret: cfg.Server.JWTSecret,
		ReadRPS:   cfg.Server.ReadRPS,
		WriteRPS:  cfg.Server.WriteRPS,
		Burst:     cfg.Server.Burst,
	}, handler, pool, logger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(ctx) })
	group.Go(func() error { sweeper.Run(ctx); return nil })
	group.Go(func() error { dispatcher.Run(ctx); return nil })

	if err := group.Wait(); err != nil {
		return fmt.Errorf("group.Wait: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
