package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mixelka/mailsweep/internal/api"
	"github.com/mixelka/mailsweep/internal/ingest"
	"github.com/mixelka/mailsweep/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the sync scheduler and the optional chat and queue channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := ingest.NewScheduler(a.pipeline, a.db, cfg.SyncInterval, cfg.BulkWorkers, logger)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.TelegramEnabled() {
		bot, err := telegram.NewBot(telegram.BotDeps{
			Token:    cfg.TelegramToken,
			Store:    a.db,
			Accounts: a.connector,
			Bulk:     a.bulk,
			Trigger:  scheduler.Trigger,
			Status:   a.imap.Status,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		a.pipeline.OnIngested(bot.NotifyIngested)
		g.Go(func() error {
			bot.Start(ctx)
			return nil
		})
	}

	if cfg.AMQPURL != "" {
		trigger, err := ingest.NewAMQPTrigger(cfg.AMQPURL, cfg.AMQPSyncRoutingKey, scheduler.Trigger, logger)
		if err != nil {
			return err
		}
		defer trigger.Close()
		g.Go(func() error {
			return trigger.Run(ctx)
		})
	}

	server := api.NewServer(cfg.HTTPAddr, api.Deps{
		Store:    a.db,
		Bulk:     a.bulk,
		Accounts: a.connector,
		Syncer:   a.pipeline,
	}, logger)

	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx)
	})

	logger.Info("mailsweep is running, press Ctrl+C to stop")
	err = g.Wait()
	logger.Info("mailsweep stopped")
	return err
}
