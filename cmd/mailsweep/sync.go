package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailsweep/internal/ingest"
)

var syncPublish bool

var syncCmd = &cobra.Command{
	Use:   "sync [account-id...]",
	Short: "Sync accounts once (all active accounts when no id is given)",
	Long: `Runs one ingestion pass and prints a report per account.

With --publish the ids are queued on AMQP for a running server instead.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncPublish, "publish", false, "publish sync requests to AMQP_URL instead of syncing here")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", arg)
		}
		ids = append(ids, id)
	}

	if syncPublish {
		if cfg.AMQPURL == "" {
			return fmt.Errorf("--publish requires AMQP_URL")
		}
		if len(ids) == 0 {
			return fmt.Errorf("--publish requires account ids")
		}
		for _, id := range ids {
			if err := ingest.PublishSync(ctx, cfg.AMQPURL, cfg.AMQPSyncRoutingKey, id); err != nil {
				return err
			}
		}
		logger.Info("sync requests published", "count", len(ids))
		return nil
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(ids) == 0 {
		accounts, err := a.db.GetAllActiveAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			ids = append(ids, acc.ID)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := 0
	for _, id := range ids {
		report, err := a.pipeline.SyncAccountByID(ctx, id)
		if err != nil {
			logger.Error("sync failed", "account_id", id, "error", err)
			failed++
			continue
		}
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed to sync", failed, len(ids))
	}
	return nil
}
