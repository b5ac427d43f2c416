package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailsweep/internal/bulk"
)

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <email-id>",
	Short: "Run the unsubscribe agent for one stored email and print its outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid email id %q", args[0])
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.db.GetEmailByID(ctx, id)
		if err != nil {
			return err
		}
		acc, err := a.db.GetAccountByID(ctx, e.AccountID)
		if err != nil {
			return err
		}

		report, err := a.bulk.Apply(ctx, acc.OwnerID, bulk.ActionUnsubscribe, []int64{id})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report.Results[0])
	},
}
