package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/habitkit/offlinesync/internal/syncqueue"
)

var drainForce bool

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Apply pending mutations to the remote store",
	Long: `drain applies queued mutations in delete, update, add order. Without
--force the drain is skipped if another one completed within the minimum
drain interval.`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().BoolVarP(&drainForce, "force", "f", false, "ignore the drain rate limit")
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := newClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	var res *syncqueue.DrainResult
	if drainForce {
		res, err = client.DrainNow(ctx)
	} else {
		res, err = client.ProcessSyncQueue(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if res.Skipped != "" {
		printf(cmd, "Drain skipped: %s\n", res.Skipped)
		return nil
	}
	printf(cmd, "Applied:    %s\n", humanize.Comma(int64(res.Applied)))
	printf(cmd, "Retrying:   %s\n", humanize.Comma(int64(res.Retried)))
	printf(cmd, "Dropped:    %s\n", humanize.Comma(int64(res.Dropped)))
	printf(cmd, "Superseded: %s\n", humanize.Comma(int64(res.Superseded)))
	printf(cmd, "Deferred:   %s\n", humanize.Comma(int64(res.Deferred)))
	if res.StoppedEarly {
		printf(cmd, "Stopped early: remote circuit open, %d items left untouched\n", res.Untouched)
	}
	printf(cmd, "Took:       %s\n", res.Duration)
	return nil
}
