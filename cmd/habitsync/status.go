package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/habitkit/offlinesync/pkg/health"
	"github.com/habitkit/offlinesync/pkg/offline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue, cache and component health",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := newClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	report := client.Health(ctx)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), struct {
			Status offline.Status `json:"status"`
			Health health.Report  `json:"health"`
		}{st, report})
	}

	printf(cmd, "Connection\n")
	printf(cmd, "  online:       %t (%s)\n", st.Connection.IsOnline, st.Connection.Quality)
	printf(cmd, "  reliability:  %.0f%%\n", st.Connection.Reliability)

	printf(cmd, "Sync queue\n")
	printf(cmd, "  pending:      %s local, %s remote\n",
		humanize.Comma(int64(st.Queue.Local)), humanize.Comma(st.Queue.Remote))
	printf(cmd, "  last drain:   %s\n", since(st.LastDrain))
	printf(cmd, "  dead letters: %s\n", humanize.Comma(int64(st.DeadLetters)))

	printf(cmd, "Cache\n")
	printf(cmd, "  entries:      %s\n", humanize.Comma(int64(st.Cache.Entries)))
	printf(cmd, "  hit rate:     %.1f%%\n", st.Cache.HitRate*100)
	printf(cmd, "  evictions:    %s\n", humanize.Comma(int64(st.Cache.Evictions)))
	printf(cmd, "  last sweep:   %s\n", since(st.LastSweep))

	if len(st.Breakers) > 0 {
		printf(cmd, "Remote tables\n")
		for _, b := range st.Breakers {
			printf(cmd, "  %-18s %s (%d failures)\n", b.Name, b.State, b.Counts.ConsecutiveFailures)
		}
	}

	printf(cmd, "Health: %s\n", report.Overall)
	for _, c := range report.Components {
		line := "  %-12s %s"
		args := []interface{}{c.Name, c.State}
		if c.LastError != "" {
			line += ": %s"
			args = append(args, c.LastError)
		}
		printf(cmd, line+"\n", args...)
	}
	return nil
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
