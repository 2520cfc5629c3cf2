package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var deadLettersClear bool

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "List mutations that could not be saved",
	RunE:    runDeadLetters,
}

func init() {
	deadLettersCmd.Flags().BoolVar(&deadLettersClear, "clear", false, "acknowledge and remove every entry")
	rootCmd.AddCommand(deadLettersCmd)
}

func runDeadLetters(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := newClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	if deadLettersClear {
		if err := client.ClearDeadLetters(ctx); err != nil {
			return err
		}
		printf(cmd, "Dead letters cleared\n")
		return nil
	}

	items, err := client.DeadLetters(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), items)
	}
	if len(items) == 0 {
		printf(cmd, "No dropped mutations\n")
		return nil
	}
	for _, d := range items {
		printf(cmd, "%s %s/%s %s after %d attempts: %s\n",
			humanize.Time(d.DroppedAt), d.Item.EntityType, d.Item.EntityID, d.Item.Action, d.Item.RetryCount, d.Reason)
	}
	return nil
}
