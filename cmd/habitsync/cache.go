package main

import (
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the local cache",
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict rarely used entries now",
	RunE:  runCacheSweep,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate KEY...",
	Short: "Drop cached payloads by key",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCacheInvalidate,
}

func init() {
	cacheCmd.AddCommand(cacheSweepCmd, cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheSweep(cmd *cobra.Command, _ []string) error {
	client, err := newClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	res := client.SweepCache()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if !res.Ran {
		printf(cmd, "Sweep skipped: the last sweep ran too recently\n")
		return nil
	}
	printf(cmd, "Evicted %d entries\n", len(res.Evicted))
	for _, key := range res.Evicted {
		printf(cmd, "  %s\n", key)
	}
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, key := range args {
		client.Invalidate(key)
	}
	printf(cmd, "Invalidated %d keys\n", len(args))
	return nil
}
