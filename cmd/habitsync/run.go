package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/habitkit/offlinesync/pkg/api"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent until interrupted",
	Long: `run starts the network monitor, cache sweeper, health checks and metrics
endpoint and, when monitoring.api.enabled is set, the local status API. It
drains the queue after every reconnect and on a fixed schedule, and
stops on SIGINT or SIGTERM.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := newClient(ctx, true)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return err
	}

	if apiCfg := client.Config().Monitoring.API; apiCfg.Enabled {
		server := api.NewServer(apiCfg, client, client.Metrics().Handler(), client.Logger())
		server.StartBackground()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("[HABITSYNC] API server shutdown failed")
			}
		}()
		logrus.WithField("address", apiCfg.Address).Info("[HABITSYNC] Status API listening")
	}

	events, cancel := client.Subscribe(16)
	defer cancel()

	interval := client.Config().Sync.MinDrainInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.WithField("drain_interval", interval.String()).Info("[HABITSYNC] Agent running")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[HABITSYNC] Reception of termination signal, shutting down gracefully...")
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"notice": e.Notification.Level,
				"count":  e.Notification.Count,
			}).Info("[HABITSYNC] " + e.Notification.Message)
		case <-ticker.C:
			if _, err := client.ProcessSyncQueue(ctx); err != nil {
				logrus.WithError(err).Warn("[HABITSYNC] Scheduled drain failed")
			}
		}
	}
}
