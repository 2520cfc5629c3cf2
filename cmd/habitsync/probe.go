package main

import (
	"github.com/spf13/cobra"

	"github.com/habitkit/offlinesync/pkg/errors"
)

var probeURL string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure connection quality against the probe endpoint",
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeURL, "url", "", "probe URL override")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if probeURL != "" {
		cfg.Network.ProbeURL = probeURL
	}
	if cfg.Network.ProbeURL == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "no probe URL configured").
			WithComponent("cli").
			WithDetail("hint", "set network.probe_url, HABITSYNC_PROBE_URL or --url")
	}
	cfg.Monitoring.Metrics.Enabled = false

	client, err := newClientFrom(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	st := client.Probe(ctx)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}

	printf(cmd, "Online:      %t\n", st.IsOnline)
	printf(cmd, "Quality:     %s\n", st.Quality)
	if st.Latency != nil {
		printf(cmd, "Latency:     %s\n", st.Latency.String())
	} else {
		printf(cmd, "Latency:     unreachable\n")
	}
	printf(cmd, "Reliability: %.0f%%\n", st.Reliability)
	return nil
}
