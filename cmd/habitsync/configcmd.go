package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/habitkit/offlinesync/internal/config"
	"github.com/habitkit/offlinesync/pkg/errors"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init PATH",
	Short: "Write a configuration file with default values",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil && !configForce {
		return errors.NewError(errors.ErrCodeConfigSave, "configuration file already exists").
			WithComponent("cli").
			WithContext("file", path).
			WithDetail("hint", "use --force to overwrite")
	}

	if err := config.NewDefault().SaveToFile(path); err != nil {
		return err
	}
	printf(cmd, "Wrote %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	printf(cmd, "Configuration is valid\n")
	return nil
}
