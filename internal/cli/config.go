package cli

import (
	"fmt"
	"os"

	"github.com/harun/tally/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create configuration files",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

var (
	initContestDir string
	initEngine     string
	initForce      bool
)

func init() {
	configInitCmd.Flags().StringVar(&initContestDir, "contest-dir", "", "directory for contest sessions (required)")
	configInitCmd.Flags().StringVar(&initEngine, "engine", "", "tabulation engine executable (required)")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	errs := config.NewValidator().ValidateConfig(cfg)
	if err := cfg.Validate(); err != nil && len(errs) == 0 {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		out := cmd.ErrOrStderr()
		for _, e := range errs {
			fmt.Fprintf(out, "  - %v\n", e)
		}
		return fmt.Errorf("%s: %d configuration error(s)", loader.GetConfigPath(), len(errs))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid\n", loader.GetConfigPath())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.Storage.ContestDir = initContestDir
	cfg.Engine.Command = initEngine
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start Tally with: tally serve")
	return nil
}
