package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/cairn/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `Inspect the effective configuration.

Configuration is read from ~/.config/cairn/config.yaml, then .cairn.yaml in
the current directory or a parent, then CAIRN_* environment variables
(CAIRN_SUPERVISOR_SLOTS, CAIRN_STORE_PATH, ...). ANTHROPIC_API_KEY is
honored for the API key.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), cfg)
	},
}

func showConfig(w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "# user config:    %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Fprintf(w, "# project config: %s\n", p)
	}
	fmt.Fprintf(w, "# model credentials: %s\n", color.CyanString(string(config.GetAPIKeySource(cfg))))
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
