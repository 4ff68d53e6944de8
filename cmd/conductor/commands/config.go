package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/conductor/internal/config"
)

var (
	configDir   string
	configWrite string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Print the configuration after merging global, project and environment
sources, followed by the files it was read from. With --write the merged
configuration is saved to the given file instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := GetWorkDir(configDir)
		if err != nil {
			return err
		}
		cfg, err := config.Load(workDir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if configWrite != "" {
			if err := config.Save(cfg, configWrite); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(out, "wrote %s\n", configWrite)
			return nil
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))

		host, port := cfg.Addr()
		fmt.Fprintf(out, "\nlisten:   %s:%d\n", host, port)
		fmt.Fprintf(out, "events:   %s\n", cfg.EventsTopic())
		fmt.Fprintf(out, "commands: %s\n", cfg.CommandsTopic())
		for _, f := range cfg.Files() {
			fmt.Fprintf(out, "source:   %s\n", f)
		}
		return nil
	},
}

func init() {
	configCmd.Flags().StringVar(&configDir, "directory", "", "Project directory")
	configCmd.Flags().StringVar(&configWrite, "write", "", "Save the merged configuration to this file")
}
