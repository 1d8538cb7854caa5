package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/envalloc/envalloc/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Load the configuration the way serve does and print it with secrets
masked. Exits non-zero when the configuration is invalid.`,
		Example: `  # Check a config file against the current environment
  envalloc config --config envalloc.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			redacted := cfg.Redacted()
			if jsonOutput {
				return printJSON(redacted)
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
