package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/teranos/jobconnect/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Display the configuration after defaults and environment overrides. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")

			red := cfg.Redacted()
			var out []byte
			switch format {
			case "toml":
				out, err = toml.Marshal(red)
			case "json":
				out, err = json.MarshalIndent(red, "", "  ")
			default:
				return errors.Newf("unknown format %q (valid: toml, json)", format)
			}
			if err != nil {
				return errors.Wrap(err, "failed to encode configuration")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	show.Flags().String("format", "toml", "Output format: toml, json")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d connectors\n", len(cfg.Connectors))
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}
