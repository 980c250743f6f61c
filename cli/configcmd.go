package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd groups configuration-inspection subcommands.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "inspect the effective configuration",
}

// configShowCmd prints the effective configuration (environment plus any
// config file) as YAML, with credential-bearing fields redacted, so an
// operator can confirm what a `serve` invocation would actually use
// without grepping environment variables by hand.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration as YAML, secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		redacted := *cfg
		redacted.Postgres.DSN = redactDSN(cfg.Postgres.DSN)

		out, err := yaml.Marshal(redacted)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// redactDSN replaces a DSN's userinfo with REDACTED so passwords never reach stdout or
// a log aggregator that captures CLI output.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.UserPassword("REDACTED", "REDACTED")
	return u.String()
}

func init() {
	configCmd.AddCommand(configShowCmd)
	RootCmd.AddCommand(configCmd)
}
