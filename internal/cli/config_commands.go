package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the agent configuration",
		Long: `Manage the agent configuration file.

The file is INI by default (~/.config/runsync/runsync.conf); a path ending in
.yaml or .yml is read as YAML. The run database password is read from the
MONGO_PASSWORD environment variable, never from the file.`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

// configPath returns the file the config commands work on.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		uri   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Long: `Write a configuration file with default values and an empty host section
for this host. Edit the file afterwards to add directories, transfer methods
and the other sites.

Examples:
  runsync config init --rundb-uri 'mongodb://eb:%s@db1:27017/run'
  runsync --hostname midway-login1 config init --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.NewConfig()
			if hostname != "" {
				cfg.Agent.Hostname = hostname
			}
			cfg.RunDB.URI = uri
			cfg.Hosts[cfg.Agent.Hostname] = &config.HostConfig{Name: cfg.Agent.Hostname}

			if err := config.SaveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().StringVar(&uri, "rundb-uri", "", "Run database URI (%s is replaced by the password)")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  `Print the configuration after defaults and flags are applied, as YAML. Secrets are redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if hostname != "" {
				cfg = cfg.WithOverrides(config.Overrides{Hostname: hostname})
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
