package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/s3kv/s3kv/internal/svc"
)

func newServiceCmd() *cobra.Command {
	var name string
	serviceConfig := func() svc.Config {
		return svc.Config{Name: name}
	}

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the local S3 server as a system service",
		Long: `Install, control, and inspect 's3kv serve' as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo s3kv service install --config /etc/s3kv/s3kv.yaml
  sudo s3kv service start
  s3kv service status
  s3kv service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&name, "name", "n", svc.DefaultName, "service name")

	var user string
	var force bool
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the server as a service that starts at boot",
		Long: `Install the server as a service that starts at boot.

The service runs 's3kv service run' with the config file given by --config,
or the platform default. Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			configPath := cfgFile
			if configPath == "" {
				configPath = svc.DefaultConfigPath()
			}
			configPath, err := filepath.Abs(configPath)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}

			sc := serviceConfig()
			sc.ConfigPath = configPath
			sc.UserName = user
			if err := svc.Install(sc, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed (config: %s)\n", name, configPath)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Start it with: s3kv service start --name %s\n", name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&user, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(serviceConfig()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled\n", name)
			return nil
		},
	})

	for _, c := range []struct{ action, short string }{
		{"start", "Start the service"},
		{"stop", "Stop the service"},
		{"restart", "Restart the service"},
	} {
		action := c.action
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return svc.Control(serviceConfig(), action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status(serviceConfig())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
			return nil
		},
	})

	var follow bool
	var lines int
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View the service logs",
		Long: `View the service logs.

  - Linux: journalctl -u <name>
  - macOS: /var/log/<name>.{err,out}.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: name,
				Follow:      follow,
				Lines:       lines,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&lines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the server under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", cfgFile).Msg("starting as service")
			prg := &svc.Program{
				ConfigPath: cfgFile,
				Run: func(ctx context.Context, _ string) error {
					return runServe(ctx, cfg)
				},
			}
			return svc.Run(prg, serviceConfig())
		},
	})

	return serviceCmd
}
