package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clientcmd "github.com/courier-mq/courier/internal/cmd/client"
	serverrun "github.com/courier-mq/courier/internal/cmd/server"
	cfgpkg "github.com/courier-mq/courier/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier message queue CLI",
		Long:  "Courier is a single-binary message queue with leases, retries, and a dead letter queue. This CLI manages the server and common operations.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the courier server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg := cfgpkg.Default()
			if configPath != "" {
				loaded, err := cfgpkg.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := cfgpkg.FromEnv(&cfg); err != nil {
				return err
			}

			// Flags set on the command line win over file and environment.
			overrideString(cmd, "data-dir", &cfg.DataDir)
			overrideString(cmd, "http", &cfg.HTTPListen)
			overrideString(cmd, "store", &cfg.Store)
			overrideString(cmd, "redis-addr", &cfg.RedisAddr)
			overrideString(cmd, "fsync", &cfg.Fsync)
			overrideString(cmd, "log-level", &cfg.LogLevel)
			overrideString(cmd, "log-format", &cfg.LogFormat)
			overrideString(cmd, "admin-token", &cfg.AdminToken)
			if cmd.Flags().Changed("metrics") {
				cfg.EnableMetrics, _ = cmd.Flags().GetBool("metrics")
			}

			if err := serverrun.Run(context.Background(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Path to a JSON config file")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (defaults to an OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address")
	serverStartCmd.Flags().String("store", "", "Backing store: pebble|redis")
	serverStartCmd.Flags().String("redis-addr", "", "Redis address when --store=redis")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverStartCmd.Flags().String("admin-token", "", "Bearer token required on admin endpoints")
	serverStartCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.NewQueueCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewDLQCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func apiURL() string {
	if v := os.Getenv("COURIER_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
