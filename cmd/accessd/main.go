// Command accessd runs the gym access-control server and its maintenance
// tasks.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata" // device timezones resolve without host zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gymcloud/accessd/internal/config"
	"github.com/gymcloud/accessd/internal/observability/logger"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath string
		envFile    string
		cfg        config.Config
	)

	root := &cobra.Command{
		Use:           "accessd",
		Short:         "Multi-tenant access control for gym doors and turnstiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			if configPath == "" {
				configPath = os.Getenv("ACCESSD_CONFIG")
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger.Init(logger.Config{Env: cfg.Env, Level: cfg.LogLevel, ServiceName: "accessd", Version: version})
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env ACCESSD_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	root.AddCommand(
		serveCmd(&cfg),
		migrateCmd(&cfg),
		sweepCmd(&cfg),
		tokenCmd(&cfg),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(*cobra.Command, []string) {
				fmt.Println(version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "accessd:", err)
		os.Exit(1)
	}
}
