package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/foxzi/wadispatch/internal/app"
	"github.com/foxzi/wadispatch/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// secrets may come from a local .env file
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wadispatch",
	Short: "wadispatch - WhatsApp daily distribution engine",
	Long: `wadispatch delivers one approved piece of content per day to every active
subscriber through the WhatsApp Business Cloud API, spreading the load over a
pool of sending numbers while protecting their quality ratings.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the distribution engine",
	Long:  `Start the scheduler, webhook receiver, quality monitor and operator API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wadispatch version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(ctx)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	backups := 0
	for _, n := range cfg.Numbers {
		if n.IsBackup() {
			backups++
		}
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Numbers: %d (%d backup)\n", len(cfg.Numbers), backups)
	fmt.Printf("  Delivery: %s %s, window %s\n", cfg.Scheduler.DeliveryTime, cfg.Scheduler.Timezone, cfg.Scheduler.Window)
	fmt.Printf("  Source: %s\n", cfg.Source.Type)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Redis: %v\n", cfg.Redis.Enabled)

	return nil
}
