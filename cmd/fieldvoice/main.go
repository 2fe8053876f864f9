package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/config"
	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/tui"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	noColor    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "fieldvoice",
	Short:        "Live transcription of field service visits",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			tui.DisableColor()
		}
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/fieldvoice/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		serveCmd(),
		startCmd(),
		pauseCmd(),
		resumeCmd(),
		endCmd(),
		cancelCmd(),
		backgroundCmd(),
		foregroundCmd(),
		statusCmd(),
		stopCmd(),
		recordCmd(),
		watchCmd(),
		turnsCmd(),
		configureCmd(),
		doctorCmd(),
		versionCmd(),
	)
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

// loadConfig reads the config file and .env files next to it, then sets up
// logging from the result.
func loadConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	config.LoadEnv(filepath.Dir(path))

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init(cfg.ToLoggingConfig())
	return cfg, path, nil
}

// companyFlag falls back to server.company_id when --company is empty.
func companyFlag(cfg *config.Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Server.CompanyID == "" {
		return "", errors.New("no company id: pass --company or set server.company_id")
	}
	return cfg.Server.CompanyID, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and daemon protocol versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("fieldvoice %s\n", version)
			resp, err := sendCommand('v')
			if err != nil {
				fmt.Println(tui.StyleMuted.Render("daemon not running"))
				return nil
			}
			fmt.Print(resp)
			return nil
		},
	}
}
