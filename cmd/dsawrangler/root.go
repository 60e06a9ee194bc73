package main

import (
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"dsawrangler/internal/config"
	"dsawrangler/internal/infra/logx"
)

var rootCmd = &cobra.Command{
	Use:   "dsawrangler",
	Short: "Standardize BDSA case ids and protocols on a DSA server",
	Long: `dsawrangler loads slide metadata from a CSV export or a DSA folder,
finds case id conflicts, assigns BDSA case identifiers, maps stain and
region protocols and pushes the changed records back to the DSA server.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var (
	rcPath       string
	settingsPath string
	verboseFlag  bool

	cfg      config.Config
	settings *config.Settings
	logFile  *os.File
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rcPath, "config", config.DefaultPath(), "credentials rc file")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings TOML file (default ./"+config.DefaultSettingsPath+" when present)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log to stderr")
}

func setup(cmd *cobra.Command, _ []string) error {
	path := settingsPath
	if path == "" {
		if _, err := os.Stat(config.DefaultSettingsPath); err == nil {
			path = config.DefaultSettingsPath
		}
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		return err
	}
	settings = s

	if err := setupLogging(); err != nil {
		return err
	}

	c, err := config.Load(rcPath)
	if err != nil {
		return err
	}
	cfg = c
	logx.RegisterSecret(cfg.Token)
	logx.RegisterSecret(cfg.Password)
	logx.Debug("configuration loaded", logx.F{"rc": rcPath, "settings": path, "api": cfg.APIURL})
	return nil
}

func setupLogging() error {
	lvl, err := logx.ParseLevel(settings.Logging.Level)
	if err != nil {
		return err
	}
	logx.SetMinLevel(lvl)
	logx.SetVerbose(settings.Logging.Verbose || verboseFlag)

	switch {
	case len(os.Getenv("DEBUG")) > 0:
		f, err := tea.LogToFile("debug.log", "debug")
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		logFile = f
		log.SetFlags(0)
		log.SetOutput(logx.StdlogWriter(logx.LevelDebug, f))
		logx.SetOutput(f)
		logx.SetMinLevel(logx.LevelDebug)
		fmt.Fprintln(os.Stderr, "Debug logging enabled. Run 'tail -f debug.log' to view logs.")
	case settings.Logging.File != "":
		f, err := os.OpenFile(settings.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		logx.SetOutput(f)
	case verboseFlag:
		logx.SetOutput(os.Stderr)
	}
	return nil
}

func closeLog() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
