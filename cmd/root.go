package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rfbdl/rfbdl/internal/config"
	"github.com/rfbdl/rfbdl/internal/log"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	// settings is loaded once per invocation by the root pre-run hook.
	settings *config.Settings
	logFile  *os.File
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rfbdl",
	Short: "Resumable downloader for the CNPJ open-data archives",
	Long: `rfbdl mirrors the monthly CNPJ archives published by Receita Federal.
It keeps a local catalog of the file server, downloads the archives of the
months you ask for and resumes interrupted transfers where they stopped.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeGlobalState()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogFile()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		closeLogFile()
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rfbdl %s (built %s)\n", Version, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "", "override the log level (debug, info, warn, error)")
}

// initializeGlobalState prepares the app directory, settings and logging.
func initializeGlobalState() error {
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("create app directory: %w", err)
	}

	s, err := config.LoadSettings()
	if err != nil {
		return err
	}
	settings = s

	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		settings.LogLevel = lvl
	}

	closeLogFile()
	if f, err := log.OpenFile(config.GetLogsDir()); err == nil {
		logFile = f
	} else {
		fmt.Fprintf(os.Stderr, "Warning: cannot open log file: %v\n", err)
	}
	configureLogging(true)

	if settings.LogRetention > 0 {
		if removed, err := log.CleanupLogs(config.GetLogsDir(), settings.LogRetention); err != nil {
			log.Warn("cli").Err(err).Msg("log cleanup failed")
		} else if removed > 0 {
			log.Debug("cli").Int("removed", removed).Msg("old log files removed")
		}
	}
	return nil
}

// configureLogging sends log output to the log file and, when console is
// set, to stderr as well. The dashboard owns the terminal, so it runs
// without the console writer.
func configureLogging(console bool) {
	var writers []io.Writer
	if logFile != nil {
		writers = append(writers, logFile)
	}
	if console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	log.Configure(zerolog.MultiLevelWriter(writers...), log.ParseLevel(settings.LogLevel))
}

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
