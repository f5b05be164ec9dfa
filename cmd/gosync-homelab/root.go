package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fgeck/gosync-homelab/internal/config"
	"github.com/fgeck/gosync-homelab/internal/logsink"
	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "gosync-homelab",
	Short: "Mirror a directory to a remote host with rsync over SSH",
	Long: `gosync-homelab mirrors a local directory onto a remote host:
  - Validates arguments, the source directory and required tools
  - Optionally wakes the remote host via Wake-on-LAN
  - Checks SSH connectivity and the destination directory
  - Runs rsync -avz --delete (files missing locally are removed remotely)
  - Sends start, success and error notifications to a chat webhook
  - Writes a size-rotated log file

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	RunE:          runBackup,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (YAML)")
	flags.StringP("webhook", "w", "", "webhook URL for notifications")
	flags.StringP("remote", "r", "", "remote host (user@host)")
	flags.StringP("source", "s", "", "local source directory")
	flags.StringP("destination", "d", "", "destination directory on the remote host")
	flags.StringP("name", "n", "", "backup name used in notifications")
	flags.IntP("port", "p", config.DefaultPort, "SSH port")
	flags.StringP("log-file", "l", config.DefaultLogFile, "log file path")
	flags.IntP("verbosity", "v", 0, "log verbosity: 0 errors, 1 normal, 2 debug")
	flags.Bool("dry-run", false, "show what rsync would transfer without changing anything")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		setupLogging()
		return reportError(cmd, models.NewRunError(models.CodeInvalidArgument, err.Error(), nil))
	})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

// setupLogging installs the bootstrap console logger. It is used until the
// run's log sink takes over, and for diagnostics that must not reach the log
// file.
func setupLogging() {
	log.Logger = zerolog.New(logsink.ConsoleWriter(os.Stdout)).With().Timestamp().Logger()
}

// loadConfig merges flags, the optional config file, environment and defaults.
func loadConfig(cmd *cobra.Command) (*models.RunConfig, error) {
	parser := config.NewParser()
	if err := parser.BindFlags(cmd.Flags()); err != nil {
		return nil, models.NewRunError(models.CodeInvalidArgument, "invalid flags", err)
	}

	var (
		cfg *models.RunConfig
		err error
	)
	if configFile != "" {
		cfg, err = parser.LoadFile(configFile)
	} else {
		cfg, err = parser.Load()
	}
	if err != nil {
		msg := "failed to load configuration"
		if configFile != "" {
			msg = fmt.Sprintf("failed to load configuration %s", configFile)
		}
		return nil, models.NewRunError(models.CodeInvalidArgument, msg, err)
	}

	return cfg, nil
}

// reportError prints the one-line diagnostic for errors raised before the log
// sink is in use. Configuration errors also print usage. Other errors are
// left to main.
func reportError(cmd *cobra.Command, err error) error {
	var runErr *models.RunError
	if !errors.As(err, &runErr) {
		return err
	}

	switch runErr.Kind {
	case models.KindConfiguration:
		log.Error().Msg(runErr.Error())
		_ = cmd.Usage()
	case models.KindPrecondition:
		log.Error().Msg(runErr.Error())
	}

	return err
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
