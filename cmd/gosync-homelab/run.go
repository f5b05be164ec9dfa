package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/gosync-homelab/internal/logsink"
	"github.com/fgeck/gosync-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the mirror run (default command)",
	Long: `Execute one mirror run:
1. Validate arguments, source directory and required tools
2. Wake-on-LAN (if configured)
3. Check SSH connectivity and the destination directory
4. Send the start notification
5. rsync -avz --delete the source into the destination
6. Send the success or error notification`,
	RunE:          runBackup,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return reportError(cmd, err)
	}

	sink := logsink.New(logsink.Options{
		Path:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeBytes,
		MaxBackups: cfg.Log.MaxBackups,
		Verbosity:  logsink.Level(cfg.Log.Verbosity),
	})
	defer func() { _ = sink.Close() }()

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	runnerSvc := runner.New(sink.Logger(), log.Logger, sink)
	if err := runnerSvc.Run(ctx, *cfg); err != nil {
		return reportError(cmd, err)
	}

	return nil
}
