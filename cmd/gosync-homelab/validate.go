package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/fgeck/gosync-homelab/internal/services/preflight"
	"github.com/fgeck/gosync-homelab/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var probe bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without running a backup",
	Long: `Validate arguments, the source directory and required tools without
running a backup. With --probe the SSH connectivity checks run as well.
Nothing is written to the log file and no notification is sent.`,
	RunE:          validateConfig,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	validateCmd.Flags().BoolVar(&probe, "probe", false, "also check SSH connectivity and the destination directory")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return reportError(cmd, err)
	}

	if err := preflight.New(log.Logger).Validate(*cfg); err != nil {
		return reportError(cmd, err)
	}

	if probe {
		if err := runProbes(cmd.Context(), *cfg); err != nil {
			return err
		}
	}

	printSummary(*cfg)
	return nil
}

func runProbes(ctx context.Context, cfg models.RunConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sshSvc := ssh.New(log.Logger)

	result, err := sshSvc.TestConnection(ctx, cfg.Remote)
	if err != nil {
		return err
	}
	if result.Error != nil {
		runErr := models.NewRunError(models.CodeUnreachableHost,
			fmt.Sprintf("Cannot connect to %s on port %d", cfg.Remote.Host, cfg.Remote.Port), result.Error)
		log.Error().Msg(runErr.Error())
		return runErr
	}

	result, err = sshSvc.CheckPath(ctx, cfg.Remote, cfg.Destination)
	if err != nil {
		return err
	}
	if result.Error != nil {
		runErr := models.NewRunError(models.CodeDestinationNotFound,
			fmt.Sprintf("Destination directory %s does not exist on %s", cfg.Destination, cfg.Remote.Host), result.Error)
		log.Error().Msg(runErr.Error())
		return runErr
	}

	return nil
}

func printSummary(cfg models.RunConfig) {
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Name: %s\n", cfg.Name)
	fmt.Printf("  Source: %s\n", cfg.Source)
	fmt.Printf("  Destination: %s\n", cfg.RemoteTarget())
	fmt.Printf("  SSH port: %d\n", cfg.Remote.Port)
	fmt.Printf("  SSH client: %s\n", cfg.Remote.Client)
	if cfg.Remote.KeyPath != "" {
		fmt.Printf("  Identity file: %s\n", cfg.Remote.KeyPath)
	}
	fmt.Printf("  Dry run: %v\n", cfg.Sync.DryRun)
	if len(cfg.Sync.Excludes) > 0 {
		fmt.Printf("  Excludes: %v\n", cfg.Sync.Excludes)
	}
	fmt.Println()
	fmt.Println("Logging:")
	fmt.Printf("  File: %s\n", cfg.Log.File)
	fmt.Printf("  Verbosity: %d\n", cfg.Log.Verbosity)
	fmt.Printf("  Rotation: %d bytes, %d backups\n", cfg.Log.MaxSizeBytes, cfg.Log.MaxBackups)
	fmt.Println()
	fmt.Println("Notifications:")
	fmt.Printf("  Webhook: (configured)\n")
	fmt.Printf("  Attempts: %d, delay %s\n", cfg.Webhook.Attempts, cfg.Webhook.RetryDelay.Round(time.Second))

	if cfg.Wake != nil {
		fmt.Println()
		fmt.Println("Wake-on-LAN:")
		fmt.Printf("  MAC Address: %s\n", cfg.Wake.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.Wake.BroadcastIP)
		fmt.Printf("  Wait: up to %s for %s\n", cfg.Wake.Timeout, cfg.Remote.Address())
	}
}
