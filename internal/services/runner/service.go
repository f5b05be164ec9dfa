// Package runner orchestrates one mirror run.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/fgeck/gosync-homelab/internal/services/preflight"
	"github.com/fgeck/gosync-homelab/internal/services/rsync"
	"github.com/fgeck/gosync-homelab/internal/services/ssh"
	"github.com/fgeck/gosync-homelab/internal/services/webhook"
	"github.com/fgeck/gosync-homelab/internal/services/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.RunConfig) error
}

// Marker writes the end-of-run marker to the log.
type Marker interface {
	MarkDone() error
}

// Impl implements the runner Service interface.
type Impl struct {
	preflightSvc preflight.Service
	wolSvc       wol.Service
	sshSvc       ssh.Service
	rsyncSvc     rsync.Service
	webhookSvc   webhook.Service
	marker       Marker
	logger       zerolog.Logger
}

// New creates a new runner service. Preflight diagnostics go to console so a
// rejected configuration never touches the log file; everything after that
// goes to logger.
func New(logger, console zerolog.Logger, marker Marker) *Impl {
	return &Impl{
		preflightSvc: preflight.New(console),
		wolSvc:       wol.New(logger),
		sshSvc:       ssh.New(logger),
		rsyncSvc:     rsync.New(logger),
		webhookSvc:   webhook.New(logger),
		marker:       marker,
		logger:       logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	preflightSvc preflight.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	rsyncSvc rsync.Service,
	webhookSvc webhook.Service,
	marker Marker,
) *Impl {
	return &Impl{
		preflightSvc: preflightSvc,
		wolSvc:       wolSvc,
		sshSvc:       sshSvc,
		rsyncSvc:     rsyncSvc,
		webhookSvc:   webhookSvc,
		marker:       marker,
		logger:       logger,
	}
}

// Run executes validate, wake, connect, mirror and report in that order.
// Validation failures return before anything is logged or notified. Every
// later path ends with the log marker.
func (s *Impl) Run(ctx context.Context, cfg models.RunConfig) error {
	if err := s.preflightSvc.Validate(cfg); err != nil {
		return err
	}

	defer s.markDone()

	s.logger.Info().Msgf("Starting backup %q: %s -> %s", cfg.Name, cfg.Source, cfg.RemoteTarget())

	if cfg.Wake != nil {
		if err := s.runWake(ctx, cfg); err != nil {
			return err
		}
	}

	if err := s.checkConnectivity(ctx, cfg); err != nil {
		return err
	}

	s.deliver("start", s.webhookSvc.NotifyStart(ctx, cfg))
	if err := ctx.Err(); err != nil {
		return s.interrupted(err)
	}

	outcome, err := s.rsyncSvc.Mirror(ctx, cfg)
	if err != nil {
		return s.interrupted(err)
	}

	if !outcome.Succeeded() {
		s.logger.Error().
			Int("exit_code", outcome.ExitCode).
			Dur("duration", outcome.Duration).
			Msgf("Backup failed with exit code %d", outcome.ExitCode)
		s.logger.Debug().Msg(outcome.Output)

		message := fmt.Sprintf("rsync failed with exit code %d\n%s", outcome.ExitCode, outcome.Output)
		s.deliver("error", s.webhookSvc.NotifyError(ctx, cfg, message))
		if err := ctx.Err(); err != nil {
			return s.interrupted(err)
		}

		return models.NewRunError(models.CodeSyncFailed,
			fmt.Sprintf("rsync failed with exit code %d", outcome.ExitCode), nil)
	}

	s.logger.Info().Msg("Backup completed successfully")
	s.logger.Debug().
		Int("files_transferred", outcome.Stats.FilesTransferred).
		Int("files_deleted", outcome.Stats.FilesDeleted).
		Int64("transferred_size", outcome.Stats.TransferredSize).
		Dur("duration", outcome.Duration).
		Msg("transfer statistics")

	s.deliver("success", s.webhookSvc.NotifySuccess(ctx, cfg, outcome))
	if err := ctx.Err(); err != nil {
		return s.interrupted(err)
	}

	return nil
}

func (s *Impl) runWake(ctx context.Context, cfg models.RunConfig) error {
	result, err := s.wolSvc.Wake(ctx, *cfg.Wake, cfg.Remote.Address())
	if err != nil {
		return s.interrupted(err)
	}
	if result.Error == nil && result.TargetReady {
		s.logger.Debug().
			Dur("wait_duration", result.WaitDuration).
			Msg("remote host is awake")
		return nil
	}

	cause := result.Error
	if cause == nil {
		cause = errors.New("target did not become ready")
	}
	return s.failConnectivity(ctx, cfg, models.CodeUnreachableHost,
		fmt.Sprintf("Failed to wake %s", cfg.Remote.Hostname()), cause)
}

func (s *Impl) checkConnectivity(ctx context.Context, cfg models.RunConfig) error {
	s.logger.Debug().Str("remote", cfg.Remote.Host).Int("port", cfg.Remote.Port).Msg("checking SSH connectivity")

	result, err := s.sshSvc.TestConnection(ctx, cfg.Remote)
	if err != nil {
		return s.interrupted(err)
	}
	if result.Error != nil {
		return s.failConnectivity(ctx, cfg, models.CodeUnreachableHost,
			fmt.Sprintf("Cannot connect to %s on port %d", cfg.Remote.Host, cfg.Remote.Port), result.Error)
	}

	result, err = s.sshSvc.CheckPath(ctx, cfg.Remote, cfg.Destination)
	if err != nil {
		return s.interrupted(err)
	}
	if result.Error != nil {
		return s.failConnectivity(ctx, cfg, models.CodeDestinationNotFound,
			fmt.Sprintf("Destination directory %s does not exist on %s", cfg.Destination, cfg.Remote.Host), result.Error)
	}

	s.logger.Debug().Msg("remote host and destination reachable")
	return nil
}

func (s *Impl) failConnectivity(ctx context.Context, cfg models.RunConfig, code models.ErrorCode, message string, cause error) error {
	s.logger.Error().Err(cause).Msg(message)
	s.deliver("error", s.webhookSvc.NotifyError(ctx, cfg, fmt.Sprintf("%s: %v", message, cause)))
	if err := ctx.Err(); err != nil {
		return s.interrupted(err)
	}
	return models.NewRunError(code, message, cause)
}

// interrupted converts a cancellation into a RunError. No further notification
// is sent and interruption outranks the step's own failure code.
func (s *Impl) interrupted(err error) error {
	s.logger.Error().Err(err).Msg("backup interrupted")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewRunError(models.CodeInterrupted, "backup interrupted", err)
	}
	return fmt.Errorf("backup aborted: %w", err)
}

// deliver logs the notification outcome. Delivery failures never fail a run.
func (s *Impl) deliver(event string, result *models.DeliveryResult) {
	if result == nil {
		return
	}
	if result.Error != nil {
		s.logger.Debug().Err(result.Error).Str("event", event).Msg("notification not delivered")
		return
	}
	s.logger.Debug().
		Str("event", event).
		Int("attempts", result.Attempts).
		Msg("notification delivered")
}

func (s *Impl) markDone() {
	if s.marker == nil {
		return
	}
	if err := s.marker.MarkDone(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write end-of-run marker")
	}
}
