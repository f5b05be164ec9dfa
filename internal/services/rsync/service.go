// Package rsync mirrors a local directory onto a remote host with rsync over SSH.
package rsync

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/fgeck/gosync-homelab/internal/services/ssh"
	"github.com/rs/zerolog"
)

// Service defines the interface for rsync operations.
type Service interface {
	Mirror(ctx context.Context, cfg models.RunConfig) (*models.SyncOutcome, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new rsync service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new rsync service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// BuildArgs returns the rsync argument list for cfg. The source always gets a
// trailing slash so its contents, not the directory itself, land in the
// destination. --delete removes remote files that are gone locally.
func BuildArgs(cfg models.RunConfig) []string {
	args := []string{
		"-avz",
		"--delete",
		"--timeout=" + strconv.Itoa(timeoutSeconds(cfg.Sync.Timeout)),
		"--stats",
	}

	if cfg.Sync.DryRun {
		args = append(args, "--dry-run")
	}

	for _, pattern := range cfg.Sync.Excludes {
		args = append(args, "--exclude="+pattern)
	}

	args = append(args,
		"-e", ssh.TransportCommand(cfg.Remote),
		strings.TrimRight(cfg.Source, "/")+"/",
		cfg.RemoteTarget(),
	)

	return args
}

// Mirror runs rsync once. A nonzero exit is reported in the outcome, not as
// an error; only cancellation of ctx returns an error.
func (s *Impl) Mirror(ctx context.Context, cfg models.RunConfig) (*models.SyncOutcome, error) {
	args := BuildArgs(cfg)

	s.logger.Info().
		Str("source", cfg.Source).
		Str("destination", cfg.RemoteTarget()).
		Bool("dry_run", cfg.Sync.DryRun).
		Msg("starting rsync")
	s.logger.Debug().Strs("args", args).Msg("rsync arguments")

	start := time.Now()
	output, err := s.executor.Execute(ctx, binary(cfg), args...)

	outcome := &models.SyncOutcome{
		Output:   string(output),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ec exitCoder
		if errors.As(err, &ec) {
			outcome.ExitCode = ec.ExitCode()
		} else {
			outcome.ExitCode = -1
			outcome.Output = err.Error()
		}

		s.logger.Debug().
			Int("exit_code", outcome.ExitCode).
			Dur("duration", outcome.Duration).
			Msg("rsync failed")
		return outcome, nil
	}

	outcome.Stats = ParseStats(outcome.Output)

	s.logger.Debug().
		Int("files_transferred", outcome.Stats.FilesTransferred).
		Int64("transferred_size", outcome.Stats.TransferredSize).
		Dur("duration", outcome.Duration).
		Msg("rsync finished")

	return outcome, nil
}

var (
	filesTotalRe       = regexp.MustCompile(`(?m)^Number of files:\s*([\d,]+)`)
	filesTransferredRe = regexp.MustCompile(`(?m)^Number of (?:regular )?files transferred:\s*([\d,]+)`)
	filesDeletedRe     = regexp.MustCompile(`(?m)^Number of deleted files:\s*([\d,]+)`)
	totalSizeRe        = regexp.MustCompile(`(?m)^Total file size:\s*([\d,]+)`)
	transferredSizeRe  = regexp.MustCompile(`(?m)^Total transferred file size:\s*([\d,]+)`)
)

// ParseStats extracts the --stats summary. Missing figures stay zero.
func ParseStats(output string) models.SyncStats {
	return models.SyncStats{
		FilesTotal:       int(matchNumber(filesTotalRe, output)),
		FilesTransferred: int(matchNumber(filesTransferredRe, output)),
		FilesDeleted:     int(matchNumber(filesDeletedRe, output)),
		TotalSize:        matchNumber(totalSizeRe, output),
		TransferredSize:  matchNumber(transferredSizeRe, output),
	}
}

func matchNumber(re *regexp.Regexp, output string) int64 {
	m := re.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func binary(cfg models.RunConfig) string {
	if cfg.Sync.Binary == "" {
		return "rsync"
	}
	return cfg.Sync.Binary
}

func timeoutSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		return 60
	}
	return secs
}

type exitCoder interface {
	ExitCode() int
}
