// Package preflight checks that a run can start before anything touches the
// network or the filesystem.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/fgeck/gosync-homelab/internal/config"
	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for preflight validation.
type Service interface {
	Validate(cfg models.RunConfig) error
}

// LookPathFunc resolves an executable on PATH.
type LookPathFunc func(file string) (string, error)

// Impl implements the preflight Service interface.
type Impl struct {
	lookPath LookPathFunc
	logger   zerolog.Logger
}

// New creates a new preflight service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		lookPath: exec.LookPath,
		logger:   logger,
	}
}

// NewWithLookPath creates a new preflight service with a custom PATH lookup (for testing).
func NewWithLookPath(logger zerolog.Logger, lookPath LookPathFunc) *Impl {
	return &Impl{
		lookPath: lookPath,
		logger:   logger,
	}
}

// Validate runs the checks in order and stops at the first failure:
// arguments, webhook URL, source directory, source readability, tools.
func (s *Impl) Validate(cfg models.RunConfig) error {
	if err := config.Validate(&cfg); err != nil {
		return err
	}

	if err := checkSource(cfg.Source); err != nil {
		return err
	}

	for _, tool := range requiredTools(cfg) {
		path, err := s.lookPath(tool)
		if err != nil {
			return models.NewRunError(models.CodeMissingDependency,
				fmt.Sprintf("required tool %q not found in PATH", tool), err)
		}
		s.logger.Debug().Str("tool", tool).Str("path", path).Msg("dependency found")
	}

	s.logger.Debug().
		Str("source", cfg.Source).
		Str("destination", cfg.RemoteTarget()).
		Msg("preflight checks passed")

	return nil
}

// requiredTools lists the external binaries a run shells out to. rsync always
// tunnels through the OpenSSH client, even when probes use the native client.
func requiredTools(cfg models.RunConfig) []string {
	return []string{cfg.Sync.Binary, cfg.Remote.SSHBinary}
}

func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewRunError(models.CodeSourceNotFound,
				fmt.Sprintf("source directory %s does not exist", path), nil)
		}
		return models.NewRunError(models.CodeSourceUnreadable,
			fmt.Sprintf("cannot access source directory %s", path), err)
	}
	if !info.IsDir() {
		return models.NewRunError(models.CodeSourceNotFound,
			fmt.Sprintf("source %s is not a directory", path), nil)
	}

	dir, err := os.Open(path) //nolint:gosec // path is operator-provided
	if err != nil {
		return models.NewRunError(models.CodeSourceUnreadable,
			fmt.Sprintf("source directory %s is not readable", path), err)
	}
	defer func() { _ = dir.Close() }()

	if _, err := dir.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return models.NewRunError(models.CodeSourceUnreadable,
			fmt.Sprintf("source directory %s is not readable", path), err)
	}

	return nil
}
