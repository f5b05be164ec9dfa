// Package logsink provides the run's log file: leveled, timestamped lines
// mirrored to stdout, with size-based rotation into numbered backups.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level is the verbosity ordinal of a log line.
type Level int

// Levels, lowest is most important.
const (
	LevelError  Level = 0
	LevelNormal Level = 1
	LevelDebug  Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelNormal:
		return "NORMAL"
	case LevelDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// TimeFormat is the timestamp layout of every log line.
const TimeFormat = "2006-01-02 15:04:05"

// Rotation defaults.
const (
	DefaultMaxSize    = 100 * 1024 * 1024
	DefaultMaxBackups = 5
)

// Options configures a Sink.
type Options struct {
	Path       string
	MaxSize    int64 // rotate when the active file reaches this many bytes
	MaxBackups int   // number of rotated files kept
	Verbosity  Level
	Stdout     io.Writer // defaults to os.Stdout
}

// Sink is a zerolog.LevelWriter that appends formatted lines to a log file and
// stdout. Every write first checks the file size and rotates if needed, also
// for lines that are then suppressed by the verbosity setting.
type Sink struct {
	opts Options

	mu      sync.Mutex
	file    *os.File
	fileOut zerolog.ConsoleWriter
	stdOut  zerolog.ConsoleWriter
}

// New creates a Sink. The log file is opened lazily on the first emitted line
// or rotation.
func New(opts Options) *Sink {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}

	s := &Sink{opts: opts}
	s.fileOut = ConsoleWriter(activeFile{s: s})
	s.stdOut = ConsoleWriter(opts.Stdout)
	return s
}

// ConsoleWriter returns a zerolog console writer producing lines of the form
// "2006-01-02 15:04:05 - LEVEL - message key=value".
func ConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: TimeFormat,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FormatLevel: func(i interface{}) string {
			name, _ := i.(string)
			return "- " + levelName(name) + " -"
		},
	}
}

// Logger returns a logger writing through the sink. Filtering happens in the
// sink, so the logger itself lets every level through.
func (s *Sink) Logger() zerolog.Logger {
	return zerolog.New(s).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

// Log writes one message at the given level.
func (s *Sink) Log(level Level, message string) {
	logger := s.Logger()
	switch level {
	case LevelError:
		logger.Error().Msg(message)
	case LevelNormal:
		logger.Info().Msg(message)
	default:
		logger.Debug().Msg(message)
	}
}

// Write implements io.Writer for events without a level.
func (s *Sink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter. Rotation and append run as one
// sequence under the sink's lock.
func (s *Sink) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rotateErr := s.rotateIfNeeded()

	if ordinal(l) > s.opts.Verbosity {
		return len(p), rotateErr
	}

	if err := s.ensureOpen(); err != nil {
		return 0, errors.Join(rotateErr, err)
	}
	if _, err := s.fileOut.Write(p); err != nil {
		return 0, errors.Join(rotateErr, fmt.Errorf("writing log file: %w", err))
	}
	_, _ = s.stdOut.Write(p)

	return len(p), rotateErr
}

// MarkDone appends an empty line to the log file, separating runs.
func (s *Sink) MarkDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.file.WriteString("\n")
	return err
}

// Rotate forces a rotation regardless of the active file size.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotate()
}

// Close closes the active log file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFile()
}

func (s *Sink) rotateIfNeeded() error {
	info, err := os.Stat(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking log file size: %w", err)
	}
	if info.Size() < s.opts.MaxSize {
		return nil
	}
	return s.rotate()
}

// rotate evicts the oldest backup before shifting the others up by one, moves
// the active file to suffix 1 and starts a new empty active file.
func (s *Sink) rotate() error {
	if err := s.closeFile(); err != nil {
		return err
	}

	oldest := backupName(s.opts.Path, s.opts.MaxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", oldest, err)
	}

	for i := s.opts.MaxBackups - 1; i >= 1; i-- {
		from := backupName(s.opts.Path, i)
		if err := os.Rename(from, backupName(s.opts.Path, i+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shifting %s: %w", from, err)
		}
	}

	if err := os.Rename(s.opts.Path, backupName(s.opts.Path, 1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotating %s: %w", s.opts.Path, err)
	}

	return s.ensureOpen()
}

func (s *Sink) ensureOpen() error {
	if s.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(s.opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path is operator-provided
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	s.file = f
	return nil
}

func (s *Sink) closeFile() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// activeFile forwards writes to whichever file is currently open. It is only
// used while the sink's lock is held.
type activeFile struct {
	s *Sink
}

func (a activeFile) Write(p []byte) (int, error) {
	return a.s.file.Write(p)
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func ordinal(l zerolog.Level) Level {
	switch l {
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LevelError
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return LevelDebug
	default:
		return LevelNormal
	}
}

func levelName(zl string) string {
	switch strings.ToLower(zl) {
	case "error", "fatal", "panic":
		return LevelError.String()
	case "debug", "trace":
		return LevelDebug.String()
	default:
		return LevelNormal.String()
	}
}
