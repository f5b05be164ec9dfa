package logsink

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} - (ERROR|NORMAL|DEBUG) - .+$`)

func newTestSink(t *testing.T, opts Options) (*Sink, *bytes.Buffer) {
	t.Helper()

	stdout := &bytes.Buffer{}
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "logs", "backup.log")
	}
	opts.Stdout = stdout
	s := New(opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, stdout
}

func readLines(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestSink_LineFormat(t *testing.T) {
	s, stdout := newTestSink(t, Options{Verbosity: LevelDebug})

	s.Log(LevelError, "SSH connection failed")
	s.Log(LevelNormal, "Backup completed successfully")
	s.Log(LevelDebug, "rsync arguments built")

	lines := readLines(t, s.opts.Path)
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Regexp(t, linePattern, line)
	}
	assert.Contains(t, lines[0], " - ERROR - SSH connection failed")
	assert.Contains(t, lines[1], " - NORMAL - Backup completed successfully")
	assert.Contains(t, lines[2], " - DEBUG - rsync arguments built")

	// The same lines go to stdout.
	assert.Equal(t, 3, strings.Count(stdout.String(), "\n"))
	assert.Contains(t, stdout.String(), " - NORMAL - Backup completed successfully")
}

func TestSink_StructuredFieldsFollowMessage(t *testing.T) {
	s, _ := newTestSink(t, Options{Verbosity: LevelNormal})

	logger := s.Logger()
	logger.Info().Int("exit_code", 23).Msg("rsync finished")

	lines := readLines(t, s.opts.Path)
	require.Len(t, lines, 1)
	assert.Regexp(t, linePattern, lines[0])
	assert.Contains(t, lines[0], "- NORMAL - rsync finished exit_code=23")
}

func TestSink_VerbositySuppression(t *testing.T) {
	tests := []struct {
		name      string
		verbosity Level
		wantLines int
	}{
		{name: "errors only", verbosity: LevelError, wantLines: 1},
		{name: "normal", verbosity: LevelNormal, wantLines: 3},
		{name: "debug", verbosity: LevelDebug, wantLines: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, stdout := newTestSink(t, Options{Verbosity: tt.verbosity})

			logger := s.Logger()
			logger.Error().Msg("error line")
			logger.Warn().Msg("warn line")
			logger.Info().Msg("info line")
			logger.Debug().Msg("debug line")

			lines := readLines(t, s.opts.Path)
			assert.Len(t, lines, tt.wantLines)
			assert.Equal(t, tt.wantLines, strings.Count(stdout.String(), "\n"))
		})
	}
}

func TestSink_SuppressedOnlyWritesNothing(t *testing.T) {
	s, stdout := newTestSink(t, Options{Verbosity: LevelError})

	s.Log(LevelDebug, "hidden")
	s.Log(LevelNormal, "hidden too")

	_, err := os.Stat(s.opts.Path)
	assert.True(t, os.IsNotExist(err), "log file must not be created for suppressed lines")
	assert.Empty(t, stdout.String())
}

func TestSink_RotationShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")

	writeFile(t, path, strings.Repeat("x", 100))
	writeFile(t, path+".1", "one")
	writeFile(t, path+".2", "two")
	writeFile(t, path+".3", "three")

	s, _ := newTestSink(t, Options{Path: path, MaxSize: 100, MaxBackups: 3, Verbosity: LevelNormal})

	s.Log(LevelNormal, "first line after rotation")

	// Previous active file became .1, .1 -> .2, .2 -> .3, old .3 evicted.
	assertContent(t, path+".1", strings.Repeat("x", 100))
	assertContent(t, path+".2", "one")
	assertContent(t, path+".3", "two")
	_, err := os.Stat(path + ".4")
	assert.True(t, os.IsNotExist(err))

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "first line after rotation")
}

func TestSink_RotationRunsForSuppressedMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")
	writeFile(t, path, strings.Repeat("x", 64))

	s, stdout := newTestSink(t, Options{Path: path, MaxSize: 64, MaxBackups: 5, Verbosity: LevelError})

	s.Log(LevelDebug, "not emitted")

	assertContent(t, path+".1", strings.Repeat("x", 64))
	info, err := os.Stat(path)
	require.NoError(t, err, "rotation must leave a fresh active file")
	assert.Zero(t, info.Size())
	assert.Empty(t, stdout.String())
}

func TestSink_RotationWithFullBackupChainLeavesEmptyActiveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")
	writeFile(t, path, strings.Repeat("x", 64))
	writeFile(t, path+".1", "one")
	writeFile(t, path+".2", "two")
	writeFile(t, path+".3", "three")

	s, _ := newTestSink(t, Options{Path: path, MaxSize: 64, MaxBackups: 3, Verbosity: LevelError})

	s.Log(LevelDebug, "not emitted")

	assertContent(t, path+".1", strings.Repeat("x", 64))
	assertContent(t, path+".2", "one")
	assertContent(t, path+".3", "two")
	_, err := os.Stat(path + ".4")
	assert.True(t, os.IsNotExist(err))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSink_WarnLinesUseNormalLevelName(t *testing.T) {
	s, stdout := newTestSink(t, Options{Verbosity: LevelNormal})

	logger := s.Logger()
	logger.Warn().Msg("signal received")

	lines := readLines(t, s.opts.Path)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], " - NORMAL - signal received")
	assert.NotContains(t, stdout.String(), "WARN")
}

func TestSink_NoRotationBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")
	writeFile(t, path, "small\n")

	s, _ := newTestSink(t, Options{Path: path, MaxSize: 1024, MaxBackups: 5, Verbosity: LevelNormal})

	for i := 0; i < 3; i++ {
		s.Log(LevelNormal, "still small")
	}

	_, err := os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, readLines(t, path), 4)
}

func TestSink_RotatesDuringRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")

	s, _ := newTestSink(t, Options{Path: path, MaxSize: 200, MaxBackups: 2, Verbosity: LevelNormal})

	for i := 0; i < 50; i++ {
		s.Log(LevelNormal, "a line long enough to fill the file quickly")
	}

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only MaxBackups rotated files are kept")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(300))
}

func TestSink_MarkDoneAppendsBlankLine(t *testing.T) {
	s, stdout := newTestSink(t, Options{Verbosity: LevelNormal})

	s.Log(LevelNormal, "Backup completed successfully")
	require.NoError(t, s.MarkDone())

	data, err := os.ReadFile(s.opts.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "successfully\n\n"))
	assert.Equal(t, 1, strings.Count(stdout.String(), "\n"), "marker is not echoed to stdout")
}

func TestSink_ConcurrentWritesDoNotInterleave(t *testing.T) {
	s, _ := newTestSink(t, Options{MaxSize: 512, MaxBackups: 50, Verbosity: LevelNormal})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				s.Log(LevelNormal, "concurrent line")
			}
		}()
	}
	wg.Wait()

	files, err := filepath.Glob(s.opts.Path + "*")
	require.NoError(t, err)

	total := 0
	for _, f := range files {
		for _, line := range readLines(t, f) {
			assert.Regexp(t, linePattern, line)
			total++
		}
	}
	assert.Equal(t, 200, total)
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "NORMAL", LevelNormal.String())
	assert.Equal(t, "DEBUG", LevelDebug.String())
}

func assertContent(t *testing.T, path, want string) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}
