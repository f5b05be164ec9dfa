// Package ssh provides remote connectivity probes, either through the OpenSSH
// client binary or natively through golang.org/x/crypto/ssh.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Service defines the interface for SSH probes.
type Service interface {
	TestConnection(ctx context.Context, cfg models.RemoteConfig) (*models.ProbeResult, error)
	CheckPath(ctx context.Context, cfg models.RemoteConfig, path string) (*models.ProbeResult, error)
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

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(ctx context.Context, network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient dials addr and performs the SSH handshake, giving up when ctx is
// done or the config's timeout elapses.
func (f *DefaultClientFactory) NewClient(ctx context.Context, network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &defaultSSHClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	executor      CommandExecutor
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor:      &DefaultExecutor{},
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithExecutor creates a new SSH service with a custom command executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor:      executor,
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		executor:      &DefaultExecutor{},
		clientFactory: factory,
		logger:        logger,
	}
}

// TestConnection opens a session and closes it again.
func (s *Impl) TestConnection(ctx context.Context, cfg models.RemoteConfig) (*models.ProbeResult, error) {
	s.logger.Debug().
		Str("remote", cfg.Host).
		Int("port", cfg.Port).
		Str("client", cfg.Client).
		Msg("testing SSH connection")

	return s.run(ctx, cfg, "exit 0")
}

// CheckPath verifies that path exists on the remote host by listing it.
func (s *Impl) CheckPath(ctx context.Context, cfg models.RemoteConfig, path string) (*models.ProbeResult, error) {
	s.logger.Debug().
		Str("remote", cfg.Host).
		Str("path", path).
		Msg("checking remote path")

	return s.run(ctx, cfg, "ls -d -- "+ShellQuote(path))
}

func (s *Impl) run(ctx context.Context, cfg models.RemoteConfig, command string) (*models.ProbeResult, error) {
	if cfg.Client == models.SSHClientNative {
		return s.runNative(ctx, cfg, command)
	}
	return s.runOpenSSH(ctx, cfg, command)
}

func (s *Impl) runOpenSSH(ctx context.Context, cfg models.RemoteConfig, command string) (*models.ProbeResult, error) {
	result := &models.ProbeResult{}

	args := append(Options(cfg), cfg.Host, command)
	output, err := s.executor.Execute(ctx, binary(cfg), args...)
	result.Output = strings.TrimSpace(string(output))

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code, ok := exitCode(err)
		if !ok {
			result.Error = fmt.Errorf("failed to run ssh: %w", err)
			return result, nil
		}
		// OpenSSH exits 255 for its own errors, before any remote command ran.
		result.CommandRun = code != 255
		result.ExitCode = code
		result.Error = fmt.Errorf("ssh exited with status %d: %s", code, result.Output)
		return result, nil
	}

	result.CommandRun = true
	return result, nil
}

func (s *Impl) runNative(ctx context.Context, cfg models.RemoteConfig, command string) (*models.ProbeResult, error) {
	result := &models.ProbeResult{}

	username, host := splitUserHost(cfg.Host)
	sshConfig, closeAuth, err := s.buildConfig(cfg, username)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer closeAuth()

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	client, err := s.clientFactory.NewClient(ctx, "tcp", addr, sshConfig)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.Error = fmt.Errorf("failed to connect: %w", err)
		return result, nil
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(command)
	result.Output = strings.TrimSpace(string(output))
	result.CommandRun = true

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		}
		result.Error = fmt.Errorf("remote command failed: %w", err)
	}

	return result, nil
}

// buildConfig uses public-key auth only, so a probe never waits for a
// password prompt. The returned func releases the ssh-agent connection and
// must be called once the probe is done.
func (s *Impl) buildConfig(cfg models.RemoteConfig, username string) (*ssh.ClientConfig, func(), error) {
	var (
		auth      []ssh.AuthMethod
		agentConn net.Conn
	)
	closeAuth := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			s.logger.Debug().Err(err).Msg("ssh-agent not reachable")
		}
	}

	fail := func(err error) (*ssh.ClientConfig, func(), error) {
		closeAuth()
		return nil, nil, err
	}

	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return fail(fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err))
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return fail(fmt.Errorf("failed to parse private key: %w", err))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if len(auth) == 0 {
		return fail(fmt.Errorf("no SSH credentials: set remote.key_path or run an ssh-agent"))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via remote.insecure_ignore_host_key
	if !cfg.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return fail(fmt.Errorf("failed to load known hosts from %s: %w", cfg.KnownHostsPath, err))
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, closeAuth, nil
}

// Options returns the OpenSSH options shared by probes and the rsync
// transport: port, batch mode, connect timeout and an optional identity file.
func Options(cfg models.RemoteConfig) []string {
	args := []string{
		"-p", strconv.Itoa(cfg.Port),
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(timeoutSeconds(cfg.ConnectTimeout)),
	}
	if cfg.KeyPath != "" {
		args = append(args, "-i", cfg.KeyPath)
	}
	return args
}

// TransportCommand returns the remote shell command line for rsync's -e flag.
func TransportCommand(cfg models.RemoteConfig) string {
	parts := []string{ShellQuote(binary(cfg))}
	for _, opt := range Options(cfg) {
		parts = append(parts, ShellQuote(opt))
	}
	return strings.Join(parts, " ")
}

// ShellQuote quotes s for a POSIX shell if it contains anything but safe
// characters.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func binary(cfg models.RemoteConfig) string {
	if cfg.SSHBinary == "" {
		return "ssh"
	}
	return cfg.SSHBinary
}

func timeoutSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// splitUserHost splits "user@host"; without a user the current user is used.
func splitUserHost(remote string) (string, string) {
	if i := strings.LastIndex(remote, "@"); i >= 0 {
		return remote[:i], remote[i+1:]
	}
	if u, err := user.Current(); err == nil {
		return u.Username, remote
	}
	return os.Getenv("USER"), remote
}

type exitCoder interface {
	ExitCode() int
}

func exitCode(err error) (int, bool) {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode(), true
	}
	return 0, false
}
