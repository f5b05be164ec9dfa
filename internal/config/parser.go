// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// GOSYNC_WEBHOOK_URL or GOSYNC_REMOTE_PORT.
const EnvPrefix = "GOSYNC"

// Defaults.
const (
	DefaultLogFile        = "./logs/backup.log"
	DefaultLogMaxSize     = 100 * 1024 * 1024
	DefaultLogMaxBackups  = 5
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultSyncTimeout    = 60 * time.Second
	DefaultAttempts       = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultUsername       = "Backup Bot"
)

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"webhook":     "webhook.url",
	"remote":      "remote.host",
	"port":        "remote.port",
	"source":      "source",
	"destination": "destination",
	"name":        "name",
	"log-file":    "log.file",
	"verbosity":   "log.verbosity",
	"dry-run":     "sync.dry_run",
}

// Parser handles configuration loading from flags, file and environment.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Parser{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("webhook.username", DefaultUsername)
	v.SetDefault("webhook.attempts", DefaultAttempts)
	v.SetDefault("webhook.retry_delay", DefaultRetryDelay)
	v.SetDefault("webhook.timeout", DefaultHTTPTimeout)

	v.SetDefault("remote.port", DefaultPort)
	v.SetDefault("remote.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("remote.client", models.SSHClientOpenSSH)
	v.SetDefault("remote.ssh_binary", "ssh")

	v.SetDefault("log.file", DefaultLogFile)
	v.SetDefault("log.verbosity", 0)
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)

	v.SetDefault("sync.binary", "rsync")
	v.SetDefault("sync.timeout", DefaultSyncTimeout)
	v.SetDefault("sync.dry_run", false)
}

// BindFlags binds command line flags so that set flags override file values.
func (p *Parser) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := p.v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Load builds the configuration from flags, environment and defaults only.
func (p *Parser) Load() (*models.RunConfig, error) {
	return p.parse()
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.RunConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.RunConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// parse does not reject missing required values; that is the preflight's job
// so that the first missing argument is reported in a fixed order.
func (p *Parser) parse() (*models.RunConfig, error) {
	cfg := &models.RunConfig{
		Webhook: models.WebhookConfig{
			URL:          p.expandEnv(p.v.GetString("webhook.url")),
			Username:     p.v.GetString("webhook.username"),
			AvatarURL:    p.v.GetString("webhook.avatar_url"),
			ThumbnailURL: p.v.GetString("webhook.thumbnail_url"),
			Attempts:     p.v.GetInt("webhook.attempts"),
			RetryDelay:   p.v.GetDuration("webhook.retry_delay"),
			Timeout:      p.v.GetDuration("webhook.timeout"),
		},
		Remote: models.RemoteConfig{
			Host:                  p.v.GetString("remote.host"),
			Port:                  p.v.GetInt("remote.port"),
			ConnectTimeout:        p.v.GetDuration("remote.connect_timeout"),
			Client:                strings.ToLower(p.v.GetString("remote.client")),
			SSHBinary:             p.v.GetString("remote.ssh_binary"),
			KeyPath:               p.expandPath(p.v.GetString("remote.key_path")),
			KnownHostsPath:        p.expandPath(p.v.GetString("remote.known_hosts")),
			InsecureIgnoreHostKey: p.v.GetBool("remote.insecure_ignore_host_key"),
		},
		Source:      p.expandPath(p.v.GetString("source")),
		Destination: p.v.GetString("destination"),
		Name:        p.v.GetString("name"),
		Log: models.LogConfig{
			File:         p.expandPath(p.v.GetString("log.file")),
			Verbosity:    p.v.GetInt("log.verbosity"),
			MaxSizeBytes: p.v.GetInt64("log.max_size"),
			MaxBackups:   p.v.GetInt("log.max_backups"),
		},
		Sync: models.SyncSettings{
			Binary:   p.v.GetString("sync.binary"),
			Timeout:  p.v.GetDuration("sync.timeout"),
			Excludes: p.v.GetStringSlice("sync.exclude"),
			DryRun:   p.v.GetBool("sync.dry_run"),
		},
	}

	if cfg.Remote.Client == models.SSHClientNative && cfg.Remote.KnownHostsPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Remote.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
		}
	}

	// Parse optional Wake-on-LAN config.
	if p.v.IsSet("wake") {
		cfg.Wake = &models.WakeConfig{
			MACAddress:    p.v.GetString("wake.mac_address"),
			BroadcastIP:   p.v.GetString("wake.broadcast_ip"),
			Timeout:       p.v.GetDuration("wake.timeout"),
			PollInterval:  p.v.GetDuration("wake.poll_interval"),
			StabilizeWait: p.v.GetDuration("wake.stabilize_wait"),
		}

		if cfg.Wake.BroadcastIP == "" {
			cfg.Wake.BroadcastIP = "255.255.255.255"
		}
		if cfg.Wake.Timeout == 0 {
			cfg.Wake.Timeout = 5 * time.Minute
		}
		if cfg.Wake.PollInterval == 0 {
			cfg.Wake.PollInterval = 10 * time.Second
		}
		if cfg.Wake.StabilizeWait == 0 {
			cfg.Wake.StabilizeWait = 10 * time.Second
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandPath expands environment variables and a leading "~/".
func (p *Parser) expandPath(s string) string {
	s = os.ExpandEnv(s)
	if strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			s = filepath.Join(home, s[2:])
		}
	}
	return s
}

// Defaults returns a RunConfig with every optional value at its default.
func Defaults() models.RunConfig {
	return models.RunConfig{
		Webhook: models.WebhookConfig{
			Username:   DefaultUsername,
			Attempts:   DefaultAttempts,
			RetryDelay: DefaultRetryDelay,
			Timeout:    DefaultHTTPTimeout,
		},
		Remote: models.RemoteConfig{
			Port:           DefaultPort,
			ConnectTimeout: DefaultConnectTimeout,
			Client:         models.SSHClientOpenSSH,
			SSHBinary:      "ssh",
		},
		Log: models.LogConfig{
			File:         DefaultLogFile,
			MaxSizeBytes: DefaultLogMaxSize,
			MaxBackups:   DefaultLogMaxBackups,
		},
		Sync: models.SyncSettings{
			Binary:  "rsync",
			Timeout: DefaultSyncTimeout,
		},
	}
}
