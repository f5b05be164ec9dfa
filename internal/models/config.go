// Package models contains the data structures used throughout gosync-homelab.
package models

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// SSH client implementations used for connectivity probes.
const (
	SSHClientOpenSSH = "openssh"
	SSHClientNative  = "native"
)

// RunConfig holds the complete, immutable configuration for one mirror run.
// Field order matters: validation reports the first missing argument in
// declaration order (webhook, remote, source, destination, name).
type RunConfig struct {
	Webhook     WebhookConfig
	Remote      RemoteConfig
	Source      string `arg:"source" validate:"required"`
	Destination string `arg:"destination" validate:"required"`
	Name        string `arg:"name" validate:"required"`
	Log         LogConfig
	Sync        SyncSettings
	Wake        *WakeConfig `validate:"omitempty"` // nil if not configured
}

// WebhookConfig holds the notification endpoint configuration.
type WebhookConfig struct {
	URL          string        `arg:"webhook" validate:"required,http_url"`
	Username     string        // bot identity shown by the chat platform
	AvatarURL    string        // optional
	ThumbnailURL string        // optional
	Attempts     int           `arg:"webhook.attempts" validate:"min=1,max=10"`
	RetryDelay   time.Duration // fixed delay between attempts
	Timeout      time.Duration // per-request HTTP timeout
}

// RemoteConfig holds the SSH endpoint configuration.
type RemoteConfig struct {
	Host                  string `arg:"remote" validate:"required"` // "user@host" or "host"
	Port                  int    `arg:"port" validate:"min=1,max=65535"`
	ConnectTimeout        time.Duration
	Client                string `arg:"remote.client" validate:"oneof=openssh native"`
	SSHBinary             string
	KeyPath               string // optional identity file
	KnownHostsPath        string // native client only
	InsecureIgnoreHostKey bool   // native client only
}

// LogConfig holds the log sink configuration.
type LogConfig struct {
	File         string `arg:"log-file" validate:"required"`
	Verbosity    int    `arg:"verbosity" validate:"min=0,max=2"`
	MaxSizeBytes int64  `arg:"log.max_size" validate:"min=1"`
	MaxBackups   int    `arg:"log.max_backups" validate:"min=1"`
}

// SyncSettings holds rsync-specific settings.
type SyncSettings struct {
	Binary   string
	Timeout  time.Duration // rsync --timeout (I/O inactivity)
	Excludes []string
	DryRun   bool
}

// Hostname returns Host without a "user@" prefix.
func (r RemoteConfig) Hostname() string {
	if i := strings.LastIndex(r.Host, "@"); i >= 0 {
		return r.Host[i+1:]
	}
	return r.Host
}

// Address returns the "host:port" of the SSH endpoint.
func (r RemoteConfig) Address() string {
	return net.JoinHostPort(r.Hostname(), strconv.Itoa(r.Port))
}

// RemoteTarget returns the rsync-style "remote:path" destination.
func (c RunConfig) RemoteTarget() string {
	return c.Remote.Host + ":" + c.Destination
}
