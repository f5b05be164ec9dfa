// Package webhook posts run lifecycle notifications to a chat webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Embed colors.
const (
	ColorStart   = 3447003  // blue
	ColorSuccess = 3066993  // green
	ColorError   = 15158332 // red
)

// MaxBodyChars is the character budget for error and output bodies. Chat
// platforms cap a whole message at 2000 characters.
const MaxBodyChars = 950

// TruncationMarker is appended to bodies cut at MaxBodyChars.
const TruncationMarker = "... (truncated)"

const timestampLayout = "2006-01-02 15:04:05"

// Service defines the interface for webhook notifications.
type Service interface {
	NotifyStart(ctx context.Context, cfg models.RunConfig) *models.DeliveryResult
	NotifySuccess(ctx context.Context, cfg models.RunConfig, outcome *models.SyncOutcome) *models.DeliveryResult
	NotifyError(ctx context.Context, cfg models.RunConfig, message string) *models.DeliveryResult
	Send(ctx context.Context, cfg models.WebhookConfig, payload models.WebhookPayload) (*models.DeliveryResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Impl implements the webhook Service interface.
type Impl struct {
	httpClient HTTPClient
	sleep      SleepFunc
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a new webhook service. Per-request timeouts come from the
// webhook config.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{},
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logger,
	}
}

// NewWithClient creates a new webhook service with a custom HTTP client and
// sleep function (for testing). A nil sleep uses the real clock.
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, sleep SleepFunc) *Impl {
	if sleep == nil {
		sleep = sleepContext
	}
	return &Impl{
		httpClient: httpClient,
		sleep:      sleep,
		now:        time.Now,
		logger:     logger,
	}
}

// NotifyStart announces that the mirror is about to run.
func (s *Impl) NotifyStart(ctx context.Context, cfg models.RunConfig) *models.DeliveryResult {
	return s.notify(ctx, cfg, "start", s.startPayload(cfg))
}

// NotifySuccess reports a finished mirror with its transfer statistics.
func (s *Impl) NotifySuccess(ctx context.Context, cfg models.RunConfig, outcome *models.SyncOutcome) *models.DeliveryResult {
	return s.notify(ctx, cfg, "success", s.successPayload(cfg, outcome))
}

// NotifyError reports a failed run.
func (s *Impl) NotifyError(ctx context.Context, cfg models.RunConfig, message string) *models.DeliveryResult {
	return s.notify(ctx, cfg, "error", s.errorPayload(cfg, message))
}

func (s *Impl) notify(ctx context.Context, cfg models.RunConfig, event string, payload models.WebhookPayload) *models.DeliveryResult {
	s.logger.Debug().Str("event", event).Str("name", cfg.Name).Msg("sending webhook notification")

	result, err := s.Send(ctx, cfg.Webhook, payload)
	if err != nil {
		return &models.DeliveryResult{Error: err}
	}
	return result
}

// Send posts payload with a fixed delay between attempts. An attempt succeeds
// on HTTP 200 or 204. Delivery failures are reported in the result, never as
// the returned error; that is reserved for payloads that cannot be encoded.
func (s *Impl) Send(ctx context.Context, cfg models.WebhookConfig, payload models.WebhookPayload) (*models.DeliveryResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	result := &models.DeliveryResult{}
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		status, err := s.post(ctx, cfg, body)
		result.StatusCode = status
		if err == nil {
			result.Delivered = true
			s.logger.Debug().Int("attempt", attempt).Int("status", status).Msg("webhook notification delivered")
			return result, nil
		}
		lastErr = err

		s.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("webhook attempt failed")

		if attempt == attempts {
			break
		}
		if err := s.sleep(ctx, cfg.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	s.logger.Error().
		Err(lastErr).
		Int("attempts", result.Attempts).
		Msg("failed to send webhook notification")

	result.Error = models.NewRunError(models.CodeDeliveryFailed,
		fmt.Sprintf("webhook delivery failed after %d attempts", result.Attempts), lastErr)
	return result, nil
}

func (s *Impl) post(ctx context.Context, cfg models.WebhookConfig, body []byte) (int, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *Impl) startPayload(cfg models.RunConfig) models.WebhookPayload {
	embed := s.baseEmbed(cfg, "Backup Started", ColorStart)
	embed.Description = fmt.Sprintf("Mirroring `%s` to `%s`", cfg.Source, cfg.RemoteTarget())
	embed.Fields = append(embed.Fields,
		statusField("Running"),
		s.timestampField(),
	)
	return s.payload(cfg, embed)
}

func (s *Impl) successPayload(cfg models.RunConfig, outcome *models.SyncOutcome) models.WebhookPayload {
	embed := s.baseEmbed(cfg, "Backup Completed", ColorSuccess)
	embed.Description = "All files were mirrored successfully."
	embed.Fields = append(embed.Fields, statusField("Success"))

	if outcome != nil {
		embed.Fields = append(embed.Fields,
			models.EmbedField{Name: "Files transferred", Value: fmt.Sprintf("%d of %d", outcome.Stats.FilesTransferred, outcome.Stats.FilesTotal), Inline: true},
			models.EmbedField{Name: "Files deleted", Value: fmt.Sprintf("%d", outcome.Stats.FilesDeleted), Inline: true},
			models.EmbedField{Name: "Transferred", Value: formatBytes(outcome.Stats.TransferredSize), Inline: true},
			models.EmbedField{Name: "Total size", Value: formatBytes(outcome.Stats.TotalSize), Inline: true},
			models.EmbedField{Name: "Duration", Value: outcome.Duration.Round(time.Second).String(), Inline: true},
		)
		if outcome.Output != "" {
			embed.Fields = append(embed.Fields, codeField("Output", outcome.Output))
		}
	}

	embed.Fields = append(embed.Fields, s.timestampField())
	return s.payload(cfg, embed)
}

func (s *Impl) errorPayload(cfg models.RunConfig, message string) models.WebhookPayload {
	embed := s.baseEmbed(cfg, "Backup Failed", ColorError)
	embed.Description = "The backup did not complete."
	embed.Fields = append(embed.Fields,
		statusField("Failed"),
		codeField("Error", message),
		s.timestampField(),
	)
	return s.payload(cfg, embed)
}

func (s *Impl) baseEmbed(cfg models.RunConfig, title string, color int) models.Embed {
	if cfg.Sync.DryRun {
		title += " (dry run)"
	}

	embed := models.Embed{
		Title:  title,
		Color:  color,
		Author: &models.EmbedAuthor{Name: cfg.Name, IconURL: cfg.Webhook.AvatarURL},
		Fields: []models.EmbedField{
			{Name: "Source", Value: cfg.Source, Inline: true},
			{Name: "Destination", Value: cfg.RemoteTarget(), Inline: true},
		},
		Footer:    models.EmbedFooter{Text: "Backup: " + cfg.Name},
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	if cfg.Webhook.ThumbnailURL != "" {
		embed.Thumbnail = &models.EmbedImage{URL: cfg.Webhook.ThumbnailURL}
	}
	return embed
}

func (s *Impl) payload(cfg models.RunConfig, embed models.Embed) models.WebhookPayload {
	return models.WebhookPayload{
		Username:  cfg.Webhook.Username,
		AvatarURL: cfg.Webhook.AvatarURL,
		Embeds:    []models.Embed{embed},
	}
}

func (s *Impl) timestampField() models.EmbedField {
	return models.EmbedField{Name: "Timestamp", Value: s.now().Format(timestampLayout)}
}

func statusField(status string) models.EmbedField {
	return models.EmbedField{Name: "Status", Value: status, Inline: true}
}

func codeField(name, body string) models.EmbedField {
	return models.EmbedField{Name: name, Value: "```\n" + Truncate(body) + "\n```"}
}

// Truncate shortens s to MaxBodyChars characters followed by
// TruncationMarker. Shorter strings are returned unchanged.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxBodyChars {
		return s
	}
	return string(runes[:MaxBodyChars]) + TruncationMarker
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
