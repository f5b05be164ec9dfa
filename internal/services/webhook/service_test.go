package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return response(http.StatusNoContent), nil
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

// recordSleeps returns a SleepFunc that records delays without waiting.
func recordSleeps(delays *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.RunConfig {
	return models.RunConfig{
		Webhook: models.WebhookConfig{
			URL:        "https://discord.com/api/webhooks/1/abc",
			Username:   "Backup Bot",
			Attempts:   3,
			RetryDelay: 5 * time.Second,
			Timeout:    30 * time.Second,
		},
		Remote:      models.RemoteConfig{Host: "backup@nas.local", Port: 22},
		Source:      "/srv/data",
		Destination: "/backups/data",
		Name:        "nightly",
	}
}

func decodePayload(t *testing.T, req *http.Request) models.WebhookPayload {
	t.Helper()

	var payload models.WebhookPayload
	require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
	return payload
}

func fieldValue(embed models.Embed, name string) (string, bool) {
	for _, f := range embed.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func TestSend_SuccessFirstAttempt(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "200 OK", status: http.StatusOK},
		{name: "204 No Content", status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			calls := 0
			client := &mockHTTPClient{
				doFunc: func(req *http.Request) (*http.Response, error) {
					calls++
					return response(tt.status), nil
				},
			}

			svc := NewWithClient(testLogger(), client, recordSleeps(&delays))
			result, err := svc.Send(context.Background(), testConfig().Webhook, models.WebhookPayload{Username: "x"})

			require.NoError(t, err)
			assert.True(t, result.Delivered)
			assert.Equal(t, 1, result.Attempts)
			assert.Equal(t, tt.status, result.StatusCode)
			assert.Nil(t, result.Error)
			assert.Equal(t, 1, calls)
			assert.Empty(t, delays)
		})
	}
}

func TestSend_RetriesThreeTimesThenFails(t *testing.T) {
	var delays []time.Duration
	calls := 0
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClient(testLogger(), client, recordSleeps(&delays))
	result, err := svc.Send(context.Background(), testConfig().Webhook, models.WebhookPayload{})

	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)

	require.Error(t, result.Error)
	var runErr *models.RunError
	require.True(t, errors.As(result.Error, &runErr))
	assert.Equal(t, models.CodeDeliveryFailed, runErr.Code)
	assert.Equal(t, models.KindDelivery, runErr.Kind)
}

func TestSend_NonSuccessStatusIsRetried(t *testing.T) {
	var delays []time.Duration
	statuses := []int{http.StatusInternalServerError, http.StatusCreated, http.StatusNoContent}
	calls := 0
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			status := statuses[calls]
			calls++
			return response(status), nil
		},
	}

	svc := NewWithClient(testLogger(), client, recordSleeps(&delays))
	result, err := svc.Send(context.Background(), testConfig().Webhook, models.WebhookPayload{})

	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, delays, 2)
}

func TestSend_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return response(http.StatusBadGateway), nil
		},
	}

	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	svc := NewWithClient(testLogger(), client, sleep)
	result, err := svc.Send(ctx, testConfig().Webhook, models.WebhookPayload{})

	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestSend_WireFormat(t *testing.T) {
	var gotMethod, gotContentType string
	var gotPayload models.WebhookPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Webhook.URL = server.URL

	svc := NewWithClient(testLogger(), server.Client(), nil)
	result := svc.NotifyStart(context.Background(), cfg)

	require.Nil(t, result.Error)
	assert.True(t, result.Delivered)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Backup Bot", gotPayload.Username)
	require.Len(t, gotPayload.Embeds, 1)
	assert.Equal(t, ColorStart, gotPayload.Embeds[0].Color)
}

func TestNotifyStart_Payload(t *testing.T) {
	var payload models.WebhookPayload
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			payload = decodePayload(t, req)
			return response(http.StatusNoContent), nil
		},
	}

	cfg := testConfig()
	cfg.Webhook.ThumbnailURL = "https://example.com/thumb.png"

	svc := NewWithClient(testLogger(), client, nil)
	svc.NotifyStart(context.Background(), cfg)

	require.Len(t, payload.Embeds, 1)
	embed := payload.Embeds[0]
	assert.Equal(t, "Backup Started", embed.Title)
	assert.Equal(t, ColorStart, embed.Color)
	require.NotNil(t, embed.Author)
	assert.Equal(t, "nightly", embed.Author.Name)
	assert.Equal(t, "Backup: nightly", embed.Footer.Text)
	require.NotNil(t, embed.Thumbnail)
	assert.Equal(t, "https://example.com/thumb.png", embed.Thumbnail.URL)
	assert.NotEmpty(t, embed.Timestamp)

	source, _ := fieldValue(embed, "Source")
	assert.Equal(t, "/srv/data", source)
	dest, _ := fieldValue(embed, "Destination")
	assert.Equal(t, "backup@nas.local:/backups/data", dest)
	status, _ := fieldValue(embed, "Status")
	assert.Equal(t, "Running", status)
	_, ok := fieldValue(embed, "Timestamp")
	assert.True(t, ok)
}

func TestNotifySuccess_Payload(t *testing.T) {
	var payload models.WebhookPayload
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			payload = decodePayload(t, req)
			return response(http.StatusOK), nil
		},
	}

	outcome := &models.SyncOutcome{
		Output:   "sent 4,210,000 bytes",
		Duration: 90 * time.Second,
		Stats: models.SyncStats{
			FilesTotal:       1234,
			FilesTransferred: 2,
			FilesDeleted:     1,
			TotalSize:        5 * 1024 * 1024 * 1024,
			TransferredSize:  4 * 1024 * 1024,
		},
	}

	svc := NewWithClient(testLogger(), client, nil)
	result := svc.NotifySuccess(context.Background(), testConfig(), outcome)

	assert.True(t, result.Delivered)
	embed := payload.Embeds[0]
	assert.Equal(t, "Backup Completed", embed.Title)
	assert.Equal(t, ColorSuccess, embed.Color)
	assert.Nil(t, embed.Thumbnail)

	status, _ := fieldValue(embed, "Status")
	assert.Equal(t, "Success", status)
	transferred, _ := fieldValue(embed, "Files transferred")
	assert.Equal(t, "2 of 1234", transferred)
	size, _ := fieldValue(embed, "Total size")
	assert.Equal(t, "5.0 GiB", size)
	duration, _ := fieldValue(embed, "Duration")
	assert.Equal(t, "1m30s", duration)
	output, _ := fieldValue(embed, "Output")
	assert.Equal(t, "```\nsent 4,210,000 bytes\n```", output)
}

func TestNotifyError_Payload(t *testing.T) {
	var payload models.WebhookPayload
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			payload = decodePayload(t, req)
			return response(http.StatusNoContent), nil
		},
	}

	cfg := testConfig()
	cfg.Sync.DryRun = true

	svc := NewWithClient(testLogger(), client, nil)
	svc.NotifyError(context.Background(), cfg, strings.Repeat("e", 2000))

	embed := payload.Embeds[0]
	assert.Equal(t, "Backup Failed (dry run)", embed.Title)
	assert.Equal(t, ColorError, embed.Color)

	status, _ := fieldValue(embed, "Status")
	assert.Equal(t, "Failed", status)

	errValue, ok := fieldValue(embed, "Error")
	require.True(t, ok)
	assert.Equal(t, "```\n"+strings.Repeat("e", MaxBodyChars)+TruncationMarker+"\n```", errValue)
}

func TestNotify_DeliveryFailureIsReported(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return response(http.StatusNotFound), nil
		},
	}

	svc := NewWithClient(testLogger(), client, recordSleeps(new([]time.Duration)))
	result := svc.NotifyError(context.Background(), testConfig(), "boom")

	assert.False(t, result.Delivered)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "after 3 attempts")
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 2000)
	got := Truncate(long)
	assert.Equal(t, strings.Repeat("a", 950)+"... (truncated)", got)

	short := strings.Repeat("b", 500)
	assert.Equal(t, short, Truncate(short))

	exact := strings.Repeat("c", MaxBodyChars)
	assert.Equal(t, exact, Truncate(exact))

	// Multi-byte characters count as one.
	multi := strings.Repeat("ü", 1000)
	assert.Equal(t, MaxBodyChars+utf8.RuneCountInString(TruncationMarker), utf8.RuneCountInString(Truncate(multi)))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.bytes))
	}
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
