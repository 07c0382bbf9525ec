package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/crm-messaging/internal/notify"
)

func TestWebhookNotifierPostsAlertJSON(t *testing.T) {
	var got notify.Alert
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := notify.NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)

	raised := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err = n.Alert(context.Background(), notify.Alert{
		Severity: notify.SeverityCritical,
		Title:    "message exhausted retries",
		Body:     "gateway timeout",
		Fields:   map[string]string{"message_id": "m-1"},
		RaisedAt: raised,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, notify.SeverityCritical, got.Severity)
	assert.Equal(t, "message exhausted retries", got.Title)
	assert.Equal(t, "m-1", got.Fields["message_id"])
	assert.True(t, got.RaisedAt.Equal(raised))
}

func TestWebhookNotifierStampsMissingRaisedAt(t *testing.T) {
	var got notify.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n, err := notify.NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, n.Alert(context.Background(), notify.Alert{Severity: notify.SeverityInfo, Title: "probe recovered"}))
	assert.False(t, got.RaisedAt.IsZero())
}

func TestWebhookNotifierReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	n, err := notify.NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)

	err = n.Alert(context.Background(), notify.Alert{Severity: notify.SeverityWarning, Title: "queue depth high"})
	assert.ErrorContains(t, err, "403")
}

func TestWebhookNotifierRequiresURL(t *testing.T) {
	_, err := notify.NewWebhookNotifier("   ", time.Second, zerolog.Nop())
	assert.Error(t, err)
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := notify.NewLogNotifier(zerolog.Nop())
	assert.NoError(t, n.Alert(context.Background(), notify.Alert{
		Severity: notify.SeverityCritical,
		Title:    "broker unreachable",
		Fields:   map[string]string{"attempts": "10"},
	}))
}
