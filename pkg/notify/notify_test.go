package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_String(t *testing.T) {
	assert.Equal(t, "ERROR: [r1] Restart failed: boom", Errorf("r1", "Restart failed: %s", "boom").String())
	assert.Equal(t, "INFO: reconcile pass done", Infof("", "reconcile pass done").String())
	assert.Equal(t, Warning, Warnf("r1", "x").Severity)
}

func TestNew_NoURLIsNop(t *testing.T) {
	n := New(WebhookConfig{}, nil)
	assert.IsType(t, Nop{}, n)
	assert.NoError(t, n.Notify(context.Background(), Infof("r1", "x")))
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name    string
		dryRun  bool
		status  int
		want    string
		wantErr bool
	}{
		{"delivered", false, http.StatusNoContent, "WARNING: [r1] Heartbeat stale", false},
		{"dry run prefix", true, http.StatusOK, "[DRY-RUN] WARNING: [r1] Heartbeat stale", false},
		{"rejected", false, http.StatusTooManyRequests, "WARNING: [r1] Heartbeat stale", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got webhookPayload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			n := New(WebhookConfig{URL: srv.URL, DryRun: tt.dryRun}, nil)
			err := n.Notify(context.Background(), Warnf("r1", "Heartbeat stale"))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got.Content)
		})
	}
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(WebhookConfig{URL: url}, nil).Notify(context.Background(), Infof("r1", "x"))
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Notify(context.Background(), Infof("r1", "a")))
	require.NoError(t, r.Notify(context.Background(), Errorf("r2", "b")))
	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "r2", msgs[1].RunID)
}
