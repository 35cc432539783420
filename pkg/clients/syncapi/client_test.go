package syncapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
)

func TestPushBatch(t *testing.T) {
	serverAt := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sync/flocks/push", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Records, 2)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.PushResult{
			AcceptedIDs:      []string{body.Records[0].ID},
			RejectedIDs:      []string{body.Records[1].ID},
			ServerTimestamps: map[string]time.Time{body.Records[0].ID: serverAt},
		})
	}))
	defer srv.Close()

	c := NewClient(config.SyncConfig{BaseURL: srv.URL + "/api/", APIToken: "secret"})
	res, err := c.PushBatch(context.Background(), models.EntityFlock, []models.SyncRecord{
		{ID: "a", Generation: 1, Payload: json.RawMessage(`{"id":"a"}`)},
		{ID: "b", Generation: 3, Deleted: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.AcceptedIDs)
	assert.Equal(t, []string{"b"}, res.RejectedIDs)
	assert.True(t, res.ServerTimestamps["a"].Equal(serverAt))
}

func TestPushBatch_ServerErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	}))
	defer srv.Close()

	c := NewClient(config.SyncConfig{BaseURL: srv.URL})
	_, err := c.PushBatch(context.Background(), models.EntityAlert, []models.SyncRecord{{ID: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSyncTransport)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestPullChanges(t *testing.T) {
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/health_records/changes", r.URL.Path)
		assert.Equal(t, "2026-08-01T00:00:00Z", r.URL.Query().Get("since"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(changesResponse{Records: []models.SyncRecord{
			{ID: "h1", UpdatedAt: since.Add(time.Minute), Payload: json.RawMessage(`{"id":"h1"}`)},
		}})
	}))
	defer srv.Close()

	c := NewClient(config.SyncConfig{BaseURL: srv.URL})
	recs, err := c.PullChanges(context.Background(), models.EntityHealthRecord, since)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "h1", recs[0].ID)
	assert.JSONEq(t, `{"id":"h1"}`, string(recs[0].Payload))
}

func TestPullChanges_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(config.SyncConfig{BaseURL: url})
	_, err := c.PullChanges(context.Background(), models.EntityFlock, time.Time{})
	assert.ErrorIs(t, err, models.ErrSyncTransport)
}
