package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/config"
)

func testConfig(url string) config.WhatsAppConfig {
	return config.WhatsAppConfig{
		AccessToken:   "token",
		PhoneNumberID: "12345",
		BaseURL:       url + "/",
		APIVersion:    "v19.0",
	}
}

func TestSendAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v19.0/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "whatsapp", body["messaging_product"])
		assert.Equal(t, "individual", body["recipient_type"])
		assert.Equal(t, "22177000000", body["to"])
		assert.Equal(t, "al-7", body["biz_opaque_callback_data"])
		text := body["text"].(map[string]any)
		assert.Equal(t, "Coop too hot", text["body"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contacts":[{"input":"22177000000","wa_id":"22177000000"}],"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	d, err := c.SendAlert(context.Background(), AlertMessage{To: "22177000000", Text: "Coop too hot", AlertID: "al-7"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", d.MessageID)
	assert.Equal(t, "22177000000", d.WaID)
}

func TestSendAlert_APIError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid recipient","type":"OAuthException","code":131030,"fbtrace_id":"tr-1"}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.SendAlert(context.Background(), AlertMessage{To: "nobody", Text: "hi"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, 131030, apiErr.Code)
	assert.Equal(t, "invalid recipient", apiErr.Message)
	assert.Equal(t, "tr-1", apiErr.TraceID)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, 1, calls, "client errors are not retried")
}

func TestSendAlert_RetriesThrottling(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","code":130429}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	}))
	defer srv.Close()

	d, err := NewClient(testConfig(srv.URL)).SendAlert(context.Background(), AlertMessage{To: "1", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.2", d.MessageID)
	assert.Equal(t, 2, calls)
}

func TestSendAlert_RequiresRecipientAndText(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	_, err := c.SendAlert(context.Background(), AlertMessage{Text: "hi"})
	assert.Error(t, err)
	_, err = c.SendAlert(context.Background(), AlertMessage{To: "x"})
	assert.Error(t, err)
}
