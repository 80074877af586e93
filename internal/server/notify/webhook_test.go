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

func TestWebhookNotifier_PostAndUpdate(t *testing.T) {
	var posts []webhookRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		posts = append(posts, req)
		json.NewEncoder(w).Encode(map[string]any{"message_ref": "msg-1"})
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)

	ref, err := n.PostNotification(context.Background(), "bob", Renderable{
		Label: "api key", SenderDisplay: "Alice", Countdown: "9m 59s",
	})
	require.NoError(t, err)
	assert.Equal(t, MessageRef("msg-1"), ref)

	err = n.UpdateNotification(context.Background(), ref, Renderable{
		Label: "api key", Expired: true,
	})
	require.NoError(t, err)

	require.Len(t, posts, 2)
	assert.Equal(t, "bob", posts[0].Identity)
	assert.Equal(t, "9m 59s", posts[0].Renderable.Countdown)
	assert.Equal(t, MessageRef("msg-1"), posts[1].MessageRef)
	assert.True(t, posts[1].Renderable.Expired)
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel gone", http.StatusNotFound)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	_, err := n.PostNotification(context.Background(), "bob", Renderable{})
	assert.Error(t, err)
}
