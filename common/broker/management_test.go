package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagementClientQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "guest", user)
		assert.Equal(t, "guest", pass)
		assert.Equal(t, "/api/queues/%2F/billing-service-payment-completed", r.URL.EscapedPath())

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"billing-service-payment-completed","messages":3,"messages_ready":2,"consumers":1,"state":"running"}`)
	}))
	defer srv.Close()

	client := NewManagementClient(srv.URL, "guest", "guest")
	info, err := client.Queue(context.Background(), "billing-service-payment-completed")
	require.NoError(t, err)
	assert.Equal(t, "billing-service-payment-completed", info.Name)
	assert.Equal(t, 3, info.Messages)
	assert.Equal(t, 2, info.MessagesReady)
	assert.Equal(t, 1, info.Consumers)
	assert.Equal(t, "running", info.State)
}

func TestManagementClientQueueMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewManagementClient(srv.URL, "guest", "guest")
	_, err := client.Queue(context.Background(), "no-such-queue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
