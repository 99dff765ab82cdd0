package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", "secret", time.Second)
	c.retryConfig.InitialDelay = time.Millisecond
	c.retryConfig.MaxDelay = time.Millisecond
	return c, &calls
}

func TestFetchSnapshot_Found(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/PO%2F4471", r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(` {"order_number":"PO/4471","total_amount":120} `))
	})

	snap, err := c.FetchSnapshot(context.Background(), "PO/4471")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "PO/4471", snap.ExternalID)
	assert.JSONEq(t, `{"order_number":"PO/4471","total_amount":120}`, string(snap.Data))
}

func TestFetchSnapshot_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	snap, err := c.FetchSnapshot(context.Background(), "PO-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFetchSnapshot_EmptyID(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	snap, err := c.FetchSnapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Zero(t, calls.Load())
}

func TestFetchSnapshot_RetriesServerErrors(t *testing.T) {
	var calls *atomic.Int32
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Load() < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"order_number":"PO-1"}`))
	})

	snap, err := c.FetchSnapshot(context.Background(), "PO-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchSnapshot_ClientErrorNotRetried(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.FetchSnapshot(context.Background(), "PO-1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchSnapshot_InvalidJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	})

	_, err := c.FetchSnapshot(context.Background(), "PO-1")
	assert.Error(t, err)
}
