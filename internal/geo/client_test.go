// ABOUTME: Tests for the HTTP geolocation client
// ABOUTME: Uses httptest servers that mimic the ip-api.com response shape

package geo

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

func newLookupServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &path
}

func TestClient_Locate(t *testing.T) {
	srv, _, path := newLookupServer(t, http.StatusOK,
		`{"status":"success","country":"France","regionName":"Ile-de-France","city":"Paris","query":"203.0.113.7"}`)

	c := NewClient(srv.URL+"/json/", time.Second)
	got, err := c.Locate(context.Background(), "203.0.113.7")

	require.NoError(t, err)
	assert.Equal(t, "Paris, Ile-de-France, France", got)
	assert.Equal(t, "/json/203.0.113.7", path.Load())
}

func TestClient_Locate_PartialFields(t *testing.T) {
	srv, _, _ := newLookupServer(t, http.StatusOK, `{"status":"success","country":"Iceland","city":""}`)

	got, err := NewClient(srv.URL, time.Second).Locate(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, "Iceland", got)
}

func TestClient_Locate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"fail status", http.StatusOK, `{"status":"fail","message":"reserved range"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"malformed", http.StatusOK, `{not json`},
		{"empty location", http.StatusOK, `{"status":"success"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newLookupServer(t, tt.status, tt.body)

			_, err := NewClient(srv.URL, time.Second).Locate(context.Background(), "198.51.100.1")
			assert.ErrorIs(t, err, ErrLookupFailed)
		})
	}
}

func TestClient_Locate_LocalAddressesSkipLookup(t *testing.T) {
	srv, hits, _ := newLookupServer(t, http.StatusOK, `{"status":"success","country":"X"}`)
	c := NewClient(srv.URL, time.Second)

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10", "::1", "fe80::1", "::ffff:10.0.0.1"} {
		got, err := c.Locate(context.Background(), ip)
		require.NoError(t, err, ip)
		assert.Equal(t, LocalNetwork, got, ip)
	}
	assert.Zero(t, hits.Load())
}

func TestClient_Locate_InvalidAddress(t *testing.T) {
	_, err := NewClient("http://unused.invalid", time.Second).Locate(context.Background(), "not-an-ip")
	assert.Error(t, err)
}

func TestClient_Locate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 20*time.Millisecond).Locate(context.Background(), "198.51.100.1")
	assert.Error(t, err)
}
