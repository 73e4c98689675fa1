package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/forgeerr"
)

func TestAdviseReturnsContentOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  try widening the allowlist  "}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", "advisory-model", time.Second)
	out, err := c.Advise(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Equal(t, "try widening the allowlist", out)
}

func TestAdviseReturnsGatewayUnavailableOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", time.Second)
	_, err := c.Advise(context.Background(), "", "user")
	require.Error(t, err)
	require.True(t, forgeerr.Is(err, forgeerr.ErrGatewayUnavailable))
}

func TestAdviseReturnsGatewayUnavailableOnEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", time.Second)
	_, err := c.Advise(context.Background(), "", "user")
	require.Error(t, err)
	require.True(t, forgeerr.Is(err, forgeerr.ErrGatewayUnavailable))
}

func TestAdviseReturnsGatewayUnavailableOnConnectionRefused(t *testing.T) {
	c := New("http://127.0.0.1:1", "", "m", 200*time.Millisecond)
	_, err := c.Advise(context.Background(), "", "user")
	require.Error(t, err)
	require.True(t, forgeerr.Is(err, forgeerr.ErrGatewayUnavailable))
}
