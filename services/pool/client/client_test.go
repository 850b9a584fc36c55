package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"shares": body["amount"]})
	}))
	defer ts.Close()

	var out struct {
		Shares string `json:"shares"`
	}
	err := New(ts.URL+"/", "tok").Post(context.Background(), "/v1/pool/deposit", map[string]string{"amount": "42"}, &out)
	require.NoError(t, err)
	require.Equal(t, "42", out.Shares)
}

func TestClientSurfacesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"pool: not open","kind":"invalid_state"}`))
	}))
	defer ts.Close()

	err := New(ts.URL, "").Get(context.Background(), "/v1/pool", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Equal(t, "invalid_state", apiErr.Kind)
	require.Equal(t, "pool: not open", apiErr.Message)
}
