package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyRoundTrip(t *testing.T) {
	ix, err := New(newTestDB(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := ix.LookupResponse(ctx, "pool1a", "k1")
	require.NoError(t, err)
	require.False(t, found)

	resp := StoredResponse{Method: "POST", Path: "/v1/pool/deposit", Status: 200, Body: []byte(`{"shares":"5"}`)}
	require.NoError(t, ix.SaveResponse(ctx, "pool1a", "k1", resp))
	require.Error(t, ix.SaveResponse(ctx, "pool1a", "k1", resp))

	got, found, err := ix.LookupResponse(ctx, "pool1a", "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, resp, *got)

	_, found, err = ix.LookupResponse(ctx, "pool1b", "k1")
	require.NoError(t, err)
	require.False(t, found)
}
