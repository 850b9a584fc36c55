package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"poolledger/config"
	"poolledger/services/pool/engine"
	"poolledger/services/pool/indexer"
	"poolledger/storage"
)

func TestIdempotentFaucetReplays(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	ix, err := indexer.New(db, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.PoolID = "idem"
	cfg.Roles.Staker = []string{staker.String()}
	hub := NewHub(16)
	svc, err := engine.New(storage.NewMemDB(), cfg, engine.Options{Emitter: hub, Faucet: true})
	require.NoError(t, err)
	srv, err := New(svc, hub, Config{Auth: AuthConfig{HMACSecret: testSecret}, Idempotency: ix})
	require.NoError(t, err)
	handler := srv.Handler()

	token, err := IssueToken(AuthConfig{HMACSecret: testSecret}, lender, time.Minute)
	require.NoError(t, err)
	send := func(path, key string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(map[string]string{"amount": "700"})
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/v1/tokens/faucet", "mint-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := send("/v1/tokens/faucet", "mint-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	balances, err := svc.Balances(lender)
	require.NoError(t, err)
	require.Equal(t, "700", balances.Asset.String())

	conflict := send("/v1/tokens/approve", "mint-1")
	require.Equal(t, http.StatusConflict, conflict.Code)
}
