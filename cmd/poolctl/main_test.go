package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"poolledger/crypto"
	"poolledger/services/pool/server"
)

func TestDigestMatchesBlake3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "application.pdf")
	require.NoError(t, os.WriteFile(path, []byte("application body"), 0o600))

	var out bytes.Buffer
	require.NoError(t, runDigest([]string{path}, &out))
	want := blake3.Sum256([]byte("application body"))
	require.Equal(t, hex.EncodeToString(want[:]), strings.TrimSpace(out.String()))
}

func TestKeygenAndAddress(t *testing.T) {
	t.Setenv(defaultPassEnv, "correct horse")
	path := filepath.Join(t.TempDir(), "key.json")

	var created bytes.Buffer
	require.NoError(t, runKeygen([]string{"-keystore", path}, &created))
	require.Error(t, runKeygen([]string{"-keystore", path}, &bytes.Buffer{}))

	var shown bytes.Buffer
	require.NoError(t, runAddress([]string{"-keystore", path}, &shown))
	require.Equal(t, created.String(), shown.String())
	_, err := crypto.DecodeAddress(strings.TrimSpace(shown.String()))
	require.NoError(t, err)
}

func TestTokenVerifiesAgainstServer(t *testing.T) {
	const secret = "poolctl-test-secret"
	t.Setenv(defaultSecretEnv, secret)
	var raw [20]byte
	raw[19] = 7
	subject := crypto.FromRaw(crypto.PoolPrefix, raw)

	var out bytes.Buffer
	require.NoError(t, runToken([]string{"-subject", subject.String(), "-ttl", "5m", "-audience", "poold"}, &out))

	auth := server.NewAuthenticator(server.AuthConfig{HMACSecret: secret, Audience: "poold", ClockSkew: time.Second})
	got, err := auth.Authenticate("Bearer " + strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.True(t, got.Equal(subject))
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv(defaultSecretEnv, "")
	var raw [20]byte
	subject := crypto.FromRaw(crypto.PoolPrefix, raw)
	require.Error(t, runToken([]string{"-subject", subject.String()}, &bytes.Buffer{}))
}

func TestApplyPostsDigestAndReference(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(doc, []byte("terms"), 0o600))

	var received map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/applications", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"status":"REQUESTED"}`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	err := runApply([]string{"-url", ts.URL, "-token", "tok", "-amount", "5000000", "-duration", "240h", "-document", doc}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), `"REQUESTED"`)

	digest := blake3.Sum256([]byte("terms"))
	require.Equal(t, hex.EncodeToString(digest[:]), received["digest"])
	require.Equal(t, float64(240*3600), received["durationSecs"])
	require.Len(t, received["reference"], 36)
}

func TestCallRejectsInvalidJSON(t *testing.T) {
	err := runCall([]string{"-X", "POST", "-d", "{nope", "/v1/pool/open"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "valid JSON")
}

func TestExportEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.parquet")
	var msg bytes.Buffer
	err := runExport([]string{"-dsn", filepath.Join(dir, "index.db"), "-out", out}, &msg)
	require.NoError(t, err)
	require.Contains(t, msg.String(), "wrote 0 events")
	require.FileExists(t, out)
}
