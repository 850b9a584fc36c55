package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"poolledger/services/poold/config"
	"poolledger/storage"
)

func TestOpenStorageInMemory(t *testing.T) {
	db, err := openStorage(config.StorageConfig{InMemory: true}, "")
	require.NoError(t, err)
	defer db.Close()
	_, ok := db.(*storage.MemDB)
	require.True(t, ok)
}

func TestOpenStorageFallsBackToDataDir(t *testing.T) {
	dir := t.TempDir()
	db, err := openStorage(config.StorageConfig{}, dir)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.DirExists(t, filepath.Join(dir, "ledger"))
}

func TestLoadServerTLS(t *testing.T) {
	cfg, err := loadServerTLS(config.TLSConfig{AllowInsecure: true})
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = loadServerTLS(config.TLSConfig{})
	require.Error(t, err)

	_, err = loadServerTLS(config.TLSConfig{CertPath: "missing.crt", KeyPath: "missing.key"})
	require.Error(t, err)
}
