package crypto

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := [20]byte{}
	raw[19] = 0x2A
	addr := FromRaw(PoolPrefix, raw)
	encoded := addr.String()
	if !strings.HasPrefix(encoded, "pool1") {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) || decoded.Prefix() != PoolPrefix {
		t.Fatalf("round trip mismatch: %s vs %s", decoded, addr)
	}
	if decoded.Raw() != raw {
		t.Fatalf("raw mismatch")
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("pool/main/vault")
	b := ModuleAddress("pool/main/vault")
	c := ModuleAddress("pool/main/desk")
	if !a.Equal(b) {
		t.Fatalf("module address not deterministic")
	}
	if a.Equal(c) {
		t.Fatalf("distinct module names collided")
	}
	if a.IsZero() {
		t.Fatalf("module address should not be zero")
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "staker.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.PubKey().Address().Equal(key.PubKey().Address()) {
		t.Fatalf("loaded key does not match")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
