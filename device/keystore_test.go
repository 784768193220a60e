package device

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestKeystore(t *testing.T, protect bool) *FileKeystore {
	t.Helper()

	cfg := FileKeystoreConfig{Dir: t.TempDir()}
	if protect {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			t.Fatalf("Failed to generate protection key: %v", err)
		}
		cfg.ProtectionKey = key
	}

	ks, err := NewFileKeystore(cfg)
	if err != nil {
		t.Fatalf("Failed to create keystore: %v", err)
	}
	return ks
}

func TestStoreRetrieveDelete(t *testing.T) {
	ks := newTestKeystore(t, false)
	material := []byte("device-wrapped-key-material")

	handle, err := ks.Store("db-master", material, StoreOptions{Service: "tresor"})
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if handle.Alias != "db-master" || handle.Service != "tresor" {
		t.Errorf("Unexpected handle: %+v", handle)
	}
	if handle.Backing != BackingNone {
		t.Errorf("File fallback must report BackingNone, got %s", handle.Backing)
	}

	got, err := ks.Retrieve(handle, RetrieveOptions{})
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}
	if !bytes.Equal(got, material) {
		t.Error("Retrieved material does not match stored material")
	}

	if err = ks.Delete(handle); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err = ks.Retrieve(handle, RetrieveOptions{}); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("Expected ErrHandleNotFound after delete, got %v", err)
	}
	if err = ks.Delete(handle); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("Expected ErrHandleNotFound deleting twice, got %v", err)
	}
}

func TestStoreReplacesExistingAlias(t *testing.T) {
	ks := newTestKeystore(t, false)

	first, err := ks.Store("rotating", []byte("v1"), StoreOptions{})
	if err != nil {
		t.Fatalf("Failed to store v1: %v", err)
	}
	if _, err = ks.Store("rotating", []byte("v2"), StoreOptions{}); err != nil {
		t.Fatalf("Failed to store v2: %v", err)
	}

	got, err := ks.Retrieve(first, RetrieveOptions{})
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Expected replacement to win, got %q", got)
	}
}

func TestBiometricGate(t *testing.T) {
	ks := newTestKeystore(t, false)

	handle, err := ks.Store("guarded", []byte("secret-bytes"), StoreOptions{RequireBiometric: true})
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if !handle.Biometric {
		t.Error("Handle should carry the biometric flag")
	}

	if _, err = ks.Retrieve(handle, RetrieveOptions{}); !errors.Is(err, ErrBiometricRequired) {
		t.Errorf("Expected ErrBiometricRequired, got %v", err)
	}

	got, err := ks.Retrieve(handle, RetrieveOptions{BiometricAsserted: true})
	if err != nil {
		t.Fatalf("Failed to retrieve with biometric: %v", err)
	}
	if string(got) != "secret-bytes" {
		t.Error("Retrieved material does not match")
	}
}

func TestProtectionKeySealsEntriesAtRest(t *testing.T) {
	ks := newTestKeystore(t, true)
	material := []byte("must-not-appear-on-disk")

	handle, err := ks.Store("sealed", material, StoreOptions{Service: "tresor"})
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ks.baseDir, "tresor", "sealed.json"))
	if err != nil {
		t.Fatalf("Failed to read entry file: %v", err)
	}
	if bytes.Contains(raw, material) {
		t.Error("Plaintext material leaked to disk")
	}

	got, err := ks.Retrieve(handle, RetrieveOptions{})
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}
	if !bytes.Equal(got, material) {
		t.Error("Retrieved material does not match stored material")
	}
}

func TestSanitizedAliases(t *testing.T) {
	ks := newTestKeystore(t, false)

	handle, err := ks.Store("../escape/attempt", []byte("data"), StoreOptions{Service: "a/b"})
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	got, err := ks.Retrieve(handle, RetrieveOptions{})
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}
	if string(got) != "data" {
		t.Error("Round trip through sanitized alias failed")
	}

	// Nothing may be written outside the keystore root
	parent := filepath.Dir(ks.baseDir)
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("Failed to read parent dir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() == "escape" {
			t.Error("Alias escaped the keystore directory")
		}
	}
}

func TestCapabilitiesReportSoftwareOnly(t *testing.T) {
	ks := newTestKeystore(t, false)

	caps := ks.Capabilities()
	if caps.HardwareBacked {
		t.Error("File fallback must not claim hardware backing")
	}
	if caps.Backing != BackingNone {
		t.Errorf("Expected BackingNone, got %s", caps.Backing)
	}
}
