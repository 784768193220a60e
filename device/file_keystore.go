package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"southwinds.dev/tresor/internal/crypto"
	"southwinds.dev/tresor/internal/misc"
)

// FileKeystore is the software fallback used when no hardware keystore is
// available. Entries live as 0600 files under a per-service directory;
// when a protection key is configured the material is sealed with an AEAD
// before it touches disk. It reports BackingNone so callers can tell that
// nothing here is hardware-isolated.
type FileKeystore struct {
	mu            sync.RWMutex
	baseDir       string
	platform      string
	protectionKey []byte
}

type FileKeystoreConfig struct {
	// Dir is the root directory for keystore entries
	Dir string

	// Platform overrides the platform string recorded on handles.
	// Defaults to "file".
	Platform string

	// ProtectionKey, when set, must be 32 bytes and is used to seal
	// entries at rest
	ProtectionKey []byte
}

// NewFileKeystore creates the file-backed fallback keystore
func NewFileKeystore(cfg FileKeystoreConfig) (*FileKeystore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("keystore directory is required")
	}
	if len(cfg.ProtectionKey) > 0 && len(cfg.ProtectionKey) != 32 {
		return nil, fmt.Errorf("protection key must be 32 bytes, got %d", len(cfg.ProtectionKey))
	}
	if err := os.MkdirAll(cfg.Dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	platform := cfg.Platform
	if platform == "" {
		platform = "file"
	}

	key := make([]byte, len(cfg.ProtectionKey))
	copy(key, cfg.ProtectionKey)

	return &FileKeystore{
		baseDir:       cfg.Dir,
		platform:      platform,
		protectionKey: key,
	}, nil
}

// entryRecord is the on-disk form of a keystore entry
type entryRecord struct {
	Alias     string `json:"alias"`
	Service   string `json:"service"`
	Biometric bool   `json:"biometric"`
	Protected bool   `json:"protected"`
	Material  []byte `json:"material"`
}

func (fk *FileKeystore) Store(alias string, material []byte, opts StoreOptions) (KeyHandle, error) {
	if alias == "" {
		return KeyHandle{}, fmt.Errorf("alias is required")
	}
	if len(material) == 0 {
		return KeyHandle{}, fmt.Errorf("material is required")
	}
	service := opts.Service
	if service == "" {
		service = "default"
	}

	fk.mu.Lock()
	defer fk.mu.Unlock()

	record := entryRecord{
		Alias:     alias,
		Service:   service,
		Biometric: opts.RequireBiometric,
	}

	if len(fk.protectionKey) > 0 {
		sealed, err := crypto.EncryptValue(material, fk.protectionKey)
		if err != nil {
			return KeyHandle{}, fmt.Errorf("failed to seal keystore entry: %w", err)
		}
		record.Protected = true
		record.Material = sealed
	} else {
		record.Material = make([]byte, len(material))
		copy(record.Material, material)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("failed to serialize keystore entry: %w", err)
	}

	dir := filepath.Join(fk.baseDir, sanitize(service))
	if err = os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return KeyHandle{}, fmt.Errorf("failed to create service directory: %w", err)
	}

	path := fk.entryPath(service, alias)
	tempPath := path + ".tmp"
	if err = os.WriteFile(tempPath, data, misc.FilePermissions); err != nil {
		return KeyHandle{}, fmt.Errorf("failed to write keystore entry: %w", err)
	}
	if err = os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return KeyHandle{}, fmt.Errorf("failed to commit keystore entry: %w", err)
	}

	return KeyHandle{
		Platform:  fk.platform,
		Service:   service,
		Alias:     alias,
		Biometric: opts.RequireBiometric,
		Backing:   BackingNone,
	}, nil
}

func (fk *FileKeystore) Retrieve(handle KeyHandle, opts RetrieveOptions) ([]byte, error) {
	fk.mu.RLock()
	defer fk.mu.RUnlock()

	record, err := fk.readEntry(handle)
	if err != nil {
		return nil, err
	}

	if record.Biometric && !opts.BiometricAsserted {
		return nil, ErrBiometricRequired
	}

	if record.Protected {
		if len(fk.protectionKey) == 0 {
			return nil, fmt.Errorf("entry %s is protected but no protection key is configured", handle)
		}
		material, err := crypto.DecryptValue(record.Material, fk.protectionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal keystore entry %s: %w", handle, err)
		}
		return material, nil
	}

	material := make([]byte, len(record.Material))
	copy(material, record.Material)
	return material, nil
}

func (fk *FileKeystore) Delete(handle KeyHandle) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()

	path := fk.entryPath(handle.Service, handle.Alias)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrHandleNotFound
		}
		return fmt.Errorf("failed to delete keystore entry: %w", err)
	}
	return nil
}

func (fk *FileKeystore) Capabilities() Capabilities {
	return Capabilities{
		HardwareBacked:     false,
		Backing:            BackingNone,
		BiometricSupport:   false,
		StrongBoxAvailable: false,
	}
}

func (fk *FileKeystore) readEntry(handle KeyHandle) (*entryRecord, error) {
	data, err := os.ReadFile(fk.entryPath(handle.Service, handle.Alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrHandleNotFound
		}
		return nil, fmt.Errorf("failed to read keystore entry: %w", err)
	}

	var record entryRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse keystore entry: %w", err)
	}
	return &record, nil
}

func (fk *FileKeystore) entryPath(service, alias string) string {
	if service == "" {
		service = "default"
	}
	return filepath.Join(fk.baseDir, sanitize(service), sanitize(alias)+".json")
}

// sanitize keeps aliases from escaping the keystore directory
func sanitize(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", string(os.PathSeparator), "_")
	return replacer.Replace(name)
}
