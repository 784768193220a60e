package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"southwinds.dev/tresor/internal/crypto"
	"southwinds.dev/tresor/internal/misc"
)

// FileSystemStore implements Store for the local filesystem with
// optimistic concurrency control. Layout under the base path:
//
//	basePath/
//	├── store.json        # store configuration and structure version
//	├── keys.meta         # encrypted keyring + key metadata
//	├── derivation.salt   # key derivation salt
//	└── secrets.meta      # encrypted secrets + secret metadata
type FileSystemStore struct {
	basePath    string
	storeConfig string
	keysMeta    string
	storeSalt   string
	secretsMeta string
}

// storeManifest records the store layout version for future migrations
type storeManifest struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required for filesystem store")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		storeConfig: filepath.Join(basePath, "store.json"),
		keysMeta:    filepath.Join(basePath, "keys.meta"),
		storeSalt:   filepath.Join(basePath, "derivation.salt"),
		secretsMeta: filepath.Join(basePath, "secrets.meta"),
	}

	if err := os.MkdirAll(basePath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	if err := fs.initializeManifest(); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeManifest() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		manifest := storeManifest{
			Version:    "1.0.0",
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, misc.FilePermissions)
	}
	return nil
}

// SaveKeysData with optimistic concurrency control
func (fs *FileSystemStore) SaveKeysData(encryptedKeysData []byte, expectedVersion string) (string, error) {
	return fs.saveVersioned(fs.keysMeta, encryptedKeysData, expectedVersion, "SaveKeysData")
}

// LoadKeysData returns the versioned key collection blob
func (fs *FileSystemStore) LoadKeysData() (*VersionedData, error) {
	return fs.loadVersioned(fs.keysMeta, "key data")
}

func (fs *FileSystemStore) KeysDataExists() (bool, error) {
	return fileExists(fs.keysMeta)
}

// SaveSalt with optimistic concurrency control
func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return fs.saveVersioned(fs.storeSalt, saltData, expectedVersion, "SaveSalt")
}

func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	return fs.loadVersioned(fs.storeSalt, "salt")
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.storeSalt)
}

// SaveSecretsData with optimistic concurrency control
func (fs *FileSystemStore) SaveSecretsData(encryptedSecretsData []byte, expectedVersion string) (string, error) {
	return fs.saveVersioned(fs.secretsMeta, encryptedSecretsData, expectedVersion, "SaveSecretsData")
}

func (fs *FileSystemStore) LoadSecretsData() (*VersionedData, error) {
	return fs.loadVersioned(fs.secretsMeta, "secrets data")
}

func (fs *FileSystemStore) SecretsDataExists() (bool, error) {
	return fileExists(fs.secretsMeta)
}

func (fs *FileSystemStore) Ping() error {
	// Local filesystem: check the base path is still reachable
	if _, err := os.Stat(fs.basePath); err != nil {
		return fmt.Errorf("store path unreachable: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) saveVersioned(path string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConflictError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := writeSecureFile(path, data, misc.FilePermissions); err != nil {
		return "", err
	}

	return calculateVersion(data), nil
}

func (fs *FileSystemStore) loadVersioned(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) getFileVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

func calculateVersion(data []byte) string {
	return crypto.Checksum(data)
}

// writeSecureFile writes atomically: temp file in the target directory,
// sync, then rename over the destination.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
