package persist

import (
	"fmt"
	"time"
)

// VersionedData represents a stored blob with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash, acts as an ETag
	Timestamp time.Time
}

// Store defines the interface for persisting core data. All blobs passed
// through this interface are already encrypted by the layer above; stores
// only move opaque bytes. Save operations take the caller's expected
// version and fail with ConflictError when someone else wrote in between
// (optimistic concurrency). An empty expected version means
// "create or overwrite unconditionally".
type Store interface {

	// Key collection (encrypted keyring + key metadata)

	SaveKeysData(encryptedKeysData []byte, expectedVersion string) (newVersion string, err error)
	LoadKeysData() (*VersionedData, error)
	KeysDataExists() (bool, error)

	// Derivation salt

	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)
	LoadSalt() (*VersionedData, error)
	SaltExists() (bool, error)

	// Secret collection (ciphertext + secret metadata)

	SaveSecretsData(encryptedSecretsData []byte, expectedVersion string) (newVersion string, err error)
	LoadSecretsData() (*VersionedData, error)
	SecretsDataExists() (bool, error)

	// Health and utilities

	// Ping tests connectivity for remote backends
	Ping() error

	// Close closes the store and releases any resources it holds
	Close() error

	// GetType retrieves the type of store being used
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
// Type selects the backend; Config carries backend-specific settings,
// e.g. {"base_path": "/var/lib/tresor"} for the filesystem store or
// {"endpoint": ..., "bucket": ...} for S3.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeMemory     StoreType = "memory"
)

// ConflictError represents version conflict errors
type ConflictError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConflictError) IsConflictError() bool {
	return true
}
