// Package tresor implements the key and secret management core: generation,
// envelope encryption, rotation, retirement and auditing of cryptographic
// keys and application secrets on top of pluggable key-custody providers and
// storage backends.
//
// The core is a constructible service object with injected dependencies
// (provider registry, storage backend, audit logger, clock); there is no
// process-global state and tests drive a virtual clock.
package tresor

import (
	"time"

	"southwinds.dev/tresor/provider"
)

// KeyStatus tracks the lifecycle of an encryption key
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusRotating KeyStatus = "rotating"
	KeyStatusInactive KeyStatus = "inactive" // decrypt-only until retention elapses
	KeyStatusRetired  KeyStatus = "retired"
)

// SecretStatus tracks the lifecycle of a managed secret
type SecretStatus string

const (
	SecretStatusActive   SecretStatus = "active"
	SecretStatusRotating SecretStatus = "rotating"
	SecretStatusExpired  SecretStatus = "expired"
	SecretStatusDeleted  SecretStatus = "deleted"
)

// Algorithm identifies an AEAD cipher suite. Encryption without an integrity
// tag is not a supported mode.
type Algorithm string

const (
	AlgorithmAES256GCM Algorithm = "AES-256-GCM"
	AlgorithmAES192GCM Algorithm = "AES-192-GCM"
	AlgorithmAES128GCM Algorithm = "AES-128-GCM"
	AlgorithmChaCha20  Algorithm = "ChaCha20-Poly1305"
)

// KeySize returns the key length in bytes for the algorithm, or 0 when the
// algorithm is unknown. Sizes are specified in bits (128/192/256) at the API
// surface and converted here.
func (a Algorithm) KeySize() int {
	switch a {
	case AlgorithmAES256GCM, AlgorithmChaCha20:
		return 32
	case AlgorithmAES192GCM:
		return 24
	case AlgorithmAES128GCM:
		return 16
	default:
		return 0
	}
}

// AlgorithmForBits maps a bit size to the default AEAD suite for that size.
func AlgorithmForBits(bits int) (Algorithm, bool) {
	switch bits {
	case 256:
		return AlgorithmAES256GCM, true
	case 192:
		return AlgorithmAES192GCM, true
	case 128:
		return AlgorithmAES128GCM, true
	default:
		return "", false
	}
}

// RotationMode declares how a secret category rotates
type RotationMode string

const (
	RotationAutomatic RotationMode = "automatic"
	RotationManual    RotationMode = "manual"
	RotationDisabled  RotationMode = "disabled"
)

// ValueFormat drives auto-generation of replacement values during rotation
type ValueFormat string

const (
	// FormatToken generates an opaque random token
	FormatToken ValueFormat = "token"
	// FormatCredential generates a structured credential string with mixed
	// character classes
	FormatCredential ValueFormat = "credential"
)

// CategoryPolicy declares the policy a secret inherits from its category:
// whether encryption is required, how and when the secret rotates, how long
// retired material is retained, and which access scopes a reader must hold.
type CategoryPolicy struct {
	Name               string        `json:"name"`
	EncryptionRequired bool          `json:"encryption_required"`
	Rotation           RotationMode  `json:"rotation"`
	RotationInterval   time.Duration `json:"rotation_interval,omitempty"`
	RetentionDays      int           `json:"retention_days"`
	RequiredScopes     []string      `json:"required_scopes,omitempty"`
	Format             ValueFormat   `json:"format"`

	// Purpose names the key purpose used to wrap this category's data keys.
	// Defaults to the category name.
	Purpose string `json:"purpose,omitempty"`
}

func (p CategoryPolicy) purpose() string {
	if p.Purpose != "" {
		return p.Purpose
	}
	return p.Name
}

// KeyUsage is a snapshot of a key's operation counters. Counters increment
// atomically on every crypto operation referencing the key and feed both
// rotation triggers and anomaly signals.
type KeyUsage struct {
	EncryptCount int64 `json:"encrypt_count"`
	DecryptCount int64 `json:"decrypt_count"`
	SignCount    int64 `json:"sign_count"`
	VerifyCount  int64 `json:"verify_count"`
}

// KeyMetadata describes an encryption key without exposing its material. The
// checksum allows integrity verification of the material without revealing
// it; the raw bytes live only in a memory enclave and are never serialized.
type KeyMetadata struct {
	KeyID         string     `json:"key_id"`
	Name          string     `json:"name,omitempty"`
	Algorithm     Algorithm  `json:"algorithm"`
	Bits          int        `json:"bits"`
	Status        KeyStatus  `json:"status"`
	Purposes      []string   `json:"purposes"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	Checksum      string     `json:"checksum"`
	Usage         KeyUsage   `json:"usage"`
	ProviderID    string     `json:"provider_id,omitempty"`
}

// SecretMetadata describes a managed secret. The plaintext value is never a
// field here: it exists only transiently inside a SecretResult during
// decrypt-on-read.
type SecretMetadata struct {
	SecretID      string       `json:"secret_id"`
	Name          string       `json:"name"`
	Category      string       `json:"category"`
	Version       int          `json:"version"`
	Status        SecretStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	Checksum      string       `json:"checksum"`
	Size          int          `json:"size"`
	Format        ValueFormat  `json:"format,omitempty"`
	KeyID         string       `json:"key_id"`
	ProviderID    string       `json:"provider_id,omitempty"`
	RotationCount int          `json:"rotation_count"`
	AccessCount   int64        `json:"access_count"`
	LastAccessed  *time.Time   `json:"last_accessed,omitempty"`
	Scopes        []string     `json:"scopes,omitempty"`
}

// SecretResult carries a decrypted read. Data is transient: the core holds no
// reference to it after return, and the caller is responsible for not
// persisting it. Version binds the plaintext to the version that produced it
// so consumers can detect staleness after a rotation and re-fetch.
type SecretResult struct {
	Metadata      *SecretMetadata
	Data          []byte
	Version       int
	UsedActiveKey bool
}

// GetSecretOptions controls a secret read
type GetSecretOptions struct {
	// Decrypt selects a decrypting read. When false the result carries
	// metadata only: no key operation is performed and no decrypt audit
	// event is recorded.
	Decrypt bool

	// Actor identifies the caller for audit and scope checks
	Actor string

	// Scopes held by the caller, checked against the category policy
	Scopes []string
}

// SecretListOptions filters a metadata listing
type SecretListOptions struct {
	Prefix   string
	Category string
	Status   SecretStatus
	Limit    int
	Offset   int
}

// HealthStatus is the aggregate health report of the core
type HealthStatus struct {
	Providers []provider.Info `json:"providers"`
	Keys      int             `json:"keys"`
	Secrets   int             `json:"secrets"`
}

// CoreService is the operation surface consumed by the proof workflow and by
// administrative tooling.
type CoreService interface {
	// Secrets
	CreateSecret(name string, value []byte, category string, ttl *time.Duration) (*SecretMetadata, error)
	GetSecret(secretID string, opts GetSecretOptions) (*SecretResult, error)
	RotateSecret(secretID string, newValue []byte) (*SecretMetadata, error)
	DeleteSecret(secretID string) error
	ListSecrets(opts *SecretListOptions) ([]*SecretMetadata, error)

	// Raw crypto operations
	Encrypt(plaintext []byte, purpose string) (*Envelope, error)
	Decrypt(envelope *Envelope) ([]byte, error)

	// Keys
	GenerateKey(purpose string, algorithm Algorithm, bits int) (*KeyMetadata, error)
	ActiveKey(purpose string) (*KeyMetadata, error)
	RotateKey(keyID string) (*KeyMetadata, error)
	RetireKey(keyID string) error
	ListKeys() ([]KeyMetadata, error)

	// Operations
	Health() (*HealthStatus, error)
	Close() error
}
