package tresor

import (
	"fmt"
	"time"

	"southwinds.dev/tresor/internal/misc"
)

// Options configures a Core instance.
//
// Security-critical fields (passphrase, salt) carry `json:"-"` so they can
// never leak through configuration dumps or logs; they are supplied through
// secure channels at construction time, or indirectly via EnvPassphraseVar.
// Everything else is plain operational configuration and safe to serialize.
type Options struct {
	// DerivationPassphrase is the master passphrase for the store-encryption
	// derivation key. Never serialized, never logged. When empty the
	// passphrase is read from the environment variable named by
	// EnvPassphraseVar.
	DerivationPassphrase string `json:"-"`

	// DerivationSalt seeds key derivation. When nil a fresh random salt is
	// generated on first initialization and persisted next to the data it
	// protects. Never serialized.
	DerivationSalt []byte `json:"-"`

	// EnvPassphraseVar names the environment variable holding the
	// passphrase, avoiding command-line and config-file exposure
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock requests mlock of process memory so key material
	// cannot be swapped to disk. Best effort: lack of privilege degrades
	// to enclave-only protection rather than failing startup.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// DefaultProviderID selects the preferred custody backend. Empty means
	// the registry default (lowest priority value wins).
	DefaultProviderID string `json:"default_provider_id,omitempty"`

	// ProviderCallTimeout bounds every provider backend call. Expiry is
	// treated as provider unavailability and triggers fallback.
	ProviderCallTimeout time.Duration `json:"provider_call_timeout,omitempty"`

	// ProviderHealthInterval is how often registered providers are health
	// checked in the background. Zero disables the health loop.
	ProviderHealthInterval time.Duration `json:"provider_health_interval,omitempty"`

	// KeyRotationInterval is the age at which the scheduler considers an
	// active key due for rotation. Zero disables scheduled key rotation.
	KeyRotationInterval time.Duration `json:"key_rotation_interval,omitempty"`

	// SchedulerInterval is how often the rotation scheduler polls for due
	// entities. Zero disables the background scheduler.
	SchedulerInterval time.Duration `json:"scheduler_interval,omitempty"`

	// CategoryPolicies declares the known secret categories. Secrets created
	// under an undeclared category inherit a manual-rotation,
	// encryption-required default.
	CategoryPolicies []CategoryPolicy `json:"category_policies,omitempty"`

	// AuditRetentionDays bounds how long audit events are kept before
	// pruning. Zero keeps events forever.
	AuditRetentionDays int `json:"audit_retention_days,omitempty"`

	// RequireBiometric demands biometric presence for device keystore
	// retrievals performed on behalf of the core
	RequireBiometric bool `json:"require_biometric,omitempty"`

	// CompressionThreshold is the plaintext size in bytes at or above which
	// payloads are compressed before encryption. Zero selects the default.
	CompressionThreshold int `json:"compression_threshold,omitempty"`
}

// DefaultOptions returns a configuration suitable for local development
func DefaultOptions() Options {
	return Options{
		EnableMemoryLock:       true,
		ProviderCallTimeout:    5 * time.Second,
		ProviderHealthInterval: time.Minute,
		SchedulerInterval:      time.Minute,
		CompressionThreshold:   misc.CompressionThreshold,
	}
}

// Validate checks the configuration for structural problems. Passphrase
// presence is checked at construction time, after the environment variable
// indirection is resolved.
func (o Options) Validate() error {
	if o.DerivationSalt != nil && len(o.DerivationSalt) < misc.SaltSize {
		return fmt.Errorf("derivation salt must be at least %d bytes, got %d", misc.SaltSize, len(o.DerivationSalt))
	}
	if o.ProviderCallTimeout < 0 {
		return fmt.Errorf("provider call timeout cannot be negative")
	}
	if o.ProviderHealthInterval < 0 {
		return fmt.Errorf("provider health interval cannot be negative")
	}
	if o.KeyRotationInterval < 0 {
		return fmt.Errorf("key rotation interval cannot be negative")
	}
	if o.AuditRetentionDays < 0 {
		return fmt.Errorf("audit retention days cannot be negative")
	}
	if o.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold cannot be negative")
	}
	seen := make(map[string]bool, len(o.CategoryPolicies))
	for _, policy := range o.CategoryPolicies {
		if policy.Name == "" {
			return fmt.Errorf("category policy requires a name")
		}
		if seen[policy.Name] {
			return fmt.Errorf("duplicate category policy: %s", policy.Name)
		}
		seen[policy.Name] = true
		switch policy.Rotation {
		case RotationAutomatic:
			if policy.RotationInterval <= 0 {
				return fmt.Errorf("category %s: automatic rotation requires a positive interval", policy.Name)
			}
		case RotationManual, RotationDisabled, "":
		default:
			return fmt.Errorf("category %s: unknown rotation mode %q", policy.Name, policy.Rotation)
		}
		switch policy.Format {
		case FormatToken, FormatCredential, "":
		default:
			return fmt.Errorf("category %s: unknown value format %q", policy.Name, policy.Format)
		}
	}
	return nil
}

// compressionThreshold resolves the effective threshold
func (o Options) compressionThreshold() int {
	if o.CompressionThreshold > 0 {
		return o.CompressionThreshold
	}
	return misc.CompressionThreshold
}

// retentionFor resolves the retention window in days for a key serving the
// given purposes. The longest declared window wins; zero means material is
// kept indefinitely.
func (o Options) retentionFor(purposes []string) int {
	retention := 0
	for _, policy := range o.CategoryPolicies {
		if policy.RetentionDays <= retention {
			continue
		}
		for _, p := range purposes {
			if policy.purpose() == p {
				retention = policy.RetentionDays
				break
			}
		}
	}
	return retention
}

// policyFor returns the category policy, falling back to a conservative
// default for undeclared categories.
func (o Options) policyFor(category string) CategoryPolicy {
	for _, policy := range o.CategoryPolicies {
		if policy.Name == category {
			return policy
		}
	}
	return CategoryPolicy{
		Name:               category,
		EncryptionRequired: true,
		Rotation:           RotationManual,
		Format:             FormatToken,
	}
}
