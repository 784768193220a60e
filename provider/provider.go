// Package provider abstracts the key-custody backends the core can delegate
// to: cloud KMS services, a networked vault, or a local software HSM. The
// registry holds the configured backends with their capabilities, health and
// priority, and selects an active backend per operation. Selection fails
// closed: if no active provider advertises a required capability the
// operation does not proceed.
package provider

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a key-custody backend
type Kind string

const (
	KindCloudKMS Kind = "cloud-kms"
	KindVault    Kind = "vault"
	KindLocalHSM Kind = "local-hsm"
)

// Status is the operational state of a provider
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// Capability names an operation a provider can perform
type Capability string

const (
	CapEncrypt  Capability = "encrypt"
	CapDecrypt  Capability = "decrypt"
	CapSign     Capability = "sign"
	CapVerify   Capability = "verify"
	CapGenerate Capability = "generate"
	CapRotate   Capability = "rotate"
	CapBackup   Capability = "backup"
)

var (
	// ErrNoCapableProvider means no active backend advertises the requested
	// capability
	ErrNoCapableProvider = errors.New("no capable provider")

	// ErrUnavailable marks a timeout or health failure on a backend call
	ErrUnavailable = errors.New("provider unavailable")

	ErrNotRegistered = errors.New("provider not registered")
)

// Endpoint carries the reachable surface of a provider and its observed
// health characteristics.
type Endpoint struct {
	Region     string        `json:"region,omitempty"`
	LastHealth time.Time     `json:"last_health,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	Healthy    bool          `json:"healthy"`
}

// Credentials is an opaque authentication handle. It is deliberately not
// serializable and renders redacted wherever it is printed.
type Credentials struct {
	handle string
}

func NewCredentials(handle string) Credentials {
	return Credentials{handle: handle}
}

// Handle exposes the raw handle to the provider implementation that owns it.
func (c Credentials) Handle() string { return c.handle }

func (c Credentials) String() string { return "[redacted]" }

func (c Credentials) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// Info is the externally visible description of a provider. It never
// includes credentials.
type Info struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	Status       Status       `json:"status"`
	Priority     int          `json:"priority"`
	Default      bool         `json:"default"`
	Capabilities []Capability `json:"capabilities"`
	Endpoint     Endpoint     `json:"endpoint"`
}

// Has reports whether the provider advertises the capability.
func (i Info) Has(capability Capability) bool {
	for _, c := range i.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Provider is a configured key-custody backend. All calls that may touch the
// network take a context and must respect its deadline; the registry treats
// deadline expiry as ErrUnavailable and moves to the next backend in
// priority order.
type Provider interface {
	// ID returns the stable provider identifier
	ID() string

	// Describe returns the provider's static description. Status and
	// endpoint health are maintained by the registry, not the provider.
	Describe() Info

	// GenerateKey returns fresh key material of the given byte length
	GenerateKey(ctx context.Context, size int) ([]byte, error)

	// HealthCheck probes the backend
	HealthCheck(ctx context.Context) error

	// Close releases backend resources
	Close() error
}
