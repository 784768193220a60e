package provider

import (
	"context"
	"crypto/rand"
	"fmt"

	"southwinds.dev/tresor/internal/crypto"
)

// Local is the in-process software custody backend. It generates key
// material from the platform CSPRNG and advertises the full capability set.
// It is always healthy and is the usual default and last-resort fallback
// behind cloud backends.
type Local struct {
	id       string
	kind     Kind
	priority int
	creds    Credentials
	closed   bool
}

// LocalConfig configures a Local provider
type LocalConfig struct {
	ID       string
	Kind     Kind // defaults to KindVault (local software vault)
	Priority int
	Default  bool
	Region   string
}

// NewLocal creates a local software provider.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.ID == "" {
		cfg.ID = "local"
	}
	if cfg.Kind == "" {
		cfg.Kind = KindVault
	}
	return &Local{
		id:       cfg.ID,
		kind:     cfg.Kind,
		priority: cfg.Priority,
	}
}

func (l *Local) ID() string { return l.id }

func (l *Local) Describe() Info {
	return Info{
		ID:       l.id,
		Kind:     l.kind,
		Status:   StatusActive,
		Priority: l.priority,
		Capabilities: []Capability{
			CapEncrypt, CapDecrypt, CapSign, CapVerify,
			CapGenerate, CapRotate, CapBackup,
		},
	}
}

func (l *Local) GenerateKey(ctx context.Context, size int) ([]byte, error) {
	if l.closed {
		return nil, fmt.Errorf("provider %s is closed", l.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid key size: %d", size)
	}

	material := make([]byte, size)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if crypto.IsWeakKey(material) {
		return nil, fmt.Errorf("generated key failed entropy check")
	}
	return material, nil
}

func (l *Local) HealthCheck(ctx context.Context) error {
	if l.closed {
		return fmt.Errorf("provider %s is closed", l.id)
	}
	return ctx.Err()
}

func (l *Local) Close() error {
	l.closed = true
	return nil
}
