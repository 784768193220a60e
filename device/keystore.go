// Package device abstracts platform keystores (Android Keystore, iOS
// Keychain, TPM-backed stores) behind a capability interface. Callers hold
// opaque handles; key material stays inside the backing store and is only
// ever exchanged with the store itself, never with the rest of the system.
package device

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleNotFound signals that the requested alias does not exist
	// in the backing store
	ErrHandleNotFound = errors.New("device keystore: handle not found")

	// ErrBiometricRequired signals that the entry demands biometric
	// presence and the caller did not assert it
	ErrBiometricRequired = errors.New("device keystore: biometric authentication required")
)

// Backing identifies the hardware isolation level of a keystore entry
type Backing string

const (
	BackingSecureEnclave Backing = "secure-enclave"
	BackingTEE           Backing = "tee"
	BackingStrongBox     Backing = "strongbox"
	BackingNone          Backing = "none"
)

// Capabilities describes what a keystore implementation can actually do
// on the current platform. Callers must check HardwareBacked before
// trusting an entry with material that must not leave hardware.
type Capabilities struct {
	HardwareBacked     bool    `json:"hardware_backed"`
	Backing            Backing `json:"backing"`
	BiometricSupport   bool    `json:"biometric_support"`
	StrongBoxAvailable bool    `json:"strongbox_available"`
}

// KeyHandle is the caller-visible reference to a keystore entry. It
// carries no key material; Alias plus Service locate the entry in the
// backing store.
type KeyHandle struct {
	Platform  string  `json:"platform"`
	Service   string  `json:"service"`
	Alias     string  `json:"alias"`
	Biometric bool    `json:"biometric"`
	Backing   Backing `json:"backing"`
}

func (h KeyHandle) String() string {
	return fmt.Sprintf("%s/%s/%s", h.Platform, h.Service, h.Alias)
}

// StoreOptions controls how an entry is created
type StoreOptions struct {
	Service          string
	RequireBiometric bool
}

// RetrieveOptions asserts the authentication context for a retrieval
type RetrieveOptions struct {
	BiometricAsserted bool
}

// Keystore is the platform keystore contract. Implementations own the
// key bytes: Store copies them in, Retrieve copies them out, and nothing
// above this interface retains them.
type Keystore interface {
	// Store places material under alias and returns the handle for it.
	// Storing over an existing alias replaces the entry.
	Store(alias string, material []byte, opts StoreOptions) (KeyHandle, error)

	// Retrieve returns the material for a handle. Entries stored with
	// RequireBiometric fail with ErrBiometricRequired unless the caller
	// asserts biometric presence.
	Retrieve(handle KeyHandle, opts RetrieveOptions) ([]byte, error)

	// Delete removes the entry. Deleting a missing entry returns
	// ErrHandleNotFound.
	Delete(handle KeyHandle) error

	// Capabilities reports what this store supports on this platform
	Capabilities() Capabilities
}
