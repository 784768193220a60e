package tresor

import (
	"encoding/json"
	"fmt"

	"southwinds.dev/tresor/internal/crypto"
)

// Envelope is the encrypted payload wire format. It is the one byte-exact
// contract that must round-trip across Encrypt/Decrypt regardless of the
// implementation on the other side: a JSON object with exactly these fields,
// binary members base64-encoded by the codec.
//
// The key ID travels inside the envelope so decryption can select the right
// key after rotation. The IV is fresh per operation and never reused for a
// key.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
	Compressed bool   `json:"compressed"`
}

// Marshal serializes the envelope to its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates a wire-form envelope. Malformed
// input is reported as a decryption failure so callers never treat a
// corrupted envelope as retryable.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return &e, nil
}

// Validate checks the structural invariants of an envelope.
func (e *Envelope) Validate() error {
	if e.Algorithm == "" {
		return fmt.Errorf("envelope missing algorithm")
	}
	if e.KeyID == "" {
		return fmt.Errorf("envelope missing key id")
	}
	if len(e.IV) != crypto.NonceSize {
		return fmt.Errorf("envelope iv must be %d bytes, got %d", crypto.NonceSize, len(e.IV))
	}
	if len(e.Tag) != crypto.TagSize {
		return fmt.Errorf("envelope tag must be %d bytes, got %d", crypto.TagSize, len(e.Tag))
	}
	if len(e.Ciphertext) == 0 {
		return fmt.Errorf("envelope missing ciphertext")
	}
	return nil
}
