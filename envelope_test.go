package tresor

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"southwinds.dev/tresor/internal/crypto"
)

func validEnvelope() *Envelope {
	return &Envelope{
		Algorithm:  string(AlgorithmAES256GCM),
		KeyID:      "9f3a1c2e-supply",
		IV:         bytes.Repeat([]byte{0x01}, crypto.NonceSize),
		Tag:        bytes.Repeat([]byte{0x02}, crypto.TagSize),
		Ciphertext: []byte("opaque-bytes"),
		Compressed: true,
	}
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	original := validEnvelope()

	wire, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := UnmarshalEnvelope(wire)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}

	if parsed.Algorithm != original.Algorithm || parsed.KeyID != original.KeyID {
		t.Errorf("header fields changed: %+v", parsed)
	}
	if !bytes.Equal(parsed.IV, original.IV) ||
		!bytes.Equal(parsed.Tag, original.Tag) ||
		!bytes.Equal(parsed.Ciphertext, original.Ciphertext) {
		t.Error("binary fields did not survive the round trip")
	}
	if parsed.Compressed != original.Compressed {
		t.Error("compressed flag did not survive the round trip")
	}
}

func TestEnvelopeWireFieldNames(t *testing.T) {
	wire, err := validEnvelope().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err = json.Unmarshal(wire, &raw); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	for _, field := range []string{"algorithm", "key_id", "iv", "tag", "ciphertext", "compressed"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("wire form missing field %q", field)
		}
	}
}

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Envelope)
		want string
	}{
		{"missing algorithm", func(e *Envelope) { e.Algorithm = "" }, "algorithm"},
		{"missing key id", func(e *Envelope) { e.KeyID = "" }, "key id"},
		{"short iv", func(e *Envelope) { e.IV = e.IV[:4] }, "iv"},
		{"short tag", func(e *Envelope) { e.Tag = e.Tag[:4] }, "tag"},
		{"empty ciphertext", func(e *Envelope) { e.Ciphertext = nil }, "ciphertext"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEnvelope()
			tc.mod(e)
			err := e.Validate()
			if err == nil {
				t.Fatal("Validate accepted a broken envelope")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte("{not json")); err == nil {
		t.Fatal("UnmarshalEnvelope accepted malformed input")
	}
	if _, err := UnmarshalEnvelope([]byte(`{"algorithm":"AES-256-GCM"}`)); err == nil {
		t.Fatal("UnmarshalEnvelope accepted a structurally invalid envelope")
	}
}

func TestCompressionRoundTripThroughCore(t *testing.T) {
	c, _, _ := newTestCore(t)

	if _, err := c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	// well above the default threshold and highly compressible
	plaintext := bytes.Repeat([]byte("configuration-block/"), 200)
	envelope, err := c.Encrypt(plaintext, "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !envelope.Compressed {
		t.Error("large payload was not compressed")
	}
	if len(envelope.Ciphertext) >= len(plaintext) {
		t.Errorf("ciphertext %d bytes, expected smaller than %d", len(envelope.Ciphertext), len(plaintext))
	}

	decrypted, err := c.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("compressed round trip corrupted the payload")
	}
}
