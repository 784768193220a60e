package tresor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/persist"
	"southwinds.dev/tresor/provider"
)

func TestGenerateKeyDefaults(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if meta.Algorithm != AlgorithmAES256GCM {
		t.Errorf("algorithm = %s, want %s", meta.Algorithm, AlgorithmAES256GCM)
	}
	if meta.Bits != 256 {
		t.Errorf("bits = %d, want 256", meta.Bits)
	}
	if meta.Status != KeyStatusActive {
		t.Errorf("status = %s, want active", meta.Status)
	}
	if meta.Checksum == "" {
		t.Error("checksum not recorded")
	}
	if meta.ProviderID == "" {
		t.Error("provider not recorded")
	}

	active, err := c.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.KeyID != meta.KeyID {
		t.Errorf("active key = %s, want %s", active.KeyID, meta.KeyID)
	}
}

func TestGenerateSecondKeyKeepsFirstActive(t *testing.T) {
	c, _, _ := newTestCore(t)

	first, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey first: %v", err)
	}
	if _, err = c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey second: %v", err)
	}

	active, err := c.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.KeyID != first.KeyID {
		t.Errorf("active key changed to %s, want %s", active.KeyID, first.KeyID)
	}
}

func TestResolveAlgorithm(t *testing.T) {
	cases := []struct {
		name      string
		algorithm Algorithm
		bits      int
		want      Algorithm
		wantBits  int
		wantErr   bool
	}{
		{"defaults", "", 0, AlgorithmAES256GCM, 256, false},
		{"bits only 128", "", 128, AlgorithmAES128GCM, 128, false},
		{"bits only 192", "", 192, AlgorithmAES192GCM, 192, false},
		{"algorithm only", AlgorithmChaCha20, 0, AlgorithmChaCha20, 256, false},
		{"matching pair", AlgorithmAES192GCM, 192, AlgorithmAES192GCM, 192, false},
		{"mismatched pair", AlgorithmAES256GCM, 128, "", 0, true},
		{"unknown bits", "", 512, "", 0, true},
		{"unknown algorithm", "RC4", 0, "", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			algorithm, bits, err := resolveAlgorithm(tc.algorithm, tc.bits)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveAlgorithm: %v", err)
			}
			if algorithm != tc.want || bits != tc.wantBits {
				t.Errorf("resolved (%s, %d), want (%s, %d)", algorithm, bits, tc.want, tc.wantBits)
			}
		})
	}
}

func TestRotateKeyDeactivatesOld(t *testing.T) {
	c, _, _ := newTestCore(t)

	old, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	rotated, err := c.RotateKey(old.KeyID)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	keys, err := c.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	statuses := make(map[string]KeyStatus, len(keys))
	for _, k := range keys {
		statuses[k.KeyID] = k.Status
	}
	if statuses[old.KeyID] != KeyStatusInactive {
		t.Errorf("old key status = %s, want inactive", statuses[old.KeyID])
	}
	if statuses[rotated.KeyID] != KeyStatusActive {
		t.Errorf("new key status = %s, want active", statuses[rotated.KeyID])
	}

	for _, k := range keys {
		if k.KeyID == old.KeyID && k.DeactivatedAt == nil {
			t.Error("old key has no deactivation timestamp")
		}
	}
}

func TestRotateUnknownKey(t *testing.T) {
	c, _, _ := newTestCore(t)

	if _, err := c.RotateKey("no-such-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("RotateKey error = %v, want ErrKeyNotFound", err)
	}
}

func TestRetireRefusesActiveKey(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if err = c.RetireKey(meta.KeyID); err == nil {
		t.Fatal("RetireKey accepted the active key")
	}

	if _, err = c.RotateKey(meta.KeyID); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if err = c.RetireKey(meta.KeyID); err != nil {
		t.Fatalf("RetireKey after rotation: %v", err)
	}

	// metadata survives retirement, material does not
	keys, err := c.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	found := false
	for _, k := range keys {
		if k.KeyID == meta.KeyID {
			found = true
			if k.Status != KeyStatusRetired {
				t.Errorf("retired key status = %s", k.Status)
			}
		}
	}
	if !found {
		t.Error("retired key metadata dropped from listing")
	}
}

func TestRetireIsIdempotent(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err = c.RotateKey(meta.KeyID); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if err = c.RetireKey(meta.KeyID); err != nil {
		t.Fatalf("RetireKey: %v", err)
	}
	if err = c.RetireKey(meta.KeyID); err != nil {
		t.Fatalf("second RetireKey: %v", err)
	}
}

func TestUsageCountersTrackOperations(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var envelope *Envelope
	for i := 0; i < 3; i++ {
		envelope, err = c.Encrypt([]byte("countable payload"), "payments")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
	}
	if _, err = c.Decrypt(envelope); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	active, err := c.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.KeyID != meta.KeyID {
		t.Fatalf("unexpected active key %s", active.KeyID)
	}
	if active.Usage.EncryptCount != 3 {
		t.Errorf("encrypt count = %d, want 3", active.Usage.EncryptCount)
	}
	if active.Usage.DecryptCount != 1 {
		t.Errorf("decrypt count = %d, want 1", active.Usage.DecryptCount)
	}
}

func TestKeyringSurvivesReopen(t *testing.T) {
	store := persist.NewMemoryStore()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c, err := New(testOptions(), store, audit.NewMemoryLogger(), nil, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	envelope, err := c.Encrypt([]byte("persistent payload"), "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err = c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(testOptions(), store, audit.NewMemoryLogger(), nil, mock)
	if err != nil {
		t.Fatalf("New after close: %v", err)
	}
	defer reopened.Close()

	active, err := reopened.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey after reopen: %v", err)
	}
	if active.KeyID != meta.KeyID {
		t.Errorf("active key = %s, want %s", active.KeyID, meta.KeyID)
	}

	decrypted, err := reopened.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt after reopen: %v", err)
	}
	if string(decrypted) != "persistent payload" {
		t.Errorf("unexpected plaintext %q", decrypted)
	}
}

// flakyProvider serves key material until told to fail
type flakyProvider struct {
	id string

	mu   sync.Mutex
	fail bool
}

func (p *flakyProvider) setFailing(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *flakyProvider) failing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail
}

func (p *flakyProvider) ID() string { return p.id }

func (p *flakyProvider) Describe() provider.Info {
	return provider.Info{
		ID:           p.id,
		Kind:         provider.KindLocalHSM,
		Priority:     1,
		Capabilities: []provider.Capability{provider.CapGenerate, provider.CapEncrypt, provider.CapDecrypt},
	}
}

func (p *flakyProvider) GenerateKey(ctx context.Context, size int) ([]byte, error) {
	if p.failing() {
		return nil, fmt.Errorf("hsm session lost")
	}
	material := make([]byte, size)
	for i := range material {
		material[i] = byte(i*7 + 3)
	}
	return material, nil
}

func (p *flakyProvider) HealthCheck(ctx context.Context) error {
	if p.failing() {
		return fmt.Errorf("unreachable")
	}
	return nil
}

func (p *flakyProvider) Close() error { return nil }

func TestRotateKeyProviderFailureKeepsOldActive(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	hsm := &flakyProvider{id: "hsm-east"}
	registry := provider.NewRegistry(mock)
	if err := registry.Register(hsm); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c, err := New(testOptions(), persist.NewMemoryStore(), audit.NewMemoryLogger(), registry, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	hsm.setFailing(true)
	if _, err = c.RotateKey(meta.KeyID); err == nil {
		t.Fatal("expected rotation to fail when no provider can generate")
	}

	// the old key is still the active key and usable
	active, err := c.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.KeyID != meta.KeyID {
		t.Errorf("active key = %s, want %s", active.KeyID, meta.KeyID)
	}
	if active.Status != KeyStatusActive {
		t.Errorf("status = %s, want %s", active.Status, KeyStatusActive)
	}
	if _, err = c.Encrypt([]byte("payload"), "payments"); err != nil {
		t.Errorf("Encrypt after failed rotation: %v", err)
	}

	// a later attempt with a healthy provider is not blocked by the failure
	hsm.setFailing(false)
	if _, err = c.RotateKey(meta.KeyID); err != nil {
		t.Errorf("RotateKey after recovery: %v", err)
	}
}

func TestRotateKeyAuditFailureRollsBack(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	trail := &failingAudit{MemoryLogger: audit.NewMemoryLogger(), failAction: "KEY_ROTATE_COMPLETED"}

	c, err := New(testOptions(), persist.NewMemoryStore(), trail, nil, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	envelope, err := c.Encrypt([]byte("payload"), "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err = c.RotateKey(meta.KeyID); !errors.Is(err, ErrAuditWriteFailed) {
		t.Fatalf("RotateKey error = %v, want ErrAuditWriteFailed", err)
	}

	// the rotation was rolled back: the old key is active and the
	// replacement is gone
	active, err := c.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.KeyID != meta.KeyID {
		t.Errorf("active key = %s, want %s", active.KeyID, meta.KeyID)
	}
	keys, err := c.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("keys = %d, want 1 after rollback", len(keys))
	}

	decrypted, err := c.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt after rollback: %v", err)
	}
	if string(decrypted) != "payload" {
		t.Errorf("unexpected plaintext %q", decrypted)
	}
}
