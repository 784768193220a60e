package tresor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/device"
	"southwinds.dev/tresor/persist"
	"southwinds.dev/tresor/provider"
)

func testOptions() Options {
	return Options{
		DerivationPassphrase: "unit-test-passphrase",
		CategoryPolicies: []CategoryPolicy{
			{
				Name:               "database",
				EncryptionRequired: true,
				Rotation:           RotationManual,
				RetentionDays:      7,
				Format:             FormatCredential,
				RequiredScopes:     []string{"db:read"},
			},
			{
				Name:               "api-tokens",
				EncryptionRequired: true,
				Rotation:           RotationAutomatic,
				RotationInterval:   time.Hour,
				Format:             FormatToken,
			},
			{
				Name:     "feature-flags",
				Rotation: RotationDisabled,
			},
		},
	}
}

func newTestCore(t *testing.T) (*Core, *audit.MemoryLogger, *clock.Mock) {
	t.Helper()
	return newTestCoreWithStore(t, persist.NewMemoryStore())
}

func newTestCoreWithStore(t *testing.T, store persist.Store) (*Core, *audit.MemoryLogger, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	trail := audit.NewMemoryLogger()

	c, err := New(testOptions(), store, trail, nil, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, trail, mock
}

func eventsFor(trail *audit.MemoryLogger, action string) []audit.Event {
	var matched []audit.Event
	for _, event := range trail.Events() {
		if event.Action == action {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, _, _ := newTestCore(t)

	if _, err := c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	plaintext := []byte("card-4111-1111-1111-1111")
	envelope, err := c.Encrypt(plaintext, "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if envelope.Algorithm != string(AlgorithmAES256GCM) {
		t.Errorf("algorithm = %s, want %s", envelope.Algorithm, AlgorithmAES256GCM)
	}
	if envelope.KeyID == "" {
		t.Error("envelope carries no key id")
	}
	if bytes.Contains(envelope.Ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := c.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("round trip = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptWithoutKeyFails(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.Encrypt([]byte("data"), "no-such-purpose")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Encrypt error = %v, want ErrKeyNotFound", err)
	}
}

func TestDecryptRejectsTamperedEnvelope(t *testing.T) {
	c, _, _ := newTestCore(t)

	if _, err := c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	envelope, err := c.Encrypt([]byte("original payload"), "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	envelope.Ciphertext[0] ^= 0xff
	if _, err = c.Decrypt(envelope); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Decrypt error = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptSurvivesKeyRotation(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	envelope, err := c.Encrypt([]byte("sealed before rotation"), "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	rotated, err := c.RotateKey(meta.KeyID)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if rotated.KeyID == meta.KeyID {
		t.Fatal("rotation did not produce a new key id")
	}

	// the old envelope still opens under the deactivated key
	decrypted, err := c.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if string(decrypted) != "sealed before rotation" {
		t.Errorf("unexpected plaintext %q", decrypted)
	}

	// fresh encrypts pick up the replacement
	fresh, err := c.Encrypt([]byte("sealed after rotation"), "payments")
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	if fresh.KeyID != rotated.KeyID {
		t.Errorf("fresh envelope key = %s, want %s", fresh.KeyID, rotated.KeyID)
	}
}

func TestExactlyOneEventPerOperation(t *testing.T) {
	c, trail, _ := newTestCore(t)

	if _, err := c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	envelope, err := c.Encrypt([]byte("audited payload"), "payments")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err = c.Decrypt(envelope); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	for action, want := range map[string]int{
		"KEY_GENERATE_COMPLETED": 1,
		"ENCRYPT_COMPLETED":      1,
		"DECRYPT_COMPLETED":      1,
	} {
		if got := len(eventsFor(trail, action)); got != want {
			t.Errorf("%s events = %d, want %d", action, got, want)
		}
	}

	report, err := trail.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Valid {
		t.Errorf("audit chain invalid: %s", report.Reason)
	}
}

// failingAudit drops to an error for one action, everything else passes
// through to the in-memory trail.
type failingAudit struct {
	*audit.MemoryLogger
	failAction string
}

func (f *failingAudit) Record(event *audit.Event) error {
	if event.Action == f.failAction {
		return fmt.Errorf("audit backend down")
	}
	return f.MemoryLogger.Record(event)
}

func TestAuditFailureRollsBackSecretCreate(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	trail := &failingAudit{MemoryLogger: audit.NewMemoryLogger(), failAction: "SECRET_CREATE_COMPLETED"}

	c, err := New(testOptions(), persist.NewMemoryStore(), trail, nil, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	_, err = c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	if !errors.Is(err, ErrAuditWriteFailed) {
		t.Fatalf("CreateSecret error = %v, want ErrAuditWriteFailed", err)
	}

	// the write was rolled back, the secret must not exist
	if _, err = c.GetSecret("db-password", GetSecretOptions{}); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("GetSecret after rollback = %v, want ErrSecretNotFound", err)
	}
}

func TestConcurrentKeyRotationConflicts(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	// simulate an in-flight rotation holding the per-key flag
	c.mu.Lock()
	c.rotatingKeys[meta.KeyID] = true
	c.mu.Unlock()

	if _, err = c.RotateKey(meta.KeyID); !errors.Is(err, ErrRotationConflict) {
		t.Fatalf("RotateKey error = %v, want ErrRotationConflict", err)
	}

	c.mu.Lock()
	delete(c.rotatingKeys, meta.KeyID)
	c.mu.Unlock()

	if _, err = c.RotateKey(meta.KeyID); err != nil {
		t.Fatalf("RotateKey after release: %v", err)
	}

	// the purpose is never left without an active key
	active, err := c.ActiveKey("payments")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.Status != KeyStatusActive {
		t.Errorf("active key status = %s", active.Status)
	}
}

func TestProviderFallbackIsAudited(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	trail := audit.NewMemoryLogger()

	registry := provider.NewRegistry(mock, provider.WithCallTimeout(50*time.Millisecond))
	if err := registry.Register(&brokenProvider{id: "hsm-east"}); err != nil {
		t.Fatalf("Register broken: %v", err)
	}
	if err := registry.Register(provider.NewLocal(provider.LocalConfig{Default: true, Priority: 10})); err != nil {
		t.Fatalf("Register local: %v", err)
	}

	c, err := New(testOptions(), persist.NewMemoryStore(), trail, registry, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	meta, err := c.GenerateKey("payments", "", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if meta.ProviderID == "hsm-east" {
		t.Fatal("material came from the broken provider")
	}

	events := eventsFor(trail, "KEY_GENERATE_COMPLETED")
	if len(events) != 1 {
		t.Fatalf("KEY_GENERATE_COMPLETED events = %d, want 1", len(events))
	}
	attempts, ok := events[0].Details["attempts"]
	if !ok {
		t.Fatal("event does not record the failed attempts")
	}
	if fmt.Sprint(attempts) == "[]" {
		t.Error("failed attempts recorded empty")
	}
}

// brokenProvider errors on every key generation
type brokenProvider struct{ id string }

func (p *brokenProvider) ID() string { return p.id }

func (p *brokenProvider) Describe() provider.Info {
	return provider.Info{
		ID:           p.id,
		Kind:         provider.KindLocalHSM,
		Priority:     1,
		Capabilities: []provider.Capability{provider.CapGenerate, provider.CapEncrypt, provider.CapDecrypt},
	}
}

func (p *brokenProvider) GenerateKey(ctx context.Context, size int) ([]byte, error) {
	return nil, fmt.Errorf("hsm session lost")
}

func (p *brokenProvider) HealthCheck(ctx context.Context) error { return fmt.Errorf("unreachable") }
func (p *brokenProvider) Close() error                          { return nil }

func TestProviderStatusChangeIsAudited(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	trail := audit.NewMemoryLogger()

	registry := provider.NewRegistry(mock)
	if err := registry.Register(&brokenProvider{id: "hsm-east"}); err != nil {
		t.Fatalf("Register broken: %v", err)
	}
	if err := registry.Register(provider.NewLocal(provider.LocalConfig{Default: true, Priority: 10})); err != nil {
		t.Fatalf("Register local: %v", err)
	}

	opts := testOptions()
	opts.ProviderHealthInterval = time.Minute

	c, err := New(opts, persist.NewMemoryStore(), trail, registry, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.healthCancel == nil {
		t.Fatal("health loop was not started")
	}

	// drive the provider past the failure threshold
	for i := 0; i < 3; i++ {
		if _, err = registry.HealthCheck(context.Background(), "hsm-east"); err == nil {
			t.Fatal("expected health check to fail")
		}
	}

	events := eventsFor(trail, "PROVIDER_STATUS_CHANGED")
	if len(events) != 1 {
		t.Fatalf("PROVIDER_STATUS_CHANGED events = %d, want 1", len(events))
	}
	if got := events[0].Details["provider"]; got != "hsm-east" {
		t.Errorf("provider = %v, want hsm-east", got)
	}
	if got := events[0].Details["to"]; got != string(provider.StatusInactive) {
		t.Errorf("to = %v, want %s", got, provider.StatusInactive)
	}
}

// conflictingStore fails secret persistence with version conflicts a fixed
// number of times before delegating to the real store
type conflictingStore struct {
	persist.Store
	remaining int
}

func (s *conflictingStore) SaveSecretsData(data []byte, expectedVersion string) (string, error) {
	if s.remaining > 0 {
		s.remaining--
		return "", persist.ConflictError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   "other",
			Operation:       "saveSecretsData",
		}
	}
	return s.Store.SaveSecretsData(data, expectedVersion)
}

func TestConflictRetryUsesInjectedClock(t *testing.T) {
	store := &conflictingStore{Store: persist.NewMemoryStore(), remaining: 2}
	c, _, mock := newTestCoreWithStore(t, store)

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
		done <- err
	}()

	// the retry backoff sleeps on the virtual clock, advance it until the
	// write lands
	for i := 0; ; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("CreateSecret: %v", err)
			}
			return
		default:
			if i > 10000 {
				t.Fatal("retry never completed against the virtual clock")
			}
			mock.Add(persistMaxDelay)
		}
	}
}

func TestCloseIsTerminal(t *testing.T) {
	c, _, _ := newTestCore(t)

	if _, err := c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := c.Encrypt([]byte("data"), "payments"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Encrypt after close = %v, want ErrClosed", err)
	}
	if _, err := c.ListKeys(); !errors.Is(err, ErrClosed) {
		t.Fatalf("ListKeys after close = %v, want ErrClosed", err)
	}
}

func TestDeviceHandleLifecycle(t *testing.T) {
	c, trail, _ := newTestCore(t)

	handle := device.KeyHandle{
		Platform:  "darwin",
		Service:   "tresor",
		Alias:     "unlock-key",
		Biometric: true,
		Backing:   device.BackingSecureEnclave,
	}
	if err := c.RegisterHandle("unlock", handle); err != nil {
		t.Fatalf("RegisterHandle: %v", err)
	}

	got, err := c.Handle("unlock")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got.Alias != "unlock-key" {
		t.Errorf("handle alias = %s", got.Alias)
	}

	if err = c.RevokeHandle("unlock"); err != nil {
		t.Fatalf("RevokeHandle: %v", err)
	}
	if _, err = c.Handle("unlock"); !errors.Is(err, device.ErrHandleNotFound) {
		t.Fatalf("Handle after revoke = %v, want ErrHandleNotFound", err)
	}

	if got := len(eventsFor(trail, "DEVICE_HANDLE_REGISTERED")); got != 1 {
		t.Errorf("DEVICE_HANDLE_REGISTERED events = %d, want 1", got)
	}
	if got := len(eventsFor(trail, "DEVICE_HANDLE_REVOKED")); got != 1 {
		t.Errorf("DEVICE_HANDLE_REVOKED events = %d, want 1", got)
	}
}

func TestHealthReportsCounts(t *testing.T) {
	c, _, _ := newTestCore(t)

	if _, err := c.GenerateKey("payments", "", 0); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil); err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	health, err := c.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Keys == 0 {
		t.Error("health reports zero keys")
	}
	if health.Secrets != 1 {
		t.Errorf("health reports %d secrets, want 1", health.Secrets)
	}
	if len(health.Providers) == 0 {
		t.Error("health reports no providers")
	}
}

func TestOptionsValidation(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Options)
	}{
		{"short salt", func(o *Options) { o.DerivationSalt = []byte("short") }},
		{"negative timeout", func(o *Options) { o.ProviderCallTimeout = -time.Second }},
		{"negative health interval", func(o *Options) { o.ProviderHealthInterval = -time.Second }},
		{"negative retention", func(o *Options) { o.AuditRetentionDays = -1 }},
		{"duplicate category", func(o *Options) {
			o.CategoryPolicies = append(o.CategoryPolicies, CategoryPolicy{Name: "database"})
		}},
		{"automatic without interval", func(o *Options) {
			o.CategoryPolicies = append(o.CategoryPolicies, CategoryPolicy{Name: "bad", Rotation: RotationAutomatic})
		}},
		{"unknown format", func(o *Options) {
			o.CategoryPolicies = append(o.CategoryPolicies, CategoryPolicy{Name: "bad", Format: "pem"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			tc.mod(&opts)
			if err := opts.Validate(); err == nil {
				t.Error("Validate accepted invalid options")
			}
		})
	}
}
