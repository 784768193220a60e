package tresor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/internal/crypto"
	"southwinds.dev/tresor/persist"
)

func TestCreateAndReadSecret(t *testing.T) {
	c, trail, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)
	assert.Equal(t, SecretStatusActive, meta.Status)
	assert.NotEmpty(t, meta.KeyID, "encrypted category must be bound to a wrapping key")
	assert.Equal(t, len("p@ss1"), meta.Size)

	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{
		Decrypt: true,
		Actor:   "app-1",
		Scopes:  []string{"db:read"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss1"), result.Data)
	assert.Equal(t, 1, result.Version)
	assert.True(t, result.UsedActiveKey)

	// plaintext never lands in the audit trail
	for _, event := range trail.Events() {
		payload, merr := json.Marshal(event)
		require.NoError(t, merr)
		assert.NotContains(t, string(payload), "p@ss1")
	}
}

func TestGetSecretByName(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	result, err := c.GetSecret("db-password", GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss1"), result.Data)
}

func TestMetadataReadSkipsDecryption(t *testing.T) {
	c, trail, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	// no scopes held: a metadata read must still succeed
	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{})
	require.NoError(t, err)
	assert.Nil(t, result.Data)
	assert.Equal(t, 1, result.Metadata.Version)

	assert.Empty(t, eventsFor(trail, "SECRET_GET_COMPLETED"),
		"metadata reads must not record decrypt events")
}

func TestScopeEnforcement(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"cache:read"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing scopes")

	_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read", "extra"}})
	assert.NoError(t, err)
}

func TestRotateSecretBumpsVersion(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	rotated, err := c.RotateSecret(meta.SecretID, []byte("p@ss2"))
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
	assert.Equal(t, 1, rotated.RotationCount)

	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss2"), result.Data)
	assert.Equal(t, 2, result.Version)
	assert.True(t, result.UsedActiveKey)
}

func TestRotateSecretGeneratesValue(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("service-token", []byte("seed-token"), "api-tokens", nil)
	require.NoError(t, err)

	rotated, err := c.RotateSecret(meta.SecretID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
	assert.NotEqual(t, meta.Checksum, rotated.Checksum, "generated value must differ from the old one")

	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Data)
	assert.NotEqual(t, "seed-token", string(result.Data))
}

func TestConcurrentSecretRotationConflicts(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	c.mu.Lock()
	c.rotatingSecrets[meta.SecretID] = true
	c.mu.Unlock()

	_, err = c.RotateSecret(meta.SecretID, []byte("p@ss2"))
	assert.ErrorIs(t, err, ErrRotationConflict)

	c.mu.Lock()
	delete(c.rotatingSecrets, meta.SecretID)
	c.mu.Unlock()

	rotated, err := c.RotateSecret(meta.SecretID, []byte("p@ss2"))
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
}

func TestSecretExpiry(t *testing.T) {
	c, _, mock := newTestCore(t)

	ttl := time.Hour
	meta, err := c.CreateSecret("session-key", []byte("ephemeral"), "api-tokens", &ttl)
	require.NoError(t, err)
	require.NotNil(t, meta.ExpiresAt)

	// still readable just before expiry
	mock.Add(59 * time.Minute)
	_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true})
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true})
	assert.ErrorIs(t, err, ErrSecretExpired)

	// the lazy transition is visible in listings
	expired, err := c.ListSecrets(&SecretListOptions{Status: SecretStatusExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, meta.SecretID, expired[0].SecretID)
}

func TestPlainCategorySkipsKeyWrap(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("rollout-percent", []byte("42"), "feature-flags", nil)
	require.NoError(t, err)
	assert.Empty(t, meta.KeyID, "unencrypted category must not bind a wrapping key")

	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), result.Data)
	assert.False(t, result.UsedActiveKey)
}

func TestDeleteSecret(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	require.NoError(t, c.DeleteSecret(meta.SecretID))

	_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true})
	assert.ErrorIs(t, err, ErrSecretNotFound)

	listed, err := c.ListSecrets(nil)
	require.NoError(t, err)
	assert.Empty(t, listed)

	err = c.DeleteSecret(meta.SecretID)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestDuplicateNameRejected(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	_, err = c.CreateSecret("db-password", []byte("other"), "database", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestListSecretsFilters(t *testing.T) {
	c, _, _ := newTestCore(t)

	names := []struct{ name, category string }{
		{"db-password", "database"},
		{"db-replica-password", "database"},
		{"service-token", "api-tokens"},
	}
	for _, n := range names {
		_, err := c.CreateSecret(n.name, []byte("value-"+n.name), n.category, nil)
		require.NoError(t, err)
	}

	byPrefix, err := c.ListSecrets(&SecretListOptions{Prefix: "db-"})
	require.NoError(t, err)
	assert.Len(t, byPrefix, 2)

	byCategory, err := c.ListSecrets(&SecretListOptions{Category: "api-tokens"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "service-token", byCategory[0].Name)

	paged, err := c.ListSecrets(&SecretListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "db-replica-password", paged[0].Name, "listing is name-ordered")
}

func TestSecretsSurviveReopen(t *testing.T) {
	store := persist.NewMemoryStore()

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c, err := New(testOptions(), store, audit.NewMemoryLogger(), nil, mock)
	require.NoError(t, err)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := New(testOptions(), store, audit.NewMemoryLogger(), nil, mock)
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss1"), result.Data)
}

func TestWrongPassphraseFailsOpen(t *testing.T) {
	store := persist.NewMemoryStore()

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c, err := New(testOptions(), store, audit.NewMemoryLogger(), nil, mock)
	require.NoError(t, err)
	_, err = c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	opts := testOptions()
	opts.DerivationPassphrase = "not-the-passphrase"
	_, err = New(opts, store, audit.NewMemoryLogger(), nil, mock)
	require.Error(t, err)
}

func TestRetiredWrappingKeyMakesSecretUnavailable(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	// rotate the purpose key out, then retire the old one
	rotated, err := c.RotateKey(meta.KeyID)
	require.NoError(t, err)
	require.NotEqual(t, meta.KeyID, rotated.KeyID)
	require.NoError(t, c.RetireKey(meta.KeyID))

	_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	// rotating the secret re-wraps it under the new key and restores access
	_, err = c.RotateSecret(meta.SecretID, []byte("p@ss2"))
	require.NoError(t, err)

	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss2"), result.Data)
	assert.Equal(t, rotated.KeyID, result.Metadata.KeyID)
}

func TestGeneratedCredentialShape(t *testing.T) {
	value, err := generateValue(FormatCredential)
	if err != nil {
		t.Fatalf("generateValue: %v", err)
	}
	if len(value) != 24 {
		t.Fatalf("credential length = %d, want 24", len(value))
	}

	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, ch := range value {
		switch {
		case ch >= 'a' && ch <= 'z':
			hasLower = true
		case ch >= 'A' && ch <= 'Z':
			hasUpper = true
		case ch >= '0' && ch <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasLower || !hasUpper || !hasDigit || !hasSymbol {
		t.Errorf("credential %q misses a character class", value)
	}
}

func TestAccessCounters(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss1"), "database", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
		require.NoError(t, err)
	}

	result, err := c.GetSecret(meta.SecretID, GetSecretOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Metadata.AccessCount)
	require.NotNil(t, result.Metadata.LastAccessed)
}

func TestRotateMissingSecret(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.RotateSecret("no-such-secret", []byte("value"))
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("RotateSecret error = %v, want ErrSecretNotFound", err)
	}
}

func TestReadDuringRotationStaysConsistent(t *testing.T) {
	c, _, _ := newTestCore(t)

	meta, err := c.CreateSecret("db-password", []byte("p@ss-0000"), "database", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for i := 1; i <= 40; i++ {
			if _, rerr := c.RotateSecret(meta.SecretID, []byte(fmt.Sprintf("p@ss-%04d", i))); rerr != nil {
				done <- rerr
				return
			}
		}
		done <- nil
	}()

	// every read must return a plaintext that matches the version and
	// checksum it is labelled with, no matter where the rotation is
	for i := 0; i < 200; i++ {
		result, gerr := c.GetSecret(meta.SecretID, GetSecretOptions{
			Decrypt: true,
			Actor:   "app-1",
			Scopes:  []string{"db:read"},
		})
		require.NoError(t, gerr)
		assert.Equal(t, result.Metadata.Checksum, crypto.Checksum(result.Data),
			"plaintext does not match the checksum of the reported version")
		assert.Equal(t, result.Metadata.Version, result.Version)
	}
	require.NoError(t, <-done)

	final, err := c.GetSecret(meta.SecretID, GetSecretOptions{Decrypt: true, Scopes: []string{"db:read"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss-0040"), final.Data)
	assert.Equal(t, 41, final.Version)
}
