package tresor

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/internal/crypto"
)

// dekSize is the length of the per-secret data encryption key
const dekSize = 32

// secretEntry is the in-memory and persisted form of one managed secret.
// The value is envelope-encrypted under a per-secret data key, which is in
// turn wrapped by the active key of the category's purpose. For categories
// that do not require encryption the raw value is carried in PlainValue;
// the whole secrets blob is still sealed under the derivation key before it
// reaches the store, so nothing rests in the clear either way.
type secretEntry struct {
	Meta       SecretMetadata `json:"meta"`
	WrappedKey *Envelope      `json:"wrapped_key,omitempty"`
	Value      *Envelope      `json:"value,omitempty"`
	PlainValue []byte         `json:"plain_value,omitempty"`
}

func (e *secretEntry) clone() *secretEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.WrappedKey != nil {
		wk := *e.WrappedKey
		cp.WrappedKey = &wk
	}
	if e.Value != nil {
		v := *e.Value
		cp.Value = &v
	}
	cp.PlainValue = append([]byte(nil), e.PlainValue...)
	return &cp
}

// secretsContainer is the persisted secrets collection
type secretsContainer struct {
	Secrets map[string]*secretEntry `json:"secrets"`
}

// CreateSecret stores a new secret under the category's policy. When the
// policy requires encryption a fresh data key is generated for the secret
// and wrapped by the active key of the category's purpose; a missing
// purpose key is provisioned on first use. A nil ttl means the secret does
// not expire.
func (c *Core) CreateSecret(name string, value []byte, category string, ttl *time.Duration) (*SecretMetadata, error) {
	const op = "create_secret"
	requestID := c.newRequestID()

	if name == "" {
		return nil, opErr(op, "", fmt.Errorf("secret name is required"))
	}
	if len(value) == 0 {
		return nil, opErr(op, name, fmt.Errorf("secret value is required"))
	}
	if ttl != nil && *ttl <= 0 {
		return nil, opErr(op, name, fmt.Errorf("ttl must be positive"))
	}

	policy := c.opts.policyFor(category)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, opErr(op, name, ErrClosed)
	}
	for _, existing := range c.secrets {
		if existing.Meta.Name == name && existing.Meta.Status != SecretStatusDeleted {
			c.mu.RUnlock()
			return nil, opErr(op, name, fmt.Errorf("secret name already in use"))
		}
	}
	c.mu.RUnlock()

	secretID := uuid.New().String()
	now := c.clk.Now().UTC()

	meta := SecretMetadata{
		SecretID:  secretID,
		Name:      name,
		Category:  policy.Name,
		Version:   1,
		Status:    SecretStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Checksum:  crypto.Checksum(value),
		Size:      len(value),
		Format:    policy.Format,
		Scopes:    append([]string(nil), policy.RequiredScopes...),
	}
	if ttl != nil {
		expiresAt := now.Add(*ttl)
		meta.ExpiresAt = &expiresAt
	}

	entry := &secretEntry{Meta: meta}
	keyProvisioned := false

	if policy.EncryptionRequired {
		keyID, enclave, provisioned, err := c.ensureActiveKey(policy.purpose())
		if err != nil {
			c.recordFailure(requestID, "SECRET_CREATE_FAILED", secretID, "", err, map[string]interface{}{
				"name": name, "category": policy.Name,
			})
			return nil, opErr(op, name, err)
		}
		keyProvisioned = provisioned

		wrapped, sealed, err := c.envelopeSeal(enclave, keyID, value)
		if err != nil {
			c.recordFailure(requestID, "SECRET_CREATE_FAILED", secretID, keyID, err, nil)
			return nil, opErr(op, name, err)
		}
		entry.Meta.KeyID = keyID
		entry.WrappedKey = wrapped
		entry.Value = sealed
		c.usageFor(keyID).encrypt.Inc()
	} else {
		entry.PlainValue = append([]byte(nil), value...)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, opErr(op, name, ErrClosed)
	}
	c.secrets[secretID] = entry
	if err := c.persistSecretsLocked(); err != nil {
		delete(c.secrets, secretID)
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_CREATE_FAILED", secretID, entry.Meta.KeyID, err, nil)
		return nil, opErr(op, name, err)
	}
	snapshot := entry.Meta.snapshot()
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "SECRET_CREATE_COMPLETED",
		Result:    audit.ResultSuccess,
		SecretID:  secretID,
		KeyID:     entry.Meta.KeyID,
		Details: map[string]interface{}{
			"name":            name,
			"category":        policy.Name,
			"size":            len(value),
			"encrypted":       policy.EncryptionRequired,
			"key_provisioned": keyProvisioned,
		},
	}); err != nil {
		c.mu.Lock()
		delete(c.secrets, secretID)
		_ = c.persistSecretsLocked()
		c.mu.Unlock()
		return nil, opErr(op, name, ErrAuditWriteFailed)
	}

	return snapshot, nil
}

// GetSecret reads a secret by ID or name. A metadata-only read (Decrypt
// false) touches no key material and records no decrypt event. A decrypting
// read checks the caller's scopes against the category policy, unwraps the
// secret's data key under the wrapping key and returns the transient
// plaintext. Reads of expired secrets transition them to expired and fail
// with ErrSecretExpired; secrets whose wrapping key has been retired fail
// with ErrSecretUnavailable.
func (c *Core) GetSecret(secretID string, opts GetSecretOptions) (*SecretResult, error) {
	const op = "get_secret"
	requestID := c.newRequestID()
	now := c.clk.Now().UTC()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, opErr(op, secretID, ErrClosed)
	}
	entry, id := c.resolveSecretLocked(secretID)
	if entry == nil || entry.Meta.Status == SecretStatusDeleted {
		c.mu.Unlock()
		return nil, opErr(op, secretID, ErrSecretNotFound)
	}

	if entry.Meta.ExpiresAt != nil && !now.Before(*entry.Meta.ExpiresAt) {
		if entry.Meta.Status != SecretStatusExpired {
			entry.Meta.Status = SecretStatusExpired
			entry.Meta.UpdatedAt = now
			// advisory transition, a persist conflict does not block the caller
			_ = c.persistSecretsLocked()
		}
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_GET_FAILED", id, "", ErrSecretExpired, actorDetails(opts.Actor, nil))
		return nil, opErr(op, id, ErrSecretExpired)
	}
	if entry.Meta.Status != SecretStatusActive {
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_GET_FAILED", id, "", ErrSecretUnavailable, actorDetails(opts.Actor, nil))
		return nil, opErr(op, id, ErrSecretUnavailable)
	}

	if !opts.Decrypt {
		snapshot := entry.Meta.snapshot()
		c.mu.Unlock()
		return &SecretResult{Metadata: snapshot, Version: snapshot.Version}, nil
	}

	policy := c.opts.policyFor(entry.Meta.Category)
	if missing := missingScopes(policy.RequiredScopes, opts.Scopes); len(missing) > 0 {
		c.mu.Unlock()
		err := fmt.Errorf("access denied: missing scopes %s", strings.Join(missing, ","))
		c.recordFailure(requestID, "SECRET_GET_FAILED", id, "", err, actorDetails(opts.Actor, map[string]interface{}{
			"missing_scopes": missing,
		}))
		return nil, opErr(op, id, err)
	}

	var (
		plaintext     []byte
		usedActiveKey bool
		wrapKeyID     string
		snapshot      *SecretMetadata
	)
	if entry.WrappedKey != nil {
		wrapKeyID = entry.WrappedKey.KeyID
		enclave, ok := c.keyEnclaves[wrapKeyID]
		if !ok {
			c.mu.Unlock()
			err := fmt.Errorf("%w: wrapping key %s is no longer available", ErrSecretUnavailable, wrapKeyID)
			c.recordFailure(requestID, "SECRET_GET_FAILED", id, wrapKeyID, err, actorDetails(opts.Actor, nil))
			return nil, opErr(op, id, err)
		}
		usedActiveKey = c.activeKeys[policy.purpose()] == wrapKeyID
		wrappedEnvelope := entry.WrappedKey
		valueEnvelope := entry.Value
		// The result is bound to this state: a rotation committing while
		// the lock is released must not relabel the old plaintext.
		snapshot = entry.Meta.snapshot()
		c.mu.Unlock()

		dek, err := c.openWithEnclave(enclave, wrappedEnvelope)
		if err != nil {
			c.recordFailure(requestID, "SECRET_GET_FAILED", id, wrapKeyID, ErrDecryptionFailed, actorDetails(opts.Actor, nil))
			return nil, opErr(op, id, err)
		}
		plaintext, err = c.openWithRawKey(dek, valueEnvelope)
		wipe(dek)
		if err != nil {
			c.recordFailure(requestID, "SECRET_GET_FAILED", id, wrapKeyID, ErrDecryptionFailed, actorDetails(opts.Actor, nil))
			return nil, opErr(op, id, err)
		}
		c.usageFor(wrapKeyID).decrypt.Inc()
		c.mu.Lock()
	} else {
		plaintext = append([]byte(nil), entry.PlainValue...)
		usedActiveKey = false
		snapshot = entry.Meta.snapshot()
	}

	if entry.Meta.Status == SecretStatusActive {
		entry.Meta.AccessCount++
		lastAccessed := now
		entry.Meta.LastAccessed = &lastAccessed
		// access counters are advisory, a persist conflict does not block the read
		_ = c.persistSecretsLocked()
		if entry.Meta.Version == snapshot.Version {
			snapshot = entry.Meta.snapshot()
		}
	}
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "SECRET_GET_COMPLETED",
		Result:    audit.ResultSuccess,
		Actor:     opts.Actor,
		SecretID:  id,
		KeyID:     wrapKeyID,
		Details: map[string]interface{}{
			"version":         snapshot.Version,
			"used_active_key": usedActiveKey,
		},
	}); err != nil {
		wipe(plaintext)
		return nil, opErr(op, id, ErrAuditWriteFailed)
	}

	return &SecretResult{
		Metadata:      snapshot,
		Data:          plaintext,
		Version:       snapshot.Version,
		UsedActiveKey: usedActiveKey,
	}, nil
}

// RotateSecret replaces the secret's value and re-wraps it under the
// current active key of its category's purpose. A nil newValue asks the
// core to generate a replacement in the category's declared format.
// Rotations are serial per secret: a concurrent attempt fails with
// ErrRotationConflict.
func (c *Core) RotateSecret(secretID string, newValue []byte) (*SecretMetadata, error) {
	const op = "rotate_secret"
	requestID := c.newRequestID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, opErr(op, secretID, ErrClosed)
	}
	entry, id := c.resolveSecretLocked(secretID)
	if entry == nil || entry.Meta.Status == SecretStatusDeleted {
		c.mu.Unlock()
		return nil, opErr(op, secretID, ErrSecretNotFound)
	}
	if c.rotatingSecrets[id] {
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, "", ErrRotationConflict, nil)
		return nil, opErr(op, id, ErrRotationConflict)
	}
	if entry.Meta.Status != SecretStatusActive {
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, "", ErrSecretUnavailable, nil)
		return nil, opErr(op, id, ErrSecretUnavailable)
	}
	c.rotatingSecrets[id] = true
	category := entry.Meta.Category
	c.mu.Unlock()

	clearFlag := func() {
		c.mu.Lock()
		delete(c.rotatingSecrets, id)
		c.mu.Unlock()
	}

	policy := c.opts.policyFor(category)
	generated := newValue == nil

	if newValue == nil {
		generated, err := generateValue(policy.Format)
		if err != nil {
			clearFlag()
			c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, "", err, nil)
			return nil, opErr(op, id, err)
		}
		newValue = generated
	} else if len(newValue) == 0 {
		clearFlag()
		err := fmt.Errorf("replacement value must not be empty")
		c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, "", err, nil)
		return nil, opErr(op, id, err)
	}

	var (
		wrapped   *Envelope
		sealed    *Envelope
		wrapKeyID string
	)
	if policy.EncryptionRequired {
		keyID, enclave, _, err := c.ensureActiveKey(policy.purpose())
		if err != nil {
			clearFlag()
			c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, "", err, nil)
			return nil, opErr(op, id, err)
		}
		wrapKeyID = keyID
		wrapped, sealed, err = c.envelopeSeal(enclave, keyID, newValue)
		if err != nil {
			clearFlag()
			c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, keyID, err, nil)
			return nil, opErr(op, id, err)
		}
		c.usageFor(keyID).encrypt.Inc()
	}

	now := c.clk.Now().UTC()

	c.mu.Lock()
	previous := entry.clone()

	entry.Meta.Version++
	entry.Meta.RotationCount++
	entry.Meta.UpdatedAt = now
	entry.Meta.Checksum = crypto.Checksum(newValue)
	entry.Meta.Size = len(newValue)
	if policy.EncryptionRequired {
		entry.Meta.KeyID = wrapKeyID
		entry.WrappedKey = wrapped
		entry.Value = sealed
		entry.PlainValue = nil
	} else {
		entry.PlainValue = append([]byte(nil), newValue...)
	}

	if err := c.persistSecretsLocked(); err != nil {
		*entry = *previous
		delete(c.rotatingSecrets, id)
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_ROTATE_FAILED", id, wrapKeyID, err, nil)
		return nil, opErr(op, id, err)
	}
	delete(c.rotatingSecrets, id)
	snapshot := entry.Meta.snapshot()
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "SECRET_ROTATE_COMPLETED",
		Result:    audit.ResultSuccess,
		SecretID:  id,
		KeyID:     wrapKeyID,
		Details: map[string]interface{}{
			"old_version": previous.Meta.Version,
			"new_version": snapshot.Version,
			"generated":   generated,
		},
	}); err != nil {
		c.mu.Lock()
		*entry = *previous
		_ = c.persistSecretsLocked()
		c.mu.Unlock()
		return nil, opErr(op, id, ErrAuditWriteFailed)
	}

	return snapshot, nil
}

// DeleteSecret marks the secret deleted and discards its value and wrapped
// data key. Metadata is retained for the audit trail.
func (c *Core) DeleteSecret(secretID string) error {
	const op = "delete_secret"
	requestID := c.newRequestID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return opErr(op, secretID, ErrClosed)
	}
	entry, id := c.resolveSecretLocked(secretID)
	if entry == nil || entry.Meta.Status == SecretStatusDeleted {
		c.mu.Unlock()
		return opErr(op, secretID, ErrSecretNotFound)
	}
	if c.rotatingSecrets[id] {
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_DELETE_FAILED", id, "", ErrRotationConflict, nil)
		return opErr(op, id, ErrRotationConflict)
	}

	previous := entry.clone()
	now := c.clk.Now().UTC()

	entry.Meta.Status = SecretStatusDeleted
	entry.Meta.UpdatedAt = now
	entry.WrappedKey = nil
	entry.Value = nil
	wipe(entry.PlainValue)
	entry.PlainValue = nil

	if err := c.persistSecretsLocked(); err != nil {
		*entry = *previous
		c.mu.Unlock()
		c.recordFailure(requestID, "SECRET_DELETE_FAILED", id, "", err, nil)
		return opErr(op, id, err)
	}
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "SECRET_DELETE_COMPLETED",
		Result:    audit.ResultSuccess,
		SecretID:  id,
	}); err != nil {
		c.mu.Lock()
		*entry = *previous
		_ = c.persistSecretsLocked()
		c.mu.Unlock()
		return opErr(op, id, ErrAuditWriteFailed)
	}

	return nil
}

// ListSecrets returns metadata snapshots matching the filter, sorted by
// name. Deleted secrets are excluded unless the filter asks for them.
func (c *Core) ListSecrets(opts *SecretListOptions) ([]*SecretMetadata, error) {
	if opts == nil {
		opts = &SecretListOptions{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	matches := make([]*SecretMetadata, 0, len(c.secrets))
	for _, entry := range c.secrets {
		meta := entry.Meta
		if opts.Status == "" && meta.Status == SecretStatusDeleted {
			continue
		}
		if opts.Status != "" && meta.Status != opts.Status {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(meta.Name, opts.Prefix) {
			continue
		}
		if opts.Category != "" && meta.Category != opts.Category {
			continue
		}
		matches = append(matches, meta.snapshot())
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	if opts.Offset > 0 {
		if opts.Offset >= len(matches) {
			return []*SecretMetadata{}, nil
		}
		matches = matches[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matches) {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// snapshot copies the metadata with its pointer fields
func (m SecretMetadata) snapshot() *SecretMetadata {
	cp := m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		cp.ExpiresAt = &t
	}
	if m.LastAccessed != nil {
		t := *m.LastAccessed
		cp.LastAccessed = &t
	}
	cp.Scopes = append([]string(nil), m.Scopes...)
	return &cp
}

// resolveSecretLocked finds a secret by ID first, then by unique name.
// Callers hold at least a read lock.
func (c *Core) resolveSecretLocked(idOrName string) (*secretEntry, string) {
	if entry, ok := c.secrets[idOrName]; ok {
		return entry, idOrName
	}
	for id, entry := range c.secrets {
		if entry.Meta.Name == idOrName && entry.Meta.Status != SecretStatusDeleted {
			return entry, id
		}
	}
	return nil, ""
}

// ensureActiveKey returns the active key for the purpose, provisioning one
// through the provider registry when the purpose has none yet. The caller
// folds the provisioning into its own audit event.
func (c *Core) ensureActiveKey(purpose string) (string, *memguard.Enclave, bool, error) {
	c.mu.RLock()
	if keyID, ok := c.activeKeys[purpose]; ok {
		enclave := c.keyEnclaves[keyID]
		c.mu.RUnlock()
		if enclave == nil {
			return "", nil, false, fmt.Errorf("%w: material for %s is gone", ErrKeyNotFound, keyID)
		}
		return keyID, enclave, false, nil
	}
	c.mu.RUnlock()

	material, info, _, err := c.registry.GenerateKey(context.Background(), AlgorithmAES256GCM.KeySize())
	if err != nil {
		return "", nil, false, err
	}
	if crypto.IsWeakKey(material) {
		return "", nil, false, fmt.Errorf("provider %s returned weak key material", info.ID)
	}

	keyID := uuid.New().String()
	checksum := crypto.Checksum(material)
	now := c.clk.Now().UTC()
	enclave := memguard.NewEnclave(material)

	c.mu.Lock()
	// another caller may have won the race
	if existing, ok := c.activeKeys[purpose]; ok {
		winner := c.keyEnclaves[existing]
		c.mu.Unlock()
		return existing, winner, false, nil
	}
	c.keyEnclaves[keyID] = enclave
	c.keyMeta[keyID] = &KeyMetadata{
		KeyID:      keyID,
		Name:       fmt.Sprintf("%s-%s", purpose, now.Format("20060102150405")),
		Algorithm:  AlgorithmAES256GCM,
		Bits:       256,
		Status:     KeyStatusActive,
		Purposes:   []string{purpose},
		CreatedAt:  now,
		Checksum:   checksum,
		ProviderID: info.ID,
	}
	c.keyUsage[keyID] = &keyCounters{}
	c.activeKeys[purpose] = keyID

	if err = c.persistKeyringLocked(); err != nil {
		delete(c.keyEnclaves, keyID)
		delete(c.keyMeta, keyID)
		delete(c.keyUsage, keyID)
		delete(c.activeKeys, purpose)
		c.mu.Unlock()
		return "", nil, false, err
	}
	c.mu.Unlock()

	return keyID, enclave, true, nil
}

// envelopeSeal generates a fresh data key for the value, seals the value
// under it and wraps the data key under the purpose key enclave.
func (c *Core) envelopeSeal(enclave *memguard.Enclave, keyID string, value []byte) (wrapped, sealed *Envelope, err error) {
	dek := make([]byte, dekSize)
	if _, err = rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer wipe(dek)

	sealed, err = c.sealWithRawKey(dek, keyID, value)
	if err != nil {
		return nil, nil, err
	}

	wrapped, err = c.sealWithEnclave(enclave, string(AlgorithmChaCha20), keyID, dek)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, sealed, nil
}

// sealWithRawKey seals plaintext under an unmanaged raw key. Used for the
// per-secret data key, which never enters the keyring.
func (c *Core) sealWithRawKey(key []byte, keyID string, plaintext []byte) (*Envelope, error) {
	payload := plaintext
	compressed := false
	if len(plaintext) >= c.opts.compressionThreshold() {
		payload = crypto.Compress(plaintext)
		compressed = true
	}

	iv, ciphertext, tag, err := crypto.Seal(string(AlgorithmChaCha20), key, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt value: %w", err)
	}
	return &Envelope{
		Algorithm:  string(AlgorithmChaCha20),
		KeyID:      keyID,
		IV:         iv,
		Tag:        tag,
		Ciphertext: ciphertext,
		Compressed: compressed,
	}, nil
}

// openWithRawKey reverses sealWithRawKey
func (c *Core) openWithRawKey(key []byte, envelope *Envelope) ([]byte, error) {
	payload, err := crypto.Open(envelope.Algorithm, key, envelope.IV, envelope.Ciphertext, envelope.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if envelope.Compressed {
		payload, err = crypto.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupted compressed payload: %v", ErrDecryptionFailed, err)
		}
	}
	return payload, nil
}

// loadSecretsCollection loads the persisted secrets, or starts empty
func (c *Core) loadSecretsCollection() error {
	exists, err := c.store.SecretsDataExists()
	if err != nil {
		return fmt.Errorf("failed to check for existing secrets: %w", err)
	}
	if !exists {
		return nil
	}

	versioned, err := c.store.LoadSecretsData()
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	var container secretsContainer
	err = c.withDerivationKey(func(key []byte) error {
		plaintext, err := crypto.DecryptValue(versioned.Data, key)
		if err != nil {
			return fmt.Errorf("failed to unseal secrets (wrong passphrase?): %w", err)
		}
		defer wipe(plaintext)
		return json.Unmarshal(plaintext, &container)
	})
	if err != nil {
		return err
	}

	if container.Secrets != nil {
		c.secrets = container.Secrets
	}
	c.secretsVersion = versioned.Version

	return nil
}

// persistSecretsLocked serializes the secrets, seals them under the
// derivation key and writes them with optimistic version retry. Callers
// hold the write lock.
func (c *Core) persistSecretsLocked() error {
	plaintext, err := json.Marshal(secretsContainer{Secrets: c.secrets})
	if err != nil {
		return fmt.Errorf("failed to serialize secrets: %w", err)
	}
	defer wipe(plaintext)

	var sealed []byte
	err = c.withDerivationKey(func(key []byte) error {
		var err error
		sealed, err = crypto.EncryptValue(plaintext, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to seal secrets: %w", err)
	}

	return c.withRetry("saveSecretsData", func() error {
		currentData, err := c.store.LoadSecretsData()
		var currentVersion string
		if err == nil {
			currentVersion = currentData.Version
		}

		newVersion, err := c.store.SaveSecretsData(sealed, currentVersion)
		if err == nil {
			c.secretsVersion = newVersion
		}
		return err
	})
}

// actorDetails folds the caller identity into failure event details
func actorDetails(actor string, details map[string]interface{}) map[string]interface{} {
	if actor == "" {
		return details
	}
	if details == nil {
		details = make(map[string]interface{}, 1)
	}
	details["actor"] = actor
	return details
}

// missingScopes returns the required scopes the caller does not hold
func missingScopes(required, held []string) []string {
	if len(required) == 0 {
		return nil
	}
	heldSet := make(map[string]bool, len(held))
	for _, scope := range held {
		heldSet[scope] = true
	}
	var missing []string
	for _, scope := range required {
		if !heldSet[scope] {
			missing = append(missing, scope)
		}
	}
	return missing
}

// generateValue produces a replacement secret value in the given format
func generateValue(format ValueFormat) ([]byte, error) {
	switch format {
	case FormatCredential:
		return generateCredential(24)
	case FormatToken, "":
		token := make([]byte, 32)
		if _, err := rand.Read(token); err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		return []byte(base64.RawURLEncoding.EncodeToString(token)), nil
	default:
		return nil, fmt.Errorf("cannot generate value for format %q", format)
	}
}

// generateCredential builds a random credential string guaranteed to carry
// at least one character from each class.
func generateCredential(length int) ([]byte, error) {
	const (
		lower   = "abcdefghijkmnopqrstuvwxyz"
		upper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
		digits  = "23456789"
		symbols = "!@#$%^&*-_=+"
		all     = lower + upper + digits + symbols
	)
	if length < 8 {
		length = 8
	}

	pick := func(set string) (byte, error) {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
		if err != nil {
			return 0, fmt.Errorf("failed to generate credential: %w", err)
		}
		return set[n.Int64()], nil
	}

	credential := make([]byte, length)
	for i, set := range []string{lower, upper, digits, symbols} {
		ch, err := pick(set)
		if err != nil {
			return nil, err
		}
		credential[i] = ch
	}
	for i := 4; i < length; i++ {
		ch, err := pick(all)
		if err != nil {
			return nil, err
		}
		credential[i] = ch
	}
	// shuffle so the guaranteed classes are not positional
	for i := length - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		j := n.Int64()
		credential[i], credential[j] = credential[j], credential[i]
	}
	return credential, nil
}
