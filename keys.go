package tresor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/internal/crypto"
	"southwinds.dev/tresor/provider"
)

// keyCounters are the live usage counters for one key. They increment
// lock-free on every crypto operation and are folded into KeyMetadata
// snapshots on read and persist.
type keyCounters struct {
	encrypt atomic.Int64
	decrypt atomic.Int64
	sign    atomic.Int64
	verify  atomic.Int64
}

func (kc *keyCounters) snapshot() KeyUsage {
	return KeyUsage{
		EncryptCount: kc.encrypt.Load(),
		DecryptCount: kc.decrypt.Load(),
		SignCount:    kc.sign.Load(),
		VerifyCount:  kc.verify.Load(),
	}
}

func (kc *keyCounters) restore(usage KeyUsage) {
	kc.encrypt.Store(usage.EncryptCount)
	kc.decrypt.Store(usage.DecryptCount)
	kc.sign.Store(usage.SignCount)
	kc.verify.Store(usage.VerifyCount)
}

// keyRecord is the persisted form of one key. Material is raw inside the
// record because the whole keyring blob is sealed under the derivation key
// before it reaches the store. Retired keys persist metadata only.
type keyRecord struct {
	Meta     KeyMetadata `json:"meta"`
	Material []byte      `json:"material,omitempty"`
}

// keyringContainer is the persisted keyring collection
type keyringContainer struct {
	Keys   []keyRecord       `json:"keys"`
	Active map[string]string `json:"active"` // purpose -> key ID
}

// GenerateKey creates a new key for the purpose using the provider
// registry. Material comes from the first capable provider in priority
// order; providers that fail or time out are skipped and recorded in the
// audit event. The new key becomes active for the purpose when the purpose
// has no active key yet.
//
// Either algorithm or bits may be zero-valued: a missing algorithm is
// derived from the bit size, a missing bit size from the algorithm.
func (c *Core) GenerateKey(purpose string, algorithm Algorithm, bits int) (*KeyMetadata, error) {
	const op = "generate_key"
	requestID := c.newRequestID()

	if purpose == "" {
		return nil, opErr(op, "", fmt.Errorf("purpose is required"))
	}

	algorithm, bits, err := resolveAlgorithm(algorithm, bits)
	if err != nil {
		return nil, opErr(op, purpose, err)
	}

	material, info, attempts, err := c.registry.GenerateKey(context.Background(), algorithm.KeySize())
	if err != nil {
		c.recordFailure(requestID, "KEY_GENERATE_FAILED", "", "", err, map[string]interface{}{
			"purpose":  purpose,
			"attempts": attemptDetails(attempts),
		})
		return nil, opErr(op, purpose, err)
	}

	if crypto.IsWeakKey(material) {
		err = fmt.Errorf("provider %s returned weak key material", info.ID)
		c.recordFailure(requestID, "KEY_GENERATE_FAILED", "", "", err, map[string]interface{}{"purpose": purpose})
		return nil, opErr(op, purpose, err)
	}

	keyID := uuid.New().String()
	checksum := crypto.Checksum(material)
	now := c.clk.Now().UTC()

	meta := &KeyMetadata{
		KeyID:      keyID,
		Name:       fmt.Sprintf("%s-%s", purpose, now.Format("20060102150405")),
		Algorithm:  algorithm,
		Bits:       bits,
		Status:     KeyStatusActive,
		Purposes:   []string{purpose},
		CreatedAt:  now,
		Checksum:   checksum,
		ProviderID: info.ID,
	}

	// NewEnclave wipes the source slice
	enclave := memguard.NewEnclave(material)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, opErr(op, purpose, ErrClosed)
	}
	c.keyEnclaves[keyID] = enclave
	c.keyMeta[keyID] = meta
	c.keyUsage[keyID] = &keyCounters{}
	_, hadActive := c.activeKeys[purpose]
	if !hadActive {
		c.activeKeys[purpose] = keyID
	}

	if err = c.persistKeyringLocked(); err != nil {
		delete(c.keyEnclaves, keyID)
		delete(c.keyMeta, keyID)
		delete(c.keyUsage, keyID)
		if !hadActive {
			delete(c.activeKeys, purpose)
		}
		c.mu.Unlock()
		return nil, opErr(op, purpose, err)
	}
	snapshot := c.snapshotKeyLocked(keyID)
	c.mu.Unlock()

	if err = c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "KEY_GENERATE_COMPLETED",
		Result:    audit.ResultSuccess,
		KeyID:     keyID,
		Details: map[string]interface{}{
			"purpose":   purpose,
			"algorithm": string(algorithm),
			"bits":      bits,
			"provider":  info.ID,
			"attempts":  attemptDetails(attempts),
		},
	}); err != nil {
		c.mu.Lock()
		delete(c.keyEnclaves, keyID)
		delete(c.keyMeta, keyID)
		delete(c.keyUsage, keyID)
		if !hadActive {
			delete(c.activeKeys, purpose)
		}
		_ = c.persistKeyringLocked()
		c.mu.Unlock()
		return nil, opErr(op, purpose, ErrAuditWriteFailed)
	}

	return snapshot, nil
}

// ActiveKey returns the metadata of the key currently active for the
// purpose, or ErrKeyNotFound when the purpose has none.
func (c *Core) ActiveKey(purpose string) (*KeyMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	keyID, ok := c.activeKeys[purpose]
	if !ok {
		return nil, opErr("active_key", purpose, ErrKeyNotFound)
	}
	return c.snapshotKeyLocked(keyID), nil
}

// RotateKey replaces the key with fresh material under a new key ID. The
// replacement is created and activated before the old key is deactivated,
// so at no point is a purpose left without an active key; a mid-rotation
// failure leaves the old key active. The old key stays available for
// decryption (inactive) until retired. Rotations are serial per key:
// a concurrent attempt on the same key fails with ErrRotationConflict.
func (c *Core) RotateKey(keyID string) (*KeyMetadata, error) {
	const op = "rotate_key"
	requestID := c.newRequestID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, opErr(op, keyID, ErrClosed)
	}
	meta, ok := c.keyMeta[keyID]
	if !ok {
		c.mu.Unlock()
		return nil, opErr(op, keyID, ErrKeyNotFound)
	}
	if c.rotatingKeys[keyID] {
		c.mu.Unlock()
		c.recordFailure(requestID, "KEY_ROTATE_FAILED", "", keyID, ErrRotationConflict, nil)
		return nil, opErr(op, keyID, ErrRotationConflict)
	}
	if meta.Status != KeyStatusActive {
		c.mu.Unlock()
		err := fmt.Errorf("key is %s, only active keys rotate", meta.Status)
		c.recordFailure(requestID, "KEY_ROTATE_FAILED", "", keyID, err, nil)
		return nil, opErr(op, keyID, err)
	}
	c.rotatingKeys[keyID] = true
	meta.Status = KeyStatusRotating
	algorithm := meta.Algorithm
	bits := meta.Bits
	purposes := append([]string(nil), meta.Purposes...)
	c.mu.Unlock()

	clearFlag := func() {
		c.mu.Lock()
		delete(c.rotatingKeys, keyID)
		if m, ok := c.keyMeta[keyID]; ok && m.Status == KeyStatusRotating {
			m.Status = KeyStatusActive
		}
		c.mu.Unlock()
	}

	material, info, attempts, err := c.registry.GenerateKey(context.Background(), algorithm.KeySize())
	if err != nil {
		clearFlag()
		c.recordFailure(requestID, "KEY_ROTATE_FAILED", "", keyID, err, map[string]interface{}{
			"attempts": attemptDetails(attempts),
		})
		return nil, opErr(op, keyID, err)
	}
	if crypto.IsWeakKey(material) {
		clearFlag()
		err = fmt.Errorf("provider %s returned weak key material", info.ID)
		c.recordFailure(requestID, "KEY_ROTATE_FAILED", "", keyID, err, nil)
		return nil, opErr(op, keyID, err)
	}

	newID := uuid.New().String()
	checksum := crypto.Checksum(material)
	now := c.clk.Now().UTC()

	newMeta := &KeyMetadata{
		KeyID:      newID,
		Name:       fmt.Sprintf("%s-%s", purposes[0], now.Format("20060102150405")),
		Algorithm:  algorithm,
		Bits:       bits,
		Status:     KeyStatusActive,
		Purposes:   purposes,
		CreatedAt:  now,
		Checksum:   checksum,
		ProviderID: info.ID,
	}
	enclave := memguard.NewEnclave(material)

	c.mu.Lock()
	c.keyEnclaves[newID] = enclave
	c.keyMeta[newID] = newMeta
	c.keyUsage[newID] = &keyCounters{}

	// Activate the replacement, then deactivate the old key
	var reassigned []string
	for _, purpose := range purposes {
		if c.activeKeys[purpose] == keyID {
			c.activeKeys[purpose] = newID
			reassigned = append(reassigned, purpose)
		}
	}
	deactivatedAt := now
	meta.Status = KeyStatusInactive
	meta.DeactivatedAt = &deactivatedAt

	rollback := func() {
		for _, purpose := range reassigned {
			c.activeKeys[purpose] = keyID
		}
		meta.Status = KeyStatusActive
		meta.DeactivatedAt = nil
		delete(c.keyEnclaves, newID)
		delete(c.keyMeta, newID)
		delete(c.keyUsage, newID)
	}

	if err = c.persistKeyringLocked(); err != nil {
		rollback()
		delete(c.rotatingKeys, keyID)
		c.mu.Unlock()
		c.recordFailure(requestID, "KEY_ROTATE_FAILED", "", keyID, err, nil)
		return nil, opErr(op, keyID, err)
	}
	delete(c.rotatingKeys, keyID)
	snapshot := c.snapshotKeyLocked(newID)
	c.mu.Unlock()

	if err = c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "KEY_ROTATE_COMPLETED",
		Result:    audit.ResultSuccess,
		KeyID:     keyID,
		Details: map[string]interface{}{
			"new_key_id": newID,
			"purposes":   purposes,
			"provider":   info.ID,
		},
	}); err != nil {
		c.mu.Lock()
		rollback()
		_ = c.persistKeyringLocked()
		c.mu.Unlock()
		return nil, opErr(op, keyID, ErrAuditWriteFailed)
	}

	return snapshot, nil
}

// RetireKey permanently destroys the key's material. Only non-active keys
// can be retired: the active key of a purpose must be rotated out first.
// Metadata is kept for the audit record; anything still encrypted under the
// key becomes unrecoverable.
func (c *Core) RetireKey(keyID string) error {
	const op = "retire_key"
	requestID := c.newRequestID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return opErr(op, keyID, ErrClosed)
	}
	meta, ok := c.keyMeta[keyID]
	if !ok {
		c.mu.Unlock()
		return opErr(op, keyID, ErrKeyNotFound)
	}
	if c.rotatingKeys[keyID] {
		c.mu.Unlock()
		c.recordFailure(requestID, "KEY_RETIRE_FAILED", "", keyID, ErrRotationConflict, nil)
		return opErr(op, keyID, ErrRotationConflict)
	}
	for purpose, active := range c.activeKeys {
		if active == keyID {
			c.mu.Unlock()
			err := fmt.Errorf("key is active for purpose %s, rotate before retiring", purpose)
			c.recordFailure(requestID, "KEY_RETIRE_FAILED", "", keyID, err, nil)
			return opErr(op, keyID, err)
		}
	}
	if meta.Status == KeyStatusRetired {
		c.mu.Unlock()
		return nil
	}

	prevStatus := meta.Status
	prevDeactivated := meta.DeactivatedAt
	enclave := c.keyEnclaves[keyID]

	now := c.clk.Now().UTC()
	meta.Status = KeyStatusRetired
	meta.DeactivatedAt = &now
	delete(c.keyEnclaves, keyID)

	if err := c.persistKeyringLocked(); err != nil {
		meta.Status = prevStatus
		meta.DeactivatedAt = prevDeactivated
		if enclave != nil {
			c.keyEnclaves[keyID] = enclave
		}
		c.mu.Unlock()
		return opErr(op, keyID, err)
	}
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "KEY_RETIRE_COMPLETED",
		Result:    audit.ResultSuccess,
		KeyID:     keyID,
	}); err != nil {
		c.mu.Lock()
		meta.Status = prevStatus
		meta.DeactivatedAt = prevDeactivated
		if enclave != nil {
			c.keyEnclaves[keyID] = enclave
		}
		_ = c.persistKeyringLocked()
		c.mu.Unlock()
		return opErr(op, keyID, ErrAuditWriteFailed)
	}

	return nil
}

// ListKeys returns metadata snapshots for every key, newest first
func (c *Core) ListKeys() ([]KeyMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	keys := make([]KeyMetadata, 0, len(c.keyMeta))
	for keyID := range c.keyMeta {
		keys = append(keys, *c.snapshotKeyLocked(keyID))
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].KeyID < keys[j].KeyID
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

// snapshotKeyLocked copies the metadata with current usage counters.
// Callers hold at least a read lock.
func (c *Core) snapshotKeyLocked(keyID string) *KeyMetadata {
	meta, ok := c.keyMeta[keyID]
	if !ok {
		return nil
	}
	snapshot := *meta
	snapshot.Purposes = append([]string(nil), meta.Purposes...)
	if counters, ok := c.keyUsage[keyID]; ok {
		snapshot.Usage = counters.snapshot()
	}
	return &snapshot
}

// loadKeyring loads the persisted keyring, or starts empty on first run
func (c *Core) loadKeyring() error {
	exists, err := c.store.KeysDataExists()
	if err != nil {
		return fmt.Errorf("failed to check for existing keyring: %w", err)
	}
	if !exists {
		return nil
	}

	versioned, err := c.store.LoadKeysData()
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}

	var container keyringContainer
	err = c.withDerivationKey(func(key []byte) error {
		plaintext, err := crypto.DecryptValue(versioned.Data, key)
		if err != nil {
			return fmt.Errorf("failed to unseal keyring (wrong passphrase?): %w", err)
		}
		defer wipe(plaintext)
		return json.Unmarshal(plaintext, &container)
	})
	if err != nil {
		return err
	}

	for i := range container.Keys {
		record := container.Keys[i]
		meta := record.Meta
		c.keyMeta[meta.KeyID] = &meta
		counters := &keyCounters{}
		counters.restore(meta.Usage)
		c.keyUsage[meta.KeyID] = counters
		if len(record.Material) > 0 && meta.Status != KeyStatusRetired {
			c.keyEnclaves[meta.KeyID] = memguard.NewEnclave(record.Material)
		}
	}
	c.activeKeys = container.Active
	if c.activeKeys == nil {
		c.activeKeys = make(map[string]string)
	}
	c.keysVersion = versioned.Version

	return nil
}

// persistKeyringLocked serializes the keyring, seals it under the
// derivation key and writes it with optimistic version retry. Callers hold
// the write lock.
func (c *Core) persistKeyringLocked() error {
	container := keyringContainer{
		Keys:   make([]keyRecord, 0, len(c.keyMeta)),
		Active: c.activeKeys,
	}

	ids := make([]string, 0, len(c.keyMeta))
	for keyID := range c.keyMeta {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)

	for _, keyID := range ids {
		meta := c.keyMeta[keyID]
		record := keyRecord{Meta: *meta}
		if counters, ok := c.keyUsage[keyID]; ok {
			record.Meta.Usage = counters.snapshot()
		}
		if enclave, ok := c.keyEnclaves[keyID]; ok && meta.Status != KeyStatusRetired {
			keyBuffer, err := enclave.Open()
			if err != nil {
				return fmt.Errorf("failed to access key material for %s: %w", keyID, err)
			}
			record.Material = append([]byte(nil), keyBuffer.Bytes()...)
			keyBuffer.Destroy()
		}
		container.Keys = append(container.Keys, record)
	}

	plaintext, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to serialize keyring: %w", err)
	}
	defer wipe(plaintext)
	for i := range container.Keys {
		wipe(container.Keys[i].Material)
	}

	var sealed []byte
	err = c.withDerivationKey(func(key []byte) error {
		var err error
		sealed, err = crypto.EncryptValue(plaintext, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to seal keyring: %w", err)
	}

	return c.withRetry("saveKeysData", func() error {
		currentData, err := c.store.LoadKeysData()
		var currentVersion string
		if err == nil {
			currentVersion = currentData.Version
		}

		newVersion, err := c.store.SaveKeysData(sealed, currentVersion)
		if err == nil {
			c.keysVersion = newVersion
		}
		return err
	})
}

// withDerivationKey opens the derivation key enclave for one operation
func (c *Core) withDerivationKey(fn func(key []byte) error) error {
	if c.derivationKeyEnclave == nil {
		return fmt.Errorf("derivation key not initialized")
	}
	keyBuffer, err := c.derivationKeyEnclave.Open()
	if err != nil {
		return fmt.Errorf("failed to access derivation key: %w", err)
	}
	defer keyBuffer.Destroy()
	return fn(keyBuffer.Bytes())
}

// resolveAlgorithm fills in whichever of algorithm/bits is missing and
// checks they agree.
func resolveAlgorithm(algorithm Algorithm, bits int) (Algorithm, int, error) {
	if algorithm == "" && bits == 0 {
		return AlgorithmAES256GCM, 256, nil
	}
	if algorithm == "" {
		resolved, ok := AlgorithmForBits(bits)
		if !ok {
			return "", 0, fmt.Errorf("unsupported key size: %d bits", bits)
		}
		return resolved, bits, nil
	}
	size := algorithm.KeySize()
	if size == 0 {
		return "", 0, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
	if bits == 0 {
		bits = size * 8
	}
	if bits != size*8 {
		return "", 0, fmt.Errorf("algorithm %s requires %d bits, got %d", algorithm, size*8, bits)
	}
	return algorithm, bits, nil
}

func attemptDetails(attempts []provider.Attempt) []string {
	if len(attempts) == 0 {
		return nil
	}
	details := make([]string, len(attempts))
	for i, attempt := range attempts {
		details[i] = fmt.Sprintf("%s: %v", attempt.ProviderID, attempt.Err)
	}
	return details
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
