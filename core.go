package tresor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/device"
	"southwinds.dev/tresor/internal/crypto"
	"southwinds.dev/tresor/internal/mem"
	"southwinds.dev/tresor/persist"
	"southwinds.dev/tresor/provider"
)

func init() {
	// Enable memguard protection
	memguard.CatchInterrupt()
}

const (
	maxPersistRetries = 3
	persistBaseDelay  = 50 * time.Millisecond
	persistMaxDelay   = time.Second
)

// Core implements CoreService. All state mutations go through the core's
// lock; key material lives in memguard enclaves and is only opened for the
// duration of a single cryptographic operation.
//
// Every operation records exactly one audit event. The event is written
// after the work succeeds and before the result is released to the caller;
// if the event cannot be recorded the operation is rolled back and fails
// with ErrAuditWriteFailed.
type Core struct {
	opts     Options
	store    persist.Store
	registry *provider.Registry
	auditLog audit.Logger
	clk      clock.Clock

	mu sync.RWMutex

	// Keyring
	keyEnclaves  map[string]*memguard.Enclave
	keyMeta      map[string]*KeyMetadata
	keyUsage     map[string]*keyCounters
	activeKeys   map[string]string // purpose -> key ID
	rotatingKeys map[string]bool
	keysVersion  string

	// Derivation key management
	derivationKeyEnclave  *memguard.Enclave
	derivationSaltEnclave *memguard.Enclave

	// Secrets
	secrets         map[string]*secretEntry
	rotatingSecrets map[string]bool
	secretsVersion  string

	// Device keystore handles (references only, never key bytes)
	handles map[string]device.KeyHandle

	memoryProtectionLevel mem.ProtectionLevel
	sched                 *scheduler
	healthCancel          context.CancelFunc
	ownsRegistry          bool
	closed                bool
}

var _ CoreService = (*Core)(nil)

// New creates a Core wired to the given storage backend, audit logger,
// provider registry and clock.
//
// A nil clock selects the wall clock; a nil audit logger disables auditing
// (no-op logger); a nil registry gets a registry with a single local
// software provider. Initialization loads or creates the derivation salt,
// derives the store-encryption key from the passphrase, and loads any
// persisted keyring and secret collection.
func New(options Options, store persist.Store, auditLogger audit.Logger, registry *provider.Registry, clk clock.Clock) (*Core, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	ownsRegistry := false
	if registry == nil {
		registry = provider.NewRegistry(clk, provider.WithCallTimeout(options.ProviderCallTimeout))
		if err := registry.Register(provider.NewLocal(provider.LocalConfig{Default: true})); err != nil {
			return nil, fmt.Errorf("failed to register local provider: %w", err)
		}
		ownsRegistry = true
	}
	if options.DefaultProviderID != "" {
		if err := registry.SetDefault(options.DefaultProviderID); err != nil {
			return nil, fmt.Errorf("failed to set default provider: %w", err)
		}
	}

	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("storage backend unreachable: %w", err)
	}

	c := &Core{
		opts:            options,
		store:           store,
		registry:        registry,
		auditLog:        auditLogger,
		clk:             clk,
		keyEnclaves:     make(map[string]*memguard.Enclave),
		keyMeta:         make(map[string]*KeyMetadata),
		keyUsage:        make(map[string]*keyCounters),
		activeKeys:      make(map[string]string),
		rotatingKeys:    make(map[string]bool),
		secrets:         make(map[string]*secretEntry),
		rotatingSecrets: make(map[string]bool),
		handles:         make(map[string]device.KeyHandle),
		ownsRegistry:    ownsRegistry,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("failed to enable memory protection: %w", err)
		}
		c.memoryProtectionLevel = level
	}

	if err := c.setupDerivationKey(options.DerivationPassphrase, options.EnvPassphraseVar); err != nil {
		c.teardown()
		return nil, err
	}

	if err := c.loadKeyring(); err != nil {
		c.teardown()
		return nil, err
	}

	if err := c.loadSecretsCollection(); err != nil {
		c.teardown()
		return nil, err
	}

	c.registry.SetStatusListener(c.providerStatusChanged)
	if options.ProviderHealthInterval > 0 {
		healthCtx, cancel := context.WithCancel(context.Background())
		c.healthCancel = cancel
		c.registry.StartHealthLoop(healthCtx, options.ProviderHealthInterval)
	}

	if options.SchedulerInterval > 0 {
		c.sched = newScheduler(c, options.SchedulerInterval)
		c.sched.start()
	}

	return c, nil
}

// providerStatusChanged records health-driven provider transitions in the
// audit trail. Failures are swallowed: losing a status event must not stop
// the health loop.
func (c *Core) providerStatusChanged(providerID string, from, to provider.Status) {
	_ = c.recordAudit(&audit.Event{
		RequestID: c.newRequestID(),
		Action:    "PROVIDER_STATUS_CHANGED",
		Result:    audit.ResultSuccess,
		Details: map[string]interface{}{
			"provider": providerID,
			"from":     string(from),
			"to":       string(to),
		},
	})
}

// Encrypt seals plaintext under the active key for the purpose and returns
// the wire envelope. Payloads at or above the compression threshold are
// compressed first; the envelope records that so Decrypt can reverse it.
func (c *Core) Encrypt(plaintext []byte, purpose string) (*Envelope, error) {
	const op = "encrypt"
	requestID := c.newRequestID()

	if len(plaintext) == 0 {
		return nil, opErr(op, "", fmt.Errorf("plaintext is required"))
	}

	if _, err := c.registry.Require(provider.CapEncrypt); err != nil {
		c.recordFailure(requestID, "ENCRYPT_FAILED", "", "", err, nil)
		return nil, opErr(op, "", err)
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, opErr(op, "", ErrClosed)
	}
	keyID, ok := c.activeKeys[purpose]
	if !ok {
		c.mu.RUnlock()
		c.recordFailure(requestID, "ENCRYPT_FAILED", "", "", ErrKeyNotFound, map[string]interface{}{"purpose": purpose})
		return nil, opErr(op, purpose, ErrKeyNotFound)
	}
	enclave := c.keyEnclaves[keyID]
	meta := c.keyMeta[keyID]
	algorithm := meta.Algorithm
	c.mu.RUnlock()

	envelope, err := c.sealWithEnclave(enclave, string(algorithm), keyID, plaintext)
	if err != nil {
		c.recordFailure(requestID, "ENCRYPT_FAILED", "", keyID, err, nil)
		return nil, opErr(op, keyID, err)
	}

	c.usageFor(keyID).encrypt.Inc()

	if err = c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "ENCRYPT_COMPLETED",
		Result:    audit.ResultSuccess,
		KeyID:     keyID,
		Details: map[string]interface{}{
			"purpose":    purpose,
			"algorithm":  string(algorithm),
			"size":       len(plaintext),
			"compressed": envelope.Compressed,
		},
	}); err != nil {
		return nil, opErr(op, keyID, ErrAuditWriteFailed)
	}

	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt. The key is selected by the
// envelope's key ID, so payloads sealed before a rotation still decrypt as
// long as the old key has not been retired. Tag or ciphertext mismatches
// and corrupted compressed payloads fail with ErrDecryptionFailed.
func (c *Core) Decrypt(envelope *Envelope) ([]byte, error) {
	const op = "decrypt"
	requestID := c.newRequestID()

	if envelope == nil {
		return nil, opErr(op, "", fmt.Errorf("envelope is required"))
	}
	if err := envelope.Validate(); err != nil {
		c.recordFailure(requestID, "DECRYPT_FAILED", "", envelope.KeyID, ErrDecryptionFailed, nil)
		return nil, opErr(op, envelope.KeyID, fmt.Errorf("%w: %v", ErrDecryptionFailed, err))
	}

	if _, err := c.registry.Require(provider.CapDecrypt); err != nil {
		c.recordFailure(requestID, "DECRYPT_FAILED", "", envelope.KeyID, err, nil)
		return nil, opErr(op, envelope.KeyID, err)
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, opErr(op, "", ErrClosed)
	}
	enclave, ok := c.keyEnclaves[envelope.KeyID]
	meta := c.keyMeta[envelope.KeyID]
	c.mu.RUnlock()

	if !ok || meta == nil || meta.Status == KeyStatusRetired {
		c.recordFailure(requestID, "DECRYPT_FAILED", "", envelope.KeyID, ErrKeyNotFound, nil)
		return nil, opErr(op, envelope.KeyID, ErrKeyNotFound)
	}

	plaintext, err := c.openWithEnclave(enclave, envelope)
	if err != nil {
		c.recordFailure(requestID, "DECRYPT_FAILED", "", envelope.KeyID, ErrDecryptionFailed, nil)
		return nil, opErr(op, envelope.KeyID, err)
	}

	c.usageFor(envelope.KeyID).decrypt.Inc()

	if err = c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "DECRYPT_COMPLETED",
		Result:    audit.ResultSuccess,
		KeyID:     envelope.KeyID,
		Details: map[string]interface{}{
			"algorithm":  envelope.Algorithm,
			"compressed": envelope.Compressed,
		},
	}); err != nil {
		return nil, opErr(op, envelope.KeyID, ErrAuditWriteFailed)
	}

	return plaintext, nil
}

// Health reports provider states and entity counts
func (c *Core) Health() (*HealthStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	return &HealthStatus{
		Providers: c.registry.Infos(),
		Keys:      len(c.keyMeta),
		Secrets:   len(c.secrets),
	}, nil
}

// MemoryProtection describes the level of memory protection in effect
func (c *Core) MemoryProtection() string {
	switch c.memoryProtectionLevel {
	case mem.ProtectionFull:
		return "full (memory locked)"
	case mem.ProtectionPartial:
		return "partial (enclaves only)"
	default:
		return "none"
	}
}

// RegisterHandle records a device keystore handle under a name. The core
// stores the reference only; key bytes never cross this boundary. When the
// core requires biometrics, handles without biometric protection are
// rejected.
func (c *Core) RegisterHandle(name string, handle device.KeyHandle) error {
	const op = "register_handle"
	requestID := c.newRequestID()

	if name == "" {
		return opErr(op, "", fmt.Errorf("handle name is required"))
	}
	if handle.Alias == "" {
		return opErr(op, name, fmt.Errorf("handle alias is required"))
	}
	if c.opts.RequireBiometric && !handle.Biometric {
		err := fmt.Errorf("handle %s is not biometric-protected", name)
		c.recordFailure(requestID, "DEVICE_HANDLE_REGISTER_FAILED", "", "", err, map[string]interface{}{"handle": name})
		return opErr(op, name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return opErr(op, name, ErrClosed)
	}
	previous, existed := c.handles[name]
	c.handles[name] = handle
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "DEVICE_HANDLE_REGISTERED",
		Result:    audit.ResultSuccess,
		Details: map[string]interface{}{
			"handle":    name,
			"platform":  handle.Platform,
			"backing":   string(handle.Backing),
			"biometric": handle.Biometric,
		},
	}); err != nil {
		c.mu.Lock()
		if existed {
			c.handles[name] = previous
		} else {
			delete(c.handles, name)
		}
		c.mu.Unlock()
		return opErr(op, name, ErrAuditWriteFailed)
	}
	return nil
}

// Handle looks up a registered device keystore handle
func (c *Core) Handle(name string) (device.KeyHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return device.KeyHandle{}, ErrClosed
	}
	handle, ok := c.handles[name]
	if !ok {
		return device.KeyHandle{}, device.ErrHandleNotFound
	}
	return handle, nil
}

// RevokeHandle forgets a registered handle. The keystore entry itself is
// untouched; revocation only removes the core's reference.
func (c *Core) RevokeHandle(name string) error {
	const op = "revoke_handle"
	requestID := c.newRequestID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return opErr(op, name, ErrClosed)
	}
	handle, ok := c.handles[name]
	if !ok {
		c.mu.Unlock()
		return opErr(op, name, device.ErrHandleNotFound)
	}
	delete(c.handles, name)
	c.mu.Unlock()

	if err := c.recordAudit(&audit.Event{
		RequestID: requestID,
		Action:    "DEVICE_HANDLE_REVOKED",
		Result:    audit.ResultSuccess,
		Details:   map[string]interface{}{"handle": name},
	}); err != nil {
		c.mu.Lock()
		c.handles[name] = handle
		c.mu.Unlock()
		return opErr(op, name, ErrAuditWriteFailed)
	}
	return nil
}

// Audit exposes the audit trail for query and verification tooling
func (c *Core) Audit() audit.Logger {
	return c.auditLog
}

// PruneAudit applies the retention policy to the audit trail. Only a
// contiguous prefix older than the retention window is removed, keeping the
// hash chain of surviving events intact.
func (c *Core) PruneAudit() (int, error) {
	if c.opts.AuditRetentionDays <= 0 {
		return 0, nil
	}
	cutoff := c.clk.Now().UTC().AddDate(0, 0, -c.opts.AuditRetentionDays)
	return c.auditLog.Prune(cutoff)
}

// Close stops the scheduler, persists outstanding state, destroys key
// enclaves and closes the audit trail. The core is unusable afterwards.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sched := c.sched
	c.sched = nil
	c.mu.Unlock()

	if sched != nil {
		sched.stop()
	}
	if c.healthCancel != nil {
		c.healthCancel()
	}

	var errs []error

	c.mu.Lock()
	if err := c.persistKeyringLocked(); err != nil {
		errs = append(errs, fmt.Errorf("failed to persist keyring: %w", err))
	}
	if err := c.persistSecretsLocked(); err != nil {
		errs = append(errs, fmt.Errorf("failed to persist secrets: %w", err))
	}
	c.teardownLocked()
	c.mu.Unlock()

	if c.ownsRegistry {
		if err := c.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close provider registry: %w", err))
		}
	}

	if err := c.auditLog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	return combineErrs(errs)
}

func (c *Core) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Core) teardownLocked() {
	for id, enclave := range c.keyEnclaves {
		_ = enclave // enclaves hold no OS resources; dropping the reference suffices
		delete(c.keyEnclaves, id)
	}
	c.derivationKeyEnclave = nil
	c.derivationSaltEnclave = nil

	if c.opts.EnableMemoryLock && c.memoryProtectionLevel == mem.ProtectionFull {
		_ = mem.Unlock()
	}
}

// setupDerivationKey resolves the passphrase, loads or creates the salt and
// derives the store-encryption key into an enclave.
func (c *Core) setupDerivationKey(passphrase, envVar string) error {
	if passphrase == "" && envVar != "" {
		passphrase = os.Getenv(envVar)
	}
	if passphrase == "" {
		return fmt.Errorf("derivation passphrase is required (set it directly or via the configured environment variable)")
	}

	if err := c.loadOrCreateSalt(c.opts.DerivationSalt); err != nil {
		return err
	}

	keyBuffer, err := crypto.DeriveKey([]byte(passphrase), c.derivationSaltEnclave)
	if err != nil {
		return fmt.Errorf("failed to derive store-encryption key: %w", err)
	}
	c.derivationKeyEnclave = keyBuffer.Seal()
	return nil
}

// loadOrCreateSalt fetches the persisted derivation salt, or generates and
// persists a fresh one on first initialization.
func (c *Core) loadOrCreateSalt(providedSalt []byte) error {
	exists, err := c.store.SaltExists()
	if err != nil {
		return fmt.Errorf("failed to check for existing salt: %w", err)
	}

	var salt []byte
	switch {
	case exists:
		versioned, err := c.store.LoadSalt()
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}
		salt = versioned.Data
	case providedSalt != nil:
		salt = make([]byte, len(providedSalt))
		copy(salt, providedSalt)
		if err = c.saveSaltWithRetry(salt); err != nil {
			return fmt.Errorf("failed to persist salt: %w", err)
		}
	default:
		salt, err = crypto.NewSalt()
		if err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		if err = c.saveSaltWithRetry(salt); err != nil {
			return fmt.Errorf("failed to persist salt: %w", err)
		}
	}

	c.derivationSaltEnclave = memguard.NewEnclave(salt)
	return nil
}

// sealWithEnclave opens the key enclave for the duration of one seal
func (c *Core) sealWithEnclave(enclave *memguard.Enclave, algorithm, keyID string, plaintext []byte) (*Envelope, error) {
	keyBuffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer keyBuffer.Destroy()

	payload := plaintext
	compressed := false
	if len(plaintext) >= c.opts.compressionThreshold() {
		payload = crypto.Compress(plaintext)
		compressed = true
	}

	iv, ciphertext, tag, err := crypto.Seal(algorithm, keyBuffer.Bytes(), payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Algorithm:  algorithm,
		KeyID:      keyID,
		IV:         iv,
		Tag:        tag,
		Ciphertext: ciphertext,
		Compressed: compressed,
	}, nil
}

// openWithEnclave opens the key enclave for the duration of one open
func (c *Core) openWithEnclave(enclave *memguard.Enclave, envelope *Envelope) ([]byte, error) {
	keyBuffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer keyBuffer.Destroy()

	payload, err := crypto.Open(envelope.Algorithm, keyBuffer.Bytes(), envelope.IV, envelope.Ciphertext, envelope.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if envelope.Compressed {
		plaintext, err := crypto.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupted compressed payload", ErrDecryptionFailed)
		}
		return plaintext, nil
	}
	return payload, nil
}

// recordAudit stamps and writes the single audit event for an operation.
// The operation must treat a non-nil return as fatal.
func (c *Core) recordAudit(event *audit.Event) error {
	event.Timestamp = c.clk.Now().UTC()
	if event.Actor == "" {
		event.Actor = "core"
	}
	return c.auditLog.Record(event)
}

// recordFailure writes the failure event for an operation. A trail that
// cannot even record failures is not made fatal here: the operation is
// already failing with its primary error.
func (c *Core) recordFailure(requestID, action, secretID, keyID string, cause error, details map[string]interface{}) {
	event := &audit.Event{
		RequestID: requestID,
		Action:    action,
		Result:    audit.ResultFailure,
		SecretID:  secretID,
		KeyID:     keyID,
		Details:   details,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	_ = c.recordAudit(event)
}

func (c *Core) newRequestID() string {
	return uuid.New().String()
}

func (c *Core) usageFor(keyID string) *keyCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters, ok := c.keyUsage[keyID]
	if !ok {
		counters = &keyCounters{}
		c.keyUsage[keyID] = counters
	}
	return counters
}

// withRetry executes an operation with exponential backoff on version
// conflicts from the storage backend.
func (c *Core) withRetry(operation string, fn func() error) error {
	delay := &backoff.Backoff{
		Min:    persistBaseDelay,
		Max:    persistMaxDelay,
		Jitter: true,
	}

	for attempt := 0; attempt <= maxPersistRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if conflict, ok := err.(interface{ IsConflictError() bool }); ok && conflict.IsConflictError() {
			if attempt == maxPersistRetries {
				return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
					operation, maxPersistRetries+1, err)
			}
			c.clk.Sleep(delay.Duration())
			continue
		}

		return err
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func (c *Core) saveSaltWithRetry(data []byte) error {
	return c.withRetry("saveSalt", func() error {
		currentData, err := c.store.LoadSalt()
		var currentVersion string
		if err == nil {
			currentVersion = currentData.Version
		}

		_, err = c.store.SaveSalt(data, currentVersion)
		return err
	})
}

func combineErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	for _, err := range errs[1:] {
		msg += "; " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}
