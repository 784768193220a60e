package persist

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and ephemeral
// deployments. Version semantics match the durable backends.
type MemoryStore struct {
	mu      sync.RWMutex
	keys    []byte
	salt    []byte
	secrets []byte
	stamps  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stamps: make(map[string]time.Time)}
}

func (ms *MemoryStore) SaveKeysData(encryptedKeysData []byte, expectedVersion string) (string, error) {
	return ms.save(&ms.keys, "keys", encryptedKeysData, expectedVersion, "SaveKeysData")
}

func (ms *MemoryStore) LoadKeysData() (*VersionedData, error) {
	return ms.load(&ms.keys, "keys", "key data")
}

func (ms *MemoryStore) KeysDataExists() (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.keys != nil, nil
}

func (ms *MemoryStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return ms.save(&ms.salt, "salt", saltData, expectedVersion, "SaveSalt")
}

func (ms *MemoryStore) LoadSalt() (*VersionedData, error) {
	return ms.load(&ms.salt, "salt", "salt")
}

func (ms *MemoryStore) SaltExists() (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.salt != nil, nil
}

func (ms *MemoryStore) SaveSecretsData(encryptedSecretsData []byte, expectedVersion string) (string, error) {
	return ms.save(&ms.secrets, "secrets", encryptedSecretsData, expectedVersion, "SaveSecretsData")
}

func (ms *MemoryStore) LoadSecretsData() (*VersionedData, error) {
	return ms.load(&ms.secrets, "secrets", "secrets data")
}

func (ms *MemoryStore) SecretsDataExists() (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.secrets != nil, nil
}

func (ms *MemoryStore) Ping() error {
	return nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

func (ms *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

func (ms *MemoryStore) save(slot *[]byte, stamp string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if expectedVersion != "" {
		currentVersion := ""
		if *slot != nil {
			currentVersion = calculateVersion(*slot)
		}
		if currentVersion != expectedVersion {
			return "", ConflictError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	*slot = buf
	ms.stamps[stamp] = time.Now().UTC()

	return calculateVersion(data), nil
}

func (ms *MemoryStore) load(slot *[]byte, stamp, what string) (*VersionedData, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if *slot == nil {
		return nil, notFoundError(what)
	}

	buf := make([]byte, len(*slot))
	copy(buf, *slot)

	return &VersionedData{
		Data:      buf,
		Version:   calculateVersion(buf),
		Timestamp: ms.stamps[stamp],
	}, nil
}
