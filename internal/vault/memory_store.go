package vault

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type delegateKey struct {
	owner    common.Address
	delegate common.Address
}

// MemoryStore keeps all records in process memory. It backs tests and the
// single-node deployment. Records are cloned on the way in and out so
// callers can never mutate stored state behind the engine's back.
type MemoryStore struct {
	mu        sync.RWMutex
	configs   map[uint8]*GlobalConfig
	vaults    map[common.Address]*Vault
	delegates map[delegateKey]*Delegate
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[uint8]*GlobalConfig),
		vaults:    make(map[common.Address]*Vault),
		delegates: make(map[delegateKey]*Delegate),
	}
}

// GetConfig implements Store.
func (m *MemoryStore) GetConfig(_ context.Context, version uint8) (*GlobalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[version]
	if !ok {
		return nil, ErrConfigNotFound
	}
	clone := *cfg
	return &clone, nil
}

// PutConfig implements Store.
func (m *MemoryStore) PutConfig(_ context.Context, cfg *GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.Version]; ok {
		return ErrAlreadyInitialized
	}
	clone := *cfg
	m.configs[cfg.Version] = &clone
	return nil
}

// GetVault implements Store.
func (m *MemoryStore) GetVault(_ context.Context, owner common.Address) (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[owner]
	if !ok {
		return nil, ErrVaultNotFound
	}
	clone := *v
	return &clone, nil
}

// CreateVault implements Store.
func (m *MemoryStore) CreateVault(_ context.Context, v *Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.Owner]; ok {
		return ErrVaultExists
	}
	clone := *v
	m.vaults[v.Owner] = &clone
	return nil
}

// UpdateVault implements Store.
func (m *MemoryStore) UpdateVault(_ context.Context, v *Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.Owner]; !ok {
		return ErrVaultNotFound
	}
	clone := *v
	m.vaults[v.Owner] = &clone
	return nil
}

// GetDelegate implements Store.
func (m *MemoryStore) GetDelegate(_ context.Context, owner, delegate common.Address) (*Delegate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.delegates[delegateKey{owner: owner, delegate: delegate}]
	if !ok {
		return nil, ErrDelegateNotFound
	}
	clone := *d
	return &clone, nil
}

// PutDelegate implements Store.
func (m *MemoryStore) PutDelegate(_ context.Context, d *Delegate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	m.delegates[delegateKey{owner: d.Owner, delegate: d.Address}] = &clone
	return nil
}

// ListDelegates implements Store. Results are ordered by delegate address
// so listings are stable across calls.
func (m *MemoryStore) ListDelegates(_ context.Context, owner common.Address) ([]*Delegate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Delegate, 0, 4)
	for key, d := range m.delegates {
		if key.owner != owner {
			continue
		}
		clone := *d
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Address.Hex() < results[j].Address.Hex()
	})
	return results, nil
}

// Close implements Store. Nothing to release for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
