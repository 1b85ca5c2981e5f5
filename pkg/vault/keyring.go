package vault

import (
	"context"
	"sort"
	"sync"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// Keyring maps vault ids to secret sources.
type Keyring struct {
	mu      sync.RWMutex
	sources map[string]SecretSource
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{sources: make(map[string]SecretSource)}
}

// Add registers src for id, replacing any previous source. An empty id
// means DefaultID.
func (k *Keyring) Add(id string, src SecretSource) {
	if id == "" {
		id = DefaultID
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sources[id] = src
}

// Source returns the source registered for id.
func (k *Keyring) Source(id string) (SecretSource, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	src, ok := k.sources[id]
	return src, ok
}

// IDs returns the registered vault ids in sorted order.
func (k *Keyring) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.sources))
	for id := range k.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered ids.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.sources)
}

// Secret fetches the secret for id. Unknown ids fail with
// VaultSecretUnavailable.
func (k *Keyring) Secret(ctx context.Context, id string) ([]byte, error) {
	src, ok := k.Source(id)
	if !ok {
		return nil, errs.Newf(errs.CodeVaultSecretUnavailable, "no vault secret configured for vault id %q", id).
			WithDetail("vault_id", id)
	}
	return src.Secret(ctx)
}
