package vault

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/telemetry"
)

// Vault opens envelopes with secrets from a Keyring and caches the results.
// It is safe for concurrent use.
type Vault struct {
	keyring *Keyring
	cache   *Cache
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger. Only vault ids and outcomes are logged.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithMetrics records decryptions and cache hits.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

// WithCache replaces the default cache, for example to share one between
// vaults.
func WithCache(c *Cache) Option {
	return func(v *Vault) {
		v.cache = c
	}
}

// New creates a vault backed by keyring.
func New(keyring *Keyring, opts ...Option) *Vault {
	v := &Vault{
		keyring: keyring,
		cache:   NewCache(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Keyring returns the vault's keyring.
func (v *Vault) Keyring() *Keyring {
	return v.keyring
}

// Cache returns the vault's cache.
func (v *Vault) Cache() *Cache {
	return v.cache
}

// Decrypt opens envelope. The returned buffer belongs to the caller, which
// should clear it after use.
func (v *Vault) Decrypt(ctx context.Context, envelope string) ([]byte, error) {
	env, err := ParseEnvelope([]byte(envelope))
	if err != nil {
		v.metrics.RecordVaultDecryption("malformed")
		return nil, err
	}
	id := env.SecretID()

	plain, hit, err := v.cache.Get(id, env.Body, func() ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.CodeCancelled, "vault decryption cancelled", err)
		}
		secret, err := v.keyring.Secret(ctx, id)
		if err != nil {
			return nil, err
		}
		defer clear(secret)

		start := time.Now()
		out, err := decryptBody(env.Body, secret)
		v.metrics.RecordStep("vault_decrypt", time.Since(start))
		return out, err
	})
	if hit {
		v.metrics.RecordVaultCacheHit()
		return plain, nil
	}
	if err != nil {
		v.metrics.RecordVaultDecryption("failed")
		if code := errs.CodeOf(err); code != "" {
			v.metrics.RecordError(string(code))
		}
		v.logger.Debug().Str("vault_id", id).Str("code", string(errs.CodeOf(err))).Msg("vault decryption failed")
		if errs.HasCode(err, errs.CodeVaultIntegrity) {
			return nil, errs.Newf(errs.CodeVaultIntegrity, "decryption failed for vault id %q", id).
				WithDetail("vault_id", id)
		}
		return nil, err
	}
	v.metrics.RecordVaultDecryption("ok")
	v.logger.Debug().Str("vault_id", id).Msg("vault envelope decrypted")
	return plain, nil
}

// Encrypt seals plaintext with the secret registered for id.
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte, id string) ([]byte, error) {
	if id == "" {
		id = DefaultID
	}
	secret, err := v.keyring.Secret(ctx, id)
	if err != nil {
		return nil, err
	}
	defer clear(secret)
	return Encrypt(plaintext, secret, id)
}

// Invalidate drops cached plaintext for id.
func (v *Vault) Invalidate(id string) {
	n := v.cache.Invalidate(id)
	v.logger.Debug().Str("vault_id", id).Int("entries", n).Msg("vault cache invalidated")
}
