package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// FragmentsVar holds encrypted YAML mappings whose keys are merged into a
// host's variables after every other source.
const FragmentsVar = "froyo_vault_fragments"

// Decrypter opens vault envelopes. The returned buffer is owned by the
// caller, which wipes it after use.
type Decrypter interface {
	Decrypt(ctx context.Context, envelope string) ([]byte, error)
}

// ResolveOptions controls ResolveVars.
type ResolveOptions struct {
	// Decrypter opens encrypted values. Without one, any encrypted value
	// fails resolution with VaultSecretUnavailable.
	Decrypter Decrypter

	// Strict rejects vault fragments that would replace a plain variable.
	Strict bool
}

// Snapshot is a frozen copy of an Inventory. It is safe for concurrent
// readers; callers must not modify the hosts and groups it returns.
type Snapshot struct {
	graph
	localhost *Host
}

func newSnapshot(g graph) *Snapshot {
	s := &Snapshot{graph: g}
	if _, ok := g.hostIdx["localhost"]; !ok {
		s.localhost = &Host{
			ID:   ImplicitHostID,
			Name: "localhost",
			Vars: Vars{"froyo_connection": "local"},
		}
	}
	return s
}

// ImplicitLocalhost returns the localhost used when the inventory does not
// declare one, or nil when it does.
func (s *Snapshot) ImplicitLocalhost() *Host {
	return s.localhost
}

// Host returns the host with id, including the implicit localhost.
func (s *Snapshot) Host(id HostID) *Host {
	if id == ImplicitHostID {
		return s.localhost
	}
	return s.graph.Host(id)
}

// ResolveVars computes the effective variables of h. Precedence from low to
// high: ancestor groups ordered shallow to deep, the host's own variables,
// magic variables, then decrypted vault values. Vault fragments are
// collected from every level in the same order and applied last, so a
// host's fragments add to its groups' fragments instead of replacing them.
func (s *Snapshot) ResolveVars(ctx context.Context, h *Host, opts ResolveOptions) (Vars, error) {
	ancestors := s.Ancestors(h)

	result := Vars{}
	var fragments []interface{}
	for _, g := range ancestors {
		vars, items := splitFragments(g.Vars)
		result = mergeVars(result, vars, s.mergeMode)
		fragments = append(fragments, items...)
	}
	vars, items := splitFragments(h.Vars)
	result = mergeVars(result, vars, s.mergeMode)
	fragments = append(fragments, items...)

	groupNames := make([]interface{}, 0, len(ancestors))
	names := make([]string, 0, len(ancestors))
	for _, g := range ancestors {
		if g.Name == AllGroup || g.Name == UngroupedGroup {
			continue
		}
		names = append(names, g.Name)
	}
	sort.Strings(names)
	for _, n := range names {
		groupNames = append(groupNames, n)
	}

	result["inventory_hostname"] = h.Name
	result["inventory_hostname_short"] = strings.SplitN(h.Name, ".", 2)[0]
	result["group_names"] = groupNames
	if h.Origin != "" {
		result["inventory_file"] = h.Origin
		result["inventory_dir"] = filepath.Dir(h.Origin)
	}

	if err := applyVault(ctx, h.Name, result, fragments, opts); err != nil {
		return nil, err
	}
	return result, nil
}

// splitFragments returns vars without FragmentsVar and the fragments it
// held. vars itself is not modified.
func splitFragments(vars Vars) (Vars, []interface{}) {
	f, ok := vars[FragmentsVar]
	if !ok {
		return vars, nil
	}
	rest := make(Vars, len(vars)-1)
	for k, v := range vars {
		if k != FragmentsVar {
			rest[k] = v
		}
	}
	if list, ok := f.([]interface{}); ok {
		return rest, list
	}
	return rest, []interface{}{f}
}

func applyVault(ctx context.Context, host string, result Vars, fragments []interface{}, opts ResolveOptions) error {
	vaultKeys := make(map[string]bool)
	keys := sortedKeys(result)
	for _, k := range keys {
		v := result[k]
		if _, ok := v.(Encrypted); ok {
			vaultKeys[k] = true
		}
		decrypted, err := decryptValue(ctx, v, opts.Decrypter)
		if err != nil {
			return fmt.Errorf("host %s variable %s: %w", host, k, err)
		}
		result[k] = decrypted
	}

	for i, item := range fragments {
		envelope, ok := asEnvelope(item)
		if !ok {
			return errs.Newf(errs.CodeIngest, "%s[%d] is not an encrypted value", FragmentsVar, i).WithHost(host)
		}
		fragment, err := decryptFragment(ctx, envelope, opts.Decrypter)
		if err != nil {
			return fmt.Errorf("host %s %s[%d]: %w", host, FragmentsVar, i, err)
		}
		for _, k := range sortedKeys(fragment) {
			if _, exists := result[k]; exists && !vaultKeys[k] && opts.Strict {
				return errs.Newf(errs.CodeVaultOverrideConflict,
					"vault fragment would override variable %q", k).WithHost(host)
			}
			result[k] = fragment[k]
			vaultKeys[k] = true
		}
	}
	return nil
}

func decryptValue(ctx context.Context, v interface{}, dec Decrypter) (interface{}, error) {
	switch val := v.(type) {
	case Encrypted:
		plain, err := open(ctx, string(val), dec)
		if err != nil {
			return nil, err
		}
		defer clear(plain)
		return string(plain), nil
	case map[string]interface{}:
		for k, item := range val {
			d, err := decryptValue(ctx, item, dec)
			if err != nil {
				return nil, err
			}
			val[k] = d
		}
		return val, nil
	case []interface{}:
		for i, item := range val {
			d, err := decryptValue(ctx, item, dec)
			if err != nil {
				return nil, err
			}
			val[i] = d
		}
		return val, nil
	default:
		return v, nil
	}
}

func decryptFragment(ctx context.Context, envelope string, dec Decrypter) (Vars, error) {
	plain, err := open(ctx, envelope, dec)
	if err != nil {
		return nil, err
	}
	defer clear(plain)

	var fragment map[string]interface{}
	if err := yaml.Unmarshal(plain, &fragment); err != nil {
		// The YAML error may quote plaintext, so it is not wrapped.
		return nil, errs.New(errs.CodeIngest, "vault fragment is not a YAML mapping")
	}
	return Vars(fragment), nil
}

func open(ctx context.Context, envelope string, dec Decrypter) ([]byte, error) {
	if dec == nil {
		return nil, errs.New(errs.CodeVaultSecretUnavailable, "encrypted value found but no vault secrets are configured")
	}
	return dec.Decrypt(ctx, envelope)
}

func asEnvelope(v interface{}) (string, bool) {
	switch val := v.(type) {
	case Encrypted:
		return string(val), true
	case string:
		if isEnvelope(val) {
			return val, true
		}
	}
	return "", false
}

func sortedKeys[M ~map[string]interface{}](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
