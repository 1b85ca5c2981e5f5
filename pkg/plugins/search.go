package plugins

import (
	"os"
	"path/filepath"
	"strings"
)

// SearchPaths lists artifact directories per kind, highest precedence first.
type SearchPaths struct {
	Connection []string
	Shell      []string
	Callback   []string
}

// For returns the directories for kind.
func (p SearchPaths) For(kind Kind) []string {
	switch kind {
	case KindConnection:
		return p.Connection
	case KindShell:
		return p.Shell
	case KindCallback:
		return p.Callback
	default:
		return nil
	}
}

func (p *SearchPaths) set(kind Kind, dirs []string) {
	switch kind {
	case KindConnection:
		p.Connection = dirs
	case KindShell:
		p.Shell = dirs
	case KindCallback:
		p.Callback = dirs
	}
}

// EnvVar returns the environment variable holding the search path for kind,
// e.g. FROYO_CONNECTION_PLUGINS.
func EnvVar(kind Kind) string {
	return "FROYO_" + strings.ToUpper(string(kind)) + "_PLUGINS"
}

// DefaultSearchPaths returns <home>/plugins/<kind> for every kind.
func DefaultSearchPaths(home string) SearchPaths {
	var p SearchPaths
	for _, kind := range Kinds {
		p.set(kind, []string{filepath.Join(home, "plugins", string(kind))})
	}
	return p
}

// ResolveSearchPaths picks, per kind, the per-run override when set, else
// the environment variable when set, else defaults. lookupEnv is usually
// os.LookupEnv.
func ResolveSearchPaths(override SearchPaths, lookupEnv func(string) (string, bool), defaults SearchPaths) SearchPaths {
	var p SearchPaths
	for _, kind := range Kinds {
		switch {
		case len(override.For(kind)) > 0:
			p.set(kind, override.For(kind))
		case lookupEnv != nil && envSet(lookupEnv, EnvVar(kind)):
			v, _ := lookupEnv(EnvVar(kind))
			p.set(kind, SplitList(v))
		default:
			p.set(kind, defaults.For(kind))
		}
	}
	return p
}

func envSet(lookupEnv func(string) (string, bool), key string) bool {
	v, ok := lookupEnv(key)
	return ok && strings.TrimSpace(v) != ""
}

// SplitList splits a colon-separated directory list. Empty entries are
// dropped and a leading ~ expands to the user's home directory.
func SplitList(list string) []string {
	var dirs []string
	for _, d := range strings.Split(list, ":") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		dirs = append(dirs, ExpandHome(d))
	}
	return dirs
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
