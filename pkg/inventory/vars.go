package inventory

import (
	"fmt"
	"reflect"
	"strconv"
)

// MergeMode controls how a variable defined twice is combined.
type MergeMode int

const (
	// MergeReplace lets the later definition win outright.
	MergeReplace MergeMode = iota

	// MergeUnion merges mappings recursively and concatenates lists,
	// dropping duplicate list items. Scalars still replace.
	MergeUnion
)

// String implements fmt.Stringer.
func (m MergeMode) String() string {
	switch m {
	case MergeReplace:
		return "replace"
	case MergeUnion:
		return "merge"
	default:
		return fmt.Sprintf("MergeMode(%d)", int(m))
	}
}

// ParseMergeMode converts a configuration value to a MergeMode.
func ParseMergeMode(s string) (MergeMode, error) {
	switch s {
	case "", "replace":
		return MergeReplace, nil
	case "merge", "union":
		return MergeUnion, nil
	default:
		return MergeReplace, fmt.Errorf("unknown merge mode %q", s)
	}
}

// Encrypted is a variable value holding a vault envelope. It is decrypted
// only during variable resolution.
type Encrypted string

// mergeVars returns dst with src merged on top. dst is modified in place
// when non-nil; src values are deep-copied.
func mergeVars(dst, src Vars, mode MergeMode) Vars {
	if dst == nil {
		dst = Vars{}
	}
	for k, v := range src {
		if mode == MergeUnion {
			if existing, ok := dst[k]; ok {
				dst[k] = unionValue(existing, v)
				continue
			}
		}
		dst[k] = deepCopy(v)
	}
	return dst
}

func unionValue(existing, incoming interface{}) interface{} {
	switch in := incoming.(type) {
	case map[string]interface{}:
		if ex, ok := existing.(map[string]interface{}); ok {
			out := make(map[string]interface{}, len(ex)+len(in))
			for k, v := range ex {
				out[k] = deepCopy(v)
			}
			for k, v := range in {
				if cur, ok := out[k]; ok {
					out[k] = unionValue(cur, v)
				} else {
					out[k] = deepCopy(v)
				}
			}
			return out
		}
	case []interface{}:
		if ex, ok := existing.([]interface{}); ok {
			out := make([]interface{}, 0, len(ex)+len(in))
			for _, v := range ex {
				out = appendUnique(out, v)
			}
			for _, v := range in {
				out = appendUnique(out, v)
			}
			return out
		}
	}
	return deepCopy(incoming)
}

func appendUnique(list []interface{}, v interface{}) []interface{} {
	for _, existing := range list {
		if reflect.DeepEqual(existing, v) {
			return list
		}
	}
	return append(list, deepCopy(v))
}

func copyVars(v Vars) Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = deepCopy(val)
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case Vars:
		return map[string]interface{}(copyVars(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
