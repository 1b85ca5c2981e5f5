package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Args are the parsed module arguments.
type Args struct {
	// Cmd is the command line.
	Cmd string `json:"cmd"`

	// Chdir is the directory the command runs in.
	Chdir string `json:"chdir,omitempty"`

	// Creates skips execution when this path exists on the host.
	Creates string `json:"creates,omitempty"`
}

// ParseArgs parses a module argument string. A string starting with "{" is
// decoded as a JSON object; otherwise leading chdir=DIR and creates=PATH
// tokens are consumed and the remainder is the command.
func ParseArgs(raw string) (Args, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var a Args
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&a); err != nil {
			return Args{}, fmt.Errorf("invalid JSON arguments: %w", err)
		}
		return a, nil
	}

	var a Args
	rest := trimmed
	for {
		key, value, tail, ok := cutOption(rest)
		if !ok {
			break
		}
		switch key {
		case "chdir":
			a.Chdir = value
		case "creates":
			a.Creates = value
		}
		rest = tail
	}
	a.Cmd = rest
	return a, nil
}

// cutOption splits a leading chdir= or creates= token off s.
func cutOption(s string) (key, value, rest string, ok bool) {
	for _, k := range []string{"chdir", "creates"} {
		prefix := k + "="
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		words, n, err := splitWords(s[len(prefix):], 1)
		if err != nil || len(words) == 0 {
			return "", "", "", false
		}
		return k, words[0], strings.TrimLeftFunc(s[len(prefix)+n:], unicode.IsSpace), true
	}
	return "", "", "", false
}

// SplitWords splits s into words, honoring single and double quotes and
// backslash escapes outside single quotes.
func SplitWords(s string) ([]string, error) {
	words, _, err := splitWords(s, -1)
	return words, err
}

// splitWords returns at most limit words (all when limit < 0) and the number of
// bytes consumed.
func splitWords(s string, limit int) ([]string, int, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)

	for i, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
				if limit >= 0 && len(words) == limit {
					return words, i, nil
				}
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, 0, fmt.Errorf("unterminated %c quote", quote)
	}
	if escaped {
		return nil, 0, fmt.Errorf("trailing backslash")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, len(s), nil
}
