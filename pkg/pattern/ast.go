package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Op combines a term's matches with the running host set.
type Op int

const (
	// OpUnion appends matches not yet selected.
	OpUnion Op = iota
	// OpExclude removes matches.
	OpExclude
	// OpIntersect keeps only selected hosts that also match.
	OpIntersect
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpUnion:
		return "union"
	case OpExclude:
		return "exclude"
	case OpIntersect:
		return "intersect"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

func (o Op) prefix() string {
	switch o {
	case OpExclude:
		return "!"
	case OpIntersect:
		return "&"
	default:
		return ""
	}
}

// Kind is how a selector matches names.
type Kind int

const (
	KindLiteral Kind = iota
	KindGlob
	KindRegex
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindGlob:
		return "glob"
	case KindRegex:
		return "regex"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Subscript selects a slice of a selector's match list. Bounds are
// inclusive; negative values count from the end.
type Subscript struct {
	Start int
	End   int

	// Range is false for a single index, in which case End == Start.
	Range bool
}

// String implements fmt.Stringer.
func (s Subscript) String() string {
	if !s.Range {
		return fmt.Sprintf("[%d]", s.Start)
	}
	return fmt.Sprintf("[%d:%d]", s.Start, s.End)
}

// apply returns the half-open bounds selected from a list of n items. Out of
// range subscripts select nothing.
func (s Subscript) apply(n int) (lo, hi int, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	start, end := s.Start, s.End
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 || start >= n || end < 0 || end >= n || start > end {
		return 0, 0, false
	}
	return start, end + 1, true
}

// Selector matches group and host names.
type Selector struct {
	Kind Kind

	// Text is the selector without operator, regex marker or subscript.
	Text string

	Subscript *Subscript

	glob glob.Glob
	re   *regexp.Regexp
}

func (s *Selector) match(name string) bool {
	switch s.Kind {
	case KindGlob:
		return s.glob.Match(name)
	case KindRegex:
		return s.re.MatchString(name)
	default:
		return s.Text == name
	}
}

// String renders the selector in pattern syntax.
func (s *Selector) String() string {
	var b strings.Builder
	if s.Kind == KindRegex {
		b.WriteByte('~')
	}
	b.WriteString(s.Text)
	if s.Subscript != nil {
		b.WriteString(s.Subscript.String())
	}
	return b.String()
}

// Term is one operator applied to one selector.
type Term struct {
	Op       Op
	Selector *Selector
}

// String renders the term in pattern syntax.
func (t Term) String() string {
	return t.Op.prefix() + t.Selector.String()
}

// AST is a compiled pattern: terms applied strictly left to right.
type AST struct {
	Terms []Term

	// ImplicitAll is set when Compile prepended an all term because every
	// written term was an exclusion or intersection.
	ImplicitAll bool
}

// String renders the pattern in canonical form.
func (a *AST) String() string {
	terms := a.Terms
	if a.ImplicitAll && len(terms) > 0 {
		terms = terms[1:]
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}
