package pattern

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
)

var subscriptRe = regexp.MustCompile(`^(.+?)\[(?:(-?[0-9]+)|([0-9]*)([:-])([0-9]*))]$`)

// Compile parses a host pattern such as "webservers:&staging:!web3" or
// "db*[0:2],~mail\d+". Compile does no I/O; @file references must be
// expanded beforehand with ExpandFiles.
func Compile(expr string) (*AST, error) {
	raw := splitTerms(expr)
	if len(raw) == 0 {
		return nil, syntaxError(expr, "pattern is empty")
	}

	ast := &AST{}
	allFiltered := true
	for _, r := range raw {
		term, err := compileTerm(r)
		if err != nil {
			return nil, syntaxError(expr, err.Error())
		}
		if term.Op == OpUnion {
			allFiltered = false
		}
		ast.Terms = append(ast.Terms, term)
	}

	if allFiltered {
		ast.ImplicitAll = true
		all := Term{Op: OpUnion, Selector: &Selector{Kind: KindLiteral, Text: inventory.AllGroup}}
		ast.Terms = append([]Term{all}, ast.Terms...)
	}
	return ast, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *AST {
	ast, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return ast
}

func syntaxError(expr, msg string) error {
	return errs.Newf(errs.CodePatternSyntax, "%s in pattern %q", msg, expr)
}

type syntaxErr string

func (e syntaxErr) Error() string { return string(e) }

// splitTerms splits on commas. Without a comma the classic colon separator
// is used, unless the expression is a regex, carries brackets or is an IPv6
// address. An expression of only whitespace yields no terms.
func splitTerms(expr string) []string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	if strings.Contains(expr, ",") {
		return strings.Split(expr, ",")
	}
	if !strings.Contains(expr, ":") || colonIsPartOfTerm(expr) {
		return []string{expr}
	}
	return strings.Split(expr, ":")
}

func colonIsPartOfTerm(expr string) bool {
	body := strings.TrimLeft(expr, "!&")
	if strings.HasPrefix(body, "~") || strings.ContainsAny(body, "[]") {
		return true
	}
	return net.ParseIP(body) != nil
}

func compileTerm(raw string) (Term, error) {
	text := strings.TrimSpace(raw)
	text = strings.Trim(text, `"'`)
	text = strings.TrimSpace(text)
	if text == "" {
		return Term{}, syntaxErr("empty term")
	}

	term := Term{Op: OpUnion}
	switch text[0] {
	case '!':
		term.Op = OpExclude
		text = text[1:]
	case '&':
		term.Op = OpIntersect
		text = text[1:]
	}
	if text == "" {
		return Term{}, syntaxErr("operator without a selector")
	}
	if text[0] == '!' || text[0] == '&' {
		return Term{}, syntaxErr("more than one operator on a term")
	}

	sel, err := compileSelector(text)
	if err != nil {
		return Term{}, err
	}
	term.Selector = sel
	return term, nil
}

func compileSelector(text string) (*Selector, error) {
	if strings.HasPrefix(text, "~") {
		expr := text[1:]
		if expr == "" {
			return nil, syntaxErr("empty regular expression")
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, syntaxErr("invalid regular expression " + strconv.Quote(expr))
		}
		return &Selector{Kind: KindRegex, Text: expr, re: re}, nil
	}

	sel := &Selector{Kind: KindLiteral, Text: text}
	if m := subscriptRe.FindStringSubmatch(text); m != nil {
		sub, err := parseSubscript(m)
		if err != nil {
			return nil, err
		}
		sel.Text = m[1]
		sel.Subscript = sub
	}
	if strings.ContainsAny(sel.Text, "[]") {
		return nil, syntaxErr("malformed subscript in " + strconv.Quote(text))
	}

	if strings.ContainsAny(sel.Text, "*?") {
		g, err := glob.Compile(sel.Text)
		if err != nil {
			return nil, syntaxErr("invalid glob " + strconv.Quote(sel.Text))
		}
		sel.Kind = KindGlob
		sel.glob = g
	}
	return sel, nil
}

// parseSubscript reads the groups of subscriptRe. A missing range start
// means the first element, a missing end the last.
func parseSubscript(m []string) (*Subscript, error) {
	if m[2] != "" {
		i, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, syntaxErr("invalid subscript index " + strconv.Quote(m[2]))
		}
		return &Subscript{Start: i, End: i}, nil
	}

	sub := &Subscript{Start: 0, End: -1, Range: true}
	if m[3] != "" {
		i, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, syntaxErr("invalid subscript start " + strconv.Quote(m[3]))
		}
		sub.Start = i
	}
	if m[5] != "" {
		i, err := strconv.Atoi(m[5])
		if err != nil {
			return nil, syntaxErr("invalid subscript end " + strconv.Quote(m[5]))
		}
		sub.End = i
	}
	return sub, nil
}
