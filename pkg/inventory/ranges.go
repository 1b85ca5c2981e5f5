package inventory

import (
	"fmt"
	"regexp"
	"strconv"
)

var hostRangeRe = regexp.MustCompile(`\[([a-zA-Z0-9]+):([a-zA-Z0-9]+)(?::([0-9]+))?\]`)

// ExpandHostPattern expands range expressions in a host entry:
//
//	web[01:03]     -> web01 web02 web03
//	web[1:9:4]     -> web1 web5 web9
//	db-[a:c].lan   -> db-a.lan db-b.lan db-c.lan
//
// Several ranges in one entry expand as a cartesian product, left to right.
// Leading zeros on the start bound fix the width of numeric values.
func ExpandHostPattern(entry string) ([]string, error) {
	loc := hostRangeRe.FindStringSubmatchIndex(entry)
	if loc == nil {
		return []string{entry}, nil
	}

	prefix, suffix := entry[:loc[0]], entry[loc[1]:]
	start, end := entry[loc[2]:loc[3]], entry[loc[4]:loc[5]]

	stride := 1
	if loc[6] >= 0 {
		s, err := strconv.Atoi(entry[loc[6]:loc[7]])
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid range stride in %q", entry)
		}
		stride = s
	}

	values, err := rangeValues(start, end, stride)
	if err != nil {
		return nil, fmt.Errorf("%s in %q", err, entry)
	}

	var out []string
	for _, v := range values {
		rest, err := ExpandHostPattern(suffix)
		if err != nil {
			return nil, err
		}
		for _, r := range rest {
			out = append(out, prefix+v+r)
		}
	}
	return out, nil
}

func rangeValues(start, end string, stride int) ([]string, error) {
	if lo, err := strconv.Atoi(start); err == nil {
		hi, err := strconv.Atoi(end)
		if err != nil {
			return nil, fmt.Errorf("range bounds %q and %q mix numbers and letters", start, end)
		}
		if hi < lo {
			return nil, fmt.Errorf("range end %d is before start %d", hi, lo)
		}
		width := 0
		if len(start) > 1 && start[0] == '0' {
			width = len(start)
		}
		var out []string
		for i := lo; i <= hi; i += stride {
			out = append(out, fmt.Sprintf("%0*d", width, i))
		}
		return out, nil
	}

	if len(start) != 1 || len(end) != 1 {
		return nil, fmt.Errorf("alphabetic range bounds must be single letters, got %q and %q", start, end)
	}
	lo, hi := start[0], end[0]
	if !isLetter(lo) || !isLetter(hi) {
		return nil, fmt.Errorf("range bounds %q and %q mix numbers and letters", start, end)
	}
	if hi < lo {
		return nil, fmt.Errorf("range end %q is before start %q", end, start)
	}
	var out []string
	for c := int(lo); c <= int(hi); c += stride {
		out = append(out, string(rune(c)))
	}
	return out, nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
