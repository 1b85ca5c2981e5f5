package pattern

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// ExpandFiles replaces every comma-separated @path term of expr with the
// patterns listed in that file, one per line. Blank lines and lines starting
// with # are skipped. An operator before @ applies to every line read.
func ExpandFiles(expr string) (string, error) {
	if !strings.Contains(expr, "@") {
		return expr, nil
	}

	var out []string
	for _, term := range strings.Split(expr, ",") {
		trimmed := strings.TrimSpace(term)
		op := ""
		if strings.HasPrefix(trimmed, "!") || strings.HasPrefix(trimmed, "&") {
			op, trimmed = trimmed[:1], trimmed[1:]
		}
		if !strings.HasPrefix(trimmed, "@") {
			out = append(out, term)
			continue
		}

		path := trimmed[1:]
		lines, err := readPatternFile(path)
		if err != nil {
			return "", err
		}
		for _, line := range lines {
			out = append(out, op+line)
		}
	}
	return strings.Join(out, ","), nil
}

func readPatternFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("pattern file %s lists no patterns", path)
	}
	return lines, nil
}
