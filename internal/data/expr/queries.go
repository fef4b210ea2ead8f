package expr

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseQueryGenes accepts either a comma-separated gene list or the path of a
// file holding one gene per line (commas and tabs are also accepted there).
// Whitespace is trimmed, blanks are skipped and duplicates keep their first
// position.
func ParseQueryGenes(arg string) ([]string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("no query genes given")
	}

	var fields []string
	if fi, err := os.Stat(arg); err == nil && !fi.IsDir() {
		fields, err = readQueryFile(arg)
		if err != nil {
			return nil, err
		}
	} else {
		fields = strings.Split(arg, ",")
	}

	genes := DedupeGenes(fields)
	if len(genes) == 0 {
		return nil, fmt.Errorf("no query genes given")
	}
	return genes, nil
}

// DedupeGenes trims each entry and drops blanks and repeats, keeping order.
func DedupeGenes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

func readQueryFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open query gene file: %w", err)
	}
	defer f.Close()

	var fields []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields = append(fields, strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == '\t'
		})...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query gene file: %w", err)
	}
	return fields, nil
}
