package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

type splitmix struct{ s uint64 }

func (r *splitmix) float64() float64 {
	r.s += 0x9e3779b97f4a7c15
	z := r.s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return float64((z^(z>>31))>>11) / (1 << 53)
}

// writeProfile writes an n x s uniform noise profile in which G0001..G000k
// follow G0000, and returns its path.
func writeProfile(t *testing.T, n, s, k int) string {
	t.Helper()
	r := &splitmix{s: 14}

	var b strings.Builder
	b.WriteString("gene")
	for j := 0; j < s; j++ {
		fmt.Fprintf(&b, "\tS%02d", j)
	}
	b.WriteByte('\n')

	first := make([]float64, s)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "G%04d", i)
		for j := 0; j < s; j++ {
			v := r.float64()
			switch {
			case i == 0:
				first[j] = v
			case i <= k:
				v = first[j] + (v-0.5)*1e-6
			}
			b.WriteByte('\t')
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte('\n')
	}

	p := filepath.Join(t.TempDir(), "profile.txt")
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("failed to write profile: %v", err)
	}
	return p
}
