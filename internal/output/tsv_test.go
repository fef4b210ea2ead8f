package output

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/idmarkers/msearcher/internal/markers"
)

var sample = []markers.Record{
	{Gene: "CD3E", Similarity: 0.91, Pvalue: 1e-12, FDR: 2.5e-10, Jaccard: 0.6, ORScore: 2, NCount: 15},
	{Gene: "CD8A", Similarity: 0.5, Pvalue: 1, FDR: 1, Jaccard: 0, ORScore: 0, NCount: 0},
}

func TestWriteTSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTSV(&buf, sample); err != nil {
		t.Fatalf("WriteTSV: %v", err)
	}
	want := "GeneSymbol\tSimilarity\tPvalue\tFDR\tJaccard\tORScore\tnCount\n" +
		"CD3E\t0.91\t1e-12\t2.5e-10\t0.6\t2\t15\n" +
		"CD8A\t0.5\t1\t1\t0\t0\t0\n"
	if buf.String() != want {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	p := Path(dir, "IDmarkers-Results")
	if filepath.Base(p) != "IDmarkers-Results.xls" {
		t.Fatalf("unexpected path %s", p)
	}
	if err := WriteFile(p, sample); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Errorf("expected 3 lines, got %d", lines)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the result file, found %d entries", len(entries))
	}
}
