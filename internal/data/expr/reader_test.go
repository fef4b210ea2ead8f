package expr

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
)

const sampleTSV = "gene\tS1\tS2\tS3\n" +
	"TP53\t1.5\t2\t3\n" +
	"EGFR\t0\tNA\t4.25\n" +
	"TP53\t9\t9\t9\n" +
	"MYC\t7\t\t1\n"

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return p
}

func checkSample(t *testing.T, m *Matrix, stats *ReadStats) {
	t.Helper()

	r, c := m.Dims()
	if r != 3 || c != 3 {
		t.Fatalf("expected 3x3 matrix, got %dx%d", r, c)
	}
	if got := strings.Join(m.Genes(), ","); got != "TP53,EGFR,MYC" {
		t.Errorf("unexpected genes: %s", got)
	}
	if got := strings.Join(m.Samples(), ","); got != "S1,S2,S3" {
		t.Errorf("unexpected samples: %s", got)
	}
	// First occurrence of the duplicated TP53 wins.
	if v := m.At(0, 0); v != 1.5 {
		t.Errorf("TP53/S1: expected 1.5, got %v", v)
	}
	if v := m.At(1, 1); v != 0 {
		t.Errorf("EGFR/S2 (NA): expected 0, got %v", v)
	}
	if v := m.At(2, 1); v != 0 {
		t.Errorf("MYC/S2 (empty): expected 0, got %v", v)
	}
	if v := m.At(1, 2); v != 4.25 {
		t.Errorf("EGFR/S3: expected 4.25, got %v", v)
	}
	if stats.DuplicateGenes != 1 {
		t.Errorf("expected 1 duplicate gene, got %d", stats.DuplicateGenes)
	}
	if stats.MissingValues != 2 {
		t.Errorf("expected 2 missing values, got %d", stats.MissingValues)
	}
}

func TestReadMatrix_TSV(t *testing.T) {
	p := writeFile(t, "profile.txt", []byte(sampleTSV))
	m, stats, err := ReadMatrix(p)
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	if stats.Delimiter != '\t' {
		t.Errorf("expected tab delimiter, got %q", stats.Delimiter)
	}
	checkSample(t, m, stats)
}

func TestReadMatrix_CSV(t *testing.T) {
	csv := strings.ReplaceAll(sampleTSV, "\t", ",")
	p := writeFile(t, "profile.csv", []byte(csv))
	m, stats, err := ReadMatrix(p)
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	if stats.Delimiter != ',' {
		t.Errorf("expected comma delimiter, got %q", stats.Delimiter)
	}
	checkSample(t, m, stats)
}

func TestReadMatrix_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(sampleTSV)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	p := writeFile(t, "profile.txt.gz", buf.Bytes())
	m, stats, err := ReadMatrix(p)
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	checkSample(t, m, stats)
}

func TestReadMatrix_Zstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	data := enc.EncodeAll([]byte(sampleTSV), nil)
	enc.Close()

	p := writeFile(t, "profile.txt.zst", data)
	m, stats, err := ReadMatrix(p)
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	checkSample(t, m, stats)
}

func TestReadMatrix_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"noSamples", "gene\nTP53\n"},
		{"badValue", "gene\tS1\nTP53\tabc\n"},
		{"ragged", "gene\tS1\tS2\nTP53\t1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ReadMatrixFrom(strings.NewReader(tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, _, err := ReadMatrix(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMatrix_SubsetRows(t *testing.T) {
	m, _, err := ReadMatrixFrom(strings.NewReader(sampleTSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sub, err := m.SubsetRows([]int{2, 0})
	if err != nil {
		t.Fatalf("SubsetRows: %v", err)
	}
	if got := strings.Join(sub.Genes(), ","); got != "MYC,TP53" {
		t.Errorf("unexpected genes: %s", got)
	}
	if i, ok := sub.Index("TP53"); !ok || i != 1 {
		t.Errorf("expected TP53 at row 1, got %d (%v)", i, ok)
	}
	if sub.At(0, 0) != 7 {
		t.Errorf("expected MYC/S1 = 7, got %v", sub.At(0, 0))
	}
	if _, err := m.SubsetRows(nil); err == nil {
		t.Error("expected error for empty subset")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New([]string{"a", "a"}, []string{"s"}, []float64{1, 2}); err == nil {
		t.Error("expected duplicate gene error")
	}
	if _, err := New([]string{"a"}, []string{"s"}, []float64{1, 2}); err == nil {
		t.Error("expected shape error")
	}
}

func TestParseQueryGenes(t *testing.T) {
	genes, err := ParseQueryGenes(" TP53, EGFR,,TP53 ,MYC ")
	if err != nil {
		t.Fatalf("ParseQueryGenes: %v", err)
	}
	if got := strings.Join(genes, ","); got != "TP53,EGFR,MYC" {
		t.Errorf("unexpected genes: %s", got)
	}

	p := writeFile(t, "queries.txt", []byte("TP53\nEGFR\n\n  MYC\nEGFR\n"))
	genes, err = ParseQueryGenes(p)
	if err != nil {
		t.Fatalf("ParseQueryGenes(file): %v", err)
	}
	if got := strings.Join(genes, ","); got != "TP53,EGFR,MYC" {
		t.Errorf("unexpected genes from file: %s", got)
	}

	if _, err := ParseQueryGenes(" , "); err == nil {
		t.Error("expected error for blank list")
	}
}
