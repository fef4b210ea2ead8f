// Package output writes search results as tab-separated tables.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/idmarkers/msearcher/internal/markers"
)

// Extension is appended to the output prefix.
const Extension = ".xls"

// Header is the column layout of the result table.
var Header = []string{"GeneSymbol", "Similarity", "Pvalue", "FDR", "Jaccard", "ORScore", "nCount"}

// Path returns <outdir>/<prefix>.xls.
func Path(outdir, prefix string) string {
	return filepath.Join(outdir, prefix+Extension)
}

// WriteTSV writes the header and one line per record to w.
func WriteTSV(w io.Writer, records []markers.Record) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(Header); err != nil {
		return err
	}
	row := make([]string, len(Header))
	for _, r := range records {
		row[0] = r.Gene
		row[1] = formatFloat(r.Similarity)
		row[2] = formatFloat(r.Pvalue)
		row[3] = formatFloat(r.FDR)
		row[4] = formatFloat(r.Jaccard)
		row[5] = formatFloat(r.ORScore)
		row[6] = strconv.Itoa(r.NCount)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the table to path through a temporary file in the same
// directory, so a failed run never leaves a partial table behind.
func WriteFile(path string, records []markers.Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteTSV(tmp, records); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move results into place: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
