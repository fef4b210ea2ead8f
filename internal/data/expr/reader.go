package expr

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
)

// ReadStats describes what the reader did with an input file.
type ReadStats struct {
	Path           string
	Delimiter      rune
	Bytes          int64
	DuplicateGenes int
	MissingValues  int
}

// ReadMatrix reads a delimited expression profile: the header row holds sample
// names, the first column holds gene IDs. Tab or comma delimiters are detected
// from the first line. Files ending in .gz or .zst are decompressed on the fly.
func ReadMatrix(path string) (*Matrix, *ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer f.Close()

	stats := &ReadStats{Path: path}
	if fi, err := f.Stat(); err == nil {
		stats.Bytes = fi.Size()
	}

	r, closeFn, err := decompress(path, f)
	if err != nil {
		return nil, nil, err
	}
	defer closeFn()

	m, err := readMatrix(r, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	return m, stats, nil
}

// ReadMatrixFrom reads a delimited expression profile from r.
func ReadMatrixFrom(r io.Reader) (*Matrix, *ReadStats, error) {
	stats := &ReadStats{}
	m, err := readMatrix(r, stats)
	if err != nil {
		return nil, nil, err
	}
	return m, stats, nil
}

func decompress(path string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec, dec.Close, nil
	default:
		return r, func() {}, nil
	}
}

func readMatrix(r io.Reader, stats *ReadStats) (*Matrix, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	delim, err := sniffDelimiter(br)
	if err != nil {
		return nil, err
	}
	stats.Delimiter = delim

	df := dataframe.ReadCSV(br,
		dataframe.WithDelimiter(delim),
		dataframe.WithLazyQuotes(true),
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues([]string{"NA", "NaN", "nan", ""}),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("failed to parse table: %w", df.Err)
	}

	names := df.Names()
	if len(names) < 2 {
		return nil, fmt.Errorf("expected a gene column and at least one sample column, got %d columns", len(names))
	}
	rawGenes := df.Col(names[0]).Records()
	samples := append([]string(nil), names[1:]...)

	// Keep the first occurrence of a duplicated gene ID.
	keep := make([]int, 0, len(rawGenes))
	genes := make([]string, 0, len(rawGenes))
	seen := make(map[string]struct{}, len(rawGenes))
	for i, g := range rawGenes {
		g = strings.TrimSpace(g)
		if _, dup := seen[g]; dup {
			stats.DuplicateGenes++
			continue
		}
		seen[g] = struct{}{}
		keep = append(keep, i)
		genes = append(genes, g)
	}

	values := make([]float64, len(genes)*len(samples))
	for j, name := range samples {
		col := df.Col(name).Records()
		for k, i := range keep {
			v, err := parseValue(col[i])
			if err != nil {
				return nil, fmt.Errorf("gene %q sample %q: %w", genes[k], name, err)
			}
			if math.IsNaN(v) {
				stats.MissingValues++
				v = 0
			}
			values[k*len(samples)+j] = v
		}
	}

	return New(genes, samples, values)
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NaN" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expression value %q", s)
	}
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("infinite expression value %q", s)
	}
	return v, nil
}

// sniffDelimiter peeks at the first line: tab if it contains one, comma otherwise.
func sniffDelimiter(br *bufio.Reader) (rune, error) {
	line, err := br.Peek(br.Size())
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	if len(line) == 0 {
		return 0, fmt.Errorf("empty profile")
	}
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if bytes.IndexByte(line, '\t') >= 0 {
		return '\t', nil
	}
	return ',', nil
}
