package markers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idmarkers/msearcher/internal/data/expr"
	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/parallel"
)

// Defaults for Options.
const (
	DefaultTopNum        = 20
	DefaultCutoff        = 0.6
	DefaultMaxCandidates = 2000
)

// Phase names a stage of a search for progress reporting.
type Phase string

const (
	PhaseFrequency    Phase = "frequency"
	PhaseQuality      Phase = "quality"
	PhaseSimilarity   Phase = "similarity"
	PhaseSignificance Phase = "significance"
)

// ProgressFunc receives progress updates. It is never called concurrently.
type ProgressFunc func(phase Phase, done, total int)

// Options configures a search. Zero TopNum, MaxCandidates or Workers select
// their defaults; Cutoff is used as given.
type Options struct {
	TopNum        int
	Cutoff        float64
	MaxCandidates int
	Workers       int
	Logger        *logrus.Entry
	Progress      ProgressFunc
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		TopNum:        DefaultTopNum,
		Cutoff:        DefaultCutoff,
		MaxCandidates: DefaultMaxCandidates,
		Workers:       parallel.DefaultWorkers(),
	}
}

func (o Options) withDefaults() Options {
	if o.TopNum <= 0 {
		o.TopNum = DefaultTopNum
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = DefaultMaxCandidates
	}
	if o.Workers <= 0 {
		o.Workers = parallel.DefaultWorkers()
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

func (o Options) progress(phase Phase, done, total int) {
	if o.Progress != nil {
		o.Progress(phase, done, total)
	}
}

// Result is the outcome of one search.
type Result struct {
	Records     []Record
	Queries     []string // query genes found in the matrix
	Missing     []string // query genes not in the matrix
	Retained    []string // query genes that passed the quality filter
	Consistency map[string]float64
	Genes       int
	Samples     int
	Candidates  int
	Elapsed     time.Duration
}

// Search finds genes whose expression pattern across samples follows the
// query genes. Query genes absent from m are logged and skipped.
func Search(ctx context.Context, m *expr.Matrix, queries []string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	log := opts.Logger
	start := time.Now()

	genes, samples := m.Dims()
	res := &Result{Genes: genes, Samples: samples}

	log.Info(">> Check query genes")
	for _, q := range expr.DedupeGenes(queries) {
		if m.Has(q) {
			res.Queries = append(res.Queries, q)
		} else {
			res.Missing = append(res.Missing, q)
		}
	}
	if len(res.Missing) > 0 {
		log.WithField("genes", res.Missing).Warn(">> Query genes not found in the profile, skipped")
	}
	if len(res.Queries) == 0 {
		return nil, ErrNoQueryGenes
	}

	opts.progress(PhaseFrequency, 0, genes)
	table, err := CountBelow(ctx, m.Values(), m.Genes(), opts.Workers)
	if err != nil {
		return nil, err
	}
	opts.progress(PhaseFrequency, genes, genes)

	opts.progress(PhaseQuality, 0, len(res.Queries))
	res.Retained, res.Consistency, err = FilterQueries(table, res.Queries, opts.Cutoff)
	if err != nil {
		return nil, err
	}
	for _, q := range res.Queries {
		if c := res.Consistency[q]; c <= opts.Cutoff {
			log.Warnf(">> Query gene %s dropped, consistency %.3f <= %.2f", q, c, opts.Cutoff)
		}
	}
	opts.progress(PhaseQuality, len(res.Queries), len(res.Queries))

	log.Info(">> Searching cell type-specific genes on the basis of query genes")
	perQuery := make([][]float64, 0, len(res.Retained))
	for k, q := range res.Retained {
		log.Infof(">> Similarity score calculating: %s...", q)
		i, _ := table.Index(q)
		s, err := similarityParallel(ctx, table.Row(i), table, genes, opts.Workers)
		if err != nil {
			return nil, fmt.Errorf("failed to score query %s: %w", q, err)
		}
		perQuery = append(perQuery, s)
		opts.progress(PhaseSimilarity, k+1, len(res.Retained))
	}
	scores := Normalize(Aggregate(perQuery), genes, samples)

	candidates := topCandidates(m.Genes(), scores, opts.MaxCandidates)
	res.Candidates = len(candidates)

	log.Info(">> Estimating P-value to screen significant genes")
	res.Records, err = EstimateSignificance(ctx, candidates, table, res.Retained, opts)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// topCandidates keeps the limit highest-scoring genes, ties broken by gene ID.
func topCandidates(genes []string, scores []float64, limit int) []Candidate {
	idx := parallel.Indices(len(genes))
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if scores[i] != scores[j] {
			return scores[i] > scores[j]
		}
		return genes[i] < genes[j]
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]Candidate, len(idx))
	for k, i := range idx {
		out[k] = Candidate{Gene: genes[i], Row: i, Similarity: scores[i]}
	}
	return out
}
