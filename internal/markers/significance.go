package markers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/idmarkers/msearcher/internal/parallel"
)

// Candidate is a gene entering the significance test.
type Candidate struct {
	Gene       string
	Row        int // row in the frequency table
	Similarity float64
}

// Record is one row of the search result.
type Record struct {
	Gene       string  `json:"gene"`
	Similarity float64 `json:"similarity"`
	Pvalue     float64 `json:"pvalue"`
	FDR        float64 `json:"fdr"`
	Jaccard    float64 `json:"jaccard"`
	ORScore    float64 `json:"or_score"`
	NCount     int     `json:"n_count"`
}

// overlap is the outcome of one decoy test.
type overlap struct {
	common int
	upper  int
	pvalue float64
	size   int
}

// EstimateSignificance tests each candidate against the target set, the top
// TopNum candidates by similarity. A candidate's own TopNum nearest candidates
// (itself included) are compared with the target set; the overlap gives a
// hypergeometric p-value, adjusted across all candidates with
// Benjamini-Hochberg. Query genes take part in the test but are left out of
// the returned records, which are sorted by FDR, p-value, Jaccard, ORScore and
// similarity.
func EstimateSignificance(ctx context.Context, candidates []Candidate, table *FrequencyTable, queries []string, opts Options) ([]Record, error) {
	opts = opts.withDefaults()

	isQuery := make(map[string]bool, len(queries))
	for _, q := range queries {
		isQuery[q] = true
	}
	tested := 0
	for _, c := range candidates {
		if !isQuery[c.Gene] {
			tested++
		}
	}
	if tested == 0 {
		return nil, fmt.Errorf("%d candidates after removing query genes: %w", tested, ErrInsufficientCandidates)
	}

	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].Gene < ranked[j].Gene
	})

	rows := make([]int, len(ranked))
	genes := make([]string, len(ranked))
	for i, c := range ranked {
		rows[i] = c.Row
		genes[i] = c.Gene
	}

	// Counts are re-taken among the candidates only.
	reranked, err := CountBelow(ctx, table.Subset(rows), genes, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to rank candidates: %w", err)
	}

	k := len(ranked)
	top := opts.TopNum
	if top > k {
		top = k
	}
	inTarget := make([]bool, k)
	for i := 0; i < top; i++ {
		inTarget[i] = true
	}

	s := newScorer(k)
	report := newThrottle(opts.Progress, PhaseSignificance, k)
	res, err := parallel.Map(ctx, opts.Workers, parallel.Indices(k), func(ctx context.Context, decoys []int, _ int) ([]overlap, error) {
		out := make([]overlap, len(decoys))
		scores := make([]float64, k)
		for n, d := range decoys {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			query := reranked.Row(d)
			for i := range scores {
				scores[i] = s.score(reranked.Row(i), query)
			}
			neighbors := topNeighbors(scores, genes, top)

			var o overlap
			o.size = len(neighbors)
			for pos, i := range neighbors {
				if !inTarget[i] {
					continue
				}
				o.common++
				if 2*(pos+1) <= opts.TopNum {
					o.upper++
				}
			}
			o.pvalue = HypergeomSF(o.common, k, top, o.size)
			out[n] = o
			report.add(1)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to test decoys: %w", err)
	}

	pvals := make([]float64, k)
	for i, o := range res.Items {
		pvals[i] = o.pvalue
	}
	fdr := BenjaminiHochberg(pvals)

	records := make([]Record, 0, tested)
	for i, o := range res.Items {
		if isQuery[genes[i]] {
			continue
		}
		records = append(records, Record{
			Gene:       genes[i],
			Similarity: ranked[i].Similarity,
			Pvalue:     o.pvalue,
			FDR:        fdr[i],
			Jaccard:    jaccard(o.common, top, o.size),
			ORScore:    float64(o.upper) / float64(o.common-o.upper+1),
			NCount:     o.common,
		})
	}
	SortRecords(records)
	return records, nil
}

func jaccard(common, a, b int) float64 {
	union := a + b - common
	if union <= 0 {
		return 0
	}
	return float64(common) / float64(union)
}

// topNeighbors returns the indices of the k highest scores, best first, ties
// broken by gene ID.
func topNeighbors(scores []float64, genes []string, k int) []int {
	better := func(a, b int) bool {
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return genes[a] < genes[b]
	}
	out := make([]int, 0, k+1)
	for i := range scores {
		if len(out) == k && !better(i, out[k-1]) {
			continue
		}
		pos := sort.Search(len(out), func(j int) bool { return better(i, out[j]) })
		out = append(out, 0)
		copy(out[pos+1:], out[pos:])
		out[pos] = i
		if len(out) > k {
			out = out[:k]
		}
	}
	return out
}

// SortRecords orders records by FDR and p-value ascending, then Jaccard,
// ORScore and similarity descending, then gene ID.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.FDR != b.FDR:
			return a.FDR < b.FDR
		case a.Pvalue != b.Pvalue:
			return a.Pvalue < b.Pvalue
		case a.Jaccard != b.Jaccard:
			return a.Jaccard > b.Jaccard
		case a.ORScore != b.ORScore:
			return a.ORScore > b.ORScore
		case a.Similarity != b.Similarity:
			return a.Similarity > b.Similarity
		}
		return a.Gene < b.Gene
	})
}

// throttle forwards progress from concurrent workers at most about a hundred
// times per phase.
type throttle struct {
	mu    sync.Mutex
	fn    ProgressFunc
	phase Phase
	total int
	done  int
	step  int
	last  int
}

func newThrottle(fn ProgressFunc, phase Phase, total int) *throttle {
	step := total / 100
	if step < 1 {
		step = 1
	}
	return &throttle{fn: fn, phase: phase, total: total, step: step}
}

func (t *throttle) add(n int) {
	if t.fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += n
	if t.done-t.last >= t.step || t.done == t.total {
		t.last = t.done
		t.fn(t.phase, t.done, t.total)
	}
}
