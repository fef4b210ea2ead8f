package markers

import (
	"math"

	"gonum.org/v1/gonum/stat/combin"
)

// HypergeomSF returns P(X >= k) for X drawn from a hypergeometric distribution
// with population size N, K successes in the population and n draws.
func HypergeomSF(k, N, K, n int) float64 {
	lo := n - (N - K)
	if lo < 0 {
		lo = 0
	}
	hi := K
	if n < hi {
		hi = n
	}
	if k <= lo {
		return 1
	}
	if k > hi {
		return 0
	}

	// Terms are summed in log space so deep tails of large neighborhoods
	// do not underflow.
	logTotal := combin.LogGeneralizedBinomial(float64(N), float64(n))
	terms := make([]float64, 0, hi-k+1)
	top := math.Inf(-1)
	for i := k; i <= hi; i++ {
		l := combin.LogGeneralizedBinomial(float64(K), float64(i)) +
			combin.LogGeneralizedBinomial(float64(N-K), float64(n-i)) - logTotal
		terms = append(terms, l)
		if l > top {
			top = l
		}
	}
	var sum float64
	for _, l := range terms {
		sum += math.Exp(l - top)
	}
	p := math.Exp(top + math.Log(sum))
	switch {
	case p > 1:
		p = 1
	case p < math.SmallestNonzeroFloat64:
		p = math.SmallestNonzeroFloat64
	}
	return p
}
