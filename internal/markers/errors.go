package markers

import "errors"

var (
	// ErrNoQueryGenes is returned when none of the query genes is a row of the matrix.
	ErrNoQueryGenes = errors.New("query genes are not in the gene set of the profile")

	// ErrQualityCheck is returned when every query gene fails the self-consistency filter.
	ErrQualityCheck = errors.New("query set failed quality check")

	// ErrInsufficientCandidates is returned when there is nothing left to test
	// once query genes are set aside.
	ErrInsufficientCandidates = errors.New("insufficient candidates")
)
