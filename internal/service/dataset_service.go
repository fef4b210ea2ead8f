// Package service provides the marker search business logic shared by the
// command line and the HTTP server.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/idmarkers/msearcher/internal/cache"
	"github.com/idmarkers/msearcher/internal/data/expr"
	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/markers"
	"github.com/idmarkers/msearcher/internal/preprocess"
)

// DatasetServiceConfig contains dataset service configuration.
type DatasetServiceConfig struct {
	DatasetID   string
	Name        string
	ProfilePath string

	// Preprocess selects whether profiles are normalized and filtered before
	// searching. When false the matrix is searched as read.
	Preprocess        bool
	PreprocessOptions preprocess.Options

	// Search holds the defaults applied to every search on this dataset.
	Search markers.Options

	// Cache is optional. Without it the profile is re-read for every search.
	Cache  *cache.Manager
	Logger *logrus.Entry
}

// DatasetService runs marker searches against one expression profile.
type DatasetService struct {
	cfg   DatasetServiceConfig
	log   *logrus.Entry
	loads singleflight.Group

	// matrix is used when no cache manager is configured.
	mu     sync.Mutex
	matrix *expr.Matrix
}

// NewDatasetService creates a new dataset service. The profile is read lazily
// on first use.
func NewDatasetService(cfg DatasetServiceConfig) *DatasetService {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.DatasetID
	}
	return &DatasetService{
		cfg: cfg,
		log: log.WithField("dataset", cfg.DatasetID),
	}
}

// ID returns the dataset ID.
func (s *DatasetService) ID() string { return s.cfg.DatasetID }

// Name returns the display name.
func (s *DatasetService) Name() string { return s.cfg.Name }

// Defaults returns the search defaults of this dataset.
func (s *DatasetService) Defaults() markers.Options { return s.cfg.Search }

// SearchRequest holds the per-search inputs. Zero TopNum or MaxCandidates
// and a nil Cutoff select the dataset defaults.
type SearchRequest struct {
	Queries       []string
	TopNum        int
	Cutoff        *float64
	MaxCandidates int
	Progress      markers.ProgressFunc
}

// Params returns the request parameters with dataset defaults filled in.
func (s *DatasetService) Params(req SearchRequest) cache.SearchParams {
	d := s.cfg.Search
	p := cache.SearchParams{TopNum: req.TopNum, Cutoff: d.Cutoff, MaxCandidates: req.MaxCandidates}
	if p.TopNum <= 0 {
		p.TopNum = d.TopNum
	}
	if p.MaxCandidates <= 0 {
		p.MaxCandidates = d.MaxCandidates
	}
	if req.Cutoff != nil {
		p.Cutoff = *req.Cutoff
	}
	return p
}

// Search prepares the profile for the given queries and runs the search.
func (s *DatasetService) Search(ctx context.Context, req SearchRequest) (*markers.Result, error) {
	queries := expr.DedupeGenes(req.Queries)
	if len(queries) == 0 {
		return nil, markers.ErrNoQueryGenes
	}

	m, err := s.Prepared(ctx, queries)
	if err != nil {
		return nil, err
	}

	p := s.Params(req)
	opts := s.cfg.Search
	opts.TopNum = p.TopNum
	opts.Cutoff = p.Cutoff
	opts.MaxCandidates = p.MaxCandidates
	opts.Progress = req.Progress
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	return markers.Search(ctx, m, queries, opts)
}

// Genes returns the genes a search can use as queries.
func (s *DatasetService) Genes(ctx context.Context) ([]string, error) {
	m, err := s.raw(ctx)
	if err != nil {
		return nil, err
	}
	return m.Genes(), nil
}

// Prepared returns the matrix a search over queries should run on. The
// preprocessed matrix is shared between searches unless low-expression
// filtering removed one of the queries, in which case a private copy that
// keeps them is built.
func (s *DatasetService) Prepared(ctx context.Context, queries []string) (*expr.Matrix, error) {
	raw, err := s.raw(ctx)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Preprocess {
		return raw, nil
	}

	shared, err := s.load(ctx, cache.MatrixKey(s.cfg.DatasetID, true), func(ctx context.Context) (*expr.Matrix, error) {
		m, _, err := s.preprocess(ctx, raw, nil)
		return m, err
	})
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		if raw.Has(q) && !shared.Has(q) {
			s.log.WithField("gene", q).Info(">> Query gene removed by low-expression filter, preprocessing with it kept")
			m, _, err := s.preprocess(ctx, raw, queries)
			return m, err
		}
	}
	return shared, nil
}

func (s *DatasetService) preprocess(ctx context.Context, raw *expr.Matrix, keep []string) (*expr.Matrix, *preprocess.Report, error) {
	opts := s.cfg.PreprocessOptions
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	m, rep, err := preprocess.Run(ctx, raw, keep, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to preprocess %s: %w", s.cfg.DatasetID, err)
	}
	return m, rep, nil
}

func (s *DatasetService) raw(ctx context.Context) (*expr.Matrix, error) {
	return s.load(ctx, cache.MatrixKey(s.cfg.DatasetID, false), func(context.Context) (*expr.Matrix, error) {
		s.log.Infof(">> Reading expression profile %s", s.cfg.ProfilePath)
		m, stats, err := expr.ReadMatrix(s.cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		genes, samples := m.Dims()
		s.log.WithFields(logrus.Fields{
			"size":       humanize.Bytes(uint64(stats.Bytes)),
			"genes":      genes,
			"samples":    samples,
			"duplicates": stats.DuplicateGenes,
			"missing":    stats.MissingValues,
		}).Info(">> Profile loaded")
		return m, nil
	})
}

// load returns the matrix under key, building it at most once at a time. The
// build is shared by every waiting caller, so it runs without the caller's
// cancellation; ctx only bounds how long this caller waits.
func (s *DatasetService) load(ctx context.Context, key string, build func(context.Context) (*expr.Matrix, error)) (*expr.Matrix, error) {
	if m, ok := s.lookup(key); ok {
		return m, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buildCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(key, func() (interface{}, error) {
		if m, ok := s.lookup(key); ok {
			return m, nil
		}
		m, err := build(buildCtx)
		if err != nil {
			return nil, err
		}
		s.store(key, m)
		return m, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*expr.Matrix), nil
	}
}

func (s *DatasetService) lookup(key string) (*expr.Matrix, bool) {
	if s.cfg.Cache != nil {
		return s.cfg.Cache.GetMatrix(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == cache.MatrixKey(s.cfg.DatasetID, false) && s.matrix != nil {
		return s.matrix, true
	}
	return nil, false
}

func (s *DatasetService) store(key string, m *expr.Matrix) {
	if s.cfg.Cache != nil {
		s.cfg.Cache.AddMatrix(key, m)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == cache.MatrixKey(s.cfg.DatasetID, false) {
		s.matrix = m
	}
}
