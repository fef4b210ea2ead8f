package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/idmarkers/msearcher/internal/cache"
	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/markers"
	"github.com/idmarkers/msearcher/internal/searchstore"
)

// SearchService executes queued search jobs.
type SearchService struct {
	registry interface {
		Get(datasetID string) *DatasetService
	}
	cache *cache.Manager
	log   *logrus.Entry
}

// NewSearchService creates a new search job service. cm may be nil.
func NewSearchService(registry interface{ Get(datasetID string) *DatasetService }, cm *cache.Manager, log *logrus.Entry) *SearchService {
	if log == nil {
		log = logging.Discard()
	}
	return &SearchService{registry: registry, cache: cm, log: log}
}

// cachedResult is what the result cache holds for a finished search.
type cachedResult struct {
	Records []markers.Record       `json:"records"`
	Summary searchstore.JobSummary `json:"summary"`
}

// ExecuteSearchJob runs the search for a job (called by JobManager worker).
func (s *SearchService) ExecuteSearchJob(ctx context.Context, store *searchstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}
	log := s.log.WithFields(logrus.Fields{"job": jobID, "dataset": job.Params.DatasetID})

	req := SearchRequest{
		Queries:       job.Params.QueryGenes,
		TopNum:        job.Params.TopNum,
		Cutoff:        &job.Params.Cutoff,
		MaxCandidates: job.Params.MaxCandidates,
	}
	key := cache.SearchKey(job.Params.DatasetID, job.Params.QueryGenes, svc.Params(req))

	if out, ok := s.lookup(key); ok {
		log.Info("search result served from cache")
		out.Summary.Cached = true
		return s.save(store, jobID, out)
	}

	store.UpdateJobProgress(jobID, "loading", 0, 1)
	req.Progress = func(phase markers.Phase, done, total int) {
		if err := store.UpdateJobProgress(jobID, string(phase), done, total); err != nil {
			log.WithError(err).Warn("failed to record progress")
		}
	}

	res, err := svc.Search(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("search failed: %w", err)
	}

	out := cachedResult{
		Records: res.Records,
		Summary: searchstore.JobSummary{
			Retained:    res.Retained,
			Missing:     res.Missing,
			Consistency: res.Consistency,
			Genes:       res.Genes,
			Samples:     res.Samples,
			Candidates:  res.Candidates,
		},
	}
	if err := s.save(store, jobID, out); err != nil {
		return err
	}

	if s.cache != nil {
		if data, err := json.Marshal(out); err == nil {
			if err := s.cache.SetResult(key, data); err != nil {
				log.WithError(err).Debug("result not cached")
			}
		}
	}
	log.WithFields(logrus.Fields{
		"records": len(res.Records),
		"elapsed": res.Elapsed.String(),
	}).Info("search job finished")
	return nil
}

func (s *SearchService) lookup(key string) (cachedResult, bool) {
	var out cachedResult
	if s.cache == nil {
		return out, false
	}
	data, ok := s.cache.GetResult(key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

func (s *SearchService) save(store *searchstore.Store, jobID string, out cachedResult) error {
	store.UpdateJobProgress(jobID, "saving_results", 0, len(out.Records))
	if err := store.UpdateJobSummary(jobID, out.Summary); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	if err := store.InsertResults(jobID, out.Records); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	store.UpdateJobProgress(jobID, "done", len(out.Records), len(out.Records))
	return nil
}
