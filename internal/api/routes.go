package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/idmarkers/msearcher/internal/cache"
	"github.com/idmarkers/msearcher/internal/data/expr"
	"github.com/idmarkers/msearcher/internal/markers"
	"github.com/idmarkers/msearcher/internal/output"
	"github.com/idmarkers/msearcher/internal/searchstore"
	"github.com/idmarkers/msearcher/internal/service"
)

const (
	maxQueryGenes   = 500
	maxTopNum       = 1000
	defaultPageSize = 50
	maxPageSize     = 500
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager

	// Cache is optional; when set its statistics are served on /api/cache_stats.
	Cache *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Cache != nil {
		r.Get("/api/cache_stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Cache.Stats())
		})
	}

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Global gene_lookup endpoint (resolves gene_id -> matching datasets)
	r.Get("/api/gene_lookup", geneLookupHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/genes", datasetGenesHandler)

			r.Route("/search/jobs", func(r chi.Router) {
				r.Post("/", searchJobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", searchJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", searchJobResultHandler(cfg.JobManager))
				r.Delete("/{job_id}", searchJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// geneLookupHandler resolves a gene_id to the list of datasets containing it.
func geneLookupHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		geneID := strings.TrimSpace(r.URL.Query().Get("gene_id"))
		if geneID == "" {
			http.Error(w, "missing required query param: gene_id", http.StatusBadRequest)
			return
		}

		matchingDatasets := []string{}
		for _, dsID := range registry.DatasetIDs() {
			svc := registry.Get(dsID)
			if svc == nil {
				continue
			}
			genes, err := svc.Genes(r.Context())
			if err != nil {
				continue
			}
			for _, g := range genes {
				if g == geneID {
					matchingDatasets = append(matchingDatasets, dsID)
					break
				}
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"gene_id":  geneID,
			"datasets": matchingDatasets,
		})
	}
}

// datasetGenesHandler lists the genes of a dataset, optionally filtered by a
// case-insensitive prefix.
func datasetGenesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	genes, err := svc.Genes(r.Context())
	if err != nil {
		http.Error(w, "failed to load genes: "+err.Error(), http.StatusInternalServerError)
		return
	}

	total := len(genes)
	if prefix := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("prefix"))); prefix != "" {
		matched := []string{}
		for _, g := range genes {
			if strings.HasPrefix(strings.ToUpper(g), prefix) {
				matched = append(matched, g)
			}
		}
		sort.Strings(matched)
		genes = matched
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v >= 0 && v < len(genes) {
			genes = genes[:v]
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"genes": genes,
		"total": total,
	})
}

// Search job handlers

type searchJobSubmitRequest struct {
	QueryGenes    []string `json:"query_genes"`
	TopNum        int      `json:"top_num"`
	Cutoff        *float64 `json:"cutoff"`
	MaxCandidates int      `json:"max_candidates"`
}

func searchJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getDatasetService(r)

		var req searchJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		queries := expr.DedupeGenes(req.QueryGenes)
		if len(queries) == 0 {
			http.Error(w, "query_genes is required (at least one gene)", http.StatusBadRequest)
			return
		}
		if len(queries) > maxQueryGenes {
			http.Error(w, "too many query genes (max "+strconv.Itoa(maxQueryGenes)+")", http.StatusBadRequest)
			return
		}
		if req.TopNum < 0 || req.TopNum > maxTopNum {
			http.Error(w, "top_num must be between 1 and "+strconv.Itoa(maxTopNum), http.StatusBadRequest)
			return
		}
		if req.Cutoff != nil && (*req.Cutoff < 0 || *req.Cutoff >= 1) {
			http.Error(w, "cutoff must be in [0, 1)", http.StatusBadRequest)
			return
		}
		if req.MaxCandidates < 0 {
			http.Error(w, "max_candidates must be positive", http.StatusBadRequest)
			return
		}

		// Apply defaults
		p := svc.Params(service.SearchRequest{
			TopNum:        req.TopNum,
			Cutoff:        req.Cutoff,
			MaxCandidates: req.MaxCandidates,
		})
		if p.MaxCandidates < p.TopNum {
			http.Error(w, "max_candidates must be at least top_num", http.StatusBadRequest)
			return
		}

		params := searchstore.JobParams{
			DatasetID:     svc.ID(),
			QueryGenes:    queries,
			TopNum:        p.TopNum,
			Cutoff:        p.Cutoff,
			MaxCandidates: p.MaxCandidates,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// lookupJob returns the job named in the URL if it belongs to the dataset in
// the URL, writing the error response otherwise.
func lookupJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *searchstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func searchJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"params":      job.Params,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"summary":     job.Summary,
			"error":       job.Error,
		})
	}
}

func searchJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != searchstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		if r.URL.Query().Get("format") == "tsv" {
			items, _, err := jm.Store().QueryResults(job.ID, "", 0, -1)
			if err != nil {
				http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/tab-separated-values")
			w.Header().Set("Content-Disposition", `attachment; filename="IDmarkers-`+job.ID+output.Extension+`"`)
			output.WriteTSV(w, items)
			return
		}

		// Parse pagination and order params
		offset := 0
		limit := defaultPageSize
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "rank"
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > maxPageSize {
					limit = maxPageSize
				}
			}
		}

		items, total, err := jm.Store().QueryResults(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []markers.Record{}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"params":   job.Params,
			"summary":  job.Summary,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
	}
}

func searchJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}

		// Finished jobs are removed; live ones are cancelled.
		if job.Status.Finished() {
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  job.ID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}
