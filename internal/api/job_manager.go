// Package api provides HTTP handlers for the marker search server.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/searchstore"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent search jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	QueueSize     int    // Pending jobs accepted before Submit rejects (default 100)
	CleanupPeriod time.Duration
	Logger        *logrus.Entry
}

// JobManager manages search jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *searchstore.Store
	log      *logrus.Entry
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual search.
	Executor func(ctx context.Context, store *searchstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	store, err := searchstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		log:     log,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *searchstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.WithError(err).Error("failed to mark running jobs as failed")
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.WithError(err).Error("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.WithField("job", job.ID).Info("re-queued job")
			default:
				jm.log.WithField("job", job.ID).Warn("queue full, cannot re-queue job")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued; picked up again on the next Start.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	log := jm.log.WithField("job", jobID)

	// Skip jobs cancelled while queued
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil || job.Status != searchstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.WithError(err).Error("failed to mark job as started")
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// Update final status
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		jm.store.UpdateJobStatus(jobID, searchstore.JobStatusCancelled, "cancelled by user")
		log.Info("job cancelled")
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, searchstore.JobStatusFailed, execErr.Error())
		log.WithError(execErr).Warn("job failed")
	default:
		jm.store.UpdateJobStatus(jobID, searchstore.JobStatusCompleted, "")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.log.WithError(err).Error("cleanup failed")
	} else if deleted > 0 {
		jm.log.WithField("jobs", deleted).Info("cleaned up expired jobs")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params searchstore.JobParams) (*searchstore.Job, error) {
	id := uuid.NewString()
	job := &searchstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    searchstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		msg := "job queue is full; try again later"
		jm.store.UpdateJobStatus(id, searchstore.JobStatusFailed, msg)
		job.Status = searchstore.JobStatusFailed
		job.Error = msg
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *searchstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.log.WithError(err).WithField("job", id).Error("failed to get job")
		return nil
	}
	return job
}

// Cancel attempts to cancel a running or queued job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == searchstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, searchstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
