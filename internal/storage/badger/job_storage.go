package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/lumen/internal/models"
)

// JobStorage persists generation job records in Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// SaveJob upserts a job record
func (s *JobStorage) SaveJob(job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id. Returns (nil, nil) when the record does not
// exist.
func (s *JobStorage) GetJob(jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *JobStorage) ListJobs(status models.JobStatus, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")
	if status != "" {
		query = query.And("Status").Eq(status)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// MarkCompleted records a terminal successful state
func (s *JobStorage) MarkCompleted(jobID, artifact string, media models.MediaType) error {
	return s.updateStatus(jobID, models.JobStatusCompleted, "", artifact, media)
}

// MarkFailed records a terminal failed state with its detail message
func (s *JobStorage) MarkFailed(jobID, detail string) error {
	return s.updateStatus(jobID, models.JobStatusFailed, detail, "", "")
}

func (s *JobStorage) updateStatus(jobID string, status models.JobStatus, errMsg, artifact string, media models.MediaType) error {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return err
	}

	job.Status = status
	// A completion wipes any earlier failure detail, a sweep may have
	// written one while the relay was still running
	job.Error = errMsg
	if artifact != "" {
		job.Artifact = artifact
	}
	if media != "" {
		job.MediaType = string(media)
	}

	return s.SaveJob(&job)
}

// Touch refreshes a running job's UpdatedAt so the stale sweep knows its
// relay is alive. Terminal records are left alone.
func (s *JobStorage) Touch(jobID string) error {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return err
	}
	if job.IsTerminal() {
		return nil
	}
	return s.SaveJob(&job)
}

// GetStaleRunningJobs returns running jobs that have not been touched since
// the threshold. A relay that died without reaching a terminal state leaves
// its record running forever; the maintenance sweep fails these.
func (s *JobStorage) GetStaleRunningJobs(staleAfter time.Duration) ([]*models.Job, error) {
	threshold := time.Now().Add(-staleAfter)

	var jobs []models.Job
	err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusRunning).And("UpdatedAt").Lt(threshold))
	if err != nil {
		return nil, err
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// DeleteJobsOlderThan purges terminal job records past the retention window.
// Returns the number of records removed.
func (s *JobStorage) DeleteJobsOlderThan(retention time.Duration) (int, error) {
	threshold := time.Now().Add(-retention)

	var jobs []models.Job
	err := s.db.Store().Find(&jobs, badgerhold.Where("UpdatedAt").Lt(threshold))
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range jobs {
		if !jobs[i].IsTerminal() {
			continue
		}
		if err := s.db.Store().Delete(jobs[i].ID, &models.Job{}); err != nil {
			s.logger.Warn().Str("job_id", jobs[i].ID).Err(err).Msg("Failed to purge job record")
			continue
		}
		count++
	}
	return count, nil
}

// CountJobs returns the total number of stored job records
func (s *JobStorage) CountJobs() (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, nil)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountJobsByStatus returns the number of jobs in the given state
func (s *JobStorage) CountJobsByStatus(status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
