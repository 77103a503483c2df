package maintenance

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/storage/badger"
)

// ResultBuffer holds in-memory terminal results waiting for a reader
type ResultBuffer interface {
	EvictResults(maxAge time.Duration) int
}

// Service runs the periodic cleanup sweep: stale running jobs are failed,
// terminal records past retention are purged, old uploaded files are
// removed from disk, and unread buffered results are dropped.
type Service struct {
	config  *common.MaintenanceConfig
	uploads *common.UploadsConfig
	jobs    *badger.JobStorage
	results ResultBuffer
	cron    *cron.Cron
	logger  arbor.ILogger
}

// NewService creates the maintenance service
func NewService(config *common.MaintenanceConfig, uploads *common.UploadsConfig, jobs *badger.JobStorage, results ResultBuffer, logger arbor.ILogger) *Service {
	return &Service{
		config:  config,
		uploads: uploads,
		jobs:    jobs,
		results: results,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start schedules the sweep
func (s *Service) Start() error {
	schedule := s.config.Schedule
	if schedule == "" {
		schedule = "*/5 * * * *"
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.Sweep()
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Msg("Maintenance sweep scheduled")
	return nil
}

// Stop stops the scheduler
func (s *Service) Stop() {
	s.cron.Stop()
	s.logger.Info().Msg("Maintenance sweep stopped")
}

// Sweep runs one full maintenance pass
func (s *Service) Sweep() {
	s.failStaleJobs()
	s.purgeOldJobs()
	s.removeExpiredUploads()
	s.evictBufferedResults()
}

// failStaleJobs marks running jobs with no recent update as failed. A relay
// goroutine that died without a terminal write leaves its record stuck.
func (s *Service) failStaleJobs() {
	staleAfter := common.ParseDurationOr(s.config.StaleAfter, 15*time.Minute)

	stale, err := s.jobs.GetStaleRunningJobs(staleAfter)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale job query failed")
		return
	}

	for _, job := range stale {
		if err := s.jobs.MarkFailed(job.ID, "job abandoned: no progress recorded"); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to mark stale job")
			continue
		}
		s.logger.Info().
			Str("job_id", job.ID).
			Str("workflow", job.Workflow).
			Msg("Marked stale running job as failed")
	}
}

// purgeOldJobs removes terminal records past the retention window
func (s *Service) purgeOldJobs() {
	retention := common.ParseDurationOr(s.config.Retention, 168*time.Hour)

	count, err := s.jobs.DeleteJobsOlderThan(retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Job retention purge failed")
		return
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Purged expired job records")
	}
}

// removeExpiredUploads deletes uploaded and downloaded media files older
// than the configured TTL
func (s *Service) removeExpiredUploads() {
	if s.uploads.Dir == "" {
		return
	}
	ttl := common.ParseDurationOr(s.config.UploadTTL, 24*time.Hour)
	cutoff := time.Now().Add(-ttl)

	entries, err := os.ReadDir(s.uploads.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("dir", s.uploads.Dir).Msg("Upload directory scan failed")
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.uploads.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Str("file", path).Err(err).Msg("Failed to remove expired upload")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("count", removed).Msg("Removed expired media files")
	}
}

// evictBufferedResults drops in-memory results nobody ever polled for
func (s *Service) evictBufferedResults() {
	if s.results == nil {
		return
	}
	ttl := common.ParseDurationOr(s.config.ResultTTL, time.Hour)
	if count := s.results.EvictResults(ttl); count > 0 {
		s.logger.Info().Int("count", count).Msg("Evicted unread buffered results")
	}
}
