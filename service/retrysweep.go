package service

import (
	"strings"
	"time"

	"panelstore/config"
	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
)

// transientPatterns match dead-letter errors worth re-driving: failures
// caused by contention or races, not by bad input.
var transientPatterns = []string{
	"deadlock",
	"lock timeout",
	"database is locked",
	"connection reset",
	"connection refused",
	"timed out",
	"timeout",
	"record not found",
}

// RetrySweepService scans the dead-letter store and re-runs only the jobs
// whose error matches a transient pattern, bounded per run to avoid retry
// storms.
type RetrySweepService struct {
	handlers map[string]func(payload string) error
}

func NewRetrySweepService() *RetrySweepService {
	return &RetrySweepService{handlers: make(map[string]func(payload string) error)}
}

// Register binds a handler name to the function that re-runs its jobs.
func (s *RetrySweepService) Register(handler string, fn func(payload string) error) {
	s.handlers[handler] = fn
}

// SweepReport summarizes one retry sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Requeued  int `json:"requeued"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweep re-drives transient dead letters, newest last so older failures go
// first. Jobs with no registered handler or a non-transient error stay put
// for operator inspection.
func (s *RetrySweepService) Sweep(limit int) (*SweepReport, error) {
	if limit <= 0 {
		limit = config.GetRetrySweepLimit()
	}

	db := database.GetDB()
	var jobs []*model.FailedJob
	err := db.Where("retried_at IS NULL").Order("failed_at ASC").Limit(limit * 4).Find(&jobs).Error
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, job := range jobs {
		report.Scanned++
		if report.Requeued >= limit {
			break
		}
		if !isTransientError(job.Error) {
			report.Skipped++
			continue
		}
		handler, ok := s.handlers[job.Handler]
		if !ok {
			report.Skipped++
			continue
		}

		now := time.Now()
		err := db.Model(&model.FailedJob{}).Where("id = ?", job.Id).UpdateColumns(map[string]any{
			"retried_at": now,
			"attempts":   job.Attempts + 1,
		}).Error
		if err != nil {
			logger.Warningf("retry sweep: mark job %d: %v", job.Id, err)
			continue
		}
		report.Requeued++

		if err := handler(job.Payload); err != nil {
			report.Failed++
			logger.Warningf("retry sweep: job %d (%s) failed again: %v", job.Id, job.Handler, err)
			// back into the dead-letter store as a fresh entry so the
			// attempt history stays visible
			record := &model.FailedJob{
				Queue:    job.Queue,
				Handler:  job.Handler,
				Payload:  job.Payload,
				Error:    err.Error(),
				Attempts: job.Attempts + 1,
				FailedAt: time.Now(),
			}
			if cerr := db.Create(record).Error; cerr != nil {
				logger.Error("retry sweep: record failure:", cerr)
			}
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

// RecordFailure appends a dead letter. Callers use it wherever a background
// unit of work fails outside a request context.
func (s *RetrySweepService) RecordFailure(queue, handler, payload string, cause error) {
	db := database.GetDB()
	job := &model.FailedJob{
		Queue:    queue,
		Handler:  handler,
		Payload:  payload,
		Error:    cause.Error(),
		Attempts: 1,
		FailedAt: time.Now(),
	}
	if err := db.Create(job).Error; err != nil {
		logger.Error("retry sweep: record dead letter:", err)
	}
}

func isTransientError(msg string) bool {
	low := strings.ToLower(msg)
	for _, pattern := range transientPatterns {
		if strings.Contains(low, pattern) {
			return true
		}
	}
	return false
}
