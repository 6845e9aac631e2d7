package job

import (
	"context"

	"panelstore/logger"
	"panelstore/service"
)

// CleanupDedicatedJob deletes orphaned dedicated inbounds that passed the
// grace period.
type CleanupDedicatedJob struct {
	cleanup *service.CleanupService
}

func NewCleanupDedicatedJob(cleanup *service.CleanupService) *CleanupDedicatedJob {
	return &CleanupDedicatedJob{cleanup: cleanup}
}

func (j *CleanupDedicatedJob) Run() {
	report, err := j.cleanup.CleanupDedicated(context.Background(), false)
	if err != nil {
		logger.Warning("dedicated cleanup:", err)
		return
	}
	if report.Deleted > 0 {
		logger.Infof("dedicated cleanup: deleted %d of %d candidates", report.Deleted, report.Examined)
	}
}
