package job

import (
	"panelstore/logger"
	"panelstore/service"
)

// SmartRetryJob re-drives dead-lettered jobs whose failure looked transient.
type SmartRetryJob struct {
	sweeper *service.RetrySweepService
}

func NewSmartRetryJob(sweeper *service.RetrySweepService) *SmartRetryJob {
	return &SmartRetryJob{sweeper: sweeper}
}

func (j *SmartRetryJob) Run() {
	report, err := j.sweeper.Sweep(0)
	if err != nil {
		logger.Warning("retry sweep:", err)
		return
	}
	if report.Requeued > 0 {
		logger.Infof("retry sweep: requeued %d, succeeded %d, failed %d",
			report.Requeued, report.Succeeded, report.Failed)
	}
}
