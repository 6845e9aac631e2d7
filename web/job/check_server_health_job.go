package job

import (
	"context"

	"panelstore/logger"
	"panelstore/service"
)

// CheckServerHealthJob checks every active server and records the result.
type CheckServerHealthJob struct {
	servers *service.ServerService
}

func NewCheckServerHealthJob(servers *service.ServerService) *CheckServerHealthJob {
	return &CheckServerHealthJob{servers: servers}
}

func (j *CheckServerHealthJob) Run() {
	if err := j.servers.CheckHealth(context.Background()); err != nil {
		logger.Warning("server health check:", err)
	}
}
