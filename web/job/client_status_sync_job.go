package job

import (
	"context"

	"panelstore/logger"
	"panelstore/service"
)

// ClientStatusSyncJob mirrors remote traffic counters and online flags into
// the local client rows.
type ClientStatusSyncJob struct {
	reconcile *service.ReconcileService
}

func NewClientStatusSyncJob(reconcile *service.ReconcileService) *ClientStatusSyncJob {
	return &ClientStatusSyncJob{reconcile: reconcile}
}

func (j *ClientStatusSyncJob) Run() {
	err := j.reconcile.RefreshClientStatus(context.Background(), service.RefreshOptions{})
	if err != nil {
		logger.Warning("client status sync:", err)
	}
	if expired, err := j.reconcile.ExpireClients(); err != nil {
		logger.Warning("expire clients:", err)
	} else if expired > 0 {
		logger.Infof("expired %d clients", expired)
	}
}
