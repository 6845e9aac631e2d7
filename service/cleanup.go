package service

import (
	"context"
	"fmt"
	"time"

	"panelstore/config"
	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/xui"
)

// CleanupCandidate is one inbound the sweep decided about.
type CleanupCandidate struct {
	InboundId     int    `json:"inboundId"`
	ServerId      int    `json:"serverId"`
	RemoteId      int    `json:"remoteId"`
	Remark        string `json:"remark"`
	OrderId       int    `json:"orderId"`
	Deleted       bool   `json:"deleted"`
	RemoteDeleted bool   `json:"remoteDeleted"`
	Reason        string `json:"reason,omitempty"`
}

// CleanupReport summarizes one cleanup run.
type CleanupReport struct {
	Examined   int                `json:"examined"`
	Deleted    int                `json:"deleted"`
	DryRun     bool               `json:"dryRun"`
	Candidates []CleanupCandidate `json:"candidates"`
}

// CleanupService garbage-collects dedicated inbounds abandoned by failed or
// cancelled provisioning: remark matches the dedicated convention, zero
// clients, past the grace period, and unreferenced by any order still in a
// paid or processing state.
type CleanupService struct {
	client  *xui.Client
	servers *ServerService
}

func NewCleanupService(client *xui.Client, servers *ServerService) *CleanupService {
	return &CleanupService{client: client, servers: servers}
}

// CleanupDedicated runs one sweep. With dryRun all read steps execute but
// no mutating call is made, remote or local.
func (s *CleanupService) CleanupDedicated(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	db := database.GetDB()
	cutoff := time.Now().Add(-config.GetCleanupGracePeriod())

	var candidates []*model.Inbound
	err := db.Where("dedicated_order_id IS NOT NULL AND current_clients = 0 AND created_at < ?", cutoff).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{DryRun: dryRun}
	sessions := make(map[int]*sessionHandle)
	listed := make(map[int]error)

	for _, inbound := range candidates {
		report.Examined++
		candidate := CleanupCandidate{
			InboundId: inbound.Id,
			ServerId:  inbound.ServerId,
			RemoteId:  inbound.RemoteId,
			Remark:    inbound.Remark,
		}

		orderID, ok := ParseDedicatedRemark(inbound.Remark)
		if !ok {
			if inbound.DedicatedOrderId == nil {
				candidate.Reason = "remark does not match dedicated convention"
				report.Candidates = append(report.Candidates, candidate)
				continue
			}
			orderID = *inbound.DedicatedOrderId
		}
		candidate.OrderId = orderID

		keep, reason, err := s.isReferenced(inbound, orderID)
		if err != nil {
			candidate.Reason = err.Error()
			report.Candidates = append(report.Candidates, candidate)
			continue
		}
		if keep {
			candidate.Reason = reason
			report.Candidates = append(report.Candidates, candidate)
			continue
		}

		if dryRun {
			// still walk the read-only remote path so a dry run surfaces
			// unreachable panels before anyone trusts its verdict
			if err := s.listOnce(ctx, sessions, listed, inbound.ServerId); err != nil {
				candidate.Reason = fmt.Sprintf("would delete, but server unreachable: %v", err)
			} else {
				candidate.Reason = "would delete"
			}
			report.Candidates = append(report.Candidates, candidate)
			continue
		}

		// remote first, best effort: a panel that already dropped the
		// inbound must not block the local delete
		handle, err := s.sessionFor(sessions, inbound.ServerId)
		if err != nil {
			candidate.Reason = fmt.Sprintf("server unavailable: %v", err)
			report.Candidates = append(report.Candidates, candidate)
			continue
		}
		err = s.client.DeleteInbound(ctx, handle.target, &handle.sess, inbound.RemoteId)
		if err != nil {
			logger.Warningf("cleanup: remote delete inbound %d (remote %d): %v", inbound.Id, inbound.RemoteId, err)
		} else {
			candidate.RemoteDeleted = true
		}

		if err := db.Delete(&model.Inbound{}, inbound.Id).Error; err != nil {
			candidate.Reason = fmt.Sprintf("local delete failed: %v", err)
			report.Candidates = append(report.Candidates, candidate)
			continue
		}
		candidate.Deleted = true
		report.Deleted++
		report.Candidates = append(report.Candidates, candidate)
		logger.Infof("cleanup: deleted dedicated inbound %d (order %d, remoteDeleted=%v)",
			inbound.Id, orderID, candidate.RemoteDeleted)
	}

	for _, handle := range sessions {
		if err := s.servers.SaveSession(handle.server, handle.sess); err != nil {
			logger.Warning("cleanup: save session:", err)
		}
	}
	return report, nil
}

// isReferenced keeps an inbound alive while its order could still need it.
func (s *CleanupService) isReferenced(inbound *model.Inbound, orderID int) (bool, string, error) {
	db := database.GetDB()

	var order model.Order
	if err := db.First(&order, orderID).Error; err == nil {
		if order.PaymentStatus == model.PaymentPaid || order.PaymentStatus == model.PaymentProcessing {
			// a paid order with an in-flight or completed unit on this
			// inbound still owns it
			var active int64
			err := db.Model(&model.OrderServerClient{}).
				Where("order_id = ? AND dedicated_inbound_id = ? AND provision_status IN ?",
					orderID, inbound.Id,
					[]model.ProvisionStatus{model.ProvisionPending, model.ProvisionProvisioning, model.ProvisionCompleted}).
				Count(&active).Error
			if err != nil {
				return true, "", err
			}
			if active > 0 {
				return true, fmt.Sprintf("referenced by order %d (%s)", orderID, order.PaymentStatus), nil
			}
		}
	}

	var clients int64
	err := db.Model(&model.ServerClient{}).
		Where("inbound_id = ?", inbound.Id).
		Count(&clients).Error
	if err != nil {
		return true, "", err
	}
	if clients > 0 {
		return true, "has client mirrors", nil
	}
	return false, "", nil
}

// listOnce performs at most one ListInbounds per server and remembers the
// outcome for the rest of the sweep.
func (s *CleanupService) listOnce(ctx context.Context, sessions map[int]*sessionHandle, listed map[int]error, serverID int) error {
	if err, ok := listed[serverID]; ok {
		return err
	}
	handle, err := s.sessionFor(sessions, serverID)
	if err != nil {
		listed[serverID] = err
		return err
	}
	_, err = s.client.ListInbounds(ctx, handle.target, &handle.sess)
	listed[serverID] = err
	return err
}

type sessionHandle struct {
	server *model.Server
	target xui.Target
	sess   xui.Session
}

func (s *CleanupService) sessionFor(sessions map[int]*sessionHandle, serverID int) (*sessionHandle, error) {
	if handle, ok := sessions[serverID]; ok {
		return handle, nil
	}
	server, err := s.servers.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	handle := &sessionHandle{
		server: server,
		target: s.servers.TargetOf(server),
		sess:   s.servers.SessionOf(server),
	}
	sessions[serverID] = handle
	return handle, nil
}
