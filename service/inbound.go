package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/xui"

	"gorm.io/gorm"
)

// dedicatedRemark tags inbounds created exclusively for one order unit so
// the cleanup sweep can identify abandoned ones later.
var dedicatedRemark = regexp.MustCompile(`^DEDICATED O(\d+)`)

// DedicatedRemark builds the remark for a dedicated inbound.
func DedicatedRemark(orderID, orderItemID, unitIndex int) string {
	return fmt.Sprintf("DEDICATED O%d-I%d-U%d", orderID, orderItemID, unitIndex)
}

// ParseDedicatedRemark extracts the order id from a dedicated remark.
func ParseDedicatedRemark(remark string) (int, bool) {
	m := dedicatedRemark.FindStringSubmatch(remark)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// InboundService mirrors remote inbounds locally: bootstrap sync, dedicated
// inbound creation during provisioning, and sniffing drift repair.
type InboundService struct {
	client  *xui.Client
	servers *ServerService
}

func NewInboundService(client *xui.Client, servers *ServerService) *InboundService {
	return &InboundService{client: client, servers: servers}
}

// SyncAllInbounds pulls the full remote inbound list and upserts local rows
// keyed by remote id. It is the bootstrap/catch-up path, independent of the
// incremental reconciliation sweep. Returns the number of rows touched.
func (s *InboundService) SyncAllInbounds(ctx context.Context, serverID int) (int, error) {
	server, err := s.servers.GetServer(serverID)
	if err != nil {
		return 0, err
	}

	sess := s.servers.SessionOf(server)
	records, err := s.client.ListInbounds(ctx, s.servers.TargetOf(server), &sess)
	if saveErr := s.servers.SaveSession(server, sess); saveErr != nil {
		logger.Warning("syncAllInbounds: save session:", saveErr)
	}
	if err != nil {
		return 0, err
	}

	db := database.GetDB()
	count := 0
	seen := make(map[int]struct{}, len(records))
	for _, rec := range records {
		seen[rec.Id] = struct{}{}
		if err := s.upsertInbound(db, server.Id, rec); err != nil {
			logger.Warningf("syncAllInbounds: remote inbound %d: %v", rec.Id, err)
			continue
		}
		count++
	}

	// rows whose remote listener disappeared go inactive, never deleted
	// here; the cleanup sweep owns deletions
	var localRows []*model.Inbound
	if err := db.Where("server_id = ?", server.Id).Find(&localRows).Error; err != nil {
		return count, err
	}
	for _, row := range localRows {
		if _, ok := seen[row.RemoteId]; ok {
			continue
		}
		if row.Status == model.InboundInactive {
			continue
		}
		err := db.Model(&model.Inbound{}).Where("id = ?", row.Id).
			UpdateColumn("status", model.InboundInactive).Error
		if err != nil {
			logger.Warningf("syncAllInbounds: deactivate inbound %d: %v", row.Id, err)
		}
	}
	return count, nil
}

func (s *InboundService) upsertInbound(db *gorm.DB, serverID int, rec xui.InboundRecord) error {
	updates := map[string]any{
		"remark":          rec.Remark,
		"listen":          rec.Listen,
		"port":            rec.Port,
		"protocol":        rec.Protocol,
		"settings":        rec.Settings,
		"stream_settings": rec.StreamSettings,
		"sniffing":        rec.Sniffing,
	}

	var existing model.Inbound
	err := db.Where("server_id = ? AND remote_id = ?", serverID, rec.Id).First(&existing).Error
	switch err {
	case nil:
		if existing.Status == model.InboundInactive {
			updates["status"] = model.InboundActive
		}
		return db.Model(&model.Inbound{}).Where("id = ?", existing.Id).UpdateColumns(updates).Error
	case gorm.ErrRecordNotFound:
		inbound := &model.Inbound{
			ServerId:       serverID,
			RemoteId:       rec.Id,
			Remark:         rec.Remark,
			Listen:         rec.Listen,
			Port:           rec.Port,
			Protocol:       model.Protocol(rec.Protocol),
			Settings:       rec.Settings,
			StreamSettings: rec.StreamSettings,
			Sniffing:       rec.Sniffing,
			Status:         model.InboundActive,
			ProvisioningOn: true,
		}
		if orderID, ok := ParseDedicatedRemark(rec.Remark); ok {
			inbound.DedicatedOrderId = &orderID
			inbound.ProvisioningOn = false
			one := 1
			inbound.Capacity = &one
		}
		if err := db.Create(inbound).Error; err != nil {
			return err
		}
		if !inbound.ProvisioningOn {
			// the column has a true default and gorm drops zero values on
			// insert, so false must be written explicitly
			return db.Model(inbound).UpdateColumn("provisioning_enabled", false).Error
		}
		return nil
	default:
		return err
	}
}

// CreateDedicated creates a fresh remote inbound for one dedicated plan
// unit and mirrors it locally with capacity 1. The inbound never enters the
// shared selection pool.
func (s *InboundService) CreateDedicated(ctx context.Context, server *model.Server, plan *model.Plan, orderID, orderItemID, unitIndex int) (*model.Inbound, error) {
	sess := s.servers.SessionOf(server)
	rec, err := s.client.CreateInbound(ctx, s.servers.TargetOf(server), &sess, xui.CreateInboundParams{
		Remark:   DedicatedRemark(orderID, orderItemID, unitIndex),
		Protocol: string(plan.Protocol),
	})
	if saveErr := s.servers.SaveSession(server, sess); saveErr != nil {
		logger.Warning("createDedicated: save session:", saveErr)
	}
	if err != nil {
		return nil, err
	}

	one := 1
	inbound := &model.Inbound{
		ServerId:         server.Id,
		RemoteId:         rec.Id,
		Remark:           rec.Remark,
		Listen:           rec.Listen,
		Port:             rec.Port,
		Protocol:         plan.Protocol,
		Settings:         rec.Settings,
		StreamSettings:   rec.StreamSettings,
		Sniffing:         rec.Sniffing,
		Capacity:         &one,
		Status:           model.InboundActive,
		ProvisioningOn:   false,
		DedicatedOrderId: &orderID,
	}
	if err := database.GetDB().Create(inbound).Error; err != nil {
		// the remote listener exists but the mirror write failed; surface
		// enough context for manual reconciliation
		return nil, &PersistenceError{RemoteEmail: rec.Remark, Err: err}
	}
	// the column has a true default and gorm drops zero values on insert,
	// so false must be written explicitly
	if err := database.GetDB().Model(inbound).UpdateColumn("provisioning_enabled", false).Error; err != nil {
		return nil, &PersistenceError{RemoteEmail: rec.Remark, Err: err}
	}
	return inbound, nil
}

// RepairSniffing rewrites any sniffing blob stored in the corrupt array
// shape back to the canonical object and pushes the fix to the panel.
// Returns how many inbounds were repaired.
func (s *InboundService) RepairSniffing(ctx context.Context, serverID int) (int, error) {
	server, err := s.servers.GetServer(serverID)
	if err != nil {
		return 0, err
	}

	db := database.GetDB()
	var inbounds []*model.Inbound
	if err := db.Where("server_id = ?", serverID).Find(&inbounds).Error; err != nil {
		return 0, err
	}

	sess := s.servers.SessionOf(server)
	target := s.servers.TargetOf(server)
	repaired := 0
	for _, inbound := range inbounds {
		sniffing, rewrite, err := xui.DecodeSniffing(inbound.Sniffing)
		if err != nil {
			logger.Warningf("repairSniffing: inbound %d: %v", inbound.Id, err)
			continue
		}
		if !rewrite {
			continue
		}
		encoded, err := xui.EncodeSniffing(sniffing)
		if err != nil {
			logger.Warningf("repairSniffing: inbound %d: %v", inbound.Id, err)
			continue
		}

		err = s.client.UpdateInbound(ctx, target, &sess, inbound.RemoteId, xui.InboundRecord{
			Enable:         inbound.Status != model.InboundInactive,
			Remark:         inbound.Remark,
			Listen:         inbound.Listen,
			Port:           inbound.Port,
			Protocol:       string(inbound.Protocol),
			Settings:       inbound.Settings,
			StreamSettings: inbound.StreamSettings,
			Sniffing:       encoded,
		})
		if err != nil {
			logger.Warningf("repairSniffing: push inbound %d: %v", inbound.Id, err)
			continue
		}
		err = db.Model(&model.Inbound{}).Where("id = ?", inbound.Id).
			UpdateColumn("sniffing", encoded).Error
		if err != nil {
			logger.Warningf("repairSniffing: persist inbound %d: %v", inbound.Id, err)
			continue
		}
		repaired++
	}
	if saveErr := s.servers.SaveSession(server, sess); saveErr != nil {
		logger.Warning("repairSniffing: save session:", saveErr)
	}
	return repaired, nil
}
