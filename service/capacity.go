package service

import (
	"panelstore/database"
	"panelstore/database/model"

	"gorm.io/gorm"
)

// CapacityService answers whether and where a new client unit can be
// placed, and owns the atomic check-and-increment discipline on the shared
// counters. Reserve and release always run guarded UPDATEs so two
// concurrent provisioners can never both take the last slot.
type CapacityService struct{}

func NewCapacityService() *CapacityService {
	return &CapacityService{}
}

// PlanHasCapacity reports whether quantity more clients fit under the
// plan's ceiling. A nil ceiling means unlimited.
func (s *CapacityService) PlanHasCapacity(plan *model.Plan, quantity int) bool {
	if plan.MaxClients == nil {
		return true
	}
	return plan.CurrentClients+quantity <= *plan.MaxClients
}

// ServerCanProvision is the analogous ceiling check at server level.
func (s *CapacityService) ServerCanProvision(server *model.Server, quantity int) bool {
	if !server.AutoProvision {
		return false
	}
	if server.MaxClients == nil {
		return true
	}
	return server.TotalClients+quantity <= *server.MaxClients
}

// BestInbound picks the shared inbound for one more client: among inbounds
// eligible for provisioning, the one with the lowest utilization ratio,
// ties broken by lowest port. Dedicated plans never reuse an inbound, so
// they always get nil.
func (s *CapacityService) BestInbound(plan *model.Plan) (*model.Inbound, error) {
	if plan.IsDedicated() {
		return nil, nil
	}

	db := database.GetDB()

	if plan.PreferredInboundId != nil {
		var preferred model.Inbound
		err := db.First(&preferred, *plan.PreferredInboundId).Error
		if err == nil && eligible(&preferred) {
			return &preferred, nil
		}
		if err != nil && err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}

	var candidates []*model.Inbound
	err := db.Where("server_id = ? AND provisioning_enabled = ? AND status = ? AND dedicated_order_id IS NULL",
		plan.ServerId, true, model.InboundActive).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var best *model.Inbound
	for _, candidate := range candidates {
		if !candidate.HasCapacityFor(1) {
			continue
		}
		if best == nil {
			best = candidate
			continue
		}
		cr, br := candidate.UtilizationRatio(), best.UtilizationRatio()
		if cr < br || (cr == br && candidate.Port < best.Port) {
			best = candidate
		}
	}
	return best, nil
}

func eligible(inbound *model.Inbound) bool {
	return inbound.ProvisioningOn &&
		inbound.Status == model.InboundActive &&
		inbound.DedicatedOrderId == nil &&
		inbound.HasCapacityFor(1)
}

// ReserveUnit atomically takes one slot on the inbound, the plan and the
// server inside a single transaction. On any ceiling miss nothing is
// reserved and a CapacityError identifies the exhausted scope.
func (s *CapacityService) ReserveUnit(inboundID int, plan *model.Plan, serverID int) error {
	return withTx(func(tx *gorm.DB) error {
		res := tx.Model(&model.Inbound{}).
			Where("id = ? AND (capacity IS NULL OR current_clients < capacity)", inboundID).
			UpdateColumn("current_clients", gorm.Expr("current_clients + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &CapacityError{Scope: "inbound", ID: inboundID}
		}

		// the ceiling reached exactly now flips the inbound to full
		err := tx.Model(&model.Inbound{}).
			Where("id = ? AND capacity IS NOT NULL AND current_clients >= capacity AND status = ?",
				inboundID, model.InboundActive).
			UpdateColumn("status", model.InboundFull).Error
		if err != nil {
			return err
		}

		res = tx.Model(&model.Plan{}).
			Where("id = ? AND (max_clients IS NULL OR current_clients < max_clients)", plan.Id).
			UpdateColumn("current_clients", gorm.Expr("current_clients + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &CapacityError{Scope: "plan", ID: plan.Id}
		}

		res = tx.Model(&model.Server{}).
			Where("id = ? AND (max_clients IS NULL OR total_clients < max_clients)", serverID).
			UpdateColumns(map[string]any{
				"total_clients":  gorm.Expr("total_clients + 1"),
				"active_clients": gorm.Expr("active_clients + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &CapacityError{Scope: "server", ID: serverID}
		}
		return nil
	})
}

// ReleaseUnit gives back a previously reserved slot, flipping a full
// inbound back to active when it drops below its ceiling.
func (s *CapacityService) ReleaseUnit(inboundID int, planID int, serverID int) error {
	return withTx(func(tx *gorm.DB) error {
		err := tx.Model(&model.Inbound{}).
			Where("id = ? AND current_clients > 0", inboundID).
			UpdateColumn("current_clients", gorm.Expr("current_clients - 1")).Error
		if err != nil {
			return err
		}
		err = tx.Model(&model.Inbound{}).
			Where("id = ? AND status = ? AND (capacity IS NULL OR current_clients < capacity)",
				inboundID, model.InboundFull).
			UpdateColumn("status", model.InboundActive).Error
		if err != nil {
			return err
		}
		err = tx.Model(&model.Plan{}).
			Where("id = ? AND current_clients > 0", planID).
			UpdateColumn("current_clients", gorm.Expr("current_clients - 1")).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.Server{}).
			Where("id = ? AND total_clients > 0", serverID).
			UpdateColumns(map[string]any{
				"total_clients":  gorm.Expr("total_clients - 1"),
				"active_clients": gorm.Expr("CASE WHEN active_clients > 0 THEN active_clients - 1 ELSE 0 END"),
			}).Error
	})
}
