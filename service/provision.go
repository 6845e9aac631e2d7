package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"panelstore/config"
	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/util/random"
	"panelstore/xui"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProvisionService turns a paid order into remote clients plus local
// mirror rows, one quantity unit at a time, idempotently keyed on
// (order, order item, unit index) through the OrderServerClient ledger.
type ProvisionService struct {
	client        *xui.Client
	servers       *ServerService
	inbounds      *InboundService
	capacity      *CapacityService
	keepDedicated bool
}

func NewProvisionService(client *xui.Client, servers *ServerService, inbounds *InboundService, capacity *CapacityService) *ProvisionService {
	return &ProvisionService{
		client:        client,
		servers:       servers,
		inbounds:      inbounds,
		capacity:      capacity,
		keepDedicated: config.KeepDedicatedOnFailure(),
	}
}

// UnitResult is the outcome of one quantity unit.
type UnitResult struct {
	UnitIndex      int    `json:"unitIndex"`
	Success        bool   `json:"success"`
	Skipped        bool   `json:"skipped"`
	Email          string `json:"email,omitempty"`
	Uuid           string `json:"uuid,omitempty"`
	ServerClientId int    `json:"serverClientId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ItemResult is the per-order-item summary the orchestrator always returns;
// one unit's failure never aborts its siblings.
type ItemResult struct {
	OrderItemId         int          `json:"orderItemId"`
	PlanId              int          `json:"planId"`
	QuantityRequested   int          `json:"quantityRequested"`
	QuantityProvisioned int          `json:"quantityProvisioned"`
	Success             bool         `json:"success"`
	Error               string       `json:"error,omitempty"`
	Clients             []UnitResult `json:"clients"`
}

// unitConfig is the recovery state stored in the ledger row's
// provision_config blob. It pins the remote identity and the reserved
// capacity across attempts so a retry never doubles either.
type unitConfig struct {
	Uuid               string `json:"uuid,omitempty"`
	Email              string `json:"email,omitempty"`
	InboundId          int    `json:"inboundId,omitempty"`
	DedicatedInboundId int    `json:"dedicatedInboundId,omitempty"`
	Reserved           bool   `json:"reserved,omitempty"`
}

// ProvisionOrder drives every unit of every item of a paid order through
// the provisioning state machine. Re-running it for an already provisioned
// order is a no-op.
func (s *ProvisionService) ProvisionOrder(ctx context.Context, orderID int) ([]ItemResult, error) {
	return s.provision(ctx, orderID, false)
}

// RetryFailedProvisions re-drives only the failed units of an order,
// leaving completed siblings untouched. Safe to call arbitrarily often.
func (s *ProvisionService) RetryFailedProvisions(ctx context.Context, orderID int) ([]ItemResult, error) {
	return s.provision(ctx, orderID, true)
}

func (s *ProvisionService) provision(ctx context.Context, orderID int, onlyFailed bool) ([]ItemResult, error) {
	db := database.GetDB()

	var order model.Order
	if err := db.Preload("Items").First(&order, orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, validationErrorf("order %d not found", orderID)
		}
		return nil, err
	}
	if order.PaymentStatus != model.PaymentPaid {
		return nil, validationErrorf("order %d is %s, only paid orders are provisioned", orderID, order.PaymentStatus)
	}

	results := make([]ItemResult, 0, len(order.Items))
	for _, item := range order.Items {
		results = append(results, s.provisionItem(ctx, &order, &item, onlyFailed))
	}
	return results, nil
}

func (s *ProvisionService) provisionItem(ctx context.Context, order *model.Order, item *model.OrderItem, onlyFailed bool) ItemResult {
	result := ItemResult{
		OrderItemId:       item.Id,
		PlanId:            item.PlanId,
		QuantityRequested: item.Quantity,
	}

	db := database.GetDB()
	var plan model.Plan
	if err := db.First(&plan, item.PlanId).Error; err != nil {
		result.Error = fmt.Sprintf("plan %d not found", item.PlanId)
		return result
	}
	server, err := s.servers.GetServer(plan.ServerId)
	if err != nil {
		result.Error = fmt.Sprintf("server %d not found", plan.ServerId)
		return result
	}

	for unit := 1; unit <= item.Quantity; unit++ {
		row, err := s.ledgerRow(order.Id, item.Id, unit)
		if err != nil {
			result.Clients = append(result.Clients, UnitResult{UnitIndex: unit, Error: err.Error()})
			continue
		}

		if row.ProvisionStatus == model.ProvisionCompleted {
			unitRes := UnitResult{UnitIndex: unit, Success: true, Skipped: true}
			if row.ServerClientId != nil {
				unitRes.ServerClientId = *row.ServerClientId
			}
			result.Clients = append(result.Clients, unitRes)
			result.QuantityProvisioned++
			continue
		}
		if onlyFailed && row.ProvisionStatus != model.ProvisionFailed {
			result.Clients = append(result.Clients, UnitResult{UnitIndex: unit, Skipped: true})
			continue
		}

		unitRes := s.provisionUnit(ctx, order, item, &plan, server, row)
		if unitRes.Success {
			result.QuantityProvisioned++
		}
		result.Clients = append(result.Clients, unitRes)
	}

	result.Success = result.QuantityProvisioned == result.QuantityRequested
	return result
}

// ledgerRow finds or creates the idempotency row for one unit. A unique
// index on (order, item, unit) makes the create race-safe: the loser of a
// concurrent insert re-reads the winner's row.
func (s *ProvisionService) ledgerRow(orderID, itemID, unit int) (*model.OrderServerClient, error) {
	db := database.GetDB()
	var row model.OrderServerClient
	err := db.Where("order_id = ? AND order_item_id = ? AND unit_index = ?", orderID, itemID, unit).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	row = model.OrderServerClient{
		OrderId:         orderID,
		OrderItemId:     itemID,
		UnitIndex:       unit,
		ProvisionStatus: model.ProvisionPending,
	}
	if createErr := db.Create(&row).Error; createErr != nil {
		if fetchErr := db.Where("order_id = ? AND order_item_id = ? AND unit_index = ?", orderID, itemID, unit).
			First(&row).Error; fetchErr != nil {
			return nil, createErr
		}
	}
	return &row, nil
}

func (s *ProvisionService) provisionUnit(ctx context.Context, order *model.Order, item *model.OrderItem, plan *model.Plan, server *model.Server, row *model.OrderServerClient) UnitResult {
	start := time.Now()
	db := database.GetDB()

	cfg := s.loadUnitConfig(row)

	row.ProvisionStatus = model.ProvisionProvisioning
	row.ProvisionAttempts++
	row.ProvisionStartedAt = &start
	err := db.Model(&model.OrderServerClient{}).Where("id = ?", row.Id).UpdateColumns(map[string]any{
		"provision_status":     row.ProvisionStatus,
		"provision_attempts":   row.ProvisionAttempts,
		"provision_started_at": row.ProvisionStartedAt,
	}).Error
	if err != nil {
		return UnitResult{UnitIndex: row.UnitIndex, Error: err.Error()}
	}

	inbound, err := s.resolveInbound(ctx, order, item, plan, server, row, &cfg)
	if err != nil {
		return s.failUnit(row, &cfg, start, err)
	}

	if !cfg.Reserved {
		if err := s.capacity.ReserveUnit(inbound.Id, plan, server.Id); err != nil {
			// a shared inbound lost a race since selection: pick again once
			var ce *CapacityError
			if plan.IsDedicated() || !errors.As(err, &ce) || ce.Scope != "inbound" {
				return s.failUnit(row, &cfg, start, err)
			}
			inbound, err = s.repickInbound(plan)
			if err != nil {
				return s.failUnit(row, &cfg, start, err)
			}
			if err := s.capacity.ReserveUnit(inbound.Id, plan, server.Id); err != nil {
				return s.failUnit(row, &cfg, start, err)
			}
		}
		cfg.Reserved = true
		cfg.InboundId = inbound.Id
		// persist before the network hop: a crash must not leak an
		// untracked reservation
		if err := s.saveUnitConfig(row, &cfg); err != nil {
			relErr := s.capacity.ReleaseUnit(inbound.Id, plan.Id, server.Id)
			if relErr != nil {
				logger.Error("provision: release after config save failure:", relErr)
			}
			cfg.Reserved = false
			return s.failUnit(row, &cfg, start, err)
		}
	}

	if cfg.Uuid == "" {
		cfg.Uuid = uuid.New().String()
		cfg.Email = fmt.Sprintf("o%d-u%d-%s", order.Id, row.UnitIndex, strings.ToLower(random.Seq(6)))
		if err := s.saveUnitConfig(row, &cfg); err != nil {
			return s.failUnit(row, &cfg, start, err)
		}
	}

	clientRec := s.buildClientRecord(plan, &cfg)
	sess := s.servers.SessionOf(server)
	err = s.client.CreateClient(ctx, s.servers.TargetOf(server), &sess, inbound.RemoteId, clientRec)
	if saveErr := s.servers.SaveSession(server, sess); saveErr != nil {
		logger.Warning("provision: save session:", saveErr)
	}
	if err != nil && !isDuplicateClient(err) {
		if relErr := s.capacity.ReleaseUnit(inbound.Id, plan.Id, server.Id); relErr != nil {
			logger.Error("provision: release capacity:", relErr)
		} else {
			cfg.Reserved = false
		}
		if inbound.DedicatedOrderId != nil && !s.keepDedicated {
			logger.Infof("provision: dedicated inbound %d left empty after failure, cleanup sweep will collect it", inbound.Id)
		}
		return s.failUnit(row, &cfg, start, err)
	}

	unitRes, err := s.completeUnit(order, item, plan, inbound, row, &cfg, start)
	if err != nil {
		// the remote client exists; surface its identity and keep the
		// reservation so a later retry cannot double-book the slot
		perr := &PersistenceError{RemoteUUID: cfg.Uuid, RemoteEmail: cfg.Email, Err: err}
		logger.Error("provision:", perr)
		return s.failUnit(row, &cfg, start, perr)
	}
	return unitRes
}

func (s *ProvisionService) resolveInbound(ctx context.Context, order *model.Order, item *model.OrderItem, plan *model.Plan, server *model.Server, row *model.OrderServerClient, cfg *unitConfig) (*model.Inbound, error) {
	db := database.GetDB()

	// a prior attempt may have pinned an inbound already
	pinned := cfg.InboundId
	if plan.IsDedicated() && cfg.DedicatedInboundId != 0 {
		pinned = cfg.DedicatedInboundId
	}
	if pinned != 0 {
		var inbound model.Inbound
		if err := db.First(&inbound, pinned).Error; err == nil {
			return &inbound, nil
		}
		// the pinned inbound vanished; anything reserved on it is gone too
		cfg.InboundId = 0
		cfg.DedicatedInboundId = 0
		cfg.Reserved = false
	}

	if !plan.IsDedicated() {
		return s.repickInbound(plan)
	}

	// dedicated: check the outer ceilings before any remote call
	var fresh model.Plan
	if err := db.First(&fresh, plan.Id).Error; err != nil {
		return nil, err
	}
	if !s.capacity.PlanHasCapacity(&fresh, 1) {
		return nil, &CapacityError{Scope: "plan", ID: plan.Id}
	}
	var freshServer model.Server
	if err := db.First(&freshServer, server.Id).Error; err != nil {
		return nil, err
	}
	if !s.capacity.ServerCanProvision(&freshServer, 1) {
		return nil, &CapacityError{Scope: "server", ID: server.Id}
	}

	inbound, err := s.inbounds.CreateDedicated(ctx, server, plan, order.Id, item.Id, row.UnitIndex)
	if err != nil {
		return nil, err
	}
	cfg.DedicatedInboundId = inbound.Id
	if err := s.saveUnitConfig(row, cfg); err != nil {
		return nil, err
	}
	db.Model(&model.OrderServerClient{}).Where("id = ?", row.Id).
		UpdateColumn("dedicated_inbound_id", inbound.Id)
	return inbound, nil
}

func (s *ProvisionService) repickInbound(plan *model.Plan) (*model.Inbound, error) {
	inbound, err := s.capacity.BestInbound(plan)
	if err != nil {
		return nil, err
	}
	if inbound == nil {
		return nil, &CapacityError{Scope: "inbound", ID: 0}
	}
	return inbound, nil
}

func (s *ProvisionService) buildClientRecord(plan *model.Plan, cfg *unitConfig) xui.ClientRecord {
	rec := xui.ClientRecord{
		Email:  cfg.Email,
		Enable: true,
		SubID:  strings.ToLower(random.Seq(16)),
	}
	switch plan.Protocol {
	case model.Trojan, model.Shadowsocks:
		rec.Password = cfg.Uuid
	default:
		rec.ID = cfg.Uuid
	}
	if plan.TrafficLimitGB > 0 {
		rec.TotalGB = int64(plan.TrafficLimitGB) * 1024 * 1024 * 1024
	}
	if plan.DurationDays > 0 {
		rec.ExpiryTime = time.Now().AddDate(0, 0, plan.DurationDays).UnixMilli()
	}
	return rec
}

// completeUnit creates the local mirror row and closes the ledger row in
// one transaction.
func (s *ProvisionService) completeUnit(order *model.Order, item *model.OrderItem, plan *model.Plan, inbound *model.Inbound, row *model.OrderServerClient, cfg *unitConfig, start time.Time) (UnitResult, error) {
	var clientID int
	err := withTx(func(tx *gorm.DB) error {
		orderID := order.Id
		client := &model.ServerClient{
			InboundId:  inbound.Id,
			PlanId:     plan.Id,
			CustomerId: order.CustomerId,
			OrderId:    &orderID,
			Uuid:       cfg.Uuid,
			Email:      cfg.Email,
			Status:     model.ClientActive,
		}
		if plan.DurationDays > 0 {
			expires := start.AddDate(0, 0, plan.DurationDays)
			client.ExpiresAt = &expires
		}
		if err := tx.Create(client).Error; err != nil {
			return err
		}
		clientID = client.Id

		completed := time.Now()
		row.ProvisionStatus = model.ProvisionCompleted
		row.ProvisionError = ""
		row.ProvisionCompletedAt = &completed
		row.ServerClientId = &clientID
		row.ServerInboundId = &inbound.Id
		row.AppendLog(model.ProvisionLogEntry{
			Timestamp:  completed,
			Attempt:    row.ProvisionAttempts,
			Outcome:    "completed",
			DurationMs: completed.Sub(start).Milliseconds(),
		})
		return tx.Model(&model.OrderServerClient{}).Where("id = ?", row.Id).UpdateColumns(map[string]any{
			"provision_status":       row.ProvisionStatus,
			"provision_error":        "",
			"provision_completed_at": row.ProvisionCompletedAt,
			"server_client_id":       clientID,
			"server_inbound_id":      inbound.Id,
			"provision_log":          row.ProvisionLog,
		}).Error
	})
	if err != nil {
		return UnitResult{}, err
	}
	logger.Infof("provisioned order %d item %d unit %d as %s on inbound %d",
		order.Id, item.Id, row.UnitIndex, cfg.Email, inbound.Id)
	return UnitResult{
		UnitIndex:      row.UnitIndex,
		Success:        true,
		Email:          cfg.Email,
		Uuid:           cfg.Uuid,
		ServerClientId: clientID,
	}, nil
}

// failUnit records a failed attempt in the ledger, appending to the log
// history rather than overwriting it.
func (s *ProvisionService) failUnit(row *model.OrderServerClient, cfg *unitConfig, start time.Time, cause error) UnitResult {
	db := database.GetDB()
	now := time.Now()

	row.ProvisionStatus = model.ProvisionFailed
	row.ProvisionError = cause.Error()
	row.AppendLog(model.ProvisionLogEntry{
		Timestamp:  now,
		Attempt:    row.ProvisionAttempts,
		Outcome:    "failed",
		Message:    cause.Error(),
		DurationMs: now.Sub(start).Milliseconds(),
	})

	updates := map[string]any{
		"provision_status": row.ProvisionStatus,
		"provision_error":  row.ProvisionError,
		"provision_log":    row.ProvisionLog,
	}
	if data, err := json.Marshal(cfg); err == nil {
		updates["provision_config"] = string(data)
	}
	if err := db.Model(&model.OrderServerClient{}).Where("id = ?", row.Id).UpdateColumns(updates).Error; err != nil {
		logger.Error("provision: record failure:", err)
	}
	return UnitResult{UnitIndex: row.UnitIndex, Error: cause.Error()}
}

func (s *ProvisionService) loadUnitConfig(row *model.OrderServerClient) unitConfig {
	var cfg unitConfig
	if row.ProvisionConfig != "" {
		if err := json.Unmarshal([]byte(row.ProvisionConfig), &cfg); err != nil {
			logger.Warningf("provision: unreadable config on ledger row %d, starting fresh", row.Id)
		}
	}
	return cfg
}

func (s *ProvisionService) saveUnitConfig(row *model.OrderServerClient, cfg *unitConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	row.ProvisionConfig = string(data)
	return database.GetDB().Model(&model.OrderServerClient{}).Where("id = ?", row.Id).
		UpdateColumn("provision_config", row.ProvisionConfig).Error
}

// isDuplicateClient detects the panel answering that the client already
// exists, which happens when a previous attempt created it remotely but
// failed before the local mirror was written. The stored identity makes
// this safe to treat as success.
func isDuplicateClient(err error) bool {
	var xe *xui.Error
	if !errors.As(err, &xe) || xe.Kind != xui.KindTerminal {
		return false
	}
	low := strings.ToLower(xe.Msg)
	return strings.Contains(low, "duplicate") ||
		(strings.Contains(low, "email") && strings.Contains(low, "exist"))
}
