package service

import (
	"context"
	"errors"
	"time"

	"panelstore/config"
	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/xui"

	"github.com/goccy/go-json"
	"go.uber.org/atomic"
	"gorm.io/gorm"
)

// SweepStats counts what one reconciliation run did. The counters are
// atomic because the ops API reads them while a sweep is writing.
type SweepStats struct {
	Scanned   atomic.Int64
	Updated   atomic.Int64
	Online    atomic.Int64
	Errors    atomic.Int64
	LastRunAt atomic.Time
}

// Snapshot renders the counters for the ops API.
func (s *SweepStats) Snapshot() map[string]any {
	return map[string]any{
		"scanned":   s.Scanned.Load(),
		"updated":   s.Updated.Load(),
		"online":    s.Online.Load(),
		"errors":    s.Errors.Load(),
		"lastRunAt": s.LastRunAt.Load(),
	}
}

// RefreshOptions narrows a reconciliation run.
type RefreshOptions struct {
	CustomerIDs []int
	Limit       int
}

// ReconcileService keeps local client mirrors honest against remote truth:
// traffic counters, online flags and tracked IPs. All writes go through a
// quiet column-update path that triggers no business side effects.
type ReconcileService struct {
	client  *xui.Client
	servers *ServerService

	Stats SweepStats
}

func NewReconcileService(client *xui.Client, servers *ServerService) *ReconcileService {
	return &ReconcileService{client: client, servers: servers}
}

// RefreshClientStatus syncs traffic and online state for active clients,
// bounded by the batch limit. The online list is fetched once per distinct
// server, not once per client.
func (s *ReconcileService) RefreshClientStatus(ctx context.Context, opts RefreshOptions) error {
	limit := opts.Limit
	if limit <= 0 {
		limit = config.GetSyncBatchLimit()
	}

	db := database.GetDB()
	query := db.Model(&model.ServerClient{}).
		Select("server_clients.*, inbounds.server_id AS server_id").
		Joins("JOIN inbounds ON inbounds.id = server_clients.inbound_id").
		Where("server_clients.status = ?", model.ClientActive).
		Order("server_clients.last_traffic_sync_at ASC").
		Limit(limit)
	if len(opts.CustomerIDs) > 0 {
		query = query.Where("server_clients.customer_id IN ?", opts.CustomerIDs)
	}

	var rows []struct {
		model.ServerClient
		ServerId int
	}
	if err := query.Scan(&rows).Error; err != nil {
		return err
	}

	s.Stats.LastRunAt.Store(time.Now())

	byServer := make(map[int][]*model.ServerClient)
	for i := range rows {
		byServer[rows[i].ServerId] = append(byServer[rows[i].ServerId], &rows[i].ServerClient)
	}

	for serverID, clients := range byServer {
		if err := s.refreshServerClients(ctx, serverID, clients); err != nil {
			// one server's failure never aborts the sweep
			logger.Warningf("reconcile: server %d: %v", serverID, err)
			s.Stats.Errors.Add(1)
		}
	}
	return nil
}

func (s *ReconcileService) refreshServerClients(ctx context.Context, serverID int, clients []*model.ServerClient) error {
	server, err := s.servers.GetServer(serverID)
	if err != nil {
		return err
	}
	sess := s.servers.SessionOf(server)
	target := s.servers.TargetOf(server)
	defer func() {
		if err := s.servers.SaveSession(server, sess); err != nil {
			logger.Warning("reconcile: save session:", err)
		}
	}()

	onlineEmails, err := s.client.GetOnlineClients(ctx, target, &sess)
	if err != nil {
		return err
	}
	online := make(map[string]struct{}, len(onlineEmails))
	for _, email := range onlineEmails {
		online[email] = struct{}{}
	}

	for _, client := range clients {
		s.Stats.Scanned.Add(1)
		if err := s.refreshOne(ctx, target, &sess, client, online); err != nil {
			s.Stats.Errors.Add(1)
			s.recordSyncError(client, err)
			continue
		}
		s.Stats.Updated.Add(1)
	}
	return nil
}

// refreshOne pulls one client's traffic, preferring the UUID lookup and
// falling back to email, then mirrors the counters quietly.
func (s *ReconcileService) refreshOne(ctx context.Context, target xui.Target, sess *xui.Session, client *model.ServerClient, online map[string]struct{}) error {
	traffic, err := s.client.GetClientTrafficByUuid(ctx, target, sess, client.Uuid)
	if err != nil || traffic == nil {
		traffic, err = s.client.GetClientTraffic(ctx, target, sess, client.Email)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	_, isOnline := online[client.Email]
	if isOnline {
		s.Stats.Online.Add(1)
	}

	updates := map[string]any{
		"is_online":            isOnline,
		"last_api_sync_at":     now,
		"last_traffic_sync_at": now,
		"api_sync_status":      model.SyncSuccess,
		"api_sync_error":       "",
	}
	if traffic != nil {
		updates["remote_up"] = traffic.Up
		updates["remote_down"] = traffic.Down
		updates["remote_total"] = traffic.Up + traffic.Down
		updates["traffic_used_mb"] = float64(traffic.Up+traffic.Down) / (1024 * 1024)
	}

	return database.GetDB().Model(&model.ServerClient{}).
		Where("id = ?", client.Id).
		UpdateColumns(updates).Error
}

func (s *ReconcileService) recordSyncError(client *model.ServerClient, cause error) {
	now := time.Now()
	err := database.GetDB().Model(&model.ServerClient{}).
		Where("id = ?", client.Id).
		UpdateColumns(map[string]any{
			"api_sync_status":  model.SyncError,
			"api_sync_error":   cause.Error(),
			"last_api_sync_at": now,
			"retry_count":      gorm.Expr("retry_count + 1"),
		}).Error
	if err != nil {
		logger.Warningf("reconcile: record sync error for client %d: %v", client.Id, err)
	}
}

// TrackClientIPs snapshots the tracked IP list for active clients on one
// server. An empty snapshot is persisted too: it means "no tracked IPs",
// which is different from "never synced".
func (s *ReconcileService) TrackClientIPs(ctx context.Context, serverID int, limit int) error {
	if limit <= 0 {
		limit = config.GetSyncBatchLimit()
	}

	server, err := s.servers.GetServer(serverID)
	if err != nil {
		return err
	}

	db := database.GetDB()
	var clients []*model.ServerClient
	err = db.Joins("JOIN inbounds ON inbounds.id = server_clients.inbound_id").
		Where("inbounds.server_id = ? AND server_clients.status = ?", serverID, model.ClientActive).
		Limit(limit).
		Find(&clients).Error
	if err != nil {
		return err
	}

	sess := s.servers.SessionOf(server)
	target := s.servers.TargetOf(server)
	for _, client := range clients {
		ips, err := s.client.GetClientIps(ctx, target, &sess, client.Email)
		if err != nil {
			logger.Warningf("reconcile: ips for %s: %v", client.Email, err)
			continue
		}
		if err := s.storeIPSnapshot(client.Email, ips); err != nil {
			logger.Warningf("reconcile: store ips for %s: %v", client.Email, err)
		}
	}
	if err := s.servers.SaveSession(server, sess); err != nil {
		logger.Warning("reconcile: save session:", err)
	}
	return nil
}

func (s *ReconcileService) storeIPSnapshot(email string, ips []string) error {
	if ips == nil {
		ips = []string{}
	}
	data, err := json.Marshal(ips)
	if err != nil {
		return err
	}

	db := database.GetDB()
	var existing model.ClientIPs
	err = db.Where("client_email = ?", email).First(&existing).Error
	switch {
	case err == nil:
		return db.Model(&model.ClientIPs{}).Where("id = ?", existing.Id).
			UpdateColumn("ips", string(data)).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&model.ClientIPs{ClientEmail: email, Ips: string(data)}).Error
	default:
		return err
	}
}

// ExpireClients moves clients past their expiry into expired status. Quiet
// updates only; suspension of the remote side is an operator decision.
func (s *ReconcileService) ExpireClients() (int, error) {
	db := database.GetDB()
	res := db.Model(&model.ServerClient{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", model.ClientActive, time.Now()).
		UpdateColumn("status", model.ClientExpired)
	return int(res.RowsAffected), res.Error
}
