// Package service provides the business logic of the panelstore
// provisioning engine: capacity accounting, the order-to-client state
// machine, reconciliation sweeps and cleanup.
package service

import (
	"context"
	"time"

	"panelstore/config"
	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/xui"

	"gorm.io/gorm"
)

// ServerService owns panel server rows: session persistence, lockout
// handling, health checks and diagnostics. The xui client itself is
// stateless; this service is what reads the session off a server row and
// writes the mutated value back.
type ServerService struct {
	client *xui.Client
}

func NewServerService(client *xui.Client) *ServerService {
	return &ServerService{client: client}
}

// DefaultPanelClient builds an xui client from the engine configuration.
func DefaultPanelClient() *xui.Client {
	return xui.New(xui.Config{
		Timeout:          config.GetHTTPTimeout(),
		SessionTTL:       config.GetSessionTTL(),
		MaxLoginAttempts: config.GetLoginMaxAttempts(),
		LockoutCooldown:  config.GetLockoutCooldown(),
		PortMin:          config.GetDedicatedPortMin(),
		PortMax:          config.GetDedicatedPortMax(),
	})
}

func (s *ServerService) GetServer(id int) (*model.Server, error) {
	db := database.GetDB()
	var server model.Server
	if err := db.First(&server, id).Error; err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *ServerService) GetServers() ([]*model.Server, error) {
	db := database.GetDB()
	var servers []*model.Server
	err := db.Find(&servers).Error
	return servers, err
}

// SessionOf extracts the session value from a server row.
func (s *ServerService) SessionOf(server *model.Server) xui.Session {
	sess := xui.Session{
		Cookie:        server.SessionCookie,
		CookieName:    server.SessionCookieName,
		LoginAttempts: server.LoginAttempts,
	}
	if server.SessionExpiresAt != nil {
		sess.ExpiresAt = *server.SessionExpiresAt
	}
	if server.LastLoginAttemptAt != nil {
		sess.LastLoginAttempt = *server.LastLoginAttemptAt
	}
	if server.LockedUntil != nil {
		sess.LockedUntil = *server.LockedUntil
	}
	return sess
}

// TargetOf builds the wire target for a server row.
func (s *ServerService) TargetOf(server *model.Server) xui.Target {
	return xui.Target{
		BaseURL:  server.BaseURL(),
		Username: server.Username,
		Password: server.Password,
	}
}

// SaveSession writes a mutated session value back onto the server row.
// The write is quiet: column updates only, no hooks.
func (s *ServerService) SaveSession(server *model.Server, sess xui.Session) error {
	server.SessionCookie = sess.Cookie
	server.SessionCookieName = sess.CookieName
	server.LoginAttempts = sess.LoginAttempts
	server.SessionExpiresAt = timePtr(sess.ExpiresAt)
	server.LastLoginAttemptAt = timePtr(sess.LastLoginAttempt)
	server.LockedUntil = timePtr(sess.LockedUntil)

	db := database.GetDB()
	return db.Model(&model.Server{}).Where("id = ?", server.Id).UpdateColumns(map[string]any{
		"session_cookie":        server.SessionCookie,
		"session_cookie_name":   server.SessionCookieName,
		"session_expires_at":    server.SessionExpiresAt,
		"login_attempts":        server.LoginAttempts,
		"last_login_attempt_at": server.LastLoginAttemptAt,
		"locked_until":          server.LockedUntil,
	}).Error
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Unlock resets a server's login lockout. With clearSession the cached
// cookie is dropped too.
func (s *ServerService) Unlock(serverID int, clearSession bool) error {
	server, err := s.GetServer(serverID)
	if err != nil {
		return err
	}
	sess := s.SessionOf(server)
	sess.Unlock(clearSession)
	if err := s.SaveSession(server, sess); err != nil {
		return err
	}
	logger.Infof("server %d unlocked (clearSession=%v)", serverID, clearSession)
	return nil
}

// DiagnoseReport is the result of one connectivity check.
type DiagnoseReport struct {
	ServerId      int           `json:"serverId"`
	Name          string        `json:"name"`
	Locked        bool          `json:"locked"`
	SessionValid  bool          `json:"sessionValid"`
	LoginAttempts int           `json:"loginAttempts"`
	Reachable     bool          `json:"reachable"`
	InboundCount  int           `json:"inboundCount"`
	Latency       time.Duration `json:"latency"`
	Error         string        `json:"error,omitempty"`
}

// Diagnose checks one server: session state, login, inbound listing. It is
// read-only against the panel.
func (s *ServerService) Diagnose(ctx context.Context, serverID int) (*DiagnoseReport, error) {
	server, err := s.GetServer(serverID)
	if err != nil {
		return nil, err
	}

	sess := s.SessionOf(server)
	report := &DiagnoseReport{
		ServerId:      server.Id,
		Name:          server.Name,
		Locked:        sess.LockedOut(time.Now(), config.GetLoginMaxAttempts()),
		SessionValid:  sess.Valid(time.Now()),
		LoginAttempts: sess.LoginAttempts,
	}

	start := time.Now()
	inbounds, err := s.client.ListInbounds(ctx, s.TargetOf(server), &sess)
	report.Latency = time.Since(start)
	if saveErr := s.SaveSession(server, sess); saveErr != nil {
		logger.Warning("diagnose: save session:", saveErr)
	}
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	report.Reachable = true
	report.InboundCount = len(inbounds)
	return report, nil
}

// CheckHealth checks every server and persists the resulting health status.
func (s *ServerService) CheckHealth(ctx context.Context) error {
	servers, err := s.GetServers()
	if err != nil {
		return err
	}
	db := database.GetDB()
	for _, server := range servers {
		status := s.healthOf(ctx, server)
		if server.HealthStatus == status {
			continue
		}
		err := db.Model(&model.Server{}).Where("id = ?", server.Id).
			UpdateColumn("health_status", status).Error
		if err != nil {
			logger.Warningf("health: update server %d: %v", server.Id, err)
			continue
		}
		logger.Infof("server %d health %s -> %s", server.Id, server.HealthStatus, status)
	}
	return nil
}

func (s *ServerService) healthOf(ctx context.Context, server *model.Server) model.HealthStatus {
	sess := s.SessionOf(server)
	if sess.LockedOut(time.Now(), config.GetLoginMaxAttempts()) {
		return model.HealthCritical
	}
	err := s.client.TestConnection(ctx, s.TargetOf(server), &sess)
	if saveErr := s.SaveSession(server, sess); saveErr != nil {
		logger.Warning("health: save session:", saveErr)
	}
	switch {
	case err == nil:
		return model.HealthHealthy
	case xui.IsAuth(err):
		return model.HealthCritical
	case xui.IsRetryable(err):
		return model.HealthOffline
	default:
		return model.HealthWarning
	}
}

// UpdateServerAggregates recomputes a server's counters from local rows.
func (s *ServerService) UpdateServerAggregates(serverID int) error {
	db := database.GetDB()

	var totals struct {
		Total   int64
		Active  int64
		Traffic int64
	}
	err := db.Model(&model.ServerClient{}).
		Select("COUNT(*) AS total, SUM(CASE WHEN server_clients.status = ? THEN 1 ELSE 0 END) AS active, COALESCE(SUM(remote_total), 0) AS traffic", model.ClientActive).
		Joins("JOIN inbounds ON inbounds.id = server_clients.inbound_id").
		Where("inbounds.server_id = ?", serverID).
		Scan(&totals).Error
	if err != nil {
		return err
	}

	return db.Model(&model.Server{}).Where("id = ?", serverID).UpdateColumns(map[string]any{
		"total_clients":  totals.Total,
		"active_clients": totals.Active,
		"total_traffic":  totals.Traffic,
	}).Error
}

// withTx runs fn in one transaction on the shared handle.
func withTx(fn func(tx *gorm.DB) error) error {
	return database.GetDB().Transaction(fn)
}
