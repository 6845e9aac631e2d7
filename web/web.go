// Package web hosts the operations API and the background job scheduler.
package web

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"panelstore/config"
	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/service"
	"panelstore/util/common"
	"panelstore/util/json_util"
	"panelstore/web/job"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

var startTime = time.Now()

// Server runs the read-only ops API and the cron scheduler. Mutating
// operations go through the CLI, not this server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener

	servers   *service.ServerService
	reconcile *service.ReconcileService
	cleanup   *service.CleanupService
	sweeper   *service.RetrySweepService

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server wired to the given services.
func NewServer(servers *service.ServerService, reconcile *service.ReconcileService,
	cleanup *service.CleanupService, sweeper *service.RetrySweepService) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		servers:   servers,
		reconcile: reconcile,
		cleanup:   cleanup,
		sweeper:   sweeper,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) initRouter() *gin.Engine {
	if config.IsDebug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.DefaultWriter = io.Discard
		gin.DefaultErrorWriter = io.Discard
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()
	engine.Use(gzip.Gzip(gzip.DefaultCompression))

	engine.GET("/status", s.getStatus)
	engine.GET("/logs", s.getLogs)
	engine.GET("/servers", s.getServers)
	engine.GET("/servers/:id/inbounds", s.getServerInbounds)
	engine.GET("/orders/:id/provisioning", s.getOrderProvisioning)

	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNotFound)
	})

	return engine
}

func (s *Server) getStatus(c *gin.Context) {
	status := gin.H{
		"uptime":      int64(time.Since(startTime).Seconds()),
		"trafficSync": s.reconcile.Stats.Snapshot(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu"] = percents[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		status["mem"] = gin.H{"current": v.Used, "total": v.Total}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getLogs(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "50"))
	if err != nil || count <= 0 {
		count = 50
	}
	level := c.DefaultQuery("level", "info")
	c.JSON(http.StatusOK, logger.GetLogs(count, level))
}

func (s *Server) getServers(c *gin.Context) {
	db := database.GetDB()
	var servers []model.Server
	if err := db.Order("id").Find(&servers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type serverView struct {
		Id            int                `json:"id"`
		Name          string             `json:"name"`
		HealthStatus  model.HealthStatus `json:"healthStatus"`
		TotalClients  int                `json:"totalClients"`
		ActiveClients int                `json:"activeClients"`
		MaxClients    *int               `json:"maxClients"`
		TotalTraffic  int64              `json:"totalTraffic"`
		LoginAttempts int                `json:"loginAttempts"`
		Locked        bool               `json:"locked"`
	}
	now := time.Now()
	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		sess := s.servers.SessionOf(&srv)
		views = append(views, serverView{
			Id:            srv.Id,
			Name:          srv.Name,
			HealthStatus:  srv.HealthStatus,
			TotalClients:  srv.TotalClients,
			ActiveClients: srv.ActiveClients,
			MaxClients:    srv.MaxClients,
			TotalTraffic:  srv.TotalTraffic,
			LoginAttempts: srv.LoginAttempts,
			Locked:        sess.LockedOut(now, config.GetLoginMaxAttempts()),
		})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getServerInbounds(c *gin.Context) {
	serverID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid server id"})
		return
	}
	db := database.GetDB()
	var inbounds []model.Inbound
	if err := db.Where("server_id = ?", serverID).Order("port").Find(&inbounds).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type inboundView struct {
		Id               int                  `json:"id"`
		RemoteId         int                  `json:"remoteId"`
		Remark           string               `json:"remark"`
		Port             int                  `json:"port"`
		Protocol         model.Protocol       `json:"protocol"`
		Capacity         *int                 `json:"capacity"`
		CurrentClients   int                  `json:"currentClients"`
		Status           model.InboundStatus  `json:"status"`
		DedicatedOrderId *int                 `json:"dedicatedOrderId"`
		Settings         json_util.RawMessage `json:"settings"`
	}
	views := make([]inboundView, 0, len(inbounds))
	for _, inbound := range inbounds {
		views = append(views, inboundView{
			Id:               inbound.Id,
			RemoteId:         inbound.RemoteId,
			Remark:           inbound.Remark,
			Port:             inbound.Port,
			Protocol:         inbound.Protocol,
			Capacity:         inbound.Capacity,
			CurrentClients:   inbound.CurrentClients,
			Status:           inbound.Status,
			DedicatedOrderId: inbound.DedicatedOrderId,
			Settings:         inbound.RawSettings(),
		})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getOrderProvisioning(c *gin.Context) {
	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	db := database.GetDB()
	var rows []model.OrderServerClient
	err = db.Where("order_id = ?", orderID).
		Order("order_item_id, unit_index").
		Find(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// startTask schedules the recurring maintenance jobs.
func (s *Server) startTask() {
	s.cron.AddJob(config.GetSyncCron(), job.NewClientStatusSyncJob(s.reconcile))
	s.cron.AddJob(config.GetRetryCron(), job.NewSmartRetryJob(s.sweeper))
	s.cron.AddJob(config.GetCleanupCron(), job.NewCleanupDedicatedJob(s.cleanup))
	s.cron.AddJob(config.GetHealthCron(), job.NewCheckServerHealthJob(s.servers))
}

// Start brings up the cron scheduler and the ops HTTP listener.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			_ = s.Stop()
		}
	}()

	loc, err := time.LoadLocation(config.GetTimeZone())
	if err != nil {
		loc = time.Local
	}
	s.cron = cron.New(cron.WithLocation(loc))
	s.cron.Start()

	engine := s.initRouter()

	listener, err := net.Listen("tcp", config.GetOpsAddr())
	if err != nil {
		return err
	}
	logger.Info("ops server listening on", listener.Addr())

	s.listener = listener
	s.httpServer = &http.Server{Handler: engine}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	s.startTask()

	return nil
}

// Stop shuts down the scheduler and the HTTP listener.
func (s *Server) Stop() error {
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	var err1, err2 error
	if s.httpServer != nil {
		err1 = s.httpServer.Shutdown(s.ctx)
	}
	if s.listener != nil {
		err2 = s.listener.Close()
	}
	return common.Combine(err1, err2)
}

// GetCtx returns the server's context.
func (s *Server) GetCtx() context.Context { return s.ctx }
