package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"panelstore/config"
	"panelstore/database"
	"panelstore/logger"
	"panelstore/service"
	"panelstore/util/common"
	"panelstore/web"

	"github.com/joho/godotenv"
	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

func initApp() {
	_ = godotenv.Load()

	switch config.GetLogLevel() {
	case config.Debug:
		logger.InitLogger(logging.DEBUG)
	case config.Info:
		logger.InitLogger(logging.INFO)
	case config.Notice:
		logger.InitLogger(logging.NOTICE)
	case config.Warn:
		logger.InitLogger(logging.WARNING)
	case config.Error:
		logger.InitLogger(logging.ERROR)
	default:
		log.Fatal("unknown log level:", config.GetLogLevel())
	}

	if err := database.InitDB(config.GetDBPath()); err != nil {
		log.Fatal(err)
	}
}

type services struct {
	servers   *service.ServerService
	inbounds  *service.InboundService
	capacity  *service.CapacityService
	provision *service.ProvisionService
	reconcile *service.ReconcileService
	cleanup   *service.CleanupService
	sweeper   *service.RetrySweepService
}

func buildServices() *services {
	client := service.DefaultPanelClient()
	servers := service.NewServerService(client)
	inbounds := service.NewInboundService(client, servers)
	capacity := service.NewCapacityService()
	provision := service.NewProvisionService(client, servers, inbounds, capacity)
	reconcile := service.NewReconcileService(client, servers)
	cleanup := service.NewCleanupService(client, servers)
	sweeper := service.NewRetrySweepService()

	sweeper.Register("provision.retry", func(payload string) error {
		orderID, err := strconv.Atoi(payload)
		if err != nil {
			return err
		}
		_, err = provision.RetryFailedProvisions(context.Background(), orderID)
		return err
	})

	return &services{
		servers:   servers,
		inbounds:  inbounds,
		capacity:  capacity,
		provision: provision,
		reconcile: reconcile,
		cleanup:   cleanup,
		sweeper:   sweeper,
	}
}

func runServer() {
	log.Printf("%v starting", config.GetName())

	svc := buildServices()
	server := web.NewServer(svc.servers, svc.reconcile, svc.cleanup, svc.sweeper)
	if err := server.Start(); err != nil {
		log.Println(err)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := server.Stop(); err != nil {
		logger.Warning("stop server err:", err)
	}
}

// printItemResults renders the per-unit outcome table and reports whether
// every unit succeeded or was already complete.
func printItemResults(results []service.ItemResult) bool {
	ok := true
	for _, item := range results {
		fmt.Printf("item %d (plan %d): %d/%d provisioned\n",
			item.OrderItemId, item.PlanId, item.QuantityProvisioned, item.QuantityRequested)
		for _, unit := range item.Clients {
			switch {
			case unit.Skipped:
				fmt.Printf("  unit %d: already provisioned (%s)\n", unit.UnitIndex, unit.Email)
			case unit.Success:
				fmt.Printf("  unit %d: ok, email=%s uuid=%s\n", unit.UnitIndex, unit.Email, unit.Uuid)
			default:
				ok = false
				fmt.Printf("  unit %d: FAILED: %s\n", unit.UnitIndex, unit.Error)
			}
		}
		if item.Error != "" {
			ok = false
			fmt.Printf("  item error: %s\n", item.Error)
		}
	}
	return ok
}

func provisionOrder(orderID int, retry bool) {
	svc := buildServices()
	ctx := context.Background()

	var results []service.ItemResult
	var err error
	if retry {
		results, err = svc.provision.RetryFailedProvisions(ctx, orderID)
	} else {
		results, err = svc.provision.ProvisionOrder(ctx, orderID)
	}
	if err != nil {
		fmt.Println("provision failed:", err)
		os.Exit(1)
	}
	if !printItemResults(results) {
		svc.sweeper.RecordFailure("provision", "provision.retry",
			strconv.Itoa(orderID), fmt.Errorf("order %d has failed units", orderID))
		os.Exit(1)
	}
}

func syncInbounds(serverID int) {
	svc := buildServices()
	n, err := svc.inbounds.SyncAllInbounds(context.Background(), serverID)
	if err != nil {
		fmt.Println("sync failed:", err)
		os.Exit(1)
	}
	fmt.Printf("synced %d inbounds from server %d\n", n, serverID)
	if err := svc.servers.UpdateServerAggregates(serverID); err != nil {
		fmt.Println("update aggregates failed:", err)
	}
}

func cleanupDedicated(dryRun bool) {
	svc := buildServices()
	report, err := svc.cleanup.CleanupDedicated(context.Background(), dryRun)
	if err != nil {
		fmt.Println("cleanup failed:", err)
		os.Exit(1)
	}
	for _, cand := range report.Candidates {
		outcome := cand.Reason
		if cand.Deleted {
			outcome = "deleted"
		} else if outcome == "" {
			outcome = "kept"
		}
		fmt.Printf("inbound %d (%s): %s\n", cand.InboundId, cand.Remark, outcome)
	}
	fmt.Printf("examined %d, deleted %d\n", report.Examined, report.Deleted)
}

func diagnoseServers(serverID int) {
	svc := buildServices()
	ctx := context.Background()

	var ids []int
	if serverID > 0 {
		ids = []int{serverID}
	} else {
		servers, err := svc.servers.GetServers()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		for _, s := range servers {
			ids = append(ids, s.Id)
		}
	}

	for _, id := range ids {
		report, err := svc.servers.Diagnose(ctx, id)
		if err != nil {
			fmt.Printf("server %d: %v\n", id, err)
			continue
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
}

func unlockServer(serverID int, clearSession bool) {
	svc := buildServices()
	if err := svc.servers.Unlock(serverID, clearSession); err != nil {
		fmt.Println("unlock failed:", err)
		os.Exit(1)
	}
	fmt.Printf("server %d unlocked\n", serverID)
}

func repairSniffing(serverID int) {
	svc := buildServices()
	n, err := svc.inbounds.RepairSniffing(context.Background(), serverID)
	if err != nil {
		fmt.Println("repair failed:", err)
		os.Exit(1)
	}
	fmt.Printf("repaired %d inbounds on server %d\n", n, serverID)
}

func refreshClients(customerIDs []int, limit int) {
	svc := buildServices()
	opts := service.RefreshOptions{CustomerIDs: customerIDs, Limit: limit}
	if err := svc.reconcile.RefreshClientStatus(context.Background(), opts); err != nil {
		fmt.Println("refresh failed:", err)
		os.Exit(1)
	}
	out, _ := json.Marshal(svc.reconcile.Stats.Snapshot())
	fmt.Println(string(out))
}

func collectMetrics(limit int) {
	svc := buildServices()
	ctx := context.Background()

	if err := svc.reconcile.RefreshClientStatus(ctx, service.RefreshOptions{Limit: limit}); err != nil {
		fmt.Println("traffic refresh failed:", err)
	}
	servers, err := svc.servers.GetServers()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	for _, srv := range servers {
		if err := svc.reconcile.TrackClientIPs(ctx, srv.Id, limit); err != nil {
			fmt.Printf("server %d: track ips failed: %v\n", srv.Id, err)
		}
		if err := svc.servers.UpdateServerAggregates(srv.Id); err != nil {
			fmt.Printf("server %d: update aggregates failed: %v\n", srv.Id, err)
			continue
		}
		updated, err := svc.servers.GetServer(srv.Id)
		if err != nil {
			continue
		}
		fmt.Printf("server %d (%s): %d clients, %d active, %s traffic\n",
			updated.Id, updated.Name, updated.TotalClients, updated.ActiveClients,
			common.FormatTraffic(updated.TotalTraffic))
	}
	out, _ := json.Marshal(svc.reconcile.Stats.Snapshot())
	fmt.Println(string(out))
}

func main() {
	var rootCmd = &cobra.Command{
		Use: "panelstore",
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the ops server and background jobs",
		Run: func(cmd *cobra.Command, args []string) {
			initApp()
			runServer()
		},
	}

	var provisionCmd = &cobra.Command{
		Use:   "provision",
		Short: "Provision paid orders",
	}

	var provisionOrderCmd = &cobra.Command{
		Use:   "order [order_id]",
		Short: "Provision all units of a paid order",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			orderID, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("invalid order id:", args[0])
				os.Exit(1)
			}
			initApp()
			provisionOrder(orderID, false)
		},
	}

	var provisionRetryCmd = &cobra.Command{
		Use:   "retry [order_id...]",
		Short: "Retry only the failed units of orders",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			initApp()
			for _, arg := range args {
				orderID, err := strconv.Atoi(arg)
				if err != nil {
					fmt.Println("invalid order id:", arg)
					os.Exit(1)
				}
				provisionOrder(orderID, true)
			}
		},
	}

	provisionCmd.AddCommand(provisionOrderCmd, provisionRetryCmd)

	var inboundsCmd = &cobra.Command{
		Use:   "inbounds",
		Short: "Manage inbound mirrors",
	}

	var inboundsSyncCmd = &cobra.Command{
		Use:   "sync [server_id]",
		Short: "Sync inbound listings from a server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			serverID, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("invalid server id:", args[0])
				os.Exit(1)
			}
			initApp()
			syncInbounds(serverID)
		},
	}

	var inboundsCleanupCmd = &cobra.Command{
		Use:   "cleanup-dedicated",
		Short: "Delete orphaned dedicated inbounds past the grace period",
		Run: func(cmd *cobra.Command, args []string) {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			initApp()
			cleanupDedicated(dryRun)
		},
	}
	inboundsCleanupCmd.Flags().Bool("dry-run", false, "report candidates without deleting")

	inboundsCmd.AddCommand(inboundsSyncCmd, inboundsCleanupCmd)

	var xuiCmd = &cobra.Command{
		Use:   "xui",
		Short: "Panel session and integrity tools",
	}

	var xuiDiagnoseCmd = &cobra.Command{
		Use:   "diagnose [server_id]",
		Short: "Check panel connectivity and session state",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			serverID := 0
			if len(args) == 1 {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					fmt.Println("invalid server id:", args[0])
					os.Exit(1)
				}
				serverID = id
			}
			initApp()
			diagnoseServers(serverID)
		},
	}

	var xuiUnlockCmd = &cobra.Command{
		Use:   "unlock [server_id]",
		Short: "Clear the login lockout on a server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			serverID, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("invalid server id:", args[0])
				os.Exit(1)
			}
			clearSession, _ := cmd.Flags().GetBool("clear-session")
			initApp()
			unlockServer(serverID, clearSession)
		},
	}
	xuiUnlockCmd.Flags().Bool("clear-session", false, "also drop the cached session cookie")

	var xuiRepairCmd = &cobra.Command{
		Use:   "repair-sniffing [server_id]",
		Short: "Rewrite corrupted sniffing configs on a server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			serverID, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("invalid server id:", args[0])
				os.Exit(1)
			}
			initApp()
			repairSniffing(serverID)
		},
	}

	xuiCmd.AddCommand(xuiDiagnoseCmd, xuiUnlockCmd, xuiRepairCmd)

	var clientsCmd = &cobra.Command{
		Use:   "clients",
		Short: "Client mirror maintenance",
	}

	var clientsRefreshCmd = &cobra.Command{
		Use:   "refresh-status",
		Short: "Refresh traffic counters and online flags from the panels",
		Run: func(cmd *cobra.Command, args []string) {
			customerIDs, _ := cmd.Flags().GetIntSlice("customer")
			limit, _ := cmd.Flags().GetInt("limit")
			initApp()
			refreshClients(customerIDs, limit)
		},
	}
	clientsRefreshCmd.Flags().IntSlice("customer", nil, "restrict to these customer ids")
	clientsRefreshCmd.Flags().Int("limit", 0, "max clients to refresh, 0 for the configured default")

	clientsCmd.AddCommand(clientsRefreshCmd)

	var metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Collect usage metrics",
	}

	var metricsCollectCmd = &cobra.Command{
		Use:   "collect",
		Short: "Refresh traffic, IP snapshots and server aggregates",
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			initApp()
			collectMetrics(limit)
		},
	}
	metricsCollectCmd.Flags().Int("limit", 0, "max clients per server, 0 for the configured default")

	metricsCmd.AddCommand(metricsCollectCmd)

	rootCmd.AddCommand(runCmd, provisionCmd, inboundsCmd, xuiCmd, clientsCmd, metricsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
