package service

import (
	"errors"
	"sync"
	"testing"

	"panelstore/database"
	"panelstore/database/model"
)

func TestReserveUnitNeverOverAllocates(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(2), 0)
	plan := ts.seedPlan(t, model.PlanMultiple)

	// the guard is the conditional UPDATE itself, so repeated reserves
	// model what concurrent provisioners would see
	granted := 0
	var lastErr error
	for i := 0; i < 5; i++ {
		err := ts.capacity.ReserveUnit(inbound.Id, plan, ts.server.Id)
		if err == nil {
			granted++
			continue
		}
		lastErr = err
	}
	if granted != 2 {
		t.Fatalf("expected exactly 2 grants for capacity 2, got %d", granted)
	}

	var ce *CapacityError
	if !errors.As(lastErr, &ce) || ce.Scope != "inbound" {
		t.Errorf("expected inbound CapacityError, got %v", lastErr)
	}

	var reloaded model.Inbound
	if err := database.GetDB().First(&reloaded, inbound.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.CurrentClients != 2 {
		t.Errorf("counter drifted: current_clients = %d, want 2", reloaded.CurrentClients)
	}
	if reloaded.Status != model.InboundFull {
		t.Errorf("inbound at capacity must flip to full, got %s", reloaded.Status)
	}
}

func TestReserveUnitConcurrentRace(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(3), 0)
	plan := ts.seedPlan(t, model.PlanMultiple)

	// a single connection serializes sqlite access without weakening the
	// test: the conditional UPDATE is what must hold under interleaving
	sqlDB, err := database.GetDB().DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ts.capacity.ReserveUnit(inbound.Id, plan, ts.server.Id)
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for err := range results {
		if err == nil {
			granted++
			continue
		}
		var ce *CapacityError
		if !errors.As(err, &ce) {
			t.Errorf("unexpected reserve error: %v", err)
		}
	}
	if granted != 3 {
		t.Fatalf("expected exactly 3 grants from %d racing reserves, got %d", workers, granted)
	}

	var reloaded model.Inbound
	if err := database.GetDB().First(&reloaded, inbound.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.CurrentClients != 3 {
		t.Errorf("counter drifted: current_clients = %d, want 3", reloaded.CurrentClients)
	}
	if reloaded.Status != model.InboundFull {
		t.Errorf("inbound at capacity must flip to full, got %s", reloaded.Status)
	}
}

func TestReserveUnitRollsBackOnPlanCeiling(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	plan := ts.seedPlan(t, model.PlanMultiple)
	if err := database.GetDB().Model(plan).UpdateColumn("max_clients", 0).Error; err != nil {
		t.Fatal(err)
	}
	plan.MaxClients = intPtr(0)

	err := ts.capacity.ReserveUnit(inbound.Id, plan, ts.server.Id)
	var ce *CapacityError
	if !errors.As(err, &ce) || ce.Scope != "plan" {
		t.Fatalf("expected plan CapacityError, got %v", err)
	}

	// the whole reservation rolls back, including the inbound slot
	var reloaded model.Inbound
	if err := database.GetDB().First(&reloaded, inbound.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.CurrentClients != 0 {
		t.Errorf("failed reservation leaked an inbound slot: %d", reloaded.CurrentClients)
	}
}

func TestReleaseUnitFlipsFullBackToActive(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(1), 0)
	plan := ts.seedPlan(t, model.PlanMultiple)

	if err := ts.capacity.ReserveUnit(inbound.Id, plan, ts.server.Id); err != nil {
		t.Fatal(err)
	}
	var reloaded model.Inbound
	database.GetDB().First(&reloaded, inbound.Id)
	if reloaded.Status != model.InboundFull {
		t.Fatalf("expected full after last slot, got %s", reloaded.Status)
	}

	if err := ts.capacity.ReleaseUnit(inbound.Id, plan.Id, ts.server.Id); err != nil {
		t.Fatal(err)
	}
	database.GetDB().First(&reloaded, inbound.Id)
	if reloaded.Status != model.InboundActive {
		t.Errorf("expected active after release, got %s", reloaded.Status)
	}
	if reloaded.CurrentClients != 0 {
		t.Errorf("expected 0 clients after release, got %d", reloaded.CurrentClients)
	}

	var server model.Server
	database.GetDB().First(&server, ts.server.Id)
	if server.TotalClients != 0 {
		t.Errorf("server counter drifted: %d", server.TotalClients)
	}
}

func TestBestInboundPrefersLowestUtilization(t *testing.T) {
	ts := newServices(t)
	ts.seedInbound(t, intPtr(10), 8)
	best := ts.seedInbound(t, intPtr(10), 2)
	ts.seedInbound(t, intPtr(10), 5)
	plan := ts.seedPlan(t, model.PlanMultiple)

	picked, err := ts.capacity.BestInbound(plan)
	if err != nil {
		t.Fatal(err)
	}
	if picked == nil || picked.Id != best.Id {
		t.Errorf("expected inbound %d, got %+v", best.Id, picked)
	}
}

func TestBestInboundTieBreaksOnPort(t *testing.T) {
	ts := newServices(t)
	first := ts.seedInbound(t, intPtr(10), 5) // lower port, same ratio
	ts.seedInbound(t, intPtr(10), 5)
	plan := ts.seedPlan(t, model.PlanMultiple)

	picked, err := ts.capacity.BestInbound(plan)
	if err != nil {
		t.Fatal(err)
	}
	if picked == nil || picked.Id != first.Id {
		t.Errorf("expected lowest port inbound %d, got %+v", first.Id, picked)
	}
}

func TestBestInboundSkipsIneligible(t *testing.T) {
	ts := newServices(t)
	db := database.GetDB()

	ts.seedInbound(t, intPtr(2), 2) // at capacity
	disabled := ts.seedInbound(t, intPtr(10), 0)
	db.Model(disabled).UpdateColumn("provisioning_enabled", false)
	dedicated := ts.seedInbound(t, intPtr(1), 0)
	db.Model(dedicated).UpdateColumn("dedicated_order_id", 99)
	inactive := ts.seedInbound(t, intPtr(10), 0)
	db.Model(inactive).UpdateColumn("status", model.InboundInactive)
	ok := ts.seedInbound(t, intPtr(10), 9)

	plan := ts.seedPlan(t, model.PlanMultiple)
	picked, err := ts.capacity.BestInbound(plan)
	if err != nil {
		t.Fatal(err)
	}
	if picked == nil || picked.Id != ok.Id {
		t.Errorf("expected the only eligible inbound %d, got %+v", ok.Id, picked)
	}
}

func TestBestInboundHonorsPreferred(t *testing.T) {
	ts := newServices(t)
	ts.seedInbound(t, intPtr(10), 0)
	preferred := ts.seedInbound(t, intPtr(10), 9)
	plan := ts.seedPlan(t, model.PlanMultiple)
	database.GetDB().Model(plan).UpdateColumn("preferred_inbound_id", preferred.Id)
	plan.PreferredInboundId = &preferred.Id

	picked, err := ts.capacity.BestInbound(plan)
	if err != nil {
		t.Fatal(err)
	}
	if picked == nil || picked.Id != preferred.Id {
		t.Errorf("expected preferred inbound %d, got %+v", preferred.Id, picked)
	}

	// a full preferred inbound falls back to the pool
	database.GetDB().Model(preferred).UpdateColumn("current_clients", 10)
	picked, err = ts.capacity.BestInbound(plan)
	if err != nil {
		t.Fatal(err)
	}
	if picked == nil || picked.Id == preferred.Id {
		t.Errorf("expected fallback away from full preferred, got %+v", picked)
	}
}

func TestBestInboundDedicatedPlanGetsNil(t *testing.T) {
	ts := newServices(t)
	ts.seedInbound(t, intPtr(10), 0)
	plan := ts.seedPlan(t, model.PlanSingle)

	picked, err := ts.capacity.BestInbound(plan)
	if err != nil {
		t.Fatal(err)
	}
	if picked != nil {
		t.Errorf("dedicated plans never reuse inbounds, got %+v", picked)
	}
}
