package service

import (
	"context"
	"testing"
	"time"

	"panelstore/database"
	"panelstore/database/model"
	"panelstore/xui"
)

func TestRefreshClientStatusSyncsTrafficAndOnline(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	alice := ts.seedClient(t, inbound, "uuid-alice", "alice")
	bob := ts.seedClient(t, inbound, "uuid-bob", "bob")

	ts.panel.traffic["uuid-alice"] = xui.ClientTraffic{Email: "alice", Up: 3 << 20, Down: 5 << 20}
	ts.panel.traffic["uuid-bob"] = xui.ClientTraffic{Email: "bob", Up: 1 << 20, Down: 0}
	ts.panel.onlines = []string{"alice"}

	if err := ts.reconcile.RefreshClientStatus(context.Background(), RefreshOptions{}); err != nil {
		t.Fatal(err)
	}

	db := database.GetDB()
	var gotAlice model.ServerClient
	if err := db.First(&gotAlice, alice.Id).Error; err != nil {
		t.Fatal(err)
	}
	if gotAlice.RemoteUp != 3<<20 || gotAlice.RemoteDown != 5<<20 || gotAlice.RemoteTotal != 8<<20 {
		t.Errorf("alice counters = %d/%d/%d", gotAlice.RemoteUp, gotAlice.RemoteDown, gotAlice.RemoteTotal)
	}
	if gotAlice.TrafficUsedMB != 8 {
		t.Errorf("alice traffic_used_mb = %v, want 8", gotAlice.TrafficUsedMB)
	}
	if !gotAlice.IsOnline {
		t.Error("alice should be online")
	}
	if gotAlice.APISyncStatus != model.SyncSuccess || gotAlice.LastTrafficSyncAt == nil {
		t.Errorf("alice sync state = %s/%v", gotAlice.APISyncStatus, gotAlice.LastTrafficSyncAt)
	}

	// a fresh dest per lookup: reusing a populated struct would carry its
	// primary key into the WHERE clause
	var gotBob model.ServerClient
	if err := db.First(&gotBob, bob.Id).Error; err != nil {
		t.Fatal(err)
	}
	if gotBob.IsOnline {
		t.Error("bob should be offline")
	}
	if gotBob.RemoteTotal != 1<<20 {
		t.Errorf("bob total = %d", gotBob.RemoteTotal)
	}

	if ts.reconcile.Stats.Scanned.Load() != 2 || ts.reconcile.Stats.Updated.Load() != 2 {
		t.Errorf("stats scanned/updated = %d/%d, want 2/2",
			ts.reconcile.Stats.Scanned.Load(), ts.reconcile.Stats.Updated.Load())
	}
	if ts.reconcile.Stats.Online.Load() != 1 {
		t.Errorf("stats online = %d, want 1", ts.reconcile.Stats.Online.Load())
	}
}

func TestRefreshFallsBackToEmailLookup(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	client := ts.seedClient(t, inbound, "uuid-gone", "carol")

	// the panel only answers the email lookup for this client
	ts.panel.traffic["carol"] = xui.ClientTraffic{Email: "carol", Up: 2 << 20, Down: 2 << 20}

	if err := ts.reconcile.RefreshClientStatus(context.Background(), RefreshOptions{}); err != nil {
		t.Fatal(err)
	}

	var got model.ServerClient
	if err := database.GetDB().First(&got, client.Id).Error; err != nil {
		t.Fatal(err)
	}
	if got.RemoteTotal != 4<<20 {
		t.Errorf("fallback lookup missed: total = %d", got.RemoteTotal)
	}
	if got.APISyncStatus != model.SyncSuccess {
		t.Errorf("sync status = %s", got.APISyncStatus)
	}
}

func TestRefreshRecordsSyncErrors(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	client := ts.seedClient(t, inbound, "uuid-err", "dave")

	ts.panel.failTraffic = func() (int, bool) { return 500, true }

	if err := ts.reconcile.RefreshClientStatus(context.Background(), RefreshOptions{}); err != nil {
		t.Fatal(err)
	}

	var got model.ServerClient
	if err := database.GetDB().First(&got, client.Id).Error; err != nil {
		t.Fatal(err)
	}
	if got.APISyncStatus != model.SyncError {
		t.Fatalf("sync status = %s, want error", got.APISyncStatus)
	}
	if got.APISyncError == "" || got.RetryCount != 1 {
		t.Errorf("error detail = %q retries = %d", got.APISyncError, got.RetryCount)
	}
	if ts.reconcile.Stats.Errors.Load() != 1 {
		t.Errorf("stats errors = %d, want 1", ts.reconcile.Stats.Errors.Load())
	}
}

func TestRefreshHonorsCustomerFilter(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	mine := ts.seedClient(t, inbound, "uuid-mine", "mine")
	other := ts.seedClient(t, inbound, "uuid-other", "other")
	database.GetDB().Model(other).UpdateColumn("customer_id", 8)

	ts.panel.traffic["uuid-mine"] = xui.ClientTraffic{Email: "mine", Up: 1 << 20}
	ts.panel.traffic["uuid-other"] = xui.ClientTraffic{Email: "other", Up: 1 << 20}

	err := ts.reconcile.RefreshClientStatus(context.Background(), RefreshOptions{CustomerIDs: []int{7}})
	if err != nil {
		t.Fatal(err)
	}

	db := database.GetDB()
	var gotMine model.ServerClient
	if err := db.First(&gotMine, mine.Id).Error; err != nil {
		t.Fatal(err)
	}
	if gotMine.APISyncStatus != model.SyncSuccess {
		t.Errorf("filtered-in client not synced: %s", gotMine.APISyncStatus)
	}
	var gotOther model.ServerClient
	if err := db.First(&gotOther, other.Id).Error; err != nil {
		t.Fatal(err)
	}
	if gotOther.APISyncStatus != model.SyncPending {
		t.Errorf("filtered-out client touched: %s", gotOther.APISyncStatus)
	}
}

func TestTrackClientIPsPersistsEmptySnapshot(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	ts.seedClient(t, inbound, "uuid-a", "with-ips")
	ts.seedClient(t, inbound, "uuid-b", "without-ips")
	ts.panel.ips["with-ips"] = []string{"10.0.0.1", "10.0.0.2"}

	if err := ts.reconcile.TrackClientIPs(context.Background(), ts.server.Id, 0); err != nil {
		t.Fatal(err)
	}

	db := database.GetDB()
	var withIPs model.ClientIPs
	if err := db.Where("client_email = ?", "with-ips").First(&withIPs).Error; err != nil {
		t.Fatal(err)
	}
	if withIPs.Ips != `["10.0.0.1","10.0.0.2"]` {
		t.Errorf("stored ips = %s", withIPs.Ips)
	}

	// no tracked IPs is still a synced state, persisted as an empty list
	var withoutIPs model.ClientIPs
	if err := db.Where("client_email = ?", "without-ips").First(&withoutIPs).Error; err != nil {
		t.Fatal(err)
	}
	if withoutIPs.Ips != "[]" {
		t.Errorf("empty snapshot stored as %s", withoutIPs.Ips)
	}
}

func TestExpireClients(t *testing.T) {
	ts := newServices(t)
	inbound := ts.seedInbound(t, intPtr(10), 0)
	db := database.GetDB()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := ts.seedClient(t, inbound, "uuid-1", "past-due")
	db.Model(expired).UpdateColumn("expires_at", past)
	current := ts.seedClient(t, inbound, "uuid-2", "current")
	db.Model(current).UpdateColumn("expires_at", future)
	forever := ts.seedClient(t, inbound, "uuid-3", "no-expiry")
	suspended := ts.seedClient(t, inbound, "uuid-4", "suspended")
	db.Model(suspended).UpdateColumns(map[string]any{"status": model.ClientSuspended, "expires_at": past})

	n, err := ts.reconcile.ExpireClients()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d clients, want 1", n)
	}

	assertStatus := func(id int, want model.ClientStatus) {
		t.Helper()
		var got model.ServerClient
		if err := db.First(&got, id).Error; err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Errorf("client %d status = %s, want %s", id, got.Status, want)
		}
	}
	assertStatus(expired.Id, model.ClientExpired)
	assertStatus(current.Id, model.ClientActive)
	assertStatus(forever.Id, model.ClientActive)
	assertStatus(suspended.Id, model.ClientSuspended)
}
