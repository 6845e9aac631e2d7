package service

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"panelstore/database"
	"panelstore/database/model"
	"panelstore/logger"
	"panelstore/xui"

	"github.com/goccy/go-json"
	"github.com/op/go-logging"
)

func TestMain(m *testing.M) {
	os.Setenv("PS_LOG_FOLDER", os.TempDir())
	logger.InitLogger(logging.ERROR)
	os.Exit(m.Run())
}

func setup(t *testing.T) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	if err := database.InitTestDB(name); err != nil {
		t.Fatal(err)
	}
}

func intPtr(n int) *int { return &n }

// remotePanel emulates a panel server: login, inbound CRUD, client CRUD,
// traffic and online lookups. Failure injection hooks let tests break
// individual calls.
type remotePanel struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	nextRemoteID int
	inbounds     []*xui.InboundRecord
	clients      map[int][]xui.ClientRecord

	loginCalls        int
	listCalls         int
	addInboundCalls   int
	addClientCalls    int
	updateCalls       int
	deleteCalls       int
	deletedRemoteIDs  []int
	capturedClients   []xui.ClientRecord
	capturedSniffings []string

	onlines []string
	traffic map[string]xui.ClientTraffic
	ips     map[string][]string

	// failAddClient, when set, intercepts the nth addClient call (1-based)
	// and answers with the returned envelope message or HTTP status.
	failAddClient func(call int) (msg string, status int, fail bool)

	// failTraffic, when set, breaks every traffic lookup with the given
	// HTTP status.
	failTraffic func() (status int, fail bool)
}

func newRemotePanel(t *testing.T) *remotePanel {
	p := &remotePanel{
		t:            t,
		nextRemoteID: 100,
		clients:      map[int][]xui.ClientRecord{},
		traffic:      map[string]xui.ClientTraffic{},
		ips:          map[string][]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", p.handleLogin)
	mux.HandleFunc("/", p.handleAPI)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *remotePanel) writeEnvelope(w http.ResponseWriter, success bool, msg string, obj any) {
	w.Header().Set("Content-Type", "application/json")
	var raw json.RawMessage
	if obj != nil {
		raw, _ = json.Marshal(obj)
	}
	data, _ := json.Marshal(map[string]any{"success": success, "msg": msg, "obj": raw})
	w.Write(data)
}

func (p *remotePanel) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.loginCalls++
	p.mu.Unlock()
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.FormValue("username") != "admin" || r.FormValue("password") != "secret" {
		p.writeEnvelope(w, false, "invalid username or password", nil)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "test-session"})
	p.writeEnvelope(w, true, "", nil)
}

// rendered returns the inbound list with each record's settings blob
// regenerated from the current client set.
func (p *remotePanel) rendered() []xui.InboundRecord {
	out := make([]xui.InboundRecord, 0, len(p.inbounds))
	for _, rec := range p.inbounds {
		copied := *rec
		if clients, ok := p.clients[rec.Id]; ok && len(clients) > 0 {
			settings, _ := xui.EncodeClientSettings(clients...)
			copied.Settings = settings
		}
		out = append(out, copied)
	}
	return out
}

func (p *remotePanel) handleAPI(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie("3x-ui")
	if err != nil || ck.Value != "test-session" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/panel/api/inbounds/list":
		p.listCalls++
		p.writeEnvelope(w, true, "", p.rendered())

	case path == "/panel/api/inbounds/add":
		p.addInboundCalls++
		var payload map[string]json.RawMessage
		body, _ := readBody(r)
		if err := json.Unmarshal(body, &payload); err != nil {
			p.writeEnvelope(w, false, "bad payload", nil)
			return
		}
		rec := xui.InboundRecord{Id: p.nextRemoteID, Enable: true}
		p.nextRemoteID++
		json.Unmarshal(payload["remark"], &rec.Remark)
		json.Unmarshal(payload["port"], &rec.Port)
		json.Unmarshal(payload["protocol"], &rec.Protocol)
		json.Unmarshal(payload["settings"], &rec.Settings)
		json.Unmarshal(payload["streamSettings"], &rec.StreamSettings)
		json.Unmarshal(payload["sniffing"], &rec.Sniffing)
		for _, existing := range p.inbounds {
			if existing.Port == rec.Port {
				p.writeEnvelope(w, false, "port already in use", nil)
				return
			}
		}
		p.inbounds = append(p.inbounds, &rec)
		p.writeEnvelope(w, true, "", rec)

	case strings.HasPrefix(path, "/panel/api/inbounds/del/"):
		p.deleteCalls++
		id, _ := strconv.Atoi(strings.TrimPrefix(path, "/panel/api/inbounds/del/"))
		p.deletedRemoteIDs = append(p.deletedRemoteIDs, id)
		kept := p.inbounds[:0]
		for _, rec := range p.inbounds {
			if rec.Id != id {
				kept = append(kept, rec)
			}
		}
		p.inbounds = kept
		p.writeEnvelope(w, true, "", nil)

	case strings.HasPrefix(path, "/panel/api/inbounds/update/"):
		p.updateCalls++
		var payload map[string]json.RawMessage
		body, _ := readBody(r)
		json.Unmarshal(body, &payload)
		var sniffing string
		json.Unmarshal(payload["sniffing"], &sniffing)
		p.capturedSniffings = append(p.capturedSniffings, sniffing)
		p.writeEnvelope(w, true, "", nil)

	case path == "/panel/api/inbounds/addClient":
		p.addClientCalls++
		if p.failAddClient != nil {
			if msg, status, fail := p.failAddClient(p.addClientCalls); fail {
				if status != 0 {
					http.Error(w, msg, status)
					return
				}
				p.writeEnvelope(w, false, msg, nil)
				return
			}
		}
		var payload struct {
			Id       int    `json:"id"`
			Settings string `json:"settings"`
		}
		body, _ := readBody(r)
		if err := json.Unmarshal(body, &payload); err != nil {
			p.writeEnvelope(w, false, "bad payload", nil)
			return
		}
		clients, err := xui.DecodeClients(payload.Settings)
		if err != nil || len(clients) == 0 {
			p.writeEnvelope(w, false, "bad settings", nil)
			return
		}
		for _, existing := range p.clients[payload.Id] {
			if existing.Email == clients[0].Email {
				p.writeEnvelope(w, false, "duplicate email: client already exists", nil)
				return
			}
		}
		p.clients[payload.Id] = append(p.clients[payload.Id], clients[0])
		p.capturedClients = append(p.capturedClients, clients[0])
		p.writeEnvelope(w, true, "", nil)

	case path == "/panel/api/inbounds/onlines":
		p.writeEnvelope(w, true, "", p.onlines)

	case strings.HasPrefix(path, "/panel/api/inbounds/getClientTrafficsById/"):
		if p.failTraffic != nil {
			if status, fail := p.failTraffic(); fail {
				http.Error(w, "traffic lookup failed", status)
				return
			}
		}
		key := strings.TrimPrefix(path, "/panel/api/inbounds/getClientTrafficsById/")
		if row, ok := p.traffic[key]; ok {
			p.writeEnvelope(w, true, "", row)
			return
		}
		p.writeEnvelope(w, true, "", nil)

	case strings.HasPrefix(path, "/panel/api/inbounds/getClientTraffics/"):
		if p.failTraffic != nil {
			if status, fail := p.failTraffic(); fail {
				http.Error(w, "traffic lookup failed", status)
				return
			}
		}
		key := strings.TrimPrefix(path, "/panel/api/inbounds/getClientTraffics/")
		if row, ok := p.traffic[key]; ok {
			p.writeEnvelope(w, true, "", row)
			return
		}
		p.writeEnvelope(w, true, "", nil)

	case strings.HasPrefix(path, "/panel/api/inbounds/clientIps/"):
		key := strings.TrimPrefix(path, "/panel/api/inbounds/clientIps/")
		p.writeEnvelope(w, true, "", p.ips[key])

	default:
		http.NotFound(w, r)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// addRemoteInbound seeds an inbound directly on the fake panel.
func (p *remotePanel) addRemoteInbound(rec xui.InboundRecord) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec.Id == 0 {
		rec.Id = p.nextRemoteID
		p.nextRemoteID++
	}
	p.inbounds = append(p.inbounds, &rec)
	return rec.Id
}

func (p *remotePanel) clientCount(remoteID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients[remoteID])
}

func testPanelClient() *xui.Client {
	return xui.New(xui.Config{
		Timeout:          5 * time.Second,
		SessionTTL:       time.Hour,
		MaxLoginAttempts: 3,
		PortMin:          30000,
		PortMax:          30099,
	})
}

// newServices wires the full service graph against one fake panel and the
// test database, returning the seeded server row too.
type testServices struct {
	panel     *remotePanel
	server    *model.Server
	servers   *ServerService
	inbounds  *InboundService
	capacity  *CapacityService
	provision *ProvisionService
	reconcile *ReconcileService
	cleanup   *CleanupService
}

func newServices(t *testing.T) *testServices {
	t.Helper()
	setup(t)
	panel := newRemotePanel(t)

	u, err := url.Parse(panel.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	server := &model.Server{
		Name:          "panel-1",
		Scheme:        "http",
		Host:          u.Hostname(),
		Port:          port,
		Username:      "admin",
		Password:      "secret",
		AutoProvision: true,
		HealthStatus:  model.HealthHealthy,
	}
	if err := database.GetDB().Create(server).Error; err != nil {
		t.Fatal(err)
	}

	client := testPanelClient()
	servers := NewServerService(client)
	inbounds := NewInboundService(client, servers)
	capacity := NewCapacityService()
	return &testServices{
		panel:     panel,
		server:    server,
		servers:   servers,
		inbounds:  inbounds,
		capacity:  capacity,
		provision: NewProvisionService(client, servers, inbounds, capacity),
		reconcile: NewReconcileService(client, servers),
		cleanup:   NewCleanupService(client, servers),
	}
}

// seedInbound creates a local inbound mirror plus its remote counterpart.
func (ts *testServices) seedInbound(t *testing.T, capacity *int, current int) *model.Inbound {
	t.Helper()
	port := 30000 + len(ts.panel.inbounds)
	remoteID := ts.panel.addRemoteInbound(xui.InboundRecord{
		Remark:   "shared",
		Port:     port,
		Protocol: "vless",
		Enable:   true,
	})
	inbound := &model.Inbound{
		ServerId:       ts.server.Id,
		RemoteId:       remoteID,
		Remark:         "shared",
		Port:           port,
		Protocol:       model.VLESS,
		Capacity:       capacity,
		CurrentClients: current,
		ProvisioningOn: true,
		Status:         model.InboundActive,
	}
	if err := database.GetDB().Create(inbound).Error; err != nil {
		t.Fatal(err)
	}
	return inbound
}

// seedClient creates an active local client mirror on the given inbound.
func (ts *testServices) seedClient(t *testing.T, inbound *model.Inbound, uuid, email string) *model.ServerClient {
	t.Helper()
	client := &model.ServerClient{
		InboundId:  inbound.Id,
		CustomerId: 7,
		Uuid:       uuid,
		Email:      email,
		Status:     model.ClientActive,
	}
	if err := database.GetDB().Create(client).Error; err != nil {
		t.Fatal(err)
	}
	return client
}

func (ts *testServices) seedPlan(t *testing.T, planType model.PlanType) *model.Plan {
	t.Helper()
	plan := &model.Plan{
		ServerId:       ts.server.Id,
		Name:           "test-plan",
		PlanType:       planType,
		Protocol:       model.VLESS,
		TrafficLimitGB: 50,
		DurationDays:   30,
	}
	if err := database.GetDB().Create(plan).Error; err != nil {
		t.Fatal(err)
	}
	return plan
}

func (ts *testServices) seedOrder(t *testing.T, plan *model.Plan, quantity int, status model.PaymentStatus) *model.Order {
	t.Helper()
	order := &model.Order{
		CustomerId:    7,
		PaymentStatus: status,
		Items:         []model.OrderItem{{PlanId: plan.Id, Quantity: quantity}},
	}
	if err := database.GetDB().Create(order).Error; err != nil {
		t.Fatal(err)
	}
	return order
}
