package model

import (
	"fmt"
	"time"

	"panelstore/util/json_util"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

type Protocol string

const (
	VMESS       Protocol = "vmess"
	VLESS       Protocol = "vless"
	Trojan      Protocol = "trojan"
	Shadowsocks Protocol = "shadowsocks"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

type InboundStatus string

const (
	InboundActive      InboundStatus = "active"
	InboundInactive    InboundStatus = "inactive"
	InboundMaintenance InboundStatus = "maintenance"
	InboundFull        InboundStatus = "full"
)

type PlanType string

const (
	// PlanSingle maps every purchased unit to its own dedicated inbound.
	PlanSingle PlanType = "single"
	// PlanMultiple shares one inbound between clients up to its capacity.
	PlanMultiple PlanType = "multiple"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentPaid       PaymentStatus = "paid"
	PaymentProcessing PaymentStatus = "processing"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

type ProvisionStatus string

const (
	ProvisionPending      ProvisionStatus = "pending"
	ProvisionProvisioning ProvisionStatus = "provisioning"
	ProvisionCompleted    ProvisionStatus = "completed"
	ProvisionFailed       ProvisionStatus = "failed"
	ProvisionCancelled    ProvisionStatus = "cancelled"
)

type ClientStatus string

const (
	ClientProvisioning ClientStatus = "provisioning"
	ClientActive       ClientStatus = "active"
	ClientSuspended    ClientStatus = "suspended"
	ClientExpired      ClientStatus = "expired"
	ClientTerminated   ClientStatus = "terminated"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// Server is a remote panel endpoint together with its cached session state
// and aggregate capacity counters.
type Server struct {
	Id          int    `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string `json:"name"`
	Scheme      string `json:"scheme" gorm:"default:http"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	WebBasePath string `json:"webBasePath"`
	Username    string `json:"-"`
	Password    string `json:"-"`

	// session state, persisted after every login attempt
	SessionCookie      string     `json:"-"`
	SessionCookieName  string     `json:"-"`
	SessionExpiresAt   *time.Time `json:"sessionExpiresAt"`
	LoginAttempts      int        `json:"loginAttempts"`
	LastLoginAttemptAt *time.Time `json:"lastLoginAttemptAt"`
	LockedUntil        *time.Time `json:"lockedUntil"`

	MaxClients     *int   `json:"maxClients"`
	BandwidthLimit *int64 `json:"bandwidthLimit"`
	TotalClients   int    `json:"totalClients"`
	ActiveClients  int    `json:"activeClients"`
	TotalTraffic   int64  `json:"totalTraffic"`

	HealthStatus  HealthStatus `json:"healthStatus" gorm:"default:healthy"`
	AutoProvision bool         `json:"autoProvision" gorm:"default:true"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BaseURL composes the panel root the session cookie is valid for.
func (s *Server) BaseURL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, s.Host, s.Port, s.WebBasePath)
}

// Inbound mirrors one remote listener slot (protocol+port) on a Server.
// Settings, StreamSettings and Sniffing are opaque blobs passed through to
// the panel unmodified.
type Inbound struct {
	Id       int `json:"id" gorm:"primaryKey;autoIncrement"`
	ServerId int `json:"serverId" gorm:"index"`
	RemoteId int `json:"remoteId" gorm:"index"`

	Remark   string   `json:"remark"`
	Listen   string   `json:"listen"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`

	Capacity       *int          `json:"capacity"`
	CurrentClients int           `json:"currentClients"`
	IsDefault      bool          `json:"isDefault"`
	ProvisioningOn bool          `json:"provisioningEnabled" gorm:"column:provisioning_enabled;default:true"`
	Status         InboundStatus `json:"status" gorm:"default:active"`

	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`

	// set when the inbound was created exclusively for one order unit
	DedicatedOrderId *int `json:"dedicatedOrderId" gorm:"index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasCapacityFor reports whether n more clients fit. A nil ceiling means
// unlimited.
func (i *Inbound) HasCapacityFor(n int) bool {
	if i.Capacity == nil {
		return true
	}
	return i.CurrentClients+n <= *i.Capacity
}

// UtilizationRatio is current/capacity; unlimited inbounds report zero so
// they sort first.
func (i *Inbound) UtilizationRatio() float64 {
	if i.Capacity == nil || *i.Capacity == 0 {
		return 0
	}
	return float64(i.CurrentClients) / float64(*i.Capacity)
}

// RawSettings exposes the settings blob for wire payload construction.
func (i *Inbound) RawSettings() json_util.RawMessage {
	return json_util.RawMessage(i.Settings)
}

// Plan is a sellable SKU bound to one server.
type Plan struct {
	Id                 int      `json:"id" gorm:"primaryKey;autoIncrement"`
	ServerId           int      `json:"serverId" gorm:"index"`
	PreferredInboundId *int     `json:"preferredInboundId"`
	Name               string   `json:"name"`
	PlanType           PlanType `json:"planType" gorm:"default:multiple"`
	Protocol           Protocol `json:"protocol" gorm:"default:vless"`

	MaxClients     *int `json:"maxClients"`
	CurrentClients int  `json:"currentClients"`

	TrafficLimitGB int   `json:"trafficLimitGb"`
	DurationDays   int   `json:"durationDays"`
	PriceCents     int64 `json:"priceCents"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p *Plan) IsDedicated() bool {
	return p.PlanType == PlanSingle
}

// Order is the purchase record consumed from the storefront boundary.
type Order struct {
	Id            int           `json:"id" gorm:"primaryKey;autoIncrement"`
	CustomerId    int           `json:"customerId" gorm:"index"`
	PaymentStatus PaymentStatus `json:"paymentStatus" gorm:"default:pending"`
	Items         []OrderItem   `json:"items" gorm:"foreignKey:OrderId;references:Id"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type OrderItem struct {
	Id       int `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderId  int `json:"orderId" gorm:"index"`
	PlanId   int `json:"planId"`
	Quantity int `json:"quantity" gorm:"default:1"`
}

// ProvisionLogEntry is one attempt record inside OrderServerClient's
// append-only provision log.
type ProvisionLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// OrderServerClient is the idempotency ledger: exactly one row per unit of
// quantity per order item, uniquely keyed on (order, item, unit index).
type OrderServerClient struct {
	Id          int `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderId     int `json:"orderId" gorm:"uniqueIndex:idx_order_item_unit"`
	OrderItemId int `json:"orderItemId" gorm:"uniqueIndex:idx_order_item_unit"`
	UnitIndex   int `json:"unitIndex" gorm:"uniqueIndex:idx_order_item_unit"`

	ServerClientId     *int `json:"serverClientId" gorm:"uniqueIndex"`
	ServerInboundId    *int `json:"serverInboundId"`
	DedicatedInboundId *int `json:"dedicatedInboundId"`

	ProvisionStatus      ProvisionStatus `json:"provisionStatus" gorm:"default:pending"`
	ProvisionAttempts    int             `json:"provisionAttempts"`
	ProvisionError       string          `json:"provisionError"`
	ProvisionStartedAt   *time.Time      `json:"provisionStartedAt"`
	ProvisionCompletedAt *time.Time      `json:"provisionCompletedAt"`
	ProvisionConfig      string          `json:"provisionConfig"`
	ProvisionLog         string          `json:"provisionLog"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AppendLog appends an entry to the provision log, never overwriting the
// attempt history. A log blob that fails to parse is replaced rather than
// grown, with the parse loss noted in the fresh entry.
func (o *OrderServerClient) AppendLog(entry ProvisionLogEntry) {
	var entries []ProvisionLogEntry
	if o.ProvisionLog != "" {
		if err := json.Unmarshal([]byte(o.ProvisionLog), &entries); err != nil {
			entries = nil
			entry.Message = "log history reset (unparseable): " + entry.Message
		}
	}
	entries = append(entries, entry)
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	o.ProvisionLog = string(data)
}

// LogEntries decodes the attempt history.
func (o *OrderServerClient) LogEntries() []ProvisionLogEntry {
	var entries []ProvisionLogEntry
	if o.ProvisionLog == "" {
		return entries
	}
	_ = json.Unmarshal([]byte(o.ProvisionLog), &entries)
	return entries
}

// ServerClient is the local mirror of one remote proxy account.
type ServerClient struct {
	Id         int  `json:"id" gorm:"primaryKey;autoIncrement"`
	InboundId  int  `json:"inboundId" gorm:"index"`
	PlanId     int  `json:"planId"`
	CustomerId int  `json:"customerId" gorm:"index"`
	OrderId    *int `json:"orderId" gorm:"index"`

	Uuid  string `json:"uuid" gorm:"uniqueIndex"`
	Email string `json:"email" gorm:"uniqueIndex"`

	RemoteUp      int64   `json:"remoteUp"`
	RemoteDown    int64   `json:"remoteDown"`
	RemoteTotal   int64   `json:"remoteTotal"`
	TrafficUsedMB float64 `json:"trafficUsedMb" gorm:"column:traffic_used_mb"`

	Status   ClientStatus `json:"status" gorm:"default:provisioning"`
	IsOnline bool         `json:"isOnline"`

	ExpiresAt         *time.Time `json:"expiresAt"`
	LastAPISyncAt     *time.Time `json:"lastApiSyncAt" gorm:"column:last_api_sync_at"`
	LastTrafficSyncAt *time.Time `json:"lastTrafficSyncAt"`

	APISyncStatus SyncStatus `json:"apiSyncStatus" gorm:"column:api_sync_status;default:pending"`
	APISyncError  string     `json:"apiSyncError" gorm:"column:api_sync_error"`
	RetryCount    int        `json:"retryCount"`

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// ClientIPs is the latest tracked IP snapshot for a client. An empty
// snapshot is still stored: it means the client has no tracked IPs, which
// is different from never having been synced.
type ClientIPs struct {
	Id          int       `json:"id" gorm:"primaryKey;autoIncrement"`
	ClientEmail string    `json:"clientEmail" gorm:"uniqueIndex"`
	Ips         string    `json:"ips"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FailedJob is the dead-letter store scanned by the smart retry sweep.
type FailedJob struct {
	Id        int        `json:"id" gorm:"primaryKey;autoIncrement"`
	Queue     string     `json:"queue"`
	Handler   string     `json:"handler"`
	Payload   string     `json:"payload"`
	Error     string     `json:"error"`
	Attempts  int        `json:"attempts"`
	FailedAt  time.Time  `json:"failedAt"`
	RetriedAt *time.Time `json:"retriedAt"`
}
