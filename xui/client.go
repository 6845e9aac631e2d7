// Package xui is a thin client for 3x-ui style panel servers. It owns the
// wire protocol only: session state comes in and goes out as a value, retry
// policy stays with callers that know the idempotency context, and every
// failure is classified as transient, auth or terminal.
package xui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Config carries the knobs every client call respects.
type Config struct {
	Timeout          time.Duration
	SessionTTL       time.Duration
	MaxLoginAttempts int
	LockoutCooldown  time.Duration
	PortMin          int
	PortMax          int
}

// Target identifies one panel endpoint and its credentials.
type Target struct {
	BaseURL  string
	Username string
	Password string
}

// Client issues panel API calls. It is stateless between calls and safe for
// concurrent use as long as each goroutine works with its own Session value.
type Client struct {
	http *http.Client
	cfg  Config
	now  func() time.Time
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 55 * time.Minute
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.PortMin <= 0 {
		cfg.PortMin = 30000
	}
	if cfg.PortMax < cfg.PortMin {
		cfg.PortMax = cfg.PortMin + 9999
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		now:  time.Now,
	}
}

// preferredCookieNames are session cookie names known panel versions use.
// The actual name is always introspected from Set-Cookie, this list only
// ranks candidates when a login response sets several cookies.
var preferredCookieNames = []string{"3x-ui", "x-ui", "session"}

// Login authenticates against the panel and installs the resulting session
// cookie into sess. When the lockout threshold has been reached the call
// fails fast without touching the network.
func (c *Client) Login(ctx context.Context, t Target, sess *Session) error {
	now := c.now()
	if sess.LockedOut(now, c.cfg.MaxLoginAttempts) {
		return &Error{Kind: KindAuth, Op: "login", Msg: "attempt threshold reached", Err: ErrSessionLocked}
	}

	form := url.Values{}
	form.Set("username", t.Username)
	form.Set("password", t.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return &Error{Kind: KindTerminal, Op: "login", Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		sess.RecordFailure(now, c.cfg.MaxLoginAttempts, c.cfg.LockoutCooldown)
		return transportError("login", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		sess.RecordFailure(now, c.cfg.MaxLoginAttempts, c.cfg.LockoutCooldown)
		return transportError("login", err)
	}
	if resp.StatusCode != http.StatusOK {
		sess.RecordFailure(now, c.cfg.MaxLoginAttempts, c.cfg.LockoutCooldown)
		return statusError("login", resp.StatusCode, truncate(body))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		sess.RecordFailure(now, c.cfg.MaxLoginAttempts, c.cfg.LockoutCooldown)
		return decodeError("login", err)
	}
	if !envelope.Success {
		sess.RecordFailure(now, c.cfg.MaxLoginAttempts, c.cfg.LockoutCooldown)
		return &Error{Kind: KindAuth, Op: "login", Msg: envelope.Msg}
	}

	cookie := pickSessionCookie(resp.Cookies())
	if cookie == nil {
		sess.RecordFailure(now, c.cfg.MaxLoginAttempts, c.cfg.LockoutCooldown)
		return &Error{Kind: KindTerminal, Op: "login", Msg: "login succeeded but no session cookie was set"}
	}

	ttl := c.cfg.SessionTTL
	if !cookie.Expires.IsZero() {
		if until := cookie.Expires.Sub(now); until > 0 && until < ttl {
			ttl = until
		}
	}
	sess.Establish(cookie.Name, cookie.Value, now, ttl)
	return nil
}

// pickSessionCookie chooses the session cookie from a login response. The
// cookie name varies between panel versions, so it is introspected rather
// than assumed.
func pickSessionCookie(cookies []*http.Cookie) *http.Cookie {
	for _, name := range preferredCookieNames {
		for _, ck := range cookies {
			if ck.Name == name && ck.Value != "" {
				return ck
			}
		}
	}
	for _, ck := range cookies {
		if ck.Value != "" {
			return ck
		}
	}
	return nil
}

// TestConnection is a lightweight reuse-or-login check.
func (c *Client) TestConnection(ctx context.Context, t Target, sess *Session) error {
	if sess.Valid(c.now()) {
		_, err := c.ListInbounds(ctx, t, sess)
		return err
	}
	return c.Login(ctx, t, sess)
}

func (c *Client) ensureSession(ctx context.Context, t Target, sess *Session) error {
	if sess.Valid(c.now()) {
		return nil
	}
	return c.Login(ctx, t, sess)
}

// ListInbounds fetches the full remote inbound collection.
func (c *Client) ListInbounds(ctx context.Context, t Target, sess *Session) ([]InboundRecord, error) {
	obj, err := c.call(ctx, t, sess, "listInbounds", http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	items, err := NormalizeList(obj)
	if err != nil {
		return nil, &Error{Kind: KindTerminal, Op: "listInbounds", Msg: "normalize list", Err: err}
	}
	inbounds := make([]InboundRecord, 0, len(items))
	for _, item := range items {
		var rec InboundRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, decodeError("listInbounds", err)
		}
		inbounds = append(inbounds, rec)
	}
	return inbounds, nil
}

// CreateInboundParams describes a new remote inbound. A zero Port asks the
// client to pick a free one from the configured dedicated range.
type CreateInboundParams struct {
	Remark         string
	Protocol       string
	Port           int
	Listen         string
	Clients        []ClientRecord
	Settings       string
	StreamSettings string
	Sniffing       string
	Total          int64
	ExpiryTime     int64
}

// CreateInbound creates a remote inbound, picking a non-colliding port from
// the configured range when none is given. A terminal port-conflict answer
// triggers exactly one re-pick against a refreshed port set; anything beyond
// that is a concurrency storm the caller must resolve.
func (c *Client) CreateInbound(ctx context.Context, t Target, sess *Session, p CreateInboundParams) (*InboundRecord, error) {
	existing, err := c.ListInbounds(ctx, t, sess)
	if err != nil {
		return nil, err
	}

	pickPort := p.Port == 0
	if pickPort {
		p.Port, err = c.pickFreePort(existing)
		if err != nil {
			return nil, err
		}
	}

	rec, err := c.createInboundOnce(ctx, t, sess, p)
	if err != nil && pickPort && isPortConflict(err) {
		existing, lerr := c.ListInbounds(ctx, t, sess)
		if lerr != nil {
			return nil, lerr
		}
		p.Port, lerr = c.pickFreePort(existing)
		if lerr != nil {
			return nil, lerr
		}
		rec, err = c.createInboundOnce(ctx, t, sess, p)
	}
	return rec, err
}

func (c *Client) createInboundOnce(ctx context.Context, t Target, sess *Session, p CreateInboundParams) (*InboundRecord, error) {
	settings := p.Settings
	var err error
	if settings == "" {
		settings, err = DefaultSettings(p.Protocol, p.Clients)
		if err != nil {
			return nil, &Error{Kind: KindTerminal, Op: "createInbound", Msg: "build settings", Err: err}
		}
	}
	stream := p.StreamSettings
	if stream == "" {
		stream = DefaultStreamSettings()
	}
	sniffing := p.Sniffing
	if sniffing == "" {
		sniffing, err = EncodeSniffing(DefaultSniffing())
		if err != nil {
			return nil, &Error{Kind: KindTerminal, Op: "createInbound", Msg: "build sniffing", Err: err}
		}
	}

	payload := map[string]any{
		"enable":         true,
		"remark":         p.Remark,
		"listen":         p.Listen,
		"port":           p.Port,
		"protocol":       p.Protocol,
		"expiryTime":     p.ExpiryTime,
		"total":          p.Total,
		"up":             0,
		"down":           0,
		"settings":       settings,
		"streamSettings": stream,
		"sniffing":       sniffing,
	}

	obj, err := c.call(ctx, t, sess, "createInbound", http.MethodPost, "/panel/api/inbounds/add", payload)
	if err != nil {
		return nil, err
	}
	var rec InboundRecord
	if len(obj) > 0 && string(obj) != "null" {
		if err := json.Unmarshal(obj, &rec); err != nil {
			return nil, decodeError("createInbound", err)
		}
	}
	if rec.Port == 0 {
		rec.Port = p.Port
	}
	if rec.Remark == "" {
		rec.Remark = p.Remark
	}
	return &rec, nil
}

func (c *Client) pickFreePort(existing []InboundRecord) (int, error) {
	used := make(map[int]struct{}, len(existing))
	for _, rec := range existing {
		used[rec.Port] = struct{}{}
	}
	for port := c.cfg.PortMin; port <= c.cfg.PortMax; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, &Error{Kind: KindTerminal, Op: "createInbound",
		Msg: fmt.Sprintf("no free port in range %d-%d", c.cfg.PortMin, c.cfg.PortMax)}
}

func isPortConflict(err error) bool {
	var xe *Error
	if !errors.As(err, &xe) || xe.Kind != KindTerminal {
		return false
	}
	low := strings.ToLower(xe.Msg)
	return strings.Contains(low, "port") && (strings.Contains(low, "use") || strings.Contains(low, "exist") || strings.Contains(low, "occupied"))
}

// UpdateInbound pushes a full inbound payload to the panel.
func (c *Client) UpdateInbound(ctx context.Context, t Target, sess *Session, remoteID int, rec InboundRecord) error {
	payload := map[string]any{
		"id":             remoteID,
		"enable":         rec.Enable,
		"remark":         rec.Remark,
		"listen":         rec.Listen,
		"port":           rec.Port,
		"protocol":       rec.Protocol,
		"expiryTime":     rec.ExpiryTime,
		"total":          rec.Total,
		"settings":       rec.Settings,
		"streamSettings": rec.StreamSettings,
		"sniffing":       rec.Sniffing,
	}
	_, err := c.call(ctx, t, sess, "updateInbound", http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/update/%d", remoteID), payload)
	return err
}

// DeleteInbound removes a remote inbound.
func (c *Client) DeleteInbound(ctx context.Context, t Target, sess *Session, remoteID int) error {
	_, err := c.call(ctx, t, sess, "deleteInbound", http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/del/%d", remoteID), nil)
	return err
}

// CreateClient adds one client to an existing remote inbound. The client
// list travels double-encoded: a JSON string inside the JSON payload.
func (c *Client) CreateClient(ctx context.Context, t Target, sess *Session, inboundRemoteID int, client ClientRecord) error {
	settings, err := EncodeClientSettings(client)
	if err != nil {
		return &Error{Kind: KindTerminal, Op: "createClient", Msg: "encode settings", Err: err}
	}
	payload := map[string]any{
		"id":       inboundRemoteID,
		"settings": settings,
	}
	_, err = c.call(ctx, t, sess, "createClient", http.MethodPost, "/panel/api/inbounds/addClient", payload)
	return err
}

// UpdateClient replaces a client identified by its UUID (or password for
// protocols without one).
func (c *Client) UpdateClient(ctx context.Context, t Target, sess *Session, inboundRemoteID int, clientID string, client ClientRecord) error {
	settings, err := EncodeClientSettings(client)
	if err != nil {
		return &Error{Kind: KindTerminal, Op: "updateClient", Msg: "encode settings", Err: err}
	}
	payload := map[string]any{
		"id":       inboundRemoteID,
		"settings": settings,
	}
	_, err = c.call(ctx, t, sess, "updateClient", http.MethodPost,
		"/panel/api/inbounds/updateClient/"+url.PathEscape(clientID), payload)
	return err
}

// DeleteClient removes a client from a remote inbound.
func (c *Client) DeleteClient(ctx context.Context, t Target, sess *Session, inboundRemoteID int, clientID string) error {
	_, err := c.call(ctx, t, sess, "deleteClient", http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundRemoteID, url.PathEscape(clientID)), nil)
	return err
}

// FoundClient is a client located inside the remote inbound collection.
type FoundClient struct {
	Client          ClientRecord
	InboundRemoteID int
}

// GetClientByUuid scans the remote inbound collection for a client with the
// given UUID.
func (c *Client) GetClientByUuid(ctx context.Context, t Target, sess *Session, uuid string) (*FoundClient, error) {
	return c.findClient(ctx, t, sess, func(rec ClientRecord) bool { return rec.ID == uuid })
}

// GetClientByEmail scans the remote inbound collection for a client with
// the given email.
func (c *Client) GetClientByEmail(ctx context.Context, t Target, sess *Session, email string) (*FoundClient, error) {
	return c.findClient(ctx, t, sess, func(rec ClientRecord) bool { return rec.Email == email })
}

func (c *Client) findClient(ctx context.Context, t Target, sess *Session, match func(ClientRecord) bool) (*FoundClient, error) {
	inbounds, err := c.ListInbounds(ctx, t, sess)
	if err != nil {
		return nil, err
	}
	for _, inbound := range inbounds {
		clients, err := DecodeClients(inbound.Settings)
		if err != nil {
			continue
		}
		for _, client := range clients {
			if match(client) {
				return &FoundClient{Client: client, InboundRemoteID: inbound.Id}, nil
			}
		}
	}
	return nil, nil
}

// GetOnlineClients returns the emails of currently connected clients.
func (c *Client) GetOnlineClients(ctx context.Context, t Target, sess *Session) ([]string, error) {
	obj, err := c.call(ctx, t, sess, "onlineClients", http.MethodPost, "/panel/api/inbounds/onlines", nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, nil
	}
	var emails []string
	if err := json.Unmarshal(obj, &emails); err == nil {
		return emails, nil
	}
	items, err := NormalizeList(obj)
	if err != nil {
		return nil, &Error{Kind: KindTerminal, Op: "onlineClients", Msg: "normalize list", Err: err}
	}
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			emails = append(emails, s)
		}
	}
	return emails, nil
}

// GetClientTraffic fetches the traffic counters for a client by email.
func (c *Client) GetClientTraffic(ctx context.Context, t Target, sess *Session, email string) (*ClientTraffic, error) {
	obj, err := c.call(ctx, t, sess, "clientTraffic", http.MethodGet,
		"/panel/api/inbounds/getClientTraffics/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}
	return decodeTraffic("clientTraffic", obj)
}

// GetClientTrafficByUuid fetches the traffic counters for a client by UUID.
func (c *Client) GetClientTrafficByUuid(ctx context.Context, t Target, sess *Session, uuid string) (*ClientTraffic, error) {
	obj, err := c.call(ctx, t, sess, "clientTrafficById", http.MethodGet,
		"/panel/api/inbounds/getClientTrafficsById/"+url.PathEscape(uuid), nil)
	if err != nil {
		return nil, err
	}
	return decodeTraffic("clientTrafficById", obj)
}

func decodeTraffic(op string, obj json.RawMessage) (*ClientTraffic, error) {
	if len(obj) == 0 || string(obj) == "null" {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(obj))
	if strings.HasPrefix(trimmed, "[") {
		// some panel builds wrap the row in a single-element array
		var rows []ClientTraffic
		if err := json.Unmarshal(obj, &rows); err != nil {
			return nil, decodeError(op, err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return &rows[0], nil
	}
	var row ClientTraffic
	if err := json.Unmarshal(obj, &row); err != nil {
		return nil, decodeError(op, err)
	}
	return &row, nil
}

// GetClientIps returns the tracked IP list for a client, normalized across
// the shapes different panel builds produce.
func (c *Client) GetClientIps(ctx context.Context, t Target, sess *Session, email string) ([]string, error) {
	obj, err := c.call(ctx, t, sess, "clientIps", http.MethodPost,
		"/panel/api/inbounds/clientIps/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}
	return NormalizeIPList(obj), nil
}

// call runs one authenticated panel request and unwraps the response
// envelope. It never retries; retry policy lives with the caller.
func (c *Client) call(ctx context.Context, t Target, sess *Session, op, method, path string, body any) (json.RawMessage, error) {
	if err := c.ensureSession(ctx, t, sess); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindTerminal, Op: op, Msg: "encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindTerminal, Op: op, Msg: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: sess.CookieName, Value: sess.Cookie})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp.StatusCode, truncate(data))
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, decodeError(op, err)
	}
	if !envelope.Success {
		return nil, panelError(op, envelope.Msg)
	}
	return envelope.Obj, nil
}

func truncate(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
