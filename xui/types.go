package xui

import (
	"strings"

	"github.com/goccy/go-json"
)

// apiResponse is the envelope every panel endpoint wraps its payload in.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// InboundRecord is a remote inbound as the panel reports it. Settings,
// StreamSettings and Sniffing arrive as JSON-encoded strings inside the
// JSON payload; they are carried verbatim.
type InboundRecord struct {
	Id             int             `json:"id"`
	Up             int64           `json:"up"`
	Down           int64           `json:"down"`
	Total          int64           `json:"total"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	ExpiryTime     int64           `json:"expiryTime"`
	Listen         string          `json:"listen"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       string          `json:"settings"`
	StreamSettings string          `json:"streamSettings"`
	Tag            string          `json:"tag"`
	Sniffing       string          `json:"sniffing"`
	ClientStats    []ClientTraffic `json:"clientStats"`
}

// ClientRecord is one proxy account inside an inbound's settings blob.
type ClientRecord struct {
	ID         string `json:"id"`
	Flow       string `json:"flow,omitempty"`
	Password   string `json:"password,omitempty"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       any    `json:"tgId,omitempty"`
	SubID      string `json:"subId,omitempty"`
	Reset      int    `json:"reset"`
}

// Identifier returns the credential the panel keys this client on. VLESS
// and VMESS clients carry a UUID; trojan and shadowsocks a password.
func (c *ClientRecord) Identifier() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Password
}

// ClientTraffic is the per-client counter row the panel reports.
type ClientTraffic struct {
	Id         int    `json:"id"`
	InboundId  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
}

// Sniffing is the traffic-inspection block of an inbound. The panel's proxy
// process refuses to start when this serializes as a JSON array, so it only
// ever round-trips through this struct, which always marshals as an object.
type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
	MetadataOnly bool     `json:"metadataOnly"`
	RouteOnly    bool     `json:"routeOnly"`
}

// DefaultSniffing is the canonical sniffing block for new inbounds.
func DefaultSniffing() Sniffing {
	return Sniffing{
		Enabled:      false,
		DestOverride: []string{"http", "tls", "quic", "fakedns"},
		MetadataOnly: false,
		RouteOnly:    false,
	}
}

// EncodeSniffing serializes a sniffing block in the canonical object shape.
// An empty destOverride still emits "destOverride":[] so the key set stays
// stable.
func EncodeSniffing(s Sniffing) (string, error) {
	if s.DestOverride == nil {
		s.DestOverride = []string{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeSniffing parses a stored sniffing blob, accepting the corrupt array
// shape some panel versions persist and canonicalizing it back to an object.
// The bool reports whether a rewrite is needed.
func DecodeSniffing(raw string) (Sniffing, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return DefaultSniffing(), true, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		// corruption mode: the block was flattened into an array, usually
		// just the destOverride values
		var dest []string
		if err := json.Unmarshal([]byte(trimmed), &dest); err != nil {
			return DefaultSniffing(), true, nil
		}
		s := DefaultSniffing()
		if len(dest) > 0 {
			s.DestOverride = dest
		}
		return s, true, nil
	}

	var s Sniffing
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return Sniffing{}, false, err
	}
	if s.DestOverride == nil {
		s.DestOverride = []string{}
		return s, true, nil
	}
	return s, false, nil
}

// inboundSettings is the decoded form of an inbound's settings blob.
type inboundSettings struct {
	Clients    []ClientRecord  `json:"clients"`
	Decryption string          `json:"decryption,omitempty"`
	Fallbacks  json.RawMessage `json:"fallbacks,omitempty"`
}

// DecodeClients extracts the client list from a settings blob.
func DecodeClients(settings string) ([]ClientRecord, error) {
	if strings.TrimSpace(settings) == "" {
		return nil, nil
	}
	var s inboundSettings
	if err := json.Unmarshal([]byte(settings), &s); err != nil {
		return nil, err
	}
	return s.Clients, nil
}

// EncodeClientSettings builds the double-encoded settings string the
// addClient/updateClient endpoints expect: a JSON string whose content is
// itself a JSON document holding the client list.
func EncodeClientSettings(clients ...ClientRecord) (string, error) {
	data, err := json.Marshal(inboundSettings{Clients: clients})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DefaultSettings builds a protocol-appropriate settings blob for a new
// inbound holding the given clients.
func DefaultSettings(protocol string, clients []ClientRecord) (string, error) {
	if clients == nil {
		clients = []ClientRecord{}
	}
	s := inboundSettings{Clients: clients}
	switch protocol {
	case "vless":
		s.Decryption = "none"
		s.Fallbacks = json.RawMessage("[]")
	case "trojan":
		s.Fallbacks = json.RawMessage("[]")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DefaultStreamSettings is the plain-TCP transport used for storefront
// provisioned inbounds unless the plan's server template overrides it.
func DefaultStreamSettings() string {
	return `{"network":"tcp","security":"none","tcpSettings":{"acceptProxyProtocol":false,"header":{"type":"none"}}}`
}
