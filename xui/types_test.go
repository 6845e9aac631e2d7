package xui

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestEncodeSniffingAlwaysObject(t *testing.T) {
	testCases := []struct {
		name string
		s    Sniffing
	}{
		{name: "default", s: DefaultSniffing()},
		{name: "nil destOverride", s: Sniffing{Enabled: true}},
		{name: "empty destOverride", s: Sniffing{DestOverride: []string{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := EncodeSniffing(tc.s)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(encoded, "{") {
				t.Fatalf("sniffing must serialize as an object, got %s", encoded)
			}
			var decoded map[string]json.RawMessage
			if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
				t.Fatal(err)
			}
			for _, key := range []string{"enabled", "destOverride", "metadataOnly", "routeOnly"} {
				if _, ok := decoded[key]; !ok {
					t.Errorf("missing key %q in %s", key, encoded)
				}
			}
			if string(decoded["destOverride"]) == "null" {
				t.Error("destOverride must never serialize as null")
			}
		})
	}
}

func TestDecodeSniffing(t *testing.T) {
	testCases := []struct {
		name        string
		raw         string
		wantRewrite bool
		wantDest    []string
	}{
		{
			name:        "canonical object",
			raw:         `{"enabled":true,"destOverride":["http","tls"],"metadataOnly":false,"routeOnly":false}`,
			wantRewrite: false,
			wantDest:    []string{"http", "tls"},
		},
		{
			name:        "corrupt array shape",
			raw:         `["http","tls","quic"]`,
			wantRewrite: true,
			wantDest:    []string{"http", "tls", "quic"},
		},
		{
			name:        "empty corrupt array",
			raw:         `[]`,
			wantRewrite: true,
			wantDest:    DefaultSniffing().DestOverride,
		},
		{
			name:        "empty blob",
			raw:         ``,
			wantRewrite: true,
			wantDest:    DefaultSniffing().DestOverride,
		},
		{
			name:        "null blob",
			raw:         `null`,
			wantRewrite: true,
			wantDest:    DefaultSniffing().DestOverride,
		},
		{
			name:        "object missing destOverride",
			raw:         `{"enabled":true}`,
			wantRewrite: true,
			wantDest:    []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, rewrite, err := DecodeSniffing(tc.raw)
			if err != nil {
				t.Fatal(err)
			}
			if rewrite != tc.wantRewrite {
				t.Errorf("rewrite = %v, want %v", rewrite, tc.wantRewrite)
			}
			if len(s.DestOverride) != len(tc.wantDest) {
				t.Fatalf("destOverride = %v, want %v", s.DestOverride, tc.wantDest)
			}
			for i := range tc.wantDest {
				if s.DestOverride[i] != tc.wantDest[i] {
					t.Errorf("destOverride = %v, want %v", s.DestOverride, tc.wantDest)
					break
				}
			}
		})
	}
}

func TestDecodeSniffingRoundTripRepairsCorruption(t *testing.T) {
	s, rewrite, err := DecodeSniffing(`["http","tls"]`)
	if err != nil {
		t.Fatal(err)
	}
	if !rewrite {
		t.Fatal("array shape must request a rewrite")
	}
	encoded, err := EncodeSniffing(s)
	if err != nil {
		t.Fatal(err)
	}
	repaired, rewrite, err := DecodeSniffing(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if rewrite {
		t.Error("canonical shape must not request another rewrite")
	}
	if len(repaired.DestOverride) != 2 {
		t.Errorf("destOverride lost in round trip: %v", repaired.DestOverride)
	}
}

func TestEncodeClientSettingsDecodeClients(t *testing.T) {
	client := ClientRecord{
		ID:      "11111111-2222-3333-4444-555555555555",
		Email:   "o12-u1-abcdef",
		Enable:  true,
		TotalGB: 50 << 30,
	}
	settings, err := EncodeClientSettings(client)
	if err != nil {
		t.Fatal(err)
	}
	clients, err := DecodeClients(settings)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(clients))
	}
	if clients[0].ID != client.ID || clients[0].Email != client.Email {
		t.Errorf("client identity lost: %+v", clients[0])
	}
}

func TestClientRecordIdentifier(t *testing.T) {
	uuidClient := ClientRecord{ID: "uuid-1"}
	if uuidClient.Identifier() != "uuid-1" {
		t.Error("uuid clients are keyed on id")
	}
	trojanClient := ClientRecord{Password: "pw-1"}
	if trojanClient.Identifier() != "pw-1" {
		t.Error("password clients are keyed on password")
	}
}

func TestDefaultSettings(t *testing.T) {
	settings, err := DefaultSettings("vless", nil)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(settings), &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded["decryption"]) != `"none"` {
		t.Error("vless settings need decryption none")
	}
	if string(decoded["clients"]) != "[]" {
		t.Errorf("nil clients must encode as [], got %s", decoded["clients"])
	}

	settings, err = DefaultSettings("trojan", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(settings), &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["fallbacks"]; !ok {
		t.Error("trojan settings need a fallbacks key")
	}
}
