package xui

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// listKeys are the field names panels have been observed to wrap list
// payloads in, tried in priority order.
var listKeys = []string{"obj", "results", "records", "data", "list"}

// NormalizeList turns a raw list payload into its elements regardless of
// which wrapper shape the panel used: a bare array, or an object carrying
// the array under one of the known keys. A payload matching none of the
// shapes returns ErrUnrecognizedShape so callers can tell "empty result"
// from "shape we have never seen".
func NormalizeList(raw []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, ErrUnrecognizedShape
		}
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, ErrUnrecognizedShape
	}

	for _, key := range listKeys {
		field, ok := envelope[key]
		if !ok {
			continue
		}
		inner := strings.TrimSpace(string(field))
		if inner == "null" {
			return nil, nil
		}
		if strings.HasPrefix(inner, "[") {
			var items []json.RawMessage
			if err := json.Unmarshal(field, &items); err != nil {
				return nil, ErrUnrecognizedShape
			}
			return items, nil
		}
		// key present but holding a single object: normalize to one element
		if strings.HasPrefix(inner, "{") {
			return []json.RawMessage{field}, nil
		}
	}

	return nil, ErrUnrecognizedShape
}

var ipPattern = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}|[0-9a-fA-F:]{2,}::?[0-9a-fA-F:]*)`)

// ipObjectKeys are the field names panels use for the address inside IP-log
// objects.
var ipObjectKeys = []string{"ip", "IP", "address", "clientIP", "clientIp"}

// NormalizeIPList parses the heterogeneous shapes the client-IPs endpoint
// returns (bare strings, objects with varying key names, or free text) into
// a deduplicated list that preserves first-seen order. An empty result is
// valid: it means the client currently has no tracked IPs.
func NormalizeIPList(raw []byte) []string {
	seen := make(map[string]struct{})
	var ips []string
	add := func(ip string) {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			return
		}
		if _, dup := seen[ip]; dup {
			return
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ips
	}

	if items, err := NormalizeList(raw); err == nil {
		for _, item := range items {
			inner := strings.TrimSpace(string(item))
			var s string
			if json.Unmarshal(item, &s) == nil {
				add(s)
				continue
			}
			if strings.HasPrefix(inner, "{") {
				var obj map[string]json.RawMessage
				if json.Unmarshal(item, &obj) != nil {
					continue
				}
				for _, key := range ipObjectKeys {
					var v string
					if field, ok := obj[key]; ok && json.Unmarshal(field, &v) == nil {
						add(v)
						break
					}
				}
			}
		}
		return ips
	}

	// free text, often a raw log excerpt: fall back to pattern extraction
	var blob string
	if json.Unmarshal(raw, &blob) != nil {
		blob = trimmed
	}
	for _, match := range ipPattern.FindAllString(blob, -1) {
		// the pattern is loose enough to catch timestamps like 12:00, so
		// every candidate must parse as a real address
		if _, err := netip.ParseAddr(match); err != nil {
			continue
		}
		add(match)
	}
	return ips
}
