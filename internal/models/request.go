// Package models - Inbound admission requests.
// This file defines the request submitted for an admission check and its
// validation rules.
//
// Validation Strategy:
// - Normalize first, then validate
// - IP and endpoint are required, everything else is optional context
// - The IP must parse as IPv4 or IPv6; Normalize rewrites it to its canonical
//   spelling so every form of one address shares trust entries and windows
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Request describes one inbound request as seen by the HTTP layer.
type Request struct {
	IP        string `json:"ip"`
	UserID    string `json:"user_id,omitempty"`
	Endpoint  string `json:"endpoint"`
	UserAgent string `json:"user_agent,omitempty"`
	Geo       string `json:"geo,omitempty"`
}

func (r *Request) Validate() error {
	if r.IP == "" {
		return errors.New("ip is required")
	}

	if _, err := netip.ParseAddr(r.IP); err != nil {
		return fmt.Errorf("invalid ip: %s", r.IP)
	}

	if r.Endpoint == "" {
		return errors.New("endpoint is required")
	}

	if !strings.HasPrefix(r.Endpoint, "/") {
		return fmt.Errorf("endpoint must start with '/': %s", r.Endpoint)
	}

	return nil
}

// Normalize trims whitespace, canonicalizes the IP and drops any query string
// from the endpoint.
func (r *Request) Normalize() {
	r.IP = CanonicalIP(r.IP)
	r.UserID = strings.TrimSpace(r.UserID)
	r.Endpoint = strings.TrimSpace(r.Endpoint)
	if i := strings.IndexByte(r.Endpoint, '?'); i >= 0 {
		r.Endpoint = r.Endpoint[:i]
	}
	r.UserAgent = strings.TrimSpace(r.UserAgent)
	r.Geo = strings.TrimSpace(r.Geo)
}

// CanonicalIP returns the canonical text form of an IP address: lower-case,
// zero-compressed IPv6, IPv4-mapped IPv6 unmapped to IPv4, no zone. Input
// that does not parse is returned trimmed and otherwise unchanged.
func CanonicalIP(s string) string {
	s = strings.TrimSpace(s)
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().WithZone("").String()
}
