// Package policy evaluates IAM-style bucket policy documents against a
// requested action, resource, principal, and source IP.
package policy

import (
	"encoding/json"
	"log/slog"
	"net"
	"strings"
)

// Document is a parsed bucket policy document.
type Document struct {
	Statement []Statement `json:"Statement"`
}

// Statement is a single policy statement. Principal, Action, and Resource
// accept either a bare string or a JSON array of strings; Principal also
// accepts the nested {"AWS": ...} form.
type Statement struct {
	Effect    string          `json:"Effect"`
	Principal json.RawMessage `json:"Principal"`
	Action    stringOrSlice   `json:"Action"`
	Resource  stringOrSlice   `json:"Resource"`
	Condition *Condition      `json:"Condition,omitempty"`
}

// Condition holds the subset of IAM condition operators this evaluator
// understands: IP address allow/deny lists keyed on aws:SourceIp.
type Condition struct {
	IpAddress    *ipCondition `json:"IpAddress,omitempty"`
	NotIpAddress *ipCondition `json:"NotIpAddress,omitempty"`
}

type ipCondition struct {
	SourceIP stringOrSlice `json:"aws:SourceIp"`
}

// stringOrSlice unmarshals either a bare JSON string or an array of
// strings into a []string, matching the IAM policy grammar.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Parse parses a bucket policy JSON document.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Request describes the action being evaluated against a policy.
type Request struct {
	Action    string // e.g. "s3:GetObject"
	Resource  string // e.g. "arn:aws:s3:::bucket/key"
	Principal string
	ClientIP  string // "" if unknown
}

// Evaluate reports whether req is allowed under doc, using first-match
// semantics: statements are scanned in order and the first matching
// statement's effect decides the outcome. An explicit Deny always wins
// over a later Allow. A nil doc (no policy attached to the bucket) always
// allows. Once a policy document exists, an unmatched request is denied —
// the document is the sole authority over actions it governs.
func Evaluate(doc *Document, req Request) bool {
	if doc == nil {
		return true
	}
	for _, stmt := range doc.Statement {
		if !principalMatches(stmt.Principal, req.Principal) {
			continue
		}
		if !matchesAny(stmt.Action, req.Action) {
			continue
		}
		if !matchesAny(stmt.Resource, req.Resource) {
			continue
		}
		if !conditionMatches(stmt.Condition, req.ClientIP) {
			continue
		}
		slog.Debug("policy statement matched", "effect", stmt.Effect, "action", req.Action, "resource", req.Resource)
		switch stmt.Effect {
		case "Allow":
			return true
		case "Deny":
			return false
		}
	}
	slog.Debug("no policy statement matched, default deny", "action", req.Action, "resource", req.Resource)
	return false
}

// principalMatches reports whether the statement's Principal field covers
// the given principal, handling "*", a bare string, and the {"AWS": ...}
// nested form.
func principalMatches(raw json.RawMessage, principal string) bool {
	if len(raw) == 0 {
		return false
	}
	var wildcard string
	if err := json.Unmarshal(raw, &wildcard); err == nil {
		return wildcard == "*" || wildcard == principal
	}
	var nested struct {
		AWS stringOrSlice `json:"AWS"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		for _, p := range nested.AWS {
			if p == principal {
				return true
			}
		}
	}
	return false
}

// matchesAny reports whether value matches any entry in patterns, where a
// trailing "*" in a pattern matches any suffix.
func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == value || p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(value, p[:len(p)-1]) {
			return true
		}
	}
	return false
}

// conditionMatches reports whether the statement's IP conditions, if any,
// are satisfied by clientIP.
func conditionMatches(cond *Condition, clientIP string) bool {
	if cond == nil {
		return true
	}
	if cond.IpAddress != nil && len(cond.IpAddress.SourceIP) > 0 {
		if clientIP == "" || !ipInAny(clientIP, cond.IpAddress.SourceIP) {
			return false
		}
	}
	if cond.NotIpAddress != nil && len(cond.NotIpAddress.SourceIP) > 0 {
		if clientIP != "" && ipInAny(clientIP, cond.NotIpAddress.SourceIP) {
			return false
		}
	}
	return true
}

// ipInAny reports whether ip matches any of the given CIDR ranges or
// exact addresses.
func ipInAny(ip string, ranges []string) bool {
	for _, r := range ranges {
		if ipInRange(ip, r) {
			return true
		}
	}
	return false
}

// ipInRange reports whether ip (a dotted-quad or IPv6 address) falls
// within the given CIDR range, or equals it exactly when no "/" is
// present.
func ipInRange(ip, cidrOrIP string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	if !strings.Contains(cidrOrIP, "/") {
		other := net.ParseIP(cidrOrIP)
		return other != nil && addr.Equal(other)
	}
	_, network, err := net.ParseCIDR(cidrOrIP)
	if err != nil {
		return false
	}
	return network.Contains(addr)
}
