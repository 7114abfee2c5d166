package policyclient

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy types recognized by the flow manager.
const (
	TypeQoS                 = "qos"
	TypeSecurity            = "security"
	TypeBandwidth           = "bandwidth"
	TypeNetworkSecurity     = "network_security"
	TypeTimeWindow          = "time_window"
	TypeBandwidthAllocation = "bandwidth_allocation"
	TypeTrafficPriority     = "traffic_priority"
	TypePathSelection       = "path_selection"
	TypeAnomalyDetection    = "anomaly_detection"
)

// Rule actions.
const (
	ActionAllow     = "allow"
	ActionDeny      = "deny"
	ActionAlert     = "alert"
	ActionRateLimit = "rate_limit"
)

// RuleMatch is the declarative match of one network-security rule. Source
// and destination may be literal IPs or role tokens resolved at compile
// time. Ports arrive as numbers or strings depending on the upstream.
type RuleMatch struct {
	SrcIP    string `json:"src_ip,omitempty"`
	SrcType  string `json:"src_type,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	DstType  string `json:"dst_type,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	SrcPort  any    `json:"src_port,omitempty"`
	DstPort  any    `json:"dst_port,omitempty"`
}

// Rule is one entry of a network_security policy.
type Rule struct {
	ID          string    `json:"id,omitempty"`
	Enabled     *bool     `json:"enabled,omitempty"`
	Match       RuleMatch `json:"match"`
	Action      string    `json:"action"`
	Priority    int       `json:"priority,omitempty"`
	IdleTimeout int       `json:"idle_timeout,omitempty"`
	HardTimeout int       `json:"hard_timeout,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Policy is one declarative policy from the engine or the fallback file.
type Policy struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Enabled *bool          `json:"enabled,omitempty"`
	Rules   []Rule         `json:"rules,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// IsEnabled treats a missing enabled flag as true, same as for rules.
func (p *Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// NormalizePolicies applies the engine contract fix-ups in place: the
// network/network_security type alias, stable ids for policies missing one,
// and per-rule ids of the shape "<policy>_rule_<idx>".
func NormalizePolicies(policies []Policy) []Policy {
	for i := range policies {
		p := &policies[i]
		if p.Type == "network" {
			p.Type = TypeNetworkSecurity
		}
		if p.ID == "" {
			p.ID = "policy-" + strconv.Itoa(i)
		}
		for j := range p.Rules {
			if p.Rules[j].ID == "" {
				p.Rules[j].ID = fmt.Sprintf("%s_rule_%d", p.ID, j)
			}
		}
	}
	return policies
}

// PortToInt coerces the port shapes seen in rule matches. Returns ok=false
// when no usable port is present.
func PortToInt(v any) (int, bool) {
	switch p := v.(type) {
	case nil:
		return 0, false
	case int:
		return p, p > 0
	case float64:
		return int(p), p > 0
	case string:
		s := strings.TrimSpace(p)
		if s == "" || strings.EqualFold(s, "any") {
			return 0, false
		}
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}
