// Package flowmanager compiles declarative policies into OpenFlow rules and
// programs them on switches, keeping a connectivity-preserving fallback
// ruleset installed whenever the policy source is unreachable.
package flowmanager

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/flstack/netplane/internal/config"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
)

// Ethernet types and IP protocol numbers used in compiled matches.
const (
	EthTypeIPv4 = 0x0800
	EthTypeARP  = 0x0806

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Priority weights. A more specific rule always outranks a less specific
// one; explicit rule priorities override the computed value.
const (
	basePriority     = 100
	srcWeight        = 10
	dstWeight        = 10
	protocolWeight   = 10
	portWeight       = 5
	fallbackPriority = 10
	basicPriority    = 1
)

var protocolNumbers = map[string]int{
	"tcp":  ProtoTCP,
	"udp":  ProtoUDP,
	"icmp": ProtoICMP,
}

// CompiledRule is one installable flow derived from a policy rule.
type CompiledRule struct {
	RuleID      string
	Priority    int
	Match       map[string]any
	Actions     []sdnclient.Action
	IdleTimeout int
	HardTimeout int
}

// Compiler resolves role tokens and turns network-security rules into
// installable flows.
type Compiler struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewCompiler builds a compiler over the node-IP configuration.
func NewCompiler(cfg *config.Config, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{cfg: cfg, logger: logger.With("component", "flow_compiler")}
}

// CompileNetworkSecurity compiles every enabled rule of a network_security
// policy. Rules that trip the safety guard or reference unresolvable
// endpoints in a way that widens a non-allow match are skipped, not failed.
func (c *Compiler) CompileNetworkSecurity(p policyclient.Policy) []CompiledRule {
	out := make([]CompiledRule, 0, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if !rule.IsEnabled() {
			continue
		}
		compiled, ok := c.CompileRule(rule)
		if ok {
			out = append(out, compiled)
		}
	}
	return out
}

// CompileRule compiles a single rule. The second return is false when the
// rule must be skipped.
func (c *Compiler) CompileRule(rule *policyclient.Rule) (CompiledRule, bool) {
	srcIP, srcSpecific := c.ResolveEndpoint(rule.Match.SrcIP, rule.Match.SrcType)
	dstIP, dstSpecific := c.ResolveEndpoint(rule.Match.DstIP, rule.Match.DstType)

	protocol := strings.ToLower(strings.TrimSpace(rule.Match.Protocol))
	if protocol == "any" || protocol == "*" {
		protocol = ""
	}

	match := map[string]any{"eth_type": EthTypeIPv4}

	protocolMatched := false
	if protocol == "arp" {
		match["eth_type"] = EthTypeARP
		protocolMatched = true
	} else if num, ok := protocolNumbers[protocol]; ok {
		match["ip_proto"] = num
		protocolMatched = true
	} else if protocol != "" {
		c.logger.Warn("unknown protocol in rule, matching any", "rule", rule.ID, "protocol", protocol)
		protocol = ""
	}

	if srcSpecific {
		match["ipv4_src"] = srcIP
	}
	if dstSpecific {
		match["ipv4_dst"] = dstIP
	}

	srcPortMatched := false
	if port, ok := policyclient.PortToInt(rule.Match.SrcPort); ok {
		switch protocol {
		case "tcp":
			match["tcp_src"] = port
			srcPortMatched = true
		case "udp":
			match["udp_src"] = port
			srcPortMatched = true
		default:
			c.logger.Warn("src_port ignored without tcp/udp protocol", "rule", rule.ID)
		}
	}
	dstPortMatched := false
	if port, ok := policyclient.PortToInt(rule.Match.DstPort); ok {
		switch protocol {
		case "tcp":
			match["tcp_dst"] = port
			dstPortMatched = true
		case "udp":
			match["udp_dst"] = port
			dstPortMatched = true
		default:
			c.logger.Warn("dst_port ignored without tcp/udp protocol", "rule", rule.ID)
		}
	}

	// A port constraint narrows its endpoint as well as adding the port
	// weight: deny tcp dst_port=22 carries dst specificity even with no
	// destination address, landing at 100+10+10+5.
	specificity := 0
	if protocolMatched {
		specificity += protocolWeight
	}
	if srcSpecific || srcPortMatched {
		specificity += srcWeight
	}
	if dstSpecific || dstPortMatched {
		specificity += dstWeight
	}
	if srcPortMatched {
		specificity += portWeight
	}
	if dstPortMatched {
		specificity += portWeight
	}

	action := strings.ToLower(strings.TrimSpace(rule.Action))

	// Safety guard: never install an all-match non-allow rule. A deny that
	// matches everything would cut the switches off from the controller.
	if specificity == 0 && !isAllowAction(action) {
		c.logger.Warn("rule too generic for a non-allow action, skipping", "rule", rule.ID, "action", rule.Action)
		return CompiledRule{}, false
	}

	actions, ok := c.translateAction(action, rule.ID)
	if !ok {
		return CompiledRule{}, false
	}

	priority := basePriority + specificity
	if rule.Priority > 0 {
		priority = rule.Priority
	}

	return CompiledRule{
		RuleID:      rule.ID,
		Priority:    priority,
		Match:       match,
		Actions:     actions,
		IdleTimeout: rule.IdleTimeout,
		HardTimeout: rule.HardTimeout,
	}, true
}

func isAllowAction(action string) bool {
	switch action {
	case policyclient.ActionAllow, "accept", "permit":
		return true
	}
	return false
}

func (c *Compiler) translateAction(action, ruleID string) ([]sdnclient.Action, bool) {
	switch action {
	case policyclient.ActionAllow, "accept", "permit":
		return []sdnclient.Action{sdnclient.OutputNormal()}, true
	case policyclient.ActionDeny, "drop", "block":
		return []sdnclient.Action{}, true
	case policyclient.ActionAlert:
		return []sdnclient.Action{sdnclient.OutputController()}, true
	case policyclient.ActionRateLimit:
		// No meter support on the flowentry surface; forward normally so a
		// rate_limit rule never silently becomes a drop.
		c.logger.Warn("rate_limit downgraded to forward, metering unavailable", "rule", ruleID)
		return []sdnclient.Action{sdnclient.OutputNormal()}, true
	default:
		c.logger.Warn("unknown rule action, skipping", "rule", ruleID, "action", action)
		return nil, false
	}
}

// ResolveEndpoint turns a rule endpoint into a concrete IPv4 address.
// Returns specific=false for wildcards and for tokens with no configured
// address, which widens the match to any.
func (c *Compiler) ResolveEndpoint(ip, typeToken string) (string, bool) {
	value := strings.TrimSpace(ip)
	if value == "" {
		value = strings.TrimSpace(typeToken)
	}
	if value == "" || value == "*" || strings.EqualFold(value, "any") {
		return "", false
	}

	// Literal addresses and CIDR blocks pass straight through.
	if net.ParseIP(value) != nil {
		return value, true
	}
	if _, _, err := net.ParseCIDR(value); err == nil {
		return value, true
	}

	token := strings.ToLower(value)
	if token == "fl-client" || token == "fl_client" {
		// Generic client token matches every client.
		return "", false
	}
	if resolved, ok := c.cfg.NodeIP(token); ok {
		return resolved, true
	}

	c.logger.Warn("endpoint token has no configured address, matching any", "token", value)
	return "", false
}

// ruleKey identifies an installed flow for idempotent tracking.
func ruleKey(dpid string, priority int, match map[string]any) string {
	return fmt.Sprintf("%s|%d|%v", dpid, priority, match)
}
