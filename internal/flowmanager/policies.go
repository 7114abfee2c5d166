package flowmanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/storage"
)

// Higher-level policy compilers: each turns one typed policy into a set of
// flows. Controller capabilities that are missing (meters, queues) degrade
// to a logged partial success, never a hard failure. All methods run with
// m.mu held by the apply path.

func dataString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func dataInt(data map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := storage.ToInt(data[k]); ok {
			return v, true
		}
	}
	return 0, false
}

// applyQoSLocked installs an elevated-priority forward rule for the
// policy's traffic selector.
func (m *Manager) applyQoSLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	rule := &policyclient.Rule{
		ID: p.ID + "_qos",
		Match: policyclient.RuleMatch{
			SrcIP:    dataString(p.Data, "src_ip", "source"),
			DstIP:    dataString(p.Data, "dst_ip", "destination"),
			Protocol: dataString(p.Data, "protocol"),
			DstPort:  p.Data["dst_port"],
		},
		Action: policyclient.ActionAllow,
	}
	if prio, ok := dataInt(p.Data, "priority"); ok {
		rule.Priority = prio
	}

	compiled, ok := m.compiler.CompileRule(rule)
	if !ok {
		return
	}
	if compiled.Priority == basePriority {
		// An unselective QoS policy still outranks the default rules.
		compiled.Priority = basePriority + 50
	}
	for _, sw := range switches {
		m.installRule(ctx, sw, compiled, p.ID)
	}
}

// applySecurityBlockLocked drops all traffic to and from a target address.
func (m *Manager) applySecurityBlockLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	target := dataString(p.Data, "target_ip", "ip", "address")
	if target == "" {
		m.logger.Warn("security policy without target_ip, skipping", "policy", p.ID)
		return
	}

	blocks := []CompiledRule{
		{
			RuleID:   p.ID + "_block_src",
			Priority: 200,
			Match:    map[string]any{"eth_type": EthTypeIPv4, "ipv4_src": target},
			Actions:  []sdnclient.Action{},
		},
		{
			RuleID:   p.ID + "_block_dst",
			Priority: 200,
			Match:    map[string]any{"eth_type": EthTypeIPv4, "ipv4_dst": target},
			Actions:  []sdnclient.Action{},
		},
	}
	for _, sw := range switches {
		for _, rule := range blocks {
			m.installRule(ctx, sw, rule, p.ID)
		}
	}
}

// applyBandwidthLocked handles bandwidth limits and guarantees. Limits need
// meters and guarantees need queues; with neither available on the
// flowentry surface, guarantees use SET_QUEUE when a queue id is configured
// and limits degrade to plain forwarding.
func (m *Manager) applyBandwidthLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	target := dataString(p.Data, "client_ip", "target_ip", "src_ip")
	if target == "" {
		m.logger.Warn("bandwidth policy without target address, skipping", "policy", p.ID)
		return
	}
	resolved, specific := m.compiler.ResolveEndpoint(target, "")
	if !specific {
		m.logger.Warn("bandwidth policy target unresolvable, skipping", "policy", p.ID, "target", target)
		return
	}

	actions := []sdnclient.Action{sdnclient.OutputNormal()}
	if queueID, ok := dataInt(p.Data, "queue_id"); ok {
		actions = []sdnclient.Action{
			{"type": "SET_QUEUE", "queue_id": queueID},
			sdnclient.OutputNormal(),
		}
	} else if _, isLimit := dataInt(p.Data, "limit_mbps", "rate_mbps"); isLimit {
		m.logger.Warn("bandwidth limit degraded to forward, metering unavailable", "policy", p.ID)
	}

	rule := CompiledRule{
		RuleID:   p.ID + "_bandwidth",
		Priority: 150,
		Match:    map[string]any{"eth_type": EthTypeIPv4, "ipv4_src": resolved},
		Actions:  actions,
	}
	for _, sw := range switches {
		m.installRule(ctx, sw, rule, p.ID)
	}
}

// applyTimeWindowLocked applies the nested rules only while the window is
// active, and removes them outside it.
func (m *Manager) applyTimeWindowLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	start := dataString(p.Data, "start_time")
	end := dataString(p.Data, "end_time")
	if !withinWindow(time.Now(), start, end) {
		m.logger.Info("time window inactive, removing window flows", "policy", p.ID, "start", start, "end", end)
		m.removeFlowsLocked(p.ID)
		return
	}

	for _, sw := range switches {
		for _, rule := range m.compiler.CompileNetworkSecurity(p) {
			m.installRule(ctx, sw, rule, p.ID)
		}
	}
}

// withinWindow checks "HH:MM" bounds, handling windows that wrap midnight.
// Missing bounds leave the window always open.
func withinWindow(now time.Time, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	s, err1 := time.Parse("15:04", start)
	e, err2 := time.Parse("15:04", end)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	sm := s.Hour()*60 + s.Minute()
	em := e.Hour()*60 + e.Minute()
	if sm <= em {
		return cur >= sm && cur < em
	}
	return cur >= sm || cur < em
}

// applyTrafficPriorityLocked installs a forward rule whose action side is
// fixed by configuration: "normal" keeps traffic in the switch pipeline,
// "controller" punts it for inspection.
func (m *Manager) applyTrafficPriorityLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	target := dataString(p.Data, "client_ip", "target", "src_ip")
	resolved, specific := m.compiler.ResolveEndpoint(target, "")
	if !specific {
		m.logger.Warn("traffic priority policy without resolvable target, skipping", "policy", p.ID)
		return
	}

	priority := 150
	switch strings.ToLower(dataString(p.Data, "priority_level", "level")) {
	case "high":
		priority = 300
	case "medium":
		priority = 200
	}

	action := sdnclient.OutputNormal()
	if strings.EqualFold(m.cfg.Flow.TrafficPriorityAction, "controller") {
		action = sdnclient.OutputController()
	}

	rule := CompiledRule{
		RuleID:   p.ID + "_priority",
		Priority: priority,
		Match:    map[string]any{"eth_type": EthTypeIPv4, "ipv4_src": resolved},
		Actions:  []sdnclient.Action{action},
	}
	for _, sw := range switches {
		m.installRule(ctx, sw, rule, p.ID)
	}
}

// applyAnomalyDetectionLocked would attach a meter and point a flow at it;
// without meter support the suspect traffic is punted to the controller.
func (m *Manager) applyAnomalyDetectionLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	m.logger.Warn("meter support unavailable, anomaly policy degrades to controller punt", "policy", p.ID)

	match := map[string]any{"eth_type": EthTypeIPv4}
	if target := dataString(p.Data, "target_ip", "src_ip"); target != "" {
		if resolved, ok := m.compiler.ResolveEndpoint(target, ""); ok {
			match["ipv4_src"] = resolved
		}
	}
	if len(match) == 1 {
		m.logger.Warn("anomaly policy too generic without a target, skipping", "policy", p.ID)
		return
	}

	rule := CompiledRule{
		RuleID:   p.ID + "_anomaly",
		Priority: 50,
		Match:    match,
		Actions:  []sdnclient.Action{sdnclient.OutputController()},
	}
	for _, sw := range switches {
		m.installRule(ctx, sw, rule, p.ID)
	}
}

// applyPathSelectionLocked pins a src/dst pair along an explicit list of
// switches, one forward flow per hop.
func (m *Manager) applyPathSelectionLocked(ctx context.Context, p policyclient.Policy) {
	src, srcOK := m.compiler.ResolveEndpoint(dataString(p.Data, "src_ip", "source"), "")
	dst, dstOK := m.compiler.ResolveEndpoint(dataString(p.Data, "dst_ip", "destination"), "")
	if !srcOK || !dstOK {
		m.logger.Warn("path selection needs concrete src and dst, skipping", "policy", p.ID)
		return
	}

	hops, ok := p.Data["path"].([]any)
	if !ok || len(hops) == 0 {
		m.logger.Warn("path selection without a path, skipping", "policy", p.ID)
		return
	}

	rule := CompiledRule{
		RuleID:   p.ID + "_path",
		Priority: 150,
		Match:    map[string]any{"eth_type": EthTypeIPv4, "ipv4_src": src, "ipv4_dst": dst},
		Actions:  []sdnclient.Action{sdnclient.OutputNormal()},
	}
	for i, hop := range hops {
		dpid, err := sdnclient.DPIDToInt(hop)
		if err != nil {
			m.logger.Warn("path hop has malformed dpid, skipping hop", "policy", p.ID, "hop", i, "error", err)
			continue
		}
		sw := sdnclient.Switch{DPID: fmt.Sprintf("%016x", dpid), DPIDInt: dpid}
		m.installRule(ctx, sw, rule, p.ID)
	}
}
