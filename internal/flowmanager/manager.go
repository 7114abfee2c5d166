package flowmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/config"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/selfmetrics"
	"github.com/flstack/netplane/internal/storage"
)

// Connection states toward the policy source.
const (
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
)

// fallbackTarget is the tracking key for connectivity-preserving rules.
const fallbackTarget = "fallback"

// trackedFlow records one installed rule so it can be removed later.
type trackedFlow struct {
	DPID     uint64
	Priority int
	Match    map[string]any
}

// Manager owns the policy-to-flow pipeline. All state transitions and
// policy applications run under a single mutex: fallback install/remove
// never interleaves with a normal apply.
type Manager struct {
	sdn      *sdnclient.Client
	cfg      *config.Config
	store    *storage.Store
	metrics  *selfmetrics.Metrics
	compiler *Compiler
	logger   *slog.Logger

	mu           sync.Mutex
	state        string
	lastPolicies []policyclient.Policy
	// installed flows per target key (client id, policy id, or "fallback"),
	// deduplicated by (dpid, priority, match).
	installed map[string]map[string]trackedFlow
}

// New builds the manager. It starts CONNECTED with an empty policy set; the
// first connection callback corrects the state if the engine is down.
func New(sdn *sdnclient.Client, cfg *config.Config, store *storage.Store, metrics *selfmetrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "flow_manager")
	return &Manager{
		sdn:       sdn,
		cfg:       cfg,
		store:     store,
		metrics:   metrics,
		compiler:  NewCompiler(cfg, logger),
		logger:    logger,
		state:     StateConnected,
		installed: map[string]map[string]trackedFlow{},
	}
}

// State reports the current connection state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnectionChange is the connectivity callback registered with the
// policy client. Loss of the engine installs the fallback ruleset;
// restoration removes it before the cached policy set is re-applied.
func (m *Manager) OnConnectionChange(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connected {
		if m.state == StateConnected {
			return
		}
		m.logger.Info("policy source restored, leaving fallback")
		m.state = StateConnected
		m.removeFlowsLocked(fallbackTarget)
		m.setFallbackGauge(false)
		m.applyPoliciesLocked(m.lastPolicies)
		return
	}

	if m.state == StateDisconnected {
		return
	}
	m.logger.Warn("policy source unreachable, entering fallback")
	m.state = StateDisconnected
	m.enterFallbackLocked()
}

// OnPolicyChange is the policy-set callback registered with the policy
// client. The set is cached so a later reconnect can re-apply it.
func (m *Manager) OnPolicyChange(policies []policyclient.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPolicies = policies
	if m.state != StateConnected {
		m.logger.Info("policy set cached while disconnected", "policies", len(policies))
		return
	}
	m.applyPoliciesLocked(policies)
}

// applyPoliciesLocked installs every enabled policy. Caller holds m.mu.
func (m *Manager) applyPoliciesLocked(policies []policyclient.Policy) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switches, err := m.sdn.GetSwitches(ctx)
	if err != nil {
		m.logger.Error("policy apply aborted, switches unavailable", "error", err)
		return
	}

	for _, p := range policies {
		if !p.IsEnabled() {
			continue
		}
		switch p.Type {
		case policyclient.TypeNetworkSecurity:
			m.applyNetworkSecurityLocked(ctx, p, switches)
		case policyclient.TypeQoS:
			m.applyQoSLocked(ctx, p, switches)
		case policyclient.TypeSecurity:
			m.applySecurityBlockLocked(ctx, p, switches)
		case policyclient.TypeBandwidth, policyclient.TypeBandwidthAllocation:
			m.applyBandwidthLocked(ctx, p, switches)
		case policyclient.TypeTimeWindow:
			m.applyTimeWindowLocked(ctx, p, switches)
		case policyclient.TypeTrafficPriority:
			m.applyTrafficPriorityLocked(ctx, p, switches)
		case policyclient.TypeAnomalyDetection:
			m.applyAnomalyDetectionLocked(ctx, p, switches)
		case policyclient.TypePathSelection:
			m.applyPathSelectionLocked(ctx, p)
		default:
			m.logger.Warn("unsupported policy type, skipping", "policy", p.ID, "type", p.Type)
		}
	}

	m.verifyInstalledLocked(ctx, switches)
}

// verifyInstalledLocked re-lists each switch's flow table after an apply and
// warns when it holds fewer entries than are tracked for that switch.
func (m *Manager) verifyInstalledLocked(ctx context.Context, switches []sdnclient.Switch) {
	tracked := map[uint64]int{}
	for _, flows := range m.installed {
		for _, f := range flows {
			tracked[f.DPID]++
		}
	}
	for _, sw := range switches {
		want := tracked[sw.DPIDInt]
		if want == 0 {
			continue
		}
		entries, err := m.sdn.GetFlowStats(ctx, sw.DPIDInt)
		if err != nil {
			m.logger.Warn("verify pass: flow stats unavailable", "dpid", sw.DPID, "error", err)
			continue
		}
		if len(entries) < want {
			m.logger.Warn("flow table drift after apply", "dpid", sw.DPID, "tracked", want, "present", len(entries))
		}
	}
}

func (m *Manager) applyNetworkSecurityLocked(ctx context.Context, p policyclient.Policy, switches []sdnclient.Switch) {
	rules := m.compiler.CompileNetworkSecurity(p)
	m.logger.Info("applying network security policy", "policy", p.ID, "rules", len(rules), "switches", len(switches))

	for _, sw := range switches {
		if !m.switchReady(ctx, sw) {
			// Handshake incomplete: keep the fabric reachable, nothing more.
			m.installBasicRule(ctx, sw, p.ID)
			continue
		}
		for _, rule := range rules {
			m.installRule(ctx, sw, rule, p.ID)
		}
	}
}

// switchReady reports whether the switch exposes a non-empty port list.
func (m *Manager) switchReady(ctx context.Context, sw sdnclient.Switch) bool {
	ports, err := m.sdn.GetPortDesc(ctx, sw.DPIDInt)
	if err != nil {
		m.logger.Warn("port query failed, treating switch as not ready", "dpid", sw.DPID, "error", err)
		return false
	}
	return len(ports) > 0
}

// installRule programs one compiled rule on one switch, degrading through
// the forward-normal retry and the basic connectivity rule.
func (m *Manager) installRule(ctx context.Context, sw sdnclient.Switch, rule CompiledRule, target string) {
	err := m.sdn.AddFlow(ctx, sw.DPIDInt, rule.Priority, rule.Match, rule.Actions, rule.IdleTimeout, rule.HardTimeout)
	if err == nil {
		m.track(target, sw.DPIDInt, rule.Priority, rule.Match)
		m.countInstall("ok")
		return
	}
	m.logger.Warn("flow install failed, retrying with forward action", "dpid", sw.DPID, "rule", rule.RuleID, "error", err)

	err = m.sdn.AddFlow(ctx, sw.DPIDInt, rule.Priority, rule.Match, []sdnclient.Action{sdnclient.OutputNormal()}, rule.IdleTimeout, rule.HardTimeout)
	if err == nil {
		m.track(target, sw.DPIDInt, rule.Priority, rule.Match)
		m.countInstall("fallback")
		return
	}
	m.logger.Error("forward retry failed, installing basic connectivity rule", "dpid", sw.DPID, "rule", rule.RuleID, "error", err)
	m.installBasicRule(ctx, sw, target)
}

// installBasicRule keeps the fabric reachable: low-priority forward-all IPv4.
func (m *Manager) installBasicRule(ctx context.Context, sw sdnclient.Switch, target string) {
	match := map[string]any{"eth_type": EthTypeIPv4}
	err := m.sdn.AddFlow(ctx, sw.DPIDInt, basicPriority, match, []sdnclient.Action{sdnclient.OutputNormal()}, 0, 0)
	if err != nil {
		m.logger.Error("basic connectivity rule install failed", "dpid", sw.DPID, "error", err)
		m.countInstall("failed")
		return
	}
	m.track(target, sw.DPIDInt, basicPriority, match)
	m.countInstall("basic")
}

// ============================================================================
// FALLBACK
// ============================================================================

// enterFallbackLocked loads the local fallback policy file, or installs the
// minimal ICMP ruleset when the file is unusable. Caller holds m.mu.
func (m *Manager) enterFallbackLocked() {
	if !m.cfg.Flow.FallbackEnabled {
		m.logger.Warn("fallback disabled by configuration, leaving flows untouched")
		return
	}
	m.setFallbackGauge(true)
	m.storeEvent("FALLBACK_ACTIVATED", storage.LevelWarning, "policy source unreachable, fallback engaged")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switches, err := m.sdn.GetSwitches(ctx)
	if err != nil {
		m.logger.Error("fallback: switches unavailable, nothing installed", "error", err)
		return
	}

	if policies, err := m.loadFallbackFile(); err == nil {
		m.logger.Info("applying fallback policy file", "file", m.cfg.Flow.DefaultPolicyFile, "policies", len(policies))
		for _, p := range policies {
			if p.IsEnabled() && p.Type == policyclient.TypeNetworkSecurity {
				for _, sw := range switches {
					for _, rule := range m.compiler.CompileNetworkSecurity(p) {
						m.installRule(ctx, sw, rule, fallbackTarget)
					}
				}
			}
		}
		return
	} else if m.cfg.Flow.DefaultPolicyFile != "" {
		m.logger.Warn("fallback policy file unusable, installing minimal ruleset", "file", m.cfg.Flow.DefaultPolicyFile, "error", err)
	}

	// Minimal ruleset: exactly one persistent ICMP-over-IPv4 forward rule
	// per switch so reachability remains diagnosable.
	rule := CompiledRule{
		RuleID:   "fallback-icmp",
		Priority: fallbackPriority,
		Match:    map[string]any{"eth_type": EthTypeIPv4, "ip_proto": ProtoICMP},
		Actions:  []sdnclient.Action{{"type": "FORWARD", "port": "NORMAL"}},
	}
	for _, sw := range switches {
		m.installRule(ctx, sw, rule, fallbackTarget)
	}
}

// loadFallbackFile reads the local policy file: {"policies": [...]}.
func (m *Manager) loadFallbackFile() ([]policyclient.Policy, error) {
	raw, err := os.ReadFile(m.cfg.Flow.DefaultPolicyFile)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Policies []policyclient.Policy `json:"policies"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return policyclient.NormalizePolicies(doc.Policies), nil
}

// ============================================================================
// TRACKING
// ============================================================================

func (m *Manager) track(target string, dpid uint64, priority int, match map[string]any) {
	flows, ok := m.installed[target]
	if !ok {
		flows = map[string]trackedFlow{}
		m.installed[target] = flows
	}
	canonical, _ := sdnclient.NormalizeDPID(dpid)
	flows[ruleKey(canonical, priority, match)] = trackedFlow{DPID: dpid, Priority: priority, Match: match}
}

// InstalledFlows reports the tracked rule count per target.
func (m *Manager) InstalledFlows() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.installed))
	for target, flows := range m.installed {
		out[target] = len(flows)
	}
	return out
}

// RemoveClientFlows deletes every flow installed for one target key.
func (m *Manager) RemoveClientFlows(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeFlowsLocked(clientID)
}

func (m *Manager) removeFlowsLocked(target string) int {
	flows := m.installed[target]
	if len(flows) == 0 {
		delete(m.installed, target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed := 0
	for _, f := range flows {
		if err := m.sdn.DeleteFlow(ctx, f.DPID, f.Match, f.Priority); err != nil {
			m.logger.Warn("flow removal failed", "dpid", f.DPID, "priority", f.Priority, "error", err)
			continue
		}
		removed++
	}
	delete(m.installed, target)
	m.logger.Info("removed tracked flows", "target", target, "removed", removed)
	return removed
}

func (m *Manager) setFallbackGauge(active bool) {
	if m.metrics == nil {
		return
	}
	if active {
		m.metrics.FallbackState.Set(1)
	} else {
		m.metrics.FallbackState.Set(0)
	}
}

func (m *Manager) countInstall(outcome string) {
	if m.metrics != nil {
		m.metrics.FlowInstalls.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) storeEvent(eventType, level, message string) {
	if m.store == nil {
		return
	}
	m.store.StoreEvent(storage.Event{
		SourceComponent: storage.SourceCollector,
		EventType:       eventType,
		EventLevel:      level,
		Message:         message,
	})
}
