package flowmanager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flstack/netplane/internal/config"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
)

type flowPost struct {
	Path string
	Body map[string]any
}

// controllerMock serves the stats surface and records flowentry posts.
type controllerMock struct {
	mu       sync.Mutex
	switches []any
	posts    []flowPost
	failAdds bool
}

func (c *controllerMock) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats/switches", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		json.NewEncoder(w).Encode(c.switches)
	})
	mux.HandleFunc("/stats/portdesc/", func(w http.ResponseWriter, r *http.Request) {
		dpid := r.URL.Path[len("/stats/portdesc/"):]
		json.NewEncoder(w).Encode(map[string]any{
			dpid: []map[string]any{{"port_no": 1, "name": "eth0"}},
		})
	})
	record := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.posts = append(c.posts, flowPost{Path: r.URL.Path, Body: body})
		fail := c.failAdds && r.URL.Path == "/stats/flowentry/add"
		c.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	mux.HandleFunc("/stats/flowentry/add", record)
	mux.HandleFunc("/stats/flowentry/delete", record)
	return mux
}

func (c *controllerMock) recorded(path string) []flowPost {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []flowPost{}
	for _, p := range c.posts {
		if p.Path == path {
			out = append(out, p)
		}
	}
	return out
}

func (c *controllerMock) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = nil
}

func newTestManager(t *testing.T, mock *controllerMock, mutate func(*config.Config)) *Manager {
	t.Helper()
	srv := httptest.NewServer(mock.handler())
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Flow.DefaultPolicyFile = filepath.Join(t.TempDir(), "missing.json")
	if mutate != nil {
		mutate(cfg)
	}
	return New(sdnclient.New(srv.URL, nil), cfg, nil, nil, nil)
}

func boolPtr(b bool) *bool { return &b }

// ============================================================================
// COMPILER
// ============================================================================

func TestCompileDenyTCPPort22(t *testing.T) {
	cfg := config.Defaults()
	cfg.Flow.NodeIPs = map[string]string{"FL_SERVER": "10.0.0.100"}
	comp := NewCompiler(cfg, nil)

	rule := &policyclient.Rule{
		ID: "ssh-block",
		Match: policyclient.RuleMatch{
			DstType:  "fl-server",
			Protocol: "tcp",
			DstPort:  22,
		},
		Action: "deny",
	}
	compiled, ok := comp.CompileRule(rule)
	require.True(t, ok)

	// base 100 + dst 10 + protocol 10 + dst_port 5
	assert.Equal(t, 125, compiled.Priority)
	assert.Equal(t, map[string]any{
		"eth_type": EthTypeIPv4,
		"ip_proto": ProtoTCP,
		"ipv4_dst": "10.0.0.100",
		"tcp_dst":  22,
	}, compiled.Match)
	assert.Empty(t, compiled.Actions, "deny compiles to drop")
}

func TestCompileSafetyGuard(t *testing.T) {
	comp := NewCompiler(config.Defaults(), nil)

	// An all-match deny must never compile.
	_, ok := comp.CompileRule(&policyclient.Rule{ID: "generic", Action: "deny"})
	assert.False(t, ok)

	// The same match with allow is fine.
	compiled, ok := comp.CompileRule(&policyclient.Rule{ID: "open", Action: "allow"})
	require.True(t, ok)
	assert.Equal(t, basePriority, compiled.Priority)
	assert.Equal(t, []sdnclient.Action{sdnclient.OutputNormal()}, compiled.Actions)
}

func TestCompileActionVariants(t *testing.T) {
	comp := NewCompiler(config.Defaults(), nil)
	match := policyclient.RuleMatch{SrcIP: "10.0.0.5"}

	alert, ok := comp.CompileRule(&policyclient.Rule{ID: "a", Match: match, Action: "alert"})
	require.True(t, ok)
	assert.Equal(t, []sdnclient.Action{sdnclient.OutputController()}, alert.Actions)

	// rate_limit downgrades to forward until metering exists.
	rl, ok := comp.CompileRule(&policyclient.Rule{ID: "r", Match: match, Action: "rate_limit"})
	require.True(t, ok)
	assert.Equal(t, []sdnclient.Action{sdnclient.OutputNormal()}, rl.Actions)

	_, ok = comp.CompileRule(&policyclient.Rule{ID: "x", Match: match, Action: "mangle"})
	assert.False(t, ok, "unknown actions are skipped")
}

func TestCompileARPAndUDP(t *testing.T) {
	comp := NewCompiler(config.Defaults(), nil)

	arp, ok := comp.CompileRule(&policyclient.Rule{
		ID:     "arp",
		Match:  policyclient.RuleMatch{Protocol: "arp"},
		Action: "allow",
	})
	require.True(t, ok)
	assert.Equal(t, EthTypeARP, arp.Match["eth_type"])
	_, hasProto := arp.Match["ip_proto"]
	assert.False(t, hasProto)

	udp, ok := comp.CompileRule(&policyclient.Rule{
		ID:     "dns",
		Match:  policyclient.RuleMatch{Protocol: "udp", DstPort: "53"},
		Action: "allow",
	})
	require.True(t, ok)
	assert.Equal(t, ProtoUDP, udp.Match["ip_proto"])
	assert.Equal(t, 53, udp.Match["udp_dst"])
	assert.Equal(t, basePriority+protocolWeight+dstWeight+portWeight, udp.Priority)
}

func TestCompilePortImpliesEndpointSpecificity(t *testing.T) {
	comp := NewCompiler(config.Defaults(), nil)

	// No address anywhere: the dst_port alone narrows the destination, so
	// the rule still lands at 100 + 10 + 10 + 5.
	bare, ok := comp.CompileRule(&policyclient.Rule{
		ID:     "ssh-any",
		Match:  policyclient.RuleMatch{Protocol: "tcp", DstPort: 22},
		Action: "deny",
	})
	require.True(t, ok)
	assert.Equal(t, 125, bare.Priority)
	assert.Equal(t, map[string]any{
		"eth_type": EthTypeIPv4,
		"ip_proto": ProtoTCP,
		"tcp_dst":  22,
	}, bare.Match)

	// Both ports without addresses: src and dst each count once.
	both, ok := comp.CompileRule(&policyclient.Rule{
		ID:     "narrow",
		Match:  policyclient.RuleMatch{Protocol: "udp", SrcPort: 5000, DstPort: 53},
		Action: "deny",
	})
	require.True(t, ok)
	assert.Equal(t, basePriority+protocolWeight+srcWeight+dstWeight+2*portWeight, both.Priority)

	// An address plus a port on the same endpoint does not double-count
	// the endpoint weight.
	addressed, ok := comp.CompileRule(&policyclient.Rule{
		ID:     "ssh-host",
		Match:  policyclient.RuleMatch{DstIP: "10.0.0.100", Protocol: "tcp", DstPort: 22},
		Action: "deny",
	})
	require.True(t, ok)
	assert.Equal(t, 125, addressed.Priority)
}

func TestResolveEndpoint(t *testing.T) {
	cfg := config.Defaults()
	cfg.Flow.NodeIPs = map[string]string{
		"POLICY_ENGINE": "10.0.0.20",
		"FL_CLIENT_3":   "10.0.1.3",
	}
	comp := NewCompiler(cfg, nil)

	ip, ok := comp.ResolveEndpoint("192.168.1.7", "")
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.7", ip)

	ip, ok = comp.ResolveEndpoint("", "policy-engine")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.20", ip)

	ip, ok = comp.ResolveEndpoint("fl-client-3", "")
	assert.True(t, ok)
	assert.Equal(t, "10.0.1.3", ip)

	// Generic client token and wildcards widen to any.
	_, ok = comp.ResolveEndpoint("fl-client", "")
	assert.False(t, ok)
	_, ok = comp.ResolveEndpoint("any", "")
	assert.False(t, ok)
	_, ok = comp.ResolveEndpoint("", "*")
	assert.False(t, ok)

	// Unknown tokens degrade to any instead of failing the rule.
	_, ok = comp.ResolveEndpoint("grafana", "")
	assert.False(t, ok)
}

// ============================================================================
// FALLBACK STATE MACHINE
// ============================================================================

func TestFallbackActivationAndRecovery(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, nil)

	// Engine lost: exactly one minimal ICMP rule per switch.
	m.OnConnectionChange(false)
	assert.Equal(t, StateDisconnected, m.State())

	adds := mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 1)
	body := adds[0].Body
	assert.Equal(t, float64(fallbackPriority), body["priority"])
	match := body["match"].(map[string]any)
	assert.Equal(t, float64(EthTypeIPv4), match["eth_type"])
	assert.Equal(t, float64(ProtoICMP), match["ip_proto"])
	actions := body["actions"].([]any)
	require.Len(t, actions, 1)
	action := actions[0].(map[string]any)
	assert.Equal(t, "OUTPUT", action["type"])
	assert.Equal(t, float64(sdnclient.PortNormal), action["port"])

	// A policy arriving while disconnected is cached, not applied.
	denySSH := []policyclient.Policy{{
		ID:      "p1",
		Type:    policyclient.TypeNetworkSecurity,
		Enabled: boolPtr(true),
		Rules: []policyclient.Rule{{
			ID:     "deny-ssh",
			Match:  policyclient.RuleMatch{DstIP: "10.0.0.100", Protocol: "tcp", DstPort: 22},
			Action: "deny",
		}},
	}}
	mock.reset()
	m.OnPolicyChange(denySSH)
	assert.Empty(t, mock.recorded("/stats/flowentry/add"))

	// Engine back: fallback removed first, then the cached set applied.
	m.OnConnectionChange(true)
	assert.Equal(t, StateConnected, m.State())

	deletes := mock.recorded("/stats/flowentry/delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, float64(fallbackPriority), deletes[0].Body["priority"])

	adds = mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 1)
	assert.Equal(t, float64(125), adds[0].Body["priority"])
	match = adds[0].Body["match"].(map[string]any)
	assert.Equal(t, float64(ProtoTCP), match["ip_proto"])
	assert.Equal(t, "10.0.0.100", match["ipv4_dst"])
	assert.Equal(t, float64(22), match["tcp_dst"])
	assert.Empty(t, adds[0].Body["actions"])
}

func TestFallbackUsesLocalPolicyFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "default_policies.json")
	doc := map[string]any{
		"policies": []map[string]any{{
			"id":      "fallback-icmp",
			"type":    "network_security",
			"enabled": true,
			"rules": []map[string]any{{
				"match":  map[string]any{"protocol": "icmp"},
				"action": "allow",
			}},
		}},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, raw, 0o644))

	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, func(cfg *config.Config) {
		cfg.Flow.DefaultPolicyFile = file
	})

	m.OnConnectionChange(false)

	adds := mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 1)
	match := adds[0].Body["match"].(map[string]any)
	assert.Equal(t, float64(ProtoICMP), match["ip_proto"])
	// File rule compiles through the normal path, not the minimal ruleset.
	assert.Equal(t, float64(basePriority+protocolWeight), adds[0].Body["priority"])
}

func TestFallbackDisabledLeavesFlowsAlone(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, func(cfg *config.Config) {
		cfg.Flow.FallbackEnabled = false
	})

	m.OnConnectionChange(false)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, mock.recorded("/stats/flowentry/add"))
}

// ============================================================================
// APPLY PATH
// ============================================================================

func TestSafetyGuardInstallsNothing(t *testing.T) {
	mock := &controllerMock{switches: []any{1, 2}}
	m := newTestManager(t, mock, nil)

	m.OnPolicyChange([]policyclient.Policy{{
		ID:      "generic-deny",
		Type:    policyclient.TypeNetworkSecurity,
		Enabled: boolPtr(true),
		Rules:   []policyclient.Rule{{ID: "all", Action: "deny"}},
	}})

	assert.Empty(t, mock.recorded("/stats/flowentry/add"))
}

func TestApplyIsIdempotent(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, nil)

	policies := []policyclient.Policy{{
		ID:      "p1",
		Type:    policyclient.TypeNetworkSecurity,
		Enabled: boolPtr(true),
		Rules: []policyclient.Rule{{
			ID:     "allow-fl",
			Match:  policyclient.RuleMatch{SrcIP: "10.0.1.1"},
			Action: "allow",
		}},
	}}
	m.OnPolicyChange(policies)
	m.OnPolicyChange(policies)

	// Reinstalls are harmless; the tracked triple set stays deduplicated.
	assert.Equal(t, map[string]int{"p1": 1}, m.InstalledFlows())
}

func TestDisabledPoliciesAndRulesSkipped(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, nil)

	m.OnPolicyChange([]policyclient.Policy{
		{
			ID:      "off",
			Type:    policyclient.TypeNetworkSecurity,
			Enabled: boolPtr(false),
			Rules: []policyclient.Rule{{
				ID: "r", Match: policyclient.RuleMatch{SrcIP: "10.0.0.1"}, Action: "allow",
			}},
		},
		{
			ID:      "on",
			Type:    policyclient.TypeNetworkSecurity,
			Enabled: boolPtr(true),
			Rules: []policyclient.Rule{{
				ID:      "r-off",
				Enabled: boolPtr(false),
				Match:   policyclient.RuleMatch{SrcIP: "10.0.0.2"},
				Action:  "allow",
			}},
		},
	})

	assert.Empty(t, mock.recorded("/stats/flowentry/add"))
}

func TestPolicyWithoutEnabledFlagApplies(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, nil)

	// Upstream payloads often omit enabled entirely; absence means active,
	// for policies and rules alike.
	m.OnPolicyChange([]policyclient.Policy{{
		ID:   "implicit",
		Type: policyclient.TypeNetworkSecurity,
		Rules: []policyclient.Rule{{
			ID:     "allow-host",
			Match:  policyclient.RuleMatch{SrcIP: "10.0.0.4"},
			Action: "allow",
		}},
	}})

	adds := mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 1)
	assert.Equal(t, map[string]int{"implicit": 1}, m.InstalledFlows())
}

func TestInstallDegradesToBasicRule(t *testing.T) {
	mock := &controllerMock{switches: []any{1}, failAdds: true}
	m := newTestManager(t, mock, nil)

	m.OnPolicyChange([]policyclient.Policy{{
		ID:      "p1",
		Type:    policyclient.TypeNetworkSecurity,
		Enabled: boolPtr(true),
		Rules: []policyclient.Rule{{
			ID:     "deny-host",
			Match:  policyclient.RuleMatch{SrcIP: "10.0.0.9"},
			Action: "deny",
		}},
	}})

	// Primary, forward retry, then basic connectivity: three attempts.
	adds := mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 3)
	last := adds[2].Body
	assert.Equal(t, float64(basicPriority), last["priority"])
	assert.Equal(t, map[string]any{"eth_type": float64(EthTypeIPv4)}, last["match"])
}

func TestRemoveClientFlows(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, nil)

	m.OnPolicyChange([]policyclient.Policy{{
		ID:      "client-7",
		Type:    policyclient.TypeNetworkSecurity,
		Enabled: boolPtr(true),
		Rules: []policyclient.Rule{
			{ID: "a", Match: policyclient.RuleMatch{SrcIP: "10.0.1.7"}, Action: "allow"},
			{ID: "b", Match: policyclient.RuleMatch{DstIP: "10.0.1.7"}, Action: "allow"},
		},
	}})
	require.Equal(t, map[string]int{"client-7": 2}, m.InstalledFlows())

	removed := m.RemoveClientFlows("client-7")
	assert.Equal(t, 2, removed)
	assert.Len(t, mock.recorded("/stats/flowentry/delete"), 2)
	assert.Empty(t, m.InstalledFlows())
}

func TestTimeWindowGate(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	assert.True(t, withinWindow(now, "09:00", "17:00"))
	assert.False(t, withinWindow(now, "17:00", "23:00"))
	// Wrapping window: 22:00-06:00 covers 23:30 and 05:00 but not noon.
	assert.False(t, withinWindow(now, "22:00", "06:00"))
	assert.True(t, withinWindow(time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC), "22:00", "06:00"))
	assert.True(t, withinWindow(time.Date(2026, 8, 26, 5, 0, 0, 0, time.UTC), "22:00", "06:00"))
	// Missing bounds leave the window open.
	assert.True(t, withinWindow(now, "", "17:00"))
}

func TestTrafficPriorityActionFromConfig(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, func(cfg *config.Config) {
		cfg.Flow.TrafficPriorityAction = "controller"
	})

	m.OnPolicyChange([]policyclient.Policy{{
		ID:      "prio",
		Type:    policyclient.TypeTrafficPriority,
		Enabled: boolPtr(true),
		Data:    map[string]any{"client_ip": "10.0.1.5", "priority_level": "high"},
	}})

	adds := mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 1)
	assert.Equal(t, float64(300), adds[0].Body["priority"])
	actions := adds[0].Body["actions"].([]any)
	require.Len(t, actions, 1)
	assert.Equal(t, float64(sdnclient.PortController), actions[0].(map[string]any)["port"])
}

func TestSecurityBlockBothDirections(t *testing.T) {
	mock := &controllerMock{switches: []any{1}}
	m := newTestManager(t, mock, nil)

	m.OnPolicyChange([]policyclient.Policy{{
		ID:      "quarantine",
		Type:    policyclient.TypeSecurity,
		Enabled: boolPtr(true),
		Data:    map[string]any{"target_ip": "10.0.1.9"},
	}})

	adds := mock.recorded("/stats/flowentry/add")
	require.Len(t, adds, 2)
	seen := map[string]bool{}
	for _, p := range adds {
		match := p.Body["match"].(map[string]any)
		if match["ipv4_src"] == "10.0.1.9" {
			seen["src"] = true
		}
		if match["ipv4_dst"] == "10.0.1.9" {
			seen["dst"] = true
		}
		assert.Empty(t, p.Body["actions"])
	}
	assert.True(t, seen["src"] && seen["dst"])
}
