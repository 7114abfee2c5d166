// Package monitor implements the collector's four data-gathering loops:
// network topology and bandwidth, FL training state, policy-engine
// decisions, and cross-source event ingestion.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/storage"
)

// portSample is one point-in-time set of counters for a single port.
type portSample struct {
	rxBytes   uint64
	txBytes   uint64
	rxPackets uint64
	txPackets uint64
	rxErrors  uint64
	txErrors  uint64
	takenAt   time.Time
}

// PortBandwidth is the derived per-port rate between two samples.
type PortBandwidth struct {
	PortNo    string  `json:"port_no"`
	RxMbps    float64 `json:"rx_mbps"`
	TxMbps    float64 `json:"tx_mbps"`
	TotalMbps float64 `json:"total_mbps"`
	RxErrors  uint64  `json:"rx_errors"`
	TxErrors  uint64  `json:"tx_errors"`
}

// NetworkMonitor maintains the live topology view and derives per-port
// bandwidth from successive counter snapshots.
type NetworkMonitor struct {
	sdn    *sdnclient.Client
	store  *storage.Store
	logger *slog.Logger

	// Mutated only by the monitor's own loop; keyed "<dpid>-<port_no>".
	portHistory map[string]portSample
	knownDPIDs  map[string]bool
}

// NewNetworkMonitor builds the monitor around the controller client.
func NewNetworkMonitor(sdn *sdnclient.Client, store *storage.Store, logger *slog.Logger) *NetworkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkMonitor{
		sdn:         sdn,
		store:       store,
		logger:      logger.With("component", "network_monitor"),
		portHistory: map[string]portSample{},
		knownDPIDs:  map[string]bool{},
	}
}

// Name identifies the monitor in scheduler logs.
func (m *NetworkMonitor) Name() string { return "network" }

// DeltaMbps computes a non-negative megabit rate from a byte delta over
// elapsed seconds. Non-positive elapsed time yields 0.
func DeltaMbps(deltaBytes int64, elapsedSec float64) float64 {
	if elapsedSec <= 0 || deltaBytes <= 0 {
		return 0
	}
	return float64(deltaBytes) * 8 / (elapsedSec * 1_000_000)
}

// Collect samples port counters on every switch, derives bandwidth against
// the previous snapshot and stores one network metric.
func (m *NetworkMonitor) Collect(ctx context.Context) error {
	started := time.Now()
	switches, err := m.sdn.GetSwitches(ctx)
	if err != nil {
		m.store.StoreMetric("network", map[string]any{
			"status":           "degraded",
			"error":            err.Error(),
			"switches_count":   0,
			"source_component": storage.SourceNetwork,
		})
		return err
	}
	controllerLatencyMs := float64(time.Since(started).Microseconds()) / 1000

	m.trackSwitchChanges(switches)

	now := time.Now()
	perSwitch := map[string]any{}
	var networkRx, networkTx float64
	var activeTotals []float64
	var totalErrors uint64
	totalFlows := 0

	for _, sw := range switches {
		stats, err := m.sdn.GetPortStats(ctx, sw.DPIDInt)
		if err != nil {
			m.logger.Warn("port stats fetch failed", "dpid", sw.DPID, "error", err)
			continue
		}

		ports := make([]PortBandwidth, 0, len(stats))
		var swRx, swTx float64
		for _, ps := range stats {
			portNo := fmt.Sprint(ps.PortNo)
			key := sw.DPID + "-" + portNo
			sample := portSample{
				rxBytes:   ps.RxBytes,
				txBytes:   ps.TxBytes,
				rxPackets: ps.RxPackets,
				txPackets: ps.TxPackets,
				rxErrors:  ps.RxErrors,
				txErrors:  ps.TxErrors,
				takenAt:   now,
			}

			prev, seen := m.portHistory[key]
			m.portHistory[key] = sample
			if !seen {
				continue
			}

			elapsed := now.Sub(prev.takenAt).Seconds()
			bw := PortBandwidth{
				PortNo:   portNo,
				RxMbps:   DeltaMbps(int64(ps.RxBytes)-int64(prev.rxBytes), elapsed),
				TxMbps:   DeltaMbps(int64(ps.TxBytes)-int64(prev.txBytes), elapsed),
				RxErrors: ps.RxErrors,
				TxErrors: ps.TxErrors,
			}
			bw.TotalMbps = bw.RxMbps + bw.TxMbps
			ports = append(ports, bw)

			swRx += bw.RxMbps
			swTx += bw.TxMbps
			totalErrors += ps.RxErrors + ps.TxErrors
			if bw.TotalMbps > 0 {
				activeTotals = append(activeTotals, bw.TotalMbps)
			}
		}

		flows, err := m.sdn.GetFlowStats(ctx, sw.DPIDInt)
		if err != nil {
			m.logger.Warn("flow stats fetch failed", "dpid", sw.DPID, "error", err)
		}
		totalFlows += len(flows)

		perSwitch[sw.DPID] = map[string]any{
			"dpid":       sw.DPID,
			"rx_mbps":    swRx,
			"tx_mbps":    swTx,
			"total_mbps": swRx + swTx,
			"ports":      ports,
			"flow_count": len(flows),
		}
		networkRx += swRx
		networkTx += swTx
	}

	// Active-port averaging: only ports carrying traffic contribute, so
	// idle ports cannot dilute the average toward zero.
	var averageMbps float64
	if len(activeTotals) > 0 {
		var sum float64
		for _, v := range activeTotals {
			sum += v
		}
		averageMbps = sum / float64(len(activeTotals))
	}

	score, factors := HealthScore(controllerLatencyMs, averageMbps, int(totalErrors), totalFlows)

	m.store.StoreMetric("network", map[string]any{
		"source_component": storage.SourceNetwork,
		"switches_count":   len(switches),
		"total_mbps":       networkRx + networkTx,
		"rx_mbps":          networkRx,
		"tx_mbps":          networkTx,
		"average_mbps":     averageMbps,
		"active_ports":     len(activeTotals),
		"total_errors":     totalErrors,
		"flow_count":       totalFlows,
		"avg_latency_ms":   controllerLatencyMs,
		"switches":         perSwitch,
		"health_score":     score,
		"health_status":    HealthStatus(score),
		"health_factors":   factors,
		"status":           "ok",
	})
	return nil
}

// trackSwitchChanges logs DPID set changes and purges port history of
// vanished switches so stale keys cannot leak.
func (m *NetworkMonitor) trackSwitchChanges(switches []sdnclient.Switch) {
	current := make(map[string]bool, len(switches))
	for _, sw := range switches {
		current[sw.DPID] = true
		if !m.knownDPIDs[sw.DPID] && len(m.knownDPIDs) > 0 {
			m.logger.Info("switch joined", "dpid", sw.DPID)
		}
	}
	for dpid := range m.knownDPIDs {
		if current[dpid] {
			continue
		}
		m.logger.Info("switch departed", "dpid", dpid)
		for key := range m.portHistory {
			if strings.HasPrefix(key, dpid+"-") {
				delete(m.portHistory, key)
			}
		}
	}
	m.knownDPIDs = current
}

// Topology is the assembled live view served by the API.
type Topology struct {
	Nodes     []map[string]any `json:"nodes"`
	Links     []map[string]any `json:"links"`
	Switches  []map[string]any `json:"switches"`
	Hosts     []map[string]any `json:"hosts"`
	Timestamp string           `json:"timestamp"`
}

// EmptyTopology returns a well-shaped empty view; topology endpoints never
// answer 404.
func EmptyTopology() *Topology {
	return &Topology{
		Nodes:     []map[string]any{},
		Links:     []map[string]any{},
		Switches:  []map[string]any{},
		Hosts:     []map[string]any{},
		Timestamp: storage.NowISO(),
	}
}

// GetLiveTopology queries switches, links and hosts concurrently and
// assembles the dashboard topology shape.
func (m *NetworkMonitor) GetLiveTopology(ctx context.Context) *Topology {
	var (
		wg       sync.WaitGroup
		switches []sdnclient.Switch
		links    []sdnclient.TopologyLink
		hosts    []sdnclient.TopologyHost
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		var err error
		if switches, err = m.sdn.GetSwitches(ctx); err != nil {
			m.logger.Warn("live topology: switches query failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if links, err = m.sdn.GetTopologyLinks(ctx); err != nil {
			// Some controller apps do not serve /topology/links at all.
			m.logger.Info("live topology: links endpoint unavailable", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if hosts, err = m.sdn.GetTopologyHosts(ctx); err != nil {
			m.logger.Info("live topology: hosts endpoint unavailable", "error", err)
		}
	}()
	wg.Wait()

	topo := EmptyTopology()
	for _, sw := range switches {
		node := map[string]any{"id": sw.DPID, "type": "switch", "dpid": sw.DPID}
		topo.Switches = append(topo.Switches, node)
		topo.Nodes = append(topo.Nodes, node)
	}
	for _, h := range hosts {
		node := map[string]any{"id": h.MAC, "type": "host", "mac": h.MAC}
		if ip := ExtractIPv4(h.IPv4); ip != "" {
			node["ip"] = ip
		}
		topo.Hosts = append(topo.Hosts, node)
		topo.Nodes = append(topo.Nodes, node)

		if dpid, ok := h.Port["dpid"]; ok {
			if canonical, err := sdnclient.NormalizeDPID(dpid); err == nil {
				topo.Links = append(topo.Links, map[string]any{
					"source": h.MAC,
					"target": canonical,
					"type":   "direct",
				})
			}
		}
	}
	for _, l := range links {
		src := endpointDPID(l.Src)
		dst := endpointDPID(l.Dst)
		if src == "" || dst == "" {
			continue
		}
		topo.Links = append(topo.Links, map[string]any{
			"source": src,
			"target": dst,
			"type":   "direct",
		})
	}
	sort.Slice(topo.Switches, func(i, j int) bool {
		return fmt.Sprint(topo.Switches[i]["id"]) < fmt.Sprint(topo.Switches[j]["id"])
	})
	return topo
}

// ExtractIPv4 pulls an address from the diverse host shapes controllers
// emit: plain strings or objects with an "address" field.
func ExtractIPv4(entries []any) string {
	for _, e := range entries {
		switch v := e.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if addr, ok := v["address"].(string); ok && addr != "" {
				return addr
			}
		}
	}
	return ""
}

func endpointDPID(endpoint map[string]any) string {
	if endpoint == nil {
		return ""
	}
	if dpid, ok := endpoint["dpid"]; ok {
		if canonical, err := sdnclient.NormalizeDPID(dpid); err == nil {
			return canonical
		}
	}
	return ""
}

// ============================================================================
// HEALTH SCORE
// ============================================================================

// HealthScore computes the 0-100 network health score with its explicit
// factor-impact breakdown: latency above 50ms, average bandwidth below
// 10Mbps, accumulated port errors, and a flow-count band (zero flows or
// more than a thousand both cost points).
func HealthScore(avgLatencyMs, avgBandwidthMbps float64, totalErrors, flowCount int) (float64, map[string]float64) {
	score := 100.0
	factors := map[string]float64{}

	if avgLatencyMs > 50 {
		impact := min((avgLatencyMs-50)/2, 30)
		score -= impact
		factors["latency"] = impact
	}
	if avgBandwidthMbps < 10 {
		impact := min((10-avgBandwidthMbps)*2, 20)
		score -= impact
		factors["bandwidth"] = impact
	}
	if totalErrors > 0 {
		impact := min(float64(totalErrors)/10, 25)
		score -= impact
		factors["errors"] = impact
	}
	switch {
	case flowCount == 0:
		score -= 10
		factors["flows"] = 10
	case flowCount > 1000:
		impact := min(float64(flowCount-1000)/100, 10)
		score -= impact
		factors["flows"] = impact
	}

	if score < 0 {
		score = 0
	}
	return score, factors
}

// HealthStatus maps a score to its dashboard label.
func HealthStatus(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 55:
		return "fair"
	case score >= 30:
		return "poor"
	default:
		return "critical"
	}
}
