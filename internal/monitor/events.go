package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/flstack/netplane/internal/httpretry"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/selfmetrics"
	"github.com/flstack/netplane/internal/storage"
)

// EventMonitor ingests events from every upstream, synthesizes events from
// observed state changes, and records a collector self-event per pass.
// Each poll target sits behind a breaker so a dead upstream is probed, not
// hammered, every tick.
type EventMonitor struct {
	fl      *FLClient
	pe      *policyclient.Client
	sdn     *sdnclient.Client
	network *NetworkMonitor
	store   *storage.Store
	metrics *selfmetrics.Metrics
	logger  *slog.Logger
	http    *http.Client

	breakers map[string]*httpretry.Breaker

	// State mutated only by the monitor's own loop.
	flEventCursor     int64
	peEventCursor     int64
	completionEmitted bool
	lastSwitchCount   int
	switchCountKnown  bool
	prevNodes         map[string]bool
	prevLinks         map[string]bool
	topologyKnown     bool
}

// NewEventMonitor wires the monitor to all four upstreams.
func NewEventMonitor(fl *FLClient, pe *policyclient.Client, sdn *sdnclient.Client, network *NetworkMonitor, store *storage.Store, metrics *selfmetrics.Metrics, logger *slog.Logger) *EventMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	targets := []string{"fl_server", "policy_engine", "sdn_controller", "network"}
	breakers := make(map[string]*httpretry.Breaker, len(targets))
	for _, t := range targets {
		breakers[t] = httpretry.NewBreaker(5, 60*time.Second)
	}
	return &EventMonitor{
		fl:       fl,
		pe:       pe,
		sdn:      sdn,
		network:  network,
		store:    store,
		metrics:  metrics,
		logger:   logger.With("component", "event_monitor"),
		http:     &http.Client{Timeout: 10 * time.Second},
		breakers: breakers,
	}
}

// Name identifies the monitor in scheduler logs.
func (m *EventMonitor) Name() string { return "events" }

// Collect runs one ingestion pass over all sources.
func (m *EventMonitor) Collect(ctx context.Context) error {
	var firstErr error
	passes := []struct {
		target string
		fn     func(context.Context) error
	}{
		{"fl_server", m.collectFLEvents},
		{"policy_engine", m.collectPolicyEvents},
		{"sdn_controller", m.collectSDNEvents},
		{"network", m.collectNetworkEvents},
	}

	for _, p := range passes {
		br := m.breakers[p.target]
		if err := br.Allow(); err != nil {
			continue
		}
		started := time.Now()
		err := p.fn(ctx)
		duration := time.Since(started)
		br.Record(err == nil)
		m.recordPass(p.target, duration, err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recordPass writes the collector self-event and self-metrics for one
// target pass.
func (m *EventMonitor) recordPass(target string, duration time.Duration, err error) {
	eventType := "POLL_TARGET_SUCCESS"
	level := storage.LevelInfo
	details := map[string]any{
		"target":      target,
		"duration_ms": float64(duration.Microseconds()) / 1000,
	}
	outcome := "success"
	if err != nil {
		eventType = "POLL_TARGET_FAILURE"
		level = storage.LevelWarning
		details["error"] = err.Error()
		outcome = "failure"
	}
	m.store.StoreEvent(storage.Event{
		SourceComponent: storage.SourceCollector,
		EventType:       eventType,
		EventLevel:      level,
		Message:         fmt.Sprintf("poll %s: %s", target, outcome),
		Details:         details,
	})
	if m.metrics != nil {
		m.metrics.PollTotal.WithLabelValues(target, outcome).Inc()
		m.metrics.PollDuration.WithLabelValues(target).Observe(duration.Seconds())
	}
}

// ============================================================================
// FL SERVER
// ============================================================================

func (m *EventMonitor) collectFLEvents(ctx context.Context) error {
	page, err := m.fl.Events(ctx, m.flEventCursor, 200)
	if err != nil {
		return err
	}
	for _, raw := range page.Events {
		m.store.StoreEvent(normalizeUpstreamEvent(raw, storage.SourceFLServer, "FL_SERVER"))
	}
	if page.LastEventID > 0 {
		m.flEventCursor = page.LastEventID
	}

	status, err := m.fl.Status(ctx)
	if err != nil {
		return err
	}
	m.synthesizeFLEvents(status)
	return nil
}

// synthesizeFLEvents derives warning/completion events from the status
// document rather than the event stream.
func (m *EventMonitor) synthesizeFLEvents(status map[string]any) {
	currentRound, _ := storage.ToInt(status["current_round"])
	clients, clientsOK := storage.ToInt(status["connected_clients"])

	if currentRound > 0 && clientsOK && clients < 2 {
		m.store.StoreEvent(storage.Event{
			SourceComponent: storage.SourceFLServer,
			EventType:       "LOW_CLIENT_COUNT",
			EventLevel:      storage.LevelWarning,
			Message:         fmt.Sprintf("training round %d running with %d connected clients", currentRound, clients),
			Details:         map[string]any{"current_round": currentRound, "connected_clients": clients},
		})
	}

	complete, _ := status["training_complete"].(bool)
	if complete && !m.completionEmitted {
		m.completionEmitted = true
		m.store.StoreEvent(storage.Event{
			SourceComponent: storage.SourceFLServer,
			EventType:       "TRAINING_COMPLETED",
			EventLevel:      storage.LevelInfo,
			Message:         "federated training reported complete",
			Details:         status,
		})
	}
}

// ============================================================================
// POLICY ENGINE
// ============================================================================

func (m *EventMonitor) collectPolicyEvents(ctx context.Context) error {
	q := url.Values{"limit": {"200"}}
	if m.peEventCursor > 0 {
		q.Set("since_event_id", fmt.Sprint(m.peEventCursor))
	}
	var page struct {
		Events      []map[string]any `json:"events"`
		LastEventID int64            `json:"last_event_id"`
	}
	if err := httpretry.GetJSON(ctx, m.http, m.pe.BaseURL()+"/events?"+q.Encode(), &page); err != nil {
		return err
	}

	for _, raw := range page.Events {
		ev := normalizeUpstreamEvent(raw, storage.SourcePolicyEngine, "POLICY_ENGINE")
		// Denials are worth surfacing even when the engine tags them INFO.
		if decision, ok := raw["decision"].(string); ok {
			if decision == "denied" || decision == "unauthorized" {
				ev.EventLevel = storage.LevelWarning
			}
		}
		m.store.StoreEvent(ev)
	}
	if page.LastEventID > 0 {
		m.peEventCursor = page.LastEventID
	}
	return nil
}

// ============================================================================
// SDN CONTROLLER
// ============================================================================

func (m *EventMonitor) collectSDNEvents(ctx context.Context) error {
	switches, err := m.sdn.GetSwitches(ctx)
	if err != nil {
		eventType := "SWITCH_QUERY_FAILED"
		if isUnreachable(err) {
			eventType = "CONTROLLER_UNREACHABLE"
		}
		m.store.StoreEvent(storage.Event{
			SourceComponent: storage.SourceSDNController,
			EventType:       eventType,
			EventLevel:      storage.LevelError,
			Message:         "sdn controller switch query failed",
			Details:         map[string]any{"error": err.Error()},
		})
		return err
	}

	dpids := make([]string, 0, len(switches))
	for _, sw := range switches {
		dpids = append(dpids, sw.DPID)

		// A switch listed by the controller whose detail query fails has a
		// degraded control channel. Distinct from SWITCH_QUERY_FAILED,
		// which covers the list query itself.
		if _, err := m.sdn.GetPortDesc(ctx, sw.DPIDInt); err != nil {
			m.store.StoreEvent(storage.Event{
				SourceComponent: storage.SourceSDNController,
				EventType:       "SWITCH_CONNECTION_ERROR",
				EventLevel:      storage.LevelWarning,
				Message:         "switch detail query failed: " + sw.DPID,
				Details:         map[string]any{"dpid": sw.DPID, "error": err.Error()},
			})
		}
	}

	level := storage.LevelInfo
	if len(switches) == 0 {
		level = storage.LevelWarning
	}
	snapshot := map[string]any{"switch_count": len(switches), "switches": dpids}

	links, err := m.sdn.GetTopologyLinks(ctx)
	if err != nil {
		m.store.StoreEvent(storage.Event{
			SourceComponent: storage.SourceSDNController,
			EventType:       "LINKS_ENDPOINT_UNAVAILABLE",
			EventLevel:      storage.LevelInfo,
			Message:         "topology links endpoint unavailable",
			Details:         map[string]any{"error": err.Error()},
		})
	} else {
		snapshot["link_count"] = len(links)
	}
	if hosts, err := m.sdn.GetTopologyHosts(ctx); err == nil {
		snapshot["host_count"] = len(hosts)
	}

	m.store.StoreEvent(storage.Event{
		SourceComponent: storage.SourceSDNController,
		EventType:       "TOPOLOGY_SNAPSHOT",
		EventLevel:      level,
		Message:         fmt.Sprintf("topology snapshot: %d switches", len(switches)),
		Details:         snapshot,
	})

	if len(switches) == 0 {
		m.store.StoreEvent(storage.Event{
			SourceComponent: storage.SourceSDNController,
			EventType:       "NO_SWITCHES_DETECTED",
			EventLevel:      storage.LevelWarning,
			Message:         "controller reports zero connected switches",
		})
	}
	if m.switchCountKnown && len(switches) != m.lastSwitchCount {
		m.store.StoreEvent(storage.Event{
			SourceComponent: storage.SourceSDNController,
			EventType:       "SWITCH_COUNT_CHANGED",
			EventLevel:      storage.LevelWarning,
			Message:         fmt.Sprintf("switch count changed %d -> %d", m.lastSwitchCount, len(switches)),
			Details:         map[string]any{"previous": m.lastSwitchCount, "current": len(switches)},
		})
	}
	m.lastSwitchCount = len(switches)
	m.switchCountKnown = true
	return nil
}

// ============================================================================
// NETWORK DIFF
// ============================================================================

func (m *EventMonitor) collectNetworkEvents(ctx context.Context) error {
	topo := m.network.GetLiveTopology(ctx)

	nodes := make(map[string]bool, len(topo.Nodes))
	for _, n := range topo.Nodes {
		nodes[fmt.Sprint(n["id"])] = true
	}
	links := make(map[string]bool, len(topo.Links))
	for _, l := range topo.Links {
		links[fmt.Sprintf("%v->%v", l["source"], l["target"])] = true
	}

	if m.topologyKnown {
		for id := range nodes {
			if !m.prevNodes[id] {
				m.emitDiff("NODE_CONNECTED", "node connected: "+id, map[string]any{"node": id})
			}
		}
		for id := range m.prevNodes {
			if !nodes[id] {
				m.emitDiff("NODE_DISCONNECTED", "node disconnected: "+id, map[string]any{"node": id})
			}
		}
		for id := range links {
			if !m.prevLinks[id] {
				m.emitDiff("LINK_ADDED", "link added: "+id, map[string]any{"link": id})
			}
		}
		for id := range m.prevLinks {
			if !links[id] {
				m.emitDiff("LINK_REMOVED", "link removed: "+id, map[string]any{"link": id})
			}
		}
	}

	m.prevNodes = nodes
	m.prevLinks = links
	m.topologyKnown = true
	return nil
}

func (m *EventMonitor) emitDiff(eventType, message string, details map[string]any) {
	level := storage.LevelInfo
	if eventType == "NODE_DISCONNECTED" || eventType == "LINK_REMOVED" {
		level = storage.LevelWarning
	}
	m.store.StoreEvent(storage.Event{
		SourceComponent: storage.SourceNetwork,
		EventType:       eventType,
		EventLevel:      level,
		Message:         message,
		Details:         details,
	})
}

// normalizeUpstreamEvent maps a raw upstream event dict into the storage
// shape, normalizing non-ISO timestamps on the way in.
func normalizeUpstreamEvent(raw map[string]any, source, idPrefix string) storage.Event {
	ev := storage.Event{
		SourceComponent: source,
		Details:         raw,
	}
	if id, ok := raw["event_id"]; ok {
		ev.EventID = fmt.Sprintf("%s-%v", idPrefix, id)
	} else if id, ok := raw["id"]; ok {
		ev.EventID = fmt.Sprintf("%s-%v", idPrefix, id)
	}
	switch ts := raw["timestamp"].(type) {
	case string:
		ev.Timestamp = storage.NormalizeTimestamp(ts)
	case float64:
		ev.Timestamp = storage.UnixToISO(ts)
	}
	if t, ok := raw["event_type"].(string); ok {
		ev.EventType = t
	} else if t, ok := raw["type"].(string); ok {
		ev.EventType = t
	}
	if lvl, ok := raw["event_level"].(string); ok {
		ev.EventLevel = lvl
	} else if lvl, ok := raw["level"].(string); ok {
		ev.EventLevel = lvl
	}
	if msg, ok := raw["message"].(string); ok {
		ev.Message = msg
	}
	return ev
}

func isUnreachable(err error) bool {
	return errors.Is(err, sdnclient.ErrControllerUnreachable)
}
