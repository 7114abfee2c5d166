package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flstack/netplane/internal/monitor"
	"github.com/flstack/netplane/internal/storage"
)

// maxPageLimit bounds /api/metrics and /api/events pagination.
const maxPageLimit = 1000

// eventScanCap bounds how many events /api/events/summary aggregates
// before switching to sampling extrapolation.
const eventScanCap = 5000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "netplane-collector",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      storage.NowISO(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"service":        "netplane-collector",
		"api_version":    APIVersion,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"training_mode":  s.cfg.TrainingMode,
		"storage": map[string]any{
			"path":    s.store.Path(),
			"metrics": s.store.CountMetrics(storage.MetricFilter{}),
			"events":  s.store.CountEvents(storage.EventFilter{}),
		},
		"policy_engine_connected": s.pe.CheckPolicyEngineStatus(),
		"timestamp":               storage.NowISO(),
	}
	if s.flMon != nil {
		lastEventID, lastRoundCheck := s.flMon.Cursors()
		out["fl_monitor"] = map[string]any{
			"last_event_id":     lastEventID,
			"last_round_check":  lastRoundCheck,
			"training_complete": s.flMon.TrainingComplete(),
		}
	}
	if s.limiter != nil {
		out["rate_limiter"] = s.limiter.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "netplane-collector",
		"api_version": APIVersion,
		"endpoints": []string{
			"/api/metrics",
			"/api/metrics/latest",
			"/api/metrics/fl",
			"/api/metrics/fl/rounds",
			"/api/metrics/fl/status",
			"/api/metrics/fl/config",
			"/api/events",
			"/api/events/summary",
			"/api/policy/decisions",
			"/api/policy/validate",
			"/api/network/topology",
			"/api/network/topology/live",
			"/api/network/flows",
			"/api/performance/metrics",
			"/api/flows/statistics",
			"/api/debug/optimize",
			"/socket.io/",
		},
	})
}

// ============================================================================
// METRICS
// ============================================================================

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	filter := storage.MetricFilter{
		TypeFilter:      r.URL.Query().Get("type"),
		SourceComponent: r.URL.Query().Get("source_component"),
		StartTime:       r.URL.Query().Get("start"),
		EndTime:         r.URL.Query().Get("end"),
		Limit:           limit,
		Offset:          offset,
		SortDesc:        r.URL.Query().Get("sort_order") != "asc",
	}

	rows := s.store.LoadMetrics(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": rows,
		"count":   len(rows),
		"total":   s.store.CountMetrics(filter),
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleMetricsLatest(w http.ResponseWriter, r *http.Request) {
	metricType := r.URL.Query().Get("type")

	if metricType == "" || metricType == "fl_server" {
		rec, ok := s.store.GetLatestFLMetrics()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"metric_type": "fl_server",
				"status":      "idle",
				"data":        map[string]any{},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"metric_type": rec.MetricType,
			"timestamp":   rec.Timestamp,
			"status":      deriveTrainingStatus(rec.Data),
			"data":        rec.Data,
		})
		return
	}

	rows := s.store.LoadMetrics(storage.MetricFilter{TypeFilter: metricType, Limit: 1, SortDesc: true})
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no metrics of type "+metricType)
		return
	}
	writeJSON(w, http.StatusOK, rows[0])
}

// deriveTrainingStatus maps a fl_server snapshot to the dashboard status
// vocabulary.
func deriveTrainingStatus(data map[string]any) string {
	if complete, _ := data["training_complete"].(bool); complete {
		return "complete"
	}
	if status, ok := data["status"].(string); ok {
		switch status {
		case "evaluating", "aggregating", "training", "idle":
			return status
		}
	}
	if active, ok := data["training_active"].(bool); ok && active {
		return "training_active"
	}
	if round, ok := storage.ToInt(data["current_round"]); ok && round > 0 {
		return "training"
	}
	return "idle"
}

// ============================================================================
// EVENTS
// ============================================================================

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	filter := storage.EventFilter{
		SourceComponent: r.URL.Query().Get("component"),
		EventType:       r.URL.Query().Get("type"),
		EventLevel:      r.URL.Query().Get("level"),
		StartTime:       r.URL.Query().Get("start"),
		EndTime:         r.URL.Query().Get("end"),
		SinceID:         int64(queryInt(r, "since_id", 0)),
		Limit:           limit,
		Offset:          queryInt(r, "offset", 0),
		SortDesc:        r.URL.Query().Get("sort_order") != "asc",
	}

	events := s.store.LoadEvents(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"total":  s.store.CountEvents(filter),
		"limit":  limit,
	})
}

// handleEventsSummary aggregates events by level, component and type. When
// the match count exceeds the scan cap only a sample is aggregated and the
// counts are extrapolated.
func (s *Server) handleEventsSummary(w http.ResponseWriter, r *http.Request) {
	filter := storage.EventFilter{
		SourceComponent: r.URL.Query().Get("component"),
		EventLevel:      r.URL.Query().Get("level"),
		StartTime:       r.URL.Query().Get("start"),
		EndTime:         r.URL.Query().Get("end"),
	}

	total := s.store.CountEvents(filter)
	filter.Limit = eventScanCap
	filter.SortDesc = true
	events := s.store.LoadEvents(filter)

	byLevel := map[string]int{}
	byComponent := map[string]int{}
	byType := map[string]int{}
	for _, ev := range events {
		byLevel[ev.EventLevel]++
		byComponent[ev.SourceComponent]++
		byType[ev.EventType]++
	}

	sampled := total > len(events) && len(events) > 0
	if sampled {
		factor := float64(total) / float64(len(events))
		for k, v := range byLevel {
			byLevel[k] = int(float64(v) * factor)
		}
		for k, v := range byComponent {
			byComponent[k] = int(float64(v) * factor)
		}
		for k, v := range byType {
			byType[k] = int(float64(v) * factor)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_events": total,
		"scanned":      len(events),
		"sampled":      sampled,
		"by_level":     byLevel,
		"by_component": byComponent,
		"by_type":      byType,
		"timestamp":    storage.NowISO(),
	})
}

// ============================================================================
// POLICY PROXIES
// ============================================================================

func (s *Server) handlePolicyDecisions(w http.ResponseWriter, r *http.Request) {
	raw, err := s.pe.ProxyDecisions(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadGateway, "policy engine unavailable: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) handlePolicyValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "policy type required")
		return
	}

	result, err := s.pe.ValidatePolicy(r.Context(), body.Type, body.Data)
	if err != nil {
		writeError(w, http.StatusBadGateway, "policy engine unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// NETWORK
// ============================================================================

// handleTopology builds the topology view from the latest stored network
// metric. Absence of data answers an empty, well-shaped topology.
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	rows := s.store.LoadMetrics(storage.MetricFilter{TypeFilter: "network", Limit: 1, SortDesc: true})
	if len(rows) == 0 {
		writeJSON(w, http.StatusOK, monitor.EmptyTopology())
		return
	}

	data := rows[0].Data
	topo := monitor.EmptyTopology()
	topo.Timestamp = rows[0].Timestamp

	if switches, ok := data["switches"].(map[string]any); ok {
		for dpid, raw := range switches {
			node := map[string]any{"id": dpid, "type": "switch", "dpid": dpid}
			if sw, ok := raw.(map[string]any); ok {
				node["total_mbps"] = sw["total_mbps"]
				node["flow_count"] = sw["flow_count"]
			}
			topo.Switches = append(topo.Switches, node)
			topo.Nodes = append(topo.Nodes, node)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":        topo.Nodes,
		"links":        topo.Links,
		"switches":     topo.Switches,
		"hosts":        topo.Hosts,
		"health_score": data["health_score"],
		"total_mbps":   data["total_mbps"],
		"timestamp":    topo.Timestamp,
	})
}

func (s *Server) handleTopologyLive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.network.GetLiveTopology(ctx))
}

func (s *Server) handleNetworkFlows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	switches, err := s.sdn.GetSwitches(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"flows":     map[string]any{},
			"total":     0,
			"error":     err.Error(),
			"timestamp": storage.NowISO(),
		})
		return
	}

	flows := map[string]any{}
	total := 0
	for _, sw := range switches {
		entries, err := s.sdn.GetFlowStats(ctx, sw.DPIDInt)
		if err != nil {
			s.logger.Warn("flow stats unavailable", "dpid", sw.DPID, "error", err)
			continue
		}
		flows[sw.DPID] = entries
		total += len(entries)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flows":     flows,
		"total":     total,
		"switches":  len(switches),
		"timestamp": storage.NowISO(),
	})
}

// handlePerformance recomputes the health score from the latest stored
// network metric so the breakdown is always explicit.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	rows := s.store.LoadMetrics(storage.MetricFilter{TypeFilter: "network", Limit: 1, SortDesc: true})
	if len(rows) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"health_score":  0,
			"health_status": "unknown",
			"factors":       map[string]any{},
			"timestamp":     storage.NowISO(),
		})
		return
	}

	data := rows[0].Data
	latency, _ := storage.ToFloat(data["avg_latency_ms"])
	bandwidth, _ := storage.ToFloat(data["average_mbps"])
	errCount, _ := storage.ToInt(data["total_errors"])
	flowCount, _ := storage.ToInt(data["flow_count"])

	score, factors := monitor.HealthScore(latency, bandwidth, errCount, flowCount)
	writeJSON(w, http.StatusOK, map[string]any{
		"health_score":  score,
		"health_status": monitor.HealthStatus(score),
		"factors":       factors,
		"inputs": map[string]any{
			"avg_latency_ms": latency,
			"average_mbps":   bandwidth,
			"total_errors":   errCount,
			"flow_count":     flowCount,
		},
		"timestamp": rows[0].Timestamp,
	})
}

func (s *Server) handleFlowStatistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	switches, err := s.sdn.GetSwitches(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "sdn controller unavailable: "+err.Error())
		return
	}

	perSwitch := map[string]any{}
	totalFlows := 0
	activeFlows := 0
	for _, sw := range switches {
		entries, err := s.sdn.GetFlowStats(ctx, sw.DPIDInt)
		if err != nil {
			continue
		}
		active := 0
		for _, e := range entries {
			if e.PacketCount > 0 {
				active++
			}
		}
		perSwitch[sw.DPID] = map[string]any{
			"total_flows":  len(entries),
			"active_flows": active,
		}
		totalFlows += len(entries)
		activeFlows += active
	}

	efficiency := 0.0
	if totalFlows > 0 {
		efficiency = float64(activeFlows) / float64(totalFlows) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"switches":              perSwitch,
		"total_flows":           totalFlows,
		"active_flows":          activeFlows,
		"efficiency_percentage": efficiency,
		"efficiency_rating":     efficiencyRating(efficiency),
		"timestamp":             storage.NowISO(),
	})
}

func efficiencyRating(pct float64) string {
	switch {
	case pct >= 80:
		return "excellent"
	case pct >= 60:
		return "good"
	case pct >= 40:
		return "fair"
	default:
		return "poor"
	}
}

// handleOptimize manually triggers retention cleanup and VACUUM.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	if err := s.store.Cleanup(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("cleanup failed: %v", err))
		return
	}
	if err := s.store.Optimize(); err != nil {
		s.logger.Warn("optimize pass failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"duration_ms": float64(time.Since(started).Microseconds()) / 1000,
		"timestamp":   storage.NowISO(),
	})
}
