package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ============================================================================
// BANDWIDTH MATH
// ============================================================================

func TestDeltaMbps(t *testing.T) {
	// 1,250,000 bytes in 1s is exactly 10 Mbit/s.
	assert.InDelta(t, 10.0, DeltaMbps(1_250_000, 1.0), 1e-9)
	assert.InDelta(t, 5.0, DeltaMbps(1_250_000, 2.0), 1e-9)

	// Counter resets and stopped clocks yield zero, never negatives.
	assert.Zero(t, DeltaMbps(-500, 1.0))
	assert.Zero(t, DeltaMbps(1000, 0))
	assert.Zero(t, DeltaMbps(1000, -1))
}

func TestHealthScore(t *testing.T) {
	// Healthy baseline: nothing deducts.
	score, factors := HealthScore(10, 50, 0, 100)
	assert.Equal(t, 100.0, score)
	assert.Empty(t, factors)

	// 100ms latency costs 25, 8Mbps costs 4, 50 errors cost 5,
	// zero flows cost 10: 100-25-4-5-10 = 56, "fair".
	score, factors = HealthScore(100, 8, 50, 0)
	assert.InDelta(t, 56.0, score, 1e-9)
	assert.InDelta(t, 25.0, factors["latency"], 1e-9)
	assert.InDelta(t, 4.0, factors["bandwidth"], 1e-9)
	assert.InDelta(t, 5.0, factors["errors"], 1e-9)
	assert.InDelta(t, 10.0, factors["flows"], 1e-9)
	assert.Equal(t, "fair", HealthStatus(score))

	// Every factor caps out; the score floors at zero.
	score, factors = HealthScore(10_000, 0, 10_000, 50_000)
	assert.Equal(t, 0.0, score)
	assert.InDelta(t, 30.0, factors["latency"], 1e-9)
	assert.InDelta(t, 20.0, factors["bandwidth"], 1e-9)
	assert.InDelta(t, 25.0, factors["errors"], 1e-9)
	assert.InDelta(t, 10.0, factors["flows"], 1e-9)
	assert.Equal(t, "critical", HealthStatus(score))

	assert.Equal(t, "excellent", HealthStatus(95))
	assert.Equal(t, "good", HealthStatus(80))
	assert.Equal(t, "poor", HealthStatus(40))
}

// ============================================================================
// NETWORK MONITOR
// ============================================================================

type sdnMock struct {
	mu           sync.Mutex
	switches     []any
	portStats    map[string][]map[string]any
	failPortDesc map[string]bool
}

func (s *sdnMock) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats/switches", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, s.switches)
	})
	mux.HandleFunc("/stats/port/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		dpid := r.URL.Path[len("/stats/port/"):]
		writeJSON(w, map[string]any{dpid: s.portStats[dpid]})
	})
	mux.HandleFunc("/stats/flow/", func(w http.ResponseWriter, r *http.Request) {
		dpid := r.URL.Path[len("/stats/flow/"):]
		writeJSON(w, map[string]any{dpid: []map[string]any{
			{"priority": 0, "match": map[string]any{}},
		}})
	})
	mux.HandleFunc("/stats/portdesc/", func(w http.ResponseWriter, r *http.Request) {
		dpid := r.URL.Path[len("/stats/portdesc/"):]
		s.mu.Lock()
		fail := s.failPortDesc[dpid]
		s.mu.Unlock()
		if fail {
			http.Error(w, "no such datapath", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{dpid: []map[string]any{{"port_no": 1, "name": "eth1"}}})
	})
	return mux
}

func (s *sdnMock) setPort(dpid string, stats []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portStats[dpid] = stats
}

func TestNetworkCollectActivePortAveraging(t *testing.T) {
	mock := &sdnMock{
		switches: []any{1},
		portStats: map[string][]map[string]any{
			"1": {
				{"port_no": 1, "rx_bytes": 1000, "tx_bytes": 1000},
				{"port_no": 2, "rx_bytes": 5000, "tx_bytes": 5000},
			},
		},
	}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	store := newTestStore(t)
	nm := NewNetworkMonitor(sdnclient.New(srv.URL, nil), store, nil)

	// First pass only seeds the counter history.
	require.NoError(t, nm.Collect(context.Background()))

	// Port 1 moves, port 2 stays idle.
	mock.setPort("1", []map[string]any{
		{"port_no": 1, "rx_bytes": 500_000, "tx_bytes": 500_000},
		{"port_no": 2, "rx_bytes": 5000, "tx_bytes": 5000},
	})
	require.NoError(t, nm.Collect(context.Background()))

	metrics := store.LoadMetrics(storage.MetricFilter{TypeFilter: "network", Limit: 10, SortDesc: true})
	require.NotEmpty(t, metrics)
	latest := metrics[0].Data

	active, _ := storage.ToInt(latest["active_ports"])
	assert.Equal(t, 1, active, "idle ports must not count as active")

	total, _ := storage.ToFloat(latest["total_mbps"])
	avg, _ := storage.ToFloat(latest["average_mbps"])
	assert.Greater(t, total, 0.0)
	// With a single active port the active average equals the total.
	assert.InDelta(t, total, avg, 1e-6)

	flows, _ := storage.ToInt(latest["flow_count"])
	assert.Equal(t, 1, flows)
	assert.Equal(t, "ok", latest["status"])
}

func TestNetworkCollectDegradedOnControllerFailure(t *testing.T) {
	store := newTestStore(t)
	// Closed server: connection refused immediately.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	nm := NewNetworkMonitor(sdnclient.New(url, nil), store, nil)
	require.Error(t, nm.Collect(context.Background()))

	metrics := store.LoadMetrics(storage.MetricFilter{TypeFilter: "network", Limit: 10})
	require.Len(t, metrics, 1)
	assert.Equal(t, "degraded", metrics[0].Data["status"])
}

func TestGetLiveTopologyNeverNil(t *testing.T) {
	mock := &sdnMock{switches: []any{1, 2}, portStats: map[string][]map[string]any{}}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	nm := NewNetworkMonitor(sdnclient.New(srv.URL, nil), newTestStore(t), nil)
	topo := nm.GetLiveTopology(context.Background())
	require.NotNil(t, topo)
	assert.Len(t, topo.Switches, 2)
	assert.Len(t, topo.Nodes, 2)
	assert.NotNil(t, topo.Links)
	assert.NotNil(t, topo.Hosts)
	assert.Equal(t, "0000000000000001", topo.Switches[0]["id"])
}

func TestExtractIPv4(t *testing.T) {
	assert.Equal(t, "10.0.0.5", ExtractIPv4([]any{"10.0.0.5"}))
	assert.Equal(t, "10.0.0.6", ExtractIPv4([]any{map[string]any{"address": "10.0.0.6"}}))
	assert.Equal(t, "", ExtractIPv4([]any{"", map[string]any{}}))
	assert.Equal(t, "", ExtractIPv4(nil))
}

// ============================================================================
// FL MONITOR
// ============================================================================

type flMock struct {
	mu       sync.Mutex
	status   map[string]any
	events   []map[string]any
	lastID   int64
	latest   []map[string]any
	latestNo int
	ranged   []map[string]any
}

func (f *flMock) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "healthy", "uptime_seconds": 12})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.status)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.URL.Query().Get("since_event_id") != "" {
			writeJSON(w, map[string]any{"events": []any{}, "last_event_id": f.lastID})
			return
		}
		writeJSON(w, map[string]any{"events": f.events, "last_event_id": f.lastID})
	})
	mux.HandleFunc("/rounds/latest", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]any{"rounds": f.latest, "latest_round": f.latestNo})
	})
	mux.HandleFunc("/rounds", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]any{"rounds": f.ranged})
	})
	return mux
}

func TestFLMonitorTickIdempotent(t *testing.T) {
	mock := &flMock{
		status: map[string]any{"current_round": 2, "connected_clients": 3},
		events: []map[string]any{
			{"event_id": 4, "event_type": "ROUND_START", "round": 2, "message": "round 2 started"},
			{"event_id": 5, "event_type": "ROUND_END", "round": 1, "accuracy": 0.7, "message": "round 1 done"},
		},
		lastID: 5,
		latest: []map[string]any{
			{"round": 1, "accuracy": 0.7, "loss": 0.4, "clients": 3, "model_size_mb": 1.2},
			{"round": 2, "accuracy": 0.75, "loss": 0.35, "clients": 3, "model_size_mb": 1.2},
		},
		latestNo: 2,
	}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	store := newTestStore(t)
	fm := NewFLMonitor(NewFLClient(srv.URL, nil), store, 0, false, nil)

	require.NoError(t, fm.Tick(context.Background()))
	require.NoError(t, fm.Tick(context.Background()))

	// Each round lands exactly once despite the replayed tick.
	assert.Equal(t, 1, store.CountMetrics(storage.MetricFilter{TypeFilter: "fl_round_1"}))
	assert.Equal(t, 1, store.CountMetrics(storage.MetricFilter{TypeFilter: "fl_round_2"}))

	r1 := store.LoadMetrics(storage.MetricFilter{TypeFilter: "fl_round_1", Limit: 1})
	require.Len(t, r1, 1)
	assert.Equal(t, "complete", r1[0].Data["status"])

	// The latest round is still in flight.
	r2 := store.LoadMetrics(storage.MetricFilter{TypeFilter: "fl_round_2", Limit: 1})
	require.Len(t, r2, 1)
	assert.Equal(t, "training", r2[0].Data["status"])

	// Events deduped by their upstream id.
	assert.Equal(t, 2, store.CountEvents(storage.EventFilter{SourceComponent: storage.SourceFLServer}))
	assert.Equal(t, 1, store.CountMetrics(storage.MetricFilter{TypeFilter: "fl_round_1_event"}))

	lastEventID, lastRoundCheck := fm.Cursors()
	assert.Equal(t, int64(5), lastEventID)
	assert.Equal(t, 2, lastRoundCheck)
}

func TestFLMonitorRoundGapFetch(t *testing.T) {
	// The latest page only carries round 5; the monitor must range-fetch
	// the gap back to round 1.
	mock := &flMock{
		status:   map[string]any{"current_round": 5, "connected_clients": 3},
		latest:   []map[string]any{{"round": 5, "accuracy": 0.9, "loss": 0.1, "clients": 3}},
		latestNo: 5,
		ranged: []map[string]any{
			{"round": 1, "accuracy": 0.5, "loss": 0.9, "clients": 3},
			{"round": 2, "accuracy": 0.6, "loss": 0.7, "clients": 3},
			{"round": 3, "accuracy": 0.7, "loss": 0.5, "clients": 3},
			{"round": 4, "accuracy": 0.8, "loss": 0.3, "clients": 3},
			{"round": 5, "accuracy": 0.9, "loss": 0.1, "clients": 3},
		},
	}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	store := newTestStore(t)
	fm := NewFLMonitor(NewFLClient(srv.URL, nil), store, 0, false, nil)
	require.NoError(t, fm.Tick(context.Background()))

	for round := 1; round <= 5; round++ {
		assert.Equal(t, 1,
			store.CountMetrics(storage.MetricFilter{TypeFilter: fmt.Sprintf("fl_round_%d", round)}),
			"round %d", round)
	}
}

func TestFLMonitorTrainingCompletion(t *testing.T) {
	mock := &flMock{
		status: map[string]any{"current_round": 3, "connected_clients": 3},
		events: []map[string]any{
			{"event_id": 9, "event_type": "TRAINING_COMPLETE", "message": "done"},
		},
		lastID:   9,
		latest:   []map[string]any{{"round": 3, "accuracy": 0.95, "loss": 0.05, "clients": 3}},
		latestNo: 3,
	}
	srv := httptest.NewServer(mock.handler())
	defer srv.Close()

	store := newTestStore(t)
	fm := NewFLMonitor(NewFLClient(srv.URL, nil), store, 0, false, nil)
	require.NoError(t, fm.Tick(context.Background()))

	assert.True(t, fm.TrainingComplete())
	assert.Equal(t, 1, store.CountMetrics(storage.MetricFilter{TypeFilter: "fl_training_completion"}))

	// Once training completed, even the latest round is final.
	r3 := store.LoadMetrics(storage.MetricFilter{TypeFilter: "fl_round_3", Limit: 1})
	require.Len(t, r3, 1)
	assert.Equal(t, "complete", r3[0].Data["status"])
}

func TestExtractModelSizeFallbacks(t *testing.T) {
	assert.Equal(t, 1.5, extractModelSize(map[string]any{"model_size_mb": 1.5}))
	assert.Equal(t, 2.0, extractModelSize(map[string]any{"model_size": 2.0}))
	assert.Equal(t, 3.0, extractModelSize(map[string]any{"metrics": map[string]any{"model_size_mb": 3.0}}))
	assert.Equal(t, 4.0, extractModelSize(map[string]any{"details": map[string]any{"model_size_mb": 4.0}}))
	assert.Equal(t, -1.0, extractModelSize(map[string]any{"accuracy": 0.9}))
	assert.Equal(t, -1.0, extractModelSize(map[string]any{"model_size_mb": "big"}))
}

func TestFLMonitorUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	fm := NewFLMonitor(NewFLClient(url, nil), newTestStore(t), 0, false, nil)
	err := fm.Tick(context.Background())
	require.ErrorIs(t, err, ErrFLServerUnreachable)
}

// ============================================================================
// POLICY MONITOR
// ============================================================================

func TestPolicyMonitorCollect(t *testing.T) {
	var sinceSeen string
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"policies_active": 3, "decisions_total": 42})
	})
	mux.HandleFunc("/api/v1/policy_decisions", func(w http.ResponseWriter, r *http.Request) {
		sinceSeen = r.URL.Query().Get("start_time")
		if sinceSeen != "" {
			writeJSON(w, map[string]any{"decisions": []any{}})
			return
		}
		writeJSON(w, map[string]any{"decisions": []map[string]any{
			{"decision": "allowed", "timestamp": "2026-08-26T10:00:00Z"},
			{"decision": "denied", "timestamp": "2026-08-26T10:05:00Z"},
		}})
	})
	mux.HandleFunc("/api/v1/policy_metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"metrics": []map[string]any{
			{"timestamp": "2026-08-26T10:00:00Z", "allowed": 8, "denied": 2},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t)
	pm := NewPolicyMonitor(policyclient.New(srv.URL, nil), store, nil)

	require.NoError(t, pm.Collect(context.Background()))

	assert.Equal(t, 1, store.CountMetrics(storage.MetricFilter{TypeFilter: "policy_engine"}))
	assert.Equal(t, 2, store.CountMetrics(storage.MetricFilter{TypeFilter: "policy_decisions"}))
	assert.Equal(t, 1, store.CountMetrics(storage.MetricFilter{TypeFilter: "policy_count"}))

	counts := store.LoadMetrics(storage.MetricFilter{TypeFilter: "decision_count", Limit: 1})
	require.Len(t, counts, 1)
	rate, _ := storage.ToFloat(counts[0].Data["denial_rate"])
	assert.InDelta(t, 0.2, rate, 1e-9)
	total, _ := storage.ToInt(counts[0].Data["total"])
	assert.Equal(t, 10, total)

	// Cursor advanced to the newest decision; the next pass queries past it.
	assert.Equal(t, "2026-08-26T10:05:00Z", pm.LastDecisionTimestamp())
	require.NoError(t, pm.Collect(context.Background()))
	assert.Equal(t, "2026-08-26T10:05:00Z", sinceSeen)
	assert.Equal(t, 2, store.CountMetrics(storage.MetricFilter{TypeFilter: "policy_decisions"}))
}

// ============================================================================
// EVENT MONITOR
// ============================================================================

func eventTypes(store *storage.Store, source string) map[string]int {
	out := map[string]int{}
	for _, ev := range store.LoadEvents(storage.EventFilter{SourceComponent: source, Limit: 1000}) {
		out[ev.EventType]++
	}
	return out
}

func TestEventMonitorPass(t *testing.T) {
	sdnMock := &sdnMock{switches: []any{}, portStats: map[string][]map[string]any{}}

	flMux := http.NewServeMux()
	flMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "healthy"})
	})
	flMux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"events": []any{}, "last_event_id": 0})
	})
	flMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"current_round":     1,
			"connected_clients": 1,
			"training_complete": true,
		})
	})

	peMux := http.NewServeMux()
	peMux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since_event_id") != "" {
			writeJSON(w, map[string]any{"events": []any{}, "last_event_id": 7})
			return
		}
		writeJSON(w, map[string]any{
			"events": []map[string]any{{
				"event_id":   7,
				"event_type": "POLICY_VIOLATION",
				"timestamp":  1700000000,
				"message":    "blocked flow",
				"decision":   "denied",
			}},
			"last_event_id": 7,
		})
	})

	sdnSrv := httptest.NewServer(sdnMock.handler())
	flSrv := httptest.NewServer(flMux)
	peSrv := httptest.NewServer(peMux)
	defer sdnSrv.Close()
	defer flSrv.Close()
	defer peSrv.Close()

	store := newTestStore(t)
	sdn := sdnclient.New(sdnSrv.URL, nil)
	em := NewEventMonitor(
		NewFLClient(flSrv.URL, nil),
		policyclient.New(peSrv.URL, nil),
		sdn,
		NewNetworkMonitor(sdn, store, nil),
		store, nil, nil,
	)

	// Pass 1: empty network.
	require.NoError(t, em.Collect(context.Background()))

	flEvents := eventTypes(store, storage.SourceFLServer)
	assert.Equal(t, 1, flEvents["LOW_CLIENT_COUNT"])
	assert.Equal(t, 1, flEvents["TRAINING_COMPLETED"])

	sdnEvents := eventTypes(store, storage.SourceSDNController)
	assert.Equal(t, 1, sdnEvents["TOPOLOGY_SNAPSHOT"])
	assert.Equal(t, 1, sdnEvents["NO_SWITCHES_DETECTED"])
	assert.Equal(t, 1, sdnEvents["LINKS_ENDPOINT_UNAVAILABLE"])

	// Denials surface as warnings regardless of upstream level.
	peEvents := store.LoadEvents(storage.EventFilter{SourceComponent: storage.SourcePolicyEngine, Limit: 10})
	require.Len(t, peEvents, 1)
	assert.Equal(t, storage.LevelWarning, peEvents[0].EventLevel)
	assert.Equal(t, "2023-11-14T22:13:20Z", peEvents[0].Timestamp)

	// One self-event per target, all successful.
	self := eventTypes(store, storage.SourceCollector)
	assert.Equal(t, 4, self["POLL_TARGET_SUCCESS"])
	assert.Zero(t, self["POLL_TARGET_FAILURE"])

	// Pass 2: two switches appear.
	sdnMock.mu.Lock()
	sdnMock.switches = []any{1, 2}
	sdnMock.mu.Unlock()
	require.NoError(t, em.Collect(context.Background()))

	sdnEvents = eventTypes(store, storage.SourceSDNController)
	assert.Equal(t, 1, sdnEvents["SWITCH_COUNT_CHANGED"])
	assert.Zero(t, sdnEvents["CONTROLLER_UNREACHABLE"])
	assert.Zero(t, sdnEvents["SWITCH_CONNECTION_ERROR"])

	netEvents := eventTypes(store, storage.SourceNetwork)
	assert.Equal(t, 2, netEvents["NODE_CONNECTED"])
	assert.Zero(t, netEvents["NODE_DISCONNECTED"])

	// Completion is emitted once even though the status still reports it.
	flEvents = eventTypes(store, storage.SourceFLServer)
	assert.Equal(t, 1, flEvents["TRAINING_COMPLETED"])
	assert.Equal(t, 2, flEvents["LOW_CLIENT_COUNT"])
}

func TestEventMonitorControllerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	flMux := http.NewServeMux()
	flMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"events": []any{}, "last_event_id": 0})
	})
	flSrv := httptest.NewServer(flMux)
	defer flSrv.Close()

	store := newTestStore(t)
	sdn := sdnclient.New(deadURL, nil)
	em := NewEventMonitor(
		NewFLClient(flSrv.URL, nil),
		policyclient.New(flSrv.URL, nil),
		sdn,
		NewNetworkMonitor(sdn, store, nil),
		store, nil, nil,
	)

	err := em.Collect(context.Background())
	require.Error(t, err)

	sdnEvents := eventTypes(store, storage.SourceSDNController)
	assert.Equal(t, 1, sdnEvents["CONTROLLER_UNREACHABLE"])

	self := eventTypes(store, storage.SourceCollector)
	assert.Equal(t, 1, self["POLL_TARGET_FAILURE"])
}

func TestEventMonitorSwitchConnectionError(t *testing.T) {
	// Switch 2 is listed by the controller but its detail query fails.
	mock := &sdnMock{
		switches:     []any{1, 2},
		portStats:    map[string][]map[string]any{},
		failPortDesc: map[string]bool{"2": true},
	}
	sdnSrv := httptest.NewServer(mock.handler())
	defer sdnSrv.Close()

	flMux := http.NewServeMux()
	flMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"events": []any{}, "last_event_id": 0})
	})
	flSrv := httptest.NewServer(flMux)
	defer flSrv.Close()

	store := newTestStore(t)
	sdn := sdnclient.New(sdnSrv.URL, nil)
	em := NewEventMonitor(
		NewFLClient(flSrv.URL, nil),
		policyclient.New(flSrv.URL, nil),
		sdn,
		NewNetworkMonitor(sdn, store, nil),
		store, nil, nil,
	)

	require.NoError(t, em.Collect(context.Background()))

	sdnEvents := eventTypes(store, storage.SourceSDNController)
	assert.Equal(t, 1, sdnEvents["SWITCH_CONNECTION_ERROR"])
	assert.Zero(t, sdnEvents["SWITCH_QUERY_FAILED"])
	assert.Equal(t, 1, sdnEvents["TOPOLOGY_SNAPSHOT"])

	for _, ev := range store.LoadEvents(storage.EventFilter{SourceComponent: storage.SourceSDNController, Limit: 100}) {
		if ev.EventType == "SWITCH_CONNECTION_ERROR" {
			assert.Equal(t, storage.LevelWarning, ev.EventLevel)
			assert.Equal(t, "0000000000000002", ev.Details["dpid"])
		}
	}
}
