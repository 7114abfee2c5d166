package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/storage"
)

// FLMonitor reconstructs training state from the FL server's event and
// round streams. Ingestion is incremental and idempotent: the
// (lastEventID, lastRoundCheck) cursors advance only after a batch lands,
// and knownRounds guarantees each round is stored exactly once.
type FLMonitor struct {
	fl     *FLClient
	store  *storage.Store
	logger *slog.Logger

	interval  time.Duration
	maxErrors int

	mu               sync.Mutex
	lastEventID      int64
	lastRoundCheck   int
	knownRounds      map[int]bool
	trainingComplete bool
	consecutiveErrs  int
	running          bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFLMonitor builds the monitor. devMode doubles the consecutive-failure
// budget before the worker gives up.
func NewFLMonitor(fl *FLClient, store *storage.Store, interval time.Duration, devMode bool, logger *slog.Logger) *FLMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	maxErrors := 10
	if devMode {
		maxErrors = 20
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &FLMonitor{
		fl:          fl,
		store:       store,
		logger:      logger.With("component", "fl_monitor"),
		interval:    interval,
		maxErrors:   maxErrors,
		knownRounds: map[int]bool{},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Name identifies the monitor in scheduler logs.
func (m *FLMonitor) Name() string { return "fl" }

// Start launches the dedicated ingestion worker.
func (m *FLMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run()
}

// Stop signals the worker and waits up to timeout for it to finish.
func (m *FLMonitor) Stop(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	close(m.stopCh)
	select {
	case <-m.doneCh:
		return true
	case <-time.After(timeout):
		m.logger.Warn("fl monitor did not stop in time, detaching")
		return false
	}
}

func (m *FLMonitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.Tick(ctx)
		cancel()

		if err != nil {
			m.mu.Lock()
			m.consecutiveErrs++
			errs := m.consecutiveErrs
			m.mu.Unlock()
			m.logger.Warn("fl ingestion pass failed", "error", err, "consecutive", errs)
			if errs > m.maxErrors {
				m.logger.Error("fl monitor exceeded failure budget, stopping worker", "max_errors", m.maxErrors)
				return
			}
		} else {
			m.mu.Lock()
			m.consecutiveErrs = 0
			m.mu.Unlock()
		}

		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one ingestion iteration: health gate, event batch, round
// range, state snapshot.
func (m *FLMonitor) Tick(ctx context.Context) error {
	if !m.fl.Health(ctx) {
		return fmt.Errorf("%w: health check failed", ErrFLServerUnreachable)
	}

	if err := m.ingestEvents(ctx); err != nil {
		return err
	}
	if err := m.ingestRounds(ctx); err != nil {
		return err
	}
	m.storeSnapshot(ctx)
	return nil
}

// ingestEvents pulls events past the cursor, stores them and mirrors the
// round-end / completion markers as metrics. The cursor moves only when
// the whole batch was processed.
func (m *FLMonitor) ingestEvents(ctx context.Context) error {
	m.mu.Lock()
	since := m.lastEventID
	m.mu.Unlock()

	page, err := m.fl.Events(ctx, since, 200)
	if err != nil {
		return err
	}

	for _, raw := range page.Events {
		ev := storage.Event{
			SourceComponent: storage.SourceFLServer,
			Details:         raw,
		}
		if id, ok := raw["event_id"]; ok {
			ev.EventID = fmt.Sprintf("FL_SERVER-%v", id)
		} else if id, ok := raw["id"]; ok {
			ev.EventID = fmt.Sprintf("FL_SERVER-%v", id)
		}
		if ts, ok := raw["timestamp"].(string); ok {
			ev.Timestamp = ts
		}
		if t, ok := raw["event_type"].(string); ok {
			ev.EventType = t
		} else if t, ok := raw["type"].(string); ok {
			ev.EventType = t
		}
		if msg, ok := raw["message"].(string); ok {
			ev.Message = msg
		}
		m.store.StoreEvent(ev)

		switch ev.EventType {
		case "ROUND_END":
			if round, ok := storage.ToInt(raw["round"]); ok && round >= 0 {
				data := map[string]any{
					"round":            round,
					"event":            "ROUND_END",
					"source_component": storage.SourceFLServer,
				}
				for k, v := range raw {
					data[k] = v
				}
				m.store.StoreMetric(fmt.Sprintf("fl_round_%d_event", round), data)
			}
		case "TRAINING_COMPLETE":
			m.mu.Lock()
			m.trainingComplete = true
			m.mu.Unlock()
			m.store.StoreMetric("fl_training_completion", map[string]any{
				"training_complete": true,
				"source_component":  storage.SourceFLServer,
				"details":           raw,
			})
		}
	}

	if page.LastEventID > 0 {
		m.mu.Lock()
		m.lastEventID = page.LastEventID
		m.mu.Unlock()
	}
	return nil
}

// ingestRounds advances through newly finished rounds and stores each one
// exactly once.
func (m *FLMonitor) ingestRounds(ctx context.Context) error {
	latest, err := m.fl.LatestRounds(ctx, 10)
	if err != nil {
		return err
	}

	m.mu.Lock()
	lastCheck := m.lastRoundCheck
	complete := m.trainingComplete
	m.mu.Unlock()

	if latest.LatestRound <= lastCheck {
		return nil
	}

	rounds := latest.Rounds
	if latest.LatestRound > lastCheck+len(rounds) {
		// The latest page does not cover the gap; fetch the full range.
		rounds, err = m.fl.Rounds(ctx, lastCheck+1, latest.LatestRound, 0)
		if err != nil {
			return err
		}
	}

	for _, raw := range rounds {
		round, ok := storage.ToInt(raw["round"])
		if !ok {
			round, ok = storage.ToInt(raw["round_number"])
		}
		if !ok || round < 0 || m.isKnown(round) {
			continue
		}
		m.storeRound(round, raw, latest.LatestRound, complete)
	}

	m.mu.Lock()
	m.lastRoundCheck = latest.LatestRound
	m.mu.Unlock()
	return nil
}

func (m *FLMonitor) isKnown(round int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.knownRounds[round]
}

func (m *FLMonitor) storeRound(round int, raw map[string]any, latestRound int, trainingComplete bool) {
	accuracy, _ := storage.ToFloat(raw["accuracy"])
	loss, _ := storage.ToFloat(raw["loss"])

	duration, ok := storage.ToFloat(raw["training_duration"])
	if !ok {
		duration = 0
	}
	clients, ok := storage.ToInt(raw["clients"])
	if !ok {
		clients, _ = storage.ToInt(raw["clients_count"])
	}
	modelSize := extractModelSize(raw)
	if modelSize < 0 {
		m.logger.Warn("round carries no usable model size, storing 0", "round", round)
		modelSize = 0
	}

	status := "complete"
	if round == latestRound && !trainingComplete {
		status = "training"
	}

	timestamp := storage.NowISO()
	if ts, ok := raw["timestamp"].(string); ok && ts != "" {
		timestamp = storage.NormalizeTimestamp(ts)
	}

	m.store.StoreMetric(fmt.Sprintf("fl_round_%d", round), map[string]any{
		"round":             round,
		"accuracy":          accuracy,
		"loss":              loss,
		"clients":           clients,
		"training_duration": duration,
		"model_size_mb":     modelSize,
		"status":            status,
		"timestamp":         timestamp,
		"source_component":  storage.SourceFLServer,
	})

	m.mu.Lock()
	m.knownRounds[round] = true
	m.mu.Unlock()
}

// extractModelSize reads the model size from its known fallback locations.
// Returns -1 when every location is missing or non-numeric.
func extractModelSize(raw map[string]any) float64 {
	if v, ok := storage.ToFloat(raw["model_size_mb"]); ok {
		return v
	}
	if v, ok := storage.ToFloat(raw["model_size"]); ok {
		return v
	}
	if metrics, ok := raw["metrics"].(map[string]any); ok {
		if v, ok := storage.ToFloat(metrics["model_size_mb"]); ok {
			return v
		}
	}
	if details, ok := raw["details"].(map[string]any); ok {
		if v, ok := storage.ToFloat(details["model_size_mb"]); ok {
			return v
		}
	}
	return -1
}

// storeSnapshot records the current fl_server state document.
func (m *FLMonitor) storeSnapshot(ctx context.Context) {
	snapshot := m.Snapshot(ctx)
	m.store.StoreMetric("fl_server", snapshot)
}

// Snapshot assembles the sync current-state view served by the API:
// health, status and latest-round data with derived fields.
func (m *FLMonitor) Snapshot(ctx context.Context) map[string]any {
	m.mu.Lock()
	complete := m.trainingComplete
	lastCheck := m.lastRoundCheck
	m.mu.Unlock()

	out := map[string]any{
		"source_component":  storage.SourceFLServer,
		"training_complete": complete,
		"last_round_check":  lastCheck,
	}

	health, err := m.fl.HealthDetail(ctx)
	available := err == nil
	out["fl_server_available"] = available
	if !available {
		out["status"] = "unreachable"
		out["data_state"] = "stale"
		out["accuracy"] = 0
		return out
	}
	for _, k := range []string{"status", "uptime_seconds"} {
		if v, ok := health[k]; ok {
			out[k] = v
		}
	}

	status, err := m.fl.Status(ctx)
	if err == nil {
		for _, k := range []string{"current_round", "connected_clients", "paused", "stopped_by_policy", "training_active", "max_rounds"} {
			if v, ok := status[k]; ok {
				out[k] = v
			}
		}
	}

	latest, err := m.fl.LatestRounds(ctx, 1)
	if err == nil && len(latest.Rounds) > 0 {
		last := latest.Rounds[0]
		out["latest_round"] = latest.LatestRound
		out["last_round_metrics"] = last
		if acc, ok := storage.ToFloat(last["accuracy"]); ok {
			out["accuracy"] = acc
		}
		if loss, ok := storage.ToFloat(last["loss"]); ok {
			out["loss"] = loss
		}
	}

	currentRound, _ := storage.ToInt(out["current_round"])
	stopped, _ := out["stopped_by_policy"].(bool)
	out["training_active"] = !stopped && !complete && currentRound > 0
	if complete {
		out["data_state"] = "complete"
	} else if currentRound > 0 {
		out["data_state"] = "training"
	} else {
		out["data_state"] = "idle"
	}
	return out
}

// Cursors reports the ingestion cursor state for diagnostics.
func (m *FLMonitor) Cursors() (lastEventID int64, lastRoundCheck int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventID, m.lastRoundCheck
}

// TrainingComplete reports whether a TRAINING_COMPLETE event was observed.
func (m *FLMonitor) TrainingComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainingComplete
}
