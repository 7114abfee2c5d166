package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/storage"
)

// PolicyMonitor runs three periodic pulls against the Policy Engine: its
// metrics document, new policy decisions, and bucketed policy metrics
// reshaped for the dashboard schemas.
type PolicyMonitor struct {
	pe     *policyclient.Client
	store  *storage.Store
	logger *slog.Logger

	mu                    sync.Mutex
	lastDecisionTimestamp string
}

// NewPolicyMonitor builds the monitor around the engine client.
func NewPolicyMonitor(pe *policyclient.Client, store *storage.Store, logger *slog.Logger) *PolicyMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyMonitor{
		pe:     pe,
		store:  store,
		logger: logger.With("component", "policy_monitor"),
	}
}

// Name identifies the monitor in scheduler logs.
func (m *PolicyMonitor) Name() string { return "policy" }

// Collect runs all three tasks. Partial failure is tolerated; the first
// error is returned after every task had its chance.
func (m *PolicyMonitor) Collect(ctx context.Context) error {
	var firstErr error

	if err := m.collectEngineMetrics(ctx); err != nil {
		firstErr = err
	}
	if err := m.collectDecisions(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.collectBuckets(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *PolicyMonitor) collectEngineMetrics(ctx context.Context) error {
	doc, err := m.pe.EngineMetrics(ctx)
	if err != nil {
		return err
	}
	doc["source_component"] = storage.SourcePolicyEngine
	m.store.StoreMetric("policy_engine", doc)
	return nil
}

// collectDecisions pages decisions made since the cursor; the cursor
// advances to the max observed timestamp only after the batch stored.
func (m *PolicyMonitor) collectDecisions(ctx context.Context) error {
	m.mu.Lock()
	since := m.lastDecisionTimestamp
	m.mu.Unlock()

	decisions, err := m.pe.PolicyDecisions(ctx, since, 1000)
	if err != nil {
		return err
	}

	maxTS := since
	for _, d := range decisions {
		d["source_component"] = storage.SourcePolicyEngine
		m.store.StoreMetric("policy_decisions", d)
		if ts, ok := d["timestamp"].(string); ok {
			norm := storage.NormalizeTimestamp(ts)
			if norm > maxTS {
				maxTS = norm
			}
		}
	}

	if maxTS != since {
		m.mu.Lock()
		m.lastDecisionTimestamp = maxTS
		m.mu.Unlock()
	}
	return nil
}

// collectBuckets pulls the last 24h of bucketed metrics and stores two
// shaped rows per bucket: the full policy_count breakdown and the
// decision_count allowed/denied summary.
func (m *PolicyMonitor) collectBuckets(ctx context.Context) error {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	buckets, err := m.pe.PolicyMetrics(ctx,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return err
	}

	for _, bucket := range buckets {
		ts, _ := bucket["timestamp"].(string)

		countRow := map[string]any{
			"source_component": storage.SourcePolicyEngine,
			"timestamp":        ts,
		}
		for k, v := range bucket {
			countRow[k] = v
		}
		m.store.StoreMetric("policy_count", countRow)

		allowed, _ := storage.ToInt(bucket["allowed"])
		denied, _ := storage.ToInt(bucket["denied"])
		total := allowed + denied
		if v, ok := storage.ToInt(bucket["total"]); ok && v > 0 {
			total = v
		}
		denialRate := 0.0
		if total > 0 {
			denialRate = float64(denied) / float64(total)
		}
		m.store.StoreMetric("decision_count", map[string]any{
			"source_component": storage.SourcePolicyEngine,
			"timestamp":        ts,
			"allowed":          allowed,
			"denied":           denied,
			"total":            total,
			"denial_rate":      denialRate,
		})
	}
	return nil
}

// LastDecisionTimestamp reports the decision cursor for diagnostics.
func (m *PolicyMonitor) LastDecisionTimestamp() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDecisionTimestamp
}
