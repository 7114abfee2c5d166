package storage

import (
	"fmt"
	"time"
)

// maybeCleanup runs retention at most once per cleanup interval. Triggered
// from the write path; failures never block writes.
func (s *Store) maybeCleanup() {
	s.mu.Lock()
	due := time.Since(s.lastCleanup) >= s.cleanupInterval
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	go func() {
		if err := s.Cleanup(); err != nil {
			s.logger.Error("scheduled cleanup failed", "error", err)
		}
	}()
}

// Cleanup archives FL rounds older than the metrics cutoff into the summary
// table, deletes aged metric and event rows, then vacuums. A vacuum failure
// is a warning only; the retention deletes already committed.
func (s *Store) Cleanup() error {
	metricsCutoff := time.Now().Add(-s.metricsRetention).UTC().Format(time.RFC3339)
	eventsCutoff := time.Now().Add(-s.eventsRetention).UTC().Format(time.RFC3339)

	s.archiveAgedRounds(metricsCutoff)

	res, err := s.db.Exec(`DELETE FROM metrics WHERE timestamp < ?`, metricsCutoff)
	if err != nil {
		return fmt.Errorf("prune metrics: %w", err)
	}
	metricsPruned, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, eventsCutoff)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	eventsPruned, _ := res.RowsAffected()

	s.logger.Info("retention pass complete",
		"metrics_pruned", metricsPruned,
		"events_pruned", eventsPruned,
	)

	// VACUUM cannot run inside a transaction; database/sql issues it on a
	// plain connection from the pool.
	if _, err := s.db.Exec("VACUUM"); err != nil {
		s.logger.Warn("vacuum failed", "error", err)
	}
	return nil
}

// archiveAgedRounds upserts every fl_round_<N> row older than the cutoff
// into fl_training_summary so round analytics survive pruning.
func (s *Store) archiveAgedRounds(cutoff string) {
	rows := s.LoadMetrics(MetricFilter{
		TypeFilter: "fl_round_%",
		EndTime:    cutoff,
		Limit:      10000,
	})
	archived := 0
	for _, rec := range rows {
		n := RoundNumberFromType(rec.MetricType)
		if n < 0 {
			continue
		}
		if _, ok := ToFloat(rec.Data["accuracy"]); !ok {
			continue
		}
		s.upsertSummary(n, rec.Timestamp, rec.Data)
		archived++
	}
	if archived > 0 {
		s.logger.Info("archived aged rounds into summary", "count", archived)
	}
}

// CleanupDuplicateRounds keeps only the newest metrics row (max id wins) per
// metric type and round number for fl_round_<N> rows, so a round's metric row
// and its fl_round_<N>_event mirror never dedupe against each other. A no-op
// for the summary table where round_number is the primary key.
func (s *Store) CleanupDuplicateRounds() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM metrics
		 WHERE metric_type LIKE 'fl_round_%'
		   AND round_number IS NOT NULL
		   AND id NOT IN (
			SELECT MAX(id) FROM metrics
			WHERE metric_type LIKE 'fl_round_%' AND round_number IS NOT NULL
			GROUP BY metric_type, round_number
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("dedupe rounds: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Info("removed duplicate round rows", "count", removed)
	}
	return removed, nil
}

// Optimize is the manual retention hook behind POST /api/debug/optimize.
func (s *Store) Optimize() error {
	if _, err := s.CleanupDuplicateRounds(); err != nil {
		return err
	}
	return s.Cleanup()
}
