// Package storage provides the embedded time-series store behind the
// collector: three SQLite tables (metrics, events, fl_training_summary)
// with WAL journaling, retention, and indexed read paths for the API.
//
// Write failures are logged and swallowed; the next tick re-attempts newer
// data. Reads return empty collections on failure so dashboards degrade
// instead of erroring.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const dbFileName = "collector_metrics.db"

// Store wraps the SQLite database and retention state.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	metricsRetention time.Duration
	eventsRetention  time.Duration
	cleanupInterval  time.Duration

	mu          sync.Mutex
	lastCleanup time.Time
}

// Options configures retention; zero values fall back to the defaults of
// 14 days for metrics, 7 for events, cleanup at most every 6 hours.
type Options struct {
	MetricsRetentionDays int
	EventsRetentionDays  int
	CleanupIntervalHours int
	MaxConns             int
	Logger               *slog.Logger
}

// Open creates (or reopens) the database under dir and applies the schema.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MetricsRetentionDays <= 0 {
		opts.MetricsRetentionDays = 14
	}
	if opts.EventsRetentionDays <= 0 {
		opts.EventsRetentionDays = 7
	}
	if opts.CleanupIntervalHours <= 0 {
		opts.CleanupIntervalHours = 6
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	path := filepath.Join(dir, dbFileName)

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		db:               db,
		path:             path,
		logger:           opts.Logger.With("component", "storage"),
		metricsRetention: time.Duration(opts.MetricsRetentionDays) * 24 * time.Hour,
		eventsRetention:  time.Duration(opts.EventsRetentionDays) * 24 * time.Hour,
		cleanupInterval:  time.Duration(opts.CleanupIntervalHours) * time.Hour,
		lastCleanup:      time.Now(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// dsn builds the connection string with the required pragmas: WAL,
// synchronous=NORMAL, >=10MB page cache, temp store in memory.
func dsn(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"cache_size(-10240)",
		"temp_store(MEMORY)",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			source_component TEXT,
			round_number INTEGER,
			accuracy REAL,
			loss REAL,
			status TEXT,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			source_component TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_level TEXT NOT NULL,
			message TEXT,
			details TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS fl_training_summary (
			round_number INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL,
			accuracy REAL NOT NULL DEFAULT 0,
			loss REAL NOT NULL DEFAULT 0,
			training_duration REAL NOT NULL DEFAULT 0,
			model_size_mb REAL NOT NULL DEFAULT 0,
			clients_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			training_complete INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_type_ts ON metrics(metric_type, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_round ON metrics(metric_type, round_number)
			WHERE metric_type LIKE 'fl_round_%'`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_source_ts ON metrics(source_component, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_ts ON events(source_component, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(event_type, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_level ON events(event_level)`,
		`CREATE INDEX IF NOT EXISTS idx_summary_round ON fl_training_summary(round_number DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close shuts down the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ============================================================================
// WRITE PATH
// ============================================================================

// StoreMetric persists one sample. Fast-path columns (round_number,
// accuracy, loss, status, source_component) are extracted from data so the
// round queries stay indexed; the full payload is kept as JSON. Dense
// round records are also upserted into fl_training_summary.
func (s *Store) StoreMetric(metricType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	ts := NowISO()
	if raw, ok := data["timestamp"].(string); ok && raw != "" {
		ts = NormalizeTimestamp(raw)
	}

	roundNumber := sql.NullInt64{}
	if n := RoundNumberFromType(metricType); n >= 0 {
		// Invariant: fl_round_<N> rows always carry round_number == N.
		roundNumber = sql.NullInt64{Int64: int64(n), Valid: true}
	} else if n, ok := ToInt(data["round"]); ok {
		roundNumber = sql.NullInt64{Int64: int64(n), Valid: true}
	} else if n, ok := ToInt(data["round_number"]); ok {
		roundNumber = sql.NullInt64{Int64: int64(n), Valid: true}
	}

	accuracy := nullFloat(data, "accuracy")
	loss := nullFloat(data, "loss")

	status := sql.NullString{}
	if v, ok := data["status"].(string); ok && v != "" {
		status = sql.NullString{String: v, Valid: true}
	}
	source := ""
	if v, ok := data["source_component"].(string); ok {
		source = v
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshal metric payload failed", "metric_type", metricType, "error", err)
		return
	}

	_, err = s.db.Exec(
		`INSERT INTO metrics (timestamp, metric_type, source_component, round_number, accuracy, loss, status, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, metricType, source, roundNumber, accuracy, loss, status, string(payload),
	)
	if err != nil {
		s.logger.Error("store metric failed", "metric_type", metricType, "error", err)
		return
	}

	if roundNumber.Valid && accuracy.Valid {
		s.upsertSummary(int(roundNumber.Int64), ts, data)
	}

	s.maybeCleanup()
}

func (s *Store) upsertSummary(round int, ts string, data map[string]any) {
	accuracy, _ := ToFloat(data["accuracy"])
	loss, _ := ToFloat(data["loss"])
	duration, _ := ToFloat(data["training_duration"])
	modelSize, ok := ToFloat(data["model_size_mb"])
	if !ok {
		modelSize = 0
	}
	clients, _ := ToInt(data["clients"])
	if clients == 0 {
		clients, _ = ToInt(data["clients_count"])
	}
	status, _ := data["status"].(string)
	complete := false
	if v, ok := data["training_complete"].(bool); ok {
		complete = v
	}

	_, err := s.db.Exec(
		`INSERT INTO fl_training_summary
			(round_number, timestamp, accuracy, loss, training_duration, model_size_mb, clients_count, status, training_complete)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(round_number) DO UPDATE SET
			timestamp = excluded.timestamp,
			accuracy = excluded.accuracy,
			loss = excluded.loss,
			training_duration = excluded.training_duration,
			model_size_mb = excluded.model_size_mb,
			clients_count = excluded.clients_count,
			status = excluded.status,
			training_complete = excluded.training_complete`,
		round, ts, accuracy, loss, duration, modelSize, clients, status, boolToInt(complete),
	)
	if err != nil {
		s.logger.Error("summary upsert failed", "round", round, "error", err)
	}
}

// StoreEvent normalizes and persists one event. Duplicate event ids are
// ignored (the monitors may replay a batch after a partial failure).
func (s *Store) StoreEvent(e Event) {
	e.Normalize()
	details := "{}"
	if e.Details != nil {
		if raw, err := json.Marshal(e.Details); err == nil {
			details = string(raw)
		} else {
			s.logger.Warn("marshal event details failed", "event_type", e.EventType, "error", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (event_id, timestamp, source_component, event_type, event_level, message, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Timestamp, e.SourceComponent, e.EventType, e.EventLevel, e.Message, details,
	)
	if err != nil {
		s.logger.Error("store event failed", "event_type", e.EventType, "error", err)
	}
}

// ============================================================================
// READ PATH
// ============================================================================

// MetricFilter bounds a metrics query. Limit is clamped to [1, 10000].
type MetricFilter struct {
	StartTime       string
	EndTime         string
	TypeFilter      string
	SourceComponent string
	Limit           int
	Offset          int
	SortDesc        bool
}

func (f *MetricFilter) clauses() (string, []any, error) {
	var where []string
	var args []any
	if f.StartTime != "" {
		t, err := ParseISO(f.StartTime)
		if err != nil {
			return "", nil, fmt.Errorf("invalid start time %q: %w", f.StartTime, err)
		}
		where = append(where, "timestamp >= ?")
		args = append(args, t.UTC().Format(time.RFC3339))
	}
	if f.EndTime != "" {
		t, err := ParseISO(f.EndTime)
		if err != nil {
			return "", nil, fmt.Errorf("invalid end time %q: %w", f.EndTime, err)
		}
		where = append(where, "timestamp <= ?")
		args = append(args, t.UTC().Format(time.RFC3339))
	}
	if f.TypeFilter != "" {
		if strings.ContainsAny(f.TypeFilter, "%_") {
			where = append(where, "metric_type LIKE ?")
		} else {
			where = append(where, "metric_type = ?")
		}
		args = append(args, f.TypeFilter)
	}
	if f.SourceComponent != "" {
		where = append(where, "source_component = ?")
		args = append(args, f.SourceComponent)
	}
	if len(where) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

// LoadMetrics returns matching rows, newest first unless SortDesc is false.
func (s *Store) LoadMetrics(f MetricFilter) []MetricRecord {
	clause, args, err := f.clauses()
	if err != nil {
		s.logger.Warn("load metrics: bad filter", "error", err)
		return []MetricRecord{}
	}
	order := "ASC"
	if f.SortDesc {
		order = "DESC"
	}
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(
		`SELECT timestamp, metric_type, data FROM metrics%s ORDER BY timestamp %s, id %s LIMIT ? OFFSET ?`,
		clause, order, order,
	)
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		s.logger.Error("load metrics failed", "error", err)
		return []MetricRecord{}
	}
	defer rows.Close()

	out := []MetricRecord{}
	for rows.Next() {
		var rec MetricRecord
		var raw string
		if err := rows.Scan(&rec.Timestamp, &rec.MetricType, &raw); err != nil {
			s.logger.Warn("scan metric row failed", "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(raw), &rec.Data); err != nil {
			s.logger.Warn("decode metric payload failed", "error", err)
			rec.Data = map[string]any{}
		}
		out = append(out, rec)
	}
	return out
}

// CountMetrics returns the number of rows matching the filter.
func (s *Store) CountMetrics(f MetricFilter) int {
	clause, args, err := f.clauses()
	if err != nil {
		return 0
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM metrics"+clause, args...).Scan(&n); err != nil {
		s.logger.Error("count metrics failed", "error", err)
		return 0
	}
	return n
}

// EventFilter bounds an events query. Legacy callers use Component/Level;
// canonical callers use SourceComponent/EventLevel. Either spelling works.
type EventFilter struct {
	StartTime       string
	EndTime         string
	SourceComponent string
	Component       string
	EventType       string
	EventLevel      string
	Level           string
	SinceID         int64
	Limit           int
	Offset          int
	SortDesc        bool
}

func (f *EventFilter) clauses() (string, []any, error) {
	var where []string
	var args []any

	if f.StartTime != "" {
		t, err := ParseISO(f.StartTime)
		if err != nil {
			return "", nil, fmt.Errorf("invalid start time %q: %w", f.StartTime, err)
		}
		where = append(where, "timestamp >= ?")
		args = append(args, t.UTC().Format(time.RFC3339))
	}
	if f.EndTime != "" {
		t, err := ParseISO(f.EndTime)
		if err != nil {
			return "", nil, fmt.Errorf("invalid end time %q: %w", f.EndTime, err)
		}
		where = append(where, "timestamp <= ?")
		args = append(args, t.UTC().Format(time.RFC3339))
	}
	component := f.SourceComponent
	if component == "" {
		component = f.Component
	}
	if component != "" {
		where = append(where, "source_component = ?")
		args = append(args, component)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	level := f.EventLevel
	if level == "" {
		level = f.Level
	}
	if level != "" {
		where = append(where, "event_level = ?")
		args = append(args, strings.ToUpper(level))
	}
	if f.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.SinceID)
	}
	if len(where) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

// StoredEvent is an Event plus its storage row id (the since_id cursor).
type StoredEvent struct {
	ID int64 `json:"id"`
	Event
}

// LoadEvents returns matching events with all alias fields populated.
func (s *Store) LoadEvents(f EventFilter) []StoredEvent {
	clause, args, err := f.clauses()
	if err != nil {
		s.logger.Warn("load events: bad filter", "error", err)
		return []StoredEvent{}
	}
	order := "ASC"
	if f.SortDesc {
		order = "DESC"
	}
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(
		`SELECT id, event_id, timestamp, source_component, event_type, event_level, message, details
		 FROM events%s ORDER BY id %s LIMIT ? OFFSET ?`,
		clause, order,
	)
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		s.logger.Error("load events failed", "error", err)
		return []StoredEvent{}
	}
	defer rows.Close()

	out := []StoredEvent{}
	for rows.Next() {
		var ev StoredEvent
		var details string
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Timestamp, &ev.SourceComponent,
			&ev.EventType, &ev.EventLevel, &ev.Message, &details); err != nil {
			s.logger.Warn("scan event row failed", "error", err)
			continue
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				ev.Details = map[string]any{}
			}
		}
		// Read invariant: aliases equal their canonical fields.
		ev.Component = ev.SourceComponent
		ev.Type = ev.EventType
		ev.Level = ev.EventLevel
		out = append(out, ev)
	}
	return out
}

// CountEvents returns the number of rows matching the filter.
func (s *Store) CountEvents(f EventFilter) int {
	clause, args, err := f.clauses()
	if err != nil {
		return 0
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events"+clause, args...).Scan(&n); err != nil {
		s.logger.Error("count events failed", "error", err)
		return 0
	}
	return n
}

// GetLatestFLMetrics returns the most recent fl_server snapshot. When that
// snapshot carries zero accuracy, the latest completed round from the
// summary table fills in the training figures.
func (s *Store) GetLatestFLMetrics() (MetricRecord, bool) {
	row := s.db.QueryRow(
		`SELECT timestamp, metric_type, data FROM metrics
		 WHERE metric_type = 'fl_server' ORDER BY timestamp DESC, id DESC LIMIT 1`,
	)
	var rec MetricRecord
	var raw string
	if err := row.Scan(&rec.Timestamp, &rec.MetricType, &raw); err != nil {
		if err != sql.ErrNoRows {
			s.logger.Error("latest fl metrics failed", "error", err)
		}
		return MetricRecord{}, false
	}
	if err := json.Unmarshal([]byte(raw), &rec.Data); err != nil {
		rec.Data = map[string]any{}
	}

	if acc, _ := ToFloat(rec.Data["accuracy"]); acc == 0 {
		var sum RoundSummary
		var complete int
		err := s.db.QueryRow(
			`SELECT round_number, timestamp, accuracy, loss, clients_count, training_complete
			 FROM fl_training_summary WHERE accuracy > 0 ORDER BY round_number DESC LIMIT 1`,
		).Scan(&sum.RoundNumber, &sum.Timestamp, &sum.Accuracy, &sum.Loss, &sum.ClientsCount, &complete)
		if err == nil {
			rec.Data["accuracy"] = sum.Accuracy
			rec.Data["loss"] = sum.Loss
			rec.Data["last_completed_round"] = sum.RoundNumber
		}
	}
	return rec, true
}

// GetFLSummaryFast returns dense summary rows ordered by round ascending.
func (s *Store) GetFLSummaryFast(limit int) []RoundSummary {
	limit = clampLimit(limit)
	rows, err := s.db.Query(
		`SELECT round_number, timestamp, accuracy, loss, training_duration, model_size_mb,
			clients_count, status, training_complete
		 FROM fl_training_summary ORDER BY round_number ASC LIMIT ?`, limit,
	)
	if err != nil {
		s.logger.Error("fl summary query failed", "error", err)
		return []RoundSummary{}
	}
	defer rows.Close()

	out := []RoundSummary{}
	for rows.Next() {
		var sum RoundSummary
		var complete int
		if err := rows.Scan(&sum.RoundNumber, &sum.Timestamp, &sum.Accuracy, &sum.Loss,
			&sum.TrainingDuration, &sum.ModelSizeMB, &sum.ClientsCount, &sum.Status, &complete); err != nil {
			s.logger.Warn("scan summary row failed", "error", err)
			continue
		}
		sum.TrainingComplete = complete != 0
		out = append(out, sum)
	}
	return out
}

func nullFloat(data map[string]any, key string) sql.NullFloat64 {
	if v, ok := ToFloat(data[key]); ok {
		return sql.NullFloat64{Float64: v, Valid: true}
	}
	return sql.NullFloat64{}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
