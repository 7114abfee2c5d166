package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source components recognized by the event pipeline.
const (
	SourceFLServer      = "FL_SERVER"
	SourcePolicyEngine  = "POLICY_ENGINE"
	SourceCollector     = "COLLECTOR"
	SourceRyuController = "RYU_CONTROLLER"
	SourceSDNController = "SDN_CONTROLLER"
	SourceNetwork       = "NETWORK"
)

// Event levels.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// MetricRecord is one stored metric sample as returned by queries.
type MetricRecord struct {
	Timestamp  string         `json:"timestamp"`
	MetricType string         `json:"metric_type"`
	Data       map[string]any `json:"data"`
}

// Event is a timestamped observation from one of the monitored components.
// The duplicated component/type/level fields exist for dashboard
// compatibility and are kept mutually equal on read.
type Event struct {
	EventID         string         `json:"event_id"`
	Timestamp       string         `json:"timestamp"`
	SourceComponent string         `json:"source_component"`
	Component       string         `json:"component"`
	EventType       string         `json:"event_type"`
	Type            string         `json:"type"`
	EventLevel      string         `json:"event_level"`
	Level           string         `json:"level"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
}

// RoundSummary is a dense per-round training record kept past retention.
type RoundSummary struct {
	RoundNumber      int     `json:"round_number"`
	Timestamp        string  `json:"timestamp"`
	Accuracy         float64 `json:"accuracy"`
	Loss             float64 `json:"loss"`
	TrainingDuration float64 `json:"training_duration"`
	ModelSizeMB      float64 `json:"model_size_mb"`
	ClientsCount     int     `json:"clients_count"`
	Status           string  `json:"status"`
	TrainingComplete bool    `json:"training_complete"`
}

// Normalize fills derived and aliased fields in place: event id, timestamp,
// level defaulting from the event type, and the component/type/level mirrors.
func (e *Event) Normalize() {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = NowISO()
	} else {
		e.Timestamp = NormalizeTimestamp(e.Timestamp)
	}
	if e.SourceComponent == "" {
		e.SourceComponent = e.Component
	}
	if e.EventType == "" {
		e.EventType = e.Type
	}
	if e.EventLevel == "" {
		e.EventLevel = e.Level
	}
	if e.EventLevel == "" {
		e.EventLevel = DeriveLevel(e.EventType)
	}
	e.EventLevel = strings.ToUpper(e.EventLevel)
	e.Component = e.SourceComponent
	e.Type = e.EventType
	e.Level = e.EventLevel
}

// DeriveLevel maps an event type to a level when none was supplied.
func DeriveLevel(eventType string) string {
	t := strings.ToUpper(eventType)
	switch {
	case strings.Contains(t, "WARN"),
		t == "CLIENT_TIMEOUT",
		t == "ROUND_FAILED",
		t == "LOW_ACCURACY":
		return LevelWarning
	case strings.Contains(t, "ERROR"), strings.Contains(t, "FAIL"):
		return LevelError
	default:
		return LevelInfo
	}
}

// NowISO returns the current time as UTC ISO8601.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NormalizeTimestamp coerces upstream timestamp shapes (ISO strings, unix
// seconds, unix milliseconds) into UTC ISO8601. Unparseable values are
// returned unchanged; the caller logs the warning.
func NormalizeTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	// Space-separated variant without zone, common from the policy engine.
	if t, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return UnixToISO(n)
	}
	return raw
}

// UnixToISO converts unix seconds or milliseconds into UTC ISO8601. Values
// above 1e12 are treated as milliseconds.
func UnixToISO(n float64) string {
	if n > 1e12 {
		n = n / 1000
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

// ParseISO parses an ISO8601 cursor used by query filters.
func ParseISO(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// RoundNumberFromType extracts N from a metric type of the shape
// "fl_round_<N>". Returns -1 for any other shape (including
// "fl_round_<N>_event" mirrors).
func RoundNumberFromType(metricType string) int {
	rest, ok := strings.CutPrefix(metricType, "fl_round_")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ToFloat coerces the numeric shapes seen in upstream payloads.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToInt coerces the integer shapes seen in upstream payloads.
func ToInt(v any) (int, bool) {
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
