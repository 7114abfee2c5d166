package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/storage"
)

// ============================================================================
// TTL CACHE
// ============================================================================

// ttlCache is the in-process cache for /api/metrics/fl. The whole map is
// flushed when any entry is found expired, keeping memory bounded without a
// background sweeper.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{entries: map[string]cacheEntry{}, ttl: ttl}
}

func (c *ttlCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		c.entries = map[string]cacheEntry{}
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, storedAt: time.Now()}
}

// cacheKey hashes the normalized query parameters.
func cacheKey(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(q[k], ","))
		b.WriteByte('&')
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// /api/metrics/fl
// ============================================================================

func (s *Server) handleFLMetrics(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r.URL.Query())
	if cached, ok := s.flCache.Get(key); ok {
		if out, isMap := cached.(map[string]any); isMap {
			out["cached"] = true
		}
		writeJSON(w, http.StatusOK, cached)
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	minAccuracy, hasMinAccuracy := queryFloat(r, "min_accuracy")
	consolidate := queryBool(r, "consolidate")
	raw := queryBool(r, "raw")

	types := []string{"fl_server", "fl_round_%", "fl_training_progress"}
	var rows []storage.MetricRecord
	for _, t := range types {
		rows = append(rows, s.store.LoadMetrics(storage.MetricFilter{
			TypeFilter: t,
			StartTime:  r.URL.Query().Get("start"),
			EndTime:    r.URL.Query().Get("end"),
			Limit:      maxPageLimit,
			SortDesc:   true,
		})...)
	}

	if raw {
		out := map[string]any{"metrics": rows, "count": len(rows), "cached": false, "raw": true}
		s.flCache.Put(key, out)
		writeJSON(w, http.StatusOK, out)
		return
	}

	// One record per timestamp; round metrics win over snapshots at the
	// same instant because they carry the richer data.
	byTimestamp := map[string]map[string]any{}
	for _, rec := range rows {
		round := storage.RoundNumberFromType(rec.MetricType)
		if strings.HasPrefix(rec.MetricType, "fl_round_") && round < 0 {
			continue // fl_round_<N>_event mirrors, not round records
		}
		entry := map[string]any{
			"timestamp":   rec.Timestamp,
			"metric_type": rec.MetricType,
		}
		for k, v := range rec.Data {
			entry[k] = v
		}
		if round >= 0 {
			entry["round"] = round
		}
		if existing, ok := byTimestamp[rec.Timestamp]; ok {
			if _, isRound := existing["round"]; isRound && round < 0 {
				continue
			}
		}
		byTimestamp[rec.Timestamp] = entry
	}

	metrics := make([]map[string]any, 0, len(byTimestamp))
	for _, entry := range byTimestamp {
		if hasMinAccuracy {
			acc, ok := storage.ToFloat(entry["accuracy"])
			if !ok || acc < minAccuracy {
				continue
			}
		}
		metrics = append(metrics, entry)
	}

	if consolidate {
		byRound := map[int]map[string]any{}
		var noRound []map[string]any
		for _, entry := range metrics {
			round, ok := storage.ToInt(entry["round"])
			if !ok {
				noRound = append(noRound, entry)
				continue
			}
			prev, seen := byRound[round]
			if !seen || entryTimestamp(entry) > entryTimestamp(prev) {
				byRound[round] = entry
			}
		}
		metrics = noRound
		for _, entry := range byRound {
			metrics = append(metrics, entry)
		}
	}

	sort.Slice(metrics, func(i, j int) bool {
		return entryTimestamp(metrics[i]) < entryTimestamp(metrics[j])
	})
	if len(metrics) > limit {
		metrics = metrics[len(metrics)-limit:]
	}

	out := map[string]any{
		"metrics": metrics,
		"count":   len(metrics),
		"cached":  false,
	}
	s.flCache.Put(key, out)
	writeJSON(w, http.StatusOK, out)
}

func entryTimestamp(entry map[string]any) string {
	ts, _ := entry["timestamp"].(string)
	return ts
}

// ============================================================================
// /api/metrics/fl/rounds
// ============================================================================

type roundsQuery struct {
	startRound, endRound   int
	limit, offset          int
	minAccuracy            float64
	hasMinAccuracy         bool
	maxAccuracy            float64
	hasMaxAccuracy         bool
	source                 string
	format                 string
	sortDesc               bool
	sinceRound             int
	sinceTimestamp         string
	includeStats           bool
	includeCharts          bool
	pollingMode            bool
}

func parseRoundsQuery(r *http.Request) roundsQuery {
	q := roundsQuery{
		startRound:     queryInt(r, "start_round", 0),
		endRound:       queryInt(r, "end_round", 0),
		limit:          queryInt(r, "limit", 100),
		offset:         queryInt(r, "offset", 0),
		source:         r.URL.Query().Get("source"),
		format:         r.URL.Query().Get("format"),
		sortDesc:       r.URL.Query().Get("sort_order") == "desc",
		sinceRound:     queryInt(r, "since_round", 0),
		sinceTimestamp: r.URL.Query().Get("since_timestamp"),
		includeStats:   queryBool(r, "include_stats"),
		includeCharts:  queryBool(r, "include_charts"),
		pollingMode:    queryBool(r, "polling_mode"),
	}
	q.minAccuracy, q.hasMinAccuracy = queryFloat(r, "min_accuracy")
	q.maxAccuracy, q.hasMaxAccuracy = queryFloat(r, "max_accuracy")
	if q.limit <= 0 || q.limit > 10000 {
		q.limit = 10000
	}
	if q.offset < 0 {
		q.offset = 0
	}
	if q.source == "" {
		q.source = "both"
	}
	if q.format == "" {
		q.format = "detailed"
	}
	return q
}

func (s *Server) handleFLRounds(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	q := parseRoundsQuery(r)
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	var merged map[int]map[string]any
	usedSource := q.source

	if q.pollingMode && (q.sinceRound > 0 || q.sinceTimestamp != "") {
		// Cursor-driven polling answers from storage only.
		merged = s.collectorRounds()
		usedSource = "collector"
	} else {
		merged = map[int]map[string]any{}
		var flRounds []map[string]any

		if q.source == "fl_server" || q.source == "both" {
			raw, err := s.fl.Rounds(ctx, q.startRound, q.endRound, q.limit)
			if err != nil {
				s.logger.Warn("fl server rounds unavailable, serving collector data", "error", err)
			} else {
				flRounds = raw
			}
		}

		if q.source == "collector" || q.source == "both" || len(flRounds) == 0 {
			merged = s.collectorRounds()
		}
		// FL server data is authoritative: it overwrites collector records.
		for _, raw := range flRounds {
			rec := normalizeRoundRecord(raw, "fl_server")
			if round, ok := storage.ToInt(rec["round"]); ok {
				merged[round] = rec
			}
		}
	}

	rounds := make([]map[string]any, 0, len(merged))
	for round, rec := range merged {
		if q.startRound > 0 && round < q.startRound {
			continue
		}
		if q.endRound > 0 && round > q.endRound {
			continue
		}
		if q.sinceRound > 0 && round <= q.sinceRound {
			continue
		}
		if q.sinceTimestamp != "" {
			if ts, _ := rec["timestamp"].(string); ts != "" && ts <= q.sinceTimestamp {
				continue
			}
		}
		acc, accOK := storage.ToFloat(rec["accuracy"])
		if q.hasMinAccuracy && (!accOK || acc < q.minAccuracy) {
			continue
		}
		if q.hasMaxAccuracy && accOK && acc > q.maxAccuracy {
			continue
		}
		rounds = append(rounds, rec)
	}

	sort.Slice(rounds, func(i, j int) bool {
		ri, _ := storage.ToInt(rounds[i]["round"])
		rj, _ := storage.ToInt(rounds[j]["round"])
		if q.sortDesc {
			return ri > rj
		}
		return ri < rj
	})

	total := len(rounds)
	if q.offset < len(rounds) {
		rounds = rounds[q.offset:]
	} else {
		rounds = nil
	}
	if len(rounds) > q.limit {
		rounds = rounds[:q.limit]
	}

	out := map[string]any{
		"rounds": shapeRounds(rounds, q.format),
		"count":  len(rounds),
		"total":  total,
	}
	if q.format == "chart" || q.includeCharts {
		out["chart_data"] = chartData(rounds)
	}
	if q.includeStats {
		out["statistics"] = roundStatistics(rounds)
	}
	out["metadata"] = map[string]any{
		"execution_time_ms": float64(time.Since(started).Microseconds()) / 1000,
		"api_version":       APIVersion,
		"source":            usedSource,
		"format":            q.format,
	}
	writeJSON(w, http.StatusOK, out)
}

// collectorRounds extracts round records from stored fl_round_<N> metrics
// and fl_server snapshots, recovering accuracy/clients/model size from
// nested structures where the flat fields are missing.
func (s *Server) collectorRounds() map[int]map[string]any {
	out := map[int]map[string]any{}

	for _, rec := range s.store.LoadMetrics(storage.MetricFilter{TypeFilter: "fl_round_%", Limit: 10000}) {
		round := storage.RoundNumberFromType(rec.MetricType)
		if round < 0 {
			continue
		}
		record := normalizeRoundRecord(rec.Data, "collector")
		record["round"] = round
		if _, ok := record["timestamp"]; !ok {
			record["timestamp"] = rec.Timestamp
		}
		out[round] = record
	}

	// Snapshot recovery: last_round_metrics and rounds_history fill rounds
	// the per-round metrics missed.
	for _, rec := range s.store.LoadMetrics(storage.MetricFilter{TypeFilter: "fl_server", Limit: 200, SortDesc: true}) {
		if last, ok := rec.Data["last_round_metrics"].(map[string]any); ok {
			s.recoverRound(out, last, rec.Timestamp)
		}
		if history, ok := rec.Data["rounds_history"].([]any); ok {
			for _, item := range history {
				if raw, ok := item.(map[string]any); ok {
					s.recoverRound(out, raw, rec.Timestamp)
				}
			}
		}
	}
	return out
}

func (s *Server) recoverRound(out map[int]map[string]any, raw map[string]any, fallbackTS string) {
	round, ok := storage.ToInt(raw["round"])
	if !ok {
		round, ok = storage.ToInt(raw["round_number"])
	}
	if !ok || round < 0 {
		return
	}
	if _, exists := out[round]; exists {
		return
	}
	rec := normalizeRoundRecord(raw, "collector")
	rec["round"] = round
	if _, ok := rec["timestamp"]; !ok {
		rec["timestamp"] = fallbackTS
	}
	out[round] = rec
}

// normalizeRoundRecord coerces the numeric fields of a round dict,
// defaulting to 0 on parse failure, and tags where the record came from.
func normalizeRoundRecord(raw map[string]any, source string) map[string]any {
	rec := map[string]any{"data_source": source}

	if round, ok := storage.ToInt(raw["round"]); ok {
		rec["round"] = round
	} else if round, ok := storage.ToInt(raw["round_number"]); ok {
		rec["round"] = round
	}

	accuracy, ok := storage.ToFloat(raw["accuracy"])
	if !ok {
		if nested, isMap := raw["metrics"].(map[string]any); isMap {
			accuracy, _ = storage.ToFloat(nested["accuracy"])
		}
	}
	rec["accuracy"] = accuracy

	loss, _ := storage.ToFloat(raw["loss"])
	rec["loss"] = loss

	clients, ok := storage.ToInt(raw["clients"])
	if !ok {
		if clients, ok = storage.ToInt(raw["clients_count"]); !ok {
			clients, _ = storage.ToInt(raw["connected_clients"])
		}
	}
	rec["clients"] = clients

	duration, _ := storage.ToFloat(raw["training_duration"])
	rec["training_duration"] = duration

	modelSize, ok := storage.ToFloat(raw["model_size_mb"])
	if !ok {
		if modelSize, ok = storage.ToFloat(raw["model_size"]); !ok {
			if nested, isMap := raw["metrics"].(map[string]any); isMap {
				modelSize, _ = storage.ToFloat(nested["model_size_mb"])
			}
		}
	}
	rec["model_size_mb"] = modelSize

	if status, ok := raw["status"].(string); ok && status != "" {
		rec["status"] = status
	} else {
		rec["status"] = "complete"
	}
	if ts, ok := raw["timestamp"].(string); ok && ts != "" {
		rec["timestamp"] = storage.NormalizeTimestamp(ts)
	}
	return rec
}

func shapeRounds(rounds []map[string]any, format string) []map[string]any {
	if format != "summary" {
		return rounds
	}
	out := make([]map[string]any, 0, len(rounds))
	for _, rec := range rounds {
		out = append(out, map[string]any{
			"round":     rec["round"],
			"accuracy":  rec["accuracy"],
			"loss":      rec["loss"],
			"clients":   rec["clients"],
			"status":    rec["status"],
			"timestamp": rec["timestamp"],
		})
	}
	return out
}

func chartData(rounds []map[string]any) map[string]any {
	roundNums := make([]any, 0, len(rounds))
	accuracy := make([]any, 0, len(rounds))
	loss := make([]any, 0, len(rounds))
	for _, rec := range rounds {
		roundNums = append(roundNums, rec["round"])
		accuracy = append(accuracy, rec["accuracy"])
		loss = append(loss, rec["loss"])
	}
	return map[string]any{
		"rounds":   roundNums,
		"accuracy": accuracy,
		"loss":     loss,
	}
}

func roundStatistics(rounds []map[string]any) map[string]any {
	if len(rounds) == 0 {
		return map[string]any{"total_rounds": 0}
	}
	var best, sum, totalDuration float64
	latest := 0
	for _, rec := range rounds {
		acc, _ := storage.ToFloat(rec["accuracy"])
		if acc > best {
			best = acc
		}
		sum += acc
		dur, _ := storage.ToFloat(rec["training_duration"])
		totalDuration += dur
		if round, ok := storage.ToInt(rec["round"]); ok && round > latest {
			latest = round
		}
	}
	return map[string]any{
		"total_rounds":        len(rounds),
		"latest_round":        latest,
		"best_accuracy":       best,
		"avg_accuracy":        sum / float64(len(rounds)),
		"total_training_time": totalDuration,
	}
}

// ============================================================================
// /api/metrics/fl/status
// ============================================================================

func (s *Server) handleFLStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	out := map[string]any{"timestamp": storage.NowISO()}
	available := s.fl.Health(ctx)
	out["fl_server_available"] = available

	var currentRound, maxRounds int
	var stopped, complete bool

	if available {
		if status, err := s.fl.Status(ctx); err == nil {
			currentRound, _ = storage.ToInt(status["current_round"])
			stopped, _ = status["stopped_by_policy"].(bool)
			complete, _ = status["training_complete"].(bool)
			for _, k := range []string{"current_round", "connected_clients", "paused", "stopped_by_policy"} {
				if v, ok := status[k]; ok {
					out[k] = v
				}
			}
		}
		if latest, err := s.fl.LatestRounds(ctx, 1); err == nil && len(latest.Rounds) > 0 {
			out["latest_round"] = latest.LatestRound
			out["last_round_metrics"] = normalizeRoundRecord(latest.Rounds[0], "fl_server")
		}
		if doc, err := s.fl.ServerMetrics(ctx); err == nil {
			maxRounds, _ = storage.ToInt(doc["max_rounds"])
		}
	}

	if s.flMon != nil && s.flMon.TrainingComplete() {
		complete = true
	}

	// max_rounds falls back to the last stored snapshot.
	if maxRounds == 0 {
		if rec, ok := s.store.GetLatestFLMetrics(); ok {
			maxRounds, _ = storage.ToInt(rec.Data["max_rounds"])
		}
	}
	if maxRounds > 0 {
		out["max_rounds"] = maxRounds
	}

	out["training_complete"] = complete
	out["training_active"] = !stopped && !complete &&
		(currentRound > 0 && available) &&
		(maxRounds == 0 || currentRound < maxRounds)
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// /api/metrics/fl/config
// ============================================================================

func (s *Server) handleFLConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	merged := map[string]any{}
	var sources []string

	if rec, ok := s.store.GetLatestFLMetrics(); ok {
		for _, k := range []string{"max_rounds", "min_clients", "model", "dataset", "aggregation"} {
			if v, ok := rec.Data[k]; ok {
				merged[k] = v
			}
		}
		if len(merged) > 0 {
			sources = append(sources, "storage")
		}
	}

	if doc, err := s.fl.ServerMetrics(ctx); err == nil {
		for k, v := range doc {
			merged[k] = v
		}
		sources = append(sources, "fl_server")
	}

	if decision, err := s.pe.CheckPolicyType(ctx, "fl_training_parameters", map[string]any{}); err == nil {
		if params, ok := decision["parameters"].(map[string]any); ok && len(params) > 0 {
			merged["policy_parameters"] = params
			sources = append(sources, "policy_engine")
		}
	}

	events := s.store.LoadEvents(storage.EventFilter{
		SourceComponent: storage.SourceFLServer,
		EventType:       "CONFIG_LOADED",
		Limit:           1,
		SortDesc:        true,
	})
	if len(events) > 0 && events[0].Details != nil {
		merged["loaded_config"] = events[0].Details
		sources = append(sources, "config_event")
	}

	status := "minimal"
	switch len(sources) {
	case 2:
		status = "partial"
	case 3:
		status = "enhanced"
	case 4:
		status = "comprehensive"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config":    merged,
		"sources":   sources,
		"status":    status,
		"timestamp": storage.NowISO(),
	})
}
