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
)

// ErrFLServerUnreachable wraps connection-level failures to the FL server.
var ErrFLServerUnreachable = errors.New("fl server unreachable")

// FLEventsPage is one page of the FL server's event stream.
type FLEventsPage struct {
	Events      []map[string]any `json:"events"`
	LastEventID int64            `json:"last_event_id"`
}

// FLRoundsPage is the answer to /rounds/latest.
type FLRoundsPage struct {
	Rounds      []map[string]any `json:"rounds"`
	LatestRound int              `json:"latest_round"`
}

// FLClient consumes the FL server's HTTP surface.
type FLClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewFLClient builds a client for the FL server at baseURL.
func NewFLClient(baseURL string, logger *slog.Logger) *FLClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FLClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "fl_client"),
	}
}

// BaseURL returns the FL server endpoint.
func (c *FLClient) BaseURL() string { return c.baseURL }

// Health reports whether the FL server answers its health endpoint.
func (c *FLClient) Health(ctx context.Context) bool {
	var out map[string]any
	return c.getJSON(ctx, "/health", &out) == nil
}

// HealthDetail returns the raw health document.
func (c *FLClient) HealthDetail(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events pages the event stream past sinceEventID.
func (c *FLClient) Events(ctx context.Context, sinceEventID int64, limit int) (*FLEventsPage, error) {
	if limit <= 0 {
		limit = 200
	}
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	if sinceEventID > 0 {
		q.Set("since_event_id", fmt.Sprint(sinceEventID))
	}
	var out FLEventsPage
	if err := c.getJSON(ctx, "/events?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestRounds fetches the most recent rounds plus the latest round number.
func (c *FLClient) LatestRounds(ctx context.Context, limit int) (*FLRoundsPage, error) {
	if limit <= 0 {
		limit = 10
	}
	var out FLRoundsPage
	if err := c.getJSON(ctx, fmt.Sprintf("/rounds/latest?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rounds fetches the round range [startRound, endRound].
func (c *FLClient) Rounds(ctx context.Context, startRound, endRound, limit int) ([]map[string]any, error) {
	q := url.Values{}
	if startRound > 0 {
		q.Set("start_round", fmt.Sprint(startRound))
	}
	if endRound > 0 {
		q.Set("end_round", fmt.Sprint(endRound))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var raw any
	if err := c.getJSON(ctx, "/rounds?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	return coerceRoundList(raw), nil
}

// Status returns the server-wide training status document.
func (c *FLClient) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerMetrics returns the FL server's configuration document, including
// max_rounds.
func (c *FLClient) ServerMetrics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/metrics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FLClient) getJSON(ctx context.Context, path string, out any) error {
	err := httpretry.GetJSON(ctx, c.http, c.baseURL+path, out)
	if err != nil {
		var se *httpretry.StatusError
		if errors.As(err, &se) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrFLServerUnreachable, err)
	}
	return nil
}

// coerceRoundList accepts both a bare list and {"rounds": [...]} shapes.
func coerceRoundList(raw any) []map[string]any {
	switch v := raw.(type) {
	case []any:
		return mapSlice(v)
	case map[string]any:
		if inner, ok := v["rounds"].([]any); ok {
			return mapSlice(inner)
		}
	}
	return []map[string]any{}
}

func mapSlice(in []any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, e := range in {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
