// Package policyclient speaks to the Policy Engine: periodic policy
// fetches with change callbacks, validation, flow authorization and the
// decision/metric query surface used by the policy monitor.
package policyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/httpretry"
)

// ErrEngineUnreachable wraps connection-level failures to the engine.
var ErrEngineUnreachable = errors.New("policy engine unreachable")

// ChangeCallback receives the normalized policy set whenever a fetch
// returns a set different from the previous one.
type ChangeCallback func(policies []Policy)

// ConnectionCallback observes connectivity transitions (connected bool).
type ConnectionCallback func(connected bool)

// Client is the Policy Engine REST adapter.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu                  sync.Mutex
	lastFetchSuccessful bool
	everFetched         bool
	policies            []Policy
	changeCallbacks     []ChangeCallback
	connCallbacks       []ConnectionCallback
}

// New builds a client for the engine at baseURL.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "policy_client"),
	}
}

// BaseURL returns the engine endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// OnPolicyChange registers a callback fired (outside the client lock) when
// the fetched policy set differs from the previous one.
func (c *Client) OnPolicyChange(cb ChangeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeCallbacks = append(c.changeCallbacks, cb)
}

// OnConnectionChange registers a connectivity-transition callback.
func (c *Client) OnConnectionChange(cb ConnectionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connCallbacks = append(c.connCallbacks, cb)
}

// CheckPolicyEngineStatus reports the outcome of the last fetch.
func (c *Client) CheckPolicyEngineStatus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFetchSuccessful
}

// Policies returns the last successfully fetched policy set.
func (c *Client) Policies() []Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Policy, len(c.policies))
	copy(out, c.policies)
	return out
}

// FetchPolicies pulls the current policy set, trying the primary endpoint
// first and the legacy path on 404. Registered callbacks fire after the
// lock is released: change callbacks only when the set changed,
// connection callbacks only on a connectivity transition.
func (c *Client) FetchPolicies(ctx context.Context) ([]Policy, error) {
	policies, err := c.fetchFrom(ctx, "/api/v1/policies")
	if err != nil {
		var se *httpretry.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			policies, err = c.fetchFrom(ctx, "/api/policies")
		}
	}

	c.mu.Lock()
	wasConnected := c.lastFetchSuccessful
	everFetched := c.everFetched
	c.everFetched = true

	if err != nil {
		c.lastFetchSuccessful = false
		connCbs := c.snapshotConnCallbacks()
		c.mu.Unlock()
		if wasConnected || !everFetched {
			for _, cb := range connCbs {
				cb(false)
			}
		}
		return nil, err
	}

	policies = NormalizePolicies(policies)
	changed := !reflect.DeepEqual(policies, c.policies)
	c.lastFetchSuccessful = true
	c.policies = policies
	changeCbs := append([]ChangeCallback(nil), c.changeCallbacks...)
	connCbs := c.snapshotConnCallbacks()
	c.mu.Unlock()

	if !wasConnected || !everFetched {
		for _, cb := range connCbs {
			cb(true)
		}
	}
	if changed {
		for _, cb := range changeCbs {
			cb(policies)
		}
	}
	return policies, nil
}

func (c *Client) snapshotConnCallbacks() []ConnectionCallback {
	return append([]ConnectionCallback(nil), c.connCallbacks...)
}

func (c *Client) fetchFrom(ctx context.Context, path string) ([]Policy, error) {
	// The engine answers either a bare list or {"policies": [...]}.
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	var policies []Policy
	if err := json.Unmarshal(raw, &policies); err == nil {
		return policies, nil
	}
	var wrapped struct {
		Policies []Policy `json:"policies"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	return wrapped.Policies, nil
}

// Run refreshes the policy set at interval until ctx is done.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.FetchPolicies(ctx); err != nil {
			c.logger.Warn("policy fetch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ValidationResult is the engine's answer to a validate/apply request.
type ValidationResult struct {
	Status  string         `json:"status"` // approved | adjusted | denied
	Policy  map[string]any `json:"policy,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ValidatePolicy submits a policy for validation, falling back to the
// legacy endpoint on 404.
func (c *Client) ValidatePolicy(ctx context.Context, policyType string, data map[string]any) (*ValidationResult, error) {
	body := map[string]any{"type": policyType, "data": data}
	var out ValidationResult
	err := httpretry.PostJSON(ctx, c.http, c.baseURL+"/api/v1/validate_policy", body, &out)
	if err != nil {
		var se *httpretry.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			err = httpretry.PostJSON(ctx, c.http, c.baseURL+"/api/validate_policy", body, &out)
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyPolicy submits a new policy to the engine.
func (c *Client) ApplyPolicy(ctx context.Context, policyType string, data map[string]any) (*ValidationResult, error) {
	body := map[string]any{"type": policyType, "data": data}
	var out ValidationResult
	if err := httpretry.PostJSON(ctx, c.http, c.baseURL+"/api/v1/policies", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthorizeFlow asks the engine whether a flow may pass. Network failures
// default to allow so a dead engine cannot partition the fabric.
func (c *Client) AuthorizeFlow(ctx context.Context, srcIP, dstIP, protocol string, port int) bool {
	body := map[string]any{"src_ip": srcIP, "dst_ip": dstIP, "protocol": protocol, "port": port}
	var out struct {
		Authorized bool `json:"authorized"`
	}
	if err := httpretry.PostJSON(ctx, c.http, c.baseURL+"/api/authorize_flow", body, &out); err != nil {
		c.logger.Warn("authorize_flow failed, defaulting to allow", "error", err)
		return true
	}
	return out.Authorized
}

// ClientPriority returns the scheduling priority for an FL client,
// defaulting to low on any failure.
func (c *Client) ClientPriority(ctx context.Context, clientID string) string {
	var out struct {
		Priority string `json:"priority"`
	}
	if err := c.getJSON(ctx, "/api/client_priority/"+url.PathEscape(clientID), &out); err != nil {
		c.logger.Warn("client_priority failed, defaulting to low", "client_id", clientID, "error", err)
		return "low"
	}
	switch out.Priority {
	case "high", "medium", "low":
		return out.Priority
	default:
		return "low"
	}
}

// CheckDecision is the answer to the /check gate.
type CheckDecision struct {
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CheckComponent hits the startup gate: GET /check?component=..&action=...
func (c *Client) CheckComponent(ctx context.Context, component, action string) (*CheckDecision, error) {
	q := url.Values{"component": {component}, "action": {action}}
	var out CheckDecision
	if err := c.getJSON(ctx, "/check?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckPolicyType posts a typed context to /check (used by the API to pull
// fl_training_parameters).
func (c *Client) CheckPolicyType(ctx context.Context, policyType string, contextData map[string]any) (map[string]any, error) {
	body := map[string]any{"policy_type": policyType, "context": contextData}
	var out map[string]any
	if err := httpretry.PostJSON(ctx, c.http, c.baseURL+"/check", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EngineMetrics fetches the engine's own /metrics document.
func (c *Client) EngineMetrics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/metrics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PolicyDecisions pages decision records made since startTime.
func (c *Client) PolicyDecisions(ctx context.Context, startTime string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	if startTime != "" {
		q.Set("start_time", startTime)
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/v1/policy_decisions?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	return decodeRecordList(raw, "decisions")
}

// PolicyMetrics fetches bucketed policy metrics for [startTime, endTime].
func (c *Client) PolicyMetrics(ctx context.Context, startTime, endTime string) ([]map[string]any, error) {
	q := url.Values{}
	if startTime != "" {
		q.Set("start_time", startTime)
	}
	if endTime != "" {
		q.Set("end_time", endTime)
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/v1/policy_metrics?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	return decodeRecordList(raw, "metrics")
}

// ProxyDecisions forwards raw query parameters to the decisions endpoint
// for the API pass-through proxy.
func (c *Client) ProxyDecisions(ctx context.Context, query url.Values) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/v1/policy_decisions?"+query.Encode(), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeRecordList(raw json.RawMessage, wrapperKey string) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	if inner, ok := wrapped[wrapperKey]; ok {
		if err := json.Unmarshal(inner, &list); err != nil {
			return nil, fmt.Errorf("decode %s list: %w", wrapperKey, err)
		}
		return list, nil
	}
	return []map[string]any{}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	err := httpretry.GetJSON(ctx, c.http, c.baseURL+path, out)
	if err != nil {
		var se *httpretry.StatusError
		if errors.As(err, &se) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	return nil
}
