// Package sdnclient is the REST adapter to the OpenFlow controller. It
// handles DPID normalization (canonical hex for identity, integer on
// flowentry posts), symbolic action translation, and bounded retries on
// idempotent reads.
package sdnclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flstack/netplane/internal/httpretry"
)

// ErrControllerUnreachable wraps connection-level failures to the
// controller's REST API.
var ErrControllerUnreachable = errors.New("sdn controller unreachable")

// ofpVersion is the OpenFlow version byte carried on flowentry posts
// (0x04, OpenFlow 1.3).
const ofpVersion = 4

// Switch is one datapath known to the controller.
type Switch struct {
	DPID    string `json:"dpid"`     // canonical 16-hex identity
	DPIDInt uint64 `json:"dpid_int"` // integer form for flowentry posts
}

// Port describes one switch port from /stats/portdesc.
type Port struct {
	PortNo   any    `json:"port_no"`
	Name     string `json:"name"`
	HWAddr   string `json:"hw_addr"`
	State    any    `json:"state,omitempty"`
	CurrSpeed any   `json:"curr_speed,omitempty"`
}

// PortStats holds the running counters from /stats/port.
type PortStats struct {
	PortNo    any     `json:"port_no"`
	RxBytes   uint64  `json:"rx_bytes"`
	TxBytes   uint64  `json:"tx_bytes"`
	RxPackets uint64  `json:"rx_packets"`
	TxPackets uint64  `json:"tx_packets"`
	RxErrors  uint64  `json:"rx_errors"`
	TxErrors  uint64  `json:"tx_errors"`
	Duration  float64 `json:"duration_sec,omitempty"`
}

// FlowEntry is one installed flow from /stats/flow.
type FlowEntry struct {
	Priority     int            `json:"priority"`
	Match        map[string]any `json:"match"`
	Actions      []any          `json:"actions,omitempty"`
	Instructions []any          `json:"instructions,omitempty"`
	PacketCount  uint64         `json:"packet_count"`
	ByteCount    uint64         `json:"byte_count"`
	DurationSec  float64        `json:"duration_sec"`
	IdleTimeout  int            `json:"idle_timeout"`
	HardTimeout  int            `json:"hard_timeout"`
	TableID      int            `json:"table_id"`
}

// TopologyLink is an inter-switch link from /v1.0/topology/links.
type TopologyLink struct {
	Src map[string]any `json:"src"`
	Dst map[string]any `json:"dst"`
}

// TopologyHost is a discovered host from /v1.0/topology/hosts.
type TopologyHost struct {
	MAC  string         `json:"mac"`
	IPv4 []any          `json:"ipv4"`
	IPv6 []any          `json:"ipv6,omitempty"`
	Port map[string]any `json:"port"`
}

// Client talks to the controller REST surface.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a client for the controller at baseURL.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "sdn_client"),
	}
}

// BaseURL returns the controller endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
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
		return fmt.Errorf("%w: %v", ErrControllerUnreachable, err)
	}
	return nil
}

// GetSwitches lists datapaths from /stats/switches. The controller may
// answer with integers or hex strings; both normalize to canonical form.
func (c *Client) GetSwitches(ctx context.Context) ([]Switch, error) {
	var raw []any
	if err := c.getJSON(ctx, "/stats/switches", &raw); err != nil {
		return nil, err
	}
	switches := make([]Switch, 0, len(raw))
	for _, v := range raw {
		n, err := DPIDToInt(v)
		if err != nil {
			c.logger.Warn("skipping malformed dpid from controller", "value", truncate(fmt.Sprint(v)))
			continue
		}
		switches = append(switches, Switch{DPID: fmt.Sprintf("%016x", n), DPIDInt: n})
	}
	return switches, nil
}

// GetPortDesc lists the ports of one switch.
func (c *Client) GetPortDesc(ctx context.Context, dpid any) ([]Port, error) {
	n, err := DPIDToInt(dpid)
	if err != nil {
		return nil, err
	}
	var raw map[string][]Port
	if err := c.getJSON(ctx, "/stats/portdesc/"+strconv.FormatUint(n, 10), &raw); err != nil {
		return nil, err
	}
	return firstValue(raw), nil
}

// GetPortStats fetches running port counters for one switch.
func (c *Client) GetPortStats(ctx context.Context, dpid any) ([]PortStats, error) {
	n, err := DPIDToInt(dpid)
	if err != nil {
		return nil, err
	}
	var raw map[string][]PortStats
	if err := c.getJSON(ctx, "/stats/port/"+strconv.FormatUint(n, 10), &raw); err != nil {
		return nil, err
	}
	return firstValue(raw), nil
}

// GetFlowStats fetches installed flow entries for one switch.
func (c *Client) GetFlowStats(ctx context.Context, dpid any) ([]FlowEntry, error) {
	n, err := DPIDToInt(dpid)
	if err != nil {
		return nil, err
	}
	var raw map[string][]FlowEntry
	if err := c.getJSON(ctx, "/stats/flow/"+strconv.FormatUint(n, 10), &raw); err != nil {
		return nil, err
	}
	return firstValue(raw), nil
}

// GetTopologySwitches returns the enriched switch view; not every
// controller application serves it.
func (c *Client) GetTopologySwitches(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.getJSON(ctx, "/v1.0/topology/switches", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTopologyLinks returns inter-switch links; 404 means the topology app
// is not loaded and is reported as a StatusError for the caller to demote.
func (c *Client) GetTopologyLinks(ctx context.Context) ([]TopologyLink, error) {
	var out []TopologyLink
	if err := c.getJSON(ctx, "/v1.0/topology/links", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTopologyHosts returns discovered hosts.
func (c *Client) GetTopologyHosts(ctx context.Context) ([]TopologyHost, error) {
	var out []TopologyHost
	if err := c.getJSON(ctx, "/v1.0/topology/hosts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FlowMod is the body of a flowentry add/delete post. DPID is carried in
// integer form per the controller contract.
type FlowMod struct {
	DPID        uint64         `json:"dpid"`
	Version     int            `json:"version,omitempty"`
	Priority    int            `json:"priority"`
	Match       map[string]any `json:"match"`
	Actions     []Action       `json:"actions"`
	IdleTimeout int            `json:"idle_timeout,omitempty"`
	HardTimeout int            `json:"hard_timeout,omitempty"`
}

// AddFlow installs a flow. The post is never retried on 4xx: a rejected
// flowentry stays rejected.
func (c *Client) AddFlow(ctx context.Context, dpid any, priority int, match map[string]any, actions []Action, idleTimeout, hardTimeout int) error {
	n, err := DPIDToInt(dpid)
	if err != nil {
		return err
	}
	if match == nil {
		match = map[string]any{}
	}
	mod := FlowMod{
		DPID:        n,
		Version:     ofpVersion,
		Priority:    priority,
		Match:       match,
		Actions:     TranslateActions(actions, c.logger),
		IdleTimeout: idleTimeout,
		HardTimeout: hardTimeout,
	}
	return c.postFlowEntry(ctx, "/stats/flowentry/add", mod)
}

// DeleteFlow removes flows matching (dpid, match, priority).
func (c *Client) DeleteFlow(ctx context.Context, dpid any, match map[string]any, priority int) error {
	n, err := DPIDToInt(dpid)
	if err != nil {
		return err
	}
	if match == nil {
		match = map[string]any{}
	}
	mod := FlowMod{
		DPID:     n,
		Version:  ofpVersion,
		Priority: priority,
		Match:    match,
		Actions:  []Action{},
	}
	return c.postFlowEntry(ctx, "/stats/flowentry/delete", mod)
}

// ClearFlows wipes every flow from one switch.
func (c *Client) ClearFlows(ctx context.Context, dpid any) error {
	n, err := DPIDToInt(dpid)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/stats/flowentry/clear/%d", c.baseURL, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrControllerUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpretry.StatusError{Status: resp.StatusCode, URL: url}
	}
	return nil
}

func (c *Client) postFlowEntry(ctx context.Context, path string, mod FlowMod) error {
	raw, err := json.Marshal(mod)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrControllerUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpretry.StatusError{Status: resp.StatusCode, URL: c.baseURL + path}
	}
	return nil
}

func firstValue[T any](m map[string][]T) []T {
	for _, v := range m {
		return v
	}
	return []T{}
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
