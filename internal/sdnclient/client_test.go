package sdnclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flstack/netplane/internal/httpretry"
)

func TestGetSwitchesNormalizesMixedForms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stats/switches", r.URL.Path)
		json.NewEncoder(w).Encode([]any{1, "000072935aa3324a", "0x2"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	switches, err := c.GetSwitches(context.Background())
	require.NoError(t, err)
	require.Len(t, switches, 3)

	assert.Equal(t, "0000000000000001", switches[0].DPID)
	assert.Equal(t, "000072935aa3324a", switches[1].DPID)
	assert.Equal(t, "0000000000000002", switches[2].DPID)
	assert.Equal(t, uint64(0x72935aa3324a), switches[1].DPIDInt)
}

func TestGetSwitchesSkipsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{"zz-not-a-dpid", 7})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	switches, err := c.GetSwitches(context.Background())
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "0000000000000007", switches[0].DPID)
}

func TestAddFlowPostsIntegerDPID(t *testing.T) {
	var got FlowMod
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stats/flowentry/add", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.AddFlow(context.Background(), "000072935aa3324a", 125,
		map[string]any{"eth_type": 0x0800, "ip_proto": 6, "tcp_dst": 22},
		[]Action{}, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x72935aa3324a), got.DPID)
	assert.Equal(t, 4, got.Version)
	assert.Equal(t, 125, got.Priority)
	assert.Empty(t, got.Actions) // empty action list = drop
}

func TestAddFlowTranslatesSymbolicPorts(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.AddFlow(context.Background(), 1, 10,
		map[string]any{"eth_type": 0x0800},
		[]Action{{"type": "FORWARD", "port": "NORMAL"}}, 30, 0)
	require.NoError(t, err)

	actions := got["actions"].([]any)
	require.Len(t, actions, 1)
	action := actions[0].(map[string]any)
	assert.Equal(t, "OUTPUT", action["type"])
	assert.EqualValues(t, float64(PortNormal), action["port"])
}

func TestAddFlowNoRetryOn4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.AddFlow(context.Background(), 1, 10, map[string]any{}, nil, 0, 0)
	require.Error(t, err)
	var se *httpretry.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, calls)
}

func TestAddFlowMalformedDPID(t *testing.T) {
	c := New("http://unused", nil)
	err := c.AddFlow(context.Background(), "not-a-dpid", 10, nil, nil, 0, 0)
	assert.ErrorIs(t, err, ErrMalformedDPID)
}

func TestUnreachableController(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	_, err := c.GetSwitches(context.Background())
	assert.ErrorIs(t, err, ErrControllerUnreachable)
}

func TestGetPortStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stats/port/1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"1": []map[string]any{
				{"port_no": 1, "rx_bytes": 1000, "tx_bytes": 2000, "rx_packets": 10, "tx_packets": 20},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	stats, err := c.GetPortStats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1000, stats[0].RxBytes)
}

func TestTranslateActionsUnknownNamePassesThrough(t *testing.T) {
	out := TranslateActions([]Action{{"type": "OUTPUT", "port": "FLOOD_CUSTOM"}}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "FLOOD_CUSTOM", out[0]["port"])

	out = TranslateActions([]Action{{"type": "output", "port": "3"}}, nil)
	assert.EqualValues(t, uint64(3), out[0]["port"])
}
