package policyclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePolicies(t *testing.T) {
	policies := NormalizePolicies([]Policy{
		{Type: "network", Rules: []Rule{{Action: ActionDeny}, {ID: "keep", Action: ActionAllow}}},
		{ID: "named", Type: TypeQoS},
	})

	assert.Equal(t, TypeNetworkSecurity, policies[0].Type)
	assert.Equal(t, "policy-0", policies[0].ID)
	assert.Equal(t, "policy-0_rule_0", policies[0].Rules[0].ID)
	assert.Equal(t, "keep", policies[0].Rules[1].ID)
	assert.Equal(t, "named", policies[1].ID)
}

func TestFetchPoliciesPrimaryAndLegacy(t *testing.T) {
	legacyHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/policies":
			w.WriteHeader(http.StatusNotFound)
		case "/api/policies":
			legacyHit = true
			json.NewEncoder(w).Encode(map[string]any{
				"policies": []map[string]any{{"type": "network", "enabled": true}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	policies, err := c.FetchPolicies(context.Background())
	require.NoError(t, err)
	require.True(t, legacyHit)
	require.Len(t, policies, 1)
	assert.Equal(t, TypeNetworkSecurity, policies[0].Type)
	assert.True(t, c.CheckPolicyEngineStatus())
}

func TestChangeCallbackOnlyOnChange(t *testing.T) {
	set := []map[string]any{{"id": "p1", "type": "network_security", "enabled": true}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	var fired int
	c.OnPolicyChange(func([]Policy) { fired++ })

	_, err := c.FetchPolicies(context.Background())
	require.NoError(t, err)
	_, err = c.FetchPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	set = append(set, map[string]any{"id": "p2", "type": "qos", "enabled": true})
	_, err = c.FetchPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
}

func TestConnectionCallbackTransitions(t *testing.T) {
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	var transitions []bool
	c.OnConnectionChange(func(up bool) { transitions = append(transitions, up) })

	c.FetchPolicies(context.Background())
	fail = true
	c.FetchPolicies(context.Background())
	c.FetchPolicies(context.Background())
	fail = false
	c.FetchPolicies(context.Background())

	assert.Equal(t, []bool{true, false, true}, transitions)
	assert.True(t, c.CheckPolicyEngineStatus())
}

func TestAuthorizeFlowDefaultAllow(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	assert.True(t, c.AuthorizeFlow(context.Background(), "10.0.0.1", "10.0.0.2", "tcp", 443))
}

func TestClientPriorityDefaultLow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/client_priority/client-3", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"priority": "high"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	assert.Equal(t, "high", c.ClientPriority(context.Background(), "client-3"))

	down := New("http://127.0.0.1:1", nil)
	assert.Equal(t, "low", down.ClientPriority(context.Background(), "client-3"))
}

func TestPolicyDecisionsWrappedAndBare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1000", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{
			"decisions": []map[string]any{{"decision": "allowed", "timestamp": "2025-01-01T00:00:00Z"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	decisions, err := c.PolicyDecisions(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "allowed", decisions[0]["decision"])
}

func TestPortToInt(t *testing.T) {
	n, ok := PortToInt(float64(22))
	assert.True(t, ok)
	assert.Equal(t, 22, n)

	n, ok = PortToInt("8080")
	assert.True(t, ok)
	assert.Equal(t, 8080, n)

	_, ok = PortToInt("any")
	assert.False(t, ok)
	_, ok = PortToInt(nil)
	assert.False(t, ok)
}
