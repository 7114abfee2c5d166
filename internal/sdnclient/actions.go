package sdnclient

import (
	"log/slog"
	"strconv"
	"strings"
)

// Symbolic OpenFlow 1.3 port numbers accepted in action specs.
const (
	PortInPort     uint64 = 0xfffffff8
	PortNormal     uint64 = 0xfffffffa
	PortAll        uint64 = 0xffffffff
	PortController uint64 = 0xfffffffd
	PortLocal      uint64 = 0xfffffffe
)

var symbolicPorts = map[string]uint64{
	"IN_PORT":    PortInPort,
	"NORMAL":     PortNormal,
	"ALL":        PortAll,
	"CONTROLLER": PortController,
	"LOCAL":      PortLocal,
}

// Action is one flow action in the shape the controller REST API expects.
type Action map[string]any

// OutputNormal is the allow action: forward via the switch's normal
// L2/L3 pipeline.
func OutputNormal() Action {
	return Action{"type": "OUTPUT", "port": PortNormal}
}

// OutputController punts matching packets to the controller (alert).
func OutputController() Action {
	return Action{"type": "OUTPUT", "port": PortController}
}

// TranslateActions rewrites symbolic ports into their numeric OpenFlow
// values and normalizes action types. FORWARD is an alias of OUTPUT.
// Unknown symbolic names pass through with a warning; an empty list means
// drop and is emitted as-is.
func TranslateActions(actions []Action, logger *slog.Logger) []Action {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		translated := Action{}
		for k, v := range a {
			translated[k] = v
		}

		if t, ok := translated["type"].(string); ok {
			t = strings.ToUpper(t)
			if t == "FORWARD" {
				t = "OUTPUT"
			}
			translated["type"] = t
		}

		if port, ok := translated["port"]; ok {
			translated["port"] = translatePort(port, logger)
		}
		out = append(out, translated)
	}
	return out
}

func translatePort(port any, logger *slog.Logger) any {
	switch p := port.(type) {
	case string:
		upper := strings.ToUpper(strings.TrimSpace(p))
		if n, ok := symbolicPorts[upper]; ok {
			return n
		}
		if n, err := strconv.ParseUint(upper, 10, 64); err == nil {
			return n
		}
		logger.Warn("unknown symbolic port in action, passing through", "port", p)
		return p
	case float64:
		return uint64(p)
	default:
		return port
	}
}
