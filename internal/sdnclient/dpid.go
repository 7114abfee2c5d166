package sdnclient

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedDPID is returned when a datapath id cannot be normalized.
var ErrMalformedDPID = errors.New("malformed DPID")

var canonicalDPID = regexp.MustCompile(`^[0-9a-f]{16}$`)

// DPIDToInt converts any accepted DPID representation (integer, decimal
// string, 0x-prefixed hex, bare hex) into the integer form used on
// flowentry posts.
func DPIDToInt(v any) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative dpid %d", ErrMalformedDPID, x)
		}
		return uint64(x), nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative dpid %d", ErrMalformedDPID, x)
		}
		return uint64(x), nil
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return 0, fmt.Errorf("%w: non-integral dpid %v", ErrMalformedDPID, x)
		}
		return uint64(x), nil
	case string:
		s := strings.TrimSpace(strings.ToLower(x))
		if s == "" {
			return 0, fmt.Errorf("%w: empty dpid", ErrMalformedDPID)
		}
		if strings.HasPrefix(s, "0x") {
			n, err := strconv.ParseUint(s[2:], 16, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrMalformedDPID, x)
			}
			return n, nil
		}
		// A 16-digit string is already the canonical hex form; anything
		// else tries decimal first, then bare hex ("72935aa3324a").
		if canonicalDPID.MatchString(s) {
			n, err := strconv.ParseUint(s, 16, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrMalformedDPID, x)
			}
			return n, nil
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, nil
		}
		if n, err := strconv.ParseUint(s, 16, 64); err == nil {
			return n, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrMalformedDPID, x)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrMalformedDPID, v)
	}
}

// NormalizeDPID converts any accepted DPID representation into the
// canonical 16-digit lowercase hex form used for identity comparisons.
func NormalizeDPID(v any) (string, error) {
	n, err := DPIDToInt(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", n), nil
}

// IsCanonicalDPID reports whether s is already in canonical form.
func IsCanonicalDPID(s string) bool {
	return canonicalDPID.MatchString(s)
}
