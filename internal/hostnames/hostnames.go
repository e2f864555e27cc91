package hostnames

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrHostDenied is returned when a target host matches the deny list.
var ErrHostDenied = errors.New("host is denied by policy")

// Normalize converts a hostname to its canonical ASCII lower-case form.
// - Trims spaces
// - Drops a trailing dot
// - Strips IPv6 brackets
// - Applies IDNA Lookup ToASCII mapping
// - Lower-cases the result
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	host = strings.TrimSuffix(host, ".")
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return strings.ToLower(host)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		ascii = host
	}
	return strings.ToLower(ascii)
}

// NormalizeOrWildcard behaves like Normalize but preserves a leading
// single-label wildcard pattern "*." if present.
func NormalizeOrWildcard(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "*.") {
		base := Normalize(host[2:])
		if base == "" {
			return ""
		}
		return "*." + base
	}
	return Normalize(host)
}

// IsWildcard returns true if the pattern begins with a single-label wildcard ("*.").
func IsWildcard(pattern string) bool {
	return strings.HasPrefix(pattern, "*.")
}

// IsValidWildcard returns true if the pattern is a single-label wildcard and
// the part after "*." contains at least two labels (e.g., "example.com").
// Broad patterns like "*.com" are rejected.
func IsValidWildcard(pattern string) bool {
	if !IsWildcard(pattern) {
		return false
	}
	rest := pattern[2:]
	if !strings.Contains(rest, ".") {
		return false
	}
	if strings.Contains(rest, "*") {
		return false
	}
	if strings.HasPrefix(rest, ".") || strings.HasSuffix(rest, ".") || strings.Contains(rest, "..") {
		return false
	}
	return true
}

// WildcardSuffix returns the canonical suffix (including the leading dot),
// e.g., for "*.example.com" it returns ".example.com". The boolean is false
// if the pattern is not a valid single-label wildcard.
func WildcardSuffix(pattern string) (string, bool) {
	p := NormalizeOrWildcard(pattern)
	if !IsValidWildcard(p) {
		return "", false
	}
	return p[1:], true
}

// DenyList matches hosts against exact names and single-label wildcards.
// The zero value and a nil *DenyList deny nothing.
type DenyList struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDenyList builds a DenyList from config patterns. Invalid wildcard
// patterns are skipped; config validation rejects them earlier.
func NewDenyList(patterns []string) *DenyList {
	d := &DenyList{exact: make(map[string]struct{})}
	for _, p := range patterns {
		norm := NormalizeOrWildcard(p)
		if norm == "" {
			continue
		}
		if IsWildcard(norm) {
			if sfx, ok := WildcardSuffix(norm); ok {
				d.suffixes = append(d.suffixes, sfx)
			}
			continue
		}
		d.exact[norm] = struct{}{}
	}
	return d
}

// Denied reports whether host matches the list. A wildcard matches exactly
// one extra label: "*.example.com" covers "a.example.com" only.
func (d *DenyList) Denied(host string) bool {
	if d == nil {
		return false
	}
	h := Normalize(host)
	if h == "" {
		return false
	}
	if _, ok := d.exact[h]; ok {
		return true
	}
	for _, sfx := range d.suffixes {
		if strings.HasSuffix(h, sfx) {
			label := h[:len(h)-len(sfx)]
			if label != "" && !strings.Contains(label, ".") {
				return true
			}
		}
	}
	return false
}

// Check returns ErrHostDenied (wrapped with the host) if host is denied.
func (d *DenyList) Check(host string) error {
	if d.Denied(host) {
		return fmt.Errorf("%w: %s", ErrHostDenied, Normalize(host))
	}
	return nil
}

// TargetAddress validates a tunnel target and returns the dial address.
func TargetAddress(host string, port int) (string, error) {
	h := Normalize(host)
	if h == "" {
		return "", errors.New("target host is empty")
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("target port %d out of range", port)
	}
	return net.JoinHostPort(h, strconv.Itoa(port)), nil
}
