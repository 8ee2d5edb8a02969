// Package logparser turns one SSE log line from a node into zero or
// one (username, ip, inbound, node) record (spec §4.2). It holds no
// implicit global state: the invalid/valid IP sets and the geo-IP
// lookup (a GeoFilter) are owned by the caller and passed in, per spec §9's
// "avoid implicit module-level state" guidance.
package logparser

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	inboundRe = regexp.MustCompile(`\[([^\]]+?)\s*>>`)
	ipv6Re    = regexp.MustCompile(`\[([0-9a-fA-F:]+)\]:\d+\s+accepted`)
	ipv4Re    = regexp.MustCompile(`(\d{1,3}(?:\.\d{1,3}){3}):\d+\s+accepted`)
	emailRe   = regexp.MustCompile(`email:\s*(\S+)`)

	xffRe = []*regexp.Regexp{
		regexp.MustCompile(`xForwardedFor:\s*(\d{1,3}(?:\.\d{1,3}){3})`),
		regexp.MustCompile(`X-Forwarded-For:\s*(\d{1,3}(?:\.\d{1,3}){3})`),
		regexp.MustCompile(`xff:\s*(\d{1,3}(?:\.\d{1,3}){3})`),
		regexp.MustCompile(`from\s+(\d{1,3}(?:\.\d{1,3}){3})\s+\(via`),
	}

	usernameLeadingID = regexp.MustCompile(`^\d+\.`)

	// usernameBlacklist catches residues that are clearly not a real
	// username — artifacts of the log format, not accounts.
	usernameBlacklist = map[string]struct{}{
		"API]":     {},
		"Found":    {},
		"(normal)": {},
		"timeout":  {},
		"EOF":      {},
		"address":  {},
		"INFO":     {},
		"request":  {},
	}
)

// Record is one parsed (user, ip, inbound, node) tuple.
type Record struct {
	Username string
	IP       string
	Inbound  string
	NodeID   string
	NodeName string
}

// IPSets holds the process-wide valid/invalid IP caches the caller
// owns and reuses across Parse calls to short-circuit repeat lookups.
type IPSets struct {
	Valid   map[string]struct{}
	Invalid map[string]struct{}
}

// NewIPSets returns empty sets seeded with nothing; callers may add
// known-bad defaults (node addresses, etc.) before first use.
func NewIPSets() *IPSets {
	return &IPSets{Valid: make(map[string]struct{}), Invalid: make(map[string]struct{})}
}

// GeoFilter optionally resolves an IP to an ISO-2 country code. When
// countryCode is not "None", a result that does not match countryCode
// causes Parse to drop the line.
type GeoFilter interface {
	CountryCode(ip string) (string, error)
}

// Config is the subset of operator configuration LogParser needs.
type Config struct {
	CDNInbounds map[string]struct{}
	CDNUseXFF   bool
	CountryCode string // "None" disables the geo filter
}

// Parse applies the full pipeline (spec §4.2) to one SSE data line and
// returns the extracted record, or ok=false if the line should be
// dropped. Parse never panics or returns an error: malformed lines are
// silently dropped, per spec §7.
func Parse(line string, nodeID, nodeName string, cfg Config, sets *IPSets, geo GeoFilter) (Record, bool) {
	if !strings.Contains(line, "accepted") || strings.Contains(line, "BLOCK]") {
		return Record{}, false
	}

	inbound := "Unknown"
	if m := inboundRe.FindStringSubmatch(line); m != nil {
		inbound = strings.TrimSpace(m[1])
	}

	ip, ok := extractIP(line)
	if !ok {
		return Record{}, false
	}

	if cfg.CDNUseXFF {
		if _, isCDN := cfg.CDNInbounds[inbound]; isCDN {
			if real, found := extractXFF(line); found {
				ip = real
			}
		}
	}

	if !validateIP(ip, sets) {
		return Record{}, false
	}

	if cfg.CountryCode != "" && cfg.CountryCode != "None" && geo != nil {
		cc, err := geo.CountryCode(ip)
		if err != nil || !strings.EqualFold(cc, cfg.CountryCode) {
			sets.Invalid[ip] = struct{}{}
			return Record{}, false
		}
	}

	username, ok := extractUsername(line)
	if !ok {
		return Record{}, false
	}

	return Record{
		Username: username,
		IP:       ip,
		Inbound:  inbound,
		NodeID:   nodeID,
		NodeName: nodeName,
	}, true
}

func extractIP(line string) (string, bool) {
	if m := ipv6Re.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := ipv4Re.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

func extractXFF(line string) (string, bool) {
	for _, re := range xffRe {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// validateIP checks sets.Valid / sets.Invalid first, else parses the
// IP and rejects private/loopback/link-local/ULA addresses, caching
// the result either way.
func validateIP(ip string, sets *IPSets) bool {
	if _, bad := sets.Invalid[ip]; bad {
		return false
	}
	if _, good := sets.Valid[ip]; good {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil || isPrivate(parsed) {
		sets.Invalid[ip] = struct{}{}
		return false
	}
	sets.Valid[ip] = struct{}{}
	return true
}

func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// extractUsername pulls the "email:" suffix, strips a leading numeric
// ID (e.g. "1.alice" -> "alice"), rejects known misparse residues, and
// NFC-normalizes the result so visually-identical names from
// different node encodings collapse to the same active-user-table
// key. Case is preserved: this value is later handed verbatim to the
// panel client, which treats usernames as case-sensitive.
func extractUsername(line string) (string, bool) {
	m := emailRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	raw := usernameLeadingID.ReplaceAllString(m[1], "")
	if raw == "" {
		return "", false
	}
	if _, blocked := usernameBlacklist[raw]; blocked {
		return "", false
	}
	return norm.NFC.String(raw), true
}
