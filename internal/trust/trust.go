// Package trust implements the TrustScorer (spec §4.6): a pure
// function from per-user evidence to a score in [-100, 100] that the
// evaluator uses to decide whether a new violation should skip the
// monitoring window and disable the user immediately.
package trust

// Evidence is everything C6 needs to score one user's current
// violation. All fields are per-cycle snapshots; trust.Score never
// mutates them or reads outside state.
type Evidence struct {
	IPs               []string
	IPToInbounds      map[string][]string // ip -> distinct inbound protocols seen on it
	InboundProtocols  []string            // distinct inbounds across all IPs
	ISPNames          map[string]string   // ip -> ISP name
	IPSubnets         map[string]string   // ip -> /24 (or /64) subnet key
	PriorDisables12h  int
	PriorDisables24h  int // disables strictly between 12h and 24h ago
}

// ISPPattern classifies the multi-ISP shape of a user's current IPs.
type ISPPattern string

const (
	PatternSingleISP       ISPPattern = "single_isp"
	PatternSIMSwap         ISPPattern = "sim_swap"
	PatternMultiDevice     ISPPattern = "multi_device"
	PatternPossibleSIMSwap ISPPattern = "possible_sim_swap"
	PatternUnknown         ISPPattern = "unknown"
)

// Level buckets a numeric score into an operator-facing trust level.
type Level string

const (
	LevelTrusted    Level = "trusted"
	LevelHigh       Level = "high"
	LevelMedium     Level = "medium"
	LevelLow        Level = "low"
	LevelSuspicious Level = "suspicious"
	LevelCritical   Level = "critical"
)

const baseScore = 50

// Score computes the trust score per spec §4.6, applying each
// adjustment in the documented order and clamping the result to
// [-100, 100]. It is deterministic: identical Evidence always yields
// an identical score.
func Score(e Evidence) int {
	score := baseScore

	nIPs := len(e.IPs)
	nInbounds := len(e.InboundProtocols)

	sameIPMultiInbound := anyIPHasMultipleInbounds(e.IPToInbounds)
	differentIPsSameInbound := differentIPsShareInbound(e.IPToInbounds)

	if sameIPMultiInbound {
		score += 20
	}
	if differentIPsSameInbound {
		score -= 30
	}
	if nInbounds > 1 && nIPs > 1 && !sameIPMultiInbound {
		score -= 15 * min(nInbounds, nIPs)
	}

	nSubnets := distinctSubnetCount(e.IPSubnets)
	if sameISP(e.ISPNames) && nSubnets > 1 {
		score -= 15 * (nSubnets - 1)
	}

	switch Classify(e) {
	case PatternSIMSwap, PatternPossibleSIMSwap:
		score -= 8
	case PatternMultiDevice:
		score -= 25
	}

	if e.PriorDisables12h > 0 {
		score -= 20 * e.PriorDisables12h
	}
	if e.PriorDisables24h > 0 {
		score -= 10 * e.PriorDisables24h
	}

	if nIPs > 2 {
		score -= 10 * (nIPs - 2)
	}

	if score > 100 {
		score = 100
	}
	if score < -100 {
		score = -100
	}
	return score
}

// Classify determines the ISP pattern per spec §4.6: 1 ISP is
// single_isp; exactly 2 IPs with 2 distinct ISPs and distinct subnets
// is a SIM-swap signature; more IPs than subnets implies one ISP
// spanning several physical devices; anything else with multiple ISPs
// is a possible SIM swap, else unknown.
func Classify(e Evidence) ISPPattern {
	distinctISPs := distinctValueCount(e.ISPNames)
	if distinctISPs <= 1 {
		return PatternSingleISP
	}

	nIPs := len(e.IPs)
	nSubnets := distinctSubnetCount(e.IPSubnets)

	// Each IP sits in its own subnet, and only 1-2 ISPs are involved:
	// either a SIM-swap (exactly 2 IPs, 2 ISPs) or ambiguous.
	if nSubnets == nIPs && distinctISPs <= 2 {
		if nIPs == 2 && distinctISPs == 2 {
			return PatternSIMSwap
		}
		return PatternPossibleSIMSwap
	}
	// Several IPs crammed into fewer subnets than IPs: more likely
	// several physical devices behind the same ISP/network.
	if nSubnets < nIPs {
		return PatternMultiDevice
	}
	return PatternUnknown
}

// LevelFor buckets a score into an operator-facing trust level per
// spec §4.6's thresholds.
func LevelFor(score int) Level {
	switch {
	case score >= 40:
		return LevelTrusted
	case score >= 20:
		return LevelHigh
	case score >= 0:
		return LevelMedium
	case score >= -25:
		return LevelLow
	case score >= -50:
		return LevelSuspicious
	default:
		return LevelCritical
	}
}

func anyIPHasMultipleInbounds(ipToInbounds map[string][]string) bool {
	for _, inbounds := range ipToInbounds {
		if len(inbounds) >= 2 {
			return true
		}
	}
	return false
}

// differentIPsShareInbound reports whether any single inbound protocol
// appears under two or more distinct IPs.
func differentIPsShareInbound(ipToInbounds map[string][]string) bool {
	inboundIPCount := make(map[string]int)
	for ip, inbounds := range ipToInbounds {
		seen := make(map[string]struct{}, len(inbounds))
		for _, inbound := range inbounds {
			if _, dup := seen[inbound]; dup {
				continue
			}
			seen[inbound] = struct{}{}
			inboundIPCount[inbound]++
		}
		_ = ip
	}
	for _, count := range inboundIPCount {
		if count >= 2 {
			return true
		}
	}
	return false
}

func distinctSubnetCount(ipSubnets map[string]string) int {
	set := make(map[string]struct{}, len(ipSubnets))
	for _, subnet := range ipSubnets {
		set[subnet] = struct{}{}
	}
	return len(set)
}

func distinctValueCount(m map[string]string) int {
	set := make(map[string]struct{}, len(m))
	for _, v := range m {
		set[v] = struct{}{}
	}
	return len(set)
}

func sameISP(ispNames map[string]string) bool {
	return distinctValueCount(ispNames) == 1
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
