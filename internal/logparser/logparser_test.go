package logparser

import "testing"

type fakeGeo struct {
	codes map[string]string
	err   error
}

func (f fakeGeo) CountryCode(ip string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.codes[ip], nil
}

func TestParse_BasicIPv4Line(t *testing.T) {
	line := `2024-01-01 accepted tcp 203.0.113.5:51515 accepted [VLESS >> DIRECT] email: 1.alice`
	rec, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil)
	if !ok {
		t.Fatal("expected line to parse")
	}
	if rec.Username != "alice" || rec.IP != "203.0.113.5" || rec.Inbound != "VLESS" {
		t.Errorf("rec = %+v", rec)
	}
}

func TestParse_RejectsBlockedLines(t *testing.T) {
	line := `[VLESS >> DIRECT] 203.0.113.5:51515 accepted then BLOCK] email: 1.alice`
	if _, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil); ok {
		t.Error("expected BLOCK] line to be dropped")
	}
}

func TestParse_CDNExtractsRealIP(t *testing.T) {
	line := `198.51.100.7:443 accepted [CF-WS >> DIRECT] email: 1.emma xForwardedFor: 203.0.113.9`
	cfg := Config{
		CDNInbounds: map[string]struct{}{"CF-WS": {}},
		CDNUseXFF:   true,
	}
	rec, ok := Parse(line, "node1", "Node One", cfg, NewIPSets(), nil)
	if !ok {
		t.Fatal("expected line to parse")
	}
	if rec.IP != "203.0.113.9" {
		t.Errorf("IP = %s; want 203.0.113.9 (from XFF, not peer)", rec.IP)
	}
}

func TestParse_RejectsPrivateIP(t *testing.T) {
	line := `10.0.0.5:443 accepted [VLESS >> DIRECT] email: 1.alice`
	if _, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil); ok {
		t.Error("expected private IP to be rejected")
	}
}

func TestParse_GeoFilterRejectsWrongCountry(t *testing.T) {
	line := `203.0.113.5:443 accepted [VLESS >> DIRECT] email: 1.alice`
	cfg := Config{CountryCode: "US"}
	geo := fakeGeo{codes: map[string]string{"203.0.113.5": "DE"}}
	if _, ok := Parse(line, "node1", "Node One", cfg, NewIPSets(), geo); ok {
		t.Error("expected wrong-country IP to be rejected")
	}
}

func TestParse_GeoFilterAcceptsMatchingCountry(t *testing.T) {
	line := `203.0.113.5:443 accepted [VLESS >> DIRECT] email: 1.alice`
	cfg := Config{CountryCode: "US"}
	geo := fakeGeo{codes: map[string]string{"203.0.113.5": "US"}}
	rec, ok := Parse(line, "node1", "Node One", cfg, NewIPSets(), geo)
	if !ok || rec.Username != "alice" {
		t.Errorf("rec, ok = %+v, %v; want alice, true", rec, ok)
	}
}

func TestParse_RejectsBlacklistedUsernameResidue(t *testing.T) {
	line := `203.0.113.5:443 accepted [VLESS >> DIRECT] email: API]`
	if _, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil); ok {
		t.Error("expected blacklisted residue to be rejected")
	}
}

func TestParse_DropsLineWithoutIP(t *testing.T) {
	line := `something accepted [VLESS >> DIRECT] email: 1.alice`
	if _, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil); ok {
		t.Error("expected line without IP to be dropped")
	}
}

func TestParse_IdempotentAtLineLevel(t *testing.T) {
	line := `203.0.113.5:443 accepted [VLESS >> DIRECT] email: 1.alice`
	sets := NewIPSets()
	rec1, ok1 := Parse(line, "node1", "Node One", Config{}, sets, nil)
	rec2, ok2 := Parse(line, "node1", "Node One", Config{}, sets, nil)
	if !ok1 || !ok2 || rec1 != rec2 {
		t.Errorf("parsing the same line twice should yield identical records: %+v vs %+v", rec1, rec2)
	}
}

func TestParse_PreservesUsernameCase(t *testing.T) {
	line := `203.0.113.5:443 accepted [VLESS >> DIRECT] email: 1.Alice`
	rec, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil)
	if !ok || rec.Username != "Alice" {
		t.Errorf("Username = %q, %v; want Alice, true (case preserved for the panel lookup)", rec.Username, ok)
	}
}

func TestParse_RejectsAllBlacklistedUsernameResidues(t *testing.T) {
	for _, residue := range []string{"API]", "Found", "(normal)", "timeout", "EOF", "address", "INFO", "request"} {
		line := `203.0.113.5:443 accepted [VLESS >> DIRECT] email: ` + residue
		if _, ok := Parse(line, "node1", "Node One", Config{}, NewIPSets(), nil); ok {
			t.Errorf("residue %q: expected Parse to reject it, got ok=true", residue)
		}
	}
}
