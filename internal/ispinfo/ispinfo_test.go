package ispinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLookup_PrimarySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"as_domain":"example.net","as_name":"EXAMPLE-AS","org":"AS1234 Example"}`))
	}))
	defer srv.Close()

	c := New("tok", nil)
	c.primaryBase = srv.URL

	out := c.Lookup(context.Background(), []string{"1.2.3.4"})
	rec, ok := out["1.2.3.4"]
	if !ok {
		t.Fatal("expected a result for 1.2.3.4")
	}
	if rec.ISP != "example.net" {
		t.Errorf("ISP = %q; want example.net (as_domain preferred)", rec.ISP)
	}
	if rec.Subnet != "1.2.3.0/24" {
		t.Errorf("Subnet = %q; want 1.2.3.0/24", rec.Subnet)
	}
}

func TestLookup_FallsBackOnPrimaryFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","isp":"Fallback ISP","asname":"FALLBACK-AS"}`))
	}))
	defer fallback.Close()

	c := New("tok", nil)
	c.primaryBase = primary.URL
	c.fallbackBase = fallback.URL

	out := c.Lookup(context.Background(), []string{"5.6.7.8"})
	if out["5.6.7.8"].ISP != "FALLBACK-AS" {
		t.Errorf("ISP = %q; want FALLBACK-AS (asname preferred)", out["5.6.7.8"].ISP)
	}
}

func TestLookup_DegradesToUnknownOnTotalFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fallback.Close()

	c := New("tok", nil)
	c.primaryBase = primary.URL
	c.fallbackBase = fallback.URL

	out := c.Lookup(context.Background(), []string{"9.9.9.9"})
	if out["9.9.9.9"].ISP != unknownISP {
		t.Errorf("ISP = %q; want %q", out["9.9.9.9"].ISP, unknownISP)
	}
	if out["9.9.9.9"].Subnet != "9.9.9.0/24" {
		t.Errorf("Subnet still derived locally even on total failure, got %q", out["9.9.9.9"].Subnet)
	}
}

func TestLookup_NoTokenUsesFallbackOnly(t *testing.T) {
	primaryHit := false
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHit = true
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","isp":"NoToken ISP"}`))
	}))
	defer fallback.Close()

	c := New("", nil)
	c.primaryBase = primary.URL
	c.fallbackBase = fallback.URL

	out := c.Lookup(context.Background(), []string{"1.1.1.1"})
	if primaryHit {
		t.Error("expected primary (ipinfo.io) never called without a token")
	}
	if out["1.1.1.1"].ISP != "NoToken ISP" {
		t.Errorf("ISP = %q; want NoToken ISP", out["1.1.1.1"].ISP)
	}
}

func TestLookup_MemoryCacheAvoidsSecondRequest(t *testing.T) {
	calls := 0
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"as_name":"Cached-AS"}`))
	}))
	defer primary.Close()

	c := New("tok", nil)
	c.primaryBase = primary.URL

	c.Lookup(context.Background(), []string{"2.2.2.2"})
	c.Lookup(context.Background(), []string{"2.2.2.2"})
	if calls != 1 {
		t.Errorf("primary called %d times; want 1 (second lookup should hit memory cache)", calls)
	}
}

func TestCountryCode_PrimarySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country":"de"}`))
	}))
	defer srv.Close()

	c := New("tok", nil)
	c.primaryBase = srv.URL

	cc, err := c.CountryCode("1.2.3.4")
	if err != nil {
		t.Fatalf("CountryCode: %v", err)
	}
	if cc != "DE" {
		t.Errorf("CountryCode = %q; want DE (uppercased)", cc)
	}
}

func TestCountryCode_FallsBackOnPrimaryFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","countryCode":"NL"}`))
	}))
	defer fallback.Close()

	c := New("tok", nil)
	c.primaryBase = primary.URL
	c.fallbackBase = fallback.URL

	cc, err := c.CountryCode("5.6.7.8")
	if err != nil {
		t.Fatalf("CountryCode: %v", err)
	}
	if cc != "NL" {
		t.Errorf("CountryCode = %q; want NL", cc)
	}
}

func TestSubnet_IPv4And6(t *testing.T) {
	if got := Subnet("10.20.30.40"); got != "10.20.30.0/24" {
		t.Errorf("Subnet(10.20.30.40) = %q", got)
	}
	if got := Subnet("not-an-ip"); got != "not-an-ip" {
		t.Errorf("Subnet(invalid) = %q; want passthrough", got)
	}
}
