package validate_test

import (
	"testing"

	"github.com/pasarguard/iplimiter/internal/validate"
)

func TestNonEmptyString(t *testing.T) {
	if err := validate.NonEmptyString("name", "hello"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := validate.NonEmptyString("name", "   "); err == nil {
		t.Error("expected error for whitespace-only string")
	}
	if err := validate.NonEmptyString("name", ""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestIntAtLeast(t *testing.T) {
	if err := validate.IntAtLeast("check_interval", 30, 30); err != nil {
		t.Errorf("boundary value should pass, got %v", err)
	}
	if err := validate.IntAtLeast("check_interval", 29, 30); err == nil {
		t.Error("expected error below minimum")
	}
}

func TestIntInRange(t *testing.T) {
	if err := validate.IntInRange("window_hours", 1, 1, 720); err != nil {
		t.Errorf("lower boundary should pass, got %v", err)
	}
	if err := validate.IntInRange("window_hours", 720, 1, 720); err != nil {
		t.Errorf("upper boundary should pass, got %v", err)
	}
	if err := validate.IntInRange("window_hours", 0, 1, 720); err == nil {
		t.Error("expected error below range")
	}
	if err := validate.IntInRange("window_hours", 721, 1, 720); err == nil {
		t.Error("expected error above range")
	}
}

func TestIsCountryCode(t *testing.T) {
	cases := []struct {
		value string
		valid bool
	}{
		{"US", true},
		{"gb", true},
		{"None", true},
		{"", true},
		{"USA", false},
		{"1U", false},
	}
	for _, c := range cases {
		err := validate.IsCountryCode("country_code", c.value)
		if c.valid && err != nil {
			t.Errorf("IsCountryCode(%q): expected valid, got %v", c.value, err)
		}
		if !c.valid && err == nil {
			t.Errorf("IsCountryCode(%q): expected error", c.value)
		}
	}
}

func TestIsDisableMethod(t *testing.T) {
	if err := validate.IsDisableMethod("disable_method", "status"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := validate.IsDisableMethod("disable_method", "group"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := validate.IsDisableMethod("disable_method", "ban"); err == nil {
		t.Error("expected error for unrecognized method")
	}
}

func TestMultiError(t *testing.T) {
	var m validate.MultiError
	m.Add(validate.NonEmptyString("domain", ""))
	m.Add(nil)
	m.Add(validate.IntAtLeast("check_interval", 1, 30))
	if !m.HasErrors() {
		t.Fatal("expected errors to be collected")
	}
	if len(m.Errors) != 2 {
		t.Fatalf("expected 2 collected errors, got %d", len(m.Errors))
	}
}
