package disabledstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddAndDueForEnable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	s := New(path)
	now := time.Now()

	if err := s.Add("alice", now, 600, false, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(s.DueForEnable(now.Add(599*time.Second), 1800)) != 0 {
		t.Error("expected alice not due yet at t+599s")
	}
	due := s.DueForEnable(now.Add(601*time.Second), 1800)
	if len(due) != 1 || due[0] != "alice" {
		t.Errorf("DueForEnable() = %v; want [alice]", due)
	}
}

func TestAdd_PermanentNeverDue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	s := New(path)
	now := time.Now()
	if err := s.Add("bob", now, 0, true, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	due := s.DueForEnable(now.Add(1000*time.Hour), 1800)
	if len(due) != 0 {
		t.Errorf("DueForEnable() = %v; want empty (permanent)", due)
	}
	if got := s.RemainingSeconds("bob", now, 1800); got != Permanent {
		t.Errorf("RemainingSeconds() = %d; want Permanent", got)
	}
}

func TestAdd_DefaultDurationWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	s := New(path)
	now := time.Now()
	if err := s.Add("carol", now, 0, false, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	due := s.DueForEnable(now.Add(1800*time.Second), 1800)
	if len(due) != 1 {
		t.Errorf("DueForEnable() = %v; want [carol] once default elapses", due)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	s := New(path)
	if err := s.Remove("nobody"); err != nil {
		t.Fatalf("Remove on absent user: %v", err)
	}
}

func TestRemainingSeconds_NotDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	s := New(path)
	if got := s.RemainingSeconds("ghost", time.Now(), 1800); got != NotDisabled {
		t.Errorf("RemainingSeconds() = %d; want NotDisabled", got)
	}
}

func TestLegacyListFormat_MigratesOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	if err := os.WriteFile(path, []byte(`{"disable_user": ["dave", "erin"]}`), 0o600); err != nil {
		t.Fatalf("write legacy fixture: %v", err)
	}
	s := New(path)
	if !s.Contains("dave") || !s.Contains("erin") {
		t.Fatalf("expected legacy users migrated, got %v", s.All())
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d; want 2", s.Len())
	}
}

func TestPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	s1 := New(path)
	now := time.Now()
	if err := s1.Add("frank", now, 600, false, []int{5, 7}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2 := New(path)
	du, ok := s2.Get("frank")
	if !ok {
		t.Fatal("expected frank to persist across reload")
	}
	if du.DisabledAt.Unix() != now.Unix() {
		t.Errorf("DisabledAt = %v; want %v", du.DisabledAt, now)
	}
}

func TestMalformedFile_LoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write malformed fixture: %v", err)
	}
	s := New(path)
	if s.Len() != 0 {
		t.Errorf("Len() = %d; want 0 for malformed file", s.Len())
	}
}
