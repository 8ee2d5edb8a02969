package iphistory

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordUserIPs_MergesAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := New(path)
	now := time.Now()

	if err := s.RecordUserIPs("alice", []string{"1.1.1.1", "2.2.2.2"}, now); err != nil {
		t.Fatalf("RecordUserIPs: %v", err)
	}
	if err := s.RecordUserIPs("alice", []string{"3.3.3.3"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordUserIPs: %v", err)
	}

	e, ok := s.Get("alice")
	if !ok {
		t.Fatal("expected alice to have history")
	}
	if len(e.IPs) != 3 {
		t.Errorf("IPs = %v; want 3 distinct entries accumulated", e.IPs)
	}
}

func TestCleanupInactiveUsers_DropsMissingUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := New(path)
	now := time.Now()
	s.RecordUserIPs("alice", []string{"1.1.1.1"}, now)
	s.RecordUserIPs("bob", []string{"2.2.2.2"}, now)

	if err := s.CleanupInactiveUsers(map[string]struct{}{"alice": {}}); err != nil {
		t.Fatalf("CleanupInactiveUsers: %v", err)
	}

	if _, ok := s.Get("bob"); ok {
		t.Error("expected bob's history dropped")
	}
	if _, ok := s.Get("alice"); !ok {
		t.Error("expected alice's history retained")
	}
}

func TestPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	now := time.Now()
	s1 := New(path)
	s1.RecordUserIPs("carol", []string{"9.9.9.9"}, now)

	s2 := New(path)
	e, ok := s2.Get("carol")
	if !ok || len(e.IPs) != 1 {
		t.Errorf("expected carol's history to survive reload, got %+v, ok=%v", e, ok)
	}
}

func TestMalformedFile_LoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := writeFile(path, "{not json"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s := New(path)
	if s.Len() != 0 {
		t.Errorf("expected empty store on parse failure, got %d entries", s.Len())
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
