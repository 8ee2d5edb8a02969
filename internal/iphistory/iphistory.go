// Package iphistory implements the long-term per-user IP history
// record (SPEC_FULL.md §5, "IP history tracking"), grounded in
// original_source/utils/check_usage.py's calls to
// ip_history_tracker.record_user_ips/cleanup_inactive_users. Unlike
// internal/activeusers (which resets every evaluator cycle), this is
// a durable, ever-growing record used only for operator visibility —
// it never gates a punishment decision. Same full-file-rewrite JSON
// persistence discipline as internal/disabledstore/groupstore/
// punishment.
package iphistory

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one user's long-term IP history.
type Entry struct {
	Username   string
	IPs        map[string]time.Time // ip -> last seen
	LastActive time.Time
}

// Store is the durable IP-history record.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

type fileEntry struct {
	IPs        map[string]int64 `json:"ips"`
	LastActive int64            `json:"last_active"`
}

type fileFormat map[string]fileEntry

// New creates a Store backed by path. A parse failure is tolerated:
// the store starts empty.
func New(path string) *Store {
	s := &Store{path: path, entries: make(map[string]*Entry)}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return
	}
	for u, fe := range ff {
		e := &Entry{
			Username:   u,
			IPs:        make(map[string]time.Time, len(fe.IPs)),
			LastActive: time.Unix(fe.LastActive, 0),
		}
		for ip, t := range fe.IPs {
			e.IPs[ip] = time.Unix(t, 0)
		}
		s.entries[u] = e
	}
}

// save performs a full-file rewrite. Must be called with s.mu held.
func (s *Store) save() error {
	ff := make(fileFormat, len(s.entries))
	for u, e := range s.entries {
		fe := fileEntry{IPs: make(map[string]int64, len(e.IPs)), LastActive: e.LastActive.Unix()}
		for ip, t := range e.IPs {
			fe.IPs[ip] = t.Unix()
		}
		ff[u] = fe
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("iphistory: marshal: %w", err)
	}
	if s.path == "" {
		return nil
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("iphistory: write %s: %w", s.path, err)
	}
	return nil
}

// RecordUserIPs merges ips into u's long-term history, updating
// last-seen timestamps and overall last-active time.
func (s *Store) RecordUserIPs(u string, ips []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[u]
	if !ok {
		e = &Entry{Username: u, IPs: make(map[string]time.Time)}
		s.entries[u] = e
	}
	for _, ip := range ips {
		e.IPs[ip] = now
	}
	e.LastActive = now
	return s.save()
}

// Get returns a copy of u's history, if any.
func (s *Store) Get(u string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[u]
	if !ok {
		return Entry{}, false
	}
	out := Entry{Username: e.Username, LastActive: e.LastActive, IPs: make(map[string]time.Time, len(e.IPs))}
	for ip, t := range e.IPs {
		out.IPs[ip] = t
	}
	return out, true
}

// CleanupInactiveUsers drops history for any user not present in
// currentUsers, mirroring the original's cleanup_inactive_users call
// after each check_usage pass. Operator-visibility only: this never
// affects punishment or limit decisions.
func (s *Store) CleanupInactiveUsers(currentUsers map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for u := range s.entries {
		if _, ok := currentUsers[u]; !ok {
			delete(s.entries, u)
		}
	}
	return s.save()
}

// Len returns the number of users with recorded history.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
