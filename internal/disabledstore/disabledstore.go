// Package disabledstore implements the durable set of currently
// disabled users (spec §4.8): a JSON file rewritten in full on every
// mutation, tolerant of parse failures (treated as empty) and of the
// legacy list-based on-disk shape.
package disabledstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pasarguard/iplimiter/internal/model"
)

// RemainingSeconds sentinels, per spec §4.8.
const (
	NotDisabled = -1
	Permanent   = -2
)

// Store is the durable set of disabled users.
type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]*model.DisabledUser
}

type fileFormat struct {
	DisabledUsers map[string]float64 `json:"disabled_users"`
	EnableAt      map[string]float64 `json:"enable_at"`
}

type legacyFormat struct {
	DisableUser []string `json:"disable_user"`
}

// New creates a Store backed by path, migrating the legacy on-disk
// shape (a list under "disable_user") to the current shape in memory.
// A parse failure yields an empty store.
func New(path string) *Store {
	s := &Store{path: path, users: make(map[string]*model.DisabledUser)}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err == nil && len(ff.DisabledUsers) > 0 {
		for u, disabledAt := range ff.DisabledUsers {
			du := &model.DisabledUser{
				Username:   u,
				DisabledAt: time.Unix(int64(disabledAt), 0),
			}
			if ea, ok := ff.EnableAt[u]; ok {
				if ea == -1 {
					du.Permanent = true
				} else {
					t := time.Unix(int64(ea), 0)
					du.EnableAt = &t
				}
			}
			s.users[u] = du
		}
		return
	}

	var legacy legacyFormat
	if err := json.Unmarshal(data, &legacy); err == nil && len(legacy.DisableUser) > 0 {
		now := time.Now()
		for _, u := range legacy.DisableUser {
			s.users[u] = &model.DisabledUser{Username: u, DisabledAt: now}
		}
	}
}

// save performs a full-file rewrite in the current (non-legacy) shape.
// Must be called with s.mu held.
func (s *Store) save() error {
	ff := fileFormat{
		DisabledUsers: make(map[string]float64, len(s.users)),
		EnableAt:      make(map[string]float64, len(s.users)),
	}
	for u, du := range s.users {
		ff.DisabledUsers[u] = float64(du.DisabledAt.Unix())
		switch {
		case du.Permanent:
			ff.EnableAt[u] = -1
		case du.EnableAt != nil:
			ff.EnableAt[u] = float64(du.EnableAt.Unix())
		}
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("disabledstore: marshal: %w", err)
	}
	if s.path == "" {
		return nil
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("disabledstore: write %s: %w", s.path, err)
	}
	return nil
}

// Add inserts or replaces u's disabled record. durationSeconds=0 with
// permanent=false means "absent enable_at" (the caller should apply
// the operator's default time_to_active_users at re-enable time).
func (s *Store) Add(u string, now time.Time, durationSeconds int, permanent bool, originalGroups []int, punishmentStep *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	du := &model.DisabledUser{
		Username:       u,
		DisabledAt:     now,
		Permanent:      permanent,
		OriginalGroups: originalGroups,
		PunishmentStep: punishmentStep,
	}
	if !permanent && durationSeconds > 0 {
		t := now.Add(time.Duration(durationSeconds) * time.Second)
		du.EnableAt = &t
	}
	s.users[u] = du
	return s.save()
}

// Remove deletes u from the store. Idempotent.
func (s *Store) Remove(u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u]; !ok {
		return nil
	}
	delete(s.users, u)
	return s.save()
}

// Contains reports whether u is currently disabled.
func (s *Store) Contains(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[u]
	return ok
}

// Get returns a copy of u's disabled record, if present.
func (s *Store) Get(u string) (model.DisabledUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	du, ok := s.users[u]
	if !ok {
		return model.DisabledUser{}, false
	}
	return *du, true
}

// DueForEnable returns the usernames whose disable window has expired:
// either an explicit non-permanent enable_at has passed, or no
// enable_at was set and defaultSeconds have elapsed since disabled_at.
func (s *Store) DueForEnable(now time.Time, defaultSeconds int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for u, du := range s.users {
		if du.Permanent {
			continue
		}
		if du.EnableAt != nil {
			if !now.Before(*du.EnableAt) {
				due = append(due, u)
			}
			continue
		}
		if now.Sub(du.DisabledAt) >= time.Duration(defaultSeconds)*time.Second {
			due = append(due, u)
		}
	}
	return due
}

// RemainingSeconds returns the seconds remaining until re-enable, or
// NotDisabled / Permanent.
func (s *Store) RemainingSeconds(u string, now time.Time, defaultSeconds int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	du, ok := s.users[u]
	if !ok {
		return NotDisabled
	}
	if du.Permanent {
		return Permanent
	}
	var target time.Time
	if du.EnableAt != nil {
		target = *du.EnableAt
	} else {
		target = du.DisabledAt.Add(time.Duration(defaultSeconds) * time.Second)
	}
	remaining := int(target.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Len returns the number of currently disabled users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// All returns a copy of every disabled record, for admin listing.
func (s *Store) All() []model.DisabledUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DisabledUser, 0, len(s.users))
	for _, du := range s.users {
		out = append(out, *du)
	}
	return out
}
