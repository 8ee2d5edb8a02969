// Package punishment implements the escalating violation ladder (spec
// §4.7): a sliding-window violation history per user that determines
// the next punishment step, persisted to a JSON file with the same
// full-file-rewrite discipline as internal/disabledstore and
// internal/groupstore.
package punishment

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pasarguard/iplimiter/internal/model"
)

// Step mirrors model.PunishmentStep for config decoding.
type Step = model.PunishmentStep

// Engine tracks per-user violation history and derives the next step.
type Engine struct {
	mu          sync.Mutex
	path        string
	enabled     bool
	windowHours int
	steps       []Step
	violations  map[string][]model.ViolationRecord
}

type fileRecord struct {
	Username        string    `json:"username"`
	Timestamp       time.Time `json:"timestamp"`
	StepApplied     int       `json:"step_applied"`
	DisableDuration int       `json:"disable_duration"`
}

type fileFormat struct {
	Violations map[string][]fileRecord `json:"violations"`
}

// New creates an Engine backed by path, loading existing history if
// present. A parse failure is tolerated: the engine starts empty.
func New(path string, enabled bool, windowHours int, steps []Step) *Engine {
	if len(steps) == 0 {
		steps = model.DefaultPunishmentSteps()
	}
	e := &Engine{
		path:        path,
		enabled:     enabled,
		windowHours: windowHours,
		steps:       steps,
		violations:  make(map[string][]model.ViolationRecord),
	}
	e.load()
	return e
}

func (e *Engine) load() {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return
	}
	for u, recs := range ff.Violations {
		out := make([]model.ViolationRecord, 0, len(recs))
		for _, r := range recs {
			out = append(out, model.ViolationRecord{
				Username:        r.Username,
				Timestamp:       r.Timestamp,
				StepIndex:       r.StepApplied,
				DurationMinutes: r.DisableDuration,
			})
		}
		e.violations[u] = out
	}
}

// save performs a full-file rewrite. Must be called with e.mu held.
func (e *Engine) save() error {
	ff := fileFormat{Violations: make(map[string][]fileRecord, len(e.violations))}
	for u, recs := range e.violations {
		out := make([]fileRecord, 0, len(recs))
		for _, r := range recs {
			out = append(out, fileRecord{
				Username:        r.Username,
				Timestamp:       r.Timestamp,
				StepApplied:     r.StepIndex,
				DisableDuration: r.DurationMinutes,
			})
		}
		ff.Violations[u] = out
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("punishment: marshal: %w", err)
	}
	if e.path == "" {
		return nil
	}
	if err := os.WriteFile(e.path, data, 0o600); err != nil {
		return fmt.Errorf("punishment: write %s: %w", e.path, err)
	}
	return nil
}

// CountInWindow returns the number of violations for u with a
// timestamp newer than now - window_hours.
func (e *Engine) CountInWindow(u string, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countInWindowLocked(u, now)
}

func (e *Engine) countInWindowLocked(u string, now time.Time) int {
	cutoff := now.Add(-time.Duration(e.windowHours) * time.Hour)
	n := 0
	for _, v := range e.violations[u] {
		if v.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// CountSince returns the number of violations for u newer than cutoff.
func (e *Engine) CountSince(u string, cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, v := range e.violations[u] {
		if v.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// NextStep returns the index and step u would receive if punished now.
// If the engine is disabled, it always returns an unlimited disable at
// index 0, degrading the system to a single permanent-disable policy.
func (e *Engine) NextStep(u string, now time.Time) (int, Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return 0, Step{Kind: model.PunishmentDisable, DurationMinutes: 0}
	}
	i := e.countInWindowLocked(u, now)
	if i > len(e.steps)-1 {
		i = len(e.steps) - 1
	}
	return i, e.steps[i]
}

// Record appends a violation for u and trims entries older than the
// window, then persists.
func (e *Engine) Record(u string, stepIndex, durationMinutes int, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.violations[u] = append(e.violations[u], model.ViolationRecord{
		Username:        u,
		Timestamp:       now,
		StepIndex:       stepIndex,
		DurationMinutes: durationMinutes,
	})
	e.trimLocked(u, now)
	return e.save()
}

func (e *Engine) trimLocked(u string, now time.Time) {
	cutoff := now.Add(-time.Duration(e.windowHours) * time.Hour)
	recs := e.violations[u]
	kept := recs[:0:0]
	for _, v := range recs {
		if v.Timestamp.After(cutoff) {
			kept = append(kept, v)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Timestamp.Before(kept[j].Timestamp) })
	if len(kept) == 0 {
		delete(e.violations, u)
		return
	}
	e.violations[u] = kept
}

// ClearUser removes all violation history for u.
func (e *Engine) ClearUser(u string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.violations, u)
	return e.save()
}

// ClearAll removes all violation history.
func (e *Engine) ClearAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.violations = make(map[string][]model.ViolationRecord)
	return e.save()
}

// Steps returns the configured punishment ladder.
func (e *Engine) Steps() []Step {
	return e.steps
}
