// Package reenable implements C10: the 30-second loop that restores
// disabled users once their disable window has elapsed, in the same
// control-loop shape as internal/nodestream's background loops.
package reenable

import (
	"context"
	"log/slog"
	"time"

	"github.com/pasarguard/iplimiter/internal/config"
	"github.com/pasarguard/iplimiter/internal/metrics"
)

const tickInterval = 30 * time.Second

// PanelClient is the subset of panelclient.Client the loop needs.
type PanelClient interface {
	UpdateUserStatus(ctx context.Context, username, status string) error
	UpdateUserGroups(ctx context.Context, username string, groupIDs []int) error
}

// DisabledStore is the subset of disabledstore.Store the loop needs.
type DisabledStore interface {
	DueForEnable(now time.Time, defaultSeconds int) []string
	Remove(username string) error
}

// GroupStore is the subset of groupstore.Store the loop needs.
type GroupStore interface {
	Get(username string) ([]int, bool)
	Remove(username string) error
}

// Loop restores disabled users whose disable window has elapsed.
type Loop struct {
	cfg      func() *config.Config
	panel    PanelClient
	disabled DisabledStore
	groups   GroupStore
	log      *slog.Logger
}

// New creates a Loop.
func New(cfg func() *config.Config, panel PanelClient, disabled DisabledStore, groups GroupStore, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{cfg: cfg, panel: panel, disabled: disabled, groups: groups, log: log}
}

// Run ticks every 30s until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one re-enable pass: reload the default re-enable delay,
// find users whose disable window has elapsed, and restore each one
// via the panel. A per-user failure is logged and does not block the
// rest of the batch.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	cfg := l.cfg()
	defaultSeconds := cfg.Timing.TimeToActiveUsersSeconds

	due := l.disabled.DueForEnable(now, defaultSeconds)
	for _, u := range due {
		if err := l.reenableOne(ctx, cfg, u); err != nil {
			l.log.Error("re-enable failed, will retry next tick", "username", u, "err", err)
			metrics.ReenableResults.WithLabelValues("error").Inc()
			continue
		}
		metrics.ReenableResults.WithLabelValues("ok").Inc()
	}
}

func (l *Loop) reenableOne(ctx context.Context, cfg *config.Config, u string) error {
	if cfg.DisableMethod == "group" {
		if groupIDs, ok := l.groups.Get(u); ok {
			if err := l.panel.UpdateUserGroups(ctx, u, groupIDs); err != nil {
				return err
			}
			if err := l.panel.UpdateUserStatus(ctx, u, "active"); err != nil {
				return err
			}
			if err := l.groups.Remove(u); err != nil {
				l.log.Warn("re-enable: failed to clear group backup", "username", u, "err", err)
			}
			return l.disabled.Remove(u)
		}
		// No group backup on record: fall back to status-mode re-enable.
	}

	if err := l.panel.UpdateUserStatus(ctx, u, "active"); err != nil {
		return err
	}
	return l.disabled.Remove(u)
}
