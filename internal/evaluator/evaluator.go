// Package evaluator implements C5: the per-cycle violation evaluator.
// Each tick it drains the active-user table, updates or creates
// per-user monitoring warnings, consults the trust scorer for an
// instant-disable short-circuit, and at the end of each warning's
// 180-second window decides whether to escalate punishment. It is the
// only component that calls both the panel client and the
// notification/audit collaborator, which avoids the warning <->
// disable <-> notify import cycle flagged in spec §9.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pasarguard/iplimiter/internal/config"
	"github.com/pasarguard/iplimiter/internal/disabledstore"
	"github.com/pasarguard/iplimiter/internal/groupstore"
	"github.com/pasarguard/iplimiter/internal/metrics"
	"github.com/pasarguard/iplimiter/internal/model"
	"github.com/pasarguard/iplimiter/internal/panelclient"
	"github.com/pasarguard/iplimiter/internal/punishment"
	"github.com/pasarguard/iplimiter/internal/trust"
)

// PanelClient is the subset of panelclient.Client the evaluator needs.
type PanelClient interface {
	UpdateUserStatus(ctx context.Context, username, status string) error
	UpdateUserGroups(ctx context.Context, username string, groupIDs []int) error
	GetUserDetails(ctx context.Context, username string) (panelclient.UserDetails, error)
	ListUsers(ctx context.Context) ([]string, error)
}

// ActiveTable is the subset of activeusers.Table the evaluator reads.
type ActiveTable interface {
	SnapshotAndClear() map[string]*model.User
}

// SpecialLimits is the optional database-backed limit override
// (internal/sqlstore). A nil SpecialLimits makes every user fall back
// to the config file's limits.special map. When present, its value
// takes precedence over the config file for a given username (see
// SPEC_FULL.md §4).
type SpecialLimits interface {
	Get(ctx context.Context, username string) (int, bool, error)
}

// ISPRecord is one IP's ISP/subnet evidence, supplied by the optional
// ISP-lookup collaborator (internal/ispinfo).
type ISPRecord = model.ISPRecord

// ISPLookup resolves ISP/subnet evidence for a batch of IPs. A nil
// ISPLookup makes every IP its own "unknown" ISP and subnet, which
// still allows the trust scorer to run, just without ISP-pattern
// adjustments.
type ISPLookup interface {
	Lookup(ctx context.Context, ips []string) map[string]ISPRecord
}

// Audit optionally records disable and instant-disable actions.
// A nil Audit is a no-op.
type Audit interface {
	Record(ctx context.Context, action, username, detail string)
}

// cleanupSafetyMinEntries guards CleanupDeletedUsers: if the
// special-limits map has more than this many entries and cleanup
// would remove more than half, abort instead of auto-applying
// (spec §9 open question, operator-tunable constant per DESIGN.md).
const cleanupSafetyMinEntries = 5

// Evaluator is the per-cycle violation evaluator (C5).
type Evaluator struct {
	cfg       func() *config.Config
	table     ActiveTable
	panel     PanelClient
	trust     func(trust.Evidence) int
	punish    *punishment.Engine
	disabled  *disabledstore.Store
	groups    *groupstore.Store
	isp       ISPLookup
	special   SpecialLimits
	audit     Audit
	log       *slog.Logger

	mu       sync.Mutex
	warnings map[string]*model.Warning
}

// New creates an Evaluator. isp, special, and audit may be nil.
func New(
	cfg func() *config.Config,
	table ActiveTable,
	panel PanelClient,
	punish *punishment.Engine,
	disabled *disabledstore.Store,
	groups *groupstore.Store,
	isp ISPLookup,
	audit Audit,
	log *slog.Logger,
) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		cfg:      cfg,
		table:    table,
		panel:    panel,
		trust:    trust.Score,
		punish:   punish,
		disabled: disabled,
		groups:   groups,
		isp:      isp,
		audit:    audit,
		log:      log,
		warnings: make(map[string]*model.Warning),
	}
}

// WithSpecialLimits attaches the optional database-backed limit
// override collaborator, returning the same Evaluator for chaining.
func (e *Evaluator) WithSpecialLimits(s SpecialLimits) *Evaluator {
	e.special = s
	return e
}

// limitFor resolves the effective per-user IP limit: the database
// override takes precedence when present, else the config-file map,
// else the general default.
func (e *Evaluator) limitFor(ctx context.Context, cfg *config.Config, username string) int {
	if e.special != nil {
		if lim, ok, err := e.special.Get(ctx, username); err == nil && ok {
			return lim
		}
	}
	return cfg.Limit(username)
}

// Run ticks once per cfg().Timing.CheckIntervalSeconds until ctx is
// cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	interval := time.Duration(e.cfg().Timing.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one evaluator cycle: snapshot+clear C4, process violations
// for users over their limit, then sweep expired warnings.
func (e *Evaluator) Tick(ctx context.Context, now time.Time) {
	snapshot := e.table.SnapshotAndClear()
	cfg := e.cfg()
	except := cfg.ExceptUsersSet()

	usernames := make([]string, 0, len(snapshot))
	for u := range snapshot {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	metrics.ActiveUsers.Set(float64(len(usernames)))
	activeIPs := make(map[string]struct{})
	for _, user := range snapshot {
		for ip := range user.UniqueIPs() {
			activeIPs[ip] = struct{}{}
		}
	}
	metrics.ActiveIPs.Set(float64(len(activeIPs)))
	metrics.DisabledUsers.Set(float64(len(e.disabled.All())))

	for _, u := range usernames {
		if _, skip := except[u]; skip {
			continue
		}
		if e.disabled.Contains(u) {
			continue
		}
		user := snapshot[u]
		limit := e.limitFor(ctx, cfg, u)
		uniqueIPs := user.UniqueIPs()
		if len(uniqueIPs) <= limit {
			continue
		}
		e.processViolation(ctx, now, cfg, u, user, uniqueIPs)
	}

	e.sweepExpired(ctx, now, cfg)
}

func (e *Evaluator) processViolation(ctx context.Context, now time.Time, cfg *config.Config, u string, user *model.User, uniqueIPs map[string]struct{}) {
	e.mu.Lock()
	w, existing := e.warnings[u]
	if !existing {
		w = model.NewWarning(u, now)
		e.warnings[u] = w
	}
	e.mu.Unlock()

	ips := make([]string, 0, len(uniqueIPs))
	for ip := range uniqueIPs {
		ips = append(ips, ip)
		w.TouchIP(ip, now)
	}
	w.IPs = ips
	w.IPCount = len(ips)

	for proto := range user.DeviceInfo.InboundProtocols {
		w.InboundProtocols[proto] = struct{}{}
	}
	for _, c := range user.DeviceInfo.Connections {
		if _, ok := w.IPToInbounds[c.IP]; !ok {
			w.IPToInbounds[c.IP] = make(map[string]struct{})
		}
		w.IPToInbounds[c.IP][c.InboundProtocol] = struct{}{}
	}
	w.ConnectionDetails = append(w.ConnectionDetails, user.DeviceInfo.Connections...)

	isp := e.lookupISP(ctx, ips)
	for ip, rec := range isp {
		if rec.ISP != "" {
			w.ISPNames[rec.ISP] = struct{}{}
		}
		if rec.Subnet != "" {
			w.IPSubnets[rec.Subnet] = struct{}{}
		}
		_ = ip
	}

	w.PreviousDisables12h = e.punish.CountSince(u, now.Add(-12*time.Hour))
	w.PreviousDisables24h = e.punish.CountSince(u, now.Add(-24*time.Hour)) - w.PreviousDisables12h
	if w.PreviousDisables24h < 0 {
		w.PreviousDisables24h = 0
	}

	evidence := trust.Evidence{
		IPs:              ips,
		IPToInbounds:     flattenInbounds(w.IPToInbounds),
		InboundProtocols: flattenSet(w.InboundProtocols),
		ISPNames:         ispNamesPerIP(isp),
		IPSubnets:        subnetsPerIP(isp),
		PriorDisables12h: w.PreviousDisables12h,
		PriorDisables24h: w.PreviousDisables24h,
	}
	w.TrustScore = e.trust(evidence)

	if existing {
		return // already warned this window; only evidence/trust refresh.
	}

	threshold := cfg.Punishment.InstantDisableThreshold
	if w.TrustScore <= threshold {
		e.instantDisable(ctx, now, cfg, u)
	}
}

func (e *Evaluator) lookupISP(ctx context.Context, ips []string) map[string]ISPRecord {
	if e.isp == nil {
		return nil
	}
	return e.isp.Lookup(ctx, ips)
}

func flattenSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func flattenInbounds(m map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(m))
	for ip, set := range m {
		out[ip] = flattenSet(set)
	}
	return out
}

func ispNamesPerIP(isp map[string]ISPRecord) map[string]string {
	out := make(map[string]string, len(isp))
	for ip, rec := range isp {
		out[ip] = rec.ISP
	}
	return out
}

func subnetsPerIP(isp map[string]ISPRecord) map[string]string {
	out := make(map[string]string, len(isp))
	for ip, rec := range isp {
		out[ip] = rec.Subnet
	}
	return out
}

// instantDisable skips the monitoring window entirely: record a
// violation, disable via the panel, insert into DisabledUserStore.
func (e *Evaluator) instantDisable(ctx context.Context, now time.Time, cfg *config.Config, u string) {
	idx, step := e.punish.NextStep(u, now)
	if err := e.applyDisable(ctx, now, cfg, u, idx, step); err != nil {
		e.log.Error("instant disable failed, leaving warning in place", "username", u, "err", err)
		return
	}
	e.mu.Lock()
	delete(e.warnings, u)
	e.mu.Unlock()
	if e.audit != nil {
		e.audit.Record(ctx, "instant_disable", u, fmt.Sprintf("step=%d", idx))
	}
}

func (e *Evaluator) sweepExpired(ctx context.Context, now time.Time, cfg *config.Config) {
	e.mu.Lock()
	var expired []string
	for u, w := range e.warnings {
		if !now.Before(w.MonitoringEndTime) {
			expired = append(expired, u)
		}
	}
	e.mu.Unlock()
	sort.Strings(expired)

	metrics.WarningsActive.Set(float64(len(e.warnings)))

	for _, u := range expired {
		e.mu.Lock()
		w := e.warnings[u]
		e.mu.Unlock()
		if w == nil {
			continue
		}

		limit := e.limitFor(ctx, cfg, u)
		persistent := w.PersistentDevices(now)
		if len(persistent) <= limit {
			e.mu.Lock()
			delete(e.warnings, u)
			e.mu.Unlock()
			continue
		}

		idx, step := e.punish.NextStep(u, now)
		if err := e.applyStep(ctx, now, cfg, u, idx, step); err != nil {
			e.log.Error("punishment step failed, leaving warning in place for retry", "username", u, "err", err)
			continue // leave warning in place; idempotent retry next tick
		}
		e.mu.Lock()
		delete(e.warnings, u)
		e.mu.Unlock()
	}
}

// applyStep applies a punishment step at warning-expiry time: a
// "warning" step is logged only; "disable"/"revoke" steps disable the
// user via the panel. Record is always called on success, per spec
// §4.5.
func (e *Evaluator) applyStep(ctx context.Context, now time.Time, cfg *config.Config, u string, idx int, step model.PunishmentStep) error {
	if step.Kind == model.PunishmentWarning {
		e.log.Info("punishment step: warning only", "username", u, "step", idx)
		return e.punish.Record(u, idx, 0, now)
	}
	return e.applyDisable(ctx, now, cfg, u, idx, step)
}

// applyDisable executes a disable/revoke step via the panel and, only
// on success, inserts into DisabledUserStore and records the
// violation. revoke is treated as permanent disable (spec §9).
func (e *Evaluator) applyDisable(ctx context.Context, now time.Time, cfg *config.Config, u string, idx int, step model.PunishmentStep) error {
	permanent := step.Kind == model.PunishmentRevoke || step.DurationMinutes == 0

	if cfg.DisableMethod == "group" {
		details, err := e.panel.GetUserDetails(ctx, u)
		if err == nil {
			if err := e.groups.Save(u, details.GroupIDs); err != nil {
				e.log.Error("failed to back up groups before disable", "username", u, "err", err)
			}
		}
		if err := e.panel.UpdateUserGroups(ctx, u, []int{cfg.DisabledGroupID}); err != nil {
			return fmt.Errorf("update groups: %w", err)
		}
	}
	if err := e.panel.UpdateUserStatus(ctx, u, "disabled"); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	durationSeconds := step.DurationMinutes * 60
	if err := e.disabled.Add(u, now, durationSeconds, permanent, nil, &idx); err != nil {
		return fmt.Errorf("insert disabled store: %w", err)
	}
	if err := e.punish.Record(u, idx, step.DurationMinutes, now); err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	metrics.Violations.WithLabelValues(string(step.Kind)).Inc()
	if e.audit != nil {
		e.audit.Record(ctx, "disable", u, fmt.Sprintf("step=%d duration_min=%d permanent=%v", idx, step.DurationMinutes, permanent))
	}
	return nil
}

// CleanupDeletedUsers compares the panel's current user list against
// special-limit entries, except_users, and DisabledUserStore, and
// removes bookkeeping for users no longer on the panel. Deletion is
// driven purely by panel absence: except_users exempts a user from
// enforcement, not from having its bookkeeping pruned once the panel
// itself has forgotten the user, so a deleted-but-whitelisted user is
// removed from special limits, disabled_users, and except_users
// itself. Aborts without mutation if ListUsers returns empty, and
// aborts (logging for operator review) if the special-limits map is
// large and cleanup would remove more than half of it (spec §9 open
// question).
func (e *Evaluator) CleanupDeletedUsers(ctx context.Context, cfg *config.Config, removeSpecial func(username string), removeDisabled func(username string)) error {
	panelUsers, err := e.panel.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: list users: %w", err)
	}
	if len(panelUsers) == 0 {
		e.log.Warn("cleanup: panel returned zero users, aborting without mutation")
		return nil
	}

	onPanel := make(map[string]struct{}, len(panelUsers))
	for _, u := range panelUsers {
		onPanel[u] = struct{}{}
	}

	var toRemoveSpecial []string
	for u := range cfg.Limits.Special {
		if _, ok := onPanel[u]; !ok {
			toRemoveSpecial = append(toRemoveSpecial, u)
		}
	}
	if len(cfg.Limits.Special) > cleanupSafetyMinEntries && len(toRemoveSpecial) > len(cfg.Limits.Special)/2 {
		e.log.Warn("cleanup: aborting special-limits removal, exceeds safety bound",
			"would_remove", len(toRemoveSpecial), "total", len(cfg.Limits.Special))
	} else {
		for _, u := range toRemoveSpecial {
			removeSpecial(u)
		}
	}

	var keptExcept []string
	for _, u := range cfg.ExceptUsers {
		if _, ok := onPanel[u]; ok {
			keptExcept = append(keptExcept, u)
		} else {
			e.log.Info("cleanup: removed deleted user from except_users", "username", u)
		}
	}
	cfg.ExceptUsers = keptExcept

	for _, du := range e.disabled.All() {
		if _, ok := onPanel[du.Username]; ok {
			continue
		}
		removeDisabled(du.Username)
	}
	return nil
}
