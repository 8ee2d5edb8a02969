// Package model holds the data types shared across the limiter's
// components: active-connection state, warnings, violations, punishment
// steps, disabled users, and panel nodes.
package model

import "time"

// Connection is one observed (ip, node, inbound) tuple for a user,
// deduplicated on (IP, NodeID, Inbound).
type Connection struct {
	IP               string
	NodeID           string
	NodeName         string
	InboundProtocol  string
	LastSeen         time.Time
	ConnectionCount  int
}

// DeviceInfo aggregates the unique-ness sets derived from a user's
// connections within the current evaluator cycle.
type DeviceInfo struct {
	Connections      []Connection
	UniqueIPs        map[string]struct{}
	UniqueNodes      map[string]struct{}
	InboundProtocols map[string]struct{}
}

// NewDeviceInfo returns an empty, initialized DeviceInfo.
func NewDeviceInfo() *DeviceInfo {
	return &DeviceInfo{
		UniqueIPs:        make(map[string]struct{}),
		UniqueNodes:      make(map[string]struct{}),
		InboundProtocols: make(map[string]struct{}),
	}
}

// IsMultiDevice reports whether this user's current-cycle evidence
// already looks like more than one physical device.
func (d *DeviceInfo) IsMultiDevice() bool {
	return len(d.UniqueIPs) > 2 || len(d.InboundProtocols) > 1 || len(d.UniqueNodes) > 1
}

// Record appends one observed connection, merging into an existing
// entry keyed by (IP, NodeID, InboundProtocol) by bumping its count and
// touching LastSeen rather than appending a duplicate.
func (d *DeviceInfo) Record(ip, nodeID, nodeName, inbound string, at time.Time) {
	for i := range d.Connections {
		c := &d.Connections[i]
		if c.IP == ip && c.NodeID == nodeID && c.InboundProtocol == inbound {
			c.ConnectionCount++
			c.LastSeen = at
			d.touch(ip, nodeID, inbound)
			return
		}
	}
	d.Connections = append(d.Connections, Connection{
		IP:              ip,
		NodeID:          nodeID,
		NodeName:        nodeName,
		InboundProtocol: inbound,
		LastSeen:        at,
		ConnectionCount: 1,
	})
	d.touch(ip, nodeID, inbound)
}

func (d *DeviceInfo) touch(ip, nodeID, inbound string) {
	d.UniqueIPs[ip] = struct{}{}
	d.UniqueNodes[nodeID] = struct{}{}
	d.InboundProtocols[inbound] = struct{}{}
}

// User is the runtime record accumulated by the log parser for one
// username during the current evaluator cycle. IPs is append-only and
// may contain duplicates; DeviceInfo carries the deduplicated view.
type User struct {
	Username   string
	IPs        []string
	DeviceInfo *DeviceInfo
}

// NewUser returns an empty User record.
func NewUser(username string) *User {
	return &User{Username: username, DeviceInfo: NewDeviceInfo()}
}

// UniqueIPs returns the set of distinct IPs observed for this user in
// the current cycle.
func (u *User) UniqueIPs() map[string]struct{} {
	set := make(map[string]struct{}, len(u.IPs))
	for _, ip := range u.IPs {
		set[ip] = struct{}{}
	}
	return set
}

// IPActivity tracks first/last-seen and observation count for one IP
// within an active Warning, used to decide "persistent device" status.
type IPActivity struct {
	FirstSeen time.Time
	LastSeen  time.Time
	SeenCount int
}

// Warning is the in-memory (and periodically snapshotted) monitoring
// record for one user who currently exceeds their IP limit.
type Warning struct {
	Username            string
	IPCount             int
	IPs                 []string
	WarningTime         time.Time
	MonitoringEndTime   time.Time
	IPActivity          map[string]*IPActivity
	TrustScore          int
	InboundProtocols    map[string]struct{}
	ISPNames            map[string]struct{}
	IPSubnets           map[string]struct{}
	IPToInbounds        map[string]map[string]struct{}
	PreviousDisables12h int
	PreviousDisables24h int
	ConnectionDetails   []Connection
}

// NewWarning creates a Warning starting now, with MonitoringEndTime
// 180s later. WarningTime and MonitoringEndTime never change afterward.
func NewWarning(username string, now time.Time) *Warning {
	return &Warning{
		Username:          username,
		WarningTime:       now,
		MonitoringEndTime: now.Add(180 * time.Second),
		IPActivity:        make(map[string]*IPActivity),
		InboundProtocols:  make(map[string]struct{}),
		ISPNames:          make(map[string]struct{}),
		IPSubnets:         make(map[string]struct{}),
		IPToInbounds:      make(map[string]map[string]struct{}),
	}
}

// TimeRemaining returns the seconds left until MonitoringEndTime,
// floored at zero.
func (w *Warning) TimeRemaining(now time.Time) int {
	d := int(w.MonitoringEndTime.Sub(now).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// TouchIP records (or updates) activity for ip at time `now`.
func (w *Warning) TouchIP(ip string, now time.Time) {
	a, ok := w.IPActivity[ip]
	if !ok {
		w.IPActivity[ip] = &IPActivity{FirstSeen: now, LastSeen: now, SeenCount: 1}
		return
	}
	a.LastSeen = now
	a.SeenCount++
}

// PersistentDevices returns the IPs whose activity duration is at
// least 120s, or whose SeenCount is at least 2, and whose LastSeen is
// within the last 120s of `now`.
func (w *Warning) PersistentDevices(now time.Time) []string {
	var out []string
	for ip, a := range w.IPActivity {
		if now.Sub(a.LastSeen) > 120*time.Second {
			continue
		}
		duration := a.LastSeen.Sub(a.FirstSeen)
		if duration >= 120*time.Second || a.SeenCount >= 2 {
			out = append(out, ip)
		}
	}
	return out
}

// PunishmentKind enumerates the kinds of punishment steps.
type PunishmentKind string

const (
	PunishmentWarning PunishmentKind = "warning"
	PunishmentDisable PunishmentKind = "disable"
	PunishmentRevoke  PunishmentKind = "revoke"
)

// PunishmentStep is one rung of the escalation ladder.
// DurationMinutes is 0 for unlimited disable or ignored for warning.
type PunishmentStep struct {
	Kind            PunishmentKind
	DurationMinutes int
}

// DefaultPunishmentSteps is the operator-configurable default ladder.
func DefaultPunishmentSteps() []PunishmentStep {
	return []PunishmentStep{
		{Kind: PunishmentWarning, DurationMinutes: 0},
		{Kind: PunishmentDisable, DurationMinutes: 10},
		{Kind: PunishmentDisable, DurationMinutes: 30},
		{Kind: PunishmentDisable, DurationMinutes: 60},
		{Kind: PunishmentDisable, DurationMinutes: 0}, // unlimited
	}
}

// ViolationRecord is appended to PunishmentEngine history whenever a
// punishment step is applied: a warning-only step as well as an
// executed disable.
type ViolationRecord struct {
	Username        string
	Timestamp       time.Time
	StepIndex       int
	DurationMinutes int
}

// DisabledUser is one entry in DisabledUserStore.
// EnableAt is nil when the default time_to_active_users applies, and
// is also nil for a permanent disable, which is marked by
// Permanent=true.
type DisabledUser struct {
	Username       string
	DisabledAt     time.Time
	EnableAt       *time.Time
	Permanent      bool
	OriginalGroups []int
	PunishmentStep *int
}

// ISPRecord is one IP's ISP/subnet evidence, supplied by the optional
// ISP-lookup collaborator (internal/ispinfo) and consumed by the
// trust scorer via internal/evaluator.
type ISPRecord struct {
	ISP    string
	Subnet string
}

// Node is a panel edge server, cached by PanelClient with a 1h TTL.
type Node struct {
	ID      string
	Name    string
	Address string
	Status  string
	Message string
}

// Connected reports whether the node's last known status is "connected".
func (n Node) Connected() bool { return n.Status == "connected" }
