// Package activeusers implements the shared active-user table (spec
// §4.4): a single mutex-protected map written by many node-stream
// goroutines and drained once per evaluator cycle. No incremental
// decay: SnapshotAndClear always starts the next cycle empty, so
// "present" means "logs received since the last evaluator run".
package activeusers

import (
	"sync"
	"time"

	"github.com/pasarguard/iplimiter/internal/model"
)

// Table is the shared username -> User mapping.
type Table struct {
	mu    sync.Mutex
	users map[string]*model.User
}

// New returns an empty Table.
func New() *Table {
	return &Table{users: make(map[string]*model.User)}
}

// Record appends one observed connection for username, creating the
// User record on first sight this cycle.
func (t *Table) Record(username, ip, nodeID, nodeName, inbound string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[username]
	if !ok {
		u = model.NewUser(username)
		t.users[username] = u
	}
	u.IPs = append(u.IPs, ip)
	u.DeviceInfo.Record(ip, nodeID, nodeName, inbound, at)
}

// SnapshotAndClear atomically returns the current cycle's entries and
// resets the table to empty.
func (t *Table) SnapshotAndClear() map[string]*model.User {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.users
	t.users = make(map[string]*model.User)
	return snapshot
}

// Len reports the number of distinct users recorded so far this cycle.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
