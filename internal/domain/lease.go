package domain

import (
	"fmt"
	"time"
)

// LeaseID is the constant id of the singleton lease row
const LeaseID = "monitor"

// Owner identifies a process/worker pair that can hold the lease
type Owner struct {
	ProcessID int
	WorkerID  string
}

func (o Owner) String() string {
	return fmt.Sprintf("%d/%s", o.ProcessID, o.WorkerID)
}

// LeaseRecord is the cross-process execution lease. One record exists and is
// reused across acquire/release cycles.
type LeaseRecord struct {
	ID            string
	Active        bool
	StopRequested bool
	Owner         Owner
	HeartbeatAt   time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
}

// Live reports whether the owner has heartbeated within the staleness window
func (l *LeaseRecord) Live(now time.Time, staleness time.Duration) bool {
	if l == nil || !l.Active || l.HeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(l.HeartbeatAt) < staleness
}

// OwnedBy reports whether the lease currently names owner
func (l *LeaseRecord) OwnedBy(owner Owner) bool {
	return l != nil && l.Owner == owner
}
