package lock

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// holderAlive reports whether pid names a running process that could have
// taken the lock at acquiredAt. A process created after the lock was written
// is a recycled PID, not the holder. Only used for diagnostics; reclamation
// is decided by age alone.
func holderAlive(pid int, acquiredAt time.Time) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	if acquiredAt.IsZero() {
		return true
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	created, err := p.CreateTime()
	if err != nil {
		return true
	}
	// CreateTime has millisecond resolution; allow a second of slack.
	return time.UnixMilli(created).Before(acquiredAt.Add(time.Second))
}
