package hooks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fractary/faber/internal/lock"
)

// Status is the outcome recorded in the audit log.
type Status string

const (
	StatusBlocked   Status = "BLOCKED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusTimeout   Status = "TIMEOUT"
	StatusValidated Status = "VALIDATED"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event,omitempty"`
	HookType   Type      `json:"hook_type"`
	Path       string    `json:"path,omitempty"`
	Skill      string    `json:"skill,omitempty"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RunID      string    `json:"run_id,omitempty"`
}

// AuditLog appends entries to a JSONL file shared by all processes.
type AuditLog struct {
	path string
}

// NewAuditLog returns an audit log writing to path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// Path returns the log file.
func (a *AuditLog) Path() string {
	return a.path
}

// Append writes one entry under an exclusive lock so that concurrent
// writers never interleave lines.
func (a *AuditLog) Append(ctx context.Context, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}

	fl, err := lock.LockFile(ctx, lock.SidecarPath(a.path), lock.Exclusive, 5*time.Second, 0)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("writing audit log: %w", err)
	}
	return f.Close()
}

// Tail returns the last n entries, oldest first. Unparseable lines are
// skipped.
func (a *AuditLog) Tail(n int) ([]AuditEntry, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	entries := []AuditEntry{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return entries, nil
}
