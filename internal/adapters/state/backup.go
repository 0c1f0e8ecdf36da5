package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fractary/faber/internal/fsutil"
)

const backupTimeFormat = "20060102_150405"

// BackupDir returns the directory holding backups of the document at path.
func BackupDir(path string) string {
	return filepath.Join(filepath.Dir(path), "backups")
}

// backupStem is the file name without its extension. Backups of a marker
// run's state-{suffix}.json are named state-{suffix}_{timestamp}.json so
// runs sharing a plan directory keep separate backup sets.
func backupStem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// backupLocked copies path to {dir}/backups/{stem}_{timestamp}.json. The
// caller holds a lock on path.
func (s *Store) backupLocked(path string) (string, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return "", fmt.Errorf("reading state for backup: %w", err)
	}
	dir := BackupDir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", backupStem(path), s.now().UTC().Format(backupTimeFormat))
	dst := filepath.Join(dir, name)
	if err := fsutil.AtomicWriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	s.pruneBackups(path)
	return dst, nil
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	pattern := filepath.Join(BackupDir(path), backupStem(path)+"_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (s *Store) pruneBackups(path string) {
	if s.maxBackups <= 0 {
		return
	}
	backups, err := ListBackups(path)
	if err != nil || len(backups) <= s.maxBackups {
		return
	}
	for _, old := range backups[s.maxBackups:] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("pruning state backup", "path", old, "error", err)
		}
	}
}
