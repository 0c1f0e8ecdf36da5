package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/fsutil"
)

// RunMarker separates the plan id from the run suffix in a run id.
const RunMarker = "-run-"

// Layout maps run and entity identities to files under a root directory.
//
//	{root}/runs/{plan_id}/state-{suffix}.json   run id "{plan_id}-run-{suffix}"
//	{root}/runs/{run_id}/state.json             any other run id
//	{root}/entities/{type}/{id}.json
//	{root}/entities/{type}/{id}-history.json
type Layout struct {
	Root string
}

// NewLayout creates a layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// SplitRunID splits a marker run id into plan id and suffix.
func SplitRunID(runID string) (planID, suffix string, ok bool) {
	i := strings.LastIndex(runID, RunMarker)
	if i <= 0 || i+len(RunMarker) >= len(runID) {
		return "", "", false
	}
	return runID[:i], runID[i+len(RunMarker):], true
}

func validateID(kind, id string) error {
	if !fsutil.ValidID(id) {
		return core.ErrValidation(core.CodeInvalidID,
			fmt.Sprintf("invalid %s %q: must match [A-Za-z0-9._-]+ and not be . or ..", kind, id)).
			WithDetail(kind, id)
	}
	return nil
}

// RunsDir returns the directory holding all runs.
func (l Layout) RunsDir() string {
	return filepath.Join(l.Root, "runs")
}

// RunStatePath returns the state file for runID.
func (l Layout) RunStatePath(runID string) (string, error) {
	if err := validateID("run_id", runID); err != nil {
		return "", err
	}
	if planID, suffix, ok := SplitRunID(runID); ok {
		return filepath.Join(l.RunsDir(), planID, "state-"+suffix+".json"), nil
	}
	return filepath.Join(l.RunsDir(), runID, "state.json"), nil
}

// RunIDFromPath inverts RunStatePath.
func RunIDFromPath(path string) (string, bool) {
	dir := filepath.Base(filepath.Dir(path))
	base := filepath.Base(path)
	switch {
	case base == "state.json":
		return dir, true
	case strings.HasPrefix(base, "state-") && strings.HasSuffix(base, ".json"):
		suffix := strings.TrimSuffix(strings.TrimPrefix(base, "state-"), ".json")
		if suffix == "" {
			return "", false
		}
		return dir + RunMarker + suffix, true
	default:
		return "", false
	}
}

// ListRuns returns the ids of all runs on disk, sorted.
func (l Layout) ListRuns() ([]string, error) {
	var ids []string
	for _, pattern := range []string{"state.json", "state-*.json"} {
		matches, err := filepath.Glob(filepath.Join(l.RunsDir(), "*", pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if id, ok := RunIDFromPath(m); ok {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// EntitiesDir returns the directory holding all entities.
func (l Layout) EntitiesDir() string {
	return filepath.Join(l.Root, "entities")
}

func (l Layout) entityBase(entityType, entityID string) (string, error) {
	if err := validateID("entity_type", entityType); err != nil {
		return "", err
	}
	if err := validateID("entity_id", entityID); err != nil {
		return "", err
	}
	return filepath.Join(l.EntitiesDir(), entityType, entityID), nil
}

// EntityPath returns the state file of an entity.
func (l Layout) EntityPath(entityType, entityID string) (string, error) {
	base, err := l.entityBase(entityType, entityID)
	if err != nil {
		return "", err
	}
	return base + ".json", nil
}

// HistoryPath returns the history file of an entity.
func (l Layout) HistoryPath(entityType, entityID string) (string, error) {
	base, err := l.entityBase(entityType, entityID)
	if err != nil {
		return "", err
	}
	return base + "-history.json", nil
}

// EntityLockPath returns the lock file guarding an entity and its history.
func (l Layout) EntityLockPath(entityType, entityID string) (string, error) {
	base, err := l.entityBase(entityType, entityID)
	if err != nil {
		return "", err
	}
	return base + ".lock", nil
}

// EntityRef names an entity found on disk.
type EntityRef struct {
	Type string
	ID   string
}

// ListEntities walks the entities directory and returns every entity state
// file, skipping history documents and anything that is not a valid id.
func (l Layout) ListEntities() ([]EntityRef, error) {
	typeDirs, err := os.ReadDir(l.EntitiesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []EntityRef
	for _, td := range typeDirs {
		if !td.IsDir() || !fsutil.ValidID(td.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(l.EntitiesDir(), td.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "-history.json") {
				continue
			}
			id := strings.TrimSuffix(name, ".json")
			if fsutil.ValidID(id) {
				refs = append(refs, EntityRef{Type: td.Name(), ID: id})
			}
		}
	}
	return refs, nil
}

// LogsDir returns the directory for engine logs.
func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, "logs")
}
