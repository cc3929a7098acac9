// Package correlation persists and recovers CorrelationRecords through the
// orchestrator's per-run tag store. The Dispatcher is the only writer; the
// health monitor and terminator read records back on every call, so no
// state needs to live in memory between calls or across restarts.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/seantiz/stevedore/internal/model"
)

// ErrNoRecord is returned when a work unit has no correlation record.
var ErrNoRecord = errors.New("no correlation record")

// ErrRecordExists is returned when a different record was already written for
// the same work unit. Records are never overwritten.
var ErrRecordExists = errors.New("correlation record already written")

// Store is the durable per-run key/value store supplied by the orchestrator.
type Store interface {
	// RunTags returns every tag stored for the run. A run with no tags yields
	// an empty map and no error.
	RunTags(ctx context.Context, runID string) (map[string]string, error)

	// AddRunTags merges tags into the run's tag set.
	AddRunTags(ctx context.Context, runID string, tags map[string]string) error
}

const (
	keyNamespace = "stevedore/"

	fieldBackend    = "backend"
	fieldResourceID = "resource_id"
	fieldCluster    = "cluster"
	fieldCPU        = "cpu"
	fieldMemory     = "memory"
	fieldAttempted  = "launch_attempted"

	overrideNamespace = "resources/"
)

// Adapter maps CorrelationRecords onto a Store's tag keys. It is stateless
// and safe for concurrent use.
type Adapter struct {
	store Store
}

// NewAdapter creates an adapter over store.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

// Load returns the record stored for u. ErrNoRecord is returned when no
// record field exists; a partially written record is returned as is and
// callers check Addressable.
func (a *Adapter) Load(ctx context.Context, u model.WorkUnit) (model.CorrelationRecord, error) {
	tags, err := a.store.RunTags(ctx, u.RunID)
	if err != nil {
		return model.CorrelationRecord{}, fmt.Errorf("read run tags: %w", err)
	}

	prefix := recordPrefix(u)
	rec := model.CorrelationRecord{
		Backend:        tags[prefix+fieldBackend],
		ResourceID:     tags[prefix+fieldResourceID],
		Cluster:        tags[prefix+fieldCluster],
		CPUOverride:    tags[prefix+fieldCPU],
		MemoryOverride: tags[prefix+fieldMemory],
	}
	if rec == (model.CorrelationRecord{}) {
		return rec, ErrNoRecord
	}
	return rec, nil
}

// Save writes rec for u. Writing the same record twice is allowed so that a
// relaunch after a restart is idempotent; writing a different one is not.
func (a *Adapter) Save(ctx context.Context, u model.WorkUnit, rec model.CorrelationRecord) error {
	existing, err := a.Load(ctx, u)
	switch {
	case errors.Is(err, ErrNoRecord):
	case err != nil:
		return err
	case existing.ResourceID != "" && existing.ResourceID != rec.ResourceID:
		return fmt.Errorf("%w: %s holds %s", ErrRecordExists, u.RunID, existing.ResourceID)
	}

	prefix := recordPrefix(u)
	tags := map[string]string{
		prefix + fieldResourceID: rec.ResourceID,
		prefix + fieldCluster:    rec.Cluster,
	}
	if rec.Backend != "" {
		tags[prefix+fieldBackend] = rec.Backend
	}
	if rec.CPUOverride != "" {
		tags[prefix+fieldCPU] = rec.CPUOverride
	}
	if rec.MemoryOverride != "" {
		tags[prefix+fieldMemory] = rec.MemoryOverride
	}
	if err := a.store.AddRunTags(ctx, u.RunID, tags); err != nil {
		return fmt.Errorf("write run tags: %w", err)
	}
	return nil
}

// MarkLaunchAttempted records that a launch of u was submitted, before the
// backend call. It lets a later health check tell "never launched" apart from
// "launched but the record was lost".
func (a *Adapter) MarkLaunchAttempted(ctx context.Context, u model.WorkUnit) error {
	if err := a.store.AddRunTags(ctx, u.RunID, map[string]string{
		recordPrefix(u) + fieldAttempted: "true",
	}); err != nil {
		return fmt.Errorf("write launch marker: %w", err)
	}
	return nil
}

// MarkLaunchRejected records that the backend rejected the launch of u, so
// nothing was created and the missing record is expected.
func (a *Adapter) MarkLaunchRejected(ctx context.Context, u model.WorkUnit) error {
	if err := a.store.AddRunTags(ctx, u.RunID, map[string]string{
		recordPrefix(u) + fieldAttempted: "rejected",
	}); err != nil {
		return fmt.Errorf("write launch marker: %w", err)
	}
	return nil
}

// LaunchAttempted reports whether a launch of u was submitted and not
// rejected by the backend.
func (a *Adapter) LaunchAttempted(ctx context.Context, u model.WorkUnit) (bool, error) {
	tags, err := a.store.RunTags(ctx, u.RunID)
	if err != nil {
		return false, fmt.Errorf("read run tags: %w", err)
	}
	return tags[recordPrefix(u)+fieldAttempted] == "true", nil
}

// Overrides returns the cpu and memory overrides the orchestrator recorded
// for u: "resources/cpu" and "resources/memory" for a run, or
// "resources/<step>/cpu" and "resources/<step>/memory" for a step. Step
// overrides apply to every attempt, which is how a retried step is given
// more resources.
func (a *Adapter) Overrides(ctx context.Context, u model.WorkUnit) (cpu, memory string, err error) {
	tags, err := a.store.RunTags(ctx, u.RunID)
	if err != nil {
		return "", "", fmt.Errorf("read run tags: %w", err)
	}
	prefix := OverridePrefix(u)
	return tags[prefix+fieldCPU], tags[prefix+fieldMemory], nil
}

// OverridePrefix returns the tag key prefix the orchestrator uses for u's
// resource overrides.
func OverridePrefix(u model.WorkUnit) string {
	if u.StepKey == "" {
		return overrideNamespace
	}
	return overrideNamespace + u.StepKey + "/"
}

// recordPrefix scopes record keys to the unit: run-level records live at the
// namespace root and each step attempt gets its own sub-namespace.
func recordPrefix(u model.WorkUnit) string {
	if u.StepKey == "" {
		return keyNamespace
	}
	return keyNamespace + "step/" + u.StepKey + "/" + strconv.Itoa(u.AttemptNumber) + "/"
}
