package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/naming"
	"github.com/seantiz/stevedore/internal/resource"
)

// Launch builds the resource for u from the base context merged with cc,
// submits it to the default backend and records where it went. A
// *model.ConfigurationError is returned when no definition can be built and a
// *model.LaunchFailure when the backend created nothing.
func (d *Delegator) Launch(ctx context.Context, u model.WorkUnit, cc resource.ContainerContext) (rec model.CorrelationRecord, err error) {
	ctx, span := startSpan(ctx, "launch", u)
	defer func() { finishSpan(span, err) }()

	rec, err = d.launch(ctx, u, cc)

	outcome := outcomeLaunched
	var lf *model.LaunchFailure
	switch {
	case errors.As(err, &lf):
		outcome = outcomeFailed
	case err != nil:
		outcome = outcomeError
	}
	launchesTotal.WithLabelValues(d.backendName, u.Granularity(), outcome).Inc()
	return rec, err
}

func (d *Delegator) launch(ctx context.Context, u model.WorkUnit, cc resource.ContainerContext) (model.CorrelationRecord, error) {
	if u.AttemptNumber < 0 {
		return model.CorrelationRecord{}, &model.ConfigurationError{
			Field:   "attempt_number",
			Message: fmt.Sprintf("attempt %d is negative", u.AttemptNumber),
		}
	}
	b, err := d.registry.Resolve(d.backendName)
	if err != nil {
		return model.CorrelationRecord{}, err
	}
	caps := b.Capabilities()
	if !caps.Supports(u.Granularity()) {
		return model.CorrelationRecord{}, &model.ConfigurationError{
			Field:   "granularity",
			Message: fmt.Sprintf("backend %s does not launch %s-level work units", d.backendName, u.Granularity()),
		}
	}

	def, err := resource.Build(d.base, cc, u.ContainerImage, d.containerName)
	if err != nil {
		return model.CorrelationRecord{}, err
	}
	// Steps always get a fresh resource per attempt; only runs share
	// registered definitions.
	if u.Granularity() == model.GranularityRun && caps.Definitions {
		reconciled, err := d.reconcile(ctx, b, u, def)
		if err != nil {
			return model.CorrelationRecord{}, err
		}
		def = reconciled.WithLaunchFields(def)
	}

	name := naming.ResourceName(u.RunID, u.StepKey, u.AttemptNumber)
	cpu, memory, err := d.records.Overrides(ctx, u)
	if err != nil {
		return model.CorrelationRecord{}, err
	}

	placement, err := call(ctx, d.retry, d.backendName, "placement", func() (backend.Placement, error) {
		return b.Placement(ctx)
	})
	if err != nil {
		return model.CorrelationRecord{}, fmt.Errorf("resolve placement: %w", err)
	}
	if caps.Namespaced && def.Namespace != "" {
		placement.Cluster = def.Namespace
	}

	req := backend.CreateRequest{
		Name:       name,
		Definition: def,
		Command:    u.CommandArgs,
		Placement:  placement,
		Labels:     unitLabels(u, def.Labels),
		CPU:        cmp.Or(cpu, def.CPU),
		Memory:     cmp.Or(memory, def.Memory),
	}

	if err := d.records.MarkLaunchAttempted(ctx, u); err != nil {
		return model.CorrelationRecord{}, err
	}
	res, err := once(d.backendName, "create", func() (backend.CreateResult, error) {
		return b.CreateResource(ctx, req)
	})
	if err != nil {
		return model.CorrelationRecord{}, fmt.Errorf("create %s: %w", name, err)
	}

	if len(res.Created) == 0 {
		return model.CorrelationRecord{}, d.rejected(ctx, u, name, res.Failed)
	}
	if len(res.Failed) > 0 {
		d.logger.Warn("backend reported partial failure",
			"run_id", u.RunID, "step_key", u.StepKey, "resource", name, "failures", len(res.Failed))
	}

	rec := model.CorrelationRecord{
		Backend:        d.backendName,
		ResourceID:     res.Created[0].ID,
		Cluster:        placement.Cluster,
		CPUOverride:    cpu,
		MemoryOverride: memory,
	}
	if err := d.records.Save(ctx, u, rec); err != nil {
		return model.CorrelationRecord{}, err
	}

	d.bestEffort("tag", func() error {
		return b.TagResource(ctx, rec.Cluster, rec.ResourceID, map[string]string{LabelRunID: u.RunID})
	}, "run_id", u.RunID, "resource_id", rec.ResourceID)

	d.logger.Info("launched resource",
		"run_id", u.RunID, "step_key", u.StepKey, "attempt", u.AttemptNumber,
		"resource_id", rec.ResourceID, "cluster", rec.Cluster, "definition", def.ID)

	d.emit(ctx, model.NewEvent(model.EventResourceLaunched, u,
		fmt.Sprintf("Launched %s in %s", rec.ResourceID, rec.Cluster),
		model.MetadataEntry{Label: "resource_id", Value: rec.ResourceID},
		model.MetadataEntry{Label: "cluster", Value: rec.Cluster},
		model.MetadataEntry{Label: "run_id", Value: u.RunID},
	))
	return rec, nil
}

// rejected handles a create call that produced no resource: the launch
// marker is downgraded, a failure event is emitted and every reason the
// backend gave is folded into one LaunchFailure.
func (d *Delegator) rejected(ctx context.Context, u model.WorkUnit, name string, reasons []model.FailureReason) error {
	lf := &model.LaunchFailure{Resource: name, Reasons: reasons}

	d.bestEffort("mark_rejected", func() error {
		return d.records.MarkLaunchRejected(ctx, u)
	}, "run_id", u.RunID)

	d.logger.Error("launch failed", "run_id", u.RunID, "step_key", u.StepKey, "error", lf)
	d.emit(ctx, model.NewEvent(model.FailureEventType(u), u, lf.Error(),
		model.MetadataEntry{Label: "resource", Value: name},
	))
	return lf
}

// reconcile returns the definition a run-level launch should use: the pinned
// definition when configured, otherwise the latest revision of the unit's
// family when it is reusable, otherwise a newly registered revision.
func (d *Delegator) reconcile(ctx context.Context, b backend.Backend, u model.WorkUnit, built resource.Definition) (resource.Definition, error) {
	if d.pinned != nil {
		return *d.pinned, nil
	}

	family := naming.Family(u.Location)
	built.Family = family

	existing, err := call(ctx, d.retry, d.backendName, "describe_definition", func() (resource.Definition, error) {
		return b.DescribeDefinition(ctx, family, d.containerName)
	})
	switch {
	case err == nil && existing.Reusable(built):
		d.logger.Debug("reusing definition", "family", family, "definition", existing.ID)
		return existing, nil
	case err != nil && !model.IsNotFound(err):
		return resource.Definition{}, fmt.Errorf("describe definition %s: %w", family, err)
	}

	registered, err := once(d.backendName, "register_definition", func() (resource.Definition, error) {
		return b.RegisterDefinition(ctx, built)
	})
	if err != nil {
		return resource.Definition{}, fmt.Errorf("register definition %s: %w", family, err)
	}
	d.logger.Info("registered definition", "family", family, "definition", registered.ID, "image", registered.Image)
	return registered, nil
}

func unitLabels(u model.WorkUnit, base map[string]string) map[string]string {
	labels := make(map[string]string, len(base)+4)
	maps.Copy(labels, base)
	labels[LabelRunID] = u.RunID
	if u.StepKey != "" {
		labels[LabelStepKey] = u.StepKey
		labels[LabelAttempt] = strconv.Itoa(u.AttemptNumber)
	}
	if u.JobName != "" {
		labels[LabelJobName] = u.JobName
	}
	return labels
}
