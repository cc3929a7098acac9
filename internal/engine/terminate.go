package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/stevedore/internal/correlation"
	"github.com/seantiz/stevedore/internal/model"
)

// Terminate requests that u's resource stop. It returns false without
// contacting the backend's stop API when there is no usable correlation
// record or the resource is already absent or stopped, so calling it twice
// issues at most one stop request. It does not wait for the resource to stop.
func (d *Delegator) Terminate(ctx context.Context, u model.WorkUnit) (stopped bool, err error) {
	ctx, span := startSpan(ctx, "terminate", u)
	defer func() { finishSpan(span, err) }()

	rec, name, b, err := d.lookup(ctx, u)
	if errors.Is(err, correlation.ErrNoRecord) {
		terminationsTotal.WithLabelValues(d.backendName, outcomeUncorrelated).Inc()
		d.warnIfOrphaned(ctx, u)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	state, err := d.describe(ctx, b, name, rec)
	if err != nil {
		terminationsTotal.WithLabelValues(name, outcomeError).Inc()
		return false, err
	}
	if state.Status == model.StatusAbsent || state.Status.Stopped() {
		terminationsTotal.WithLabelValues(name, outcomeSkipped).Inc()
		return false, nil
	}

	_, err = call(ctx, d.retry, name, "stop", func() (struct{}, error) {
		return struct{}{}, b.StopResource(ctx, rec.Cluster, rec.ResourceID)
	})
	if model.IsNotFound(err) {
		// Gone between describe and stop.
		terminationsTotal.WithLabelValues(name, outcomeSkipped).Inc()
		return false, nil
	}
	if err != nil {
		terminationsTotal.WithLabelValues(name, outcomeError).Inc()
		return false, fmt.Errorf("stop %s: %w", rec.ResourceID, err)
	}

	terminationsTotal.WithLabelValues(name, outcomeStopped).Inc()
	d.logger.Info("stop requested", "run_id", u.RunID, "step_key", u.StepKey,
		"resource_id", rec.ResourceID, "status", state.Status)
	d.emit(ctx, model.NewEvent(model.EventEngine, u,
		fmt.Sprintf("Requested stop of %s", rec.ResourceID),
		model.MetadataEntry{Label: "resource_id", Value: rec.ResourceID},
		model.MetadataEntry{Label: "cluster", Value: rec.Cluster},
	))
	if u.Granularity() == model.GranularityRun {
		d.broker.Close(u.RunID)
	}
	return true, nil
}

// CanTerminate reports whether u has a resource that is present and not
// stopped.
func (d *Delegator) CanTerminate(ctx context.Context, u model.WorkUnit) (ok bool, err error) {
	ctx, span := startSpan(ctx, "can_terminate", u)
	defer func() { finishSpan(span, err) }()

	rec, name, b, err := d.lookup(ctx, u)
	if errors.Is(err, correlation.ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	state, err := d.describe(ctx, b, name, rec)
	if err != nil {
		return false, err
	}
	return state.Status != model.StatusAbsent && !state.Status.Stopped(), nil
}

func (d *Delegator) warnIfOrphaned(ctx context.Context, u model.WorkUnit) {
	attempted, err := d.records.LaunchAttempted(ctx, u)
	if err != nil {
		d.logger.Warn("read launch marker", "run_id", u.RunID, "error", err)
		return
	}
	if attempted {
		d.logger.Warn("cannot terminate: launch was submitted but its correlation record is missing",
			"run_id", u.RunID, "step_key", u.StepKey, "attempt", u.AttemptNumber)
	}
}
