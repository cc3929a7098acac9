package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/correlation"
	"github.com/seantiz/stevedore/internal/model"
)

// CheckHealth reports whether u's resource failed. It returns a single run or
// step failure event when the resource stopped with a failure and an empty
// list otherwise, including when u was never launched. When a launch was
// submitted but its correlation record is gone, a correlation_lost event is
// returned so that a possibly orphaned resource is not silently ignored.
// Backend errors that persist past the retry budget are returned and never
// read as the resource having stopped.
func (d *Delegator) CheckHealth(ctx context.Context, u model.WorkUnit) (events []model.Event, err error) {
	ctx, span := startSpan(ctx, "check_health", u)
	defer func() { finishSpan(span, err) }()

	rec, name, b, err := d.lookup(ctx, u)
	if errors.Is(err, correlation.ErrNoRecord) {
		return d.uncorrelated(ctx, u)
	}
	if err != nil {
		return nil, err
	}

	state, err := d.describe(ctx, b, name, rec)
	if err != nil {
		healthChecksTotal.WithLabelValues(name, outcomeError).Inc()
		return nil, err
	}
	healthChecksTotal.WithLabelValues(name, string(state.Status)).Inc()

	if state.Status != model.StatusStoppedFailed {
		if state.Status == model.StatusStoppedClean && u.Granularity() == model.GranularityRun {
			d.broker.Close(u.RunID)
		}
		return []model.Event{}, nil
	}

	ev := model.NewEvent(model.FailureEventType(u), u, failureMessage(u, state),
		failureMetadata(rec, state)...)
	d.logger.Info("resource failed", "run_id", u.RunID, "step_key", u.StepKey,
		"resource_id", rec.ResourceID, "reason", state.Reason)
	d.emit(ctx, ev)
	if u.Granularity() == model.GranularityRun {
		d.broker.Close(u.RunID)
	}
	return []model.Event{ev}, nil
}

func (d *Delegator) uncorrelated(ctx context.Context, u model.WorkUnit) ([]model.Event, error) {
	healthChecksTotal.WithLabelValues(d.backendName, outcomeUncorrelated).Inc()

	attempted, err := d.records.LaunchAttempted(ctx, u)
	if err != nil {
		return nil, err
	}
	if !attempted {
		return []model.Event{}, nil
	}

	ev := model.NewEvent(model.EventCorrelationLost, u,
		fmt.Sprintf("A launch of %s was submitted but no correlation record exists; its resource may be orphaned", unitRef(u)))
	d.logger.Warn("correlation record lost", "run_id", u.RunID, "step_key", u.StepKey, "attempt", u.AttemptNumber)
	d.emit(ctx, ev)
	return []model.Event{ev}, nil
}

func failureMessage(u model.WorkUnit, state backend.ResourceState) string {
	var b strings.Builder
	if u.Granularity() == model.GranularityStep {
		fmt.Fprintf(&b, "Discovered failed resource %s for step %s", state.ID, u.StepKey)
	} else {
		fmt.Fprintf(&b, "Resource %s for run %s failed", state.ID, u.RunID)
	}
	if state.ExitCode != nil {
		fmt.Fprintf(&b, " with exit code %d", *state.ExitCode)
	}
	if state.Reason != "" {
		b.WriteString(": ")
		b.WriteString(state.Reason)
	}
	return b.String()
}

func failureMetadata(rec model.CorrelationRecord, state backend.ResourceState) []model.MetadataEntry {
	md := []model.MetadataEntry{
		{Label: "resource_id", Value: rec.ResourceID},
		{Label: "cluster", Value: rec.Cluster},
	}
	if state.ExitCode != nil {
		md = append(md, model.MetadataEntry{Label: "exit_code", Value: strconv.Itoa(*state.ExitCode)})
	}
	if state.Reason != "" {
		md = append(md, model.MetadataEntry{Label: "reason", Value: state.Reason})
	}
	return md
}

func unitRef(u model.WorkUnit) string {
	if u.StepKey == "" {
		return "run " + u.RunID
	}
	return fmt.Sprintf("step %s of run %s (attempt %d)", u.StepKey, u.RunID, u.AttemptNumber)
}
