package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/correlation"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

// Label keys attached to every launched resource.
const (
	LabelRunID   = "stevedore/run-id"
	LabelStepKey = "stevedore/step-key"
	LabelJobName = "stevedore/job-name"
	LabelAttempt = "stevedore/attempt"
)

// EventSink receives every event the Delegator emits.
type EventSink interface {
	ReportEvent(ctx context.Context, ev model.Event) error
}

// Options configures a Delegator.
type Options struct {
	// Registry holds the configured backends. Backend names the one new
	// launches go to; health checks and terminations use the backend named
	// in each correlation record.
	Registry *backend.Registry
	Backend  string

	// Tags is the orchestrator's per-run tag store holding correlation
	// records and resource overrides.
	Tags correlation.Store

	// Events is optional. Events are always published on the broker.
	Events EventSink
	Logger *slog.Logger

	// ContainerName is the container that runs the work unit's command.
	ContainerName string

	// PinnedDefinition, when set, is used for every run-level launch
	// instead of a reconciled definition.
	PinnedDefinition string

	// BaseContext is the launcher-level container context that each
	// unit's context is merged onto.
	BaseContext resource.ContainerContext

	Retry RetryPolicy
}

// Delegator launches, monitors and terminates work units on a compute
// backend. It holds no per-unit state and is safe for concurrent use.
type Delegator struct {
	registry      *backend.Registry
	backendName   string
	records       *correlation.Adapter
	events        EventSink
	broker        *EventBroker
	logger        *slog.Logger
	containerName string
	pinned        *resource.Definition
	base          resource.ContainerContext
	retry         RetryPolicy
}

// New creates a Delegator. When a pinned definition is configured it is
// described once here and must contain the configured container.
func New(ctx context.Context, opts Options) (*Delegator, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Tags == nil {
		return nil, errors.New("engine: tag store is required")
	}
	b, err := opts.Registry.Resolve(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("resolve default backend: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	containerName := opts.ContainerName
	if containerName == "" {
		containerName = resource.DefaultContainerName
	}

	d := &Delegator{
		registry:      opts.Registry,
		backendName:   opts.Backend,
		records:       correlation.NewAdapter(opts.Tags),
		events:        opts.Events,
		broker:        NewEventBroker(),
		logger:        logger,
		containerName: containerName,
		base:          opts.BaseContext,
		retry:         opts.Retry.withDefaults(),
	}

	if opts.PinnedDefinition != "" {
		def, err := d.describePinned(ctx, b, opts.PinnedDefinition)
		if err != nil {
			return nil, err
		}
		d.pinned = &def
	}

	return d, nil
}

func (d *Delegator) describePinned(ctx context.Context, b backend.Backend, pinned string) (resource.Definition, error) {
	if !b.Capabilities().Definitions {
		return resource.Definition{}, &model.ConfigurationError{
			Field:   "pinned_definition",
			Message: fmt.Sprintf("backend %s has no definition registry", d.backendName),
		}
	}

	def, err := call(ctx, d.retry, d.backendName, "describe_definition", func() (resource.Definition, error) {
		return b.DescribeDefinition(ctx, pinned, d.containerName)
	})
	if err != nil {
		return resource.Definition{}, fmt.Errorf("describe pinned definition %s: %w", pinned, err)
	}
	if def.ContainerName != d.containerName {
		return resource.Definition{}, &model.ConfigurationError{
			Field:   "pinned_definition",
			Message: fmt.Sprintf("definition %s has no container named %q", pinned, d.containerName),
		}
	}
	return def, nil
}

// Broker returns the delegator's event broker for SSE subscription.
func (d *Delegator) Broker() *EventBroker {
	return d.broker
}

// BackendName returns the name of the backend new launches go to.
func (d *Delegator) BackendName() string {
	return d.backendName
}

// emit publishes ev to subscribers and reports it to the event sink.
func (d *Delegator) emit(ctx context.Context, ev model.Event) {
	d.broker.Publish(ev)
	if d.events == nil {
		return
	}
	d.bestEffort("report_event", func() error {
		return d.events.ReportEvent(ctx, ev)
	}, "run_id", ev.RunID, "event_type", ev.Type)
}

// bestEffort runs an operation whose failure must not fail the caller, such
// as tagging a resource for cross-referencing. Its error is logged and
// counted, never returned.
func (d *Delegator) bestEffort(op string, fn func() error, attrs ...any) {
	if err := fn(); err != nil {
		bestEffortFailuresTotal.WithLabelValues(op).Inc()
		d.logger.Warn("best-effort operation failed",
			append([]any{"operation", op, "error", err}, attrs...)...)
	}
}

// lookup loads u's correlation record and resolves the backend that
// launched it. A missing or incomplete record yields correlation.ErrNoRecord.
func (d *Delegator) lookup(ctx context.Context, u model.WorkUnit) (model.CorrelationRecord, string, backend.Backend, error) {
	rec, err := d.records.Load(ctx, u)
	if err != nil {
		return rec, "", nil, err
	}
	if !rec.Addressable() {
		d.logger.Warn("incomplete correlation record",
			"run_id", u.RunID, "step_key", u.StepKey, "resource_id", rec.ResourceID, "cluster", rec.Cluster)
		return rec, "", nil, correlation.ErrNoRecord
	}

	name := rec.Backend
	if name == "" {
		name = d.backendName
	}
	b, err := d.registry.Resolve(name)
	if err != nil {
		return rec, name, nil, err
	}
	return rec, name, b, nil
}

// describe returns the state of the resource rec points at, retrying
// transient errors. A resource missing from the response is absent.
func (d *Delegator) describe(ctx context.Context, b backend.Backend, name string, rec model.CorrelationRecord) (backend.ResourceState, error) {
	states, err := call(ctx, d.retry, name, "describe", func() ([]backend.ResourceState, error) {
		return b.DescribeResources(ctx, rec.Cluster, []string{rec.ResourceID})
	})
	if err != nil {
		return backend.ResourceState{}, fmt.Errorf("describe %s: %w", rec.ResourceID, err)
	}
	for _, s := range states {
		if s.ID == rec.ResourceID {
			return s, nil
		}
	}
	return backend.ResourceState{ID: rec.ResourceID, Status: model.StatusAbsent}, nil
}
