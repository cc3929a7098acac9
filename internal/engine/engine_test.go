package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/backend/backendtest"
	"github.com/seantiz/stevedore/internal/correlation"
	"github.com/seantiz/stevedore/internal/engine"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/naming"
	"github.com/seantiz/stevedore/internal/resource"
)

// recordingSink collects reported events.
type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (s *recordingSink) ReportEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

type harness struct {
	d    *engine.Delegator
	fake *backendtest.Backend
	reg  *backend.Registry
	tags *correlation.MemoryStore
	sink *recordingSink
}

var fastRetry = engine.RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newHarness(t *testing.T, fake *backendtest.Backend, configure ...func(*engine.Options)) *harness {
	t.Helper()
	h := &harness{
		fake: fake,
		reg:  backend.NewRegistry(),
		tags: correlation.NewMemoryStore(),
		sink: &recordingSink{},
	}
	h.reg.Register(backendtest.Name, fake)
	h.d = h.newDelegator(t, configure...)
	return h
}

// newDelegator builds another delegator over the same backend and stores,
// standing in for a restarted process.
func (h *harness) newDelegator(t *testing.T, configure ...func(*engine.Options)) *engine.Delegator {
	t.Helper()
	opts := engine.Options{
		Registry: h.reg,
		Backend:  backendtest.Name,
		Tags:     h.tags,
		Events:   h.sink,
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Retry:    fastRetry,
	}
	for _, c := range configure {
		c(&opts)
	}
	d, err := engine.New(context.Background(), opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return d
}

func stepUnit(attempt int) model.WorkUnit {
	return model.WorkUnit{
		RunID:          "r1",
		StepKey:        "s1",
		AttemptNumber:  attempt,
		CommandArgs:    []string{"execute_step", "s1"},
		ContainerImage: "app:1",
	}
}

func runUnit(runID string) model.WorkUnit {
	return model.WorkUnit{
		RunID:          runID,
		CommandArgs:    []string{"execute_run"},
		ContainerImage: "app:1",
		Location:       "repo@prod",
		JobName:        "nightly",
	}
}

func exitCode(n int) *int { return &n }

func TestLaunchStepAttempts(t *testing.T) {
	h := newHarness(t, backendtest.New())
	ctx := context.Background()

	rec, err := h.d.Launch(ctx, stepUnit(0), resource.ContainerContext{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if rec.ResourceID != "job-r1-s1" {
		t.Errorf("ResourceID = %q, want %q", rec.ResourceID, "job-r1-s1")
	}
	if rec.Cluster != "default" {
		t.Errorf("Cluster = %q, want %q", rec.Cluster, "default")
	}

	stored, err := correlation.NewAdapter(h.tags).Load(ctx, stepUnit(0))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored != rec {
		t.Errorf("stored record = %+v, want %+v", stored, rec)
	}

	if err := h.fake.SetStatus(rec.ResourceID, model.StatusStoppedFailed, exitCode(1), "Essential container exited"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	retry, err := h.d.Launch(ctx, stepUnit(1), resource.ContainerContext{})
	if err != nil {
		t.Fatalf("Launch retry: %v", err)
	}
	if retry.ResourceID != "job-r1-s1-1" {
		t.Errorf("retry ResourceID = %q, want %q", retry.ResourceID, "job-r1-s1-1")
	}

	// The first attempt's record is untouched by the retry.
	stored, err = correlation.NewAdapter(h.tags).Load(ctx, stepUnit(0))
	if err != nil || stored.ResourceID != "job-r1-s1" {
		t.Errorf("first attempt record = %+v, %v", stored, err)
	}

	reqs := h.fake.Requests()
	if len(reqs) != 2 {
		t.Fatalf("len(Requests) = %d, want 2", len(reqs))
	}
	req := reqs[0]
	if req.Definition.Image != "app:1" {
		t.Errorf("Image = %q, want %q", req.Definition.Image, "app:1")
	}
	if req.Definition.ContainerName != resource.DefaultContainerName {
		t.Errorf("ContainerName = %q, want %q", req.Definition.ContainerName, resource.DefaultContainerName)
	}
	if req.Labels[engine.LabelRunID] != "r1" || req.Labels[engine.LabelStepKey] != "s1" {
		t.Errorf("Labels = %v", req.Labels)
	}
	if strings.Join(req.Command, " ") != "execute_step s1" {
		t.Errorf("Command = %v", req.Command)
	}
	if h.fake.Tags(rec.ResourceID)[engine.LabelRunID] != "r1" {
		t.Errorf("resource tags = %v, want run id tag", h.fake.Tags(rec.ResourceID))
	}
}

func TestLaunchEmitsLaunchedEvent(t *testing.T) {
	h := newHarness(t, backendtest.New())
	ch, unsub := h.d.Broker().Subscribe("r1")
	defer unsub()

	rec, err := h.d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != model.EventResourceLaunched {
			t.Errorf("Type = %q, want %q", ev.Type, model.EventResourceLaunched)
		}
		if !hasMetadata(ev, "resource_id", rec.ResourceID) || !hasMetadata(ev, "cluster", "default") || !hasMetadata(ev, "run_id", "r1") {
			t.Errorf("Metadata = %+v", ev.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	if got := h.sink.Events(); len(got) != 1 || got[0].Type != model.EventResourceLaunched {
		t.Errorf("sink events = %+v", got)
	}
}

func hasMetadata(ev model.Event, label, value string) bool {
	for _, m := range ev.Metadata {
		if m.Label == label && m.Value == value {
			return true
		}
	}
	return false
}

func TestLaunchWithoutImage(t *testing.T) {
	h := newHarness(t, backendtest.New())
	u := stepUnit(0)
	u.ContainerImage = ""

	_, err := h.d.Launch(context.Background(), u, resource.ContainerContext{})
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Launch error = %v, want ConfigurationError", err)
	}
	if len(h.fake.Requests()) != 0 {
		t.Error("backend was called despite a configuration error")
	}
}

func TestLaunchContextImageWins(t *testing.T) {
	h := newHarness(t, backendtest.New(), func(o *engine.Options) {
		o.BaseContext = resource.ContainerContext{Image: "base:1", EnvVars: map[string]string{"A": "1"}}
	})

	_, err := h.d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{
		Image:   "override:2",
		EnvVars: map[string]string{"B": "2"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	def := h.fake.Requests()[0].Definition
	if def.Image != "override:2" {
		t.Errorf("Image = %q, want %q", def.Image, "override:2")
	}
	if def.Env["A"] != "1" || def.Env["B"] != "2" {
		t.Errorf("Env = %v", def.Env)
	}
}

func TestLaunchFailureAggregatesReasons(t *testing.T) {
	h := newHarness(t, backendtest.New())
	ctx := context.Background()
	h.fake.FailNextCreate(
		model.FailureReason{Resource: "arn:container-instance/1", Reason: "RESOURCE:MEMORY", Detail: "not enough memory"},
		model.FailureReason{Resource: "arn:container-instance/2", Reason: "AGENT", Detail: "agent disconnected"},
	)

	_, err := h.d.Launch(ctx, stepUnit(0), resource.ContainerContext{})
	var lf *model.LaunchFailure
	if !errors.As(err, &lf) {
		t.Fatalf("Launch error = %v, want LaunchFailure", err)
	}
	for _, want := range []string{"RESOURCE:MEMORY: not enough memory", "AGENT: agent disconnected"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not contain %q", err.Error(), want)
		}
	}

	if _, err := correlation.NewAdapter(h.tags).Load(ctx, stepUnit(0)); !errors.Is(err, correlation.ErrNoRecord) {
		t.Errorf("record written for a failed launch: %v", err)
	}

	events := h.sink.Events()
	if len(events) != 1 || events[0].Type != model.EventStepFailure {
		t.Fatalf("sink events = %+v, want one step failure", events)
	}

	// A rejected launch is not a lost record.
	got, err := h.d.CheckHealth(ctx, stepUnit(0))
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("CheckHealth events = %+v, want none", got)
	}
}

func TestLaunchCreateError(t *testing.T) {
	h := newHarness(t, backendtest.New())
	boom := model.NewBackendError(model.ClassTransient, "create", "job-r1-s1", errors.New("connection reset"))
	h.fake.ErrorNextCreate(boom)

	_, err := h.d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{})
	if !errors.Is(err, boom) {
		t.Fatalf("Launch error = %v, want %v", err, boom)
	}
	// Creates are never retried.
	if n := len(h.fake.Requests()); n != 1 {
		t.Errorf("create requests = %d, want 1", n)
	}
}

func TestLaunchTagFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, backendtest.New())
	h.fake.FailTags(errors.New("AccessDenied"))

	rec, err := h.d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if rec.ResourceID == "" {
		t.Error("empty resource id")
	}
	if h.fake.TagCalls() != 1 {
		t.Errorf("TagCalls = %d, want 1", h.fake.TagCalls())
	}
}

func TestLaunchEventSinkFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, backendtest.New())
	h.sink.err = errors.New("sink down")

	if _, err := h.d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
}

func TestLaunchAppliesRecordedOverrides(t *testing.T) {
	h := newHarness(t, backendtest.New())
	ctx := context.Background()
	if err := h.tags.AddRunTags(ctx, "r1", map[string]string{
		"resources/s1/cpu":    "2048",
		"resources/s1/memory": "8192",
	}); err != nil {
		t.Fatalf("AddRunTags: %v", err)
	}

	rec, err := h.d.Launch(ctx, stepUnit(1), resource.ContainerContext{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	req := h.fake.Requests()[0]
	if req.CPU != "2048" || req.Memory != "8192" {
		t.Errorf("request overrides = %q/%q, want 2048/8192", req.CPU, req.Memory)
	}
	if rec.CPUOverride != "2048" || rec.MemoryOverride != "8192" {
		t.Errorf("record overrides = %q/%q, want 2048/8192", rec.CPUOverride, rec.MemoryOverride)
	}
}

// runsOnly restricts a fake backend to run-level units, like ECS.
type runsOnly struct {
	*backendtest.Backend
}

func (r runsOnly) Capabilities() backend.Capabilities {
	c := r.Backend.Capabilities()
	c.Granularities = []string{model.GranularityRun}
	return c
}

func TestLaunchUnsupportedGranularity(t *testing.T) {
	fake := backendtest.New()
	reg := backend.NewRegistry()
	reg.Register("runs-only", runsOnly{fake})
	d, err := engine.New(context.Background(), engine.Options{
		Registry: reg,
		Backend:  "runs-only",
		Tags:     correlation.NewMemoryStore(),
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	_, err = d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{})
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Launch error = %v, want ConfigurationError", err)
	}
}

func TestReconcileReusesIdenticalDefinition(t *testing.T) {
	h := newHarness(t, backendtest.New())
	ctx := context.Background()
	cc := resource.ContainerContext{Secrets: []resource.Secret{
		{Name: "DB_PASSWORD", ValueFrom: "arn:secret:db"},
		{Name: "API_KEY", ValueFrom: "arn:secret:api"},
	}}

	if _, err := h.d.Launch(ctx, runUnit("run-a"), cc); err != nil {
		t.Fatalf("Launch a: %v", err)
	}
	// Same secrets in another order, different env: still reusable.
	cc2 := resource.ContainerContext{
		Secrets: []resource.Secret{cc.Secrets[1], cc.Secrets[0]},
		EnvVars: map[string]string{"EXTRA": "1"},
	}
	if _, err := h.d.Launch(ctx, runUnit("run-b"), cc2); err != nil {
		t.Fatalf("Launch b: %v", err)
	}

	if h.fake.RegisterCalls() != 1 {
		t.Errorf("RegisterCalls = %d, want 1", h.fake.RegisterCalls())
	}
	reqs := h.fake.Requests()
	if reqs[0].Definition.ID == "" || reqs[0].Definition.ID != reqs[1].Definition.ID {
		t.Errorf("definition ids = %q, %q, want the same registered id", reqs[0].Definition.ID, reqs[1].Definition.ID)
	}
	if reqs[0].Definition.Family != naming.Family("repo@prod") {
		t.Errorf("Family = %q, want %q", reqs[0].Definition.Family, naming.Family("repo@prod"))
	}

	// A new image is drift and forces a new revision.
	u := runUnit("run-c")
	u.ContainerImage = "app:2"
	if _, err := h.d.Launch(ctx, u, cc); err != nil {
		t.Fatalf("Launch c: %v", err)
	}
	if h.fake.RegisterCalls() != 2 {
		t.Errorf("RegisterCalls after image change = %d, want 2", h.fake.RegisterCalls())
	}
	if n := len(h.fake.Revisions(naming.Family("repo@prod"))); n != 2 {
		t.Errorf("revisions = %d, want 2", n)
	}
}

func TestReusedDefinitionCarriesLaunchContext(t *testing.T) {
	h := newHarness(t, backendtest.New())
	ctx := context.Background()

	first := resource.ContainerContext{EnvVars: map[string]string{"FOO": "old"}, CPU: "512"}
	if _, err := h.d.Launch(ctx, runUnit("ra"), first); err != nil {
		t.Fatalf("Launch ra: %v", err)
	}
	second := resource.ContainerContext{
		EnvVars: map[string]string{"FOO": "new"},
		Labels:  map[string]string{"team": "data"},
		CPU:     "2048",
	}
	if _, err := h.d.Launch(ctx, runUnit("rb"), second); err != nil {
		t.Fatalf("Launch rb: %v", err)
	}

	if h.fake.RegisterCalls() != 1 {
		t.Fatalf("RegisterCalls = %d, want 1", h.fake.RegisterCalls())
	}
	req := h.fake.Requests()[1]
	if got := req.Definition.Env["FOO"]; got != "new" {
		t.Errorf("second launch FOO = %q, want new", got)
	}
	if got := req.Labels["team"]; got != "data" {
		t.Errorf("second launch team label = %q, want data", got)
	}
	if req.CPU != "2048" {
		t.Errorf("second launch CPU = %q, want 2048", req.CPU)
	}
	if req.Definition.ID != h.fake.Requests()[0].Definition.ID {
		t.Errorf("definition = %q, want the reused %q", req.Definition.ID, h.fake.Requests()[0].Definition.ID)
	}
}

func TestLaunchRejectsNegativeAttempt(t *testing.T) {
	h := newHarness(t, backendtest.New())

	_, err := h.d.Launch(context.Background(), stepUnit(-1), resource.ContainerContext{})
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "attempt_number" {
		t.Fatalf("Launch error = %v, want an attempt_number configuration error", err)
	}
	if n := len(h.fake.Requests()); n != 0 {
		t.Errorf("create requests = %d, want 0", n)
	}
}

func TestReconcileSkippedForSteps(t *testing.T) {
	h := newHarness(t, backendtest.New())

	if _, err := h.d.Launch(context.Background(), stepUnit(0), resource.ContainerContext{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.fake.DefinitionLookups() != 0 || h.fake.RegisterCalls() != 0 {
		t.Errorf("definition lookups = %d, registrations = %d, want 0 and 0",
			h.fake.DefinitionLookups(), h.fake.RegisterCalls())
	}
}

func TestReconcileSkippedWithoutDefinitionRegistry(t *testing.T) {
	h := newHarness(t, backendtest.New(backendtest.WithoutDefinitions()))

	if _, err := h.d.Launch(context.Background(), runUnit("r1"), resource.ContainerContext{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.fake.DefinitionLookups() != 0 {
		t.Errorf("DefinitionLookups = %d, want 0", h.fake.DefinitionLookups())
	}
	if h.fake.Requests()[0].Definition.ID != "" {
		t.Errorf("Definition.ID = %q, want empty", h.fake.Requests()[0].Definition.ID)
	}
}

func TestPinnedDefinitionSkipsReconciler(t *testing.T) {
	fake := backendtest.New()
	pinned := fake.SeedDefinition(resource.Definition{Family: "pinned", ContainerName: "run", Image: "pinned:1"})
	fake.SeedDefinition(resource.Definition{Family: naming.Family("repo@prod"), ContainerName: "other", Image: "different:9"})

	h := newHarness(t, fake, func(o *engine.Options) { o.PinnedDefinition = "pinned" })
	lookups := fake.DefinitionLookups()

	if _, err := h.d.Launch(context.Background(), runUnit("r1"), resource.ContainerContext{Image: "app:7"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if fake.DefinitionLookups() != lookups {
		t.Errorf("launch looked up definitions %d times, want 0", fake.DefinitionLookups()-lookups)
	}
	if fake.RegisterCalls() != 0 {
		t.Errorf("RegisterCalls = %d, want 0", fake.RegisterCalls())
	}
	if got := fake.Requests()[0].Definition.ID; got != pinned.ID {
		t.Errorf("Definition.ID = %q, want %q", got, pinned.ID)
	}
}

func TestPinnedDefinitionValidation(t *testing.T) {
	tests := []struct {
		name string
		fake func() *backendtest.Backend
	}{
		{
			name: "missing container",
			fake: func() *backendtest.Backend {
				f := backendtest.New()
				f.SeedDefinition(resource.Definition{Family: "pinned", ContainerName: "sidecar", Image: "x:1"})
				return f
			},
		},
		{
			name: "no definition registry",
			fake: func() *backendtest.Backend { return backendtest.New(backendtest.WithoutDefinitions()) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := backend.NewRegistry()
			reg.Register(backendtest.Name, tt.fake())
			_, err := engine.New(context.Background(), engine.Options{
				Registry:         reg,
				Backend:          backendtest.Name,
				Tags:             correlation.NewMemoryStore(),
				PinnedDefinition: "pinned",
			})
			var cfgErr *model.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("engine.New error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestPinnedDefinitionNotFound(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backendtest.Name, backendtest.New())
	_, err := engine.New(context.Background(), engine.Options{
		Registry:         reg,
		Backend:          backendtest.Name,
		Tags:             correlation.NewMemoryStore(),
		PinnedDefinition: "missing",
		Retry:            fastRetry,
	})
	if !model.IsNotFound(err) {
		t.Errorf("engine.New error = %v, want not found", err)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := engine.New(context.Background(), engine.Options{
		Registry: backend.NewRegistry(),
		Backend:  "nope",
		Tags:     correlation.NewMemoryStore(),
	})
	if err == nil {
		t.Error("engine.New with an unregistered backend succeeded")
	}
}

func TestLaunchContextNamespaceOverridesPlacement(t *testing.T) {
	ctx := context.Background()

	namespaced := newHarness(t, backendtest.New(backendtest.WithoutDefinitions(), backendtest.WithNamespaces()))
	rec, err := namespaced.d.Launch(ctx, stepUnit(0), resource.ContainerContext{Namespace: "batch"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if rec.Cluster != "batch" {
		t.Errorf("Cluster = %q, want context namespace %q", rec.Cluster, "batch")
	}

	clustered := newHarness(t, backendtest.New())
	rec, err = clustered.d.Launch(ctx, stepUnit(0), resource.ContainerContext{Namespace: "batch"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if rec.Cluster != "default" {
		t.Errorf("Cluster = %q, want placement cluster %q", rec.Cluster, "default")
	}
}
