// Package backendtest provides an in-memory compute backend for tests and for
// the end-to-end test server. It records every call so tests can assert on
// side effects such as "no second stop request was issued".
package backendtest

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

// Name is the name the fake backend registers under by default.
const Name = "fake"

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

type fakeResource struct {
	state backend.ResourceState
	tags  map[string]string
}

// Backend is an in-memory backend.Backend. The zero value is not usable; use New.
type Backend struct {
	mu sync.Mutex

	name        string
	definitions bool
	namespaced  bool
	placement   backend.Placement

	resources map[string]*fakeResource
	families  map[string][]resource.Definition

	createFailures []model.FailureReason
	createErr      error
	describeErrs   []error
	tagErr         error

	requests       []backend.CreateRequest
	stopCalls      int
	tagCalls       int
	registerCalls  int
	describeCalls  int
	definitionGets int
}

// Option configures a fake backend.
type Option func(*Backend)

// WithoutDefinitions makes the backend report no definition registry, like
// Kubernetes.
func WithoutDefinitions() Option {
	return func(b *Backend) { b.definitions = false }
}

// WithNamespaces makes the backend report namespaced resources, like
// Kubernetes.
func WithNamespaces() Option {
	return func(b *Backend) { b.namespaced = true }
}

// WithPlacement sets the placement returned by Placement.
func WithPlacement(p backend.Placement) Option {
	return func(b *Backend) { b.placement = p }
}

// New creates a fake backend with a definition registry and a "default" cluster.
func New(opts ...Option) *Backend {
	b := &Backend{
		name:        Name,
		definitions: true,
		placement:   backend.Placement{Cluster: "default"},
		resources:   make(map[string]*fakeResource),
		families:    make(map[string][]resource.Definition),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateResource records the request and creates a pending resource, unless
// failures were queued with FailNextCreate.
func (b *Backend) CreateResource(_ context.Context, req backend.CreateRequest) (backend.CreateResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)

	if b.createErr != nil {
		err := b.createErr
		b.createErr = nil
		return backend.CreateResult{}, err
	}
	if len(b.createFailures) > 0 {
		failed := b.createFailures
		b.createFailures = nil
		return backend.CreateResult{Failed: failed}, nil
	}

	// Resource ids are the requested names, as Kubernetes Job names are.
	id := req.Name
	if _, ok := b.resources[id]; !ok {
		b.resources[id] = &fakeResource{
			state: backend.ResourceState{ID: id, Status: model.StatusPending},
			tags:  maps.Clone(req.Labels),
		}
	}
	return backend.CreateResult{Created: []backend.Created{{ID: id}}}, nil
}

// DescribeResources reports the stored state of each id.
func (b *Backend) DescribeResources(_ context.Context, _ string, ids []string) ([]backend.ResourceState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.describeCalls++
	if len(b.describeErrs) > 0 {
		err := b.describeErrs[0]
		b.describeErrs = b.describeErrs[1:]
		return nil, err
	}

	states := make([]backend.ResourceState, 0, len(ids))
	for _, id := range ids {
		r, ok := b.resources[id]
		if !ok {
			states = append(states, backend.ResourceState{ID: id, Status: model.StatusAbsent})
			continue
		}
		states = append(states, r.state)
	}
	return states, nil
}

// StopResource moves a live resource to stopped_failed, as a killed container would.
func (b *Backend) StopResource(_ context.Context, _ string, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopCalls++
	r, ok := b.resources[id]
	if !ok {
		return model.NewBackendError(model.ClassNotFound, "stop", id, fmt.Errorf("no such resource"))
	}
	if r.state.Status.Live() {
		code := 143
		r.state.Status = model.StatusStoppedFailed
		r.state.ExitCode = &code
		r.state.Reason = "stop requested"
	}
	return nil
}

// TagResource merges tags onto the resource, or fails with the error set by FailTags.
func (b *Backend) TagResource(_ context.Context, _ string, id string, tags map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tagCalls++
	if b.tagErr != nil {
		return b.tagErr
	}
	r, ok := b.resources[id]
	if !ok {
		return model.NewBackendError(model.ClassNotFound, "tag", id, fmt.Errorf("no such resource"))
	}
	if r.tags == nil {
		r.tags = make(map[string]string, len(tags))
	}
	maps.Copy(r.tags, tags)
	return nil
}

// DescribeDefinition returns the latest revision of family.
func (b *Backend) DescribeDefinition(_ context.Context, family, containerName string) (resource.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.definitionGets++
	if !b.definitions {
		return resource.Definition{}, model.ErrNotSupported
	}
	revs := b.families[family]
	if len(revs) == 0 {
		return resource.Definition{}, model.NewBackendError(model.ClassNotFound, "describe-definition", family, fmt.Errorf("family not registered"))
	}
	def := revs[len(revs)-1]
	if def.ContainerName != containerName {
		def.ContainerName = ""
	}
	return def, nil
}

// RegisterDefinition appends a new revision to def.Family.
func (b *Backend) RegisterDefinition(_ context.Context, def resource.Definition) (resource.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.definitions {
		return resource.Definition{}, model.ErrNotSupported
	}
	b.registerCalls++
	def.ID = def.Family + ":" + strconv.Itoa(len(b.families[def.Family])+1)
	b.families[def.Family] = append(b.families[def.Family], def)
	return def, nil
}

// Placement returns the configured placement.
func (b *Backend) Placement(context.Context) (backend.Placement, error) {
	return b.placement, nil
}

// Capabilities reports the fake's capabilities.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          b.name,
		Definitions:   b.definitions,
		Namespaced:    b.namespaced,
		Granularities: []string{model.GranularityRun, model.GranularityStep},
	}
}
