package backendtest

import (
	"fmt"
	"maps"
	"slices"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

// SetStatus moves a resource to a new status, enforcing the resource state
// machine. exitCode and reason are recorded as given.
func (b *Backend) SetStatus(id string, status model.ResourceStatus, exitCode *int, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.resources[id]
	if !ok {
		return fmt.Errorf("resource %q does not exist", id)
	}
	if r.state.Status != status && !model.ValidTransition(r.state.Status, status) {
		return fmt.Errorf("invalid transition %s -> %s for %q", r.state.Status, status, id)
	}
	r.state.Status = status
	r.state.ExitCode = exitCode
	r.state.Reason = reason
	return nil
}

// Remove deletes a resource, as a backend garbage collector would.
func (b *Backend) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.resources, id)
}

// SeedDefinition registers def without counting it as a RegisterDefinition call.
func (b *Backend) SeedDefinition(def resource.Definition) resource.Definition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if def.ID == "" {
		def.ID = fmt.Sprintf("%s:%d", def.Family, len(b.families[def.Family])+1)
	}
	b.families[def.Family] = append(b.families[def.Family], def)
	return def
}

// FailNextCreate makes the next CreateResource call create nothing and report
// the given per-item failures.
func (b *Backend) FailNextCreate(reasons ...model.FailureReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createFailures = reasons
}

// ErrorNextCreate makes the next CreateResource call return err.
func (b *Backend) ErrorNextCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// FailDescribes queues errors returned by successive DescribeResources calls.
func (b *Backend) FailDescribes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.describeErrs = append(b.describeErrs, errs...)
}

// FailTags makes every TagResource call return err. Pass nil to reset.
func (b *Backend) FailTags(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tagErr = err
}

// Requests returns a copy of every CreateRequest received.
func (b *Backend) Requests() []backend.CreateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// Tags returns a copy of a resource's tags.
func (b *Backend) Tags(id string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.resources[id]; ok {
		return maps.Clone(r.tags)
	}
	return nil
}

// Revisions returns the registered revisions of family.
func (b *Backend) Revisions(family string) []resource.Definition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.families[family])
}

// StopCalls returns the number of StopResource calls.
func (b *Backend) StopCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopCalls
}

// TagCalls returns the number of TagResource calls.
func (b *Backend) TagCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tagCalls
}

// RegisterCalls returns the number of RegisterDefinition calls.
func (b *Backend) RegisterCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerCalls
}

// DescribeCalls returns the number of DescribeResources calls.
func (b *Backend) DescribeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.describeCalls
}

// DefinitionLookups returns the number of DescribeDefinition calls.
func (b *Backend) DefinitionLookups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.definitionGets
}
