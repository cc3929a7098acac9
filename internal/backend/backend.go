package backend

import (
	"context"

	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

// Backend is the interface that all compute backend adapters must implement.
// Implementations must be safe for concurrent use across work units.
type Backend interface {
	// CreateResource submits one creation request. Backends with bulk create
	// APIs may report per-item failures alongside successes; an error return
	// is reserved for the request itself failing.
	CreateResource(ctx context.Context, req CreateRequest) (CreateResult, error)

	// DescribeResources reports the current state of the given resources.
	// Resources the backend does not know are reported with StatusAbsent.
	DescribeResources(ctx context.Context, cluster string, ids []string) ([]ResourceState, error)

	// StopResource requests that a resource stop. It does not wait.
	StopResource(ctx context.Context, cluster, id string) error

	// TagResource attaches tags to a resource for cross-referencing. It is a
	// best-effort operation: callers log and discard its error.
	TagResource(ctx context.Context, cluster, id string, tags map[string]string) error

	// DescribeDefinition returns the latest registered definition of a
	// family, projected onto the named container. A model.ClassNotFound
	// BackendError is returned when the family does not exist.
	DescribeDefinition(ctx context.Context, family, containerName string) (resource.Definition, error)

	// RegisterDefinition registers def as a new revision of def.Family and
	// returns it with its backend-assigned ID.
	RegisterDefinition(ctx context.Context, def resource.Definition) (resource.Definition, error)

	// Placement returns the network placement of the calling process, which
	// launched resources inherit.
	Placement(ctx context.Context) (Placement, error)

	// Capabilities reports what the backend supports.
	Capabilities() Capabilities
}

// CreateRequest describes a single resource to create.
type CreateRequest struct {
	Name       string              `json:"name"`
	Definition resource.Definition `json:"definition"`
	Command    []string            `json:"command,omitempty"`
	Placement  Placement           `json:"placement"`
	Labels     map[string]string   `json:"labels,omitempty"`

	// CPU and Memory override the definition's resources for this launch
	// only, for example a retried step scheduled with more memory.
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Created identifies a resource the backend accepted.
type Created struct {
	ID string `json:"id"`
}

// CreateResult is the tagged outcome of a bulk create call. Both lists may be
// populated at once.
type CreateResult struct {
	Created []Created             `json:"created"`
	Failed  []model.FailureReason `json:"failed"`
}

// Placement is where launched resources run: an ECS cluster plus awsvpc
// networking, or a Kubernetes namespace (Cluster).
type Placement struct {
	Cluster        string   `json:"cluster"`
	Subnets        []string `json:"subnets,omitempty"`
	SecurityGroups []string `json:"security_groups,omitempty"`
	AssignPublicIP bool     `json:"assign_public_ip,omitempty"`
}

// ResourceState is a backend resource's observed status.
type ResourceState struct {
	ID       string               `json:"id"`
	Status   model.ResourceStatus `json:"status"`
	ExitCode *int                 `json:"exit_code,omitempty"`

	// Reason is the backend's explanation for a stop, when it gives one.
	Reason string `json:"reason,omitempty"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name string `json:"name"`

	// Definitions is true when the backend keeps a registry of reusable
	// resource definitions that the reconciler can query.
	Definitions bool `json:"definitions"`

	// Namespaced is true when resources live in a namespace that a container
	// context may choose, overriding the placement's Cluster.
	Namespaced bool `json:"namespaced"`

	// Granularities lists the work unit granularities the backend accepts.
	Granularities []string `json:"granularities"`
}

// Supports reports whether the backend accepts units of the given granularity.
func (c Capabilities) Supports(granularity string) bool {
	for _, g := range c.Granularities {
		if g == granularity {
			return true
		}
	}
	return false
}
