package resource

import (
	"cmp"
	"maps"
	"slices"

	"github.com/seantiz/stevedore/internal/model"
)

// DefaultContainerName is the container name used when none is configured.
const DefaultContainerName = "run"

// Definition is the concrete template a backend runs a WorkUnit from: an ECS
// task definition or the pod template of a Kubernetes Job.
type Definition struct {
	// ID is assigned by the backend on registration (a task definition ARN).
	// Empty for definitions that were built but never registered.
	ID     string `json:"id,omitempty"`
	Family string `json:"family,omitempty"`

	ContainerName      string            `json:"container_name"`
	Image              string            `json:"image"`
	Secrets            []Secret          `json:"secrets,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	EnvConfigMaps      []string          `json:"env_config_maps,omitempty"`
	EnvSecrets         []string          `json:"env_secrets,omitempty"`
	ImagePullPolicy    string            `json:"image_pull_policy,omitempty"`
	ImagePullSecrets   []string          `json:"image_pull_secrets,omitempty"`
	ServiceAccountName string            `json:"service_account_name,omitempty"`
	VolumeMounts       []VolumeMount     `json:"volume_mounts,omitempty"`
	Volumes            []Volume          `json:"volumes,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
	Namespace          string            `json:"namespace,omitempty"`
	CPU                string            `json:"cpu,omitempty"`
	Memory             string            `json:"memory,omitempty"`
}

// Build merges override onto base and resolves the result into a Definition.
// The image comes from override, then base, then originImage. A
// ConfigurationError is returned when none of them names an image.
func Build(base, override ContainerContext, originImage, containerName string) (Definition, error) {
	merged := base.Merge(override)

	image := pick(originImage, merged.Image)
	if image == "" {
		return Definition{}, &model.ConfigurationError{
			Field:   "image",
			Message: "no container image in the run context, the launcher context or the code origin",
		}
	}
	if containerName == "" {
		containerName = DefaultContainerName
	}

	return Definition{
		ContainerName:      containerName,
		Image:              image,
		Secrets:            sortedSecrets(merged.Secrets),
		Env:                merged.EnvVars,
		EnvConfigMaps:      merged.EnvConfigMaps,
		EnvSecrets:         merged.EnvSecrets,
		ImagePullPolicy:    merged.ImagePullPolicy,
		ImagePullSecrets:   merged.ImagePullSecrets,
		ServiceAccountName: merged.ServiceAccountName,
		VolumeMounts:       merged.VolumeMounts,
		Volumes:            merged.Volumes,
		Labels:             merged.Labels,
		Namespace:          merged.Namespace,
		CPU:                merged.CPU,
		Memory:             merged.Memory,
	}, nil
}

// Reusable reports whether a registered definition d can stand in for the
// freshly built candidate: image, container name and the set of secret
// bindings must be identical. Nothing else is compared.
func (d Definition) Reusable(candidate Definition) bool {
	return d.Image == candidate.Image &&
		d.ContainerName == candidate.ContainerName &&
		slices.Equal(sortedSecrets(d.Secrets), sortedSecrets(candidate.Secrets))
}

// WithLaunchFields returns a copy of d, a registered or pinned definition,
// carrying the per-launch fields of built: environment, labels, namespace and
// cpu/memory. Registration identity and the container template stay d's.
func (d Definition) WithLaunchFields(built Definition) Definition {
	d.Env = built.Env
	d.Labels = built.Labels
	d.Namespace = built.Namespace
	d.CPU = built.CPU
	d.Memory = built.Memory
	return d
}

// WithLabels returns a copy of d with extra labels merged over its own.
func (d Definition) WithLabels(extra map[string]string) Definition {
	d.Labels = union(d.Labels, extra)
	return d
}

// SecretMap returns the secret bindings keyed by environment variable name.
func (d Definition) SecretMap() map[string]string {
	out := make(map[string]string, len(d.Secrets))
	for _, s := range d.Secrets {
		out[s.Name] = s.ValueFrom
	}
	return out
}

// EnvNames returns the environment variable names in sorted order.
func (d Definition) EnvNames() []string {
	return slices.Sorted(maps.Keys(d.Env))
}

func sortedSecrets(in []Secret) []Secret {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b Secret) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ValueFrom, b.ValueFrom)
	})
	return slices.Compact(out)
}
