package resource

import (
	"maps"
	"slices"
)

// Secret binds a secret reference to an environment variable in the container.
type Secret struct {
	Name      string `json:"name" yaml:"name"`
	ValueFrom string `json:"value_from" yaml:"value_from"`
}

// VolumeMount mounts a named volume into the container.
type VolumeMount struct {
	Name      string `json:"name" yaml:"name"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	SubPath   string `json:"sub_path,omitempty" yaml:"sub_path,omitempty"`
	ReadOnly  bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// Volume declares a volume that mounts may reference. Exactly one source
// should be set.
type Volume struct {
	Name      string `json:"name" yaml:"name"`
	ConfigMap string `json:"config_map,omitempty" yaml:"config_map,omitempty"`
	Secret    string `json:"secret,omitempty" yaml:"secret,omitempty"`
	EmptyDir  bool   `json:"empty_dir,omitempty" yaml:"empty_dir,omitempty"`
}

// ContainerContext is a layer of container configuration. Launcher-wide
// settings form the base layer; run and step settings override them.
// The zero value of every field means "unset".
type ContainerContext struct {
	Image              string            `json:"image,omitempty" yaml:"image,omitempty"`
	ImagePullPolicy    string            `json:"image_pull_policy,omitempty" yaml:"image_pull_policy,omitempty"`
	ImagePullSecrets   []string          `json:"image_pull_secrets,omitempty" yaml:"image_pull_secrets,omitempty"`
	ServiceAccountName string            `json:"service_account_name,omitempty" yaml:"service_account_name,omitempty"`
	Secrets            []Secret          `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	EnvConfigMaps      []string          `json:"env_config_maps,omitempty" yaml:"env_config_maps,omitempty"`
	EnvSecrets         []string          `json:"env_secrets,omitempty" yaml:"env_secrets,omitempty"`
	EnvVars            map[string]string `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
	VolumeMounts       []VolumeMount     `json:"volume_mounts,omitempty" yaml:"volume_mounts,omitempty"`
	Volumes            []Volume          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Labels             map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Namespace          string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	CPU                string            `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory             string            `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// Merge returns c overridden by other. Scalars set in other win, non-empty
// lists in other replace c's, and maps are unioned with other's keys winning.
// Fields unset in other fall through from c. Neither input is modified.
func (c ContainerContext) Merge(other ContainerContext) ContainerContext {
	return ContainerContext{
		Image:              pick(c.Image, other.Image),
		ImagePullPolicy:    pick(c.ImagePullPolicy, other.ImagePullPolicy),
		ImagePullSecrets:   pickList(c.ImagePullSecrets, other.ImagePullSecrets),
		ServiceAccountName: pick(c.ServiceAccountName, other.ServiceAccountName),
		Secrets:            pickList(c.Secrets, other.Secrets),
		EnvConfigMaps:      pickList(c.EnvConfigMaps, other.EnvConfigMaps),
		EnvSecrets:         pickList(c.EnvSecrets, other.EnvSecrets),
		EnvVars:            union(c.EnvVars, other.EnvVars),
		VolumeMounts:       pickList(c.VolumeMounts, other.VolumeMounts),
		Volumes:            pickList(c.Volumes, other.Volumes),
		Labels:             union(c.Labels, other.Labels),
		Namespace:          pick(c.Namespace, other.Namespace),
		CPU:                pick(c.CPU, other.CPU),
		Memory:             pick(c.Memory, other.Memory),
	}
}

func pick(base, override string) string {
	if override != "" {
		return override
	}
	return base
}

func pickList[T any](base, override []T) []T {
	if len(override) > 0 {
		return slices.Clone(override)
	}
	if len(base) > 0 {
		return slices.Clone(base)
	}
	return nil
}

func union(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
