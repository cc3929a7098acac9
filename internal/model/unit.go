package model

// Granularity constants.
const (
	GranularityRun  = "run"
	GranularityStep = "step"
)

// WorkUnit is one schedulable unit delegated to an external backend: either a
// whole run (StepKey empty) or a single attempt of one step within a run.
type WorkUnit struct {
	RunID         string   `json:"run_id" yaml:"run_id"`
	StepKey       string   `json:"step_key,omitempty" yaml:"step_key,omitempty"`
	AttemptNumber int      `json:"attempt_number" yaml:"attempt_number"`
	CommandArgs   []string `json:"command_args,omitempty" yaml:"command_args,omitempty"`

	// ContainerImage is the image recorded on the unit's code origin. It is
	// the last fallback when no container context names an image.
	ContainerImage string `json:"container_image,omitempty" yaml:"container_image,omitempty"`

	// Location is the deployable-location identity the unit was loaded from.
	// Runs from the same location share a resource definition family.
	Location string `json:"location,omitempty" yaml:"location,omitempty"`

	// JobName is the orchestrator's name for the job being run. Labels only.
	JobName string `json:"job_name,omitempty" yaml:"job_name,omitempty"`
}

// Granularity reports whether the unit is run-level or step-level.
func (u WorkUnit) Granularity() string {
	if u.StepKey == "" {
		return GranularityRun
	}
	return GranularityStep
}

// CorrelationRecord is the durable pointer from a WorkUnit to the backend
// resource launched for it. A record is written once per attempt and never
// updated afterwards.
type CorrelationRecord struct {
	Backend        string `json:"backend,omitempty"`
	ResourceID     string `json:"resource_id"`
	Cluster        string `json:"cluster"`
	CPUOverride    string `json:"cpu_override,omitempty"`
	MemoryOverride string `json:"memory_override,omitempty"`
}

// Addressable reports whether the record carries enough to locate the
// resource: both a resource id and a cluster or namespace.
func (r CorrelationRecord) Addressable() bool {
	return r.ResourceID != "" && r.Cluster != ""
}
