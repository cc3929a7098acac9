package ecs

// Config holds configuration for the ECS backend. Empty network fields are
// discovered from the task the process itself runs in.
type Config struct {
	// Cluster is the cluster tasks launch into.
	Cluster string

	Subnets        []string
	SecurityGroups []string

	// AssignPublicIP is "ENABLED", "DISABLED" or empty to mirror the
	// launcher's own network interface.
	AssignPublicIP string

	// LaunchType is FARGATE or EC2.
	LaunchType string

	ExecutionRoleARN string
	TaskRoleARN      string

	// IncludeSidecars copies the launcher task's other containers into newly
	// registered task definitions.
	IncludeSidecars bool

	// MetadataURI overrides the ECS_CONTAINER_METADATA_URI_V4 variable.
	MetadataURI string
}
