package ecs

// Name is the name the ECS backend registers under.
const Name = "ecs"

// Task definition defaults applied when the container context sets none.
const (
	DefaultCPU    = "256"
	DefaultMemory = "512"
)

// Task lifecycle states reported in a task's LastStatus.
const (
	statusProvisioning   = "PROVISIONING"
	statusPending        = "PENDING"
	statusActivating     = "ACTIVATING"
	statusRunning        = "RUNNING"
	statusDeactivating   = "DEACTIVATING"
	statusStopping       = "STOPPING"
	statusDeprovisioning = "DEPROVISIONING"
	statusStopped        = "STOPPED"
)

// failureMissing is the DescribeTasks failure reason for unknown tasks.
const failureMissing = "MISSING"

// describeBatchSize is the DescribeTasks limit on task ids per call.
const describeBatchSize = 100

// attachmentENI is the attachment type of a task's awsvpc interface.
const attachmentENI = "ElasticNetworkInterface"

const (
	envMetadataURI = "ECS_CONTAINER_METADATA_URI_V4"
	stopReason     = "Stop requested by stevedore"
)
