package kubernetes

// Name is the name the Kubernetes backend registers under.
const Name = "kubernetes"

const (
	// serviceAccountNamespace holds the namespace of the pod the process
	// runs in.
	serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

	defaultNamespace = "default"

	// jobNameLabel is set by the job controller on the pods of a job.
	jobNameLabel = "job-name"
)
