package kubernetes

// Config holds configuration for the Kubernetes backend.
type Config struct {
	// Namespace jobs are created in. Empty means the namespace of the pod
	// the process runs in.
	Namespace string

	// Kubeconfig is a kubeconfig path used when InCluster is false. Empty
	// falls back to the client-go default loading rules.
	Kubeconfig string

	// InCluster loads credentials from the pod's service account.
	InCluster bool

	// TTLSecondsAfterFinished lets the cluster garbage-collect finished jobs.
	// Zero keeps them until they are deleted.
	TTLSecondsAfterFinished int32
}
