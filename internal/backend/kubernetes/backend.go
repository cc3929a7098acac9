// Package kubernetes implements the compute backend on Kubernetes. Work units
// run as batch Jobs with a single non-restarting pod.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend runs work units as Kubernetes Jobs. It is safe for concurrent use.
type Backend struct {
	client kubernetes.Interface
	cfg    Config

	// namespaceFile is read when no namespace is configured.
	namespaceFile string

	mu        sync.Mutex
	namespace string
}

// New creates a Kubernetes backend over client.
func New(client kubernetes.Interface, cfg Config) *Backend {
	return &Backend{
		client:        client,
		cfg:           cfg,
		namespaceFile: serviceAccountNamespace,
	}
}

// NewFromConfig builds a clientset from the pod's service account or from a
// kubeconfig, as cfg selects.
func NewFromConfig(cfg Config) (*Backend, error) {
	restCfg, err := restConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(client, cfg), nil
}

func restConfig(cfg Config) (*rest.Config, error) {
	if cfg.InCluster {
		if cfg.Kubeconfig != "" {
			return nil, &model.ConfigurationError{Field: "kubernetes.kubeconfig", Message: "set together with in_cluster"}
		}
		c, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("load in-cluster config: %w", err)
		}
		return c, nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	c, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return c, nil
}

// Capabilities reports that Kubernetes launches runs and steps, keeps no
// definition registry and places jobs in namespaces.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          Name,
		Namespaced:    true,
		Granularities: []string{model.GranularityRun, model.GranularityStep},
	}
}

// CreateResource creates one Job named after the request. A Job that already
// exists under that name is the resource of an earlier attempt at the same
// launch and is reported as created. A Job the API server rejects as invalid
// is reported as a failure rather than an error.
func (b *Backend) CreateResource(ctx context.Context, req backend.CreateRequest) (backend.CreateResult, error) {
	namespace := req.Placement.Cluster
	job, err := buildJob(req, namespace, b.cfg.TTLSecondsAfterFinished)
	if err != nil {
		return backend.CreateResult{}, err
	}

	_, err = b.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case err == nil, apierrors.IsAlreadyExists(err):
		return backend.CreateResult{Created: []backend.Created{{ID: req.Name}}}, nil
	case apierrors.IsInvalid(err), apierrors.IsForbidden(err):
		return backend.CreateResult{Failed: []model.FailureReason{{
			Resource: req.Name,
			Reason:   string(apierrors.ReasonForError(err)),
			Detail:   err.Error(),
		}}}, nil
	default:
		return backend.CreateResult{}, classify("create-job", req.Name, err)
	}
}

// DescribeResources reports the state of each Job. Jobs that no longer exist
// are absent.
func (b *Backend) DescribeResources(ctx context.Context, namespace string, ids []string) ([]backend.ResourceState, error) {
	states := make([]backend.ResourceState, 0, len(ids))
	for _, id := range ids {
		job, err := b.client.BatchV1().Jobs(namespace).Get(ctx, id, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			states = append(states, backend.ResourceState{ID: id, Status: model.StatusAbsent})
			continue
		}
		if err != nil {
			return nil, classify("get-job", id, err)
		}

		s := jobState(job)
		if s.Status == model.StatusStoppedFailed {
			if code, reason, ok := b.podFailure(ctx, namespace, id); ok {
				s.ExitCode = &code
				s.Reason = joinReasons(s.Reason, reason)
			}
		}
		states = append(states, s)
	}
	return states, nil
}

// jobState maps a Job's status onto the resource state machine. Terminal
// conditions win over pod counters.
func jobState(job *batchv1.Job) backend.ResourceState {
	s := backend.ResourceState{ID: job.Name}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobFailed:
			s.Status = model.StatusStoppedFailed
			s.Reason = joinReasons(c.Reason, c.Message)
			return s
		case batchv1.JobComplete:
			s.Status = model.StatusStoppedClean
			return s
		}
	}

	switch {
	case job.Status.Failed > 0:
		s.Status = model.StatusStoppedFailed
	case job.Status.Succeeded > 0:
		s.Status = model.StatusStoppedClean
	case job.Status.Active > 0:
		s.Status = model.StatusRunning
	default:
		s.Status = model.StatusPending
	}
	return s
}

// podFailure returns the exit code and reason of the first terminated,
// failed container among the Job's pods. Lookup errors are ignored: the job
// status alone is enough to report the failure.
func (b *Backend) podFailure(ctx context.Context, namespace, job string) (int, string, bool) {
	pods, err := b.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameLabel + "=" + job,
	})
	if err != nil {
		return 0, "", false
	}
	for _, p := range pods.Items {
		for _, cs := range p.Status.ContainerStatuses {
			t := cs.State.Terminated
			if t == nil || t.ExitCode == 0 {
				continue
			}
			return int(t.ExitCode), joinReasons(cs.Name+": "+t.Reason, t.Message), true
		}
	}
	return 0, "", false
}

func joinReasons(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "; ")
}

// StopResource deletes the Job and lets the garbage collector remove its
// pods in the background.
func (b *Backend) StopResource(ctx context.Context, namespace, id string) error {
	policy := metav1.DeletePropagationBackground
	err := b.client.BatchV1().Jobs(namespace).Delete(ctx, id, metav1.DeleteOptions{PropagationPolicy: &policy})
	return classify("delete-job", id, err)
}

// TagResource merges labels into the Job's labels.
func (b *Backend) TagResource(ctx context.Context, namespace, id string, labels map[string]string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": sanitizeLabels(labels)},
	})
	if err != nil {
		return fmt.Errorf("encode label patch: %w", err)
	}
	_, err = b.client.BatchV1().Jobs(namespace).Patch(ctx, id, types.MergePatchType, patch, metav1.PatchOptions{})
	return classify("label-job", id, err)
}

// DescribeDefinition is not supported: Jobs carry their pod template inline.
func (b *Backend) DescribeDefinition(context.Context, string, string) (resource.Definition, error) {
	return resource.Definition{}, model.ErrNotSupported
}

// RegisterDefinition is not supported: Jobs carry their pod template inline.
func (b *Backend) RegisterDefinition(context.Context, resource.Definition) (resource.Definition, error) {
	return resource.Definition{}, model.ErrNotSupported
}

// Placement returns the namespace jobs are created in: the configured one,
// else the namespace of the pod the process runs in, else "default".
func (b *Backend) Placement(context.Context) (backend.Placement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.namespace == "" {
		b.namespace = b.resolveNamespace()
	}
	return backend.Placement{Cluster: b.namespace}, nil
}

func (b *Backend) resolveNamespace() string {
	if b.cfg.Namespace != "" {
		return b.cfg.Namespace
	}
	data, err := os.ReadFile(b.namespaceFile)
	if err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return defaultNamespace
}
