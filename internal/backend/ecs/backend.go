// Package ecs implements the compute backend on Amazon ECS. Work units run as
// tasks launched from registered task definitions into the cluster and awsvpc
// network of the launching task.
package ecs

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/model"
)

// ECSAPI is the subset of the ECS client the backend uses.
type ECSAPI interface {
	RunTask(ctx context.Context, in *awsecs.RunTaskInput, opts ...func(*awsecs.Options)) (*awsecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, in *awsecs.DescribeTasksInput, opts ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, in *awsecs.StopTaskInput, opts ...func(*awsecs.Options)) (*awsecs.StopTaskOutput, error)
	TagResource(ctx context.Context, in *awsecs.TagResourceInput, opts ...func(*awsecs.Options)) (*awsecs.TagResourceOutput, error)
	DescribeTaskDefinition(ctx context.Context, in *awsecs.DescribeTaskDefinitionInput, opts ...func(*awsecs.Options)) (*awsecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, in *awsecs.RegisterTaskDefinitionInput, opts ...func(*awsecs.Options)) (*awsecs.RegisterTaskDefinitionOutput, error)
}

// EC2API is the subset of the EC2 client used to inspect the launcher's
// network interface.
type EC2API interface {
	DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, opts ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend runs work units as ECS tasks. It is safe for concurrent use.
type Backend struct {
	ecs  ECSAPI
	ec2  EC2API
	cfg  Config
	http *http.Client

	mu        sync.Mutex
	placement *backend.Placement
	self      *taskMetadata
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient sets the client used for task metadata requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.http = c }
}

// New creates an ECS backend over the given clients.
func New(ecsClient ECSAPI, ec2Client EC2API, cfg Config, opts ...Option) *Backend {
	if cfg.LaunchType == "" {
		cfg.LaunchType = string(ecstypes.LaunchTypeFargate)
	}
	b := &Backend{
		ecs:  ecsClient,
		ec2:  ec2Client,
		cfg:  cfg,
		http: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromEnvironment creates an ECS backend with clients built from the
// default AWS credential chain.
func NewFromEnvironment(ctx context.Context, region string, cfg Config, opts ...Option) (*Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(awsecs.NewFromConfig(awsCfg), ec2.NewFromConfig(awsCfg), cfg, opts...), nil
}

// Capabilities reports that ECS keeps task definitions and launches whole runs.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          Name,
		Definitions:   true,
		Granularities: []string{model.GranularityRun},
	}
}

// CreateResource runs one task. The resource name doubles as the RunTask
// client token, so resubmitting the same unit does not start a second task.
func (b *Backend) CreateResource(ctx context.Context, req backend.CreateRequest) (backend.CreateResult, error) {
	if req.Definition.ID == "" {
		return backend.CreateResult{}, &model.ConfigurationError{
			Field:   "definition",
			Message: "ECS tasks need a registered task definition",
		}
	}

	overrides, err := taskOverrides(req)
	if err != nil {
		return backend.CreateResult{}, err
	}

	in := &awsecs.RunTaskInput{
		Cluster:        aws.String(req.Placement.Cluster),
		TaskDefinition: aws.String(req.Definition.ID),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchType(b.cfg.LaunchType),
		ClientToken:    aws.String(req.Name),
		StartedBy:      aws.String(req.Name),
		Overrides:      overrides,
		Tags:           tags(req.Labels),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        req.Placement.Subnets,
				SecurityGroups: req.Placement.SecurityGroups,
				AssignPublicIp: assignPublicIP(req.Placement.AssignPublicIP),
			},
		},
	}

	out, err := b.ecs.RunTask(ctx, in)
	if err != nil {
		return backend.CreateResult{}, classify("run-task", req.Name, err)
	}

	var res backend.CreateResult
	for _, t := range out.Tasks {
		res.Created = append(res.Created, backend.Created{ID: aws.ToString(t.TaskArn)})
	}
	for _, f := range out.Failures {
		reason := aws.ToString(f.Reason)
		runTaskFailuresTotal.WithLabelValues(reason).Inc()
		res.Failed = append(res.Failed, model.FailureReason{
			Resource: aws.ToString(f.Arn),
			Reason:   reason,
			Detail:   aws.ToString(f.Detail),
		})
	}
	return res, nil
}

// taskOverrides sets the command and per-run environment on the work
// container. CPU and memory overrides are applied at both the container and
// the task level; Fargate sizes the task from the latter.
func taskOverrides(req backend.CreateRequest) (*ecstypes.TaskOverride, error) {
	co := ecstypes.ContainerOverride{
		Name:        aws.String(req.Definition.ContainerName),
		Command:     req.Command,
		Environment: keyValues(req.Definition.Env),
	}
	to := &ecstypes.TaskOverride{}

	if req.CPU != "" {
		n, err := strconv.ParseInt(req.CPU, 10, 32)
		if err != nil {
			return nil, &model.ConfigurationError{Field: "cpu", Message: fmt.Sprintf("%q is not a number of CPU units", req.CPU)}
		}
		co.Cpu = aws.Int32(int32(n))
		to.Cpu = aws.String(req.CPU)
	}
	if req.Memory != "" {
		n, err := strconv.ParseInt(req.Memory, 10, 32)
		if err != nil {
			return nil, &model.ConfigurationError{Field: "memory", Message: fmt.Sprintf("%q is not a number of MiB", req.Memory)}
		}
		co.Memory = aws.Int32(int32(n))
		to.Memory = aws.String(req.Memory)
	}

	to.ContainerOverrides = []ecstypes.ContainerOverride{co}
	return to, nil
}

// DescribeResources reports the state of each task. Tasks ECS no longer
// knows about are absent.
func (b *Backend) DescribeResources(ctx context.Context, cluster string, ids []string) ([]backend.ResourceState, error) {
	states := make([]backend.ResourceState, 0, len(ids))
	for batch := range slices.Chunk(ids, describeBatchSize) {
		out, err := b.ecs.DescribeTasks(ctx, &awsecs.DescribeTasksInput{
			Cluster: aws.String(cluster),
			Tasks:   batch,
		})
		if err != nil {
			return nil, classify("describe-tasks", cluster, err)
		}
		for _, t := range out.Tasks {
			states = append(states, taskState(t))
		}
		for _, f := range out.Failures {
			s := backend.ResourceState{ID: aws.ToString(f.Arn), Status: model.StatusUnknown, Reason: aws.ToString(f.Reason)}
			if aws.ToString(f.Reason) == failureMissing {
				s.Status = model.StatusAbsent
			}
			states = append(states, s)
		}
	}
	return states, nil
}

// taskState maps an ECS task onto the resource state machine. A stopped task
// is clean only when every container exited with status 0.
func taskState(t ecstypes.Task) backend.ResourceState {
	s := backend.ResourceState{ID: aws.ToString(t.TaskArn)}

	switch aws.ToString(t.LastStatus) {
	case statusProvisioning, statusPending, statusActivating:
		s.Status = model.StatusPending
	case statusRunning, statusDeactivating, statusStopping, statusDeprovisioning:
		s.Status = model.StatusRunning
	case statusStopped:
		s.Status = model.StatusStoppedClean
		var reasons []string
		for _, c := range t.Containers {
			if c.ExitCode != nil && *c.ExitCode == 0 {
				continue
			}
			s.Status = model.StatusStoppedFailed
			if s.ExitCode == nil && c.ExitCode != nil {
				code := int(*c.ExitCode)
				s.ExitCode = &code
			}
			if r := aws.ToString(c.Reason); r != "" {
				reasons = append(reasons, fmt.Sprintf("%s: %s", aws.ToString(c.Name), r))
			}
		}
		if len(t.Containers) == 0 {
			s.Status = model.StatusStoppedFailed
		}
		if s.Status == model.StatusStoppedFailed {
			s.Reason = stoppedReason(t, reasons)
		}
	default:
		s.Status = model.StatusUnknown
	}
	return s
}

func stoppedReason(t ecstypes.Task, containerReasons []string) string {
	reason := aws.ToString(t.StoppedReason)
	for _, r := range containerReasons {
		if reason != "" {
			reason += "; "
		}
		reason += r
	}
	return reason
}

// StopResource stops a task. It does not wait for the task to stop.
func (b *Backend) StopResource(ctx context.Context, cluster, id string) error {
	_, err := b.ecs.StopTask(ctx, &awsecs.StopTaskInput{
		Cluster: aws.String(cluster),
		Task:    aws.String(id),
		Reason:  aws.String(stopReason),
	})
	return classify("stop-task", id, err)
}

// TagResource tags a task.
func (b *Backend) TagResource(ctx context.Context, _ string, id string, labels map[string]string) error {
	_, err := b.ecs.TagResource(ctx, &awsecs.TagResourceInput{
		ResourceArn: aws.String(id),
		Tags:        tags(labels),
	})
	return classify("tag-resource", id, err)
}

func tags(labels map[string]string) []ecstypes.Tag {
	if len(labels) == 0 {
		return nil
	}
	out := make([]ecstypes.Tag, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		out = append(out, ecstypes.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return out
}

func keyValues(env map[string]string) []ecstypes.KeyValuePair {
	if len(env) == 0 {
		return nil
	}
	out := make([]ecstypes.KeyValuePair, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}

func assignPublicIP(enabled bool) ecstypes.AssignPublicIp {
	if enabled {
		return ecstypes.AssignPublicIpEnabled
	}
	return ecstypes.AssignPublicIpDisabled
}
