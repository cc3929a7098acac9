package ecs

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
)

// fakeECS is an in-memory ECSAPI.
type fakeECS struct {
	mu sync.Mutex

	runTaskIn  []*awsecs.RunTaskInput
	runTaskOut *awsecs.RunTaskOutput
	runTaskErr error

	tasks       map[string]ecstypes.Task
	describeErr error

	stopped []string
	tagged  map[string][]ecstypes.Tag

	taskDefs   map[string]*ecstypes.TaskDefinition
	registered []*awsecs.RegisterTaskDefinitionInput
}

func newFakeECS() *fakeECS {
	return &fakeECS{
		tasks:    make(map[string]ecstypes.Task),
		tagged:   make(map[string][]ecstypes.Tag),
		taskDefs: make(map[string]*ecstypes.TaskDefinition),
	}
}

func (f *fakeECS) RunTask(_ context.Context, in *awsecs.RunTaskInput, _ ...func(*awsecs.Options)) (*awsecs.RunTaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runTaskIn = append(f.runTaskIn, in)
	if f.runTaskErr != nil {
		return nil, f.runTaskErr
	}
	if f.runTaskOut != nil {
		return f.runTaskOut, nil
	}
	arn := "arn:aws:ecs:eu-west-1:1:task/c/" + aws.ToString(in.ClientToken)
	return &awsecs.RunTaskOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String(arn)}}}, nil
}

func (f *fakeECS) DescribeTasks(_ context.Context, in *awsecs.DescribeTasksInput, _ ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := &awsecs.DescribeTasksOutput{}
	for _, id := range in.Tasks {
		t, ok := f.tasks[id]
		if !ok {
			out.Failures = append(out.Failures, ecstypes.Failure{Arn: aws.String(id), Reason: aws.String(failureMissing)})
			continue
		}
		out.Tasks = append(out.Tasks, t)
	}
	return out, nil
}

func (f *fakeECS) StopTask(_ context.Context, in *awsecs.StopTaskInput, _ ...func(*awsecs.Options)) (*awsecs.StopTaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.Task)
	if _, ok := f.tasks[id]; !ok {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "The referenced task was not found."}
	}
	f.stopped = append(f.stopped, id)
	return &awsecs.StopTaskOutput{}, nil
}

func (f *fakeECS) TagResource(_ context.Context, in *awsecs.TagResourceInput, _ ...func(*awsecs.Options)) (*awsecs.TagResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged[aws.ToString(in.ResourceArn)] = in.Tags
	return &awsecs.TagResourceOutput{}, nil
}

func (f *fakeECS) DescribeTaskDefinition(_ context.Context, in *awsecs.DescribeTaskDefinitionInput, _ ...func(*awsecs.Options)) (*awsecs.DescribeTaskDefinitionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	td, ok := f.taskDefs[aws.ToString(in.TaskDefinition)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ClientException", Message: "Unable to describe task definition."}
	}
	return &awsecs.DescribeTaskDefinitionOutput{TaskDefinition: td}, nil
}

func (f *fakeECS) RegisterTaskDefinition(_ context.Context, in *awsecs.RegisterTaskDefinitionInput, _ ...func(*awsecs.Options)) (*awsecs.RegisterTaskDefinitionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, in)
	arn := fmt.Sprintf("arn:aws:ecs:eu-west-1:1:task-definition/%s:%d", aws.ToString(in.Family), len(f.registered))
	return &awsecs.RegisterTaskDefinitionOutput{TaskDefinition: &ecstypes.TaskDefinition{
		TaskDefinitionArn:    aws.String(arn),
		Family:               in.Family,
		ContainerDefinitions: in.ContainerDefinitions,
	}}, nil
}

// fakeEC2 returns a single network interface.
type fakeEC2 struct {
	iface ec2types.NetworkInterface
	calls int
}

func (f *fakeEC2) DescribeNetworkInterfaces(_ context.Context, _ *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	f.calls++
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{f.iface}}, nil
}
