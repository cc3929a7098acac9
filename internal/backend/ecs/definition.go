package ecs

import (
	"context"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/seantiz/stevedore/internal/resource"
)

// DescribeDefinition returns the latest active revision of family projected
// onto containerName. ContainerName is left empty when the task definition
// has no such container.
func (b *Backend) DescribeDefinition(ctx context.Context, family, containerName string) (resource.Definition, error) {
	out, err := b.ecs.DescribeTaskDefinition(ctx, &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(family),
		Include:        []ecstypes.TaskDefinitionField{ecstypes.TaskDefinitionFieldTags},
	})
	if err != nil {
		return resource.Definition{}, classify("describe-task-definition", family, err)
	}
	return fromTaskDefinition(out.TaskDefinition, out.Tags, containerName), nil
}

func fromTaskDefinition(td *ecstypes.TaskDefinition, tags []ecstypes.Tag, containerName string) resource.Definition {
	if td == nil {
		return resource.Definition{}
	}
	def := resource.Definition{
		ID:     aws.ToString(td.TaskDefinitionArn),
		Family: aws.ToString(td.Family),
		CPU:    aws.ToString(td.Cpu),
		Memory: aws.ToString(td.Memory),
	}
	if len(tags) > 0 {
		def.Labels = make(map[string]string, len(tags))
		for _, t := range tags {
			def.Labels[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}

	i := slices.IndexFunc(td.ContainerDefinitions, func(c ecstypes.ContainerDefinition) bool {
		return aws.ToString(c.Name) == containerName
	})
	if i < 0 {
		return def
	}
	c := td.ContainerDefinitions[i]
	def.ContainerName = containerName
	def.Image = aws.ToString(c.Image)
	for _, s := range c.Secrets {
		def.Secrets = append(def.Secrets, resource.Secret{Name: aws.ToString(s.Name), ValueFrom: aws.ToString(s.ValueFrom)})
	}
	if len(c.Environment) > 0 {
		def.Env = make(map[string]string, len(c.Environment))
		for _, kv := range c.Environment {
			def.Env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
		}
	}
	return def
}

// RegisterDefinition registers def as a new revision of def.Family. With
// IncludeSidecars set, the launcher task's other containers are registered
// alongside the work container.
func (b *Backend) RegisterDefinition(ctx context.Context, def resource.Definition) (resource.Definition, error) {
	containers := []ecstypes.ContainerDefinition{workContainer(def)}
	if b.cfg.IncludeSidecars {
		sidecars, err := b.sidecars(ctx, def.ContainerName)
		if err != nil {
			return resource.Definition{}, err
		}
		containers = append(containers, sidecars...)
	}

	cpu, memory := def.CPU, def.Memory
	if cpu == "" {
		cpu = DefaultCPU
	}
	if memory == "" {
		memory = DefaultMemory
	}

	in := &awsecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(def.Family),
		ContainerDefinitions:    containers,
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.Compatibility(b.cfg.LaunchType)},
		Cpu:                     aws.String(cpu),
		Memory:                  aws.String(memory),
		Tags:                    tags(def.Labels),
	}
	if b.cfg.ExecutionRoleARN != "" {
		in.ExecutionRoleArn = aws.String(b.cfg.ExecutionRoleARN)
	}
	if b.cfg.TaskRoleARN != "" {
		in.TaskRoleArn = aws.String(b.cfg.TaskRoleARN)
	}

	out, err := b.ecs.RegisterTaskDefinition(ctx, in)
	if err != nil {
		return resource.Definition{}, classify("register-task-definition", def.Family, err)
	}

	registered := def
	registered.ID = aws.ToString(out.TaskDefinition.TaskDefinitionArn)
	registered.CPU, registered.Memory = cpu, memory
	return registered, nil
}

func workContainer(def resource.Definition) ecstypes.ContainerDefinition {
	c := ecstypes.ContainerDefinition{
		Name:        aws.String(def.ContainerName),
		Image:       aws.String(def.Image),
		Essential:   aws.Bool(true),
		Environment: keyValues(def.Env),
	}
	for _, s := range def.Secrets {
		c.Secrets = append(c.Secrets, ecstypes.Secret{Name: aws.String(s.Name), ValueFrom: aws.String(s.ValueFrom)})
	}
	return c
}

// sidecars returns the containers of the launcher's own task definition other
// than the launcher container and the work container.
func (b *Backend) sidecars(ctx context.Context, workContainer string) ([]ecstypes.ContainerDefinition, error) {
	self, err := b.taskMetadata(ctx)
	if err != nil {
		return nil, err
	}
	ref := self.Family + ":" + self.Revision
	out, err := b.ecs.DescribeTaskDefinition(ctx, &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(ref),
	})
	if err != nil {
		return nil, classify("describe-task-definition", ref, err)
	}

	var sidecars []ecstypes.ContainerDefinition
	for _, c := range out.TaskDefinition.ContainerDefinitions {
		name := aws.ToString(c.Name)
		if name == self.ContainerName || name == workContainer {
			continue
		}
		sidecars = append(sidecars, c)
	}
	return sidecars, nil
}
