package ecs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/seantiz/stevedore/internal/backend"
)

// taskMetadata is the part of the task metadata endpoint (v4) response the
// backend needs, plus the name of the container the process runs in.
type taskMetadata struct {
	Cluster       string `json:"Cluster"`
	TaskARN       string `json:"TaskARN"`
	Family        string `json:"Family"`
	Revision      string `json:"Revision"`
	ContainerName string `json:"-"`
}

type containerMetadata struct {
	Name string `json:"Name"`
}

// Placement returns the cluster and awsvpc network tasks are launched into.
// Configured values win. When the cluster or subnets are missing they are
// discovered from the launcher's own task, along with any unset security
// groups and public IP setting of its network interface. A successful result
// is cached for the life of the process.
func (b *Backend) Placement(ctx context.Context) (backend.Placement, error) {
	b.mu.Lock()
	cached := b.placement
	b.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	p := backend.Placement{
		Cluster:        b.cfg.Cluster,
		Subnets:        slices.Clone(b.cfg.Subnets),
		SecurityGroups: slices.Clone(b.cfg.SecurityGroups),
		AssignPublicIP: b.cfg.AssignPublicIP == "ENABLED",
	}

	if p.Cluster == "" || len(p.Subnets) == 0 {
		if err := b.discover(ctx, &p); err != nil {
			placementDiscoveriesTotal.WithLabelValues("error").Inc()
			return backend.Placement{}, err
		}
		placementDiscoveriesTotal.WithLabelValues("ok").Inc()
	}

	b.mu.Lock()
	b.placement = &p
	b.mu.Unlock()
	return p, nil
}

// discover fills unset placement fields from the launcher's task.
func (b *Backend) discover(ctx context.Context, p *backend.Placement) error {
	self, err := b.taskMetadata(ctx)
	if err != nil {
		return err
	}
	if p.Cluster == "" {
		p.Cluster = self.Cluster
	}

	out, err := b.ecs.DescribeTasks(ctx, &awsecs.DescribeTasksInput{
		Cluster: aws.String(self.Cluster),
		Tasks:   []string{self.TaskARN},
	})
	if err != nil {
		return classify("describe-tasks", self.TaskARN, err)
	}
	if len(out.Tasks) == 0 {
		return fmt.Errorf("launcher task %s not found in cluster %s", self.TaskARN, self.Cluster)
	}

	var subnet, eni string
	for _, a := range out.Tasks[0].Attachments {
		if aws.ToString(a.Type) != attachmentENI {
			continue
		}
		for _, d := range a.Details {
			switch aws.ToString(d.Name) {
			case "subnetId":
				subnet = aws.ToString(d.Value)
			case "networkInterfaceId":
				eni = aws.ToString(d.Value)
			}
		}
	}
	if len(p.Subnets) == 0 {
		if subnet == "" {
			return errors.New("launcher task has no awsvpc subnet; configure subnets explicitly")
		}
		p.Subnets = []string{subnet}
	}

	if eni == "" || (len(p.SecurityGroups) > 0 && b.cfg.AssignPublicIP != "") {
		return nil
	}
	ni, err := b.ec2.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eni},
	})
	if err != nil {
		return classify("describe-network-interfaces", eni, err)
	}
	if len(ni.NetworkInterfaces) == 0 {
		return nil
	}
	iface := ni.NetworkInterfaces[0]
	if len(p.SecurityGroups) == 0 {
		for _, g := range iface.Groups {
			p.SecurityGroups = append(p.SecurityGroups, aws.ToString(g.GroupId))
		}
	}
	if b.cfg.AssignPublicIP == "" {
		p.AssignPublicIP = iface.Association != nil && aws.ToString(iface.Association.PublicIp) != ""
	}
	return nil
}

// taskMetadata reads the launcher's task and container metadata once.
func (b *Backend) taskMetadata(ctx context.Context) (taskMetadata, error) {
	b.mu.Lock()
	cached := b.self
	b.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	uri := b.cfg.MetadataURI
	if uri == "" {
		uri = os.Getenv(envMetadataURI)
	}
	if uri == "" {
		return taskMetadata{}, fmt.Errorf("%s is not set; not running in an ECS task", envMetadataURI)
	}

	var task taskMetadata
	if err := b.getJSON(ctx, uri+"/task", &task); err != nil {
		return taskMetadata{}, err
	}
	var container containerMetadata
	if err := b.getJSON(ctx, uri, &container); err != nil {
		return taskMetadata{}, err
	}
	task.ContainerName = container.Name

	b.mu.Lock()
	b.self = &task
	b.mu.Unlock()
	return task, nil
}

func (b *Backend) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch task metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch task metadata: %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode task metadata: %w", err)
	}
	return nil
}
