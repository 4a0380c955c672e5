package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

// fleetTagKey is the EC2 tag key whose value names the fleet.
const fleetTagKey = "nodescaler:fleet"

// ec2API is the subset of the EC2 client used here.
type ec2API interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// elbAPI is the subset of the ELBv2 client used here.
type elbAPI interface {
	DescribeTargetHealth(ctx context.Context, in *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error)
	RegisterTargets(ctx context.Context, in *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, in *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
}

// awsProvider implements Provider for EC2 instances behind an ELBv2 target
// group. The load balancer id is the target group ARN.
type awsProvider struct {
	ec2 ec2API
	elb elbAPI
}

func newAWSProvider(ctx context.Context, opts Options) (Provider, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if id, secret, ok := strings.Cut(opts.Credential, ":"); ok {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &awsProvider{
		ec2: ec2.NewFromConfig(cfg),
		elb: elbv2.NewFromConfig(cfg),
	}, nil
}

// ListNodes returns pending and running instances tagged with the fleet tag.
func (p *awsProvider) ListNodes(ctx context.Context, tag string) ([]core.Node, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + fleetTagKey), Values: []string{tag}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	}

	var nodes []core.Node
	pager := ec2.NewDescribeInstancesPaginator(p.ec2, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances tagged %q: %w", tag, awsError(err))
		}
		for _, r := range page.Reservations {
			for i := range r.Instances {
				nodes = append(nodes, instanceToNode(&r.Instances[i]))
			}
		}
	}
	sortByCreation(nodes)
	return nodes, nil
}

// CreateNode launches one instance.
func (p *awsProvider) CreateNode(ctx context.Context, spec NodeSpec) (core.Node, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Image),
		InstanceType: ec2types.InstanceType(spec.Size),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				{Key: aws.String(fleetTagKey), Value: aws.String(spec.Tag)},
			},
		}},
	}
	if spec.BootstrapScript != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.BootstrapScript)))
	}
	if len(spec.SSHKeys) > 0 {
		input.KeyName = aws.String(spec.SSHKeys[0])
	}

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return core.Node{}, fmt.Errorf("run instance %s: %w", spec.Name, awsError(err))
	}
	if len(out.Instances) == 0 {
		return core.Node{}, fmt.Errorf("run instance %s: no instance returned", spec.Name)
	}
	n := instanceToNode(&out.Instances[0])
	if n.Name == "" {
		n.Name = spec.Name
	}
	return n, nil
}

// DeleteNode terminates the instance.
func (p *awsProvider) DeleteNode(ctx context.Context, id string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", id, awsError(err))
	}
	return nil
}

// PutLoadBalancer makes the target group membership equal cfg.MemberIDs.
// Target groups only accept register/deregister calls, so the whole desired
// list is diffed against the current one here. Listener and health check
// settings live on the target group and are not touched.
func (p *awsProvider) PutLoadBalancer(ctx context.Context, cfg core.LoadBalancerConfig) error {
	health, err := p.elb.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(cfg.ID),
	})
	if err != nil {
		return fmt.Errorf("describe target group %s: %w", cfg.ID, awsError(err))
	}

	current := sets.New[string]()
	for _, d := range health.TargetHealthDescriptions {
		if d.Target != nil && d.Target.Id != nil {
			current.Insert(*d.Target.Id)
		}
	}
	desired := sets.New(cfg.MemberIDs...)

	var errs []error
	if add := sets.List(desired.Difference(current)); len(add) > 0 {
		_, err := p.elb.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
			TargetGroupArn: aws.String(cfg.ID),
			Targets:        targetDescriptions(add, cfg.ForwardingRule.TargetPort),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("register targets %v: %w", add, awsError(err)))
		}
	}
	if remove := sets.List(current.Difference(desired)); len(remove) > 0 {
		_, err := p.elb.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
			TargetGroupArn: aws.String(cfg.ID),
			Targets:        targetDescriptions(remove, 0),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("deregister targets %v: %w", remove, awsError(err)))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func targetDescriptions(ids []string, port int) []elbv2types.TargetDescription {
	out := make([]elbv2types.TargetDescription, 0, len(ids))
	for _, id := range ids {
		td := elbv2types.TargetDescription{Id: aws.String(id)}
		if port > 0 {
			td.Port = aws.Int32(int32(port)) // #nosec G115
		}
		out = append(out, td)
	}
	return out
}

func instanceToNode(instance *ec2types.Instance) core.Node {
	n := core.Node{
		ID:      aws.ToString(instance.InstanceId),
		Address: aws.ToString(instance.PublicIpAddress),
	}
	if n.Address == "" {
		n.Address = aws.ToString(instance.PrivateIpAddress)
	}
	if instance.LaunchTime != nil {
		n.CreatedAt = *instance.LaunchTime
	}
	for _, tag := range instance.Tags {
		if aws.ToString(tag.Key) == "Name" {
			n.Name = aws.ToString(tag.Value)
		}
	}
	return n
}

func awsError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", ae.ErrorCode(), err)
	}
	return err
}

// nolint:gochecknoinits // registration-style init keeps provider wiring local to this file.
func init() {
	RegisterProvider(ProviderAWS, newAWSProvider)
}
