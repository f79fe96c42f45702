// Package ec2 implements fleet.Controller on the EC2 API.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/spotguard/pkg/fleet"
)

// API is the subset of the EC2 client used by Controller.
type API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
}

// Config configures the EC2 controller.
type Config struct {
	Region   string
	Profile  string
	Endpoint string
	// Store is passed to workers started by the default bootstrap script.
	Store fleet.StoreLocation
}

// Controller implements fleet.Controller.
type Controller struct {
	client API
	store  fleet.StoreLocation
}

var _ fleet.Controller = (*Controller)(nil)

// New builds a controller from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Controller, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Store), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, store fleet.StoreLocation) *Controller {
	return &Controller{client: client, store: store}
}

// errorCodeInstanceNotFound is returned when DescribeInstances names an
// unknown or long-gone instance id.
const errorCodeInstanceNotFound = "InvalidInstanceID.NotFound"

var capacityCodes = map[string]struct{}{
	"InsufficientInstanceCapacity": {},
	"InsufficientCapacity":         {},
	"SpotMaxPriceTooLow":           {},
	"MaxSpotInstanceCountExceeded": {},
	"Unsupported":                  {},
}

// InstanceExists implements fleet.Controller.
func (c *Controller) InstanceExists(ctx context.Context, instanceID, _ string) (bool, error) {
	if instanceID == "" {
		return false, nil
	}
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if apiErrorCode(err) == errorCodeInstanceNotFound {
			return false, nil
		}
		return false, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID && live(inst) {
				return true, nil
			}
		}
	}
	return false, nil
}

// FindByRunID implements fleet.Controller.
func (c *Controller) FindByRunID(ctx context.Context, runID string) ([]fleet.Instance, error) {
	in := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + fleet.RunIDTag), Values: []string{runID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}
	var found []fleet.Instance
	for {
		out, err := c.client.DescribeInstances(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("find instances for run %s: %w", runID, err)
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				if live(inst) {
					found = append(found, toInstance(inst))
				}
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return found, nil
		}
		in.NextToken = out.NextToken
	}
}

// Terminate implements fleet.Controller.
func (c *Controller) Terminate(ctx context.Context, instanceID, _ string) error {
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if apiErrorCode(err) == errorCodeInstanceNotFound {
			return nil
		}
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	return nil
}

// Provision implements fleet.Controller.
func (c *Controller) Provision(ctx context.Context, req fleet.ProvisionRequest) (*fleet.Instance, error) {
	out, err := c.client.RunInstances(ctx, c.runInput(req))
	if err != nil {
		if _, ok := capacityCodes[apiErrorCode(err)]; ok {
			return nil, fmt.Errorf("%w: %v", fleet.ErrCapacity, err)
		}
		return nil, fmt.Errorf("run instance in %s: %w", req.Zone, err)
	}
	if len(out.Instances) == 0 {
		return nil, errors.New("run instances returned no instance")
	}
	inst := toInstance(out.Instances[0])
	if inst.Zone == "" {
		inst.Zone = req.Zone
	}
	return &inst, nil
}

func (c *Controller) runInput(req fleet.ProvisionRequest) *ec2.RunInstancesInput {
	cfg := req.Config
	tags := []types.Tag{
		{Key: aws.String(fleet.NameTag), Value: aws.String(fleet.InstanceName(req.RunID, req.Attempt))},
		{Key: aws.String(fleet.RunIDTag), Value: aws.String(req.RunID)},
		{Key: aws.String(fleet.AttemptTag), Value: aws.String(strconv.Itoa(req.Attempt))},
	}
	for k, v := range cfg.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	userData := cfg.UserData
	if userData == "" {
		userData = fleet.BootstrapScript(req, c.store)
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(cfg.MachineImage),
		InstanceType: types.InstanceType(cfg.MachineType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		Placement:    &types.Placement{AvailabilityZone: aws.String(req.Zone)},
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	}
	if cfg.UseSpot() {
		in.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}
	if cfg.InstanceProfile != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(cfg.InstanceProfile)}
	}
	if cfg.SubnetID != "" {
		in.SubnetId = aws.String(cfg.SubnetID)
	}
	if len(cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = cfg.SecurityGroupIDs
	}
	if cfg.KeyName != "" {
		in.KeyName = aws.String(cfg.KeyName)
	}
	return in
}

func live(inst types.Instance) bool {
	if inst.State == nil {
		return true
	}
	switch inst.State.Name {
	case types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
		return false
	}
	return true
}

func toInstance(inst types.Instance) fleet.Instance {
	out := fleet.Instance{
		ID:         aws.ToString(inst.InstanceId),
		Type:       string(inst.InstanceType),
		LaunchedAt: aws.ToTime(inst.LaunchTime),
		Tags:       make(map[string]string, len(inst.Tags)),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		out.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, t := range inst.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
