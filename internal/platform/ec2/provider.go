// Package ec2 launches broker workers on Amazon EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"github.com/dontdude/graphbroker/internal/domain"
)

// Config describes the worker machines to launch.
type Config struct {
	Region       string
	AMIID        string
	InstanceType string
	SubnetID     string
	IAMRole      string
	KeyName      string
	// SpotPrice is the maximum hourly bid. Empty bids the on-demand price.
	SpotPrice  string
	WorkerName string
	Project    string
}

// Provider is a domain.ComputeProvider backed by the EC2 API.
type Provider struct {
	api ec2iface.EC2API
	cfg Config
}

var _ domain.ComputeProvider = (*Provider)(nil)

// NewProvider opens an AWS session for cfg.Region.
func NewProvider(cfg Config) (*Provider, error) {
	awsCfg := &aws.Config{
		Retryer: client.DefaultRetryer{NumMaxRetries: 5},
	}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	slog.Info("EC2 provider initialized", "region", aws.StringValue(sess.Config.Region), "instanceType", cfg.InstanceType)
	return NewProviderWithAPI(ec2.New(sess), cfg), nil
}

// NewProviderWithAPI wraps an existing EC2 client.
func NewProviderWithAPI(api ec2iface.EC2API, cfg Config) *Provider {
	return &Provider{api: api, cfg: cfg}
}

// RequestSpot places count one-time spot requests and returns their ids.
func (p *Provider) RequestSpot(ctx context.Context, spec domain.LaunchSpec, count int) ([]string, error) {
	in := &ec2.RequestSpotInstancesInput{
		ClientToken:   aws.String(spec.ClientToken),
		InstanceCount: aws.Int64(int64(count)),
		Type:          aws.String(ec2.SpotInstanceTypeOneTime),
		LaunchSpecification: &ec2.RequestSpotLaunchSpecification{
			ImageId:      aws.String(p.cfg.AMIID),
			InstanceType: aws.String(p.cfg.InstanceType),
			UserData:     aws.String(UserData(spec.WorkerConfig)),
		},
	}
	if p.cfg.SpotPrice != "" {
		in.SpotPrice = aws.String(p.cfg.SpotPrice)
	}
	if p.cfg.SubnetID != "" {
		in.LaunchSpecification.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.IAMRole != "" {
		in.LaunchSpecification.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Arn: aws.String(p.cfg.IAMRole)}
	}
	if p.cfg.KeyName != "" {
		in.LaunchSpecification.KeyName = aws.String(p.cfg.KeyName)
	}

	out, err := p.api.RequestSpotInstancesWithContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("requesting spot instances: %w", err)
	}
	ids := make([]string, 0, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		ids = append(ids, aws.StringValue(r.SpotInstanceRequestId))
	}
	return ids, nil
}

// SpotStates describes the given spot requests.
func (p *Provider) SpotStates(ctx context.Context, ids []string) (map[string]domain.SpotState, error) {
	out, err := p.api.DescribeSpotInstanceRequestsWithContext(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: aws.StringSlice(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("describing spot requests: %w", err)
	}
	states := make(map[string]domain.SpotState, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		states[aws.StringValue(r.SpotInstanceRequestId)] = domain.SpotState(aws.StringValue(r.State))
	}
	return states, nil
}

// RunOnDemand starts count on-demand instances that terminate on shutdown.
func (p *Provider) RunOnDemand(ctx context.Context, spec domain.LaunchSpec, count int) error {
	in := &ec2.RunInstancesInput{
		ClientToken:                       aws.String(spec.ClientToken + "-od"),
		ImageId:                           aws.String(p.cfg.AMIID),
		InstanceType:                      aws.String(p.cfg.InstanceType),
		MinCount:                          aws.Int64(1),
		MaxCount:                          aws.Int64(int64(count)),
		UserData:                          aws.String(UserData(spec.WorkerConfig)),
		InstanceInitiatedShutdownBehavior: aws.String(ec2.ShutdownBehaviorTerminate),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String("name"), Value: aws.String(p.cfg.WorkerName)},
				{Key: aws.String("project"), Value: aws.String(p.cfg.Project)},
				{Key: aws.String("graph"), Value: aws.String(spec.GraphID)},
			},
		}},
	}
	if p.cfg.SubnetID != "" {
		in.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.IAMRole != "" {
		in.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Arn: aws.String(p.cfg.IAMRole)}
	}
	if p.cfg.KeyName != "" {
		in.KeyName = aws.String(p.cfg.KeyName)
	}

	res, err := p.api.RunInstancesWithContext(ctx, in)
	if err != nil {
		return fmt.Errorf("running on-demand instances: %w", err)
	}
	slog.Info("Started on-demand workers", "graphID", spec.GraphID, "instances", len(res.Instances))
	return nil
}

// UserData renders worker configuration as base64-encoded key=value lines,
// sorted by key.
func UserData(cfg map[string]string) string {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, cfg[k])
	}
	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}
