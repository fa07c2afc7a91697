package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Clients bundles the AWS service clients the tool talks to.
// Credentials come from the default chain.
type Clients struct {
	EC2        *ec2.Client
	CloudWatch *cloudwatch.Client
	S3         *s3.Client
	Region     string
}

// NewClients loads the default AWS config for region and constructs
// the service clients.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return &Clients{
		EC2:        ec2.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
		S3:         s3.NewFromConfig(cfg),
		Region:     region,
	}, nil
}
