package awsx

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/fleetmon/fleetmon/pkg/utils"
)

const imdsTimeout = 2 * time.Second

// ResolveRegion picks the AWS region: the explicit flag/config value
// wins, then the instance metadata service when running on the leader
// node, then the static default.
func ResolveRegion(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}

	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	client := imds.New(imds.Options{})
	if out, err := client.GetRegion(ctx, &imds.GetRegionInput{}); err == nil && out.Region != "" {
		return out.Region
	}

	return utils.GetDefaultRegion()
}
