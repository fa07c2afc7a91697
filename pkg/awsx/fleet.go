package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// fleetAPI is the slice of the EC2 client the fleet adapter needs.
type fleetAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Fleet enumerates and terminates the worker instances of one cluster
// run. Membership truth lives in EC2: the monitor re-reads it every
// cycle and never caches instance lifecycle.
type Fleet struct {
	client      fleetAPI
	clusterName string
	workerName  string
}

// NewFleet returns a fleet adapter matching instances carrying the
// cluster_name tag and the worker Name tag.
func NewFleet(client fleetAPI, clusterName, workerName string) *Fleet {
	return &Fleet{
		client:      client,
		clusterName: clusterName,
		workerName:  workerName,
	}
}

// ListWorkers returns the IDs of all running workers in the cluster.
func (f *Fleet) ListWorkers(ctx context.Context) ([]string, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:cluster_name"), Values: []string{f.clusterName}},
			{Name: aws.String("tag:Name"), Values: []string{f.workerName}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	}

	var ids []string
	for {
		result, err := f.client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing workers for cluster %s: %w", f.clusterName, ClassifyError("", err))
		}
		for _, reservation := range result.Reservations {
			for _, instance := range reservation.Instances {
				if instance.InstanceId != nil {
					ids = append(ids, *instance.InstanceId)
				}
			}
		}
		if result.NextToken == nil || *result.NextToken == "" {
			return ids, nil
		}
		input.NextToken = result.NextToken
	}
}

// TerminateInstances requests termination of the given instances.
// Errors are returned for logging but the caller treats them as
// non-fatal: a failed termination is retried next cycle if the
// instance is still flagged idle.
func (f *Fleet) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := f.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		return fmt.Errorf("terminating %v: %w", ids, ClassifyError(ids[0], err))
	}
	return nil
}
