package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Watchdog alarm defaults: terminate after an hour of average CPU
// below the threshold.
const (
	alarmPeriodSec   = 3600
	alarmEvalPeriods = 1
)

type alarmAPI interface {
	PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error)
}

// Gate installs standing per-instance low-CPU watchdog alarms whose
// action terminates the instance. It is a safety net independent of
// the polling loop: if the monitor dies, the alarms still drain the
// fleet.
type Gate struct {
	client alarmAPI
	region string
}

// NewGate returns a termination gate for the given region.
func NewGate(client alarmAPI, region string) *Gate {
	return &Gate{client: client, region: region}
}

// terminateAction is the built-in EC2 action ARN for alarm-driven
// termination.
func terminateAction(region string) string {
	return fmt.Sprintf("arn:aws:automate:%s:ec2:terminate", region)
}

// PutAlarm applies the watchdog to one instance: average
// CPUUtilization below threshold (percent) for a sustained period
// triggers termination. Re-applying overwrites the existing alarm.
func (g *Gate) PutAlarm(ctx context.Context, instanceID string, threshold float64) error {
	input := &cloudwatch.PutMetricAlarmInput{
		AlarmName:        aws.String(fmt.Sprintf("fleetmon-idle-%s", instanceID)),
		AlarmDescription: aws.String("auto-terminate on sustained low CPU"),
		Namespace:        aws.String("AWS/EC2"),
		MetricName:       aws.String("CPUUtilization"),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("InstanceId"), Value: aws.String(instanceID)},
		},
		Statistic:          cwtypes.StatisticAverage,
		ComparisonOperator: cwtypes.ComparisonOperatorLessThanThreshold,
		Threshold:          aws.Float64(threshold),
		Period:             aws.Int32(alarmPeriodSec),
		EvaluationPeriods:  aws.Int32(alarmEvalPeriods),
		AlarmActions:       []string{terminateAction(g.region)},
	}
	if _, err := g.client.PutMetricAlarm(ctx, input); err != nil {
		return fmt.Errorf("putting idle alarm on %s: %w", instanceID, ClassifyError(instanceID, err))
	}
	return nil
}
