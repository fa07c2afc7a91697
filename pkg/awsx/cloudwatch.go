package awsx

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/models"
)

// Backoff for transient CloudWatch failures: 30s before the second
// attempt, growing by 10s per retry.
const (
	initialBackoff = 30 * time.Second
	backoffStep    = 10 * time.Second
)

// metricsAPI is the slice of the CloudWatch client the fetcher needs.
type metricsAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// MetricsClient fetches time-windowed statistic samples for one
// (metric, instance) pair, retrying transient failures a bounded
// number of times before surfacing a TransientError to the caller.
type MetricsClient struct {
	api      metricsAPI
	attempts int

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMetricsClient wraps a CloudWatch client with the fetch contract.
// attempts bounds the retry budget; values below 1 are clamped.
func NewMetricsClient(api metricsAPI, attempts int) *MetricsClient {
	if attempts < 1 {
		attempts = 1
	}
	return &MetricsClient{
		api:      api,
		attempts: attempts,
		sleep:    sleepContext,
	}
}

// Fetch returns the samples for metric on instanceID within
// [windowStart, windowEnd), sorted by timestamp. Transient backend
// errors are retried with growing backoff up to the attempt budget;
// the backoff wait aborts early when ctx is cancelled.
func (c *MetricsClient) Fetch(ctx context.Context, metric config.Metric, instanceID string, windowStart, windowEnd time.Time) ([]models.Sample, error) {
	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(metric.Namespace),
		MetricName: aws.String(metric.Name),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("InstanceId"), Value: aws.String(instanceID)},
		},
		StartTime:  aws.Time(windowStart),
		EndTime:    aws.Time(windowEnd),
		Period:     aws.Int32(int32(metric.PeriodSec)),
		Statistics: []cwtypes.Statistic{cwtypes.Statistic(metric.Statistic)},
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		out, err := c.api.GetMetricStatistics(ctx, input)
		if err == nil {
			return toSamples(instanceID, metric.Statistic, out.Datapoints), nil
		}

		classified := ClassifyError(instanceID, err)
		if !IsTransient(classified) || attempt >= c.attempts {
			if IsTransient(classified) {
				return nil, fmt.Errorf("fetching %s for %s: giving up after %d attempts: %w",
					metric.MetricName(), instanceID, attempt, classified)
			}
			return nil, classified
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff += backoffStep
	}
}

// toSamples converts datapoints to samples ordered by timestamp.
// CloudWatch returns datapoints unordered.
func toSamples(instanceID, statistic string, datapoints []cwtypes.Datapoint) []models.Sample {
	samples := make([]models.Sample, 0, len(datapoints))
	for _, dp := range datapoints {
		if dp.Timestamp == nil {
			continue
		}
		var value *float64
		switch cwtypes.Statistic(statistic) {
		case cwtypes.StatisticSum:
			value = dp.Sum
		case cwtypes.StatisticMaximum:
			value = dp.Maximum
		case cwtypes.StatisticMinimum:
			value = dp.Minimum
		case cwtypes.StatisticSampleCount:
			value = dp.SampleCount
		default:
			value = dp.Average
		}
		if value == nil {
			continue
		}
		samples = append(samples, models.Sample{
			InstanceID: instanceID,
			Value:      *value,
			Timestamp:  *dp.Timestamp,
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return samples
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
