// Package report computes the spot-market cost of a cluster run after
// the fact: what one instance cost over its lifetime, and how that
// compares to the on-demand price.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/dustin/go-humanize"

	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/pkg/utils"
)

type spotAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// PricePoint is one spot price change event.
type PricePoint struct {
	Time  time.Time
	Price float64
}

// Builder assembles cost reports from EC2 and the Pricing API.
type Builder struct {
	ec2      spotAPI
	onDemand func(ctx context.Context, instanceType, region string) (float64, error)
	region   string
}

// NewBuilder returns a report builder for the given region. The
// Pricing API client is created lazily on first use since it only
// exists in us-east-1.
func NewBuilder(client spotAPI, region string) *Builder {
	return &Builder{
		ec2:      client,
		onDemand: onDemandHourlyPrice,
		region:   region,
	}
}

// Build computes the cost report for one instance: spot price history
// integrated over [launch, stop], plus the on-demand hourly price for
// comparison. Stopped and terminated instances use the stop time
// embedded in the state transition reason; running ones use now.
func (b *Builder) Build(ctx context.Context, instanceID string) (models.CostReport, error) {
	rep, err := b.instanceWindow(ctx, instanceID)
	if err != nil {
		return models.CostReport{}, err
	}

	points, err := b.priceHistory(ctx, rep.InstanceType, rep.AvailabilityZone, rep.LaunchTime, rep.StopTime)
	if err != nil {
		return models.CostReport{}, err
	}
	rep.TotalCost, rep.MaxHourlyCost, rep.AvgHourlyCost = Integrate(points)

	rep.PricingSource = "N/A"
	if price, err := b.onDemand(ctx, rep.InstanceType, b.region); err == nil {
		rep.OnDemandHourly = price
		rep.PricingSource = "API"
	}
	return rep, nil
}

// instanceWindow describes the instance and derives its billing
// window.
func (b *Builder) instanceWindow(ctx context.Context, instanceID string) (models.CostReport, error) {
	result, err := b.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return models.CostReport{}, fmt.Errorf("describing instance %s: %w", instanceID, err)
	}

	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			rep := models.CostReport{
				InstanceID:       instanceID,
				Name:             utils.GetName(instance.Tags),
				InstanceType:     string(instance.InstanceType),
				Region:           b.region,
				AvailabilityZone: utils.SafeDeref(instance.Placement.AvailabilityZone),
				LaunchTime:       aws.ToTime(instance.LaunchTime),
				StopTime:         time.Now().UTC(),
			}
			state := instance.State.Name
			if state == types.InstanceStateNameTerminated || state == types.InstanceStateNameStopped {
				if t := utils.ParseStateTransitionTime(utils.SafeDeref(instance.StateTransitionReason)); t != nil {
					rep.StopTime = *t
				}
			}
			return rep, nil
		}
	}
	return models.CostReport{}, fmt.Errorf("instance %s not found", instanceID)
}

// priceHistory pulls every spot price change for the instance type in
// its availability zone over the billing window.
func (b *Builder) priceHistory(ctx context.Context, instanceType, availZone string, start, stop time.Time) ([]PricePoint, error) {
	input := &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		AvailabilityZone:    aws.String(availZone),
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(start),
		EndTime:             aws.Time(stop),
	}

	var points []PricePoint
	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(b.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching spot price history for %s in %s: %w", instanceType, availZone, err)
		}
		for _, sp := range page.SpotPriceHistory {
			price, err := parsePrice(utils.SafeDeref(sp.SpotPrice))
			if err != nil {
				continue
			}
			points = append(points, PricePoint{Time: aws.ToTime(sp.Timestamp), Price: price})
		}
	}
	return points, nil
}

func parsePrice(s string) (float64, error) {
	var price float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &price); err != nil {
		return 0, err
	}
	return price, nil
}

// Integrate computes the total cost of holding one instance across
// the price points, plus the max and average hourly rates. Each price
// applies from its change event until the next one.
func Integrate(points []PricePoint) (total, maxHourly, avgHourly float64) {
	if len(points) == 0 {
		return 0, 0, 0
	}

	sorted := append([]PricePoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	for i, p := range sorted {
		maxHourly = math.Max(maxHourly, p.Price)
		if i+1 < len(sorted) {
			total += p.Price * sorted[i+1].Time.Sub(p.Time).Hours()
		}
	}

	span := sorted[len(sorted)-1].Time.Sub(sorted[0].Time).Hours()
	if span > 0 {
		avgHourly = total / span
	}
	return total, maxHourly, avgHourly
}

// Format renders the report for the terminal.
func Format(rep models.CostReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance:         %s (%s)\n", rep.InstanceID, orDash(rep.Name))
	fmt.Fprintf(&b, "Type / Zone:      %s in %s\n", rep.InstanceType, rep.AvailabilityZone)
	fmt.Fprintf(&b, "Window:           %s -> %s (%s)\n",
		rep.LaunchTime.UTC().Format(time.RFC3339),
		rep.StopTime.UTC().Format(time.RFC3339),
		utils.FormatDuration(rep.StopTime.Sub(rep.LaunchTime)))
	fmt.Fprintf(&b, "Total spot cost:  $%s\n", humanize.CommafWithDigits(rep.TotalCost, 2))
	fmt.Fprintf(&b, "Max hourly cost:  $%s\n", humanize.CommafWithDigits(rep.MaxHourlyCost, 4))
	fmt.Fprintf(&b, "Avg hourly cost:  $%s\n", humanize.CommafWithDigits(rep.AvgHourlyCost, 4))
	if rep.PricingSource == "API" {
		fmt.Fprintf(&b, "On-demand hourly: $%s\n", humanize.CommafWithDigits(rep.OnDemandHourly, 4))
	} else {
		fmt.Fprintf(&b, "On-demand hourly: N/A\n")
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
