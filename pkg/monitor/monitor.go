// Package monitor runs the idle-detection and cost-control loop: poll
// fleet membership, collect utilization telemetry per instance,
// persist it, terminate workers that have gone idle, and keep going
// until the fleet drains.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/pkg/awsx"
	"github.com/fleetmon/fleetmon/pkg/idle"
	"github.com/fleetmon/fleetmon/pkg/store"
)

// FleetAPI is the fleet-membership collaborator. Membership truth
// lives with the provider and is re-read every cycle.
type FleetAPI interface {
	ListWorkers(ctx context.Context) ([]string, error)
	TerminateInstances(ctx context.Context, ids []string) error
}

// MetricsAPI fetches windowed statistic samples for one
// (metric, instance) pair.
type MetricsAPI interface {
	Fetch(ctx context.Context, metric config.Metric, instanceID string, windowStart, windowEnd time.Time) ([]models.Sample, error)
}

// SampleStore is the slice of the metric store the controller drives.
type SampleStore interface {
	Append(metric models.MetricName, samples []models.Sample) (int, error)
	Recent(metric models.MetricName, instanceID string, n int) []float64
	Watermark(instanceID string) time.Time
	AdvanceWatermark(instanceID string, ts time.Time)
}

// Config holds the loop parameters.
type Config struct {
	Metrics       []config.Metric
	CPUMetric     models.MetricName
	IdleWindow    int
	IdleThreshold float64
	Interval      time.Duration
	Warmup        time.Duration
	Workers       int
}

// Controller owns the poll loop and the decision to terminate. No
// process-wide state: everything the loop touches is carried here.
type Controller struct {
	fleet   FleetAPI
	metrics MetricsAPI
	store   SampleStore
	cfg     Config
	log     zerolog.Logger

	// Replaced in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a controller over the given collaborators.
func New(fleet FleetAPI, metrics MetricsAPI, samples SampleStore, cfg Config, log zerolog.Logger) *Controller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Controller{
		fleet:   fleet,
		metrics: metrics,
		store:   samples,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

type skippedMetric struct {
	Metric string
	Reason string
}

type instanceResult struct {
	instanceID   string
	dropped      bool
	cpuCollected bool
	skipped      []skippedMetric
	fatal        error
}

// Run executes collection cycles until the fleet membership query
// returns no workers, the context is cancelled, or a persistence
// failure makes further collection pointless. The returned summary is
// valid in all three cases.
func (c *Controller) Run(ctx context.Context) (models.RunSummary, error) {
	summary := models.RunSummary{StartTime: c.now()}
	seen := make(map[string]struct{})

	if c.cfg.Warmup > 0 {
		c.log.Info().Dur("warmup", c.cfg.Warmup).Msg("waiting before initial collection")
		if err := c.sleep(ctx, c.cfg.Warmup); err != nil {
			summary.StopTime = c.now()
			return summary, err
		}
	}

	for {
		cycleStart := c.now()

		ids, err := c.fleet.ListWorkers(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				summary.StopTime = c.now()
				return summary, ctx.Err()
			}
			c.log.Warn().Err(err).Msg("fleet enumeration failed, retrying next cycle")
		case len(ids) == 0:
			summary.StopTime = c.now()
			c.log.Info().Int("cycles", summary.Cycles).Msg("fleet drained, monitor exiting")
			return summary, nil
		default:
			summary.Cycles++
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			summary.InstancesSeen = len(seen)

			results := c.collect(ctx, ids)
			var fatal error
			for _, res := range results {
				summary.SkippedFetches += len(res.skipped)
				if fatal == nil && res.fatal != nil {
					fatal = res.fatal
				}
			}
			if fatal != nil {
				summary.StopTime = c.now()
				return summary, fatal
			}
			if ctx.Err() != nil {
				summary.StopTime = c.now()
				return summary, ctx.Err()
			}

			flagged := c.evaluate(results)
			terminated := c.terminate(ctx, flagged)
			summary.Terminated = append(summary.Terminated, terminated...)

			c.logCycle(summary.Cycles, ids, results, flagged, terminated, c.now().Sub(cycleStart))
		}

		elapsed := c.now().Sub(cycleStart)
		if elapsed >= c.cfg.Interval {
			c.log.Warn().Dur("elapsed", elapsed).Dur("interval", c.cfg.Interval).
				Msg("collection overran the interval, starting next cycle immediately")
			continue
		}
		if err := c.sleep(ctx, c.cfg.Interval-elapsed); err != nil {
			summary.StopTime = c.now()
			return summary, err
		}
	}
}

// collect fans instances out over a bounded worker pool. Metrics are
// fetched sequentially within an instance so each (metric, instance)
// store partition has a single writer in flight.
func (c *Controller) collect(ctx context.Context, ids []string) []instanceResult {
	results := make([]instanceResult, len(ids))
	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(idx int, instanceID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = c.collectInstance(ctx, instanceID)
		}(i, id)
	}
	wg.Wait()
	return results
}

// collectInstance pulls every configured metric for one instance over
// the window since its watermark. Failures are isolated per metric:
// a skipped metric leaves the watermark alone so the same window is
// re-attempted next cycle.
func (c *Controller) collectInstance(ctx context.Context, instanceID string) instanceResult {
	res := instanceResult{instanceID: instanceID}
	windowStart := c.store.Watermark(instanceID)
	windowEnd := c.now()

	var maxSeen time.Time
	for _, metric := range c.cfg.Metrics {
		name := metric.MetricName()
		samples, err := c.metrics.Fetch(ctx, metric, instanceID, windowStart, windowEnd)
		if err != nil {
			switch {
			case awsx.IsNotFound(err):
				c.log.Info().Str("instance", instanceID).
					Msg("instance no longer exists, untracking")
				res.dropped = true
				return res
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return res
			default:
				// Transient budget exhausted or an unclassified
				// failure: skip this metric for the cycle.
				c.log.Warn().Err(err).Str("instance", instanceID).
					Str("metric", name.String()).Msg("metric fetch skipped this cycle")
				res.skipped = append(res.skipped, skippedMetric{Metric: name.String(), Reason: err.Error()})
				continue
			}
		}

		if _, err := c.store.Append(name, samples); err != nil {
			var pe *store.PersistenceError
			if errors.As(err, &pe) {
				res.fatal = err
				return res
			}
			res.skipped = append(res.skipped, skippedMetric{Metric: name.String(), Reason: err.Error()})
			continue
		}
		if n := len(samples); n > 0 && samples[n-1].Timestamp.After(maxSeen) {
			maxSeen = samples[n-1].Timestamp
		}
		if name == c.cfg.CPUMetric && len(samples) > 0 {
			res.cpuCollected = true
		}
	}

	// The watermark is shared across metrics, so it only advances when
	// every metric in the cycle succeeded. Advancing past a skipped
	// metric's window would lose those samples for good; re-fetching
	// the successful metrics is absorbed by the store's dedupe. An
	// empty window likewise leaves the watermark unchanged, since
	// datapoints may still arrive late.
	if !maxSeen.IsZero() && len(res.skipped) == 0 {
		c.store.AdvanceWatermark(instanceID, maxSeen)
	}
	return res
}

// evaluate flags instances whose recent CPU window is idle. Instances
// without a fresh CPU sample this cycle are never evaluated, so a
// stalled telemetry feed cannot trigger a kill on stale history.
func (c *Controller) evaluate(results []instanceResult) []string {
	var flagged []string
	for _, res := range results {
		if res.dropped || !res.cpuCollected {
			continue
		}
		values := c.store.Recent(c.cfg.CPUMetric, res.instanceID, c.cfg.IdleWindow)
		if idle.IsIdle(values, c.cfg.IdleWindow, c.cfg.IdleThreshold) {
			flagged = append(flagged, res.instanceID)
		}
	}
	return flagged
}

// terminate kills flagged instances one at a time so a failure for
// one cannot block the others. Failed terminations stay tracked and
// are retried next cycle if still flagged.
func (c *Controller) terminate(ctx context.Context, flagged []string) []string {
	var terminated []string
	for _, id := range flagged {
		if err := c.fleet.TerminateInstances(ctx, []string{id}); err != nil {
			c.log.Warn().Err(err).Str("instance", id).
				Msg("termination failed, instance stays tracked")
			continue
		}
		c.log.Info().Str("instance", id).Msg("terminated idle instance")
		terminated = append(terminated, id)
	}
	return terminated
}

func (c *Controller) logCycle(cycle int, ids []string, results []instanceResult, flagged, terminated []string, elapsed time.Duration) {
	dropped := 0
	skipped := 0
	for _, res := range results {
		if res.dropped {
			dropped++
		}
		skipped += len(res.skipped)
	}
	c.log.Info().
		Int("cycle", cycle).
		Int("instances", len(ids)).
		Strs("flagged", flagged).
		Strs("terminated", terminated).
		Int("dropped", dropped).
		Int("skipped_metrics", skipped).
		Dur("elapsed", elapsed).
		Msg("collection cycle complete")
}

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
