package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/pkg/awsx"
	"github.com/fleetmon/fleetmon/pkg/store"
)

var (
	cpuMetric = models.MetricName{Namespace: "AWS/EC2", Name: "CPUUtilization"}
	runStart  = time.Date(2016, 1, 9, 12, 0, 0, 0, time.UTC)
)

func testConfig() Config {
	return Config{
		Metrics: []config.Metric{
			{Namespace: "AWS/EC2", Name: "CPUUtilization", Unit: "Percent", Statistic: "Average", PeriodSec: 300},
		},
		CPUMetric:     cpuMetric,
		IdleWindow:    3,
		IdleThreshold: 0.5,
		Interval:      time.Hour,
		Workers:       2,
	}
}

// fakeFleet keeps a live set that shrinks as instances terminate,
// mirroring how EC2 membership behaves between cycles.
type fakeFleet struct {
	mu         sync.Mutex
	live       []string
	terminated []string
	failOnce   map[string]bool
}

func (f *fakeFleet) ListWorkers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.live...), nil
}

func (f *fakeFleet) TerminateInstances(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if f.failOnce[id] {
			delete(f.failOnce, id)
			return fmt.Errorf("terminating %s: InsufficientInstanceCapacity", id)
		}
		for i, live := range f.live {
			if live == id {
				f.live = append(f.live[:i], f.live[i+1:]...)
				break
			}
		}
		f.terminated = append(f.terminated, id)
	}
	return nil
}

// scriptedFleet returns canned membership answers in order, then
// empty forever.
type scriptedFleet struct {
	mu          sync.Mutex
	memberships [][]string
	calls       int
	terminated  []string
}

func (f *scriptedFleet) ListWorkers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.memberships) {
		return nil, nil
	}
	ids := f.memberships[f.calls]
	f.calls++
	return ids, nil
}

func (f *scriptedFleet) TerminateInstances(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, ids...)
	return nil
}

// fakeMetrics hands each instance its sample batches one per fetch.
type fakeMetrics struct {
	mu      sync.Mutex
	batches map[string][][]models.Sample
	errs    map[string]error
	// metricErrs fails a single metric for an instance,
	// keyed "<instanceID>:<metric name>".
	metricErrs map[string]error
	fetches    int
}

func (f *fakeMetrics) Fetch(ctx context.Context, metric config.Metric, instanceID string, windowStart, windowEnd time.Time) ([]models.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.errs[instanceID]; err != nil {
		return nil, err
	}
	if err := f.metricErrs[instanceID+":"+metric.Name]; err != nil {
		return nil, err
	}
	pending := f.batches[instanceID]
	if len(pending) == 0 {
		return nil, nil
	}
	f.batches[instanceID] = pending[1:]
	return pending[0], nil
}

// batch builds samples 5 minutes apart starting at base.
func batch(instanceID string, base time.Time, values ...float64) []models.Sample {
	samples := make([]models.Sample, len(values))
	for i, v := range values {
		samples[i] = models.Sample{
			InstanceID: instanceID,
			Value:      v,
			Timestamp:  base.Add(time.Duration(i) * 5 * time.Minute),
		}
	}
	return samples
}

func newTestController(t *testing.T, fleet FleetAPI, metrics MetricsAPI, cfg Config) (*Controller, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), "testrun", runStart, 30*time.Minute)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := New(fleet, metrics, s, cfg, zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c, s
}

func TestRun_DrainsFleet(t *testing.T) {
	t.Parallel()

	fleet := &fakeFleet{live: []string{"i-a", "i-b"}}
	metrics := &fakeMetrics{batches: map[string][][]models.Sample{
		"i-a": {batch("i-a", runStart, 0.2, 0.1, 0.1)},
		"i-b": {
			batch("i-b", runStart, 0.9, 0.8, 0.7),
			batch("i-b", runStart.Add(time.Hour), 0.1, 0.1, 0.1),
		},
	}}

	c, s := newTestController(t, fleet, metrics, testConfig())
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Cycle 1 kills idle i-a; cycle 2 kills i-b once its CPU drops;
	// cycle 3 sees an empty fleet and halts.
	if diff := cmp.Diff([]string{"i-a", "i-b"}, fleet.terminated); diff != "" {
		t.Fatalf("terminated mismatch (-want +got):\n%s", diff)
	}
	if summary.Cycles != 2 {
		t.Fatalf("cycles = %d, want 2", summary.Cycles)
	}
	if summary.InstancesSeen != 2 {
		t.Fatalf("instances seen = %d, want 2", summary.InstancesSeen)
	}

	// Watermark advanced to the newest sample i-a produced.
	want := runStart.Add(10 * time.Minute)
	if got := s.Watermark("i-a"); !got.Equal(want) {
		t.Fatalf("i-a watermark = %v, want %v", got, want)
	}
}

func TestRun_HaltsWhenFleetEmpty(t *testing.T) {
	t.Parallel()

	fleet := &scriptedFleet{memberships: [][]string{{"i-a"}, {}}}
	metrics := &fakeMetrics{batches: map[string][][]models.Sample{
		"i-a": {batch("i-a", runStart, 0.9, 0.9, 0.9)},
	}}

	c, _ := newTestController(t, fleet, metrics, testConfig())
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Cycles != 1 {
		t.Fatalf("cycles = %d, want exactly 1", summary.Cycles)
	}
	if metrics.fetches != 1 {
		t.Fatalf("fetches = %d, want 1", metrics.fetches)
	}
	if len(fleet.terminated) != 0 {
		t.Fatalf("terminated = %v, want none", fleet.terminated)
	}
}

func TestRun_FetchFailureIsIsolated(t *testing.T) {
	t.Parallel()

	fleet := &scriptedFleet{memberships: [][]string{{"i-a", "i-b"}, {}}}
	metrics := &fakeMetrics{
		errs: map[string]error{
			"i-a": &awsx.TransientError{Err: errors.New("Throttling: rate exceeded")},
		},
		batches: map[string][][]models.Sample{
			"i-b": {batch("i-b", runStart, 0.1, 0.1, 0.1)},
		},
	}

	c, s := newTestController(t, fleet, metrics, testConfig())
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// i-b was still collected, evaluated, and terminated.
	if diff := cmp.Diff([]string{"i-b"}, fleet.terminated); diff != "" {
		t.Fatalf("terminated mismatch (-want +got):\n%s", diff)
	}
	if summary.SkippedFetches != 1 {
		t.Fatalf("skipped fetches = %d, want 1", summary.SkippedFetches)
	}
	// i-a's watermark stayed put so the window is re-fetched.
	if got, want := s.Watermark("i-a"), runStart.Add(-30*time.Minute); !got.Equal(want) {
		t.Fatalf("i-a watermark = %v, want untouched default %v", got, want)
	}
}

func TestRun_SkippedMetricHoldsWatermark(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Metrics = append(cfg.Metrics, config.Metric{
		Namespace: "CGCloud", Name: "MemUsage", Unit: "Percent", Statistic: "Average", PeriodSec: 300,
	})

	fleet := &scriptedFleet{memberships: [][]string{{"i-a"}, {}}}
	metrics := &fakeMetrics{
		batches: map[string][][]models.Sample{
			"i-a": {batch("i-a", runStart, 0.9, 0.9, 0.9)},
		},
		metricErrs: map[string]error{
			"i-a:MemUsage": &awsx.TransientError{Err: errors.New("Throttling: rate exceeded")},
		},
	}

	c, s := newTestController(t, fleet, metrics, cfg)
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SkippedFetches != 1 {
		t.Fatalf("skipped fetches = %d, want 1", summary.SkippedFetches)
	}

	// The watermark is shared across metrics. CPU landed but MemUsage
	// was skipped, so the watermark must hold at the default or the
	// skipped metric's window would never be re-fetched.
	if got, want := s.Watermark("i-a"), runStart.Add(-30*time.Minute); !got.Equal(want) {
		t.Fatalf("watermark = %v, want untouched default %v", got, want)
	}
	// The CPU samples that did land are kept; the re-fetch next cycle
	// is absorbed by the store's dedupe.
	if got := s.Recent(cpuMetric, "i-a", 3); len(got) != 3 {
		t.Fatalf("cpu samples = %v, want 3 values retained", got)
	}
}

func TestRun_NoFreshCPUSamplesSkipsEvaluation(t *testing.T) {
	t.Parallel()

	// One idle batch, then empty fetches: the stored history stays
	// idle, but without a fresh sample the instance must not be
	// flagged again.
	fleet := &scriptedFleet{memberships: [][]string{{"i-a"}, {"i-a"}, {}}}
	metrics := &fakeMetrics{batches: map[string][][]models.Sample{
		"i-a": {batch("i-a", runStart, 0.1, 0.1, 0.1)},
	}}

	c, _ := newTestController(t, fleet, metrics, testConfig())
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"i-a"}, fleet.terminated); diff != "" {
		t.Fatalf("terminated mismatch (-want +got):\n%s", diff)
	}
	if summary.Cycles != 2 {
		t.Fatalf("cycles = %d, want 2", summary.Cycles)
	}
}

func TestRun_VanishedInstanceIsDropped(t *testing.T) {
	t.Parallel()

	fleet := &scriptedFleet{memberships: [][]string{{"i-gone", "i-b"}, {}}}
	metrics := &fakeMetrics{
		errs: map[string]error{
			"i-gone": &awsx.NotFoundError{InstanceID: "i-gone", Err: errors.New("no such instance")},
		},
		batches: map[string][][]models.Sample{
			"i-b": {batch("i-b", runStart, 0.9, 0.9, 0.9)},
		},
	}

	c, _ := newTestController(t, fleet, metrics, testConfig())
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fleet.terminated) != 0 {
		t.Fatalf("terminated = %v, want none (vanished instances are untracked, not killed)", fleet.terminated)
	}
}

func TestRun_TerminationFailureIsIsolated(t *testing.T) {
	t.Parallel()

	fleet := &fakeFleet{
		live:     []string{"i-x", "i-y"},
		failOnce: map[string]bool{"i-x": true},
	}
	metrics := &fakeMetrics{batches: map[string][][]models.Sample{
		"i-x": {
			batch("i-x", runStart, 0.1, 0.1, 0.1),
			batch("i-x", runStart.Add(time.Hour), 0.1, 0.1, 0.1),
		},
		"i-y": {batch("i-y", runStart, 0.1, 0.2, 0.1)},
	}}

	c, _ := newTestController(t, fleet, metrics, testConfig())
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Cycle 1: i-x's termination fails but i-y still goes down.
	// Cycle 2: i-x is still tracked, still idle, and is retried.
	if diff := cmp.Diff([]string{"i-y", "i-x"}, fleet.terminated); diff != "" {
		t.Fatalf("terminated mismatch (-want +got):\n%s", diff)
	}
	if summary.Cycles != 2 {
		t.Fatalf("cycles = %d, want 2", summary.Cycles)
	}
}

// failingStore wraps appends with an injected disk error.
type failingStore struct {
	SampleStore
	err error
}

func (f *failingStore) Append(metric models.MetricName, samples []models.Sample) (int, error) {
	return 0, f.err
}

func TestRun_PersistenceFailureIsFatal(t *testing.T) {
	t.Parallel()

	fleet := &fakeFleet{live: []string{"i-a"}}
	metrics := &fakeMetrics{batches: map[string][][]models.Sample{
		"i-a": {batch("i-a", runStart, 0.9, 0.9, 0.9)},
	}}

	s, err := store.Open(t.TempDir(), "testrun", runStart, 30*time.Minute)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	diskErr := &store.PersistenceError{Path: "CPUUtilization.csv", Err: errors.New("no space left on device")}
	c := New(fleet, metrics, &failingStore{SampleStore: s, err: diskErr}, testConfig(), zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err = c.Run(context.Background())
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if len(fleet.terminated) != 0 {
		t.Fatalf("terminated = %v after fatal persistence failure", fleet.terminated)
	}
}

func TestRun_FatalStillTalliesSkips(t *testing.T) {
	t.Parallel()

	// i-a hits the fatal disk error, i-b's fetch is skipped. The
	// summary must count i-b's skip even though the run aborts.
	fleet := &fakeFleet{live: []string{"i-a", "i-b"}}
	metrics := &fakeMetrics{
		batches: map[string][][]models.Sample{
			"i-a": {batch("i-a", runStart, 0.9, 0.9, 0.9)},
		},
		errs: map[string]error{
			"i-b": &awsx.TransientError{Err: errors.New("Throttling: rate exceeded")},
		},
	}

	s, err := store.Open(t.TempDir(), "testrun", runStart, 30*time.Minute)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	diskErr := &store.PersistenceError{Path: "CPUUtilization.csv", Err: errors.New("no space left on device")}
	c := New(fleet, metrics, &failingStore{SampleStore: s, err: diskErr}, testConfig(), zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	summary, err := c.Run(context.Background())
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if summary.SkippedFetches != 1 {
		t.Fatalf("skipped fetches = %d, want 1", summary.SkippedFetches)
	}
}

func TestRun_WarmupAndPacing(t *testing.T) {
	t.Parallel()

	fleet := &scriptedFleet{memberships: [][]string{{"i-a"}, {}}}
	metrics := &fakeMetrics{batches: map[string][][]models.Sample{
		"i-a": {batch("i-a", runStart, 0.9, 0.9, 0.9)},
	}}

	cfg := testConfig()
	cfg.Warmup = 15 * time.Minute

	c, _ := newTestController(t, fleet, metrics, cfg)

	now := runStart
	c.now = func() time.Time { return now }
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Warm-up first, then a full interval since the frozen clock
	// reports zero elapsed collection time.
	want := []time.Duration{15 * time.Minute, time.Hour}
	if diff := cmp.Diff(want, slept); diff != "" {
		t.Fatalf("sleeps mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_CancelDuringWarmup(t *testing.T) {
	t.Parallel()

	fleet := &fakeFleet{live: []string{"i-a"}}
	metrics := &fakeMetrics{}

	cfg := testConfig()
	cfg.Warmup = 15 * time.Minute

	c, _ := newTestController(t, fleet, metrics, cfg)
	c.sleep = sleepContext // real, cancellable sleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if metrics.fetches != 0 {
		t.Fatalf("fetches = %d during cancelled warmup", metrics.fetches)
	}
}
