// Package store keeps the collected samples for one cluster run: an
// in-memory ordered log per (metric, instance) pair mirrored to an
// append-only CSV file per metric, plus the per-instance watermarks
// that bound the next fetch window.
package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/internal/models"
)

// PersistenceError marks a failed write to the on-disk sample log.
// The CSV files are the run's only durable record, so the monitor
// loop treats this as fatal rather than silently losing data.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting samples to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type partition struct {
	samples []models.Sample
	seen    map[int64]struct{} // unix timestamps already recorded
}

type key struct {
	metric   models.MetricName
	instance string
}

// Store owns the sample log and watermarks for one run. All methods
// are safe for concurrent use; instances are collected in parallel
// but the per-metric CSV files are shared.
type Store struct {
	mu         sync.Mutex
	dir        string
	start      time.Time
	margin     time.Duration
	parts      map[key]*partition
	watermarks map[string]time.Time
	files      map[models.MetricName]*os.File
}

// Open creates the run directory <runID>_<date> under baseDir and
// returns a store whose watermarks default to start minus the safety
// margin, tolerating clock skew and late-arriving datapoints.
func Open(baseDir, runID string, start time.Time, margin time.Duration) (*Store, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("%s_%s", runID, start.UTC().Format("2006-01-02")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	return &Store{
		dir:        dir,
		start:      start,
		margin:     margin,
		parts:      make(map[key]*partition),
		watermarks: make(map[string]time.Time),
		files:      make(map[models.MetricName]*os.File),
	}, nil
}

// Dir returns the run directory holding the CSV files.
func (s *Store) Dir() string { return s.dir }

// Append merges samples into the log for their (metric, instance)
// pairs, discarding duplicates by timestamp, and appends only the new
// rows to the metric's CSV file. It returns the number of samples
// actually added. Re-fetching an overlapping window is a no-op.
func (s *Store) Append(metric models.MetricName, samples []models.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []models.Sample
	for _, sample := range samples {
		k := key{metric: metric, instance: sample.InstanceID}
		p := s.parts[k]
		if p == nil {
			p = &partition{seen: make(map[int64]struct{})}
			s.parts[k] = p
		}
		ts := sample.Timestamp.Unix()
		if _, dup := p.seen[ts]; dup {
			continue
		}
		p.seen[ts] = struct{}{}
		p.samples = append(p.samples, sample)
		fresh = append(fresh, sample)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	for k := range groupByInstance(fresh) {
		p := s.parts[key{metric: metric, instance: k}]
		sort.Slice(p.samples, func(i, j int) bool {
			return p.samples[i].Timestamp.Before(p.samples[j].Timestamp)
		})
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].Timestamp.Before(fresh[j].Timestamp)
	})
	if err := s.persist(metric, fresh); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

func groupByInstance(samples []models.Sample) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, sample := range samples {
		ids[sample.InstanceID] = struct{}{}
	}
	return ids
}

// persist appends rows instanceID,value,timestamp to the metric's CSV
// file. Rows are never rewritten; a crash between cycles loses at most
// the cycle in flight.
func (s *Store) persist(metric models.MetricName, samples []models.Sample) error {
	f, err := s.file(metric)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, sample := range samples {
		record := []string{
			sample.InstanceID,
			strconv.FormatFloat(sample.Value, 'f', -1, 64),
			sample.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return &PersistenceError{Path: f.Name(), Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &PersistenceError{Path: f.Name(), Err: err}
	}
	if err := f.Sync(); err != nil {
		return &PersistenceError{Path: f.Name(), Err: err}
	}
	return nil
}

func (s *Store) file(metric models.MetricName) (*os.File, error) {
	if f, ok := s.files[metric]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, metric.FileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	s.files[metric] = f
	return f, nil
}

// Recent returns the newest n values for a (metric, instance) pair in
// timestamp order, or fewer when less history exists.
func (s *Store) Recent(metric models.MetricName, instanceID string, n int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.parts[key{metric: metric, instance: instanceID}]
	if p == nil || n <= 0 {
		return nil
	}
	start := len(p.samples) - n
	if start < 0 {
		start = 0
	}
	values := make([]float64, 0, len(p.samples)-start)
	for _, sample := range p.samples[start:] {
		values = append(values, sample.Value)
	}
	return values
}

// Watermark returns the timestamp up to which this instance's history
// has been collected. Instances seen for the first time start at the
// run start minus the safety margin.
func (s *Store) Watermark(instanceID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wm, ok := s.watermarks[instanceID]; ok {
		return wm
	}
	return s.start.Add(-s.margin)
}

// AdvanceWatermark raises the instance's watermark to ts. The
// watermark never moves backward, so a stale or out-of-order update
// is a no-op.
func (s *Store) AdvanceWatermark(instanceID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wm, ok := s.watermarks[instanceID]; ok && !ts.After(wm) {
		return
	}
	if !ts.After(s.start.Add(-s.margin)) {
		return
	}
	s.watermarks[instanceID] = ts
}

// Close flushes and closes the CSV files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for metric, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = &PersistenceError{Path: f.Name(), Err: err}
		}
		delete(s.files, metric)
	}
	return firstErr
}
