package models

import (
	"fmt"
	"strings"
	"time"
)

// MetricName identifies a CloudWatch metric by namespace and name,
// e.g. ("AWS/EC2", "CPUUtilization").
type MetricName struct {
	Namespace string
	Name      string
}

// ParseMetricName splits a slash-joined metric path such as
// "AWS/EC2/CPUUtilization" into namespace and name. The name is
// everything after the last slash.
func ParseMetricName(path string) (MetricName, error) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return MetricName{}, fmt.Errorf("invalid metric path %q: want <namespace>/<name>", path)
	}
	return MetricName{Namespace: path[:idx], Name: path[idx+1:]}, nil
}

// String returns the slash-joined metric path.
func (m MetricName) String() string {
	return m.Namespace + "/" + m.Name
}

// FileName returns the base name used for this metric's CSV file.
func (m MetricName) FileName() string {
	return m.Name + ".csv"
}

// Sample is one statistic datapoint collected for an instance.
// Samples are immutable and ordered by timestamp.
type Sample struct {
	InstanceID string
	Value      float64
	Timestamp  time.Time
}
