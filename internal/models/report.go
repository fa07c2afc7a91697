package models

import "time"

// CostReport summarizes the spot-market cost of one instance over its
// lifetime, with the on-demand hourly price for comparison.
type CostReport struct {
	InstanceID       string
	Name             string
	InstanceType     string
	AvailabilityZone string
	Region           string
	LaunchTime       time.Time
	StopTime         time.Time
	TotalCost        float64
	MaxHourlyCost    float64
	AvgHourlyCost    float64
	OnDemandHourly   float64
	PricingSource    string // "API" or "N/A"
}

// RunSummary records what the monitor loop did over a whole run.
type RunSummary struct {
	RunID          string
	ClusterName    string
	StartTime      time.Time
	StopTime       time.Time
	Cycles         int
	InstancesSeen  int
	Terminated     []string
	SkippedFetches int
}
