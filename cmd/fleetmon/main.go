package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/internal/version"
	"github.com/fleetmon/fleetmon/pkg/awsx"
	"github.com/fleetmon/fleetmon/pkg/manifest"
	"github.com/fleetmon/fleetmon/pkg/monitor"
	"github.com/fleetmon/fleetmon/pkg/report"
	"github.com/fleetmon/fleetmon/pkg/store"
	"github.com/fleetmon/fleetmon/pkg/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "fleetmon",
		Short: "Idle-detection and cost control for toil worker fleets",
		Long: `fleetmon watches a cluster of EC2 workers, collects their CloudWatch
utilization metrics, and terminates instances that have gone idle.
It also reports spot-market costs after a run and generates sample
manifests for scaling tests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version.Get().String())
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")

	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newManifestCmd())
	rootCmd.AddCommand(newAlarmCmd())
	return rootCmd
}

// newMonitorCmd builds the monitor subcommand: the long-running loop
// that drains the fleet as workers go idle.
func newMonitorCmd() *cobra.Command {
	var (
		configPath string
		cluster    string
		region     string
		outputDir  string
		threshold  float64
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a worker fleet and terminate idle instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cluster != "" {
				cfg.ClusterName = cluster
			}
			if region != "" {
				cfg.Region = region
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if threshold != 0 {
				cfg.IdleThreshold = threshold
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if cfg.Region != "" && !utils.IsValidRegion(cfg.Region) {
				fmt.Fprintf(os.Stderr, "Warning: unrecognized region '%s'\n", cfg.Region)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg.Region = awsx.ResolveRegion(ctx, cfg.Region)
			clients, err := awsx.NewClients(ctx, cfg.Region)
			if err != nil {
				return err
			}

			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(level).
				With().Timestamp().Str("run_id", cfg.RunID).Logger()

			start := time.Now().UTC()
			samples, err := store.Open(cfg.OutputDir, cfg.RunID, start, cfg.Margin())
			if err != nil {
				return err
			}
			defer samples.Close()

			log.Info().
				Str("cluster", cfg.ClusterName).
				Str("region", cfg.Region).
				Str("dir", samples.Dir()).
				Int("metrics", len(cfg.Metrics)).
				Msg("monitor starting")

			fleet := awsx.NewFleet(clients.EC2, cfg.ClusterName, cfg.WorkerNameTag())
			metrics := awsx.NewMetricsClient(clients.CloudWatch, cfg.FetchAttempts)

			cpu, err := models.ParseMetricName(cfg.CPUMetric)
			if err != nil {
				return err
			}
			ctrl := monitor.New(fleet, metrics, samples, monitor.Config{
				Metrics:       cfg.Metrics,
				CPUMetric:     cpu,
				IdleWindow:    cfg.IdleWindow,
				IdleThreshold: cfg.IdleThreshold,
				Interval:      cfg.Interval(),
				Warmup:        cfg.Warmup(),
				Workers:       cfg.Workers,
			}, log)

			summary, runErr := ctrl.Run(ctx)
			summary.RunID = cfg.RunID
			summary.ClusterName = cfg.ClusterName

			if err := writeRunReport(samples.Dir(), summary); err != nil {
				log.Warn().Err(err).Msg("run report not written")
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Cluster name whose workers to monitor")
	cmd.Flags().StringVarP(&region, "region", "r", "", "AWS region (default: instance metadata, then us-west-2)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for the run's CSV sample logs")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Idle CPU threshold in percent")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	return cmd
}

// newReportCmd builds the report subcommand: spot cost for one or more
// instances after (or during) a run.
func newReportCmd() *cobra.Command {
	var region string

	cmd := &cobra.Command{
		Use:   "report <instance-id> [instance-id ...]",
		Short: "Report the spot-market cost of instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			region = awsx.ResolveRegion(ctx, region)
			clients, err := awsx.NewClients(ctx, region)
			if err != nil {
				return err
			}
			builder := report.NewBuilder(clients.EC2, region)

			s := spinner.New(spinner.CharSets[9], 200*time.Millisecond)
			s.Suffix = " Retrieving spot price history ..."
			s.Start()

			reports := make([]models.CostReport, 0, len(args))
			var failed []string
			for _, id := range args {
				rep, err := builder.Build(ctx, id)
				if err != nil {
					failed = append(failed, fmt.Sprintf("%s: %v", id, err))
					continue
				}
				reports = append(reports, rep)
			}
			s.Stop()

			var total float64
			for _, rep := range reports {
				fmt.Println(report.Format(rep))
				total += rep.TotalCost
			}
			if len(reports) > 1 {
				fmt.Printf("Fleet total: $%s across %d instances\n",
					humanize.CommafWithDigits(total, 2), len(reports))
			}
			for _, msg := range failed {
				fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
			}
			if len(reports) == 0 {
				return fmt.Errorf("no reports produced")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&region, "region", "r", "", "AWS region (default: instance metadata, then us-west-2)")
	return cmd
}

// newManifestCmd builds the manifest subcommand: pick a random sample
// subset from a bucket that meets a size quota.
func newManifestCmd() *cobra.Command {
	var (
		region  string
		bucket  string
		quotaTB float64
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Generate a sample manifest from an S3 bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket == "" {
				return fmt.Errorf("--bucket is required")
			}
			if quotaTB <= 0 {
				return fmt.Errorf("--quota-tb must be positive")
			}

			ctx := cmd.Context()
			region = awsx.ResolveRegion(ctx, region)
			clients, err := awsx.NewClients(ctx, region)
			if err != nil {
				return err
			}

			out, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer out.Close()

			s := spinner.New(spinner.CharSets[9], 200*time.Millisecond)
			s.Suffix = fmt.Sprintf(" Listing bucket %s ...", bucket)
			s.Start()

			quotaBytes := int64(quotaTB * float64(1<<40))
			gen := manifest.NewGenerator(clients.S3, region)
			selected, err := gen.Generate(ctx, out, bucket, quotaBytes)
			s.Stop()
			if err != nil {
				return err
			}

			var total int64
			for _, obj := range selected {
				total += obj.Size
			}
			fmt.Printf("%d samples selected, totaling %s (requested %.2fTB), written to %s\n",
				len(selected), humanize.IBytes(uint64(total)), quotaTB, outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&region, "region", "r", "", "AWS region (default: instance metadata, then us-west-2)")
	cmd.Flags().StringVarP(&bucket, "bucket", "b", "", "S3 bucket holding the sample pool")
	cmd.Flags().Float64Var(&quotaTB, "quota-tb", 0, "Combined sample size to select, in TB")
	cmd.Flags().StringVarP(&outPath, "out", "o", "config.txt", "Manifest output path")
	return cmd
}

// newAlarmCmd builds the alarm subcommand: install the low-CPU
// watchdog alarm on every running worker so the fleet drains even if
// the monitor dies.
func newAlarmCmd() *cobra.Command {
	var (
		region    string
		cluster   string
		namespace string
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Install auto-terminate watchdog alarms on all workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cluster == "" {
				return fmt.Errorf("--cluster is required")
			}

			ctx := cmd.Context()
			region = awsx.ResolveRegion(ctx, region)
			clients, err := awsx.NewClients(ctx, region)
			if err != nil {
				return err
			}

			fleet := awsx.NewFleet(clients.EC2, cluster, namespace+config.DefaultWorkerNameSuffix)
			ids, err := fleet.ListWorkers(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No running workers found.")
				return nil
			}

			gate := awsx.NewGate(clients.CloudWatch, region)
			installed := 0
			for _, id := range ids {
				if err := gate.PutAlarm(ctx, id, threshold); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					continue
				}
				installed++
			}
			fmt.Printf("Watchdog alarms installed on %d of %d workers.\n", installed, len(ids))
			if installed < len(ids) {
				return fmt.Errorf("%d alarms failed", len(ids)-installed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&region, "region", "r", "", "AWS region (default: instance metadata, then us-west-2)")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Cluster name whose workers get the alarm")
	cmd.Flags().StringVar(&namespace, "namespace", "jtvivian", "CGCloud namespace prefixed to worker Name tags")
	cmd.Flags().Float64Var(&threshold, "threshold", config.DefaultIdleThreshold, "Alarm CPU threshold in percent")
	return cmd
}

// loadConfig reads the config file when one is given, otherwise starts
// from defaults so a cluster can be monitored with flags alone.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	return cfg, nil
}

// writeRunReport drops a human-readable summary next to the CSV logs.
func writeRunReport(dir string, summary models.RunSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run:             %s\n", summary.RunID)
	fmt.Fprintf(&b, "cluster:         %s\n", summary.ClusterName)
	fmt.Fprintf(&b, "started:         %s\n", summary.StartTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "stopped:         %s\n", summary.StopTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "cycles:          %d\n", summary.Cycles)
	fmt.Fprintf(&b, "instances seen:  %d\n", summary.InstancesSeen)
	fmt.Fprintf(&b, "terminated:      %d\n", len(summary.Terminated))
	for _, id := range summary.Terminated {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	fmt.Fprintf(&b, "skipped fetches: %d\n", summary.SkippedFetches)

	return os.WriteFile(filepath.Join(dir, "run_report.txt"), []byte(b.String()), 0o644)
}
