package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics"
	"github.com/kubilitics/kubilitics-sentinel/internal/config"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

type replayOptions struct {
	format   string
	top      int
	forecast bool
	warmup   bool
}

func newReplayCmd() *cobra.Command {
	o := overrides{grpcPort: -1, storage: "memory"}
	var ro replayOptions
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Score a recorded metric file and print a report",
		Long: `replay pushes every sample of a CSV or JSON-lines file through the detection
pipeline in file order and prints the anomalies found.

CSV files need a header naming a timestamp column, a server_id column and
any of the cpu, memory, disk and network columns. Empty cells are treated
as missing. Timestamps are RFC3339 or unix seconds.

JSON-lines files hold one sample request per line, as accepted by
POST /api/v1/samples.

History is kept in memory unless --storage says otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, err := loadConfig(ctx, configPath, o)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runReplay(ctx, cfg, logger, args[0], ro, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&ro.format, "format", "", "input format: csv or jsonl (default from file extension)")
	cmd.Flags().IntVar(&ro.top, "top", 10, "number of highest-scoring anomalies to list")
	cmd.Flags().BoolVar(&ro.forecast, "forecast", false, "print a forecast for every server and metric after the replay")
	cmd.Flags().BoolVar(&ro.warmup, "warmup", false, "initialise the models from the history store first")
	cmd.Flags().StringVar(&o.storage, "storage", "memory", "history backend: sqlite, redis or memory")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "warn", "log level")
	return cmd
}

// replayReport summarises one replay.
type replayReport struct {
	File       string
	Bytes      int64
	Samples    int
	Skipped    int
	Anomalies  []types.AnomalyEvent
	BySeverity map[types.Severity]int
	Servers    map[string]bool
	First      time.Time
	Last       time.Time
	Elapsed    time.Duration
}

func runReplay(ctx context.Context, cfg *config.Config, logger *zap.Logger, path string, o replayOptions, out io.Writer) error {
	inputs, size, err := readReplayFile(path, o.format)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if o.warmup {
		if _, err := rt.pipeline.Warmup(ctx); err != nil {
			return fmt.Errorf("warmup failed: %w", err)
		}
	}

	rep := replayReport{
		File:       path,
		Bytes:      size,
		BySeverity: make(map[types.Severity]int),
		Servers:    make(map[string]bool),
	}
	start := time.Now()
	for _, in := range inputs {
		v, err := rt.pipeline.Ingest(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to ingest sample for %s at %s: %w", in.ServerID, in.Timestamp.Format(time.RFC3339), err)
		}
		rep.Samples++
		rep.Servers[in.ServerID] = true
		if rep.First.IsZero() || in.Timestamp.Before(rep.First) {
			rep.First = in.Timestamp
		}
		if in.Timestamp.After(rep.Last) {
			rep.Last = in.Timestamp
		}
		if v.Skipped {
			rep.Skipped++
		}
	}
	rep.Elapsed = time.Since(start)

	rep.Anomalies, err = rt.pipeline.Anomalies(ctx, types.AnomalyFilter{})
	if err != nil {
		return fmt.Errorf("failed to list anomalies: %w", err)
	}
	for _, ev := range rep.Anomalies {
		rep.BySeverity[ev.Severity]++
	}

	printReport(out, rep, o.top)
	if o.forecast {
		return printForecasts(ctx, out, rt.pipeline, rep.Servers)
	}
	return nil
}

func printReport(out io.Writer, rep replayReport, top int) {
	rate := 0.0
	if rep.Elapsed > 0 {
		rate = float64(rep.Samples) / rep.Elapsed.Seconds()
	}

	fmt.Fprintf(out, "Replayed %s (%s)\n", rep.File, humanize.Bytes(uint64(rep.Bytes)))
	fmt.Fprintf(out, "  samples:   %s (%s skipped) across %d servers\n",
		humanize.Comma(int64(rep.Samples)), humanize.Comma(int64(rep.Skipped)), len(rep.Servers))
	if !rep.First.IsZero() {
		fmt.Fprintf(out, "  span:      %s to %s (%s)\n",
			rep.First.Format(time.RFC3339), rep.Last.Format(time.RFC3339),
			strings.TrimSpace(humanize.RelTime(rep.First, rep.Last, "", "")))
	}
	fmt.Fprintf(out, "  took:      %s (%s samples/s)\n", rep.Elapsed.Round(time.Millisecond), humanize.CommafWithDigits(rate, 0))
	fmt.Fprintf(out, "  anomalies: %s", humanize.Comma(int64(len(rep.Anomalies))))
	for _, sev := range []types.Severity{types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow} {
		if n := rep.BySeverity[sev]; n > 0 {
			fmt.Fprintf(out, "  %s=%d", sev, n)
		}
	}
	fmt.Fprintln(out)

	if top <= 0 || len(rep.Anomalies) == 0 {
		return
	}
	ranked := append([]types.AnomalyEvent(nil), rep.Anomalies...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > top {
		ranked = ranked[:top]
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSERVER\tSEVERITY\tSCORE\tCONSENSUS\tMETRIC\tVOTES")
	for _, ev := range ranked {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.ServerID, ev.Severity, ev.Score,
			ev.Consensus, ev.DominantMetric, strings.Join(ev.Votes, ","))
	}
	_ = tw.Flush()
}

func printForecasts(ctx context.Context, out io.Writer, p *analytics.Pipeline, servers map[string]bool) error {
	names := make([]string, 0, len(servers))
	for s := range servers {
		names = append(names, s)
	}
	sort.Strings(names)

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tMETRIC\tSTATUS\tTREND\tCURRENT\tPREDICTED\tCONFIDENCE\tWARNING IN\tCRITICAL IN")
	for _, s := range names {
		for _, m := range types.AllMetrics {
			res, err := p.Forecast(ctx, s, m)
			if err != nil {
				return err
			}
			if res.Fit.N < 2 {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%.2f\t%s\t%s\n",
				s, m, res.Status, res.Trend, res.CurrentValue, res.PredictedValue, res.Confidence,
				formatETA(res.Breach.WillBreachWarning, res.Breach.TimeToWarning),
				formatETA(res.Breach.WillBreachCritical, res.Breach.TimeToCritical))
		}
	}
	return tw.Flush()
}

func formatETA(will bool, d *time.Duration) string {
	if !will || d == nil {
		return "-"
	}
	return d.Round(time.Minute).String()
}

// readReplayFile parses path as CSV or JSON lines.
func readReplayFile(path, format string) ([]analytics.Input, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat replay file: %w", err)
	}

	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			format = "csv"
		case ".json", ".jsonl", ".ndjson":
			format = "jsonl"
		default:
			return nil, 0, fmt.Errorf("cannot infer format of %s, use --format", path)
		}
	}

	var inputs []analytics.Input
	switch format {
	case "csv":
		inputs, err = readCSV(f)
	case "jsonl":
		inputs, err = readJSONLines(f)
	default:
		return nil, 0, fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return inputs, st.Size(), nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

// readCSV parses a headed CSV of samples.
func readCSV(r io.Reader) ([]analytics.Input, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	tsCol, serverCol := -1, -1
	metricCols := make(map[int]types.Metric)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "timestamp", "ts", "time":
			tsCol = i
		case "server_id", "server", "host":
			serverCol = i
		default:
			if m, err := types.ParseMetric(name); err == nil {
				metricCols[i] = m
			}
		}
	}
	if tsCol < 0 || serverCol < 0 || len(metricCols) == 0 {
		return nil, errors.New("header needs timestamp, server_id and at least one metric column")
	}

	var inputs []analytics.Input
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return inputs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		ts, err := parseTimestamp(get(tsCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		in := analytics.Input{ServerID: get(serverCol), Timestamp: ts}
		if in.ServerID == "" {
			return nil, fmt.Errorf("line %d: empty server_id", line)
		}
		for col, m := range metricCols {
			cell := get(col)
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid %s value %q", line, m, cell)
			}
			in.Values[m.Index()] = v
			in.Present[m.Index()] = true
		}
		inputs = append(inputs, in)
	}
}

// readJSONLines parses one SampleRequest per line. Blank lines are skipped.
func readJSONLines(r io.Reader) ([]analytics.Input, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var inputs []analytics.Input
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var req types.SampleRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values, err := req.Normalize()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if req.Timestamp == nil || req.Timestamp.IsZero() {
			return nil, fmt.Errorf("line %d: timestamp is required", line)
		}
		in := analytics.Input{ServerID: req.ServerID, Timestamp: req.Timestamp.UTC()}
		for m, v := range values {
			in.Values[m.Index()] = v
			in.Present[m.Index()] = true
		}
		inputs = append(inputs, in)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return inputs, nil
}
