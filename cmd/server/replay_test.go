package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/config"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

func TestReadCSV(t *testing.T) {
	data := `timestamp,server_id,cpu,mem,disk,network
2026-03-01T00:00:00Z,web-1,10,20,30,40
1772323260,web-1,11,,31,41
`
	inputs, err := readCSV(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	assert.Equal(t, "web-1", inputs[0].ServerID)
	assert.Equal(t, [types.NumMetrics]float64{10, 20, 30, 40}, inputs[0].Values)
	assert.Equal(t, [types.NumMetrics]bool{true, true, true, true}, inputs[0].Present)

	assert.Equal(t, time.Unix(1772323260, 0).UTC(), inputs[1].Timestamp)
	assert.False(t, inputs[1].Present[types.MetricMemory.Index()], "empty cell is missing")
	assert.Equal(t, 11.0, inputs[1].Values[types.MetricCPU.Index()])
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no metric columns", "timestamp,server_id,gpu\n"},
		{"no server column", "timestamp,cpu\n"},
		{"bad timestamp", "timestamp,server_id,cpu\nyesterday,a,1\n"},
		{"bad value", "timestamp,server_id,cpu\n2026-03-01T00:00:00Z,a,high\n"},
		{"empty server", "timestamp,server_id,cpu\n2026-03-01T00:00:00Z,,1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := readCSV(strings.NewReader(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestReadJSONLines(t *testing.T) {
	data := `{"server_id":"db-1","timestamp":"2026-03-01T00:00:00Z","metric":"cpu","value":12.5}

{"server_id":"db-1","timestamp":"2026-03-01T00:01:00Z","values":{"memory":50,"disk":60}}
`
	inputs, err := readJSONLines(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, 12.5, inputs[0].Values[types.MetricCPU.Index()])
	assert.True(t, inputs[1].Present[types.MetricDisk.Index()])
	assert.False(t, inputs[1].Present[types.MetricCPU.Index()])

	_, err = readJSONLines(strings.NewReader(`{"server_id":"db-1","metric":"cpu","value":1}`))
	assert.Error(t, err, "timestamp is required")

	_, err = readJSONLines(strings.NewReader(`{"server_id":"db-1",`))
	assert.Error(t, err)
}

func TestReadReplayFile_Format(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, _, err := readReplayFile(path, "")
	assert.Error(t, err)
	_, _, err = readReplayFile(path, "xml")
	assert.Error(t, err)
	_, _, err = readReplayFile(filepath.Join(dir, "missing.csv"), "")
	assert.Error(t, err)
}

func replayConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Audit.Enabled = false
	cfg.Engine.EnableIsolationForest = false
	cfg.Engine.EnableAdaptive = false
	return cfg
}

// writeSpikeCSV writes a flat memory series for web-1 with one outlier and a
// rising cpu series for web-2 that stays inside two sigma.
func writeSpikeCSV(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,server_id,cpu,memory\n")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		mem := 60.0
		if i == 29 {
			mem = 99
		}
		cpu := 40 + i
		if i == 0 {
			// Wide first point keeps the short early windows from flagging the ramp.
			cpu = 70
		}
		fmt.Fprintf(&b, "%s,web-1,,%g\n", ts, mem)
		fmt.Fprintf(&b, "%s,web-2,%d,\n", ts, cpu)
	}
	path := filepath.Join(t.TempDir(), "samples.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestRunReplay(t *testing.T) {
	path := writeSpikeCSV(t)
	var out bytes.Buffer
	err := runReplay(context.Background(), replayConfig(), zap.NewNop(), path,
		replayOptions{top: 5, forecast: true}, &out)
	require.NoError(t, err)

	report := out.String()
	assert.Contains(t, report, "samples:   60")
	assert.Contains(t, report, "across 2 servers")
	assert.Contains(t, report, "anomalies: 1")
	assert.Contains(t, report, "web-1")
	assert.Contains(t, report, "SERVER") // forecast table
	assert.Contains(t, report, "increasing")
}

func TestRunReplay_SQLiteStorage(t *testing.T) {
	path := writeSpikeCSV(t)
	cfg := replayConfig()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "data", "sentinel.db")

	var out bytes.Buffer
	require.NoError(t, runReplay(context.Background(), cfg, zap.NewNop(), path, replayOptions{}, &out))
	assert.Contains(t, out.String(), "anomalies: 1")

	// A second replay warms up from the stored history.
	out.Reset()
	require.NoError(t, runReplay(context.Background(), cfg, zap.NewNop(), path, replayOptions{warmup: true}, &out))
	assert.FileExists(t, cfg.Storage.SQLitePath)
}

func TestOverridesApply(t *testing.T) {
	cfg := config.DefaultConfig()
	overrides{port: 9999, grpcPort: 0, storage: "memory", logLevel: "debug"}.apply(cfg)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Server.GRPCPort)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cfg = config.DefaultConfig()
	grpcPort := cfg.Server.GRPCPort
	overrides{grpcPort: -1}.apply(cfg)
	assert.Equal(t, grpcPort, cfg.Server.GRPCPort, "negative grpc port keeps config")
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	_, _, err := loadConfig(context.Background(), filepath.Join(t.TempDir(), "none.yaml"), overrides{grpcPort: -1, storage: "mongo"})
	assert.Error(t, err)
}
