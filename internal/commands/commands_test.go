package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxflow/internal/charts"
	"fxflow/internal/report"
)

// stubRates is the quarterly fixture served by the stub API, keyed by the
// Treasury country_currency_desc value.
var stubRates = map[string][][2]string{
	"Euro Zone-Euro": {
		{"2023-03-31", "0.921"},
		{"2023-06-30", "0.916"},
		{"2023-09-29", "0.945"},
		{"2023-12-29", "0.906"},
		{"2024-03-29", "0.925"},
		{"2024-06-28", "0.934"},
	},
	"United Kingdom-Pound": {
		{"2023-03-31", "0.809"},
		{"2023-06-30", "0.787"},
		{"2023-09-29", "0.819"},
		{"2023-12-29", "0.785"},
		{"2024-03-29", "0.792"},
		{"2024-06-28", "0.791"},
	},
}

type treasuryStub struct {
	*httptest.Server
	hits atomic.Int64
}

func newTreasuryStub(t *testing.T) *treasuryStub {
	t.Helper()

	stub := &treasuryStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)

		filter := r.URL.Query().Get("filter")
		name, _, _ := strings.Cut(strings.TrimPrefix(filter, "country_currency_desc:eq:"), ",record_date")

		rows := make([]map[string]string, 0, 8)
		for _, obs := range stubRates[name] {
			rows = append(rows, map[string]string{
				"country_currency_desc": name,
				"record_date":           obs[0],
				"exchange_rate":         obs[1],
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":  rows,
			"meta":  map[string]int{"count": len(rows), "total-count": len(rows), "total-pages": 1},
			"links": map[string]string{"self": r.URL.String(), "next": ""},
		})
	}))
	t.Cleanup(stub.Close)
	return stub
}

type workDirs struct {
	config string
	cache  string
	output string
	charts string
}

// writeCommandConfig lays out a config file plus cache and output dirs under
// one temp root, pointing the API at the stub server.
func writeCommandConfig(t *testing.T, baseURL string, maxAttempts int, dashboardEnabled bool) workDirs {
	t.Helper()

	root := t.TempDir()
	d := workDirs{
		config: filepath.Join(root, "config.yml"),
		cache:  filepath.Join(root, "cache"),
		output: filepath.Join(root, "outputs"),
		charts: filepath.Join(root, "outputs", "charts"),
	}

	content := fmt.Sprintf(`api:
  base_url: "%s"
  timeout: 5s
  retry:
    max_attempts: %d
    base_delay: 10ms
    max_delay: 50ms
    backoff_multiplier: 2.0
  rate_limit:
    requests_per_second: 100
    burst_size: 10
window:
  start_date: "2023-01-01"
  end_date: "2024-06-30"
currencies:
  - code: EUR
    name: "Euro Zone-Euro"
  - code: GBP
    name: "United Kingdom-Pound"
cache:
  dir: "%s"
  max_age: 1h
output:
  dir: "%s"
  charts_dir: "%s"
logging:
  level: error
dashboard:
  enabled: %t
  address: "127.0.0.1:0"
`, baseURL, maxAttempts, d.cache, d.output, d.charts, dashboardEnabled)

	require.NoError(t, os.WriteFile(d.config, []byte(content), 0o644))
	return d
}

func executeCommand(ctx context.Context, args ...string) error {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestRunCommandProducesArtifacts(t *testing.T) {
	stub := newTreasuryStub(t)
	dirs := writeCommandConfig(t, stub.URL, 2, false)

	require.NoError(t, executeCommand(context.Background(), "run", "--config", dirs.config, "--log-level", "error"))

	for _, name := range []string{report.SummaryFile, report.CSVFile, report.ParquetFile} {
		assert.FileExists(t, filepath.Join(dirs.output, name))
	}
	for _, name := range charts.Names() {
		assert.FileExists(t, filepath.Join(dirs.charts, name+".html"))
	}

	data, err := os.ReadFile(filepath.Join(dirs.output, report.SummaryFile))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotEmpty(t, doc["run_id"])

	stats, ok := doc["summary_stats"].(map[string]any)
	require.True(t, ok, "summary_stats missing in %v", doc)
	assert.Contains(t, stats, "EUR")
	assert.Contains(t, stats, "GBP")
}

func TestRunCommandReusesFreshCache(t *testing.T) {
	stub := newTreasuryStub(t)
	dirs := writeCommandConfig(t, stub.URL, 2, false)

	require.NoError(t, executeCommand(context.Background(), "run", "--config", dirs.config))
	seen := stub.hits.Load()
	require.Greater(t, seen, int64(0))

	require.NoError(t, executeCommand(context.Background(), "run", "--config", dirs.config))
	assert.Equal(t, seen, stub.hits.Load(), "second run should be served from the cache")
}

func TestRunCommandFailsFastOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := "window:\n  start_date: \"2025-01-01\"\n  end_date: \"2020-01-01\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := executeCommand(context.Background(), "run", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window.start_date")
}

func TestServeRequiresEnabledDashboard(t *testing.T) {
	stub := newTreasuryStub(t)
	dirs := writeCommandConfig(t, stub.URL, 2, false)

	err := executeCommand(context.Background(), "serve", "--config", dirs.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dashboard is disabled")
}

func TestServeStrictFailsWhenUpstreamDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	dirs := writeCommandConfig(t, down.URL, 1, true)

	err := executeCommand(context.Background(), "serve", "--config", dirs.config, "--strict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial pipeline run")
}

func TestServeStartsAndStopsCleanly(t *testing.T) {
	stub := newTreasuryStub(t)
	dirs := writeCommandConfig(t, stub.URL, 2, true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, executeCommand(ctx, "serve", "--config", dirs.config))
}

func TestVersionCommand(t *testing.T) {
	var out strings.Builder
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "fxflow dev (commit: none, built: unknown)")
}
