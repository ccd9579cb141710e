package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/tickertrail/internal/config"
	"github.com/Sternrassler/tickertrail/internal/testutil"
	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/record"
	"github.com/Sternrassler/tickertrail/pkg/tracker"
)

var today = time.Now().UTC().Truncate(24 * time.Hour)

func daysAgo(n int) time.Time { return today.AddDate(0, 0, -n) }

func seedUpstream(m *testutil.MockUpstream) {
	m.SetPosts("alice", []testutil.Post{
		{ID: "1", CreatedAt: daysAgo(30).Add(12 * time.Hour), Text: "going long $AAPL"},
		{ID: "2", CreatedAt: daysAgo(10).Add(12 * time.Hour), Text: "time to short $TSLA"},
		{ID: "3", CreatedAt: daysAgo(1).Add(12 * time.Hour), Text: "just chatting"},
	})
	m.SetPrices("AAPL", []testutil.Price{
		{Date: daysAgo(30), Price: 100},
		{Date: daysAgo(1), Price: 110},
	})
	m.SetPrices("TSLA", []testutil.Price{
		{Date: daysAgo(10), Price: 200},
		{Date: daysAgo(1), Price: 180},
	})
}

// writeConfig points every upstream at url and keeps the rest of the
// defaults. An empty dbPath selects the memory store.
func writeConfig(t *testing.T, url, dbPath string) string {
	t.Helper()
	driver := "memory"
	if dbPath != "" {
		driver = "sqlite"
	}
	content := fmt.Sprintf(`
server:
  address: "127.0.0.1:0"
  shutdown_timeout: 5s
log:
  level: error
store:
  driver: %s
  path: %q
posts:
  base_url: %s
classifier:
  base_url: %s
prices:
  base_url: %s
backfill:
  page_size: 2
  inter_page_delay: 0s
enrich:
  workers: 2
`, driver, dbPath, url, url, url)

	path := filepath.Join(t.TempDir(), "tickertrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestLookupCommand(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	seedUpstream(upstream)

	cfgPath := writeConfig(t, upstream.URL(), "")
	out, err := execute(t, context.Background(), "--config", cfgPath, "lookup", "@Alice", "--wait", "--timeout", "10s")
	require.NoError(t, err)

	var res tracker.LookupResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "alice", res.Subject)
	require.Equal(t, 3, res.Fetched)
	require.NotNil(t, res.Backfill)
	require.Equal(t, backfill.StatusComplete, res.Backfill.Status)
	require.Len(t, res.Records, 3)
	for _, r := range res.Records {
		require.Equal(t, record.StateEnriched, r.State, r.NaturalKey)
	}
}

func TestStatsCommandReadsPersistedRecords(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	seedUpstream(upstream)

	cfgPath := writeConfig(t, upstream.URL(), filepath.Join(t.TempDir(), "tickertrail.db"))
	ctx := context.Background()

	_, err := execute(t, ctx, "--config", cfgPath, "backfill", "alice", "--timeout", "10s")
	require.NoError(t, err)

	out, err := execute(t, ctx, "--config", cfgPath, "stats", "alice", "--timeout", "10s")
	require.NoError(t, err)

	var stats statsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats.Identifiers, 2)
	for _, s := range stats.Identifiers {
		require.False(t, s.Loading, s.Identifier)
		require.NotNil(t, s.ReturnCurrent, s.Identifier)
	}
	require.Equal(t, 1, stats.Summary.Long.Right)
	require.Equal(t, 1, stats.Summary.Short.Right)
}

func TestRetryCommandWithoutFailures(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()

	cfgPath := writeConfig(t, upstream.URL(), "")
	out, err := execute(t, context.Background(), "--config", cfgPath, "retry", "alice")
	require.NoError(t, err)
	require.Contains(t, out, `"failed": 0`)
}

func TestServeCommandStopsOnCancel(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()

	cfgPath := writeConfig(t, upstream.URL(), "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "--config", cfgPath, "serve")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestCommandErrors(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	cfgPath := writeConfig(t, upstream.URL(), "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing config file", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "lookup", "alice"}, "nope.yaml"},
		{"invalid subject", []string{"--config", cfgPath, "lookup", "not a subject"}, "subject"},
		{"missing argument", []string{"--config", cfgPath, "backfill"}, "arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, context.Background(), tt.args...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBuildFailsWithoutRedis(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = build(ctx, cfg)
	require.ErrorContains(t, err, "connect to redis")
}
