package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, mutate func(*Config)) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	// Long enough that samplers never fire unless a test opts in.
	cfg.SamplingInterval = time.Hour
	cfg.SaveInterval = 0
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "operations.json")
	if mutate != nil {
		mutate(&cfg)
	}
	tr := New(cfg)
	t.Cleanup(tr.Shutdown)
	return tr
}

func TestStartTrackingGeneratesID(t *testing.T) {
	tr := newTestTracker(t, nil)

	id := tr.StartTracking("", "createPage", nil, "editor-1")
	assert.NotEmpty(t, id)

	rec := tr.GetOperation(id, false)
	require.NotNil(t, rec)
	assert.Equal(t, "createPage", rec.ToolName)
	assert.Equal(t, "editor-1", rec.UserID)
	assert.Nil(t, rec.EndTime)
}

func TestBoundedRetention(t *testing.T) {
	tr := newTestTracker(t, func(cfg *Config) {
		cfg.MaxOperations = 2
	})

	op1 := tr.StartTracking("op-1", "createPage", nil, "u")
	time.Sleep(2 * time.Millisecond)
	op2 := tr.StartTracking("op-2", "updatePage", nil, "u")
	time.Sleep(2 * time.Millisecond)

	// Touch op-1 so op-2 becomes the least recently touched.
	tr.TrackAPICall(op1, "/pages", "POST", nil)

	op3 := tr.StartTracking("op-3", "deletePage", nil, "u")

	assert.NotNil(t, tr.GetOperation(op1, false))
	assert.Nil(t, tr.GetOperation(op2, false), "least-recently-touched operation should be evicted")
	assert.NotNil(t, tr.GetOperation(op3, false))
}

func TestEvictionIgnoresCompletionState(t *testing.T) {
	tr := newTestTracker(t, func(cfg *Config) {
		cfg.MaxOperations = 2
	})

	op1 := tr.StartTracking("op-1", "createPage", nil, "u")
	time.Sleep(2 * time.Millisecond)
	op2 := tr.StartTracking("op-2", "updatePage", nil, "u")
	time.Sleep(2 * time.Millisecond)

	// Completing op-2 touches it; the still-running op-1 is older and gets
	// evicted anyway.
	tr.StopTracking(op2, true, nil)
	tr.StartTracking("op-3", "deletePage", nil, "u")

	assert.Nil(t, tr.GetOperation(op1, false))
	assert.NotNil(t, tr.GetOperation(op2, false))
}

func TestRedaction(t *testing.T) {
	tr := newTestTracker(t, nil)

	id := tr.StartTracking("", "login", map[string]any{
		"password": "hunter2",
		"username": "admin",
		"nested": map[string]any{
			"token": "abc123",
			"page":  "home",
		},
		"items": []any{
			map[string]any{"api_key": "xyz", "title": "About"},
		},
	}, "u")

	rec := tr.GetOperation(id, false)
	require.NotNil(t, rec)

	assert.Equal(t, Redacted, rec.Params["password"])
	assert.Equal(t, "admin", rec.Params["username"])

	nested := rec.Params["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["token"])
	assert.Equal(t, "home", nested["page"])

	item := rec.Params["items"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["api_key"])
	assert.Equal(t, "About", item["title"])
}

func TestRecordParamsAreACopy(t *testing.T) {
	tr := newTestTracker(t, nil)

	id := tr.StartTracking("", "publish", map[string]any{"page": "home"}, "u")

	rec := tr.GetOperation(id, false)
	require.NotNil(t, rec)
	rec.Params["page"] = "mutated"

	again := tr.GetOperation(id, false)
	require.NotNil(t, again)
	assert.Equal(t, "home", again.Params["page"])
}

func TestAPICallLifecycle(t *testing.T) {
	tr := newTestTracker(t, nil)

	id := tr.StartTracking("", "publishPage", nil, "u")

	callOK := tr.TrackAPICall(id, "/pages/1/publish", "POST", nil)
	require.NotEmpty(t, callOK)
	time.Sleep(5 * time.Millisecond)
	tr.CompleteAPICall(id, callOK, true, 200, "")

	callFail := tr.TrackAPICall(id, "/assets", "PUT", nil)
	tr.CompleteAPICall(id, callFail, false, 502, "bad gateway")

	summary := tr.StopTracking(id, true, "published")
	require.NotNil(t, summary)

	assert.Equal(t, 2, summary.APICallCount)
	assert.Equal(t, 1, summary.APISuccesses)
	assert.Equal(t, 1, summary.APIFailures)
	assert.Greater(t, summary.AvgCallDuration, time.Duration(0))
	assert.True(t, summary.Success)
	assert.Equal(t, "published", summary.Result)

	rec := tr.GetOperation(id, true)
	require.NotNil(t, rec)
	require.Len(t, rec.APICalls, 2)
	assert.Equal(t, 200, rec.APICalls[0].StatusCode)
	assert.Equal(t, "bad gateway", rec.APICalls[1].Error)
}

func TestNoThrowOnMalformedInput(t *testing.T) {
	tr := newTestTracker(t, nil)

	assert.NotPanics(t, func() {
		assert.Empty(t, tr.TrackAPICall("missing", "/x", "GET", nil))
		tr.CompleteAPICall("missing", "also-missing", true, 200, "")
		assert.Nil(t, tr.StopTracking("missing", true, nil))
		assert.Nil(t, tr.GetOperation("missing", true))
		tr.CompleteAPICall(tr.StartTracking("", "t", nil, ""), "bogus-call", false, 0, "")
	})
}

func TestStopTwiceReturnsSameSummary(t *testing.T) {
	tr := newTestTracker(t, nil)

	id := tr.StartTracking("", "createPage", nil, "u")
	first := tr.StopTracking(id, true, nil)
	second := tr.StopTracking(id, false, nil)
	assert.Same(t, first, second)
}

func TestThresholdExceedancesRecorded(t *testing.T) {
	tr := newTestTracker(t, func(cfg *Config) {
		cfg.Thresholds.OperationTime = time.Nanosecond
		cfg.Thresholds.ResponseTime = time.Nanosecond
	})

	id := tr.StartTracking("", "slowSync", nil, "u")
	call := tr.TrackAPICall(id, "/export", "GET", nil)
	time.Sleep(2 * time.Millisecond)
	tr.CompleteAPICall(id, call, true, 200, "")

	summary := tr.StopTracking(id, true, nil)
	require.NotNil(t, summary)

	assert.Contains(t, summary.ThresholdsExceeded, "operation_time")
	assert.Contains(t, summary.ThresholdsExceeded, "response_time")
	assert.True(t, summary.Success, "exceeding a threshold must not fail the operation")

	stats := tr.GetStats()
	assert.Equal(t, int64(1), stats.Aggregate.ThresholdViolations["operation_time"])
}

func TestSamplingCollectsAndTrims(t *testing.T) {
	tr := newTestTracker(t, func(cfg *Config) {
		cfg.SamplingInterval = 10 * time.Millisecond
	})

	id := tr.StartTracking("", "longRunning", nil, "u")
	time.Sleep(50 * time.Millisecond)
	tr.StopTracking(id, true, nil)

	rec := tr.GetOperation(id, true)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.Samples)
	for _, s := range rec.Samples {
		assert.NotZero(t, s.MemoryBytes)
	}

	// Force far more samples than the cap and verify trimming.
	id2 := tr.StartTracking("trim-test", "longRunning", nil, "u")
	tr.mu.Lock()
	op := tr.ops[id2]
	tr.mu.Unlock()
	for i := 0; i < maxSamplesPerOperation+50; i++ {
		tr.sample(op)
	}
	tr.mu.Lock()
	n := len(op.samples)
	tr.mu.Unlock()
	assert.Equal(t, maxSamplesPerOperation, n)
}

func TestAggregateRollup(t *testing.T) {
	tr := newTestTracker(t, nil)

	for i := 0; i < 3; i++ {
		id := tr.StartTracking("", "batchUpdate", nil, "u")
		tr.StopTracking(id, i != 2, nil)
	}

	agg := tr.GetStats().Aggregate
	assert.Equal(t, int64(3), agg.TotalOperations)
	assert.Equal(t, int64(2), agg.Succeeded)
	assert.Equal(t, int64(1), agg.Failed)
	assert.Equal(t, int64(3), agg.OperationsByTool["batchUpdate"])
}

func TestTopOperations(t *testing.T) {
	tr := newTestTracker(t, nil)

	slow := tr.StartTracking("slow", "exportSite", nil, "u")
	mid := tr.StartTracking("mid", "syncAssets", nil, "u")
	fast := tr.StartTracking("fast", "ping", nil, "u")

	tr.StopTracking(fast, true, nil)
	time.Sleep(10 * time.Millisecond)
	tr.StopTracking(mid, true, nil)
	time.Sleep(10 * time.Millisecond)
	tr.StopTracking(slow, true, nil)

	top := tr.TopOperations(2, SortByDuration)
	require.Len(t, top, 2)
	assert.Equal(t, "slow", top[0].ID)
	assert.Equal(t, "mid", top[1].ID)
}

func TestSnapshotPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.json")

	cfg := DefaultConfig()
	cfg.SamplingInterval = 10 * time.Millisecond
	cfg.SaveInterval = 0
	cfg.SnapshotPath = path
	tr := New(cfg)

	id := tr.StartTracking("", "createPage", nil, "u")
	tr.StopTracking(id, true, nil)
	tr.Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, int64(1), snap.Aggregate.TotalOperations)
	assert.Len(t, snap.Operations, 1)

	// A new tracker at the same path restores the aggregate counters.
	tr2 := New(cfg)
	defer tr2.Shutdown()
	assert.Equal(t, int64(1), tr2.GetStats().Aggregate.TotalOperations)
}

func TestGetStatsRuntimeMetrics(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.StartTracking("", "createPage", nil, "u")
	stats := tr.GetStats()

	assert.GreaterOrEqual(t, stats.Uptime, time.Duration(0))
	assert.Greater(t, stats.Goroutines, 0)
	assert.NotZero(t, stats.HeapAllocBytes)
	assert.Equal(t, 1, stats.TrackedOperations)
	assert.Equal(t, 1, stats.ActiveOperations)
}
