// Package tracker records the lifecycle and resource consumption of
// externally visible operations, one per tool invocation: timestamps, nested
// API-call sub-records, periodic CPU/memory samples, rollup statistics, and
// process-wide aggregates. Bookkeeping is bounded: at most MaxOperations
// records are retained (least-recently-touched evicted first) and at most
// 100 samples are kept per operation.
//
// No method on Tracker ever panics or surfaces an error for malformed
// input; instrumentation must never break the operation it observes.
package tracker

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith/log"
)

const maxSamplesPerOperation = 100

// SortKey selects the ranking metric for TopOperations.
type SortKey string

const (
	SortByDuration SortKey = "duration"
	SortByMemory   SortKey = "memory"
	SortByCPU      SortKey = "cpu"
)

// Threshold names recorded in ThresholdsExceeded.
const (
	thresholdCPU           = "cpu"
	thresholdMemory        = "memory"
	thresholdResponseTime  = "response_time"
	thresholdOperationTime = "operation_time"
)

// Thresholds are soft limits; exceeding one is recorded on the operation's
// summary without failing the operation.
type Thresholds struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryBytes   uint64        `json:"memory_bytes"`
	ResponseTime  time.Duration `json:"response_time"`
	OperationTime time.Duration `json:"operation_time"`
}

// Config holds tracker limits and persistence settings.
type Config struct {
	MaxOperations    int
	SamplingInterval time.Duration
	// SaveInterval controls the best-effort snapshot of aggregates and
	// per-operation summaries. Zero disables periodic saving.
	SaveInterval time.Duration
	SnapshotPath string
	Thresholds   Thresholds
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxOperations:    100,
		SamplingInterval: 5 * time.Second,
		SaveInterval:     time.Minute,
		Thresholds: Thresholds{
			CPUPercent:    80,
			MemoryBytes:   512 * 1024 * 1024,
			ResponseTime:  10 * time.Second,
			OperationTime: 5 * time.Minute,
		},
	}
}

// Sample is one point-in-time resource measurement.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	MemoryBytes uint64    `json:"memory_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
}

// APICall is a nested sub-record covering one call to the remote CMS API.
type APICall struct {
	ID         string         `json:"id"`
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Summary is the rollup computed when an operation stops.
type Summary struct {
	Duration           time.Duration `json:"duration"`
	Success            bool          `json:"success"`
	Result             string        `json:"result,omitempty"`
	MemoryDeltaBytes   int64         `json:"memory_delta_bytes"`
	PeakMemoryBytes    uint64        `json:"peak_memory_bytes"`
	AvgMemoryBytes     float64       `json:"avg_memory_bytes"`
	PeakCPUPercent     float64       `json:"peak_cpu_percent"`
	AvgCPUPercent      float64       `json:"avg_cpu_percent"`
	APICallCount       int           `json:"api_call_count"`
	APISuccesses       int           `json:"api_successes"`
	APIFailures        int           `json:"api_failures"`
	AvgCallDuration    time.Duration `json:"avg_call_duration"`
	ThresholdsExceeded []string      `json:"thresholds_exceeded,omitempty"`
}

// OperationRecord is the externally visible view of a tracked operation.
type OperationRecord struct {
	ID                 string         `json:"id"`
	ToolName           string         `json:"tool_name"`
	UserID             string         `json:"user_id,omitempty"`
	Params             map[string]any `json:"params,omitempty"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            *time.Time     `json:"end_time,omitempty"`
	Samples            []Sample       `json:"samples,omitempty"`
	APICalls           []APICall      `json:"api_calls,omitempty"`
	Summary            *Summary       `json:"summary,omitempty"`
	ThresholdsExceeded []string       `json:"thresholds_exceeded,omitempty"`
}

// operation is the internal mutable record. Access is guarded by Tracker.mu.
type operation struct {
	id       string
	toolName string
	userID   string
	params   map[string]any

	startTime time.Time
	endTime   *time.Time
	samples   []Sample
	apiCalls  []*APICall
	summary   *Summary

	lastTouched time.Time

	initialMemory uint64
	lastCPUTime   time.Duration
	lastCPUAt     time.Time

	stopSampling chan struct{}
}

// Aggregate holds process-wide counters folded from completed operations.
// Averages use a weighted incremental mean so they stay numerically stable
// over long uptimes.
type Aggregate struct {
	TotalOperations     int64            `json:"total_operations"`
	Succeeded           int64            `json:"succeeded"`
	Failed              int64            `json:"failed"`
	TotalAPICalls       int64            `json:"total_api_calls"`
	AvgDurationMS       float64          `json:"avg_duration_ms"`
	AvgCPUPercent       float64          `json:"avg_cpu_percent"`
	AvgMemoryDeltaBytes float64          `json:"avg_memory_delta_bytes"`
	OperationsByTool    map[string]int64 `json:"operations_by_tool"`
	ThresholdViolations map[string]int64 `json:"threshold_violations"`
}

// ProcessStats is the process-wide snapshot returned by GetStats.
type ProcessStats struct {
	Uptime            time.Duration `json:"uptime"`
	Goroutines        int           `json:"goroutines"`
	HeapAllocBytes    uint64        `json:"heap_alloc_bytes"`
	SysBytes          uint64        `json:"sys_bytes"`
	NumGC             uint32        `json:"num_gc"`
	LoadAverages      [3]float64    `json:"load_averages"`
	TrackedOperations int           `json:"tracked_operations"`
	ActiveOperations  int           `json:"active_operations"`
	Aggregate         Aggregate     `json:"aggregate"`
}

// Tracker records operation lifecycles with bounded memory.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	ops map[string]*operation
	agg Aggregate

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// New creates a tracker and starts its periodic snapshot writer. If a
// snapshot from a previous run exists at SnapshotPath, its aggregate
// counters are restored best effort.
func New(cfg Config) *Tracker {
	if cfg.MaxOperations <= 0 {
		cfg.MaxOperations = DefaultConfig().MaxOperations
	}
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = DefaultConfig().SamplingInterval
	}

	t := &Tracker{
		cfg:       cfg,
		ops:       make(map[string]*operation),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	t.agg.OperationsByTool = make(map[string]int64)
	t.agg.ThresholdViolations = make(map[string]int64)

	if cfg.SnapshotPath != "" {
		t.loadSnapshot()
	}
	if cfg.SaveInterval > 0 && cfg.SnapshotPath != "" {
		t.wg.Add(1)
		go t.saveLoop()
	}

	return t
}

// StartTracking begins tracking an operation and returns its id, generating
// one when id is empty. If the tracker is at capacity the least-recently-
// touched operation is evicted first, regardless of completion state.
// Parameters are stored redacted.
func (t *Tracker) StartTracking(id, toolName string, params map[string]any, userID string) string {
	if id == "" {
		id = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return id
	}

	if existing, ok := t.ops[id]; ok {
		// Restarting an id replaces the previous record.
		t.stopSamplerLocked(existing)
		delete(t.ops, id)
	}
	for len(t.ops) >= t.cfg.MaxOperations {
		t.evictOldestLocked()
	}

	now := time.Now()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	op := &operation{
		id:            id,
		toolName:      toolName,
		userID:        userID,
		params:        redactParams(params),
		startTime:     now,
		lastTouched:   now,
		initialMemory: mem.Alloc,
		lastCPUTime:   processCPUTime(),
		lastCPUAt:     now,
		stopSampling:  make(chan struct{}),
	}
	t.ops[id] = op

	t.wg.Add(1)
	go t.sampleLoop(op, op.stopSampling)

	log.DebugLog.Printf("tracker: started operation %s (%s)", id, toolName)
	return id
}

// TrackAPICall appends an API-call sub-record to an operation and returns
// the call id, or "" when the operation is unknown.
func (t *Tracker) TrackAPICall(opID, endpoint, method string, params map[string]any) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[opID]
	if !ok {
		return ""
	}

	call := &APICall{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Method:    method,
		Params:    redactParams(params),
		StartTime: time.Now(),
	}
	op.apiCalls = append(op.apiCalls, call)
	op.lastTouched = call.StartTime
	return call.ID
}

// CompleteAPICall finalizes a previously tracked API call. Unknown operation
// or call ids are no-ops.
func (t *Tracker) CompleteAPICall(opID, callID string, success bool, statusCode int, callErr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[opID]
	if !ok {
		return
	}
	for _, call := range op.apiCalls {
		if call.ID != callID {
			continue
		}
		now := time.Now()
		call.EndTime = &now
		call.Success = &success
		call.StatusCode = statusCode
		call.Error = callErr
		op.lastTouched = now
		return
	}
}

// StopTracking finalizes an operation: sampling stops, the summary is
// computed, thresholds are checked, and the result is folded into the
// process-wide aggregate. Returns nil for an unknown id.
func (t *Tracker) StopTracking(id string, success bool, result any) *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return nil
	}
	if op.summary != nil {
		return op.summary
	}

	t.stopSamplerLocked(op)

	now := time.Now()
	op.endTime = &now
	op.lastTouched = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	summary := &Summary{
		Duration:         now.Sub(op.startTime),
		Success:          success,
		Result:           describeResult(result),
		MemoryDeltaBytes: int64(mem.Alloc) - int64(op.initialMemory),
	}

	for _, s := range op.samples {
		if s.MemoryBytes > summary.PeakMemoryBytes {
			summary.PeakMemoryBytes = s.MemoryBytes
		}
		if s.CPUPercent > summary.PeakCPUPercent {
			summary.PeakCPUPercent = s.CPUPercent
		}
	}
	if n := len(op.samples); n > 0 {
		var memSum, cpuSum float64
		for _, s := range op.samples {
			memSum += float64(s.MemoryBytes)
			cpuSum += s.CPUPercent
		}
		summary.AvgMemoryBytes = memSum / float64(n)
		summary.AvgCPUPercent = cpuSum / float64(n)
	}

	var callDurSum time.Duration
	completedCalls := 0
	for _, call := range op.apiCalls {
		summary.APICallCount++
		if call.Success != nil {
			if *call.Success {
				summary.APISuccesses++
			} else {
				summary.APIFailures++
			}
		}
		if call.EndTime != nil {
			d := call.EndTime.Sub(call.StartTime)
			callDurSum += d
			completedCalls++
			if t.cfg.Thresholds.ResponseTime > 0 && d > t.cfg.Thresholds.ResponseTime {
				summary.ThresholdsExceeded = appendUnique(summary.ThresholdsExceeded, thresholdResponseTime)
			}
		}
	}
	if completedCalls > 0 {
		summary.AvgCallDuration = callDurSum / time.Duration(completedCalls)
	}

	thr := t.cfg.Thresholds
	if thr.CPUPercent > 0 && summary.PeakCPUPercent > thr.CPUPercent {
		summary.ThresholdsExceeded = appendUnique(summary.ThresholdsExceeded, thresholdCPU)
	}
	if thr.MemoryBytes > 0 && summary.PeakMemoryBytes > thr.MemoryBytes {
		summary.ThresholdsExceeded = appendUnique(summary.ThresholdsExceeded, thresholdMemory)
	}
	if thr.OperationTime > 0 && summary.Duration > thr.OperationTime {
		summary.ThresholdsExceeded = appendUnique(summary.ThresholdsExceeded, thresholdOperationTime)
	}

	op.summary = summary
	t.foldAggregateLocked(op)

	log.DebugLog.Printf("tracker: stopped operation %s after %v", id, summary.Duration)
	return summary
}

// foldAggregateLocked folds a completed operation's summary into the
// process-wide counters. The caller must hold t.mu.
func (t *Tracker) foldAggregateLocked(op *operation) {
	s := op.summary

	t.agg.TotalOperations++
	if s.Success {
		t.agg.Succeeded++
	} else {
		t.agg.Failed++
	}
	t.agg.TotalAPICalls += int64(s.APICallCount)
	t.agg.OperationsByTool[op.toolName]++
	for _, name := range s.ThresholdsExceeded {
		t.agg.ThresholdViolations[name]++
	}

	n := float64(t.agg.TotalOperations)
	t.agg.AvgDurationMS += (float64(s.Duration.Milliseconds()) - t.agg.AvgDurationMS) / n
	t.agg.AvgCPUPercent += (s.AvgCPUPercent - t.agg.AvgCPUPercent) / n
	t.agg.AvgMemoryDeltaBytes += (float64(s.MemoryDeltaBytes) - t.agg.AvgMemoryDeltaBytes) / n
}

// GetOperation returns a copy of one tracked operation, or nil when the id
// is unknown (including evicted operations). When detailed is false the
// samples and call sub-records are omitted.
func (t *Tracker) GetOperation(id string, detailed bool) *OperationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return nil
	}
	return op.record(detailed)
}

func (op *operation) record(detailed bool) *OperationRecord {
	rec := &OperationRecord{
		ID:        op.id,
		ToolName:  op.toolName,
		UserID:    op.userID,
		Params:    maps.Clone(op.params),
		StartTime: op.startTime,
		EndTime:   op.endTime,
		Summary:   op.summary,
	}
	if op.summary != nil {
		rec.ThresholdsExceeded = op.summary.ThresholdsExceeded
	}
	if detailed {
		rec.Samples = append([]Sample(nil), op.samples...)
		for _, call := range op.apiCalls {
			rec.APICalls = append(rec.APICalls, *call)
		}
	}
	return rec
}

// GetStats returns the process-wide snapshot: live runtime and OS metrics
// merged with the aggregate counters.
func (t *Tracker) GetStats() ProcessStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	t.mu.Lock()
	defer t.mu.Unlock()

	active := 0
	for _, op := range t.ops {
		if op.endTime == nil {
			active++
		}
	}

	return ProcessStats{
		Uptime:            time.Since(t.startedAt),
		Goroutines:        runtime.NumGoroutine(),
		HeapAllocBytes:    mem.Alloc,
		SysBytes:          mem.Sys,
		NumGC:             mem.NumGC,
		LoadAverages:      loadAverages(),
		TrackedOperations: len(t.ops),
		ActiveOperations:  active,
		Aggregate:         t.aggregateCopyLocked(),
	}
}

func (t *Tracker) aggregateCopyLocked() Aggregate {
	agg := t.agg
	agg.OperationsByTool = make(map[string]int64, len(t.agg.OperationsByTool))
	for k, v := range t.agg.OperationsByTool {
		agg.OperationsByTool[k] = v
	}
	agg.ThresholdViolations = make(map[string]int64, len(t.agg.ThresholdViolations))
	for k, v := range t.agg.ThresholdViolations {
		agg.ThresholdViolations[k] = v
	}
	return agg
}

// TopOperations returns the limit highest-ranked completed operations by the
// chosen metric.
func (t *Tracker) TopOperations(limit int, sortBy SortKey) []*OperationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var completed []*operation
	for _, op := range t.ops {
		if op.summary != nil {
			completed = append(completed, op)
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		a, b := completed[i].summary, completed[j].summary
		switch sortBy {
		case SortByMemory:
			return a.PeakMemoryBytes > b.PeakMemoryBytes
		case SortByCPU:
			return a.PeakCPUPercent > b.PeakCPUPercent
		default:
			return a.Duration > b.Duration
		}
	})

	if limit > 0 && limit < len(completed) {
		completed = completed[:limit]
	}
	out := make([]*OperationRecord, 0, len(completed))
	for _, op := range completed {
		out = append(out, op.record(false))
	}
	return out
}

// sampleLoop appends one resource sample per interval for the lifetime of an
// operation, keeping only the most recent 100 samples.
func (t *Tracker) sampleLoop(op *operation, stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sample(op)
		case <-stop:
			return
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) sample(op *operation) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	cpuTime := processCPUTime()
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	// A tick can race with finalization; samples stop at StopTracking.
	if op.endTime != nil {
		return
	}

	cpuPercent := 0.0
	if wall := now.Sub(op.lastCPUAt); wall > 0 && cpuTime >= op.lastCPUTime {
		cpuPercent = float64(cpuTime-op.lastCPUTime) / float64(wall) * 100
	}
	op.lastCPUTime = cpuTime
	op.lastCPUAt = now

	op.samples = append(op.samples, Sample{
		Timestamp:   now,
		MemoryBytes: mem.Alloc,
		CPUPercent:  cpuPercent,
	})
	if len(op.samples) > maxSamplesPerOperation {
		op.samples = op.samples[len(op.samples)-maxSamplesPerOperation:]
	}
	op.lastTouched = now
}

// evictOldestLocked removes the operation with the oldest lastTouched,
// cancelling its sampler if still running. The caller must hold t.mu.
func (t *Tracker) evictOldestLocked() {
	var oldest *operation
	for _, op := range t.ops {
		if oldest == nil || op.lastTouched.Before(oldest.lastTouched) {
			oldest = op
		}
	}
	if oldest == nil {
		return
	}
	t.stopSamplerLocked(oldest)
	delete(t.ops, oldest.id)
	log.DebugLog.Printf("tracker: evicted operation %s", oldest.id)
}

func (t *Tracker) stopSamplerLocked(op *operation) {
	if op.stopSampling != nil {
		close(op.stopSampling)
		op.stopSampling = nil
	}
}

func (t *Tracker) saveLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.saveSnapshot()
		case <-t.stopCh:
			return
		}
	}
}

// snapshot is the best-effort persisted state: aggregate counters plus
// per-operation summaries. It is not crash safe.
type snapshot struct {
	SavedAt    time.Time          `json:"saved_at"`
	Aggregate  Aggregate          `json:"aggregate"`
	Operations []*OperationRecord `json:"operations"`
}

func (t *Tracker) saveSnapshot() {
	t.mu.Lock()
	snap := snapshot{
		SavedAt:   time.Now(),
		Aggregate: t.aggregateCopyLocked(),
	}
	for _, op := range t.ops {
		snap.Operations = append(snap.Operations, op.record(false))
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.ErrorLog.Printf("tracker: failed to marshal snapshot: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.SnapshotPath), 0755); err != nil {
		log.WarningLog.Printf("tracker: failed to create snapshot directory: %v", err)
		return
	}
	if err := os.WriteFile(t.cfg.SnapshotPath, data, 0644); err != nil {
		log.WarningLog.Printf("tracker: failed to write snapshot: %v", err)
	}
}

func (t *Tracker) loadSnapshot() {
	data, err := os.ReadFile(t.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WarningLog.Printf("tracker: failed to read snapshot: %v", err)
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.WarningLog.Printf("tracker: failed to parse snapshot: %v", err)
		return
	}
	t.agg = snap.Aggregate
	if t.agg.OperationsByTool == nil {
		t.agg.OperationsByTool = make(map[string]int64)
	}
	if t.agg.ThresholdViolations == nil {
		t.agg.ThresholdViolations = make(map[string]int64)
	}
}

// Shutdown cancels all samplers and the snapshot writer, then flushes a
// final snapshot. The tracker accepts no new operations afterwards.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, op := range t.ops {
		t.stopSamplerLocked(op)
	}
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()

	if t.cfg.SnapshotPath != "" {
		t.saveSnapshot()
	}
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}

// describeResult reduces an operation result to a short loggable string;
// result payloads are never stored whole.
func describeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		if len(v) > 120 {
			return v[:120] + "..."
		}
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%T", v)
	}
}
