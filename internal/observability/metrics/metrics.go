package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, job
// outcomes, pipeline stage timings and published output. Writers are
// coordinated by a RWMutex; the active job and queue gauges are atomic.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	responseBytes    map[string]uint64
	jobOutcomes      map[string]uint64
	jobDuration      map[string]time.Duration
	stageCount       map[string]uint64
	stageDuration    map[string]time.Duration
	publishedObjects uint64
	publishedBytes   uint64
	jobsStarted      atomic.Uint64
	activeJobs       atomic.Int64
	queueDepth       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		responseBytes:   make(map[string]uint64),
		jobOutcomes:     make(map[string]uint64),
		jobDuration:     make(map[string]time.Duration),
		stageCount:      make(map[string]uint64),
		stageDuration:   make(map[string]time.Duration),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveResponseBytes adds n body bytes to the normalized path's total.
func (r *Recorder) ObserveResponseBytes(path string, n int64) {
	if n <= 0 {
		return
	}
	normalized := normalizePath(path)
	r.mu.Lock()
	r.responseBytes[normalized] += uint64(n)
	r.mu.Unlock()
}

// JobStarted counts an accepted job and raises the active job gauge.
func (r *Recorder) JobStarted() {
	r.jobsStarted.Add(1)
	r.activeJobs.Add(1)
}

// JobFinished records a terminal outcome ("succeeded" or a failure category)
// and lowers the active job gauge without letting it go negative.
func (r *Recorder) JobFinished(outcome string, duration time.Duration) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.jobOutcomes[normalized]++
	r.jobDuration[normalized] += duration
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
}

// ObserveStage records how long one pipeline stage took.
func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	normalized := normalizeName(stage)
	r.mu.Lock()
	r.stageCount[normalized]++
	r.stageDuration[normalized] += duration
	r.mu.Unlock()
}

// ObservePublished adds a successfully published rendition set to the
// object and byte totals.
func (r *Recorder) ObservePublished(objects int, bytes int64) {
	if objects < 0 || bytes < 0 {
		return
	}
	r.mu.Lock()
	r.publishedObjects += uint64(objects)
	r.publishedBytes += uint64(bytes)
	r.mu.Unlock()
}

// SetQueueDepth reports how many jobs wait for a worker.
func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Store(int64(depth))
}

// ActiveJobs exposes the number of jobs currently running.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobOutcomes returns a copy of the terminal outcome counters.
func (r *Recorder) JobOutcomes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.jobOutcomes))
	for k, v := range r.jobOutcomes {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.responseBytes = make(map[string]uint64)
	r.jobOutcomes = make(map[string]uint64)
	r.jobDuration = make(map[string]time.Duration)
	r.stageCount = make(map[string]uint64)
	r.stageDuration = make(map[string]time.Duration)
	r.publishedObjects = 0
	r.publishedBytes = 0
	r.jobsStarted.Store(0)
	r.activeJobs.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	outcomes := sortedKeys(r.jobOutcomes)
	stages := sortedKeys(r.stageCount)

	fmt.Fprintln(w, "# HELP bitriver_vod_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_http_response_bytes_total Response body bytes written by path")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_response_bytes_total counter")
	for _, path := range sortedKeys(r.responseBytes) {
		fmt.Fprintf(w, "bitriver_vod_http_response_bytes_total{path=\"%s\"} %d\n", path, r.responseBytes[path])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_jobs_started_total Jobs accepted by the pipeline")
	fmt.Fprintln(w, "# TYPE bitriver_vod_jobs_started_total counter")
	fmt.Fprintf(w, "bitriver_vod_jobs_started_total %d\n", r.jobsStarted.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_jobs_finished_total Jobs that reached a terminal state by outcome")
	fmt.Fprintln(w, "# TYPE bitriver_vod_jobs_finished_total counter")
	for _, outcome := range outcomes {
		fmt.Fprintf(w, "bitriver_vod_jobs_finished_total{outcome=\"%s\"} %d\n", outcome, r.jobOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_job_duration_seconds_sum Cumulative job duration in seconds by outcome")
	fmt.Fprintln(w, "# TYPE bitriver_vod_job_duration_seconds_sum counter")
	for _, outcome := range outcomes {
		fmt.Fprintf(w, "bitriver_vod_job_duration_seconds_sum{outcome=\"%s\"} %f\n", outcome, r.jobDuration[outcome].Seconds())
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_active_jobs Jobs currently being processed")
	fmt.Fprintln(w, "# TYPE bitriver_vod_active_jobs gauge")
	fmt.Fprintf(w, "bitriver_vod_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_queue_depth Jobs waiting for a worker")
	fmt.Fprintln(w, "# TYPE bitriver_vod_queue_depth gauge")
	fmt.Fprintf(w, "bitriver_vod_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_stage_duration_seconds_sum Cumulative successful stage duration in seconds")
	fmt.Fprintln(w, "# TYPE bitriver_vod_stage_duration_seconds_sum counter")
	for _, stage := range stages {
		fmt.Fprintf(w, "bitriver_vod_stage_duration_seconds_sum{stage=\"%s\"} %f\n", stage, r.stageDuration[stage].Seconds())
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_stage_duration_seconds_count Completed stages")
	fmt.Fprintln(w, "# TYPE bitriver_vod_stage_duration_seconds_count counter")
	for _, stage := range stages {
		fmt.Fprintf(w, "bitriver_vod_stage_duration_seconds_count{stage=\"%s\"} %d\n", stage, r.stageCount[stage])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_published_objects_total Objects uploaded by successful publishes")
	fmt.Fprintln(w, "# TYPE bitriver_vod_published_objects_total counter")
	fmt.Fprintf(w, "bitriver_vod_published_objects_total %d\n", r.publishedObjects)

	fmt.Fprintln(w, "# HELP bitriver_vod_published_bytes_total Bytes uploaded by successful publishes")
	fmt.Fprintln(w, "# TYPE bitriver_vod_published_bytes_total counter")
	fmt.Fprintf(w, "bitriver_vod_published_bytes_total %d\n", r.publishedBytes)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
