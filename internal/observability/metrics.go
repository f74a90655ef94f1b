package observability

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics provides in-memory counters for requests and storage operations.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64
	operations   map[string]*OperationStats
	rejected     map[string]int64
}

// OperationStats aggregates storage calls for one backend and operation.
type OperationStats struct {
	Backend   string           `json:"backend"`
	Operation string           `json:"operation"`
	Count     int64            `json:"count"`
	Retries   int64            `json:"retries"`
	TotalMS   float64          `json:"total_ms"`
	MaxMS     float64          `json:"max_ms"`
	Outcomes  map[string]int64 `json:"outcomes"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Requests   map[string]int64 `json:"requests"`
	Errors     map[string]int64 `json:"errors"`
	Operations []OperationStats `json:"operations"`
	Rejected   map[string]int64 `json:"rejected"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
		operations:   make(map[string]*OperationStats),
		rejected:     make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordOperation tracks one facade call. outcome is "ok" or an error kind.
func (m *Metrics) RecordOperation(backend, op, outcome string, retries int, duration time.Duration) {
	if m == nil {
		return
	}
	key := backend + "|" + op
	ms := float64(duration) / float64(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.operations[key]
	if !ok {
		stats = &OperationStats{Backend: backend, Operation: op, Outcomes: map[string]int64{}}
		m.operations[key] = stats
	}
	stats.Count++
	stats.Retries += int64(retries)
	stats.TotalMS += ms
	if ms > stats.MaxMS {
		stats.MaxMS = ms
	}
	stats.Outcomes[outcome]++
}

// RecordRejected counts calls refused by the concurrency limiter.
func (m *Metrics) RecordRejected(backend, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[backend+"|"+reason]++
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Requests: map[string]int64{},
		Errors:   map[string]int64{},
		Rejected: map[string]int64{},
	}
	if m == nil {
		return snap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.requestCount {
		snap.Requests[k] = v
	}
	for k, v := range m.errorCount {
		snap.Errors[k] = v
	}
	for k, v := range m.rejected {
		snap.Rejected[k] = v
	}
	for _, stats := range m.operations {
		c := *stats
		c.Outcomes = make(map[string]int64, len(stats.Outcomes))
		for k, v := range stats.Outcomes {
			c.Outcomes[k] = v
		}
		snap.Operations = append(snap.Operations, c)
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		if snap.Operations[i].Backend != snap.Operations[j].Backend {
			return snap.Operations[i].Backend < snap.Operations[j].Backend
		}
		return snap.Operations[i].Operation < snap.Operations[j].Operation
	})
	return snap
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
