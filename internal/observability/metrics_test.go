package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordOperationAggregates(t *testing.T) {
	m := NewMetrics()
	m.RecordOperation("sqlite", "create", "ok", 0, 2*time.Millisecond)
	m.RecordOperation("sqlite", "create", "CONFLICT", 1, 6*time.Millisecond)
	m.RecordOperation("redis", "ping", "ok", 0, time.Millisecond)
	m.RecordRejected("sqlite", "overloaded")

	snap := m.Snapshot()
	require.Len(t, snap.Operations, 2)
	require.Equal(t, "redis", snap.Operations[0].Backend)

	create := snap.Operations[1]
	require.Equal(t, int64(2), create.Count)
	require.Equal(t, int64(1), create.Retries)
	require.Equal(t, 6.0, create.MaxMS)
	require.Equal(t, int64(1), create.Outcomes["CONFLICT"])
	require.Equal(t, int64(1), snap.Rejected["sqlite|overloaded"])
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMetrics()
	m.RecordOperation("sqlite", "get", "ok", 0, time.Millisecond)
	snap := m.Snapshot()
	snap.Operations[0].Outcomes["ok"] = 99

	require.Equal(t, int64(1), m.Snapshot().Operations[0].Outcomes["ok"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordOperation("sqlite", "get", "ok", 0, time.Millisecond)
	m.RecordRequest("/", "GET", 200, time.Millisecond)
	require.Empty(t, m.Snapshot().Operations)
}
