package natssink

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodmesh.ai/internal/protocol"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/scheduler"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs    []published
	flushes int
	err     error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Flush() error {
	f.flushes++
	return nil
}

func TestSink_PublishesTicksAndSummary(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "", "run-7")

	rec := scheduler.TickRecord{Tick: 3, Snapshot: metrics.TickSnapshot{
		Tick:     3,
		Digest:   "d",
		Levels:   map[model.SystemID]float64{model.PowerGrid: 0.25},
		Statuses: map[string]model.Status{"a": model.StatusCritical},
	}}
	require.NoError(t, s.WriteTick(rec))
	require.NoError(t, s.WriteSummary(metrics.Summary{Scenario: "baseline", TicksCompleted: 4}))

	require.Len(t, conn.msgs, 2)
	assert.Equal(t, "floodmesh.runs.run-7.tick", conn.msgs[0].subject)
	assert.Equal(t, "floodmesh.runs.run-7.summary", conn.msgs[1].subject)
	assert.Equal(t, 1, conn.flushes)

	var tick protocol.TickMsg
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &tick))
	assert.Equal(t, protocol.TypeTick, tick.Type)
	assert.Equal(t, "run-7", tick.RunID)
	assert.Equal(t, uint64(3), tick.Tick)
	assert.Equal(t, model.StatusCritical, tick.Statuses["a"])
	assert.InDelta(t, 0.25, tick.Levels[model.PowerGrid], 1e-12)

	var sum protocol.SummaryMsg
	require.NoError(t, json.Unmarshal(conn.msgs[1].data, &sum))
	assert.Equal(t, protocol.TypeSummary, sum.Type)
	assert.Equal(t, uint64(4), sum.Summary.TicksCompleted)
}

func TestSink_PublishErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection closed")
	s := New(&fakeConn{err: boom}, "sim", "r")
	err := s.WriteTick(scheduler.TickRecord{Tick: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "tick 9")
	assert.Equal(t, "sim.r.summary", s.SummarySubject())
}

func TestConnect_FailsWithoutServer(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1", MaxReconnects: -1})
	require.Error(t, err)
}
