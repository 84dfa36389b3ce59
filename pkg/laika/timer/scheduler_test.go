package timer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-laika/laika/pkg/laika/timer"
)

func TestQueueOrdersByFireTime(t *testing.T) {
	q := timer.NewQueue()
	q.Schedule(timer.Entry{Key: "k1", RuleID: "r1", FireAtMs: 300})
	q.Schedule(timer.Entry{Key: "k2", RuleID: "r1", FireAtMs: 100})
	q.Schedule(timer.Entry{Key: "k3", RuleID: "r1", FireAtMs: 200})

	due := q.PopDue(250)
	require.Len(t, due, 2)
	assert.Equal(t, "k2", due[0].Key)
	assert.Equal(t, "k3", due[1].Key)

	next, ok := q.PeekNextFireMs()
	require.True(t, ok)
	assert.Equal(t, int64(300), next)
}

func TestScheduleReplacesExistingEntry(t *testing.T) {
	q := timer.NewQueue()
	q.Schedule(timer.Entry{Key: "k1", RuleID: "r1", FireAtMs: 100})
	q.Schedule(timer.Entry{Key: "k1", RuleID: "r1", FireAtMs: 500})

	assert.Equal(t, 1, q.Len())
	due := q.PopDue(100)
	assert.Empty(t, due)
	due = q.PopDue(500)
	require.Len(t, due, 1)
	assert.Equal(t, int64(500), due[0].FireAtMs)
}

func TestCancelRemovesEntry(t *testing.T) {
	q := timer.NewQueue()
	q.Schedule(timer.Entry{Key: "k1", RuleID: "r1", FireAtMs: 100})
	q.Cancel("k1", "r1")
	assert.Equal(t, 0, q.Len())
}
