package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFairQueueRoundRobinsAcrossRoots(t *testing.T) {
	c := New(nil)
	c.EnqueueFair("r1", "a1")
	c.EnqueueFair("r1", "a2")
	c.EnqueueFair("r2", "b1")

	var order []string
	for i := 0; i < 3; i++ {
		task, ok := c.GetNextTask()
		require.True(t, ok)
		order = append(order, task.RootID)
	}
	require.Equal(t, []string{"r1", "r2", "r1"}, order)
}

func TestPriorityTaskPreemptsFairQueue(t *testing.T) {
	c := New(nil)
	c.EnqueueFair("r1", "bulk")
	c.EnqueuePriority("r1", 5, "urgent")

	task, ok := c.GetNextTask()
	require.True(t, ok)
	require.Equal(t, "urgent", task.Payload)
}

func TestPriorityOrdersByPriorityThenArrival(t *testing.T) {
	c := New(nil)
	c.EnqueuePriority("r1", 1, "low")
	c.EnqueuePriority("r1", 5, "high")
	c.EnqueuePriority("r1", 5, "high-second")

	first, _ := c.GetNextTask()
	second, _ := c.GetNextTask()
	third, _ := c.GetNextTask()
	require.Equal(t, "high", first.Payload)
	require.Equal(t, "high-second", second.Payload)
	require.Equal(t, "low", third.Payload)
}

func TestSleepPenaltyOnlyWhileSearchActive(t *testing.T) {
	c := New(nil)
	require.Zero(t, c.GetSleepPenalty())

	c.NotifySearchStart()
	require.NotZero(t, c.GetSleepPenalty())

	c.NotifySearchEnd()
	require.Zero(t, c.GetSleepPenalty())
}

func TestShouldThrottleOnHighQueueLoad(t *testing.T) {
	c := New(func() float64 { return 0.9 })
	require.True(t, c.ShouldThrottleIndexing())

	c2 := New(func() float64 { return 0.1 })
	require.False(t, c2.ShouldThrottleIndexing())
}

func TestGetNextTaskEmptyReturnsFalse(t *testing.T) {
	c := New(nil)
	_, ok := c.GetNextTask()
	require.False(t, ok)
}
