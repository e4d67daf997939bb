package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueDrainUpToRespectsLimit(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(Task{Kind: TaskUpdateLastSeen})
	}
	batch := q.DrainUpTo(3)
	require.Len(t, batch, 3)
	require.Equal(t, 2, q.Depth())
}

func TestQueueLoadIsDepthOverFiveThousand(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 10; i++ {
		q.Enqueue(Task{Kind: TaskUpdateLastSeen})
	}
	require.InDelta(t, 0.002, q.Load(), 0.0001)
}

func TestQueueDrainBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	done := make(chan []Task, 1)
	go func() {
		done <- q.DrainUpTo(10)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Task{Kind: TaskDLQClear})

	select {
	case batch := <-done:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("DrainUpTo did not unblock after Enqueue")
	}
}

func TestQueueCloseUnblocksDrain(t *testing.T) {
	q := NewQueue()
	done := make(chan []Task, 1)
	go func() {
		done <- q.DrainUpTo(10)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case batch := <-done:
		require.Nil(t, batch)
	case <-time.After(time.Second):
		t.Fatal("DrainUpTo did not unblock after Close")
	}
}
