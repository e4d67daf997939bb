package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sari/internal/worker"
)

func TestL1BufferFlushesOnBatchSize(t *testing.T) {
	var flushed [][]worker.Result
	b := NewL1Buffer(2, func(batch []worker.Result) {
		flushed = append(flushed, batch)
	})

	b.Add(worker.Result{Path: "a.go"})
	require.Empty(t, flushed)
	b.Add(worker.Result{Path: "b.go"})
	require.Len(t, flushed, 1)
	require.Len(t, flushed[0], 2)
}

func TestL1BufferDedupesSamePath(t *testing.T) {
	var flushed []worker.Result
	b := NewL1Buffer(10, func(batch []worker.Result) {
		flushed = batch
	})
	b.Add(worker.Result{Path: "a.go", Hash: "old"})
	b.Add(worker.Result{Path: "a.go", Hash: "new"})
	b.Flush()

	require.Len(t, flushed, 1)
	require.Equal(t, "new", flushed[0].Hash)
}

func TestL1BufferFlushIsNoopWhenEmpty(t *testing.T) {
	called := false
	b := NewL1Buffer(10, func(batch []worker.Result) { called = true })
	b.Flush()
	require.False(t, called)
}
