package storage

import (
	"sync"

	"sari/internal/worker"
)

// L1Buffer accumulates one root's worker results until either
// batchSize rows exist or Flush is called, per §4.4's L1. A path
// present twice in the same flush keeps only the newest entry.
type L1Buffer struct {
	mu        sync.Mutex
	batchSize int
	byPath    map[string]worker.Result
	order     []string
	onFlush   func([]worker.Result)
}

// NewL1Buffer constructs a buffer that calls onFlush whenever it fills
// or Flush is called explicitly.
func NewL1Buffer(batchSize int, onFlush func([]worker.Result)) *L1Buffer {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &L1Buffer{
		batchSize: batchSize,
		byPath:    make(map[string]worker.Result),
		onFlush:   onFlush,
	}
}

// Add appends a result, flushing automatically once batchSize distinct
// paths have accumulated.
func (b *L1Buffer) Add(r worker.Result) {
	b.mu.Lock()
	if _, exists := b.byPath[r.Path]; !exists {
		b.order = append(b.order, r.Path)
	}
	b.byPath[r.Path] = r
	full := len(b.byPath) >= b.batchSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush hands every buffered result to onFlush and clears the buffer.
func (b *L1Buffer) Flush() {
	b.mu.Lock()
	if len(b.byPath) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]worker.Result, 0, len(b.byPath))
	for _, path := range b.order {
		batch = append(batch, b.byPath[path])
	}
	b.byPath = make(map[string]worker.Result)
	b.order = nil
	b.mu.Unlock()

	b.onFlush(batch)
}

// Len reports the number of distinct buffered paths.
func (b *L1Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byPath)
}
