package storage

import "sari/internal/worker"

// TaskKind enumerates the single-writer queue item kinds of §3's "Task
// queue items."
type TaskKind string

const (
	TaskUpsertFiles    TaskKind = "upsert-files"
	TaskUpsertSymbols  TaskKind = "upsert-symbols"
	TaskUpsertRelations TaskKind = "upsert-relations"
	TaskUpdateLastSeen TaskKind = "update-last-seen"
	TaskDeletePath     TaskKind = "delete-path"
	TaskUpsertSnippets TaskKind = "upsert-snippets"
	TaskUpsertContexts TaskKind = "upsert-contexts"
	TaskDLQUpsert      TaskKind = "dlq-upsert"
	TaskDLQClear       TaskKind = "dlq-clear"
	TaskMarkDirty      TaskKind = "mark-dirty"
)

// Task is one typed item on the single-writer queue, carrying its
// kind-specific payload and an enqueue timestamp.
type Task struct {
	Kind      TaskKind
	EnqueueTS int64
	Results   []worker.Result // upsert-files / upsert-symbols / upsert-relations
	LastSeen  []LastSeenUpdate
	Deletes   []DeletePath
	Snippets  []Snippet
	Contexts  []Context
	DLQ       []DLQEntry
	DLQClear  []DLQClearKey
	Dirty     []DirtyMark
}

// DirtyMark flags a path LSP-dirty — a re-parse signal §4.7's watcher
// sets on every settled filesystem event.
type DirtyMark struct {
	RootID string
	Path   string
}

// LastSeenUpdate bumps last_seen on an unchanged file.
type LastSeenUpdate struct {
	RootID string
	Path   string
	ScanTS int64
}

// DeletePath tombstones a file row (deleted_ts = now).
type DeletePath struct {
	RootID    string
	Path      string
	DeletedTS int64
}

// Snippet mirrors §3's Snippet entity.
type Snippet struct {
	Tag          string
	RootID       string
	Path         string
	StartLine    int
	EndLine      int
	Content      string
	ContentHash  string
	BeforeAnchor string
	AfterAnchor  string
	Repo         string
	Note         string
	CommitHash   string
	CreatedAt    int64
	UpdatedAt    int64
	Metadata     map[string]any
}

// Context mirrors §3's Context entity.
type Context struct {
	Topic         string
	Content       string
	Tags          []string
	RelatedFiles  []string
	Source        string
	ValidFrom     int64
	ValidUntil    int64
	Deprecated    bool
	CreatedAt     int64
	UpdatedAt     int64
}

// DLQEntry mirrors §3's Failed task (dead-letter) entity.
type DLQEntry struct {
	Path      string
	RootID    string
	Attempts  int
	ErrorText string
	CreatedAt int64
	NextRetry int64
	Metadata  map[string]any
}

// DLQClearKey identifies a DLQ row to remove on successful retry.
type DLQClearKey struct {
	Path string
}
