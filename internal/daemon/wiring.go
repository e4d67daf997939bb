package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sari/internal/coordinator"
	"sari/internal/parser"
	"sari/internal/scanner"
	"sari/internal/search"
	"sari/internal/storage"
	"sari/internal/watcher"
	"sari/internal/workspace"
	"sari/internal/worker"
)

// watcherDebounce is the quiet period the watcher waits for a path to
// settle before handing it to the coordinator's priority lane, used
// when the workspace config sets no positive GitCheckoutDebounceSec.
const watcherDebounce = 300 * time.Millisecond

// workerPoolIdle is how long an idle worker goroutine sleeps between
// GetNextTask polls when the coordinator's queues are empty.
const workerPoolIdle = 50 * time.Millisecond

// NewBuilder returns the production Builder: it opens the workspace's
// sqlite DB, wires the scanner/worker/coordinator/storage pipeline,
// starts the writer and watcher goroutines, and drives IndexWorkers
// worker-pool goroutines pulling from the coordinator. The
// storage/search/worker/coordinator/watcher constructors are each
// independently testable, so this function, not any one package, owns
// process topology. It builds only the per-workspace SharedState; the
// ToolDispatcher is wired once at the Daemon level (daemon.New), kept
// separate here to avoid a daemon<->mcptools import cycle.
func NewBuilder(log *zap.Logger) Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return func(root workspace.Root) (*SharedState, error) {
		dbPath, err := workspace.DBPath()
		if err != nil {
			return nil, err
		}
		db, err := storage.OpenDB(dbPath)
		if err != nil {
			return nil, err
		}

		overlay := storage.GlobalOverlay(root.Config.EngineIndexMemMB * 4)
		queue := storage.NewQueue()
		writer := storage.NewWriter(db, queue, overlay, log)

		cache := search.NewSnippetCache(root.Config.SnippetCacheSize)
		fts := search.NewFTSEngine(db)
		sqlFallback := search.NewSQLEngine(db)
		pipeline := search.NewPipeline(overlay, fts, sqlFallback, db, cache)

		parsers := parser.NewDefaultRegistry()
		workerPipeline := worker.New(root.Config, parsers)

		l1 := storage.NewL1Buffer(root.Config.IndexL1BatchSize, func(results []worker.Result) {
			queue.Enqueue(storage.Task{
				Kind:      storage.TaskUpsertFiles,
				EnqueueTS: time.Now().Unix(),
				Results:   results,
			})
		})

		loadFn := func() float64 { return queue.Load() }
		coord := coordinator.New(loadFn)

		sc, err := scanner.New(root.Config)
		if err != nil {
			db.Close()
			return nil, err
		}

		ctx, cancel := context.WithCancel(context.Background())

		state := &SharedState{
			Root:        root,
			DB:          db,
			Search:      pipeline,
			Scanner:     sc,
			Parsers:     parsers,
			Worker:      workerPipeline,
			Coordinator: coord,
			L1:          l1,
			Overlay:     overlay,
			Queue:       queue,
			Writer:      writer,
			cancel:      cancel,
		}

		debounce := watcherDebounce
		if root.Config.GitCheckoutDebounceSec > 0 {
			debounce = time.Duration(root.Config.GitCheckoutDebounceSec * float64(time.Second))
		}
		w, err := watcher.New(root.ID, root.AbsPath, state, debounce)
		if err != nil {
			cancel()
			db.Close()
			return nil, err
		}
		state.Watcher = w

		go writer.Run(ctx)
		if err := w.Start(ctx); err != nil {
			log.Warn("watcher start failed", zap.String("root", root.ID), zap.Error(err))
		}

		workers := root.Config.IndexWorkers
		if workers <= 0 {
			workers = 1
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				runWorker(gctx, coord, workerPipeline, l1)
				return nil
			})
		}
		state.workerGroup = g

		return state, nil
	}
}

// runWorker is one worker-pool goroutine: pull, process, buffer,
// repeat. It honors the coordinator's read-priority sleep penalty and
// throttle signal (§4.6) rather than draining at full speed whenever a
// search is in flight. The pool is launched under an errgroup so a
// root's Stop can wait for every worker to notice ctx cancellation
// before returning (§4.3's worker pool, fanned out with
// golang.org/x/sync/errgroup rather than an unmanaged goroutine loop).
func runWorker(ctx context.Context, coord *coordinator.Coordinator, pipeline *worker.Pipeline, l1 *storage.L1Buffer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if coord.ShouldThrottleIndexing() {
			time.Sleep(coord.GetSleepPenalty() + workerPoolIdle)
			continue
		}

		task, ok := coord.GetNextTask()
		if !ok {
			time.Sleep(workerPoolIdle)
			continue
		}

		wt, ok := task.Payload.(worker.Task)
		if !ok {
			continue
		}

		if penalty := coord.GetSleepPenalty(); penalty > 0 {
			time.Sleep(penalty)
		}

		result, err := pipeline.Process(wt)
		if err != nil {
			continue
		}
		l1.Add(result)
	}
}
