// Package worker runs the single request loop behind the record API.
//
// Callers enqueue record reads and writes; the worker performs each one as
// a sequence of synchronous calls (open, read or write, close) on the
// instance and completes it through the caller's callback. The same loop
// suspends idle flash devices when the suspend scheduler says so.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flashfs/flashfs/internal/instance"
	"github.com/flashfs/flashfs/internal/queue"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
	"github.com/flashfs/flashfs/pkg/utils"
)

// Kind is the kind of a record request
type Kind int

const (
	KindWrite Kind = iota
	KindRead
)

// String returns string representation of the request kind
func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	default:
		return "unknown"
	}
}

// Callback completes a request with the number of bytes transferred, 0 on
// failure, and the caller's token. It always runs on the worker goroutine,
// including for requests completed with 0 when the worker stops.
type Callback func(n int, token any)

// Request is a queued record read or write
type Request struct {
	ID       string
	Kind     Kind
	Instance int
	Path     string
	Buf      []byte
	Callback Callback
	Token    any
	Enqueued time.Time
}

// Config contains configuration for the worker
type Config struct {
	ReadQueueSize  int `yaml:"read_queue_size"`
	WriteQueueSize int `yaml:"write_queue_size"`
}

// Observer receives worker events. Implementations must not block.
type Observer interface {
	ObserveQueue(kind Kind, depth int)
	ObserveCompletion(kind Kind, n int, latency time.Duration)
	ObserveRejected(kind Kind)
}

type nopObserver struct{}

func (nopObserver) ObserveQueue(Kind, int)                      {}
func (nopObserver) ObserveCompletion(Kind, int, time.Duration) {}
func (nopObserver) ObserveRejected(Kind)                       {}

// Worker owns the record queues and the loop that services them
type Worker struct {
	table  *instance.Table
	writes *queue.Queue[Request]
	reads  *queue.Queue[Request]
	events *events
	obs    Observer
	log    zerolog.Logger

	// State
	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	stopCtx   context.Context
	stopFn    context.CancelFunc
	wg        sync.WaitGroup // loop
	enqueuers sync.WaitGroup // Enqueue calls in flight
}

// New creates a worker for the instances of table. The worker registers
// itself with the table's suspend scheduler.
func New(table *instance.Table, config Config, obs Observer) *Worker {
	if config.ReadQueueSize <= 0 {
		config.ReadQueueSize = 4
	}
	if config.WriteQueueSize <= 0 {
		config.WriteQueueSize = 4
	}
	if obs == nil {
		obs = nopObserver{}
	}

	stopCtx, stopFn := context.WithCancel(context.Background())
	w := &Worker{
		table:   table,
		writes:  queue.New[Request](config.WriteQueueSize),
		reads:   queue.New[Request](config.ReadQueueSize),
		events:  newEvents(),
		obs:     obs,
		log:     utils.ComponentLogger("worker"),
		stopCh:  make(chan struct{}),
		stopCtx: stopCtx,
		stopFn:  stopFn,
	}
	table.Scheduler().OnExpire(w.events.raiseSuspend)
	return w
}

// Start starts the worker loop
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "worker already started").WithComponent("worker")
	}
	if w.stopped {
		return errors.NewError(errors.ErrCodeWorkerStopped, "worker cannot be restarted").WithComponent("worker")
	}

	w.started = true
	w.wg.Add(1)
	go w.loop()

	w.log.Info().Int("read_queue", w.reads.Cap()).Int("write_queue", w.writes.Cap()).Msg("worker started")
	return nil
}

// Stop stops the worker. Requests still queued are completed with 0 so
// every accepted request completes exactly once. Stop returns after the
// last callback has run.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	w.stopFn()
	w.enqueuers.Wait()

	close(w.stopCh)
	if !started {
		// The loop drains on exit, so run it even if Start was never called.
		w.wg.Add(1)
		go w.loop()
	}
	w.wg.Wait()
	return nil
}

func (w *Worker) drain(q *queue.Queue[Request]) int {
	n := 0
	for {
		req, ok := q.TryPop()
		if !ok {
			return n
		}
		w.complete(req, 0)
		n++
	}
}

// EnqueueWrite queues a record write of buf to path. The buffer is copied.
// With wait set the call blocks until there is room or ctx is done;
// otherwise a full queue is rejected with QUEUE_FULL. On acceptance it
// returns len(buf).
func (w *Worker) EnqueueWrite(ctx context.Context, fs int, path string, buf []byte, wait bool, cb Callback, token any) (int, error) {
	if buf != nil {
		buf = append(make([]byte, 0, len(buf)), buf...)
	}
	return w.enqueue(ctx, Request{Kind: KindWrite, Instance: fs, Path: path, Buf: buf, Callback: cb, Token: token}, wait)
}

// EnqueueRead queues a record read of path into buf. buf must stay
// untouched until the callback runs.
func (w *Worker) EnqueueRead(ctx context.Context, fs int, path string, buf []byte, wait bool, cb Callback, token any) (int, error) {
	return w.enqueue(ctx, Request{Kind: KindRead, Instance: fs, Path: path, Buf: buf, Callback: cb, Token: token}, wait)
}

func (w *Worker) enqueue(ctx context.Context, req Request, wait bool) (int, error) {
	op := "enqueue_" + req.Kind.String()
	if _, err := w.table.Get(req.Instance); err != nil {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "no instance %d", req.Instance).
			WithComponent("worker").WithOperation(op)
	}
	if req.Path == "" || req.Buf == nil || req.Callback == nil {
		return 0, errors.NewError(errors.ErrCodeInvalidArgument, "path, buffer and callback are required").
			WithComponent("worker").WithOperation(op)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return 0, errors.NewError(errors.ErrCodeWorkerStopped, "worker stopped").
			WithComponent("worker").WithOperation(op)
	}
	w.enqueuers.Add(1)
	w.mu.Unlock()
	defer w.enqueuers.Done()

	req.ID = uuid.NewString()
	req.Enqueued = time.Now()

	q, raise := w.writes, w.events.raiseWrite
	if req.Kind == KindRead {
		q, raise = w.reads, w.events.raiseRead
	}

	if !wait {
		if !q.TryPush(req) {
			w.obs.ObserveRejected(req.Kind)
			return 0, errors.Newf(errors.ErrCodeQueueFull, "%s queue full", req.Kind).
				WithComponent("worker").WithOperation(op)
		}
	} else {
		pctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(w.stopCtx, cancel)
		err := q.Push(pctx, req)
		stop()
		cancel()
		if err != nil {
			if w.stopCtx.Err() != nil && ctx.Err() == nil {
				return 0, errors.NewError(errors.ErrCodeWorkerStopped, "worker stopped while waiting for queue space").
					WithComponent("worker").WithOperation(op)
			}
			return 0, errors.Wrap(err, errors.ErrCodeQueueTimeout, "no queue space before deadline").
				WithComponent("worker").WithOperation(op)
		}
	}

	w.obs.ObserveQueue(req.Kind, q.Len())
	raise()
	w.log.Debug().Str("req", req.ID).Int("fs", req.Instance).Str("path", req.Path).
		Stringer("kind", req.Kind).Int("bytes", len(req.Buf)).Msg("request queued")
	return len(req.Buf), nil
}

// loop is the worker goroutine. Per wake it serves one write, then one
// read, then every flagged suspend. On stop it completes whatever is still
// queued.
func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
		case <-w.events.notify:
		}
		// Stop wins over pending work.
		select {
		case <-w.stopCh:
			drained := w.drain(w.writes) + w.drain(w.reads)
			w.log.Info().Int("drained", drained).Msg("worker stopped")
			return
		default:
		}

		write, read, suspend := w.events.take()
		if write {
			w.serve(w.writes, w.events.raiseWrite, w.performWrite)
		}
		if read {
			w.serve(w.reads, w.events.raiseRead, w.performRead)
		}
		for _, id := range suspend {
			w.suspend(id)
		}
	}
}

func (w *Worker) serve(q *queue.Queue[Request], raise func(), perform func(*instance.Instance, Request) int) {
	req, ok := q.TryPop()
	if !ok {
		// Signal raced with an earlier dequeue; nothing to complete.
		return
	}
	w.obs.ObserveQueue(req.Kind, q.Len())

	n := 0
	if in, err := w.table.Get(req.Instance); err == nil {
		n = perform(in, req)
	}
	w.complete(req, n)

	if q.Len() > 0 {
		raise()
	}
}

func (w *Worker) performWrite(in *instance.Instance, req Request) int {
	ctx := context.Background()
	logger := w.log.With().Str("req", req.ID).Int("fs", req.Instance).Str("path", req.Path).Logger()

	fd, err := in.Open(ctx, req.Path, types.OpenWriteOnly)
	if err != nil {
		fd, err = in.Open(ctx, req.Path, types.OpenTrunc|types.OpenCreate|types.OpenWriteOnly)
	}
	if err != nil {
		logger.Error().Err(err).Msg("record write: open failed")
		return 0
	}

	n, err := in.Write(ctx, fd, req.Buf)
	if err != nil {
		logger.Error().Err(err).Msg("record write failed")
		n = 0
	}
	if err := in.Close(ctx, fd); err != nil {
		logger.Error().Err(err).Msg("record write: close failed")
		n = 0
	}
	return n
}

func (w *Worker) performRead(in *instance.Instance, req Request) int {
	ctx := context.Background()
	logger := w.log.With().Str("req", req.ID).Int("fs", req.Instance).Str("path", req.Path).Logger()

	fd, err := in.Open(ctx, req.Path, types.OpenReadOnly)
	if err != nil {
		logger.Debug().Err(err).Msg("record read: open failed")
		return 0
	}

	n, err := in.Read(ctx, fd, req.Buf)
	if err != nil {
		logger.Debug().Err(err).Msg("record read failed")
		n = 0
	}
	if err := in.Close(ctx, fd); err != nil {
		logger.Warn().Err(err).Msg("record read: close failed")
	}
	return n
}

func (w *Worker) suspend(id int) {
	in, err := w.table.Get(id)
	if err != nil {
		return
	}
	if _, err := in.Suspend(context.Background()); err != nil {
		w.log.Error().Err(err).Int("fs", id).Msg("suspend failed")
	}
}

func (w *Worker) complete(req Request, n int) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("req", req.ID).Msg("completion callback panicked")
		}
	}()
	w.obs.ObserveCompletion(req.Kind, n, time.Since(req.Enqueued))
	req.Callback(n, req.Token)
}
