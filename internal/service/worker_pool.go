package service

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/moo/internal/metrics"
	"github.com/rs/zerolog"
)

// task is one broadcast fan-out send: emit a single Changed frame to
// one subscriber's request id.
type task func()

// broadcastPool is a fixed pool of worker goroutines that fan broadcast
// sends out concurrently, so one slow or stuck subscriber send cannot
// delay delivery to the others. Narrowed from the teacher's
// general-purpose WorkerPool (which drained a Kafka-to-client broadcast
// queue) down to this package's one job: running Registry.emit calls.
type broadcastPool struct {
	workerCount int
	queue       chan task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
}

func newBroadcastPool(workerCount, queueSize int, logger zerolog.Logger) *broadcastPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}
	return &broadcastPool{
		workerCount: workerCount,
		queue:       make(chan task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. Safe to call once; tasks
// submitted before Start wait in the queue (or are dropped once it is
// full) until Start runs.
func (p *broadcastPool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *broadcastPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(t)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *broadcastPool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("broadcast task panic recovered")
		}
	}()
	t()
}

// Submit enqueues a broadcast send. If the queue is full the task is
// dropped and counted rather than spawning an unbounded goroutine or
// blocking the caller (the same backpressure posture as the teacher's
// WorkerPool.Submit).
func (p *broadcastPool) Submit(t task) {
	select {
	case p.queue <- t:
	default:
		atomic.AddInt64(&p.dropped, 1)
		metrics.ProvidedBroadcastsDroppedTotal.Inc()
		p.logger.Warn().Int64("dropped_total", atomic.LoadInt64(&p.dropped)).Msg("broadcast queue full, dropping fan-out task")
	}
}

// Dropped returns the number of broadcast tasks dropped due to a full
// queue.
func (p *broadcastPool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}
