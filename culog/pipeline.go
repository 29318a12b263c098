package culog

import (
	"sync"
	"sync/atomic"
)

// Pipeline decouples the control cycle from log I/O. The scheduler pushes
// encoded batches into a bounded queue; a dedicated goroutine pops them and
// appends to the Writer. Enqueue never blocks: when the queue is full the
// oldest queued batch is dropped, never the newest, and the drop is counted
// so the loss is observable instead of silent. The trade favors control
// loop latency over log completeness.
type Pipeline struct {
	writer *Writer

	mu    sync.Mutex
	empty *sync.Cond
	queue *ring[queuedBatch]

	wake    chan struct{}
	stop    chan struct{}
	stopped sync.WaitGroup

	dropped atomic.Uint64

	errMu sync.Mutex
	err   error
}

type queuedBatch struct {
	section string
	data    []byte
}

// DefaultQueueDepth is the queue capacity used when none is given.
const DefaultQueueDepth = 256

// NewPipeline starts the background writer goroutine over w. The queue
// holds at most depth batches; zero selects DefaultQueueDepth.
func NewPipeline(w *Writer, depth int) *Pipeline {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	p := &Pipeline{
		writer: w,
		queue:  newRing[queuedBatch](depth),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	p.empty = sync.NewCond(&p.mu)

	p.stopped.Add(1)
	go p.run()

	return p
}

// Writer returns the underlying container writer.
func (p *Pipeline) Writer() *Writer {
	return p.writer
}

// Enqueue hands an encoded batch to the background writer. It only copies a
// reference and never blocks on I/O. The batch buffer must not be reused by
// the caller afterwards.
func (p *Pipeline) Enqueue(section string, data []byte) {
	p.mu.Lock()
	_, droppedOne := p.queue.push(queuedBatch{section: section, data: data})
	p.mu.Unlock()

	if droppedOne {
		p.dropped.Add(1)
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// DroppedBatches returns how many queued batches were discarded because the
// queue was full.
func (p *Pipeline) DroppedBatches() uint64 {
	return p.dropped.Load()
}

// QueueDepth returns the number of batches currently waiting to be written.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.queue.len()
}

// Err returns the first I/O error the background writer hit, if any. The
// runtime polls this at cycle boundaries and escalates it to a fatal run
// failure.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	return p.err
}

func (p *Pipeline) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()

	// Unblock anyone waiting for the queue to empty.
	p.mu.Lock()
	p.empty.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) run() {
	defer p.stopped.Done()

	for {
		select {
		case <-p.stop:
			p.drainQueue()
			return
		case <-p.wake:
			if !p.drainQueue() {
				return
			}
		}
	}
}

// drainQueue appends everything currently queued. Only the background
// goroutine calls it, so per-section append order follows enqueue order.
// Returns false when the writer failed.
func (p *Pipeline) drainQueue() bool {
	for {
		p.mu.Lock()
		batch, ok := p.queue.popOldest()
		if !ok {
			p.empty.Broadcast()
			p.mu.Unlock()

			return true
		}
		p.mu.Unlock()

		if _, err := p.writer.Append(batch.section, batch.data); err != nil {
			p.setErr(err)
			return false
		}
	}
}

func (p *Pipeline) waitUntilEmpty() {
	p.mu.Lock()
	for p.queue.len() > 0 && p.Err() == nil {
		select {
		case p.wake <- struct{}{}:
		default:
		}

		p.empty.Wait()
	}
	p.mu.Unlock()
}

// Flush waits for the queue to empty and forces the written bytes to disk.
// Called at controlled checkpoints, never from the cycle path.
func (p *Pipeline) Flush() error {
	p.waitUntilEmpty()

	if err := p.Err(); err != nil {
		return err
	}

	return p.writer.Flush()
}

// Drain stops the background goroutine, writes out everything still queued,
// and flushes the writer. The pipeline must not be used afterwards.
func (p *Pipeline) Drain() error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}

	p.stopped.Wait()

	if err := p.Err(); err != nil {
		return err
	}

	return p.writer.Flush()
}
