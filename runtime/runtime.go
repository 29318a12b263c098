package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/cutask"
	"github.com/cuprumlab/cuprum/cutime"
	"github.com/cuprumlab/cuprum/hooking"
)

// RuntimeBuilder assembles a Runtime.
type RuntimeBuilder struct {
	graph    *Graph
	clock    cutime.TimeTeller
	pipeline *culog.Pipeline
	period   cutime.CuDuration
}

// NewRuntimeBuilder creates a RuntimeBuilder.
func NewRuntimeBuilder() RuntimeBuilder {
	return RuntimeBuilder{}
}

// WithGraph sets the graph to execute.
func (b RuntimeBuilder) WithGraph(g *Graph) RuntimeBuilder {
	b.graph = g
	return b
}

// WithClock sets the run's time source. Pass a RobotClock for live
// operation or a MockClock for tests and replay.
func (b RuntimeBuilder) WithClock(clock cutime.TimeTeller) RuntimeBuilder {
	b.clock = clock
	return b
}

// WithPipeline sets the log pipeline receiving every produced message. A
// runtime without a pipeline executes but records nothing.
func (b RuntimeBuilder) WithPipeline(p *culog.Pipeline) RuntimeBuilder {
	b.pipeline = p
	return b
}

// WithPeriod paces live runs to one cycle per period. Zero (the default)
// runs cycles back to back. Pacing uses the host timer and is invisible to
// task code, which only ever sees the Clock.
func (b RuntimeBuilder) WithPeriod(period cutime.CuDuration) RuntimeBuilder {
	b.period = period
	return b
}

// Build creates the Runtime. Graph and clock are mandatory.
func (b RuntimeBuilder) Build() *Runtime {
	if b.graph == nil {
		panic("runtime: no graph given")
	}

	if b.clock == nil {
		panic("runtime: no clock given")
	}

	r := &Runtime{
		graph:    b.graph,
		clock:    b.clock,
		pipeline: b.pipeline,
		period:   b.period,
		states:   make([]cutask.State, len(b.graph.nodes)),
	}

	return r
}

// Runtime drives the task graph through cycles from a single control
// goroutine. Task code is therefore single-threaded from its own point of
// view: cycle N+1 never begins before every invocation of cycle N has
// returned.
type Runtime struct {
	hooking.HookableBase

	graph    *Graph
	clock    cutime.TimeTeller
	pipeline *culog.Pipeline
	period   cutime.CuDuration

	states  []cutask.State
	started bool

	cycle              atomic.Uint64
	recoveredFailures  atomic.Uint64
	skippedInvocations atomic.Uint64
	encodingDrops      atomic.Uint64
}

// Graph returns the executed graph.
func (r *Runtime) Graph() *Graph {
	return r.graph
}

// Now returns the current time from the run's clock.
func (r *Runtime) Now() cutime.CuTime {
	return r.clock.Now()
}

// Cycle returns the number of completed cycles. Safe to read concurrently
// with the run, e.g. from a monitor.
func (r *Runtime) Cycle() uint64 {
	return r.cycle.Load()
}

// RecoveredFailures counts task invocations that failed recoverably.
func (r *Runtime) RecoveredFailures() uint64 {
	return r.recoveredFailures.Load()
}

// SkippedInvocations counts node invocations skipped because of missing
// inputs or upstream failures.
func (r *Runtime) SkippedInvocations() uint64 {
	return r.skippedInvocations.Load()
}

// EncodingDrops counts per-task batches discarded because they could not be
// encoded.
func (r *Runtime) EncodingDrops() uint64 {
	return r.encodingDrops.Load()
}

// DroppedBatches counts batches the log pipeline discarded under
// backpressure.
func (r *Runtime) DroppedBatches() uint64 {
	if r.pipeline == nil {
		return 0
	}

	return r.pipeline.DroppedBatches()
}

// TaskState returns the lifecycle state of the named task.
func (r *Runtime) TaskState(name string) cutask.State {
	n, ok := r.graph.byName[name]
	if !ok {
		panic("runtime: unknown task " + name)
	}

	return r.states[n.index]
}

// Start moves every task from Created to Started, in execution order. If
// any task fails to start, the ones already started are stopped again and
// the error is returned.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}

	tctx := r.taskContext(ctx)

	for i, n := range r.graph.order {
		if err := n.task.Start(tctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				stopped := r.graph.order[j]
				_ = stopped.task.Stop(tctx)
				r.states[stopped.index] = cutask.StateStopped
			}

			return &TaskError{
				Task:     n.name,
				Cycle:    r.cycle.Load(),
				Severity: SeverityFatal,
				Err:      fmt.Errorf("start: %w", err),
			}
		}

		r.states[n.index] = cutask.StateStarted
	}

	r.started = true

	return nil
}

// Stop transitions every started task to Stopped, in reverse execution
// order, then drains and flushes the log pipeline. The first error is
// returned but every task is stopped regardless.
func (r *Runtime) Stop(ctx context.Context) error {
	var firstErr error

	if r.started {
		tctx := r.taskContext(ctx)

		for i := len(r.graph.order) - 1; i >= 0; i-- {
			n := r.graph.order[i]
			if r.states[n.index] != cutask.StateStarted {
				continue
			}

			if err := n.task.Stop(tctx); err != nil && firstErr == nil {
				firstErr = &TaskError{
					Task:     n.name,
					Cycle:    r.cycle.Load(),
					Severity: SeverityRecoverable,
					Err:      fmt.Errorf("stop: %w", err),
				}
			}

			r.states[n.index] = cutask.StateStopped
		}

		r.started = false
	}

	if r.pipeline != nil {
		if err := r.pipeline.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Run starts the tasks and executes cycles until ctx is cancelled or a
// fatal failure occurs, then stops the tasks and flushes the log. The
// cancellation is only honored at cycle boundaries; a task invocation is
// never preempted.
func (r *Runtime) Run(ctx context.Context) error {
	return r.run(ctx, -1)
}

// RunCycles behaves like Run but returns after n cycles.
func (r *Runtime) RunCycles(ctx context.Context, n int) error {
	return r.run(ctx, n)
}

func (r *Runtime) run(ctx context.Context, cycles int) error {
	if err := r.Start(ctx); err != nil {
		_ = r.Stop(ctx)
		return err
	}

	var pacer *time.Ticker
	if r.period > 0 {
		pacer = time.NewTicker(r.period.StdDuration())
		defer pacer.Stop()
	}

	for i := 0; cycles < 0 || i < cycles; i++ {
		if ctx.Err() != nil {
			break
		}

		if err := r.Step(ctx); err != nil {
			// Best-effort flush so the log stays readable up to the last
			// completed cycle.
			_ = r.Stop(ctx)

			return err
		}

		if pacer != nil {
			select {
			case <-ctx.Done():
			case <-pacer.C:
			}
		}
	}

	return r.Stop(ctx)
}

// Step executes exactly one cycle. The runtime must be started. Callers
// that drive the clock themselves (tests, replay) use Step directly.
func (r *Runtime) Step(ctx context.Context) error {
	if !r.started {
		return fmt.Errorf("runtime: step before start")
	}

	// A failed durable write makes the recording incomplete, which defeats
	// the purpose of a recording run. Escalate before starting a new cycle.
	if r.pipeline != nil {
		if err := r.pipeline.Err(); err != nil {
			return err
		}
	}

	now := r.clock.Now()
	cycle := r.cycle.Load()

	tctx := &cutask.Context{
		Context:   ctx,
		Cycle:     cycle,
		CycleTime: now,
		Clock:     r.clock,
	}

	info := CycleInfo{Cycle: cycle, Time: now}
	r.InvokeHook(hooking.HookCtx{
		Domain: r, Pos: HookPosBeforeCycle, Item: info,
	})

	outputs := make([]*cutask.Message, len(r.graph.nodes))
	blocked := make([]bool, len(r.graph.nodes))

	for _, n := range r.graph.order {
		if r.upstreamBlocked(n, blocked) {
			blocked[n.index] = true
			r.skip(n, "upstream failure")

			continue
		}

		inputs, missing := r.gatherInputs(n, outputs)
		if missing && n.cfg.OnMissingInput == SkipWhenMissing {
			r.skip(n, "missing input")

			continue
		}

		msg, err := r.invoke(n, tctx, inputs)
		if err != nil {
			if n.cfg.OnError == FailureFatal {
				return &TaskError{
					Task:     n.name,
					Cycle:    cycle,
					Severity: SeverityFatal,
					Err:      err,
				}
			}

			r.recoveredFailures.Add(1)
			blocked[n.index] = true
			r.InvokeHook(hooking.HookCtx{
				Domain: r, Pos: HookPosTaskFailed,
				Item: n.name, Detail: err,
			})

			continue
		}

		if msg != nil {
			outputs[n.index] = msg
			r.record(n, msg)
		}
	}

	r.InvokeHook(hooking.HookCtx{
		Domain: r, Pos: HookPosAfterCycle, Item: info,
	})

	r.cycle.Add(1)

	return nil
}

func (r *Runtime) taskContext(ctx context.Context) *cutask.Context {
	return &cutask.Context{
		Context:   ctx,
		Cycle:     r.cycle.Load(),
		CycleTime: r.clock.Now(),
		Clock:     r.clock,
	}
}

func (r *Runtime) upstreamBlocked(n *node, blocked []bool) bool {
	for _, up := range n.upstream {
		if blocked[up.index] {
			return true
		}
	}

	return false
}

// gatherInputs collects this cycle's upstream outputs in declared order.
// missing is true when at least one input produced nothing.
func (r *Runtime) gatherInputs(
	n *node,
	outputs []*cutask.Message,
) (inputs []*cutask.Message, missing bool) {
	if len(n.upstream) == 0 {
		return nil, false
	}

	inputs = make([]*cutask.Message, len(n.upstream))
	for i, up := range n.upstream {
		inputs[i] = outputs[up.index]
		if inputs[i] == nil {
			missing = true
		}
	}

	return inputs, missing
}

func (r *Runtime) invoke(
	n *node,
	tctx *cutask.Context,
	inputs []*cutask.Message,
) (*cutask.Message, error) {
	switch n.kind {
	case KindSource:
		return n.task.(cutask.Source).Generate(tctx)
	case KindFilter:
		return n.task.(cutask.Filter).Process(tctx, inputs)
	case KindSink:
		return nil, n.task.(cutask.Sink).Consume(tctx, inputs)
	default:
		panic("runtime: node " + n.name + " has unknown kind")
	}
}

func (r *Runtime) skip(n *node, reason string) {
	r.skippedInvocations.Add(1)
	r.InvokeHook(hooking.HookCtx{
		Domain: r, Pos: HookPosTaskSkipped,
		Item: n.name, Detail: reason,
	})
}

// record appends the node's per-cycle batch to its log stream. The append
// is all-or-nothing: a batch that fails to encode leaves zero bytes behind
// and is counted, and other nodes' batches are unaffected.
func (r *Runtime) record(n *node, msg *cutask.Message) {
	if r.pipeline == nil || !n.logged {
		return
	}

	data, err := culog.EncodeBatch(n.schema, []*cutask.Message{msg})
	if err != nil {
		r.encodingDrops.Add(1)
		r.InvokeHook(hooking.HookCtx{
			Domain: r, Pos: HookPosBatchDropped,
			Item: n.name, Detail: err,
		})

		return
	}

	r.pipeline.Enqueue(n.name, data)
}
