package cutask

import (
	"context"
	"fmt"

	"github.com/cuprumlab/cuprum/cutime"
)

// A Named object is an object that has a name.
type Named interface {
	Name() string
}

// State is the lifecycle state of a task. The runtime moves every task
// through Created, Started, and finally Stopped; cycles only run between
// Started and Stopped.
type State int

// Lifecycle states.
const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Context is handed to every task invocation. CycleTime is the single clock
// reading taken at the start of the cycle; Clock allows a task to take
// additional readings within the cycle, for example to timestamp the end of
// a long acquisition.
type Context struct {
	// Context is the run's cancellation context. Tasks doing long work may
	// watch it, but the runtime itself only cancels at cycle boundaries.
	Context context.Context

	// Cycle is the index of the current cycle, starting from zero.
	Cycle uint64

	// CycleTime is the reference time shared by everything produced in this
	// cycle.
	CycleTime cutime.CuTime

	// Clock is the run's time source.
	Clock cutime.TimeTeller
}

// Now returns the current robot time from the run's clock.
func (c *Context) Now() cutime.CuTime {
	return c.Clock.Now()
}

// Task is a unit in the execution graph. Start acquires the task's
// resources; Stop releases them. Between the two, the runtime invokes the
// task's capability method once per cycle. A task is owned exclusively by
// the graph for its lifetime and always sees its invocations serialized.
type Task interface {
	Named

	Start(ctx *Context) error
	Stop(ctx *Context) error
}

// Source produces messages with no upstream input. Returning a nil message
// with a nil error signals "no new data this cycle", which downstream tasks
// see as absence of an update. That is distinct from returning a message
// with an empty payload.
type Source interface {
	Task

	Generate(ctx *Context) (*Message, error)
}

// Filter consumes upstream messages and produces a message. The inputs
// slice is ordered as the node's inputs were declared; an input that did not
// produce this cycle is nil when the node is configured to run degraded.
type Filter interface {
	Task

	Process(ctx *Context, inputs []*Message) (*Message, error)
}

// Sink consumes upstream messages with no downstream output.
type Sink interface {
	Task

	Consume(ctx *Context, inputs []*Message) error
}

// TaskBase provides a name and no-op lifecycle methods so that simple tasks
// only implement their capability method.
type TaskBase struct {
	name string
}

// NewTaskBase creates a TaskBase.
func NewTaskBase(name string) TaskBase {
	return TaskBase{name: name}
}

// Name returns the name of the task.
func (t TaskBase) Name() string {
	return t.name
}

// Start does nothing. Tasks that acquire resources override it.
func (t TaskBase) Start(_ *Context) error {
	return nil
}

// Stop does nothing. Tasks that release resources override it.
func (t TaskBase) Stop(_ *Context) error {
	return nil
}
