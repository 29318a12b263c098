package runtime

import (
	"github.com/cuprumlab/cuprum/cutime"
	"github.com/cuprumlab/cuprum/hooking"
)

// Hook positions the runtime fires. Tracers and monitors attach here; the
// runtime itself never depends on any hook being present.
var (
	// HookPosBeforeCycle fires after the cycle's clock read, before any
	// task is invoked. Item is a CycleInfo.
	HookPosBeforeCycle = &hooking.HookPos{Name: "BeforeCycle"}

	// HookPosAfterCycle fires after the last task of a cycle returned.
	// Item is a CycleInfo.
	HookPosAfterCycle = &hooking.HookPos{Name: "AfterCycle"}

	// HookPosTaskSkipped fires when a node is not invoked this cycle, due
	// to a missing input or an upstream failure. Item is the node name;
	// Detail is the reason string.
	HookPosTaskSkipped = &hooking.HookPos{Name: "TaskSkipped"}

	// HookPosTaskFailed fires when a node's invocation returned a
	// recoverable error. Item is the node name; Detail is the error.
	HookPosTaskFailed = &hooking.HookPos{Name: "TaskFailed"}

	// HookPosBatchDropped fires when a node's per-cycle batch could not be
	// encoded and was discarded whole. Item is the node name; Detail is the
	// error.
	HookPosBatchDropped = &hooking.HookPos{Name: "BatchDropped"}
)

// CycleInfo describes one cycle to hooks.
type CycleInfo struct {
	Cycle uint64
	Time  cutime.CuTime
}
