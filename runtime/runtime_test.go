package runtime

import (
	"context"
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/cutask"
	"github.com/cuprumlab/cuprum/cutime"
	"github.com/cuprumlab/cuprum/hooking"
)

type recordedHook struct {
	ctxs []hooking.HookCtx
}

func (h *recordedHook) Func(ctx hooking.HookCtx) {
	h.ctxs = append(h.ctxs, ctx)
}

func (h *recordedHook) at(pos *hooking.HookPos) []hooking.HookCtx {
	var matched []hooking.HookCtx
	for _, ctx := range h.ctxs {
		if ctx.Pos == pos {
			matched = append(matched, ctx)
		}
	}

	return matched
}

var _ = Describe("Runtime", func() {
	var (
		mockCtrl *gomock.Controller
		source   *MockSource
		filter   *MockFilter
		sink     *MockSink
		clock    *cutime.MockClock
		ctx      context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		source = NewMockSource(mockCtrl)
		filter = NewMockFilter(mockCtrl)
		sink = NewMockSink(mockCtrl)
		clock = cutime.NewMockClock()
		ctx = context.Background()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	buildGraph := func(filterCfg, sinkCfg NodeConfig) *Graph {
		filterCfg.Inputs = []string{"camera"}
		sinkCfg.Inputs = []string{"detector"}

		graph, err := NewGraphBuilder().
			AddSource("camera", source, counterSchema(), NodeConfig{}).
			AddFilter("detector", filter, counterSchema(), filterCfg).
			AddSink("display", sink, sinkCfg).
			Build()
		Expect(err).ToNot(HaveOccurred())

		return graph
	}

	buildRuntime := func(filterCfg, sinkCfg NodeConfig) *Runtime {
		return NewRuntimeBuilder().
			WithGraph(buildGraph(filterCfg, sinkCfg)).
			WithClock(clock).
			Build()
	}

	expectLifecycle := func() {
		source.EXPECT().Start(gomock.Any()).Return(nil).AnyTimes()
		filter.EXPECT().Start(gomock.Any()).Return(nil).AnyTimes()
		sink.EXPECT().Start(gomock.Any()).Return(nil).AnyTimes()
		source.EXPECT().Stop(gomock.Any()).Return(nil).AnyTimes()
		filter.EXPECT().Stop(gomock.Any()).Return(nil).AnyTimes()
		sink.EXPECT().Stop(gomock.Any()).Return(nil).AnyTimes()
	}

	It("should start in order and stop in reverse order", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})

		gomock.InOrder(
			source.EXPECT().Start(gomock.Any()).Return(nil),
			filter.EXPECT().Start(gomock.Any()).Return(nil),
			sink.EXPECT().Start(gomock.Any()).Return(nil),
			sink.EXPECT().Stop(gomock.Any()).Return(nil),
			filter.EXPECT().Stop(gomock.Any()).Return(nil),
			source.EXPECT().Stop(gomock.Any()).Return(nil),
		)

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.TaskState("camera")).To(Equal(cutask.StateStarted))
		Expect(r.TaskState("detector")).To(Equal(cutask.StateStarted))
		Expect(r.TaskState("display")).To(Equal(cutask.StateStarted))

		Expect(r.Stop(ctx)).To(Succeed())
		Expect(r.TaskState("camera")).To(Equal(cutask.StateStopped))
	})

	It("should roll back started tasks when a start fails", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})

		source.EXPECT().Start(gomock.Any()).Return(nil)
		filter.EXPECT().Start(gomock.Any()).Return(errors.New("no device"))
		source.EXPECT().Stop(gomock.Any()).Return(nil)

		err := r.Start(ctx)
		Expect(err).To(HaveOccurred())

		var taskErr *TaskError
		Expect(errors.As(err, &taskErr)).To(BeTrue())
		Expect(taskErr.Task).To(Equal("detector"))
		Expect(taskErr.Severity).To(Equal(SeverityFatal))

		Expect(r.TaskState("camera")).To(Equal(cutask.StateStopped))
		Expect(r.TaskState("display")).To(Equal(cutask.StateCreated))
	})

	It("should refuse to step before start", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})

		Expect(r.Step(ctx)).To(HaveOccurred())
	})

	It("should pass each message to its consumers within the cycle", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		produced := cutask.NewMessage(
			cutime.NewPartialCuTimeRange(), cutask.Uint64Value(7))
		refined := cutask.NewMessage(
			cutime.NewPartialCuTimeRange(), cutask.Uint64Value(14))

		source.EXPECT().Generate(gomock.Any()).Return(produced, nil)
		filter.EXPECT().
			Process(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				_ *cutask.Context,
				inputs []*cutask.Message,
			) (*cutask.Message, error) {
				Expect(inputs).To(HaveLen(1))
				Expect(inputs[0]).To(BeIdenticalTo(produced))
				return refined, nil
			})
		sink.EXPECT().
			Consume(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				_ *cutask.Context,
				inputs []*cutask.Message,
			) error {
				Expect(inputs).To(HaveLen(1))
				Expect(inputs[0]).To(BeIdenticalTo(refined))
				return nil
			})

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())
		Expect(r.Cycle()).To(Equal(uint64(1)))
	})

	It("should hand every task the same cycle time", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		clock.Set(cutime.CuTime(5 * cutime.Millisecond))

		source.EXPECT().
			Generate(gomock.Any()).
			DoAndReturn(func(tctx *cutask.Context) (*cutask.Message, error) {
				Expect(tctx.Cycle).To(Equal(uint64(0)))
				Expect(tctx.CycleTime).To(
					Equal(cutime.CuTime(5 * cutime.Millisecond)))

				// The clock moves mid-cycle; CycleTime must not.
				clock.Increment(cutime.Millisecond)

				return nil, nil
			})
		filter.EXPECT().
			Process(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				tctx *cutask.Context,
				_ []*cutask.Message,
			) (*cutask.Message, error) {
				Expect(tctx.CycleTime).To(
					Equal(cutime.CuTime(5 * cutime.Millisecond)))
				return nil, nil
			}).
			AnyTimes()

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())
	})

	It("should skip consumers when a source has no new data", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		hook := &recordedHook{}
		r.AcceptHook(hook)

		source.EXPECT().Generate(gomock.Any()).Return(nil, nil)

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())

		Expect(r.SkippedInvocations()).To(Equal(uint64(2)))

		skipped := hook.at(HookPosTaskSkipped)
		Expect(skipped).To(HaveLen(2))
		Expect(skipped[0].Item).To(Equal("detector"))
		Expect(skipped[1].Item).To(Equal("display"))
	})

	It("should run a degraded node with nil inputs", func() {
		r := buildRuntime(NodeConfig{OnMissingInput: RunDegraded}, NodeConfig{})
		expectLifecycle()

		source.EXPECT().Generate(gomock.Any()).Return(nil, nil)
		filter.EXPECT().
			Process(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				_ *cutask.Context,
				inputs []*cutask.Message,
			) (*cutask.Message, error) {
				Expect(inputs).To(HaveLen(1))
				Expect(inputs[0]).To(BeNil())
				return nil, nil
			})

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())

		// Only the sink was skipped: the degraded filter ran but produced
		// nothing.
		Expect(r.SkippedInvocations()).To(Equal(uint64(1)))
	})

	It("should absorb recoverable failures and continue", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		hook := &recordedHook{}
		r.AcceptHook(hook)

		boom := errors.New("sensor glitch")
		gomock.InOrder(
			source.EXPECT().Generate(gomock.Any()).Return(nil, boom),
			source.EXPECT().Generate(gomock.Any()).Return(nil, nil),
		)

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())

		Expect(r.Cycle()).To(Equal(uint64(2)))
		Expect(r.RecoveredFailures()).To(Equal(uint64(1)))

		failed := hook.at(HookPosTaskFailed)
		Expect(failed).To(HaveLen(1))
		Expect(failed[0].Item).To(Equal("camera"))
		Expect(failed[0].Detail).To(MatchError(boom))
	})

	It("should skip everything downstream of a failed node", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		source.EXPECT().Generate(gomock.Any()).
			Return(nil, errors.New("sensor glitch"))

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())

		Expect(r.SkippedInvocations()).To(Equal(uint64(2)))
	})

	It("should stop the run on a fatal failure", func() {
		r := buildRuntime(NodeConfig{OnError: FailureFatal}, NodeConfig{})
		expectLifecycle()

		msg := cutask.NewMessage(
			cutime.NewPartialCuTimeRange(), cutask.Uint64Value(1))
		boom := errors.New("inconsistent state")

		source.EXPECT().Generate(gomock.Any()).Return(msg, nil)
		filter.EXPECT().Process(gomock.Any(), gomock.Any()).Return(nil, boom)

		Expect(r.Start(ctx)).To(Succeed())

		err := r.Step(ctx)
		Expect(err).To(HaveOccurred())

		var taskErr *TaskError
		Expect(errors.As(err, &taskErr)).To(BeTrue())
		Expect(taskErr.Task).To(Equal("detector"))
		Expect(taskErr.Severity).To(Equal(SeverityFatal))
		Expect(errors.Is(err, boom)).To(BeTrue())
	})

	It("should fire cycle hooks with the cycle info", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		hook := &recordedHook{}
		r.AcceptHook(hook)

		clock.Set(cutime.CuTime(3))
		source.EXPECT().Generate(gomock.Any()).Return(nil, nil)

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())

		before := hook.at(HookPosBeforeCycle)
		after := hook.at(HookPosAfterCycle)
		Expect(before).To(HaveLen(1))
		Expect(after).To(HaveLen(1))
		Expect(before[0].Item).To(
			Equal(CycleInfo{Cycle: 0, Time: cutime.CuTime(3)}))
	})

	It("should run a bounded number of cycles", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		source.EXPECT().Generate(gomock.Any()).Return(nil, nil).Times(3)

		Expect(r.RunCycles(ctx, 3)).To(Succeed())
		Expect(r.Cycle()).To(Equal(uint64(3)))
		Expect(r.TaskState("camera")).To(Equal(cutask.StateStopped))
	})

	It("should honor cancellation at cycle boundaries", func() {
		r := buildRuntime(NodeConfig{}, NodeConfig{})
		expectLifecycle()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Expect(r.Run(cancelled)).To(Succeed())
		Expect(r.Cycle()).To(Equal(uint64(0)))
	})

	It("should panic when built without a graph or clock", func() {
		Expect(func() {
			NewRuntimeBuilder().WithClock(clock).Build()
		}).To(Panic())

		Expect(func() {
			NewRuntimeBuilder().
				WithGraph(buildGraph(NodeConfig{}, NodeConfig{})).
				Build()
		}).To(Panic())
	})
})

var _ = Describe("Runtime with a log pipeline", func() {
	var (
		mockCtrl *gomock.Controller
		clock    *cutime.MockClock
		ctx      context.Context
		logPath  string
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		clock = cutime.NewMockClock()
		ctx = context.Background()
		logPath = filepath.Join(GinkgoT().TempDir(), "run.culog")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should record each produced message as one batch", func() {
		graph, err := NewGraphBuilder().
			AddSource("counter", &countingSource{
				TaskBase: cutask.NewTaskBase("counter"),
			}, counterSchema(), NodeConfig{}).
			Build()
		Expect(err).ToNot(HaveOccurred())

		writer, err := culog.OpenWriter(logPath, clock.Now(), graph.LogSections())
		Expect(err).ToNot(HaveOccurred())

		r := NewRuntimeBuilder().
			WithGraph(graph).
			WithClock(clock).
			WithPipeline(culog.NewPipeline(writer, 0)).
			Build()

		Expect(r.Start(ctx)).To(Succeed())
		for i := 0; i < 5; i++ {
			Expect(r.Step(ctx)).To(Succeed())
			clock.Increment(cutime.Millisecond)
		}
		Expect(r.Stop(ctx)).To(Succeed())
		Expect(writer.Close()).To(Succeed())

		reader, err := culog.OpenReader(logPath)
		Expect(err).ToNot(HaveOccurred())
		defer reader.Close()

		Expect(reader.Truncated()).To(BeFalse())
		Expect(reader.NumBatches("counter")).To(Equal(5))

		for i := 0; i < 5; i++ {
			msgs, err := reader.ReadMessages("counter", i)
			Expect(err).ToNot(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Value(0).AsUint64()).To(Equal(uint64(i)))

			start, ok := msgs[0].Validity().Start()
			Expect(ok).To(BeTrue())
			Expect(start).To(
				Equal(cutime.CuTime(0).Add(
					cutime.CuDuration(i) * cutime.Millisecond)))
		}
	})

	It("should drop a whole batch that cannot be encoded", func() {
		source := NewMockSource(mockCtrl)
		source.EXPECT().Start(gomock.Any()).Return(nil).AnyTimes()
		source.EXPECT().Stop(gomock.Any()).Return(nil).AnyTimes()

		// The message does not match the declared schema, so encoding fails.
		bad := cutask.NewMessage(
			cutime.NewPartialCuTimeRange(), cutask.StringValue("oops"))
		source.EXPECT().Generate(gomock.Any()).Return(bad, nil)

		graph, err := NewGraphBuilder().
			AddSource("counter", source, counterSchema(), NodeConfig{}).
			Build()
		Expect(err).ToNot(HaveOccurred())

		writer, err := culog.OpenWriter(logPath, 0, graph.LogSections())
		Expect(err).ToNot(HaveOccurred())
		pipeline := culog.NewPipeline(writer, 0)

		r := NewRuntimeBuilder().
			WithGraph(graph).
			WithClock(clock).
			WithPipeline(pipeline).
			Build()

		hook := &recordedHook{}
		r.AcceptHook(hook)

		Expect(r.Start(ctx)).To(Succeed())
		Expect(r.Step(ctx)).To(Succeed())
		Expect(r.Stop(ctx)).To(Succeed())
		Expect(writer.Close()).To(Succeed())

		Expect(r.EncodingDrops()).To(Equal(uint64(1)))

		dropped := hook.at(HookPosBatchDropped)
		Expect(dropped).To(HaveLen(1))
		Expect(dropped[0].Item).To(Equal("counter"))

		// All-or-nothing: the failed batch left no bytes behind.
		reader, err := culog.OpenReader(logPath)
		Expect(err).ToNot(HaveOccurred())
		defer reader.Close()

		Expect(reader.Truncated()).To(BeFalse())
		Expect(reader.NumBatches("counter")).To(Equal(0))
	})
})

// countingSource emits one numbered message per cycle, valid at the cycle's
// time.
type countingSource struct {
	cutask.TaskBase
	next uint64
}

func (s *countingSource) Generate(
	tctx *cutask.Context,
) (*cutask.Message, error) {
	msg := cutask.NewMessage(
		cutime.CompleteCuTimeRange(tctx.CycleTime, tctx.CycleTime),
		cutask.Uint64Value(s.next))
	s.next++

	return msg, nil
}
