package policy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-mux/common/configuration"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"github.com/scusemua/gpu-mux/common/scheduling/policy"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
)

var (
	gpu0      = types.GPU(0)
	memTag    = types.NewTag(types.ResourceMemory, gpu0)
	streamTag = types.NewTag(types.ResourceGPUStream, gpu0)
)

// fakeEngine admits every task except those requesting a tag listed in blocked, and
// records the dispatch order.
type fakeEngine struct {
	params configuration.SchedulerParameters

	// blocked tags fail admission with an OutOfCapacityError naming them.
	blocked map[types.ResourceTag]bool

	// admitBudget, when >= 0, bounds the number of successful admissions.
	admitBudget int

	dispatched []scheduling.Task
}

func newFakeEngine(params configuration.SchedulerParameters) *fakeEngine {
	return &fakeEngine{
		params:      params,
		blocked:     make(map[types.ResourceTag]bool),
		admitBudget: -1,
	}
}

func (e *fakeEngine) SchedulingParameters() configuration.SchedulerParameters {
	return e.params
}

func (e *fakeEngine) TryScheduleTask(_ *scheduling.SessionItem, task scheduling.Task) error {
	request := task.RequestedResources()
	for _, tag := range request.Tags() {
		if e.blocked[tag] {
			return &resource.OutOfCapacityError{
				Requested:     request,
				OffendingTags: []types.ResourceTag{tag},
				Available:     types.NewResources(),
			}
		}
	}

	if e.admitBudget == 0 {
		return &resource.OutOfCapacityError{
			Requested:     request,
			OffendingTags: request.Tags(),
			Available:     types.NewResources(),
		}
	}
	if e.admitBudget > 0 {
		e.admitBudget--
	}

	e.dispatched = append(e.dispatched, task)
	return nil
}

func newTask(session *scheduling.SessionItem, tag types.ResourceTag, n int64) *scheduling.BaseTask {
	return scheduling.NewTask(session.Handle(), types.NewGraph(nil), types.SingleResource(tag, n), scheduling.TaskCallbacks{})
}

func defaultParams() configuration.SchedulerParameters {
	return configuration.SchedulerParameters{
		SchedulingPolicy: "fair",
		MaxHolWaiting:    2,
		WorkConservative: true,
	}
}

var _ = Describe("Policy Tests", func() {
	Context("Provider", func() {
		It("Returns each built-in policy by name", func() {
			engine := newFakeEngine(defaultParams())
			for _, name := range []string{"fair", "preempt", "pack", "rr", "fifo"} {
				p, err := policy.GetSchedulingPolicy(name, engine)
				Expect(err).To(BeNil())
				Expect(p.Name()).To(Equal(name))
			}
		})

		It("Rejects unknown policy names", func() {
			engine := newFakeEngine(defaultParams())
			_, err := policy.GetSchedulingPolicy("lottery", engine)
			Expect(err).ToNot(BeNil())

			_, err = policy.GetSchedulingPolicy("", engine)
			Expect(err).ToNot(BeNil())
		})
	})

	Context("Head-of-line bypass (fair)", func() {
		It("Bypasses a blocked head up to max-hol-waiting and then stops", func() {
			engine := newFakeEngine(defaultParams())
			engine.blocked[streamTag] = true

			fair := policy.NewFairPolicy(engine)

			session := scheduling.NewSessionItem("s1", 1)
			t1 := newTask(session, streamTag, 4)
			t2 := newTask(session, memTag, 10)
			t3 := newTask(session, memTag, 10)
			t4 := newTask(session, memTag, 10)
			for _, t := range []*scheduling.BaseTask{t1, t2, t3, t4} {
				session.EnqueueTask(t)
			}

			scheduled, contd := fair.MaybeScheduleFrom(session)
			Expect(contd).To(BeTrue())
			Expect(scheduled).To(Equal(2))
			Expect(engine.dispatched).To(Equal([]scheduling.Task{t2, t3}))

			// The cap was reached: holWaiting equals max and t4 stays queued behind the
			// blocked head.
			Expect(session.HolWaiting()).To(Equal(uint64(2)))
			head, ok := session.HeadTask()
			Expect(ok).To(BeTrue())
			Expect(head).To(BeIdenticalTo(scheduling.Task(t1)))
			Expect(session.QueueLen()).To(Equal(2))

			// A further pass bypasses nothing more until the head clears.
			scheduled, _ = fair.MaybeScheduleFrom(session)
			Expect(scheduled).To(Equal(0))
			Expect(session.HolWaiting()).To(Equal(uint64(2)))
		})

		It("Skips bypass candidates that conflict with the head's unmet requirement", func() {
			engine := newFakeEngine(defaultParams())
			engine.blocked[streamTag] = true

			fair := policy.NewFairPolicy(engine)

			session := scheduling.NewSessionItem("s1", 1)
			head := newTask(session, streamTag, 4)
			conflicting := newTask(session, streamTag, 1)
			harmless := newTask(session, memTag, 10)
			for _, t := range []*scheduling.BaseTask{head, conflicting, harmless} {
				session.EnqueueTask(t)
			}

			scheduled, _ := fair.MaybeScheduleFrom(session)
			Expect(scheduled).To(Equal(1))
			Expect(engine.dispatched).To(Equal([]scheduling.Task{harmless}))
			Expect(session.HolWaiting()).To(Equal(uint64(1)))
		})

		It("Does not bypass when work conservation is disabled", func() {
			params := defaultParams()
			params.WorkConservative = false
			engine := newFakeEngine(params)
			engine.blocked[streamTag] = true

			fair := policy.NewFairPolicy(engine)

			session := scheduling.NewSessionItem("s1", 1)
			session.EnqueueTask(newTask(session, streamTag, 4))
			session.EnqueueTask(newTask(session, memTag, 10))

			scheduled, _ := fair.MaybeScheduleFrom(session)
			Expect(scheduled).To(Equal(0))
			Expect(engine.dispatched).To(BeEmpty())
			Expect(session.HolWaiting()).To(Equal(uint64(0)))
		})

		It("Resets holWaiting when the head dispatches", func() {
			engine := newFakeEngine(defaultParams())
			engine.blocked[streamTag] = true

			fair := policy.NewFairPolicy(engine)

			session := scheduling.NewSessionItem("s1", 1)
			session.EnqueueTask(newTask(session, streamTag, 4))
			session.EnqueueTask(newTask(session, memTag, 10))

			scheduled, _ := fair.MaybeScheduleFrom(session)
			Expect(scheduled).To(Equal(1))
			Expect(session.HolWaiting()).To(Equal(uint64(1)))

			// The blocking resource frees up; the head dispatches and the counter resets.
			delete(engine.blocked, streamTag)
			scheduled, _ = fair.MaybeScheduleFrom(session)
			Expect(scheduled).To(Equal(1))
			Expect(session.HolWaiting()).To(Equal(uint64(0)))
		})
	})

	Context("Fair candidate order", func() {
		It("Visits least-recently-scheduled sessions first", func() {
			engine := newFakeEngine(defaultParams())
			fair := policy.NewFairPolicy(engine)

			s1 := scheduling.NewSessionItem("s1", 1)
			s2 := scheduling.NewSessionItem("s2", 2)
			s1.MarkScheduled()

			candidates := fair.SelectCandidateSessions([]*scheduling.SessionItem{s1, s2}, scheduling.NewSessionChangeSet())
			Expect(candidates[0]).To(BeIdenticalTo(s2))
			Expect(candidates[1]).To(BeIdenticalTo(s1))
		})
	})

	Context("Preempt", func() {
		It("Dispatches the newest session's task before any older session's", func() {
			engine := newFakeEngine(defaultParams())
			preempt := policy.NewPreemptPolicy(engine)

			older := scheduling.NewSessionItem("older", 1)
			newer := scheduling.NewSessionItem("newer", 2)
			olderTask := newTask(older, memTag, 10)
			newerTask := newTask(newer, memTag, 10)
			older.EnqueueTask(olderTask)
			newer.EnqueueTask(newerTask)

			candidates := preempt.SelectCandidateSessions([]*scheduling.SessionItem{older, newer}, scheduling.NewSessionChangeSet())
			Expect(candidates[0]).To(BeIdenticalTo(newer))

			total := 0
			for _, candidate := range candidates {
				n, contd := preempt.MaybeScheduleFrom(candidate)
				total += n
				if !contd {
					break
				}
			}

			// Only the newer session's task dispatched; the older session was suspended.
			Expect(total).To(Equal(1))
			Expect(engine.dispatched).To(Equal([]scheduling.Task{newerTask}))
			Expect(older.QueueLen()).To(Equal(1))
		})

		It("Lets older sessions run once newer sessions have no tasks", func() {
			engine := newFakeEngine(defaultParams())
			preempt := policy.NewPreemptPolicy(engine)

			older := scheduling.NewSessionItem("older", 1)
			newer := scheduling.NewSessionItem("newer", 2)
			olderTask := newTask(older, memTag, 10)
			older.EnqueueTask(olderTask)

			candidates := preempt.SelectCandidateSessions([]*scheduling.SessionItem{older, newer}, scheduling.NewSessionChangeSet())
			total := 0
			for _, candidate := range candidates {
				n, _ := preempt.MaybeScheduleFrom(candidate)
				total += n
			}

			Expect(total).To(Equal(1))
			Expect(engine.dispatched).To(Equal([]scheduling.Task{olderTask}))
		})
	})

	Context("Pack", func() {
		It("Orders sessions by decreasing footprint and drains greedily", func() {
			engine := newFakeEngine(defaultParams())
			pack := policy.NewPackPolicy(engine)

			small := scheduling.NewSessionItem("small", 1)
			large := scheduling.NewSessionItem("large", 2)
			large.AddAllocated(types.SingleResource(memTag, 50))
			small.AddAllocated(types.SingleResource(memTag, 5))

			candidates := pack.SelectCandidateSessions([]*scheduling.SessionItem{small, large}, scheduling.NewSessionChangeSet())
			Expect(candidates[0]).To(BeIdenticalTo(large))

			t1 := newTask(large, memTag, 10)
			t2 := newTask(large, memTag, 10)
			t3 := newTask(large, memTag, 10)
			for _, t := range []*scheduling.BaseTask{t1, t2, t3} {
				large.EnqueueTask(t)
			}

			// Only two admissions fit; packing stops at the failure.
			engine.admitBudget = 2
			scheduled, contd := pack.MaybeScheduleFrom(large)
			Expect(scheduled).To(Equal(2))
			Expect(contd).To(BeTrue())
			Expect(large.QueueLen()).To(Equal(1))
		})
	})

	Context("Round-robin", func() {
		It("Dispatches exactly one task per session per turn in submission order", func() {
			engine := newFakeEngine(defaultParams())
			rr := policy.NewRoundRobinPolicy(engine)

			s1 := scheduling.NewSessionItem("s1", 1)
			tasks := []*scheduling.BaseTask{
				newTask(s1, memTag, 1),
				newTask(s1, memTag, 1),
				newTask(s1, memTag, 1),
			}
			for _, t := range tasks {
				s1.EnqueueTask(t)
			}

			for i := 0; i < 3; i++ {
				scheduled, contd := rr.MaybeScheduleFrom(s1)
				Expect(scheduled).To(Equal(1))
				Expect(contd).To(BeTrue())
			}

			// Dispatch order equals submission order.
			Expect(engine.dispatched).To(Equal([]scheduling.Task{tasks[0], tasks[1], tasks[2]}))
		})

		It("Rotates the starting session across iterations", func() {
			engine := newFakeEngine(defaultParams())
			rr := policy.NewRoundRobinPolicy(engine)

			s1 := scheduling.NewSessionItem("s1", 1)
			s2 := scheduling.NewSessionItem("s2", 2)
			sessions := []*scheduling.SessionItem{s1, s2}

			first := rr.SelectCandidateSessions(sessions, scheduling.NewSessionChangeSet())
			second := rr.SelectCandidateSessions(sessions, scheduling.NewSessionChangeSet())
			Expect(first[0]).To(BeIdenticalTo(s1))
			Expect(second[0]).To(BeIdenticalTo(s2))
		})
	})

	Context("FIFO", func() {
		It("Drains sessions fully in submission order", func() {
			engine := newFakeEngine(defaultParams())
			fifo := policy.NewFifoPolicy(engine)

			s1 := scheduling.NewSessionItem("s1", 1)
			s2 := scheduling.NewSessionItem("s2", 2)
			a1 := newTask(s1, memTag, 1)
			a2 := newTask(s1, memTag, 1)
			b1 := newTask(s2, memTag, 1)
			s1.EnqueueTask(a1)
			s1.EnqueueTask(a2)
			s2.EnqueueTask(b1)

			candidates := fifo.SelectCandidateSessions([]*scheduling.SessionItem{s2, s1}, scheduling.NewSessionChangeSet())
			Expect(candidates[0]).To(BeIdenticalTo(s1))

			for _, candidate := range candidates {
				_, contd := fifo.MaybeScheduleFrom(candidate)
				if !contd {
					break
				}
			}

			Expect(engine.dispatched).To(Equal([]scheduling.Task{a1, a2, b1}))
		})

		It("Blocks the iteration behind an undrainable session", func() {
			engine := newFakeEngine(defaultParams())
			engine.blocked[streamTag] = true
			fifo := policy.NewFifoPolicy(engine)

			s1 := scheduling.NewSessionItem("s1", 1)
			s2 := scheduling.NewSessionItem("s2", 2)
			s1.EnqueueTask(newTask(s1, streamTag, 1))
			s2.EnqueueTask(newTask(s2, memTag, 1))

			candidates := fifo.SelectCandidateSessions([]*scheduling.SessionItem{s1, s2}, scheduling.NewSessionChangeSet())
			dispatchedBeforeBreak := 0
			for _, candidate := range candidates {
				n, contd := fifo.MaybeScheduleFrom(candidate)
				dispatchedBeforeBreak += n
				if !contd {
					break
				}
			}

			// s1's blocked head stops the pass before s2 is visited.
			Expect(dispatchedBeforeBreak).To(Equal(0))
			Expect(engine.dispatched).To(BeEmpty())
		})
	})
})
