package scheduling_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/scusemua/gpu-mux/common/scheduling"
	"github.com/scusemua/gpu-mux/common/types"
)

var _ = Describe("Session Item Tests", func() {
	gpu0 := types.GPU(0)
	memTag := types.NewTag(types.ResourceMemory, gpu0)

	newTask := func(handle string) *scheduling.BaseTask {
		return scheduling.NewTask(handle, types.NewGraph(nil), types.SingleResource(memTag, 10), scheduling.TaskCallbacks{})
	}

	It("Maintains FIFO order with head re-queueing", func() {
		session := scheduling.NewSessionItem("s1", 1)

		t1 := newTask("s1")
		t2 := newTask("s1")
		session.EnqueueTask(t1)
		session.EnqueueTask(t2)
		Expect(session.QueueLen()).To(Equal(2))

		head, ok := session.DequeueHead()
		Expect(ok).To(BeTrue())
		Expect(head).To(BeIdenticalTo(scheduling.Task(t1)))

		// RequeueTaskAtHead returns the task to the head position.
		session.RequeueTaskAtHead(t1)
		head, _ = session.HeadTask()
		Expect(head).To(BeIdenticalTo(scheduling.Task(t1)))
	})

	It("Tracks and resets the head-of-line bypass counter", func() {
		session := scheduling.NewSessionItem("s1", 1)

		Expect(session.IncrementHolWaiting()).To(Equal(uint64(1)))
		Expect(session.IncrementHolWaiting()).To(Equal(uint64(2)))
		session.ResetHolWaiting()
		Expect(session.HolWaiting()).To(Equal(uint64(0)))
	})

	It("Tracks the committed footprint with saturation", func() {
		session := scheduling.NewSessionItem("s1", 1)

		session.AddAllocated(types.SingleResource(memTag, 30))
		Expect(session.AllocatedFootprint()).To(Equal(int64(30)))

		session.SubAllocated(types.SingleResource(memTag, 50))
		Expect(session.AllocatedFootprint()).To(Equal(int64(0)))
	})

	It("Records scheduling times and statistics", func() {
		session := scheduling.NewSessionItem("s1", 1)
		Expect(session.LastScheduledAt().IsZero()).To(BeTrue())

		session.MarkScheduled()
		Expect(session.LastScheduledAt().IsZero()).To(BeFalse())

		session.Statistics().RecordTask(2*time.Second, decimal.NewFromFloat(0.5))
		session.Statistics().RecordTask(4*time.Second, decimal.NewFromFloat(1.0))

		Expect(session.Statistics().NumTasksCompleted()).To(Equal(int64(2)))
		Expect(session.Statistics().TaskLatency().InexactFloat64()).To(BeNumerically("~", 3.0, 0.001))
		Expect(session.Statistics().Utilization().InexactFloat64()).To(BeNumerically("~", 0.75, 0.001))
	})

	It("Defaults to pagable and unprotected", func() {
		session := scheduling.NewSessionItem("s1", 1)
		Expect(session.Pagable()).To(BeTrue())
		Expect(session.Protected()).To(BeFalse())

		session.SetProtected(true)
		session.SetPagable(false)
		Expect(session.Protected()).To(BeTrue())
		Expect(session.Pagable()).To(BeFalse())
	})

	It("Consumes change-sets with overwrite semantics", func() {
		changes := scheduling.NewSessionChangeSet()
		Expect(changes.Empty()).To(BeTrue())

		changes.Record("s1", scheduling.SessionAdded)
		changes.Record("s2", scheduling.SessionAdded)
		changes.Record("s1", scheduling.SessionRemoved)

		Expect(changes.Added()).To(Equal([]string{"s2"}))
		Expect(changes.Removed()).To(Equal([]string{"s1"}))
	})
})
