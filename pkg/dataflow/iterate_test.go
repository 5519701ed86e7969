package dataflow

import (
	"context"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dflow/internal/testutils"
)

var (
	scenarioA = set(tp(0, 1), tp(0, 2), tp(0, 3), tp(1, 2), tp(1, 3), tp(2, 3))
	scenarioB = set(tp(0, 1), tp(0, 2), tp(0, 3), tp(1, 2), tp(1, 3), tp(2, 3),
		tp(0, 4), tp(1, 4), tp(2, 4), tp(3, 4))
)

func allPairs(nodes ...uint64) map[Tuple]int {
	ret := map[Tuple]int{}
	for _, a := range nodes {
		for _, b := range nodes {
			ret[tp(a, b)] = 1
		}
	}
	return ret
}

// feedScenario stages the insert/remove script of the closure scenarios, one step per epoch.
func feedScenario(s *Session) {
	Expect(s.AdvanceTo(0)).To(Succeed())
	Expect(s.Insert(tp(0, 1))).To(Succeed())
	Expect(s.Insert(tp(1, 2))).To(Succeed())
	Expect(s.Insert(tp(2, 3))).To(Succeed())
	Expect(s.AdvanceTo(1)).To(Succeed())
	Expect(s.Insert(tp(3, 4))).To(Succeed())
	Expect(s.AdvanceTo(2)).To(Succeed())
	Expect(s.Remove(tp(3, 4))).To(Succeed())
	Expect(s.AdvanceTo(3)).To(Succeed())
	Expect(s.Insert(tp(3, 0))).To(Succeed())
	Expect(s.AdvanceTo(4)).To(Succeed())
}

func checkScenario(closure, cycles *recorder) {
	By("scenario A: a chain has no cycle")
	Expect(closure.at(0)).To(Equal(scenarioA))
	Expect(cycles.at(0)).To(BeEmpty())

	By("scenario B: extending the chain")
	Expect(closure.at(1)).To(Equal(scenarioB))
	Expect(closure.changes(1)).To(Equal([]Delta{
		{Tuple: tp(0, 4), Time: Time{1, 0}, Diff: 1},
		{Tuple: tp(1, 4), Time: Time{1, 0}, Diff: 1},
		{Tuple: tp(2, 4), Time: Time{1, 0}, Diff: 1},
		{Tuple: tp(3, 4), Time: Time{1, 0}, Diff: 1},
	}))
	Expect(cycles.at(1)).To(BeEmpty())

	By("scenario C: the retraction undoes the derived facts")
	Expect(closure.at(2)).To(Equal(scenarioA))
	Expect(closure.changes(2)).To(HaveLen(4))
	Expect(cycles.at(2)).To(BeEmpty())

	By("scenario D: closing the loop")
	Expect(closure.at(3)).To(Equal(allPairs(0, 1, 2, 3)))
	Expect(cycles.at(3)).To(Equal(set(tp(0, 1), tp(1, 2), tp(2, 3), tp(3, 0))))
}

var _ = Describe("Iterate", func() {
	var (
		df              *Dataflow
		contents        *Stream
		s               *Session
		closure, cycles *recorder
	)

	BeforeEach(func() {
		df = New(Options{Name: "closure", Logger: suite.Log})
		contents, s = df.NewInput("contents")
		closure, cycles = &recorder{}, &recorder{}
		c := closureOf(contents).Sink("closure", closure)
		cyclesOf(c, contents).Sink("cycles", cycles)
	})

	It("should maintain the transitive closure and report cycles", func() {
		feedScenario(s)
		Expect(df.Drain()).To(Succeed())
		checkScenario(closure, cycles)
		Expect(closure.anomalies).To(BeEmpty())
	})

	It("should give the same result when drained after every epoch", func() {
		steps := []func(){
			func() { Expect(s.Insert(tp(0, 1))).To(Succeed()); Expect(s.Insert(tp(1, 2))).To(Succeed()); Expect(s.Insert(tp(2, 3))).To(Succeed()) },
			func() { Expect(s.Insert(tp(3, 4))).To(Succeed()) },
			func() { Expect(s.Remove(tp(3, 4))).To(Succeed()) },
			func() { Expect(s.Insert(tp(3, 0))).To(Succeed()) },
		}
		for e, step := range steps {
			step()
			Expect(s.AdvanceTo(uint64(e + 1))).To(Succeed())
			Expect(df.Drain()).To(Succeed())
			Expect(closure.lastFrontier()).To(Equal(uint64(e + 1)))
		}
		checkScenario(closure, cycles)
	})

	It("should retract the cycle when the closing edge is removed", func() {
		feedScenario(s)
		Expect(s.Remove(tp(3, 0))).To(Succeed())
		Expect(s.AdvanceTo(5)).To(Succeed())
		Expect(df.Drain()).To(Succeed())

		Expect(closure.at(4)).To(Equal(scenarioA))
		Expect(cycles.at(4)).To(BeEmpty())
	})

	It("should handle self loops", func() {
		Expect(s.Insert(tp(7, 7))).To(Succeed())
		Expect(s.Insert(tp(7, 8))).To(Succeed())
		Expect(s.AdvanceTo(1)).To(Succeed())
		Expect(df.Drain()).To(Succeed())

		Expect(closure.at(0)).To(Equal(set(tp(7, 7), tp(7, 8))))
		Expect(cycles.at(0)).To(Equal(set(tp(7, 7))))
	})

	It("should reach the source for an identity body", func() {
		df = New(Options{Name: "identity", Logger: suite.Log})
		in, s := df.NewInput("in")
		out := &recorder{}
		in.Iterate("identity", func(_ *Loop, v *Stream) *Stream { return v }).Sink("out", out)

		Expect(s.Update(tp(1, 2), 2)).To(Succeed())
		Expect(s.AdvanceTo(1)).To(Succeed())
		Expect(s.Remove(tp(1, 2))).To(Succeed())
		Expect(s.AdvanceTo(2)).To(Succeed())
		Expect(df.Drain()).To(Succeed())

		Expect(out.at(0)).To(Equal(map[Tuple]int{tp(1, 2): 2}))
		Expect(out.at(1)).To(Equal(map[Tuple]int{tp(1, 2): 1}))
	})

	It("should agree with a naive closure on random updates", func() {
		rnd := rand.New(rand.NewSource(42))
		edges := map[Tuple]int{}

		for epoch := range uint64(20) {
			for range 1 + rnd.Intn(4) {
				t := tp(uint64(rnd.Intn(6)), uint64(rnd.Intn(6)))
				if edges[t] > 0 && rnd.Intn(2) == 0 {
					Expect(s.Remove(t)).To(Succeed())
					edges[t]--
					if edges[t] == 0 {
						delete(edges, t)
					}
					continue
				}
				Expect(s.Insert(t)).To(Succeed())
				edges[t]++
			}
			Expect(s.AdvanceTo(epoch + 1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			expected := naiveClosure(edges)
			Expect(closure.at(epoch)).To(Equal(expected), "epoch %d", epoch)

			witnesses := map[Tuple]int{}
			for e, count := range edges {
				if _, ok := expected[e.Swap()]; ok {
					witnesses[e] = count
				}
			}
			Expect(cycles.at(epoch)).To(Equal(witnesses), "epoch %d", epoch)
		}

		By("recomputing from scratch")
		scratch := New(Options{Name: "scratch", Logger: suite.Log})
		in, ss := scratch.NewInput("contents")
		final := &recorder{}
		closureOf(in).Sink("closure", final)
		for _, t := range sortedTuples(edges) {
			Expect(ss.Update(t, edges[t])).To(Succeed())
		}
		Expect(ss.Close()).To(Succeed())
		Expect(scratch.Drain()).To(Succeed())
		Expect(final.at(0)).To(Equal(closure.at(19)))
	})
})

var _ = Describe("Scheduler", func() {
	It("should run the closure on several workers", func() {
		df := New(Options{Name: "workers", Logger: suite.Log, Workers: 3, ChannelBuffer: 1})
		contents, s := df.NewInput("contents")
		closure, cycles := &recorder{}, &recorder{}
		c := closureOf(contents).Sink("closure", closure)
		cyclesOf(c, contents).Sink("cycles", cycles)

		errCh := testutils.RunAsync(func() error { return df.Run(suite.Ctx) })
		feedScenario(s)
		Expect(s.Close()).To(Succeed())

		err, ok := testutils.TryReceive(errCh, suite.Timeout)
		Expect(ok).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())
		Expect(df.Done()).To(BeTrue())

		checkScenario(closure, cycles)
		Expect(closure.lastFrontier()).To(Equal(Closed))
	})

	It("should stop when the context is canceled", func() {
		df := New(Options{Name: "cancel", Logger: suite.Log, Workers: 2})
		contents, s := df.NewInput("contents")
		out := &recorder{}
		closureOf(contents).Sink("closure", out)

		ctx, cancel := context.WithCancel(suite.Ctx)
		errCh := testutils.RunAsync(func() error { return df.Run(ctx) })

		Expect(s.Insert(tp(0, 1))).To(Succeed())
		Expect(s.Insert(tp(1, 2))).To(Succeed())
		Expect(s.AdvanceTo(1)).To(Succeed())
		Eventually(func() map[Tuple]int { return out.at(0) }, suite.Timeout, suite.Interval).
			Should(Equal(set(tp(0, 1), tp(0, 2), tp(1, 2))))

		cancel()
		err, ok := testutils.TryReceive(errCh, suite.Timeout)
		Expect(ok).To(BeTrue())
		Expect(err).To(MatchError(context.Canceled))
		Expect(df.Done()).To(BeFalse())
	})

	It("should refuse to run twice concurrently", func() {
		df := New(Options{Name: "twice", Logger: suite.Log})
		_, s := df.NewInput("contents")

		ctx, cancel := context.WithTimeout(suite.Ctx, time.Second)
		defer cancel()
		errCh := testutils.RunAsync(func() error { return df.Run(ctx) })
		Eventually(func() bool {
			df.mu.Lock()
			defer df.mu.Unlock()
			return df.running
		}, suite.Timeout, suite.Interval).Should(BeTrue())
		Expect(df.Drain()).To(MatchError(ContainSubstring("already running")))

		Expect(s.Close()).To(Succeed())
		err, ok := testutils.TryReceive(errCh, suite.Timeout)
		Expect(ok).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())
	})
})
