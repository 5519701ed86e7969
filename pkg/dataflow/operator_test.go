package dataflow

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Operators", func() {
	var (
		df     *Dataflow
		left   *Stream
		right  *Stream
		ls, rs *Session
		out    *recorder
	)

	BeforeEach(func() {
		df = New(Options{Name: "ops", Logger: suite.Log})
		left, ls = df.NewInput("left")
		right, rs = df.NewInput("right")
		out = &recorder{}
	})

	Context("Linear operators", func() {
		It("should map, filter and negate tuples", func() {
			left.Map("swap", Swap).
				Filter("nonzero", func(t Tuple) bool { return t.A != 0 }).
				Negate("negate").
				Sink("out", out)

			Expect(ls.Insert(tp(0, 1))).To(Succeed())
			Expect(ls.Insert(tp(1, 2))).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			Expect(out.at(0)).To(Equal(map[Tuple]int{tp(1, 0): -1, tp(2, 1): -1}))
		})

		It("should consolidate mapped tuples that collide", func() {
			left.Map("first", func(t Tuple) Tuple { return Tuple{A: t.A} }).Sink("out", out)

			Expect(ls.Insert(tp(1, 2))).To(Succeed())
			Expect(ls.Insert(tp(1, 3))).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			Expect(out.changes(0)).To(Equal([]Delta{{Tuple: tp(1, 0), Time: Time{0, 0}, Diff: 2}}))
		})

		It("should concatenate without removing duplicates", func() {
			left.Concat("union", right).Sink("out", out)

			Expect(ls.Insert(tp(1, 2))).To(Succeed())
			Expect(rs.Insert(tp(1, 2))).To(Succeed())
			Expect(rs.Insert(tp(2, 3))).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(rs.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			Expect(out.at(0)).To(Equal(map[Tuple]int{tp(1, 2): 2, tp(2, 3): 1}))
		})

		It("should wait for all inputs before processing an epoch", func() {
			left.Concat("union", right).Sink("out", out)

			Expect(ls.Insert(tp(1, 2))).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())
			Expect(out.at(0)).To(BeEmpty())

			Expect(rs.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())
			Expect(out.at(0)).To(Equal(set(tp(1, 2))))
			Expect(out.lastFrontier()).To(Equal(uint64(1)))
		})
	})

	Context("Join", func() {
		BeforeEach(func() {
			left.Join("join", right, BySecond, ByFirst, func(_, l, r Tuple) Tuple {
				return Tuple{A: l.A, B: r.B}
			}).Sink("out", out)
		})

		advance := func(epoch uint64) {
			Expect(ls.AdvanceTo(epoch)).To(Succeed())
			Expect(rs.AdvanceTo(epoch)).To(Succeed())
			Expect(df.Drain()).To(Succeed())
		}

		It("should join deltas arriving in the same epoch", func() {
			Expect(ls.Insert(tp(0, 1))).To(Succeed())
			Expect(rs.Insert(tp(1, 2))).To(Succeed())
			Expect(rs.Insert(tp(1, 3))).To(Succeed())
			Expect(rs.Insert(tp(2, 3))).To(Succeed())
			advance(1)

			Expect(out.at(0)).To(Equal(set(tp(0, 2), tp(0, 3))))
		})

		It("should join new deltas against the history of the other side", func() {
			Expect(ls.Insert(tp(0, 1))).To(Succeed())
			advance(1)
			Expect(out.at(0)).To(BeEmpty())

			Expect(rs.Insert(tp(1, 2))).To(Succeed())
			advance(2)
			Expect(out.changes(1)).To(Equal([]Delta{{Tuple: tp(0, 2), Time: Time{1, 0}, Diff: 1}}))

			Expect(ls.Insert(tp(5, 1))).To(Succeed())
			advance(3)
			Expect(out.changes(2)).To(Equal([]Delta{{Tuple: tp(5, 2), Time: Time{2, 0}, Diff: 1}}))
		})

		It("should multiply diffs and retract joined pairs", func() {
			Expect(ls.Update(tp(0, 1), 2)).To(Succeed())
			Expect(rs.Update(tp(1, 2), 3)).To(Succeed())
			advance(1)
			Expect(out.at(0)).To(Equal(map[Tuple]int{tp(0, 2): 6}))

			Expect(rs.Remove(tp(1, 2))).To(Succeed())
			advance(2)
			Expect(out.at(1)).To(Equal(map[Tuple]int{tp(0, 2): 4}))

			Expect(ls.Update(tp(0, 1), -2)).To(Succeed())
			advance(3)
			Expect(out.at(2)).To(BeEmpty())
		})
	})

	Context("Monotonicity", func() {
		It("should keep derived outputs when unrelated tuples are inserted", func() {
			mapped, concat, joined := &recorder{}, &recorder{}, &recorder{}
			left.Map("swap", Swap).Sink("map-out", mapped)
			left.Concat("union", right).Sink("concat-out", concat)
			left.Join("join", right, BySecond, ByFirst, func(_, l, r Tuple) Tuple {
				return Tuple{A: l.A, B: r.B}
			}).Sink("join-out", joined)

			Expect(ls.Insert(tp(0, 1))).To(Succeed())
			Expect(ls.Insert(tp(1, 2))).To(Succeed())
			Expect(rs.Insert(tp(1, 3))).To(Succeed())
			Expect(rs.Insert(tp(2, 4))).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(rs.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())
			Expect(joined.at(0)).To(Equal(set(tp(0, 3), tp(1, 4))))

			Expect(ls.Insert(tp(7, 8))).To(Succeed())
			Expect(rs.Insert(tp(8, 9))).To(Succeed())
			Expect(ls.AdvanceTo(2)).To(Succeed())
			Expect(rs.AdvanceTo(2)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			for _, r := range []*recorder{mapped, concat, joined} {
				for _, d := range r.changes(1) {
					Expect(d.Diff).To(BeNumerically(">", 0), "retraction %s", d)
				}
				after := r.at(1)
				for t, c := range r.at(0) {
					Expect(after).To(HaveKeyWithValue(t, c))
				}
			}
			Expect(mapped.changes(1)).To(Equal([]Delta{{Tuple: tp(8, 7), Time: Time{1, 0}, Diff: 1}}))
			Expect(concat.changes(1)).To(HaveLen(2))
			Expect(joined.changes(1)).To(Equal([]Delta{{Tuple: tp(7, 9), Time: Time{1, 0}, Diff: 1}}))
		})
	})

	Context("Distinct", func() {
		It("should emit changes only when presence flips", func() {
			left.Distinct("distinct").Sink("out", out)

			Expect(ls.Update(tp(0, 1), 3)).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(ls.Remove(tp(0, 1))).To(Succeed())
			Expect(ls.AdvanceTo(2)).To(Succeed())
			Expect(ls.Update(tp(0, 1), -2)).To(Succeed())
			Expect(ls.AdvanceTo(3)).To(Succeed())
			Expect(ls.Insert(tp(0, 1))).To(Succeed())
			Expect(ls.AdvanceTo(4)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			Expect(out.changes(0)).To(Equal([]Delta{{Tuple: tp(0, 1), Time: Time{0, 0}, Diff: 1}}))
			Expect(out.changes(1)).To(BeEmpty())
			Expect(out.changes(2)).To(Equal([]Delta{{Tuple: tp(0, 1), Time: Time{2, 0}, Diff: -1}}))
			Expect(out.changes(3)).To(Equal([]Delta{{Tuple: tp(0, 1), Time: Time{3, 0}, Diff: 1}}))
		})

		It("should treat negative counts as absent", func() {
			left.Distinct("distinct").Sink("out", out)

			Expect(ls.Remove(tp(0, 1))).To(Succeed())
			Expect(ls.AdvanceTo(1)).To(Succeed())
			Expect(ls.Insert(tp(0, 1))).To(Succeed())
			Expect(ls.AdvanceTo(2)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			Expect(out.at(1)).To(BeEmpty())
		})

		It("should be idempotent", func() {
			once, twice := &recorder{}, &recorder{}
			d := left.Concat("union", right).Distinct("once")
			d.Sink("once-out", once)
			d.Distinct("twice").Sink("twice-out", twice)

			script := [][]Tuple{
				{tp(0, 1), tp(0, 1), tp(1, 2)},
				{tp(2, 3)},
				{tp(0, 1)},
			}
			for e, ins := range script {
				for _, t := range ins {
					Expect(ls.Insert(t)).To(Succeed())
					Expect(rs.Insert(t)).To(Succeed())
				}
				if e == 2 {
					Expect(ls.Update(tp(1, 2), -1)).To(Succeed())
					Expect(rs.Update(tp(1, 2), -1)).To(Succeed())
				}
				Expect(ls.AdvanceTo(uint64(e + 1))).To(Succeed())
				Expect(rs.AdvanceTo(uint64(e + 1))).To(Succeed())
			}
			Expect(df.Drain()).To(Succeed())

			for e := range uint64(3) {
				Expect(twice.changes(e)).To(Equal(once.changes(e)), "epoch %d", e)
			}
			Expect(once.at(2)).To(Equal(set(tp(0, 1), tp(2, 3))))
		})
	})

	Context("Anomalies", func() {
		It("should report negative input counts at finalized epochs", func() {
			var reported []Update
			df = New(Options{Name: "anomalies", Logger: suite.Log, OnAnomaly: func(input string, u Update) {
				Expect(input).To(Equal("contents"))
				reported = append(reported, u)
			}})
			contents, s := df.NewInput("contents")
			contents.Sink("out", out)

			Expect(s.Insert(tp(0, 1))).To(Succeed())
			Expect(s.Remove(tp(3, 4))).To(Succeed())
			Expect(s.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			anomaly := Update{Tuple: tp(3, 4), Time: Time{0, 0}, Diff: -1, Anomaly: true}
			Expect(reported).To(Equal([]Update{anomaly}))
			Expect(out.anomalies).To(Equal([]Update{anomaly}))
			Expect(out.at(0)).To(Equal(map[Tuple]int{tp(0, 1): 1, tp(3, 4): -1}))

			Expect(s.Insert(tp(3, 4))).To(Succeed())
			Expect(s.AdvanceTo(2)).To(Succeed())
			Expect(df.Drain()).To(Succeed())
			Expect(reported).To(HaveLen(1))
			Expect(out.at(1)).To(Equal(set(tp(0, 1))))
		})

		It("should not report an insert and remove in the same epoch", func() {
			contents, s := df.NewInput("contents")
			contents.Sink("out", out)

			Expect(s.Insert(tp(3, 4))).To(Succeed())
			Expect(s.Remove(tp(3, 4))).To(Succeed())
			Expect(s.AdvanceTo(1)).To(Succeed())
			Expect(df.Drain()).To(Succeed())

			Expect(out.updates).To(BeEmpty())
			Expect(out.anomalies).To(BeEmpty())
			Expect(out.lastFrontier()).To(Equal(uint64(1)))
		})
	})
})
