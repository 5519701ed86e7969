package closure

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dflow/pkg/dataflow"
)

var _ = Describe("Scenario", func() {
	It("should parse a YAML scenario", func() {
		sc, err := ParseScenario([]byte(`
name: chain
steps:
- advanceTo: 0
  insert: [[0, 1], [1, 2]]
- advanceTo: 2
  remove: [[1, 2]]
- insert: [[5, 6]]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(sc.Name).To(Equal("chain"))
		Expect(sc.Steps).To(HaveLen(3))
		Expect(*sc.Steps[1].AdvanceTo).To(Equal(uint64(2)))
		Expect(sc.Steps[2].AdvanceTo).To(BeNil())
		Expect(sc.Epochs()).To(Equal([]uint64{0, 2}))
		Expect(sc.Contents(1)).To(Equal(tuples(Pair{0, 1}, Pair{1, 2})))
		Expect(sc.Contents(2)).To(Equal(tuples(Pair{0, 1}, Pair{5, 6})))
	})

	It("should reject a scenario without steps", func() {
		_, err := ParseScenario([]byte(`name: empty`))
		Expect(err).To(MatchError(ContainSubstring("no steps")))
	})

	It("should load a scenario from a file", func() {
		file := filepath.Join(GinkgoT().TempDir(), "scenario.json")
		Expect(os.WriteFile(file, []byte(`{"steps":[{"insert":[[1,2]]}]}`), 0o600)).To(Succeed())

		sc, err := LoadScenario(file)
		Expect(err).NotTo(HaveOccurred())
		Expect(sc.Contents(0)).To(Equal(tuples(Pair{1, 2})))

		_, err = LoadScenario(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})

	It("should report session errors with the failing step", func() {
		sc, err := ParseScenario([]byte(`
steps:
- advanceTo: 3
- advanceTo: 1`))
		Expect(err).NotTo(HaveOccurred())

		df := dataflow.New(dataflow.Options{Logger: suite.Log})
		_, s := df.NewInput("contents")
		err = sc.Apply(s)
		Expect(err).To(MatchError(ContainSubstring("step 1")))
		var usage *dataflow.UsageError
		Expect(errors.As(err, &usage)).To(BeTrue())
	})
})
