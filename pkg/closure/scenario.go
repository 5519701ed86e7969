package closure

import (
	"fmt"
	"os"
	"slices"

	"sigs.k8s.io/yaml"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// Pair is a tuple written as a two-element list, e.g., [0, 1].
type Pair [2]uint64

func (p Pair) Tuple() dataflow.Tuple { return dataflow.Tuple{A: p[0], B: p[1]} }

// Step moves the input to a new epoch, if AdvanceTo is set, and then stages the insertions and
// removals at that epoch.
type Step struct {
	AdvanceTo *uint64 `json:"advanceTo,omitempty"`
	Insert    []Pair  `json:"insert,omitempty"`
	Remove    []Pair  `json:"remove,omitempty"`
}

// Scenario is a script of changes to the contents relation.
type Scenario struct {
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
}

// DefaultScenario builds a chain 0 -> 1 -> 2 -> 3, extends it with (3, 4), retracts the extension
// and finally closes the cycle with (3, 0).
func DefaultScenario() *Scenario {
	at := func(e uint64) *uint64 { return &e }
	return &Scenario{
		Name: "default",
		Steps: []Step{
			{AdvanceTo: at(0), Insert: []Pair{{0, 1}, {1, 2}, {2, 3}}},
			{AdvanceTo: at(1), Insert: []Pair{{3, 4}}},
			{AdvanceTo: at(2), Remove: []Pair{{3, 4}}},
			{AdvanceTo: at(3), Insert: []Pair{{3, 0}}},
		},
	}
}

// LoadScenario reads a scenario from a YAML or JSON file.
func LoadScenario(file string) (*Scenario, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseScenario(b)
}

// ParseScenario parses a scenario from YAML or JSON.
func ParseScenario(b []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("invalid scenario %q: no steps", sc.Name)
	}
	return &sc, nil
}

// Apply stages the steps of the scenario on the session. The session is left open at the epoch
// of the last step, so the changes of that epoch are published only when the session is
// advanced or closed.
func (sc *Scenario) Apply(s *dataflow.Session) error {
	for i, step := range sc.Steps {
		if step.AdvanceTo != nil {
			if err := s.AdvanceTo(*step.AdvanceTo); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		for _, p := range step.Insert {
			if err := s.Insert(p.Tuple()); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		for _, p := range step.Remove {
			if err := s.Remove(p.Tuple()); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	return nil
}

// Epochs returns the epochs at which the scenario changes the relation, in increasing order.
func (sc *Scenario) Epochs() []uint64 {
	var ret []uint64
	epoch := uint64(0)
	for _, step := range sc.Steps {
		if step.AdvanceTo != nil {
			epoch = *step.AdvanceTo
		}
		if len(step.Insert)+len(step.Remove) > 0 && !slices.Contains(ret, epoch) {
			ret = append(ret, epoch)
		}
	}
	slices.Sort(ret)
	return ret
}

// Contents returns the multiplicities of the relation after all steps up to and including the
// given epoch.
func (sc *Scenario) Contents(at uint64) map[dataflow.Tuple]int {
	ret := map[dataflow.Tuple]int{}
	add := func(t dataflow.Tuple, diff int) {
		ret[t] += diff
		if ret[t] == 0 {
			delete(ret, t)
		}
	}

	epoch := uint64(0)
	for _, step := range sc.Steps {
		if step.AdvanceTo != nil {
			epoch = *step.AdvanceTo
		}
		if epoch > at {
			break
		}
		for _, p := range step.Insert {
			add(p.Tuple(), 1)
		}
		for _, p := range step.Remove {
			add(p.Tuple(), -1)
		}
	}
	return ret
}
