package plan

import (
	"github.com/GoCodeAlone/rollout/internal/errs"
)

// Spec declares the shape of a plan.
type Spec struct {
	Name   string      `json:"name" yaml:"name"`
	Phases []PhaseSpec `json:"phases" yaml:"phases"`
}

// PhaseSpec declares one phase.
type PhaseSpec struct {
	Name     string     `json:"name" yaml:"name"`
	Strategy Strategy   `json:"strategy,omitempty" yaml:"strategy"`
	Steps    []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec declares one step.
type StepSpec struct {
	Name      string   `json:"name" yaml:"name"`
	Tasks     []string `json:"tasks" yaml:"tasks"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Build validates spec and returns a plan with every step PENDING.
func Build(spec Spec) (*Plan, error) {
	if spec.Name == "" {
		return nil, errs.InvalidInput("plan name is required")
	}
	if len(spec.Phases) == 0 {
		return nil, errs.InvalidInput("plan %q has no phases", spec.Name)
	}

	p := &Plan{name: spec.Name, changed: make(chan struct{})}
	seenPhase := make(map[string]bool)
	for _, ps := range spec.Phases {
		if ps.Name == "" {
			return nil, errs.InvalidInput("plan %q: phase name is required", spec.Name)
		}
		if seenPhase[ps.Name] {
			return nil, errs.InvalidInput("plan %q: duplicate phase %q", spec.Name, ps.Name)
		}
		seenPhase[ps.Name] = true

		ph, err := buildPhase(p, ps)
		if err != nil {
			return nil, err
		}
		p.phases = append(p.phases, ph)
	}
	return p, nil
}

func buildPhase(p *Plan, ps PhaseSpec) (*Phase, error) {
	strategy := ps.Strategy
	switch strategy {
	case "":
		strategy = StrategyParallel
	case StrategyParallel, StrategySerial:
	default:
		return nil, errs.InvalidInput("plan %q phase %q: unknown strategy %q", p.name, ps.Name, ps.Strategy)
	}
	if len(ps.Steps) == 0 {
		return nil, errs.InvalidInput("plan %q phase %q has no steps", p.name, ps.Name)
	}

	ph := &Phase{name: ps.Name, strategy: strategy, byName: make(map[string]*Step)}
	for i, ss := range ps.Steps {
		if ss.Name == "" {
			return nil, errs.InvalidInput("plan %q phase %q: step %d has no name", p.name, ps.Name, i)
		}
		if _, dup := ph.byName[ss.Name]; dup {
			return nil, errs.InvalidInput("plan %q phase %q: duplicate step %q", p.name, ps.Name, ss.Name)
		}
		if len(ss.Tasks) == 0 {
			return nil, errs.InvalidInput("plan %q phase %q step %q references no tasks", p.name, ps.Name, ss.Name)
		}
		deps := append([]string(nil), ss.DependsOn...)
		if strategy == StrategySerial && i > 0 {
			deps = appendUnique(deps, ps.Steps[i-1].Name)
		}
		s := &Step{
			name:   ss.Name,
			tasks:  append([]string(nil), ss.Tasks...),
			deps:   deps,
			plan:   p,
			status: StatusPending,
		}
		ph.steps = append(ph.steps, s)
		ph.byName[s.name] = s
	}

	for _, s := range ph.steps {
		for _, d := range s.deps {
			if _, ok := ph.byName[d]; !ok {
				return nil, errs.InvalidInput("plan %q phase %q: step %q depends on unknown step %q", p.name, ph.name, s.name, d)
			}
			if d == s.name {
				return nil, errs.InvalidInput("plan %q phase %q: step %q depends on itself", p.name, ph.name, s.name)
			}
		}
	}
	if cyc := findCycle(ph); cyc != "" {
		return nil, errs.InvalidInput("plan %q phase %q: dependency cycle through step %q", p.name, ph.name, cyc)
	}
	return ph, nil
}

// findCycle returns the name of a step on a dependency cycle, or "".
func findCycle(ph *Phase) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ph.steps))
	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		for _, d := range ph.byName[name].deps {
			if c := visit(d); c != "" {
				return c
			}
		}
		state[name] = done
		return ""
	}
	for _, s := range ph.steps {
		if c := visit(s.name); c != "" {
			return c
		}
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
