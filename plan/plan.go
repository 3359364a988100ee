// Package plan models deployment plans: ordered phases of steps, each
// step bound to one or more tasks.
//
// The shape of a plan is fixed by Build. Only step states change
// afterwards; phase and plan states are always derived from them.
package plan

import (
	"sync"
	"time"
)

// Status is the state of a step, phase or plan.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPrepared   Status = "PREPARED"
	StatusStarting   Status = "STARTING"
	StatusStarted    Status = "STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusError      Status = "ERROR"
)

// Terminal reports whether s is COMPLETE or ERROR.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Strategy controls step ordering inside a phase.
type Strategy string

const (
	// StrategyParallel starts every step whose dependencies are complete.
	StrategyParallel Strategy = "parallel"
	// StrategySerial makes each step depend on the one declared before it.
	StrategySerial Strategy = "serial"
)

// Step is the unit of work. It references tasks by name.
type Step struct {
	name  string
	tasks []string
	deps  []string
	plan  *Plan

	mu      sync.RWMutex
	status  Status
	message string
	updated time.Time
}

// Name returns the step name, unique within its phase.
func (s *Step) Name() string { return s.name }

// Tasks returns the names of the tasks the step launches.
func (s *Step) Tasks() []string { return append([]string(nil), s.tasks...) }

// DependsOn returns the names of sibling steps that must complete first.
func (s *Step) DependsOn() []string { return append([]string(nil), s.deps...) }

// Status returns the current step state.
func (s *Step) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Message returns the detail recorded with the last transition.
func (s *Step) Message() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.message
}

// SetStatus records a transition and wakes plan waiters.
func (s *Step) SetStatus(st Status, message string) {
	s.mu.Lock()
	s.status = st
	s.message = message
	s.updated = time.Now().UTC()
	s.mu.Unlock()
	s.plan.notify()
}

func (s *Step) reset() {
	s.mu.Lock()
	s.status = StatusPending
	s.message = ""
	s.updated = time.Time{}
	s.mu.Unlock()
}

// Phase is an ordered group of steps.
type Phase struct {
	name     string
	strategy Strategy
	steps    []*Step
	byName   map[string]*Step
}

// Name returns the phase name.
func (p *Phase) Name() string { return p.name }

// Strategy returns the phase's step ordering strategy.
func (p *Phase) Strategy() Strategy { return p.strategy }

// Steps returns the steps in declaration order.
func (p *Phase) Steps() []*Step { return append([]*Step(nil), p.steps...) }

// Step looks up a step by name.
func (p *Phase) Step(name string) (*Step, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// Status is ERROR if any step failed, COMPLETE when every step is
// complete, IN_PROGRESS once any step left PENDING, else PENDING.
func (p *Phase) Status() Status {
	statuses := make([]Status, len(p.steps))
	for i, s := range p.steps {
		statuses[i] = s.Status()
	}
	return derive(statuses)
}

// Ready reports whether every dependency of s has completed.
func (p *Phase) Ready(s *Step) bool {
	for _, d := range s.deps {
		if p.byName[d].Status() != StatusComplete {
			return false
		}
	}
	return true
}

// Plan is a named sequence of phases.
type Plan struct {
	name   string
	phases []*Phase

	mu         sync.Mutex
	active     bool
	changed    chan struct{}
	startedAt  time.Time
	finishedAt time.Time
}

// Name returns the plan name.
func (p *Plan) Name() string { return p.name }

// Phases returns the phases in execution order.
func (p *Plan) Phases() []*Phase { return append([]*Phase(nil), p.phases...) }

// Phase looks up a phase by name.
func (p *Plan) Phase(name string) (*Phase, bool) {
	for _, ph := range p.phases {
		if ph.name == name {
			return ph, true
		}
	}
	return nil, false
}

// Active reports whether an execution currently owns the plan.
func (p *Plan) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Status derives the plan state from its phases. An active execution that
// has not moved any step yet reports IN_PROGRESS.
func (p *Plan) Status() Status {
	statuses := make([]Status, len(p.phases))
	for i, ph := range p.phases {
		statuses[i] = ph.Status()
	}
	st := derive(statuses)
	if st == StatusPending && p.Active() {
		return StatusInProgress
	}
	return st
}

// TryBegin claims the plan for a new execution, resetting every step to
// PENDING. It returns false if an execution is already active.
func (p *Plan) TryBegin() bool {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return false
	}
	p.active = true
	p.startedAt = time.Now().UTC()
	p.finishedAt = time.Time{}
	p.mu.Unlock()

	for _, ph := range p.phases {
		for _, s := range ph.steps {
			s.reset()
		}
	}
	p.notify()
	return true
}

// End releases the execution claim taken by TryBegin.
func (p *Plan) End() {
	p.mu.Lock()
	p.active = false
	p.finishedAt = time.Now().UTC()
	p.mu.Unlock()
	p.notify()
}

// Changed returns a channel that is closed at the next state change.
// Take the channel before reading state to avoid missing a change.
func (p *Plan) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Plan) notify() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func derive(statuses []Status) Status {
	allComplete := true
	progressed := false
	for _, st := range statuses {
		if st == StatusError {
			return StatusError
		}
		if st != StatusComplete {
			allComplete = false
		}
		if st != StatusPending {
			progressed = true
		}
	}
	switch {
	case allComplete:
		return StatusComplete
	case progressed:
		return StatusInProgress
	}
	return StatusPending
}
