package plan

import "time"

// View is a point-in-time JSON rendering of a plan.
type View struct {
	Name       string      `json:"name"`
	Status     Status      `json:"status"`
	Active     bool        `json:"active"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Phases     []PhaseView `json:"phases"`
}

// PhaseView renders one phase.
type PhaseView struct {
	Name     string     `json:"name"`
	Strategy Strategy   `json:"strategy"`
	Status   Status     `json:"status"`
	Steps    []StepView `json:"steps"`
}

// StepView renders one step.
type StepView struct {
	Name      string   `json:"name"`
	Status    Status   `json:"status"`
	Message   string   `json:"message,omitempty"`
	Tasks     []string `json:"tasks"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Snapshot renders p.
func (p *Plan) Snapshot() View {
	p.mu.Lock()
	v := View{Name: p.name, Active: p.active}
	if !p.startedAt.IsZero() {
		t := p.startedAt
		v.StartedAt = &t
	}
	if !p.finishedAt.IsZero() {
		t := p.finishedAt
		v.FinishedAt = &t
	}
	p.mu.Unlock()

	for _, ph := range p.phases {
		pv := PhaseView{Name: ph.name, Strategy: ph.strategy, Status: ph.Status()}
		for _, s := range ph.steps {
			pv.Steps = append(pv.Steps, StepView{
				Name:      s.name,
				Status:    s.Status(),
				Message:   s.Message(),
				Tasks:     s.Tasks(),
				DependsOn: s.DependsOn(),
			})
		}
		v.Phases = append(v.Phases, pv)
	}
	v.Status = p.Status()
	return v
}
