// Package servicespec loads the YAML description of a service: its pods,
// the tasks each pod instance runs, and the plans that deploy them.
//
//	name: hello-world
//	pods:
//	  custom-pod-A:
//	    count: 1
//	    tasks:
//	      server:
//	        goal: RUNNING
//	        cmd: "echo hello && sleep 1000"
//	plans:
//	  manual-plan-0:
//	    phases:
//	      - name: pod-a
//	        pod: custom-pod-A
//	        strategy: serial
//
// Task names are "<pod>-<index>-<task>", e.g. "custom-pod-A-0-server".
package servicespec

import (
	"fmt"
	"os"
	"sort"

	cferrors "github.com/input-output-hk/catalyst-forge-libs/errors"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/task"
)

// DefaultPlan is the plan generated when a spec declares none.
const DefaultPlan = "deploy"

// Spec is a parsed service specification.
type Spec struct {
	Name  string              `yaml:"name"`
	Pods  Pods                `yaml:"pods"`
	Plans map[string]PlanSpec `yaml:"plans"`
}

// Pod is one pod type.
type Pod struct {
	Name  string              `yaml:"-"`
	Count int                 `yaml:"count"`
	Tasks map[string]TaskSpec `yaml:"tasks"`
}

// Pods keeps pod types in declaration order.
type Pods []Pod

// UnmarshalYAML decodes a mapping of pod name to pod, preserving order.
func (p *Pods) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: pods must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var pod Pod
		if err := value.Content[i+1].Decode(&pod); err != nil {
			return fmt.Errorf("pod %s: %w", value.Content[i].Value, err)
		}
		pod.Name = value.Content[i].Value
		*p = append(*p, pod)
	}
	return nil
}

// TaskSpec declares a task run by every instance of a pod.
type TaskSpec struct {
	Goal   task.Goal         `yaml:"goal"`
	Cmd    string            `yaml:"cmd"`
	Image  string            `yaml:"image"`
	Env    map[string]string `yaml:"env"`
	Labels map[string]string `yaml:"labels"`
}

// PlanSpec declares a plan.
type PlanSpec struct {
	Phases []PhaseSpec `yaml:"phases"`
}

// PhaseSpec declares a phase over one pod type.
type PhaseSpec struct {
	Name     string        `yaml:"name"`
	Pod      string        `yaml:"pod"`
	Strategy plan.Strategy `yaml:"strategy"`
	// Steps is optional; by default each pod instance is one step that
	// launches all of its tasks.
	Steps []StepSpec `yaml:"steps"`
}

// StepSpec selects tasks of one pod instance.
type StepSpec struct {
	Name      string   `yaml:"name"`
	Instance  int      `yaml:"instance"`
	Tasks     []string `yaml:"tasks"`
	DependsOn []string `yaml:"depends_on"`
}

// Load reads and validates the spec at path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service spec: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML spec.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, cferrors.WrapWithContext(
			err,
			errs.CodeInvalidInput,
			"failed to parse service spec",
			map[string]interface{}{
				"bytes": len(data),
			},
		)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks pods, tasks and plan references.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return errs.InvalidInput("service spec: name is required")
	}
	if len(s.Pods) == 0 {
		return errs.InvalidInput("service spec: at least one pod is required")
	}
	seen := make(map[string]bool)
	for _, p := range s.Pods {
		if seen[p.Name] {
			return errs.InvalidInput("pod %s: declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.Count < 1 {
			return errs.InvalidInput("pod %s: count must be at least 1", p.Name)
		}
		if len(p.Tasks) == 0 {
			return errs.InvalidInput("pod %s: no tasks", p.Name)
		}
		for name, t := range p.Tasks {
			switch t.Goal {
			case "", task.GoalRunning, task.GoalOnce:
			default:
				return errs.InvalidInput("task %s/%s: unknown goal %q", p.Name, name, t.Goal)
			}
		}
	}

	for name, ps := range s.Plans {
		if len(ps.Phases) == 0 {
			return errs.InvalidInput("plan %s: no phases", name)
		}
		for _, ph := range ps.Phases {
			pod, ok := s.pod(ph.Pod)
			if !ok {
				return errs.InvalidInput("plan %s phase %s: unknown pod %q", name, ph.Name, ph.Pod)
			}
			for _, st := range ph.Steps {
				if st.Instance < 0 || st.Instance >= pod.Count {
					return errs.InvalidInput("plan %s phase %s: pod %s has no instance %d", name, ph.Name, pod.Name, st.Instance)
				}
				for _, tn := range st.Tasks {
					if _, ok := pod.Tasks[tn]; !ok {
						return errs.InvalidInput("plan %s phase %s: pod %s has no task %q", name, ph.Name, pod.Name, tn)
					}
				}
			}
		}
	}
	return nil
}

func (s *Spec) pod(name string) (Pod, bool) {
	for _, p := range s.Pods {
		if p.Name == name {
			return p, true
		}
	}
	return Pod{}, false
}

// PodInstance names instance index of pod type podType.
func PodInstance(podType string, index int) string {
	return fmt.Sprintf("%s-%d", podType, index)
}

// TaskName names task taskName of a pod instance.
func TaskName(podInstance, taskName string) string {
	return podInstance + "-" + taskName
}

// Tasks returns the declared info of every task of every pod instance,
// ordered by task name. Launch ids are left empty.
func (s *Spec) Tasks() []task.Info {
	var out []task.Info
	for _, p := range s.Pods {
		for i := 0; i < p.Count; i++ {
			inst := PodInstance(p.Name, i)
			for _, tn := range sortedKeys(p.Tasks) {
				t := p.Tasks[tn]
				goal := t.Goal
				if goal == "" {
					goal = task.GoalRunning
				}
				out = append(out, task.Info{
					Name:        TaskName(inst, tn),
					PodType:     p.Name,
					PodIndex:    i,
					PodInstance: inst,
					Goal:        goal,
					Image:       t.Image,
					Cmd:         t.Cmd,
					Env:         t.Env,
					Labels:      t.Labels,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PlanSpecs returns the plans as plan.Spec values ordered by name. A spec
// without plans yields DefaultPlan: one serial phase per pod type in
// declaration order.
func (s *Spec) PlanSpecs() []plan.Spec {
	plans := s.Plans
	if len(plans) == 0 {
		def := PlanSpec{}
		for _, p := range s.Pods {
			def.Phases = append(def.Phases, PhaseSpec{Name: p.Name, Pod: p.Name, Strategy: plan.StrategySerial})
		}
		plans = map[string]PlanSpec{DefaultPlan: def}
	}

	out := make([]plan.Spec, 0, len(plans))
	for _, name := range sortedKeys(plans) {
		ps := plans[name]
		spec := plan.Spec{Name: name}
		for _, ph := range ps.Phases {
			pod, _ := s.pod(ph.Pod)
			phaseName := ph.Name
			if phaseName == "" {
				phaseName = pod.Name
			}
			spec.Phases = append(spec.Phases, plan.PhaseSpec{
				Name:     phaseName,
				Strategy: ph.Strategy,
				Steps:    phaseSteps(pod, ph),
			})
		}
		out = append(out, spec)
	}
	return out
}

func phaseSteps(pod Pod, ph PhaseSpec) []plan.StepSpec {
	allTasks := sortedKeys(pod.Tasks)
	if len(ph.Steps) == 0 {
		steps := make([]plan.StepSpec, 0, pod.Count)
		for i := 0; i < pod.Count; i++ {
			inst := PodInstance(pod.Name, i)
			steps = append(steps, plan.StepSpec{Name: inst, Tasks: qualify(inst, allTasks)})
		}
		return steps
	}

	steps := make([]plan.StepSpec, 0, len(ph.Steps))
	for _, st := range ph.Steps {
		inst := PodInstance(pod.Name, st.Instance)
		names := st.Tasks
		if len(names) == 0 {
			names = allTasks
		}
		name := st.Name
		if name == "" {
			name = inst
		}
		steps = append(steps, plan.StepSpec{Name: name, Tasks: qualify(inst, names), DependsOn: st.DependsOn})
	}
	return steps
}

func qualify(inst string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = TaskName(inst, n)
	}
	return out
}

// Install registers every task in store and builds every plan into
// plans. Tasks already present in store are kept as they are.
func (s *Spec) Install(store task.Store, plans *plan.Registry) error {
	for _, info := range s.Tasks() {
		if err := store.Register(info); err != nil {
			if errs.Is(err, errs.CodeConflict) {
				continue
			}
			return fmt.Errorf("register task %s: %w", info.Name, err)
		}
	}
	for _, ps := range s.PlanSpecs() {
		p, err := plan.Build(ps)
		if err != nil {
			return fmt.Errorf("build plan %s: %w", ps.Name, err)
		}
		if err := plans.Register(p); err != nil {
			return fmt.Errorf("register plan %s: %w", ps.Name, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
