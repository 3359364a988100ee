package task

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/internal/errs"
)

// MemStore keeps records in memory. Each record has its own lock, so
// writers to one task never block readers or writers of another.
type MemStore struct {
	records sync.Map // name -> *entry
	byID    sync.Map // launch id -> name
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	deleted bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Register declares a new task.
func (s *MemStore) Register(info Info) error {
	if err := validateInfo(info); err != nil {
		return err
	}
	e := &entry{rec: Record{Info: cloneInfo(info)}}
	if _, loaded := s.records.LoadOrStore(info.Name, e); loaded {
		return errs.New(errs.CodeConflict, "task %q already registered", info.Name)
	}
	return nil
}

func (s *MemStore) lookup(name string) (*entry, bool) {
	v, ok := s.records.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Get returns the record for name.
func (s *MemStore) Get(name string) (Record, error) {
	e, ok := s.lookup(name)
	if !ok {
		return Record{}, errs.NotFound("task", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Record{}, errs.NotFound("task", name)
	}
	return e.rec.clone(), nil
}

// FindByTaskID returns the record currently launched as id.
func (s *MemStore) FindByTaskID(id string) (Record, error) {
	v, ok := s.byID.Load(id)
	if !ok {
		return Record{}, errs.UnknownTask(id)
	}
	rec, err := s.Get(v.(string))
	if err != nil || rec.Info.TaskID.Value != id {
		return Record{}, errs.UnknownTask(id)
	}
	return rec, nil
}

// AssignTaskID starts a new launch of name under id. The launch starts
// out staged with the LaunchRequested status.
func (s *MemStore) AssignTaskID(name, id string) error {
	if id == "" {
		return errs.InvalidInput("task %q: empty task id", name)
	}
	e, ok := s.lookup(name)
	if !ok {
		return errs.NotFound("task", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return errs.NotFound("task", name)
	}
	if owner, loaded := s.byID.LoadOrStore(id, name); loaded && owner.(string) != name {
		return errs.New(errs.CodeConflict, "task id %q already assigned to %q", id, owner)
	}
	if old := e.rec.Info.TaskID.Value; old != "" && old != id {
		s.byID.Delete(old)
	}
	e.rec.Info.TaskID = TaskID{Value: id}
	e.rec.Status = requestedStatus(id, time.Now().UTC())
	return nil
}

// ApplyStatus stores st when it is newer than the current status of the
// launch it names.
func (s *MemStore) ApplyStatus(st Status) (bool, error) {
	if err := validateStatus(st); err != nil {
		return false, err
	}
	id := st.TaskID.Value
	v, ok := s.byID.Load(id)
	if !ok {
		return false, errs.UnknownTask(id)
	}
	e, ok := s.lookup(v.(string))
	if !ok {
		return false, errs.UnknownTask(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The launch may have been replaced between the index load and the lock.
	if e.deleted || e.rec.Info.TaskID.Value != id {
		return false, errs.UnknownTask(id)
	}
	if cur := e.rec.Status; cur != nil && st.Sequence <= cur.Sequence {
		return false, nil
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	e.rec.Status = &st
	return true, nil
}

// ListByPod returns the records of podInstance.
func (s *MemStore) ListByPod(podInstance string) ([]Record, error) {
	return s.List(Filter{PodInstance: podInstance})
}

// List returns records matching filter, ordered by name.
func (s *MemStore) List(filter Filter) ([]Record, error) {
	var out []Record
	s.records.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.deleted && filter.match(e.rec) {
			out = append(out, e.rec.clone())
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out, nil
}

// Delete removes the record for name.
func (s *MemStore) Delete(name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return errs.NotFound("task", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return errs.NotFound("task", name)
	}
	e.deleted = true
	if id := e.rec.Info.TaskID.Value; id != "" {
		s.byID.Delete(id)
	}
	s.records.Delete(name)
	return nil
}

func validateInfo(info Info) error {
	if info.Name == "" {
		return errs.InvalidInput("task name is required")
	}
	if info.TaskID.Value != "" {
		return errs.InvalidInput("task %q: task id is assigned at launch, not at registration", info.Name)
	}
	if info.PodInstance == "" {
		return errs.InvalidInput("task %q: pod instance is required", info.Name)
	}
	return nil
}

func validateStatus(st Status) error {
	id := st.TaskID.Value
	if id == "" {
		return errs.InvalidInput("status without task id")
	}
	if !st.State.Valid() {
		return errs.InvalidInput("task %q: unknown state %q", id, st.State)
	}
	// SQLite integers are signed.
	if st.Sequence > math.MaxInt64 {
		return errs.InvalidInput("task %q: sequence %d out of range", id, st.Sequence)
	}
	return nil
}

func cloneInfo(info Info) Info {
	out := info
	if info.Env != nil {
		out.Env = make(map[string]string, len(info.Env))
		for k, v := range info.Env {
			out.Env[k] = v
		}
	}
	if info.Labels != nil {
		out.Labels = make(map[string]string, len(info.Labels))
		for k, v := range info.Labels {
			out.Labels[k] = v
		}
	}
	return out
}
