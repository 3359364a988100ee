package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/reconciler"
	"github.com/GoCodeAlone/rollout/server/api"
	"github.com/GoCodeAlone/rollout/task"
	"github.com/GoCodeAlone/rollout/uninstall"
)

// --- Test doubles ---

type fakePlans struct {
	mu      sync.Mutex
	running map[string]bool
	status  map[string]plan.Status
	waitErr error
}

func newFakePlans() *fakePlans {
	return &fakePlans{
		running: make(map[string]bool),
		status:  map[string]plan.Status{"manual-plan-0": plan.StatusPending},
	}
}

func (f *fakePlans) Plans() []string { return []string{"manual-plan-0"} }

func (f *fakePlans) Plan(name string) (plan.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[name]
	if !ok {
		return plan.View{}, errs.NotFound("plan", name)
	}
	return plan.View{Name: name, Status: st, Active: f.running[name]}, nil
}

func (f *fakePlans) StartPlan(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.status[name]; !ok {
		return errs.NotFound("plan", name)
	}
	if f.running[name] {
		return errs.AlreadyRunning(name)
	}
	f.running[name] = true
	f.status[name] = plan.StatusInProgress
	return nil
}

func (f *fakePlans) WaitForCompletion(_ context.Context, name string, _ time.Duration) (plan.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[name]
	if !ok {
		return "", errs.NotFound("plan", name)
	}
	if f.waitErr != nil {
		return st, f.waitErr
	}
	return st, nil
}

type fakeUninstaller struct {
	state uninstall.State
}

func (f *fakeUninstaller) State() uninstall.State { return f.state }

func (f *fakeUninstaller) RequestUninstall(_ context.Context) uninstall.State {
	if f.state == uninstall.StateNone {
		f.state = uninstall.StateRequested
	}
	return f.state
}

// --- Test helpers ---

type env struct {
	mux   *http.ServeMux
	plans *fakePlans
	store task.Store
	bus   *comms.InMemoryBus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := task.NewMemStore()
	for _, pod := range []string{"custom-pod-A-0", "custom-pod-B-0"} {
		if err := store.Register(task.Info{Name: pod + "-server", PodInstance: pod, Goal: task.GoalRunning}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	bus := comms.NewInMemoryBus()
	plans := newFakePlans()
	h := &api.Handlers{
		Plans:     plans,
		Pods:      reconciler.New(store, bus, nil),
		Uninstall: &fakeUninstaller{state: uninstall.StateNone},
		Bus:       bus,
		Logger:    slog.Default(),
		Version:   "test",
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &env{mux: mux, plans: plans, store: store, bus: bus}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var body api.ErrorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// --- Tests ---

func TestStartPlan_StatusCodes(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/v1/plans/manual-plan-0/start", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first start: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var view plan.View
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.Active {
		t.Error("expected active plan view")
	}

	rr = e.do(t, http.MethodPost, "/v1/plans/manual-plan-0/start", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != errs.CodeAlreadyRunning {
		t.Errorf("code = %q", body.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/plans/nope/start", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown plan: expected 404, got %d", rr.Code)
	}
}

func TestWaitPlan(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodGet, "/v1/plans/manual-plan-0/wait?timeout=10ms", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp api.WaitResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != plan.StatusPending {
		t.Errorf("status = %q", resp.Status)
	}

	e.plans.waitErr = errs.Timeout("plan manual-plan-0")
	rr = e.do(t, http.MethodGet, "/v1/plans/manual-plan-0/wait?timeout=10ms", "")
	if rr.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rr.Code)
	}
	var timedOut api.WaitTimeoutBody
	if err := json.NewDecoder(rr.Body).Decode(&timedOut); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if timedOut.Code != errs.CodeTimeout {
		t.Errorf("code = %q", timedOut.Code)
	}
	if timedOut.Plan != "manual-plan-0" || timedOut.Status != plan.StatusPending {
		t.Errorf("timeout body = %+v, want the current plan state", timedOut)
	}

	rr = e.do(t, http.MethodGet, "/v1/plans/manual-plan-0/wait?timeout=soon", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad timeout: expected 400, got %d", rr.Code)
	}
}

func TestPodInfo_ContractShape(t *testing.T) {
	e := newEnv(t)
	if err := e.store.AssignTaskID("custom-pod-A-0-server", "custom-pod-A-0-server__1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/v1/status",
		`{"taskId":{"value":"custom-pod-A-0-server__1"},"state":"TASK_RUNNING","sequence":1}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/v1/pod/custom-pod-A-0/info", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var raw []map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected 1 record, got %d", len(raw))
	}
	infoID := raw[0]["info"]["taskId"].(map[string]any)["value"]
	statusID := raw[0]["status"]["taskId"].(map[string]any)["value"]
	if infoID != "custom-pod-A-0-server__1" || statusID != infoID {
		t.Errorf("info id %v, status id %v", infoID, statusID)
	}

	rr = e.do(t, http.MethodGet, "/v1/pod/custom-pod-B-0/info", "")
	var never []task.Record
	if err := json.NewDecoder(rr.Body).Decode(&never); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(never) != 1 || never[0].Status != nil || never[0].Info.TaskID.Value != "" {
		t.Errorf("never launched pod: %+v", never)
	}

	rr = e.do(t, http.MethodGet, "/v1/pod/custom-pod-Z-0/info", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown pod: expected 404, got %d", rr.Code)
	}
}

func TestReportStatus_Errors(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/v1/status", `{"taskId":{"value":"ghost__1"},"state":"TASK_RUNNING","sequence":1}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown task: expected 404, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != errs.CodeUnknownTask {
		t.Errorf("code = %q", body.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/status", `{"state":"TASK_RUNNING"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/status", `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", rr.Code)
	}
}

func TestListTasks_ActiveFilter(t *testing.T) {
	e := newEnv(t)
	_ = e.store.AssignTaskID("custom-pod-B-0-server", "b__1")
	if _, err := e.store.ApplyStatus(task.Status{TaskID: task.TaskID{Value: "b__1"}, State: task.StateStarting, Sequence: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var all, active []task.Record
	_ = json.NewDecoder(e.do(t, http.MethodGet, "/v1/tasks", "").Body).Decode(&all)
	_ = json.NewDecoder(e.do(t, http.MethodGet, "/v1/tasks?active=true", "").Body).Decode(&active)
	if len(all) != 2 || len(active) != 1 {
		t.Errorf("all=%d active=%d, want 2 and 1", len(all), len(active))
	}

	if rr := e.do(t, http.MethodGet, "/v1/tasks?active=maybe", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestUninstallEndpoints(t *testing.T) {
	e := newEnv(t)

	var resp map[string]string
	_ = json.NewDecoder(e.do(t, http.MethodGet, "/v1/uninstall", "").Body).Decode(&resp)
	if resp["state"] != string(uninstall.StateNone) {
		t.Errorf("state = %q", resp["state"])
	}

	rr := e.do(t, http.MethodPost, "/v1/uninstall", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp["state"] != string(uninstall.StateRequested) {
		t.Errorf("state = %q", resp["state"])
	}
}

func TestListPlansAndMessages(t *testing.T) {
	e := newEnv(t)

	var names []string
	_ = json.NewDecoder(e.do(t, http.MethodGet, "/v1/plans", "").Body).Decode(&names)
	if len(names) != 1 || names[0] != "manual-plan-0" {
		t.Errorf("plans = %v", names)
	}

	_ = e.bus.Publish(context.Background(), &comms.Event{Type: comms.TypePlanState, Topic: comms.TopicPlans, State: "IN_PROGRESS"})
	var events []comms.Event
	_ = json.NewDecoder(e.do(t, http.MethodGet, "/v1/messages?topic=plans", "").Body).Decode(&events)
	if len(events) != 1 || events[0].State != "IN_PROGRESS" {
		t.Errorf("events = %+v", events)
	}
}

func TestVersionEndpoint(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/version", "")
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q", resp["version"])
	}
}
