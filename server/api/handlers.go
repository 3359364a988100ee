package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/task"
)

const defaultWaitTimeout = 30 * time.Second

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Plans     PlanRunner
	Pods      PodQuerier
	Uninstall Uninstaller
	Bus       comms.Bus
	Logger    *slog.Logger
	Version   string
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/plans", h.listPlans)
	mux.HandleFunc("GET /v1/plans/{name}", h.getPlan)
	mux.HandleFunc("POST /v1/plans/{name}/start", h.startPlan)
	mux.HandleFunc("GET /v1/plans/{name}/wait", h.waitPlan)

	mux.HandleFunc("GET /v1/pod", h.listPods)
	mux.HandleFunc("GET /v1/pod/{podId}/info", h.podInfo)

	mux.HandleFunc("GET /v1/tasks", h.listTasks)
	mux.HandleFunc("POST /v1/status", h.reportStatus)

	mux.HandleFunc("GET /v1/uninstall", h.uninstallState)
	mux.HandleFunc("POST /v1/uninstall", h.requestUninstall)

	mux.HandleFunc("GET /v1/messages", h.listMessages)

	mux.HandleFunc("GET /v1/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code"`
}

// WriteError writes err with the status its code maps to.
func WriteError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), ErrorBody{Error: err.Error(), Code: errs.CodeOf(err)})
}

// --- Plan handlers ---

func (h *Handlers) listPlans(w http.ResponseWriter, _ *http.Request) {
	names := h.Plans.Plans()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	view, err := h.Plans.Plan(r.PathValue("name"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) startPlan(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.Plans.StartPlan(r.Context(), name); err != nil {
		WriteError(w, err)
		return
	}
	h.Logger.Info("plan start requested", slog.String("plan", name))
	view, err := h.Plans.Plan(name)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// WaitResponse is returned by the plan wait endpoint.
type WaitResponse struct {
	Plan   string      `json:"plan"`
	Status plan.Status `json:"status"`
}

// WaitTimeoutBody is the error body of a wait that timed out. It carries
// the plan's state at the deadline.
type WaitTimeoutBody struct {
	ErrorBody
	Plan   string      `json:"plan"`
	Status plan.Status `json:"status"`
}

func (h *Handlers) waitPlan(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			WriteError(w, errs.InvalidInput("timeout %q: want a positive duration like 30s", v))
			return
		}
		timeout = d
	}
	st, err := h.Plans.WaitForCompletion(r.Context(), name, timeout)
	if errs.Is(err, errs.CodeTimeout) {
		writeJSON(w, errs.HTTPStatus(err), WaitTimeoutBody{
			ErrorBody: ErrorBody{Error: err.Error(), Code: errs.CodeOf(err)},
			Plan:      name,
			Status:    st,
		})
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WaitResponse{Plan: name, Status: st})
}

// --- Pod and task handlers ---

func (h *Handlers) listPods(w http.ResponseWriter, _ *http.Request) {
	pods, err := h.Pods.Pods()
	if err != nil {
		WriteError(w, err)
		return
	}
	if pods == nil {
		pods = []string{}
	}
	writeJSON(w, http.StatusOK, pods)
}

func (h *Handlers) podInfo(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Pods.GetPodInfo(r.PathValue("podId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{PodInstance: q.Get("pod")}
	if a := q.Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			WriteError(w, errs.InvalidInput("active %q: want true or false", a))
			return
		}
		filter.ActiveOnly = active
	}

	recs, err := h.Pods.Tasks(filter)
	if err != nil {
		WriteError(w, err)
		return
	}
	if recs == nil {
		recs = []task.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) reportStatus(w http.ResponseWriter, r *http.Request) {
	var st task.Status
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		WriteError(w, errs.InvalidInput("invalid request body: %v", err))
		return
	}
	if err := h.Pods.ReportStatus(r.Context(), st.TaskID.Value, st); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// --- Uninstall handlers ---

func (h *Handlers) uninstallState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": string(h.Uninstall.State())})
}

func (h *Handlers) requestUninstall(w http.ResponseWriter, r *http.Request) {
	st := h.Uninstall.RequestUninstall(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(st)})
}

// --- Message handlers ---

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	events, err := h.Bus.History(topic, limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health / version ---

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// HealthHandler returns the health handler function for external registration.
func (h *Handlers) HealthHandler() http.HandlerFunc {
	return h.health
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
