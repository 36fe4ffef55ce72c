package scheduler

import (
	"encoding/json"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/koji-project/koji-scheduler/internal/common/logging"
	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
	"github.com/koji-project/koji-scheduler/internal/scheduler/schedulererrors"
)

// RegisterHttpHandlers binds HostAPI onto mux as JSON-over-HTTP endpoints. This is a thin
// adapter, not the XML-RPC transport named as an external collaborator by §1 - it exists so
// the host-facing API server the CLI's run command starts (§4.I) is actually reachable by
// something in this binary, rather than leaving HostAPI unexercised.
func (a *HostAPI) RegisterHttpHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/getTasksForHost", a.handleGetTasksForHost)
	mux.HandleFunc("/api/setHostData", a.handleSetHostData)
	mux.HandleFunc("/api/setRefusal", a.handleSetRefusal)
	mux.HandleFunc("/api/openTask", a.handleOpenTask)
	mux.HandleFunc("/api/assignTask", a.handleAssignTask)
	mux.HandleFunc("/api/getTaskRuns", a.handleGetTaskRuns)
	mux.HandleFunc("/api/getTaskRefusals", a.handleGetTaskRefusals)
	mux.HandleFunc("/api/getHostData", a.handleGetHostData)
	mux.HandleFunc("/api/getLogMessages", a.handleGetLogMessages)
	mux.HandleFunc("/api/doRun", a.handleDoRun)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("error encoding host API response")
	}
}

// writeFault writes a structured {fault_code, message} body, the shape §6 requires of
// every error response regardless of transport. The message is that of
// logging.TopmostWithCause(err): the last pkg/errors wrapper above the root cause, or err
// itself when it wraps nothing, as with ErrWrongHost ("task 4 is assigned to host 2, not
// host 5"). Wrappers added by errors.WithStack keep their cause's text, so a Postgres
// failure reports the pgx error's own message.
func writeFault(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	writeJSON(w, map[string]any{
		"fault_code": schedulererrors.FaultCodeFromError(err),
		"message":    logging.TopmostWithCause(err).Error(),
	})
}

func queryInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
}

func (a *HostAPI) handleGetTasksForHost(w http.ResponseWriter, r *http.Request) {
	hostId, err := queryInt64(r, "host_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	tasks, err := a.GetTasksForHost(r.Context(), hostId)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, tasks)
}

func (a *HostAPI) handleSetHostData(w http.ResponseWriter, r *http.Request) {
	hostId, err := queryInt64(r, "host_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	var data database.HostCapabilities
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeFault(w, err)
		return
	}
	if err := a.SetHostData(r.Context(), hostId, data); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *HostAPI) handleSetRefusal(w http.ResponseWriter, r *http.Request) {
	hostId, err := queryInt64(r, "host_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	taskId, err := queryInt64(r, "task_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	soft := r.URL.Query().Get("soft") != "false"
	message := r.URL.Query().Get("msg")
	if err := a.SetRefusal(r.Context(), hostId, taskId, soft, message); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *HostAPI) handleOpenTask(w http.ResponseWriter, r *http.Request) {
	taskId, err := queryInt64(r, "task_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	hostId, err := queryInt64(r, "host_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := a.OpenTask(r.Context(), taskId, hostId); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *HostAPI) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	taskId, err := queryInt64(r, "task_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	hostId, err := queryInt64(r, "host_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	override := r.URL.Query().Get("override") == "true"
	run, err := a.AssignTask(r.Context(), taskId, hostId, force, override)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, run)
}

func (a *HostAPI) handleGetTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskId, err := queryInt64(r, "task_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	runs, err := a.GetTaskRuns(r.Context(), taskId)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, runs)
}

func (a *HostAPI) handleGetTaskRefusals(w http.ResponseWriter, r *http.Request) {
	taskId, err := queryInt64(r, "task_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	refusals, err := a.GetTaskRefusals(r.Context(), taskId)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, refusals)
}

func (a *HostAPI) handleGetHostData(w http.ResponseWriter, r *http.Request) {
	hostId, err := queryInt64(r, "host_id")
	if err != nil {
		writeFault(w, err)
		return
	}
	data, found, err := a.GetHostData(r.Context(), hostId)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, data)
}

func (a *HostAPI) handleGetLogMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	var taskId *int64
	if raw := r.URL.Query().Get("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeFault(w, err)
			return
		}
		taskId = &id
	}
	messages, err := a.GetLogMessages(r.Context(), taskId, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, messages)
}

func (a *HostAPI) handleDoRun(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	ran, err := a.DoRun(r.Context(), force)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ran": ran})
}
