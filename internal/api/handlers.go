package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Tasks.Depth()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Mode:          s.deps.Modes.Status().Mode,
		QueueDepth:    d.Waiting + d.Executing,
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, coordinator.StatusOf(s.deps.Modes, s.deps.Tasks))
}

// handleSetMode handles POST /mode.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Modes.SwitchModeString(r.Context(), req.Mode); err != nil {
		if errors.Is(err, intercept.ErrUnknownMode) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Modes.Status())
}

// handleListTasks handles GET /tasks. ?status= narrows to one list.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	resp := TaskListResponse{Depth: s.deps.Tasks.Depth()}
	switch queue.Status(strings.ToLower(r.URL.Query().Get("status"))) {
	case "":
		resp.Waiting = s.deps.Tasks.Waiting()
		resp.Executing = s.deps.Tasks.Executing()
		resp.Completed = s.deps.Tasks.Completed()
		resp.Failed = s.deps.Tasks.Failed()
	case queue.StatusWaiting:
		resp.Waiting = s.deps.Tasks.Waiting()
	case queue.StatusExecuting:
		resp.Executing = s.deps.Tasks.Executing()
	case queue.StatusCompleted:
		resp.Completed = s.deps.Tasks.Completed()
	case queue.StatusFailed:
		resp.Failed = s.deps.Tasks.Failed()
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleAddTask handles POST /tasks.
func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req AddTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	prio, err := parsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Tasks.AddTask(r.Context(), queue.AddRequest{
		Payload:    req.Payload,
		Origin:     req.Origin,
		Priority:   prio,
		MaxRetries: req.MaxRetries,
	})
	switch {
	case errors.Is(err, queue.ErrOriginBlocked):
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, queue.ErrInvalidPriority), errors.Is(err, queue.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to add task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add task")
		return
	}
	respondJSON(w, http.StatusAccepted, AddTaskResponse{TaskID: id, Status: string(queue.StatusWaiting)})
}

// handleCall handles POST /calls/{operation}. The request blocks for as long
// as the guarded call does.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calls == nil {
		s.writeError(w, http.StatusNotImplemented, "guarded calls are not enabled")
		return
	}
	operation := strings.TrimSpace(chi.URLParam(r, "operation"))
	if operation == "" {
		s.writeError(w, http.StatusBadRequest, "operation is required")
		return
	}
	var req CallRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	mode := s.deps.Modes.Status().Mode
	result := s.deps.Calls.Invoke(r.Context(), operation, req.Args, req.Origin)
	respondJSON(w, http.StatusOK, CallResponse{Operation: operation, Mode: mode, Result: result})
}

func parsePriority(raw json.RawMessage) (queue.Priority, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if !queue.Priority(n).Valid() {
			return 0, fmt.Errorf("%w: %d", queue.ErrInvalidPriority, n)
		}
		return queue.Priority(n), nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return 0, fmt.Errorf("%w: %s", queue.ErrInvalidPriority, raw)
	}
	return queue.ParsePriority(name)
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(chi.URLParam(r, "taskID"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleRemoveTask handles DELETE /tasks/{taskID}.
func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Tasks.RemoveTask(r.Context(), chi.URLParam(r, "taskID")) {
		s.writeError(w, http.StatusNotFound, "task not found or already cancelled")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListBlocked handles GET /origins.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, OriginsResponse{Blocked: s.deps.Tasks.BlockedOrigins()})
}

// handleBlockOrigin handles POST /origins/{origin}/block.
func (s *Server) handleBlockOrigin(w http.ResponseWriter, r *http.Request) {
	origin := chi.URLParam(r, "origin")
	if err := s.deps.Tasks.BlockOrigin(r.Context(), origin); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, OriginsResponse{Blocked: s.deps.Tasks.BlockedOrigins()})
}

// handleUnblockOrigin handles DELETE /origins/{origin}/block.
func (s *Server) handleUnblockOrigin(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Tasks.UnblockOrigin(r.Context(), chi.URLParam(r, "origin")) {
		s.writeError(w, http.StatusNotFound, "origin is not blocked")
		return
	}
	respondJSON(w, http.StatusOK, OriginsResponse{Blocked: s.deps.Tasks.BlockedOrigins()})
}

// handleListExecutions handles GET /executions.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	resp := ExecutionsResponse{Pending: s.deps.Modes.Pending(), Journal: []coordinator.Record{}}
	if s.deps.Executions != nil {
		resp.Journal = s.deps.Executions.Journal()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleResume handles POST /executions/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.All {
		respondJSON(w, http.StatusOK, ResumeResponse{Released: s.deps.Modes.ResumeAll(req.Result)})
		return
	}
	if req.ExecutionID == "" {
		s.writeError(w, http.StatusBadRequest, "execution_id or all is required")
		return
	}
	if !s.deps.Modes.Resume(req.ExecutionID, req.Result) {
		s.writeError(w, http.StatusNotFound, "no blocked execution with that id")
		return
	}
	respondJSON(w, http.StatusOK, ResumeResponse{Released: 1})
}

// handleRemoteLog handles GET /remote. It never modifies the log.
func (s *Server) handleRemoteLog(w http.ResponseWriter, r *http.Request) {
	s.serveRemoteLog(w, r, false)
}

// handleDrainRemoteLog handles POST /remote/drain.
func (s *Server) handleDrainRemoteLog(w http.ResponseWriter, r *http.Request) {
	s.serveRemoteLog(w, r, true)
}

func (s *Server) serveRemoteLog(w http.ResponseWriter, r *http.Request, drain bool) {
	if s.deps.Executions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "execution log unavailable")
		return
	}
	read := s.deps.Executions.RemoteLog
	if drain {
		read = s.deps.Executions.DrainRemoteLog
	}
	execs, err := read(r.Context())
	if err != nil {
		s.logger.Error("failed to read remote log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read remote log")
		return
	}
	if execs == nil {
		execs = []intercept.ExecutionContext{}
	}
	respondJSON(w, http.StatusOK, RemoteResponse{Drained: drain, Executions: execs})
}

// handleListDevices handles GET /devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		respondJSON(w, http.StatusOK, []device.Device{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Devices.List())
}

// handleTogglePower handles POST /devices/{deviceID}/power.
func (s *Server) handleTogglePower(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	state, err := s.deps.Devices.TogglePower(chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": state})
}

// handleSetEnabled handles PUT /devices/{deviceID}/enabled.
func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	var req EnabledRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Devices.SetDisabled(chi.URLParam(r, "deviceID"), !req.Enabled); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"enabled": req.Enabled})
}

func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, device.ErrUnknownDevice) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusConflict, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
