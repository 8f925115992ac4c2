package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/markus-barta/harmonyfast/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]any{"error": err.Error()})
}

// errorStatus maps command errors to HTTP status codes.
func errorStatus(err error) int {
	var hubErr *protocol.HubError
	switch {
	case errors.Is(err, protocol.ErrRejected):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrUnknownCommand), errors.Is(err, coordinator.ErrNotQueued):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrConnection), errors.As(err, &hubErr):
		return http.StatusBadGateway
	case errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrCanceled):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth returns liveness and connection state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Info(),
		"connected": st.Connected,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateView(s.ctl.Snapshot()))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.ctl.RecentLogs(limit)})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Load())
}

// handleCommand resolves a free-form (command, action) pair the way the CLI
// does.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
		Action  string `json:"action,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.resolveAndSubmit(w, r, req.Command, req.Action)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	act, ok := s.catalog.Load().Activities[normalize(alias)]
	if !ok {
		writeError(w, unknown("activity", alias))
		return
	}
	s.submit(w, r, protocol.NewActivity(act.ID, normalize(alias)))
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	action := chi.URLParam(r, "action")
	if _, ok := s.catalog.Load().Devices[normalize(alias)]; !ok {
		writeError(w, unknown("device", alias))
		return
	}
	s.resolveAndSubmit(w, r, alias, action)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, protocol.NewStatus())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ctl.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "canceled"})
}

func (s *Server) resolveAndSubmit(w http.ResponseWriter, r *http.Request, command, action string) {
	cmd, err := s.catalog.Load().Resolve(command, action)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, cmd)
}

// submit queues cmd. With ?async=1 it answers 202 with the handle;
// otherwise it waits for the hub's answer.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd protocol.Command) {
	ticket, err := s.ctl.Submit(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":      ticket.ID,
			"status":  "queued",
			"command": cmd,
		})
		return
	}

	select {
	case res := <-ticket.Done():
		if res.Err != nil {
			s.log.Debug().Err(res.Err).Str("cmd", res.Command.String()).Msg("command failed")
			writeJSON(w, errorStatus(res.Err), map[string]any{
				"id":      ticket.ID,
				"command": res.Command,
				"error":   res.Err.Error(),
			})
			return
		}
		body := map[string]any{
			"id":      ticket.ID,
			"status":  "ok",
			"command": res.Command,
			"state":   s.stateView(s.ctl.Snapshot()),
		}
		if res.Frame != nil && len(res.Frame.Data) > 0 {
			body["data"] = res.Frame.Data
		}
		writeJSON(w, http.StatusOK, body)
	case <-r.Context().Done():
		// Client went away; the command still runs.
	}
}

// stateView is a snapshot plus the activity's display name.
type stateView struct {
	coordinator.State
	ActivityName string `json:"activity_name,omitempty"`
}

func (s *Server) stateView(st coordinator.State) stateView {
	v := stateView{State: st}
	if st.CurrentActivity != "" {
		v.ActivityName = s.catalog.Load().DescribeActivity(st.CurrentActivity)
	}
	return v
}
