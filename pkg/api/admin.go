package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stintlab/stint/pkg/types"
)

func bookingID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.manager.ListBookings(r.URL.Query().Get("status"))
	if err != nil {
		fail(w, err)
		return
	}

	out := make([]map[string]any, 0, len(bookings))
	for _, b := range bookings {
		row := bookingSummary(b)
		row["user_id"] = b.UserID
		row["agent_id"] = b.AgentID
		row["rejection_reason"] = b.RejectionReason
		if user, err := s.manager.GetUser(b.UserID); err == nil {
			row["user_name"] = user.Name
		} else {
			row["user_name"] = "Unknown"
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}

	var req struct {
		AgentID int64 `json:"agent_id"`
	}
	if r.Body != nil {
		// An empty body means auto-select
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	agentID, err := s.manager.Approve(id, req.AgentID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Booking approved", "agent_id": agentID})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.manager.Reject(id, req.Reason); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Booking rejected"})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}

	req := struct {
		Hours int `json:"hours"`
	}{Hours: 1}
	_ = json.NewDecoder(r.Body).Decode(&req)

	newEnd, err := s.manager.Extend(id, req.Hours)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"msg":     "Booking extended",
		"new_end": newEnd.Format(time.RFC3339),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.manager.ListAgents()
	if err != nil {
		fail(w, err)
		return
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"id":               a.ID,
			"name":             a.Name,
			"ip":               a.IP,
			"status":           a.Status,
			"last_seen":        a.LastSeen.Format(time.RFC3339),
			"available_cpu":    a.AvailableCPU,
			"available_mem_gb": a.AvailableMemGB,
			"total_cpu":        a.TotalCPU,
			"total_mem_gb":     a.TotalMemGB,
			"tags":             a.Tags,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status, err := types.ParseAgentStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, map[string][]string{
			"status": {"must be one of: online, offline, maintenance"},
		})
		return
	}

	if err := s.manager.SetAgentStatus(id, status); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Agent status updated"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.GetStats()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
