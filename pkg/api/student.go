package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stintlab/stint/pkg/manager"
	"github.com/stintlab/stint/pkg/types"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req manager.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	booking, err := s.manager.CreateBooking(claims.UserID, req)
	if err != nil {
		fail(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"msg": "Booking submitted", "id": booking.ID})
}

// bookingSummary is the wire shape of one booking in list responses
func bookingSummary(b *types.Booking) map[string]any {
	var url any
	if b.AccessURL != "" {
		url = b.AccessURL
	}
	return map[string]any{
		"id":     b.ID,
		"status": b.Status,
		"start":  b.StartTime.Format(time.RFC3339),
		"end":    b.EndTime.Format(time.RFC3339),
		"url":    url,
		"image":  b.Image,
		"cpu":    b.CPU,
		"memory": b.Memory,
	}
}

func (s *Server) handleListOwnBookings(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	bookings, err := s.manager.ListUserBookings(claims.UserID)
	if err != nil {
		fail(w, err)
		return
	}

	out := make([]map[string]any, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, bookingSummary(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}

	if err := s.manager.CancelBooking(claims.UserID, id); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Booking cancelled"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	user, err := s.manager.GetUser(claims.UserID)
	if err != nil {
		fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     user.ID,
		"name":   user.Name,
		"email":  user.Email,
		"role":   user.Role,
		"active": user.Active,
	})
}
