package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fitmatch/realtime/internal/api"
	"github.com/fitmatch/realtime/internal/ban"
	"github.com/fitmatch/realtime/internal/metrics"
	"github.com/fitmatch/realtime/internal/protocol"
	"github.com/fitmatch/realtime/internal/report"
	"github.com/fitmatch/realtime/internal/room"
	"github.com/fitmatch/realtime/internal/store"
)

// Limits for the limit query parameter.
const (
	DefaultHistoryLimit      = 100
	MaxHistoryLimit          = 500
	DefaultNotificationLimit = 50
	MaxNotificationLimit     = 200
)

const maxBodyBytes = 16 << 10

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Server      string `json:"server"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Server:      s.config.ServerName,
		Connections: s.conns.Count(),
		Rooms:       s.rooms.Size(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleHistory serves GET /rooms/{id}/messages. Concurrent requests for the
// same room and limit share one store query.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, _, err := room.Participants(roomID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	limit, ok := parseLimit(w, r, DefaultHistoryLimit, MaxHistoryLimit)
	if !ok {
		return
	}

	start := time.Now()
	v, err, _ := s.history.Do(roomID+"|"+strconv.Itoa(limit), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		return s.deps.Messages.History(ctx, roomID, limit)
	})
	metrics.HistoryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("relay: history room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	msgs, _ := v.([]protocol.Message)
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, api.HistoryResponse{Messages: msgs})
}

// handleListNotifications serves GET /users/{id}/notifications, newest first.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	limit, ok := parseLimit(w, r, DefaultNotificationLimit, MaxNotificationLimit)
	if !ok {
		return
	}

	items, err := s.deps.Notifications.ListNotifications(r.Context(), userID, limit)
	if err != nil {
		log.Printf("relay: list notifications user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "notifications unavailable")
		return
	}
	if items == nil {
		items = []protocol.Notification{}
	}
	writeJSON(w, http.StatusOK, api.NotificationsResponse{Notifications: items})
}

// handlePublish serves POST /users/{id}/notifications for other marketplace
// services (bookings, payments).
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	var req api.PublishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "category is required")
		return
	}

	n, delivery, err := s.Notify(r.Context(), userID, req.Category, req.Payload)
	if err != nil {
		log.Printf("relay: publish notification user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "notification not stored")
		return
	}
	log.Printf("relay: notification id=%s user=%s category=%s delivery=%s", n.ID, userID, n.Category, delivery)
	writeJSON(w, http.StatusCreated, n)
}

// handleAck serves POST /users/{id}/notifications/{nid}/ack.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	userID, nid := r.PathValue("id"), r.PathValue("nid")

	err := s.deps.Notifications.AckNotification(r.Context(), userID, nid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
	case err != nil:
		log.Printf("relay: ack notification user=%s id=%s: %v", userID, nid, err)
		writeError(w, http.StatusInternalServerError, "acknowledge failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleReport serves POST /rooms/{id}/reports. The report carries a
// snapshot of the room's latest messages and counts as a strike against the
// reported participant.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, http.StatusServiceUnavailable, "reports unavailable")
		return
	}

	roomID := r.PathValue("id")
	a, b, err := room.Participants(roomID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req api.ReportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReporterID != a && req.ReporterID != b {
		writeError(w, http.StatusForbidden, "reporter is not a participant of this room")
		return
	}
	if !report.ValidReason(req.Reason) {
		writeError(w, http.StatusBadRequest, "invalid reason")
		return
	}
	reported := a
	if reported == req.ReporterID {
		reported = b
	}

	snapshot, err := s.deps.Messages.History(r.Context(), roomID, report.SnapshotSize)
	if err != nil {
		log.Printf("relay: report snapshot room=%s: %v", roomID, err)
	}

	id, err := s.deps.Reports.Create(r.Context(), &report.Report{
		ReporterID: req.ReporterID,
		ReportedID: reported,
		RoomID:     roomID,
		Reason:     req.Reason,
		Details:    req.Details,
		Messages:   snapshot,
	})
	if err != nil {
		log.Printf("relay: create report room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "report not stored")
		return
	}
	log.Printf("relay: report id=%d room=%s reported=%s reason=%s", id, roomID, reported, req.Reason)

	s.strike(reported, ban.StrikeReport, "reported:"+req.Reason)
	writeJSON(w, http.StatusCreated, api.ReportResponse{ID: id, ReportedID: reported})
}

// parseLimit reads the limit query parameter. A missing value gives def and
// values above hi are clamped. It writes a 400 and returns false for
// anything that is not a positive integer.
func parseLimit(w http.ResponseWriter, r *http.Request, def, hi int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > hi {
		n = hi
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
