package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"worshiproom/core/room"
	"worshiproom/logger"
	"worshiproom/model"
	"worshiproom/storage"

	"github.com/gorilla/mux"
)

func (s *Server) registerRoomRoutes(router *mux.Router) {
	authed := s.AuthMiddleware

	router.HandleFunc("/api/rooms", authed(s.CreateRoomHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms", authed(s.ListRoomsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}", authed(s.GetRoomHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}/close", authed(s.CloseRoomHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/start", authed(s.StartFromTemplateHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/live", authed(s.GoLiveHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/history", authed(s.HistoryHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}/archive", authed(s.ArchiveHandler)).Methods(http.MethodGet)

	// Participants
	router.HandleFunc("/api/rooms/{room_id}/join", authed(s.JoinHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/leave", authed(s.LeaveHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/heartbeat", authed(s.HeartbeatHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/participants/{participant_id}/role", authed(s.AssignRoleHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/rooms/{room_id}/participants/{participant_id}/mute", authed(s.MuteHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/rooms/{room_id}/participants/{participant_id}", authed(s.KickHandler)).Methods(http.MethodDelete)

	// Queue and votes
	router.HandleFunc("/api/rooms/{room_id}/queue", authed(s.EnqueueHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/queue/{entry_id}", authed(s.RemoveEntryHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{room_id}/queue/{entry_id}/position", authed(s.MoveEntryHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/rooms/{room_id}/queue/{entry_id}/vote", authed(s.VoteHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/rooms/{room_id}/queue/{entry_id}/vote", authed(s.RetractVoteHandler)).Methods(http.MethodDelete)

	// Playback
	router.HandleFunc("/api/rooms/{room_id}/playback", authed(s.CommandHandler)).Methods(http.MethodPost)
}

// ========== Responses ==========

type messageResponse struct {
	Message string `json:"message"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrNotFound), errors.Is(err, storage.ErrArchiveNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, room.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrDuplicateOrCooldown),
		errors.Is(err, room.ErrInvalidStateTransition),
		errors.Is(err, room.ErrWaitlistFull):
		return http.StatusConflict
	case errors.Is(err, room.ErrRoomInactive), errors.Is(err, room.ErrRoomClosed):
		return http.StatusGone
	case errors.Is(err, room.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("room request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		if status == http.StatusInternalServerError {
			writeMessage(w, status, "Internal server error")
			return
		}
	}
	writeMessage(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ========== Rooms ==========

// CreateRoomHandler creates a room owned by the caller.
func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var cfg room.RoomConfig
	if !decode(w, r, &cfg) {
		return
	}
	created, err := s.manager.CreateRoom(r.Context(), identityFrom(r), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListRoomsHandler lists active rooms, optionally filtered by ?type=.
func (s *Server) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	roomType := model.RoomType(r.URL.Query().Get("type"))
	if roomType != "" && !roomType.Valid() {
		writeMessage(w, http.StatusBadRequest, "Unknown room type")
		return
	}
	rooms, err := s.manager.ListRooms(r.Context(), roomType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []room.RoomSummary{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GetRoomHandler returns the room's sync snapshot.
func (s *Server) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Snapshot(r.Context(), identityFrom(r), mux.Vars(r)["room_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CloseRoomHandler deactivates a room.
func (s *Server) CloseRoomHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseRoom(r.Context(), identityFrom(r), mux.Vars(r)["room_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Room closed")
}

type startFromTemplateRequest struct {
	Name string `json:"name"`
}

// StartFromTemplateHandler opens a live room from a template's setlist.
func (s *Server) StartFromTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req startFromTemplateRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := s.manager.StartFromTemplate(r.Context(), identityFrom(r), mux.Vars(r)["room_id"], req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GoLiveHandler starts a scheduled event room.
func (s *Server) GoLiveHandler(w http.ResponseWriter, r *http.Request) {
	updated, err := s.manager.GoLive(r.Context(), identityFrom(r), mux.Vars(r)["room_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HistoryHandler lists finished entries, newest first.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	history, err := s.manager.History(r.Context(), mux.Vars(r)["room_id"], limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*model.PlayHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

// ArchiveHandler returns the archive written when the room closed.
func (s *Server) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	if s.archives == nil {
		writeMessage(w, http.StatusNotFound, "Archives are not enabled")
		return
	}
	archive, err := s.archives.ReadArchive(r.Context(), mux.Vars(r)["room_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

// ========== Participants ==========

type joinRequest struct {
	AccessCode string `json:"accessCode,omitempty"`
}

// JoinHandler adds the caller to the room or its waitlist.
func (s *Server) JoinHandler(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := s.manager.Join(r.Context(), identityFrom(r), mux.Vars(r)["room_id"], req.AccessCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LeaveHandler removes the caller from the room.
func (s *Server) LeaveHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Leave(r.Context(), identityFrom(r), mux.Vars(r)["room_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Left room")
}

// HeartbeatHandler keeps the caller from being reaped as AFK.
func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Heartbeat(r.Context(), identityFrom(r), mux.Vars(r)["room_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type roleRequest struct {
	Role model.ParticipantRole `json:"role"`
}

// AssignRoleHandler changes a participant's role.
func (s *Server) AssignRoleHandler(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	p, err := s.manager.AssignRole(r.Context(), identityFrom(r), vars["room_id"], vars["participant_id"], req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

// MuteHandler mutes or unmutes a participant.
func (s *Server) MuteHandler(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	if err := s.manager.Mute(r.Context(), identityFrom(r), vars["room_id"], vars["participant_id"], req.Muted); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KickHandler removes another participant.
func (s *Server) KickHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.manager.Kick(r.Context(), identityFrom(r), vars["room_id"], vars["participant_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Queue and votes ==========

// EnqueueHandler adds a video to the queue.
func (s *Server) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req room.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := s.manager.Enqueue(r.Context(), identityFrom(r), mux.Vars(r)["room_id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// RemoveEntryHandler deletes a waiting entry.
func (s *Server) RemoveEntryHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.manager.RemoveEntry(r.Context(), identityFrom(r), vars["room_id"], vars["entry_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	Position int `json:"position"`
}

// MoveEntryHandler reorders a waiting entry.
func (s *Server) MoveEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	if err := s.manager.MoveEntry(r.Context(), identityFrom(r), vars["room_id"], vars["entry_id"], req.Position); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type voteRequest struct {
	Type model.VoteType `json:"type"`
}

// VoteHandler casts or replaces the caller's vote on an entry.
func (s *Server) VoteHandler(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	tally, err := s.manager.Vote(r.Context(), identityFrom(r), vars["room_id"], vars["entry_id"], req.Type)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// RetractVoteHandler removes the caller's vote on an entry.
func (s *Server) RetractVoteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.manager.RetractVote(r.Context(), identityFrom(r), vars["room_id"], vars["entry_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Playback ==========

// CommandResponse carries the room after a playback command. Message is set
// when the command succeeded without playing anything.
type CommandResponse struct {
	Snapshot *room.Snapshot `json:"snapshot"`
	Message  string         `json:"message,omitempty"`
}

// CommandHandler applies a playback command.
func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd room.Command
	if !decode(w, r, &cmd) {
		return
	}
	snap, err := s.manager.Command(r.Context(), identityFrom(r), mux.Vars(r)["room_id"], cmd)
	if err != nil {
		if errors.Is(err, room.ErrEmptyQueue) {
			writeJSON(w, http.StatusOK, CommandResponse{Snapshot: snap, Message: err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{Snapshot: snap})
}
