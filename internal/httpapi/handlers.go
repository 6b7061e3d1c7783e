package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/hub"
	"github.com/DoyleJ11/roomsync-backend/internal/room"
	"github.com/DoyleJ11/roomsync-backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const replyTimeout = 5 * time.Second

type createRoomRequest struct {
	HostID string   `json:"hostId"`
	Queue  []string `json:"queue"`
}

type participantView struct {
	ConnID    string `json:"connId"`
	UserID    string `json:"userId"`
	IsHost    bool   `json:"isHost"`
	LatencyMS int64  `json:"lastKnownLatencyMs"`
}

type roomView struct {
	State        engine.State      `json:"state"`
	Participants []participantView `json:"participants"`
}

func CreateRoom(h *hub.Hub, cat catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err))
			return
		}
		if req.HostID == "" {
			writeError(w, fmt.Errorf("%w: missing hostId", engine.ErrInvalidPayload))
			return
		}
		for _, id := range req.Queue {
			if _, err := cat.Track(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
		}

		state := engine.NewState(uuid.NewString(), req.HostID)
		if req.Queue != nil {
			state.Queue = req.Queue
		}

		ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
		defer cancel()
		if h.Create(ctx, state) == nil {
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, struct {
			RoomID string `json:"roomId"`
		}{RoomID: state.RoomID})
	}
}

func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
		defer cancel()

		rm := h.Get(ctx, chi.URLParam(r, "roomID"))
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		v, ok := rm.View(ctx)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		out := roomView{State: v.State, Participants: make([]participantView, 0, len(v.Participants))}
		for _, p := range v.Participants {
			out.Participants = append(out.Participants, participantView{
				ConnID:    p.ConnID,
				UserID:    p.UserID,
				IsHost:    p.IsHost,
				LatencyMS: p.LastKnownLatency.Milliseconds(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func DeleteRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
		defer cancel()

		if !h.Remove(ctx, chi.URLParam(r, "roomID")) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func AssignHost(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err))
			return
		}
		roomCommand(h, w, r, func(reply chan error) room.Msg {
			return room.AssignHost{UserID: req.UserID, Reply: reply}
		})
	}
}

func SetQueue(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Queue []string `json:"queue"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err))
			return
		}
		if req.Queue == nil {
			req.Queue = []string{}
		}
		roomCommand(h, w, r, func(reply chan error) room.Msg {
			return room.ReplaceQueue{Queue: req.Queue, Reply: reply}
		})
	}
}

// roomCommand sends a reply-carrying message to the room named in the URL
// and maps the outcome to a status code.
func roomCommand(h *hub.Hub, w http.ResponseWriter, r *http.Request, msg func(chan error) room.Msg) {
	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()

	rm := h.Get(ctx, chi.URLParam(r, "roomID"))
	if rm == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	reply := make(chan error, 1)
	if !rm.Send(msg(reply)) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	select {
	case err := <-reply:
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-rm.Done():
		http.Error(w, "room not found", http.StatusNotFound)
	case <-ctx.Done():
		http.Error(w, "room did not respond", http.StatusGatewayTimeout)
	}
}

func GetTrack(cat catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := cat.Track(r.Context(), chi.URLParam(r, "trackID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func Healthz(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
			Rooms  int    `json:"rooms"`
		}{Status: "ok", Rooms: len(h.Rooms(r.Context()))})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with a types.ErrorBody whose status follows the code.
func writeError(w http.ResponseWriter, err error) {
	code := types.ErrorCode(err)
	st := http.StatusInternalServerError
	switch code {
	case types.CodeUnauthorized:
		st = http.StatusForbidden
	case types.CodeTrackNotFound:
		st = http.StatusNotFound
	case types.CodeInvalidPayload:
		st = http.StatusBadRequest
	}
	writeJSON(w, st, types.ErrorBody{Code: code, Message: err.Error()})
}
