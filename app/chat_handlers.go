package roomchat

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/putto11262002/roomchat/core"
	"github.com/putto11262002/roomchat/pkg/router"
)

type ChatHandler struct {
	rooms    core.RoomStore
	messages core.MessageStore
}

func NewChatHandler(rooms core.RoomStore, messages core.MessageStore) *ChatHandler {
	return &ChatHandler{rooms: rooms, messages: messages}
}

type CreateRoomPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RoomResponse struct {
	Room core.Room `json:"room"`
}

type RoomsResponse struct {
	Rooms []core.Room `json:"rooms"`
}

type MessagesResponse struct {
	Messages []core.Message `json:"messages"`
}

func (h *ChatHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	identity := core.IdentityFromRequest(r)
	var payload CreateRoomPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	r.Body.Close()

	room, err := h.rooms.Create(r.Context(), payload.Name, payload.Description, identity.UserID)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, RoomResponse{Room: room})
}

func (h *ChatHandler) GetRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	rooms, err := h.rooms.List(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (h *ChatHandler) GetRoomByIDHandler(w http.ResponseWriter, r *http.Request) error {
	room, err := h.rooms.Get(r.Context(), r.PathValue("roomID"))
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, RoomResponse{Room: room})
}

func (h *ChatHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomID")
	limit, err := limitFromRequest(r)
	if err != nil {
		return err
	}
	if core.IsPrivateRoomID(roomID) {
		// private conversations are readable by their participants only
		if !core.IsPrivateRoomMember(roomID, core.IdentityFromRequest(r).UserID) {
			return core.ErrRoomNotFound
		}
	} else if _, err := h.rooms.Get(r.Context(), roomID); err != nil {
		return err
	}

	messages, err := h.messages.FindByRoom(r.Context(), roomID, limit)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// limitFromRequest parses the optional limit query parameter. 0 means the
// store default.
func limitFromRequest(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, router.NewJsonError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	return limit, nil
}
