package roomchat

import (
	"net/http"

	"github.com/putto11262002/roomchat/core"
	"github.com/putto11262002/roomchat/pkg/router"
)

type UserHandler struct {
	users    core.UserStore
	messages core.MessageStore
}

func NewUserHandler(users core.UserStore, messages core.MessageStore) *UserHandler {
	return &UserHandler{users: users, messages: messages}
}

type UserResponse struct {
	User core.User `json:"user"`
}

type UsersResponse struct {
	Users []core.User `json:"users"`
}

func (h *UserHandler) GetUsersHandler(w http.ResponseWriter, r *http.Request) error {
	users, err := h.users.List(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, UsersResponse{Users: users})
}

func (h *UserHandler) GetOnlineUsersHandler(w http.ResponseWriter, r *http.Request) error {
	users, err := h.users.ListOnline(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, UsersResponse{Users: users})
}

func (h *UserHandler) GetUserByIDHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.users.FindByID(r.Context(), r.PathValue("userID"))
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, UserResponse{User: user})
}

// GetUserMessagesHandler lists the latest messages of a user. Private
// messages are only included when the caller took part in the conversation.
func (h *UserHandler) GetUserMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	identity := core.IdentityFromRequest(r)
	userID := r.PathValue("userID")
	limit, err := limitFromRequest(r)
	if err != nil {
		return err
	}
	if _, err := h.users.FindByID(r.Context(), userID); err != nil {
		return err
	}

	messages, err := h.messages.FindBySender(r.Context(), userID, limit)
	if err != nil {
		return err
	}
	if userID == identity.UserID {
		return router.JSON(w, http.StatusOK, MessagesResponse{Messages: messages})
	}
	visible := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if core.IsPrivateRoomID(m.RoomID) && m.RoomID != core.PrivateRoomID(userID, identity.UserID) {
			continue
		}
		visible = append(visible, m)
	}
	return router.JSON(w, http.StatusOK, MessagesResponse{Messages: visible})
}
