package roomchat

import (
	"log/slog"
	"net/http"

	"github.com/putto11262002/roomchat/core"
)

// WSHandler binds a websocket to the identity verified by the JWT middleware.
// The handshake is checked before the upgrade so failures are plain HTTP errors.
type WSHandler struct {
	coordinator *core.Coordinator
	manager     *core.ConnManager
	logger      *slog.Logger
}

func NewWSHandler(coordinator *core.Coordinator, manager *core.ConnManager, logger *slog.Logger) *WSHandler {
	return &WSHandler{coordinator: coordinator, manager: manager, logger: logger}
}

func (h *WSHandler) ConnectHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.coordinator.Handshake(r.Context(), core.IdentityFromRequest(r))
	if err != nil {
		return err
	}
	identity := core.Identity{UserID: user.ID, Username: user.Username}
	if err := h.manager.Connect(identity, w, r); err != nil {
		// the upgrader has already written the response
		h.logger.Debug(err.Error(), slog.String("user", user.ID))
	}
	return nil
}
