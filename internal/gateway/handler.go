package gateway

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(cfg *config.Config, hub *Hub) *Handler {
	allowed := cfg.WSAllowedOrigins
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return slices.Contains(allowed, r.Header.Get("Origin"))
			},
		},
	}
}

var _ protocol.HTTPResolvable = (*Handler)(nil)

func (h *Handler) Resolve(e protocol.HTTPRouter) error {
	e.GET("/ws", h.Serve)
	return nil
}

// Serve upgrades the request and runs the connection until it closes.
func (h *Handler) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", c.RealIP(), "error", err)
		return nil
	}

	client := newClient(uuid.NewString(), conn, h.hub)
	h.hub.Attach(client.id, client)
	slog.Debug("websocket connected", "connection_id", client.id, "remote_addr", c.RealIP())

	go client.writePump()
	client.readPump(c.Request().Context())
	return nil
}
