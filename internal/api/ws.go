package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/relay"
)

// WSHandler upgrades GET /ws to a WebSocket and hands the connection to
// the relay router. The route is public: a connection is worthless until
// it sends an authenticate event, and identity is trust-on-claim at the
// protocol layer, so there is nothing for HTTP auth to verify here.
type WSHandler struct {
	router   *relay.Router
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(router *relay.Router, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from whatever origin serves the UI.
			// With trust-on-claim identity there is no session cookie to
			// protect, so origin checking buys nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve handles GET /ws. Blocks for the lifetime of the connection; gin
// runs each request on its own goroutine, so that is fine.
func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := relay.NewClient(conn, h.logger)
	h.router.Serve(c.Request.Context(), client)
}
