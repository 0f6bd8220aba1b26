package monitorapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// events upgrades to a WebSocket and streams every envelope the
// coordinator publishes to pop:broadcast/pop:human for the lifetime of
// the connection (spec §9 supplement, "live event feed").
func (h *handler) events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("monitorapi: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	feed, cancel := h.coord.Observe()
	defer cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				h.logger.Debug("monitorapi: websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
