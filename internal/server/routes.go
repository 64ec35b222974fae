// Package server exposes the coordination service over HTTP: health check,
// room inspection API and the websocket signaling endpoint.
package server

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mentorhub/livecall/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Browser clients connect from the platform frontend; origin policy is
	// enforced at the edge, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter builds the gin engine for the coordination service.
func NewRouter(h *hub.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "signaling server is healthy")
	})

	r.GET("/api/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.RoomSnapshots())
	})

	r.GET("/ws", func(c *gin.Context) {
		serveWs(h, c.Writer, c.Request)
	})

	return r
}

// serveWs upgrades the HTTP connection and hands it to the hub.
func serveWs(h *hub.Hub, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade failed: %v", err)
		return
	}

	conn := hub.NewConn(h, ws, uuid.NewString())
	h.Register(conn)

	go conn.WritePump()
	go conn.ReadPump()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
