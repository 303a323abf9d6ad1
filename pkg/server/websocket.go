package server

import (
	"net/http"

	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
	"github.com/gorilla/websocket"
)

const maxWebSocketMessage = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the line protocol over it.
// Each WebSocket text message carries one line.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	// Oversized lines below this cap get "Line too long" like on TCP
	ws.SetReadLimit(maxWebSocketMessage)

	s.handleConnection(protocol.NewWebSocketConn(ws), "websocket")
}
