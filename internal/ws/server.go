package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

type Server struct {
	hub      eventHub
	upgrader *websocket.Upgrader
}

func NewServer(hub eventHub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections upgrades the request and runs the session until the
// socket closes. Identity binding happens through the authenticate event,
// not at upgrade time.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	session := NewSession(s.hub, conn)
	if err := session.Handle(r.Context()); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Printf("session %s ended with error: %v", session.connID, err)
		}
	}
}
