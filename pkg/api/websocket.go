package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// handleWebSocket authenticates before upgrading. An unresolvable token gets
// a plain 401 and no session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	id, err := s.sessions.Admit(token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, CodeAuth, "missing or invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "user", id.Username, "err", err)
		return
	}
	s.sessions.Serve(id, conn)
}
