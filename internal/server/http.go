package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// Websocket clients connect on "/". When the auth token is non-empty,
// /admin/* requests must include a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler() http.Handler {
	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/status", s.handleStatus)
	admin.HandleFunc("GET /admin/plugs", s.handlePlugs)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/admin/", AuthMiddleware(s.authToken, admin))
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// handleRoot upgrades websocket requests on "/".
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusUpgradeRequired, "use a websocket client")
		return
	}
	s.serveWS(w, r)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /admin/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// handlePlugs handles GET /admin/plugs.
func (s *Server) handlePlugs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status().Plugs)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
