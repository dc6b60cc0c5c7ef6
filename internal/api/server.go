// Package api exposes the command surface over HTTP and upgrades live-query
// connections to websockets. Commands mutate through the engines; reads flow
// through subscriptions, not through REST.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/identity"
	"chatsync/internal/messaging"
	"chatsync/internal/metrics"
	"chatsync/internal/social"
	"chatsync/internal/typing"
	"chatsync/internal/ws"
)

type Server struct {
	log       *zap.Logger
	verifier  *identity.Verifier
	directory *identity.Directory
	graph     *social.Graph
	engine    *messaging.Engine
	tracker   *typing.Tracker
	hub       *ws.Hub
	metrics   *metrics.Collector
	limiter   *RateLimiter

	upgrader websocket.Upgrader
}

type Deps struct {
	Log       *zap.Logger
	Verifier  *identity.Verifier
	Directory *identity.Directory
	Graph     *social.Graph
	Engine    *messaging.Engine
	Tracker   *typing.Tracker
	Hub       *ws.Hub
	Metrics   *metrics.Collector
	Limiter   *RateLimiter
}

func NewServer(d Deps) *Server {
	return &Server{
		log:       d.Log,
		verifier:  d.Verifier,
		directory: d.Directory,
		graph:     d.Graph,
		engine:    d.Engine,
		tracker:   d.Tracker,
		hub:       d.Hub,
		metrics:   d.Metrics,
		limiter:   d.Limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router wires every endpoint. The /api subtree runs behind recovery,
// logging, auth and the per-user rate limiter, in that order.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(recoveryMiddleware(s.log))
	api.Use(loggingMiddleware(s.log))
	api.Use(authMiddleware(s.verifier))
	api.Use(s.limiter.Middleware())

	api.HandleFunc("/users/search", s.handleSearchUsers).Methods("GET")

	api.HandleFunc("/friends/requests", s.handleSendFriendRequest).Methods("POST")
	api.HandleFunc("/friends/requests/{from}/accept", s.handleAcceptFriendRequest).Methods("POST")
	api.HandleFunc("/friends/requests/{from}/reject", s.handleRejectFriendRequest).Methods("POST")
	api.HandleFunc("/friends/requests/{to}", s.handleCancelFriendRequest).Methods("DELETE")
	api.HandleFunc("/friends/{friendId}", s.handleRemoveFriend).Methods("DELETE")

	api.HandleFunc("/messages", s.handleSendMessage).Methods("POST")
	api.HandleFunc("/messages/read", s.handleMarkRead).Methods("POST")
	api.HandleFunc("/typing/start", s.handleStartTyping).Methods("POST")
	api.HandleFunc("/typing/stop", s.handleStopTyping).Methods("POST")

	api.HandleFunc("/groups", s.handleCreateGroup).Methods("POST")
	api.HandleFunc("/groups/{groupId}/invites", s.handleInviteToGroup).Methods("POST")
	api.HandleFunc("/groups/{groupId}/invites/accept", s.handleAcceptGroupInvite).Methods("POST")
	api.HandleFunc("/groups/{groupId}/invites/reject", s.handleRejectGroupInvite).Methods("POST")
	api.HandleFunc("/groups/{groupId}/members", s.handleAddMember).Methods("POST")
	api.HandleFunc("/groups/{groupId}/members/{userId}", s.handleRemoveMember).Methods("DELETE")
	api.HandleFunc("/groups/{groupId}/leave", s.handleLeaveGroup).Methods("POST")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS authenticates via the token query parameter, records the login in
// the directory, upgrades and hands the connection to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.FromToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.directory.RegisterLogin(r.Context(), *id); err != nil {
		s.log.Error("register login", zap.String("user", id.ID), zap.Error(err))
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(s.hub, conn, *id)
	s.hub.Register <- client
	go client.WritePump()
	go client.ReadPump()
}
