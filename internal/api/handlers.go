package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/internal/domain"
	"chatsync/internal/messaging"
)

// finish records the command outcome and writes the terminal response for
// handlers with no body to return.
func (s *Server) finish(w http.ResponseWriter, command string, err error) {
	s.metrics.RecordCommand(command, outcomeCode(err))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func outcomeCode(err error) string {
	if err == nil {
		return "OK"
	}
	return domain.CodeOf(err)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.Error{Code: "BAD_REQUEST", Kind: domain.KindValidation, Message: "malformed request body"}
	}
	return nil
}

// --- friends ---

func (s *Server) handleSendFriendRequest(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body struct {
		To string `json:"to"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "sendFriendRequest", err)
		return
	}
	s.finish(w, "sendFriendRequest", s.graph.SendFriendRequest(r.Context(), *id, body.To))
}

func (s *Server) handleAcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	from := mux.Vars(r)["from"]
	s.finish(w, "acceptFriendRequest", s.graph.AcceptFriendRequest(r.Context(), *id, from))
}

func (s *Server) handleRejectFriendRequest(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	from := mux.Vars(r)["from"]
	s.finish(w, "rejectFriendRequest", s.graph.RejectFriendRequest(r.Context(), id.ID, from))
}

func (s *Server) handleCancelFriendRequest(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	to := mux.Vars(r)["to"]
	s.finish(w, "cancelFriendRequest", s.graph.CancelFriendRequest(r.Context(), id.ID, to))
}

func (s *Server) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	friendID := mux.Vars(r)["friendId"]
	s.finish(w, "removeFriend", s.graph.RemoveFriend(r.Context(), id.ID, friendID))
}

// --- messaging ---

type sendMessageBody struct {
	To             string `json:"to"`
	GroupID        string `json:"groupId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body sendMessageBody
	if err := decode(r, &body); err != nil {
		s.finish(w, "sendMessage", err)
		return
	}

	req := messaging.SendRequest{
		Sender:         *id,
		RecipientID:    body.To,
		Content:        body.Content,
		IsGroup:        body.GroupID != "",
		IdempotencyKey: body.IdempotencyKey,
	}
	if req.IsGroup {
		req.RecipientID = body.GroupID
	}

	msg, err := s.engine.SendMessage(r.Context(), req)
	s.metrics.RecordCommand("sendMessage", outcomeCode(err))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body struct {
		PeerID  string `json:"peerId"`
		GroupID string `json:"groupId"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "markRead", err)
		return
	}
	partition, isGroup := body.GroupID, true
	if partition == "" {
		partition, isGroup = messaging.ChatKey(id.ID, body.PeerID), false
	}
	s.finish(w, "markRead", s.engine.MarkRead(r.Context(), partition, id.ID, isGroup))
}

// --- typing ---

func typingScope(uid string, peerID, groupID string) (scope string, isGroup bool) {
	if groupID != "" {
		return groupID, true
	}
	return messaging.ChatKey(uid, peerID), false
}

func (s *Server) handleStartTyping(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body struct {
		PeerID  string `json:"peerId"`
		GroupID string `json:"groupId"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "startTyping", err)
		return
	}
	scope, isGroup := typingScope(id.ID, body.PeerID, body.GroupID)
	s.finish(w, "startTyping", s.tracker.StartTyping(r.Context(), scope, id.ID, isGroup))
}

func (s *Server) handleStopTyping(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body struct {
		PeerID  string `json:"peerId"`
		GroupID string `json:"groupId"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "stopTyping", err)
		return
	}
	scope, _ := typingScope(id.ID, body.PeerID, body.GroupID)
	s.finish(w, "stopTyping", s.tracker.StopTyping(r.Context(), scope, id.ID))
}

// --- groups ---

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "createGroup", err)
		return
	}

	gid, err := s.graph.CreateGroup(r.Context(), *id, body.Name, body.MemberIDs)
	s.metrics.RecordCommand("createGroup", outcomeCode(err))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"groupId": gid})
}

func (s *Server) handleInviteToGroup(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	gid := mux.Vars(r)["groupId"]
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "inviteToGroup", err)
		return
	}
	s.finish(w, "inviteToGroup", s.graph.InviteToGroup(r.Context(), *id, gid, body.UserID))
}

func (s *Server) handleAcceptGroupInvite(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	gid := mux.Vars(r)["groupId"]
	s.finish(w, "acceptGroupInvite", s.graph.AcceptGroupInvite(r.Context(), *id, gid))
}

func (s *Server) handleRejectGroupInvite(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	gid := mux.Vars(r)["groupId"]
	s.finish(w, "rejectGroupInvite", s.graph.RejectGroupInvite(r.Context(), id.ID, gid))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	gid := mux.Vars(r)["groupId"]
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decode(r, &body); err != nil {
		s.finish(w, "addMemberToGroup", err)
		return
	}
	s.finish(w, "addMemberToGroup", s.graph.AddMember(r.Context(), id.ID, gid, body.UserID))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	vars := mux.Vars(r)
	s.finish(w, "removeMemberFromGroup", s.graph.RemoveMember(r.Context(), id.ID, vars["groupId"], vars["userId"]))
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	gid := mux.Vars(r)["groupId"]
	s.finish(w, "leaveGroup", s.graph.LeaveGroup(r.Context(), id.ID, gid))
}

// --- queries ---

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	hits, err := s.directory.SearchUsers(r.Context(), id.ID, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": hits})
}
