package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"chatsync/internal/broker"
	"chatsync/internal/domain"
	"chatsync/internal/identity"
	"chatsync/internal/messaging"
	"chatsync/internal/metrics"
	"chatsync/internal/social"
	"chatsync/internal/store"
	"chatsync/internal/typing"
	"chatsync/internal/ws"
)

type testEnv struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	verifier *identity.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	log := zap.NewNop()
	b := broker.New(st, log)
	st.SetSink(b.Inject)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)

	verifier := identity.NewVerifier("test-secret")
	tracker := typing.NewTracker(st, typing.DefaultTTL)
	hub := ws.NewHub(st, b, tracker, log)
	go hub.Run()

	limiter := NewRateLimiter(1000, 1000)
	t.Cleanup(limiter.Stop)

	srv := httptest.NewServer(NewServer(Deps{
		Log:       log,
		Verifier:  verifier,
		Directory: identity.NewDirectory(st),
		Graph:     social.NewGraph(st, log),
		Engine:    messaging.NewEngine(st, log),
		Tracker:   tracker,
		Hub:       hub,
		Metrics:   metrics.NewCollector(b.SubscriberCount),
		Limiter:   limiter,
	}).Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, id domain.Identity) string {
	t.Helper()
	token, err := e.verifier.Mint(id, time.Hour)
	assert.Equal(t, nil, err)
	return token
}

func (e *testEnv) seed(t *testing.T, users ...domain.Identity) {
	t.Helper()
	for _, u := range users {
		err := e.store.Write(context.Background(),
			store.Join("users", u.ID, "profile"),
			domain.Profile{DisplayName: u.DisplayName, Email: u.Email})
		assert.Equal(t, nil, err)
	}
}

func (e *testEnv) do(t *testing.T, token, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

var (
	u1 = domain.Identity{ID: "u1", DisplayName: "Alice", Email: "alice@x.io"}
	u2 = domain.Identity{ID: "u2", DisplayName: "Bob", Email: "bob@x.io"}
	u3 = domain.Identity{ID: "u3", DisplayName: "Carol", Email: "carol@x.io"}
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, "", "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "", "POST", "/api/friends/requests", map[string]string{"to": "u2"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errorCode(body))

	resp, _ = env.do(t, "garbage", "GET", "/api/users/search?q=x", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFriendRequestFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2)
	ctx := context.Background()

	// u1 asks, u2 accepts.
	resp, _ := env.do(t, env.token(t, u1), "POST", "/api/friends/requests", map[string]string{"to": "u2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Duplicate request conflicts.
	resp, body := env.do(t, env.token(t, u1), "POST", "/api/friends/requests", map[string]string{"to": "u2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_PENDING", errorCode(body))

	resp, _ = env.do(t, env.token(t, u2), "POST", "/api/friends/requests/u1/accept", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap, _ := env.store.Read(ctx, "users/u1/friends/u2")
	assert.Equal(t, true, snap.Exists)
	snap, _ = env.store.Read(ctx, "users/u2/friends/u1")
	assert.Equal(t, true, snap.Exists)

	// And removal via DELETE.
	resp, _ = env.do(t, env.token(t, u1), "DELETE", "/api/friends/u2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap, _ = env.store.Read(ctx, "users/u2/friends/u1")
	assert.Equal(t, false, snap.Exists)
}

func TestSelfFriendRequestIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1)

	resp, body := env.do(t, env.token(t, u1), "POST", "/api/friends/requests", map[string]string{"to": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "SELF_REQUEST", errorCode(body))
}

func TestSendMessageAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2)

	resp, body := env.do(t, env.token(t, u1), "POST", "/api/messages",
		map[string]string{"to": "u2", "content": "hello"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "u1", body["sender"])
	msgID, _ := body["id"].(string)
	assert.NotEqual(t, "", msgID)

	// Empty content is rejected before anything commits.
	resp, body = env.do(t, env.token(t, u1), "POST", "/api/messages",
		map[string]string{"to": "u2", "content": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "EMPTY_CONTENT", errorCode(body))

	resp, _ = env.do(t, env.token(t, u2), "POST", "/api/messages/read",
		map[string]string{"peerId": "u1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap, _ := env.store.Read(context.Background(), store.Join("messages", "u1_u2", msgID))
	var msg domain.Message
	snap.Decode(&msg)
	assert.Equal(t, true, msg.Read)
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2, u3)
	ctx := context.Background()

	resp, body := env.do(t, env.token(t, u1), "POST", "/api/groups",
		map[string]any{"name": "club", "memberIds": []string{"u2", "u3"}})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	gid, _ := body["groupId"].(string)
	assert.NotEqual(t, "", gid)

	// u2 (plain member) cannot remove the creator.
	resp, body = env.do(t, env.token(t, u2), "DELETE", "/api/groups/"+gid+"/members/u1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "CANNOT_REMOVE_CREATOR", errorCode(body))

	// The creator removes u3; u3's own group index entry goes with it.
	resp, _ = env.do(t, env.token(t, u1), "DELETE", "/api/groups/"+gid+"/members/u3", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap, _ := env.store.Read(ctx, store.Join("users", "u3", "groups", gid))
	assert.Equal(t, false, snap.Exists)
	snap, _ = env.store.Read(ctx, store.Join("groups", gid, "members", "u3"))
	assert.Equal(t, false, snap.Exists)

	// u2 leaves; the creator cannot.
	resp, _ = env.do(t, env.token(t, u2), "POST", "/api/groups/"+gid+"/leave", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, env.token(t, u1), "POST", "/api/groups/"+gid+"/leave", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CREATOR_CANNOT_LEAVE", errorCode(body))
}

func TestGroupMessagesRequireMembership(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2, u3)
	ctx := context.Background()

	resp, body := env.do(t, env.token(t, u1), "POST", "/api/groups",
		map[string]any{"name": "club", "memberIds": []string{"u2"}})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	gid, _ := body["groupId"].(string)

	resp, _ = env.do(t, env.token(t, u2), "POST", "/api/messages",
		map[string]string{"groupId": gid, "content": "hi all"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// u3 is not a member: posting into the partition and marking it read
	// are both denied, same as subscribing to it.
	resp, body = env.do(t, env.token(t, u3), "POST", "/api/messages",
		map[string]string{"groupId": gid, "content": "intruding"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "NOT_MEMBER", errorCode(body))

	resp, body = env.do(t, env.token(t, u3), "POST", "/api/messages/read",
		map[string]string{"groupId": gid})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "NOT_MEMBER", errorCode(body))

	snap, _ := env.store.Read(ctx, store.Join("groupMessages", gid))
	assert.Equal(t, 1, len(snap.Children()))
}

func TestGroupInviteOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2, u3)

	resp, body := env.do(t, env.token(t, u1), "POST", "/api/groups",
		map[string]any{"name": "club", "memberIds": []string{"u2"}})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	gid, _ := body["groupId"].(string)

	resp, _ = env.do(t, env.token(t, u1), "POST", fmt.Sprintf("/api/groups/%s/invites", gid),
		map[string]string{"userId": "u3"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, env.token(t, u3), "POST", fmt.Sprintf("/api/groups/%s/invites/accept", gid), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap, _ := env.store.Read(context.Background(), store.Join("groups", gid, "members", "u3"))
	assert.Equal(t, true, snap.Exists)

	// Accepting again: the invite is gone.
	resp, body = env.do(t, env.token(t, u3), "POST", fmt.Sprintf("/api/groups/%s/invites/accept", gid), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "INVITE_NOT_FOUND", errorCode(body))
}

func TestTypingEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2)
	ctx := context.Background()

	resp, _ := env.do(t, env.token(t, u1), "POST", "/api/typing/start", map[string]string{"peerId": "u2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap, _ := env.store.Read(ctx, "typing/u1_u2/u1")
	assert.Equal(t, true, snap.Exists)

	// Sending a message in the conversation clears the sender's marker.
	resp, _ = env.do(t, env.token(t, u1), "POST", "/api/messages",
		map[string]string{"to": "u2", "content": "done typing"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	snap, _ = env.store.Read(ctx, "typing/u1_u2/u1")
	assert.Equal(t, false, snap.Exists)

	resp, _ = env.do(t, env.token(t, u1), "POST", "/api/typing/start", map[string]string{"peerId": "u2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, env.token(t, u1), "POST", "/api/typing/stop", map[string]string{"peerId": "u2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap, _ = env.store.Read(ctx, "typing/u1_u2/u1")
	assert.Equal(t, false, snap.Exists)
}

func TestSearchUsersEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, u1, u2, u3)

	resp, body := env.do(t, env.token(t, u1), "GET", "/api/users/search?q=bo", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	users, _ := body["users"].([]any)
	assert.Equal(t, 1, len(users))
	hit, _ := users[0].(map[string]any)
	assert.Equal(t, "u2", hit["id"])
	assert.Equal(t, "none", hit["relation"])
}

func TestMetricsEndpointExposed(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
