package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/auth"
	"github.com/4xmen/basemapp/internal/db"
	"github.com/4xmen/basemapp/internal/models"
	"github.com/4xmen/basemapp/internal/presence"
	"github.com/4xmen/basemapp/internal/protocol"
)

var (
	testDB       *db.DB
	testAuthSvc  *auth.Service
	testRouter   *gin.Engine
	testNotifier *recordingNotifier
)

type sentEvent struct {
	event *protocol.Event
	to    []string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) Send(event *protocol.Event, userIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{event: event, to: userIDs})
}

func (n *recordingNotifier) NotifyNewMessage(msg *models.Message, participants []string) {
	var to []string
	for _, id := range participants {
		if id != msg.SenderID {
			to = append(to, id)
		}
	}
	n.Send(&protocol.Event{Type: protocol.TypeNewMessage, Message: msg}, to...)
}

func (n *recordingNotifier) ofType(typ string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	dir, err := os.MkdirTemp("", "basemapp-handlers")
	if err != nil {
		panic(err)
	}

	testDB, err = db.New(filepath.Join(dir, "test.db"))
	if err != nil {
		panic(err)
	}

	testAuthSvc = auth.New(testDB, "test-jwt-secret")
	testNotifier = &recordingNotifier{}
	testRouter = setupTestRouter()

	code := m.Run()

	testDB.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func setupTestRouter() *gin.Engine {
	router := gin.New()
	logger := zerolog.Nop()
	presenceSvc := presence.NewService(testDB, presence.NewMemoryTracker(time.Minute), logger)

	Routes{
		Auth:     NewAuthHandler(testAuthSvc, logger),
		Messages: NewMessageHandler(testDB, presenceSvc, testNotifier, logger),
		Users:    NewUserHandler(testDB, presenceSvc, logger),
	}.Register(router, nil)

	return router
}

func clearTestData() {
	conn := testDB.GetConn()
	conn.Exec("DELETE FROM messages")
	conn.Exec("DELETE FROM chat_participants")
	conn.Exec("DELETE FROM chats")
	conn.Exec("DELETE FROM users")
	testNotifier.reset()
}

func doRequest(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	return w
}

func createUser(t *testing.T, username, email string) (*models.User, string) {
	t.Helper()
	user, err := testAuthSvc.Register(context.Background(), username, email, "password123")
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	token, err := testAuthSvc.GenerateToken(user.ID)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return user, token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestRegister(t *testing.T) {
	clearTestData()

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid registration",
			body:       map[string]string{"username": "alice", "email": "alice@example.com", "password": "password123"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "duplicate email",
			body:       map[string]string{"username": "other", "email": "ALICE@example.com", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "missing email",
			body:       map[string]string{"username": "bob", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "invalid email",
			body:       map[string]string{"username": "bob", "email": "not-an-email", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "short password",
			body:       map[string]string{"username": "bob", "email": "bob@example.com", "password": "12345"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, "POST", "/api/auth/register", "", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Register() status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}

			resp := decode[map[string]any](t, w)
			if tt.wantError {
				if _, ok := resp["error"]; !ok {
					t.Error("Expected error response")
				}
				return
			}
			if resp["access_token"] == "" || resp["access_token"] == nil {
				t.Error("Expected access_token in response")
			}
			if resp["token_type"] != "bearer" {
				t.Errorf("token_type = %v", resp["token_type"])
			}
		})
	}
}

func TestLogin(t *testing.T) {
	clearTestData()
	createUser(t, "loginuser", "login@example.com")

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"valid login", map[string]string{"email": "login@example.com", "password": "password123"}, http.StatusOK},
		{"email is case-insensitive", map[string]string{"email": "Login@Example.com", "password": "password123"}, http.StatusOK},
		{"wrong password", map[string]string{"email": "login@example.com", "password": "wrongpassword"}, http.StatusUnauthorized},
		{"non-existent user", map[string]string{"email": "nobody@example.com", "password": "password123"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"email": "login@example.com"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, "POST", "/api/auth/login", "", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Login() status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	clearTestData()
	user, token := createUser(t, "me", "me@example.com")

	if w := doRequest(t, "GET", "/api/auth/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d", w.Code)
	}
	if w := doRequest(t, "GET", "/api/auth/me", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", w.Code)
	}

	w := doRequest(t, "GET", "/api/auth/me?token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query token status = %d", w.Code)
	}
	got := decode[models.User](t, w)
	if got.ID != user.ID || got.Email != "me@example.com" {
		t.Errorf("me = %+v", got)
	}
}

func TestChatsAndMessages(t *testing.T) {
	clearTestData()
	alice, aliceToken := createUser(t, "alice", "alice@example.com")
	bob, bobToken := createUser(t, "bob", "bob@example.com")
	_, eveToken := createUser(t, "eve", "eve@example.com")

	w := doRequest(t, "POST", "/api/chats?other_user_id="+bob.ID, aliceToken, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("CreateChat status = %d (%s)", w.Code, w.Body.String())
	}
	chat := decode[models.Chat](t, w)
	if chat.OtherUser == nil || chat.OtherUser.ID != bob.ID {
		t.Fatalf("other_user = %+v", chat.OtherUser)
	}

	if w := doRequest(t, "POST", "/api/chats?other_user_id="+alice.ID, bobToken, nil); w.Code != http.StatusOK {
		t.Errorf("existing chat status = %d, want 200", w.Code)
	} else if again := decode[models.Chat](t, w); again.ID != chat.ID {
		t.Errorf("second CreateChat returned %s, want %s", again.ID, chat.ID)
	}
	if w := doRequest(t, "POST", "/api/chats?other_user_id="+alice.ID, aliceToken, nil); w.Code != http.StatusBadRequest {
		t.Errorf("self chat status = %d", w.Code)
	}
	if w := doRequest(t, "POST", "/api/chats?other_user_id=missing", aliceToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d", w.Code)
	}

	send := map[string]any{"chat_id": chat.ID, "content": "hi", "client_message_id": "temp-1"}
	w = doRequest(t, "POST", "/api/messages", aliceToken, send)
	if w.Code != http.StatusCreated {
		t.Fatalf("SendMessage status = %d (%s)", w.Code, w.Body.String())
	}
	msg := decode[models.Message](t, w)
	if msg.ClientID != "temp-1" || msg.IsTemp() || msg.Status != models.StatusSent {
		t.Fatalf("stored message = %+v", msg)
	}

	newEvents := testNotifier.ofType(protocol.TypeNewMessage)
	if len(newEvents) != 1 || len(newEvents[0].to) != 1 || newEvents[0].to[0] != bob.ID {
		t.Fatalf("new_message notifications = %+v", newEvents)
	}

	t.Run("retry with same client id", func(t *testing.T) {
		w := doRequest(t, "POST", "/api/messages", aliceToken, send)
		if w.Code != http.StatusOK {
			t.Fatalf("retry status = %d", w.Code)
		}
		if again := decode[models.Message](t, w); again.ID != msg.ID {
			t.Errorf("retry id = %s, want %s", again.ID, msg.ID)
		}
		if n := len(testNotifier.ofType(protocol.TypeNewMessage)); n != 1 {
			t.Errorf("new_message notifications = %d, want 1", n)
		}
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			token string
			body  map[string]any
			want  int
		}{
			{aliceToken, map[string]any{"chat_id": chat.ID, "content": "   "}, http.StatusBadRequest},
			{aliceToken, map[string]any{"chat_id": chat.ID, "content": "x", "message_type": "sticker"}, http.StatusBadRequest},
			{aliceToken, map[string]any{"content": "x"}, http.StatusBadRequest},
			{aliceToken, map[string]any{"chat_id": "missing", "content": "x"}, http.StatusNotFound},
			{eveToken, map[string]any{"chat_id": chat.ID, "content": "x"}, http.StatusForbidden},
		}
		for _, c := range cases {
			if w := doRequest(t, "POST", "/api/messages", c.token, c.body); w.Code != c.want {
				t.Errorf("SendMessage(%v) status = %d, want %d", c.body, w.Code, c.want)
			}
		}
	})

	t.Run("chat list carries the summary", func(t *testing.T) {
		w := doRequest(t, "GET", "/api/chats", bobToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GetChats status = %d", w.Code)
		}
		chats := decode[[]models.Chat](t, w)
		if len(chats) != 1 {
			t.Fatalf("chats = %d, want 1", len(chats))
		}
		if chats[0].OtherUser == nil || chats[0].OtherUser.Username != "alice" {
			t.Errorf("other_user = %+v", chats[0].OtherUser)
		}
		if chats[0].LastMessage == nil || chats[0].LastMessage.Content != "hi" {
			t.Errorf("last_message = %+v", chats[0].LastMessage)
		}
	})

	t.Run("opening the chat marks incoming read", func(t *testing.T) {
		if w := doRequest(t, "GET", "/api/chats/"+chat.ID+"/messages", eveToken, nil); w.Code != http.StatusForbidden {
			t.Errorf("outsider status = %d", w.Code)
		}

		w := doRequest(t, "GET", "/api/chats/"+chat.ID+"/messages", bobToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GetChatMessages status = %d", w.Code)
		}
		messages := decode[[]models.Message](t, w)
		if len(messages) != 1 || !messages[0].IsRead || messages[0].Status != models.StatusRead {
			t.Fatalf("messages = %+v", messages)
		}

		reads := testNotifier.ofType(protocol.TypeMessageRead)
		if len(reads) != 1 || reads[0].to[0] != alice.ID || reads[0].event.MessageID != msg.ID {
			t.Fatalf("message_read notifications = %+v", reads)
		}
	})
}

func TestMarkAsReadAndDelete(t *testing.T) {
	clearTestData()
	alice, aliceToken := createUser(t, "alice", "alice@example.com")
	bob, bobToken := createUser(t, "bob", "bob@example.com")

	chat, _, err := testDB.FindOrCreateChat(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("FindOrCreateChat: %v", err)
	}
	msg, _, err := testDB.CreateMessage(context.Background(), db.NewMessage{ChatID: chat.ID, SenderID: alice.ID, Content: "hello"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if w := doRequest(t, "PUT", "/api/messages/"+msg.ID+"/read", aliceToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("sender marking own message read status = %d", w.Code)
	}
	if w := doRequest(t, "PUT", "/api/messages/missing/read", bobToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d", w.Code)
	}
	w := doRequest(t, "PUT", "/api/messages/"+msg.ID+"/read", bobToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("MarkAsRead status = %d", w.Code)
	}
	if read := decode[models.Message](t, w); !read.IsRead || read.ReadAt == nil {
		t.Errorf("read message = %+v", read)
	}

	if w := doRequest(t, "DELETE", "/api/messages/"+msg.ID, bobToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-sender delete status = %d", w.Code)
	}
	if w := doRequest(t, "DELETE", "/api/messages/"+msg.ID, aliceToken, nil); w.Code != http.StatusOK {
		t.Fatalf("DeleteMessage status = %d", w.Code)
	}
	deleted := testNotifier.ofType(protocol.TypeMessageDeleted)
	if len(deleted) != 1 || deleted[0].event.MessageID != msg.ID || len(deleted[0].to) != 2 {
		t.Errorf("message_deleted notifications = %+v", deleted)
	}
	if w := doRequest(t, "DELETE", "/api/messages/"+msg.ID, aliceToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestUsers(t *testing.T) {
	clearTestData()
	_, aliceToken := createUser(t, "alice", "alice@example.com")
	bob, _ := createUser(t, "bob", "bob@example.com")
	createUser(t, "bobby", "bobby@example.com")

	t.Run("search", func(t *testing.T) {
		w := doRequest(t, "GET", "/api/users/search?q=bob", aliceToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("SearchUsers status = %d", w.Code)
		}
		if users := decode[[]models.User](t, w); len(users) != 2 {
			t.Errorf("search results = %d, want 2", len(users))
		}
		if w := doRequest(t, "GET", "/api/users/search?q=", aliceToken, nil); w.Code != http.StatusBadRequest {
			t.Errorf("empty query status = %d", w.Code)
		}
	})

	t.Run("list excludes caller", func(t *testing.T) {
		w := doRequest(t, "GET", "/api/users", aliceToken, nil)
		users := decode[[]models.User](t, w)
		for _, u := range users {
			if u.Username == "alice" {
				t.Error("caller listed")
			}
		}
		if len(users) != 2 {
			t.Errorf("users = %d, want 2", len(users))
		}
	})

	t.Run("profile", func(t *testing.T) {
		w := doRequest(t, "PUT", "/api/users/profile", aliceToken, map[string]any{"username": "  alicia  ", "avatar_url": "https://example.com/a.png"})
		if w.Code != http.StatusOK {
			t.Fatalf("UpdateProfile status = %d", w.Code)
		}
		user := decode[models.User](t, w)
		if user.Username != "alicia" || user.AvatarURL == nil {
			t.Errorf("profile = %+v", user)
		}
		if w := doRequest(t, "PUT", "/api/users/profile", aliceToken, map[string]any{"username": ""}); w.Code != http.StatusBadRequest {
			t.Errorf("empty username status = %d", w.Code)
		}
	})

	t.Run("status heartbeat", func(t *testing.T) {
		w := doRequest(t, "POST", "/api/users/update-status", aliceToken, map[string]any{"is_online": true})
		if w.Code != http.StatusOK {
			t.Fatalf("UpdateStatus status = %d", w.Code)
		}
		if w := doRequest(t, "POST", "/api/users/update-status", aliceToken, map[string]any{}); w.Code != http.StatusBadRequest {
			t.Errorf("missing is_online status = %d", w.Code)
		}

		w = doRequest(t, "GET", "/api/users/search?q=alicia", bob.ID, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("raw user id as token status = %d", w.Code)
		}
	})
}
