package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/plonhq/plon-orchestrator/internal/domain"
	"github.com/plonhq/plon-orchestrator/internal/orchestrator"
)

type fakeOrch struct {
	sessions       map[uuid.UUID]*domain.Session
	launchID       uuid.UUID
	launchErr      error
	cancelled      []uuid.UUID
	statusCalls    int
	afterGetStatus func(call int)
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{sessions: make(map[uuid.UUID]*domain.Session), launchID: uuid.New()}
}

func (f *fakeOrch) Launch(_ context.Context, _ domain.TaskSnapshot) (uuid.UUID, error) {
	if f.launchErr != nil {
		return uuid.Nil, f.launchErr
	}
	return f.launchID, nil
}

func (f *fakeOrch) Cancel(id uuid.UUID) error {
	if _, ok := f.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

// GetStatus returns a snapshot, like the real orchestrator does
func (f *fakeOrch) GetStatus(id uuid.UUID) (*domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	cp.Log = append([]string(nil), s.Log...)
	f.statusCalls++
	if f.afterGetStatus != nil {
		f.afterGetStatus(f.statusCalls)
	}
	return &cp, nil
}

func (f *fakeOrch) ListActive() []*domain.Session {
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.Status.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeOrch) ListForTask(taskID uuid.UUID) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeAPIStore struct {
	cfg   *domain.AgentConfig
	tmpls []*domain.PromptTemplate
}

func (f *fakeAPIStore) GetConfig() (*domain.AgentConfig, error) {
	if f.cfg == nil {
		return nil, domain.ErrConfigMissing
	}
	return f.cfg, nil
}

func (f *fakeAPIStore) SaveConfig(cfg *domain.AgentConfig) error {
	f.cfg = cfg
	return nil
}

func (f *fakeAPIStore) ListTemplates() ([]*domain.PromptTemplate, error) {
	return f.tmpls, nil
}

func newTestServer(orch *fakeOrch, store *fakeAPIStore) *Server {
	return NewServer(orch, store, zap.NewNop())
}

func TestLaunchSession(t *testing.T) {
	orch := newFakeOrch()
	srv := newTestServer(orch, &fakeAPIStore{})

	body, _ := json.Marshal(launchRequest{
		TaskID: uuid.NewString(),
		Title:  "Add retry logic",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["session_id"] != orch.launchID.String() {
		t.Errorf("session_id = %q", resp["session_id"])
	}
}

func TestLaunchSessionValidation(t *testing.T) {
	srv := newTestServer(newFakeOrch(), &fakeAPIStore{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"bad task id", `{"task_id":"nope","title":"x"}`, http.StatusBadRequest},
		{"missing title", fmt.Sprintf(`{"task_id":"%s"}`, uuid.NewString()), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLaunchSessionConflict(t *testing.T) {
	orch := newFakeOrch()
	orch.launchErr = domain.ErrConcurrentSession
	srv := newTestServer(orch, &fakeAPIStore{})

	body := fmt.Sprintf(`{"task_id":"%s","title":"x"}`, uuid.NewString())
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetSession(t *testing.T) {
	orch := newFakeOrch()
	session := domain.NewSession(uuid.New())
	session.AppendLog("hello")
	orch.sessions[session.ID] = session
	srv := newTestServer(orch, &fakeAPIStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+session.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != session.ID.String() || resp.Status != "pending" || resp.LogLines != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(newFakeOrch(), &fakeAPIStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelSession(t *testing.T) {
	orch := newFakeOrch()
	session := domain.NewSession(uuid.New())
	orch.sessions[session.ID] = session
	srv := newTestServer(orch, &fakeAPIStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+session.ID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(orch.cancelled) != 1 || orch.cancelled[0] != session.ID {
		t.Errorf("cancel not forwarded: %v", orch.cancelled)
	}
}

func TestConfigRoundtrip(t *testing.T) {
	store := &fakeAPIStore{}
	srv := newTestServer(newFakeOrch(), store)

	// No config yet
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before save", rec.Code)
	}

	body, _ := json.Marshal(configPayload{
		GitHubOwner:       "plonhq",
		GitHubRepo:        "plon",
		MaxSessionMinutes: 90,
		AutoCreatePR:      true,
	})
	req = httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got configPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.GitHubOwner != "plonhq" || got.GitHubRepo != "plon" || got.MaxSessionMinutes != 90 {
		t.Errorf("config = %+v", got)
	}
	if got.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want default main", got.BaseBranch)
	}
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	srv := newTestServer(newFakeOrch(), &fakeAPIStore{})
	req := httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(`{"github_owner":""}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebsocketLogStream(t *testing.T) {
	orch := newFakeOrch()
	session := domain.NewSession(uuid.New())
	session.AppendLog("first line")
	if err := session.Transition(domain.StatusInitializing); err != nil {
		t.Fatal(err)
	}
	orch.sessions[session.ID] = session
	srv := newTestServer(orch, &fakeAPIStore{})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + session.ID.String() + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Replay of the persisted log comes first
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if !strings.Contains(string(msg), "first line") {
		t.Errorf("replay = %q", msg)
	}

	// Live lines flow through the event sink
	srv.HandleEvent(orchestrator.Event{
		SessionID: session.ID,
		TaskID:    session.TaskID,
		Status:    domain.StatusWorking,
		Line:      "live output",
	})
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	if string(msg) != "live output" {
		t.Errorf("live = %q", msg)
	}
}

func TestWebsocketStreamKeepsLinesEmittedDuringSetup(t *testing.T) {
	orch := newFakeOrch()
	session := domain.NewSession(uuid.New())
	session.AppendLog("first line")
	if err := session.Transition(domain.StatusInitializing); err != nil {
		t.Fatal(err)
	}
	orch.sessions[session.ID] = session
	srv := newTestServer(orch, &fakeAPIStore{})

	// Emit a line right after the handler's existence check, before it
	// subscribes. The line must arrive exactly once, via the replay.
	orch.afterGetStatus = func(call int) {
		if call == 1 {
			session.AppendLog("line during setup")
			srv.HandleEvent(orchestrator.Event{
				SessionID: session.ID,
				TaskID:    session.TaskID,
				Status:    domain.StatusInitializing,
				Line:      "line during setup",
			})
		}
	}

	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + session.ID.String() + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if !strings.Contains(string(msg), "first line") {
		t.Errorf("replay[0] = %q", msg)
	}
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if !strings.Contains(string(msg), "line during setup") {
		t.Errorf("replay[1] = %q, want the setup-window line", msg)
	}

	// The next message must be fresh output, not a duplicate of the
	// setup-window line.
	srv.HandleEvent(orchestrator.Event{
		SessionID: session.ID,
		TaskID:    session.TaskID,
		Status:    domain.StatusWorking,
		Line:      "live output",
	})
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	if string(msg) != "live output" {
		t.Errorf("live = %q", msg)
	}
}

func TestSSEBroadcast(t *testing.T) {
	hub := NewSSEHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := make(chan SSEEvent, 1)
	hub.register <- client

	hub.Broadcast(SSEEvent{Type: "session_status", Data: map[string]string{"status": "working"}})

	select {
	case event := <-client:
		if event.Type != "session_status" {
			t.Errorf("event type = %q", event.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSSEHandlerReturnsAfterHubShutdown(t *testing.T) {
	srv := newTestServer(newFakeOrch(), &fakeAPIStore{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hubDone := make(chan struct{})
	go func() {
		srv.sseHub.Run(ctx)
		close(hubDone)
	}()
	<-hubDone

	finished := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		srv.ServeHTTP(httptest.NewRecorder(), req)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream handler blocked after hub shutdown")
	}
}

func TestBroadcastLogsDroppedEvents(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	hub := NewSSEHub(zap.New(core))

	// Hub not running, so the buffer fills and the next event drops
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.Broadcast(SSEEvent{Type: "session_status"})
	}
	if logs.Len() != 0 {
		t.Fatalf("unexpected warnings while buffer had room: %v", logs.All())
	}

	hub.Broadcast(SSEEvent{Type: "session_status"})
	if logs.Len() != 1 {
		t.Fatalf("dropped event not logged, warnings = %d", logs.Len())
	}
}
