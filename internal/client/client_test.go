package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/reconcile"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/stream"
	"github.com/chatsql/chatsql/internal/task"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeServer serves one session whose stream is scripted per connection.
type fakeServer struct {
	mu          sync.Mutex
	sess        session.Session
	connections int32
	// scripts[i] writes the events of connection i; the last one repeats.
	scripts []func(enc *stream.Encoder, f *fakeServer)
	// streamStatus overrides the stream response code when non-zero.
	streamStatus int
	apiKeys      []string
}

func newFakeServer(t *testing.T, fake *fakeServer) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		fake.apiKeys = append(fake.apiKeys, r.Header.Get("X-API-Key"))
		sess := fake.sess.Clone()
		fake.mu.Unlock()
		if r.PathValue("id") != sess.ID {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"NOT_FOUND","message":"session not found","retryable":false}`))
			return
		}
		_ = json.NewEncoder(w).Encode(sess)
	})
	mux.HandleFunc("GET /v1/sessions/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fake.connections, 1)
		if fake.streamStatus != 0 {
			w.WriteHeader(fake.streamStatus)
			_, _ = w.Write([]byte(`{"error_code":"UNAVAILABLE","message":"down","retryable":true}`))
			return
		}
		w.Header().Set("Content-Type", stream.ContentType)
		w.WriteHeader(http.StatusOK)
		enc := stream.NewEncoder(w)
		_ = enc.Encode(connectedEvent(fake))
		idx := int(n) - 1
		if idx >= len(fake.scripts) {
			idx = len(fake.scripts) - 1
		}
		if idx >= 0 {
			fake.scripts[idx](enc, fake)
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return New(Options{BaseURL: server.URL, APIKey: "k1", Timeout: 5 * time.Second})
}

func connectedEvent(fake *fakeServer) stream.Event {
	fake.mu.Lock()
	view := task.StatusView{SessionID: fake.sess.ID, Status: fake.sess.Status, ActiveTaskID: fake.sess.ActiveTaskID}
	fake.mu.Unlock()
	event := mustEvent(stream.EventConnected, "", 0, view)
	event.SessionID = view.SessionID
	return event
}

func mustEvent(eventType stream.EventType, taskID string, seq uint64, data any) stream.Event {
	event, err := stream.NewEvent(eventType, "s1", taskID, data)
	if err != nil {
		panic(err)
	}
	event.Seq = seq
	return event
}

func processingSession() session.Session {
	return session.Session{
		ID:           "s1",
		Status:       session.StatusProcessing,
		ActiveTaskID: "t1",
		Messages: []session.Message{
			{ID: "m_1", SessionID: "s1", Role: session.RoleUser, Content: "how many orders?", Timestamp: baseTime},
		},
	}
}

var answer = session.Message{
	ID:        "m_2",
	SessionID: "s1",
	Role:      session.RoleAssistant,
	Content:   "There are 3 orders.",
	Timestamp: baseTime.Add(time.Second),
}

// completeTask persists the answer before announcing the terminal event, the
// order the server guarantees.
func completeTask(enc *stream.Encoder, f *fakeServer) {
	_ = enc.Encode(mustEvent(stream.EventStepStarted, "t1", 1, stream.StepData{Step: "translate"}))
	_ = enc.Encode(mustEvent(stream.EventFinalResultReady, "t1", 2, answer))
	f.mu.Lock()
	f.sess.Status = session.StatusIdle
	f.sess.ActiveTaskID = ""
	f.sess.Messages = append(f.sess.Messages, answer)
	f.mu.Unlock()
	_ = enc.Encode(mustEvent(stream.EventTaskCompleted, "t1", 3, nil))
}

func TestWatchUntilIdleReconcilesWithPersistedSession(t *testing.T) {
	fake := &fakeServer{sess: processingSession(), scripts: []func(*stream.Encoder, *fakeServer){completeTask}}
	c := newFakeServer(t, fake)
	store := reconcile.NewStore()

	var updates int
	err := c.Watch(context.Background(), store, "s1", WatchOptions{
		UntilIdle:      true,
		CoalesceWindow: 5 * time.Millisecond,
		OnUpdate:       func(reconcile.View) { updates++ },
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	view, ok := store.View("s1")
	if !ok {
		t.Fatal("expected session in store")
	}
	if view.Status != session.StatusIdle || view.ActiveTaskID != "" {
		t.Fatalf("view status = %q active = %q", view.Status, view.ActiveTaskID)
	}
	if len(view.Messages) != 2 || view.Messages[1].ID != "m_2" {
		t.Fatalf("messages = %#v", view.Messages)
	}
	if updates < 2 {
		t.Fatalf("updates = %d, want at least 2", updates)
	}
	if store.Focused() != "s1" {
		t.Fatalf("Focused() = %q", store.Focused())
	}
	for _, key := range fake.apiKeys {
		if key != "k1" {
			t.Fatalf("api key header = %q", key)
		}
	}
}

func TestWatchReturnsImmediatelyForIdleSession(t *testing.T) {
	sess := processingSession()
	sess.Status = session.StatusIdle
	sess.ActiveTaskID = ""
	fake := &fakeServer{sess: sess}
	c := newFakeServer(t, fake)

	if err := c.Watch(context.Background(), reconcile.NewStore(), "s1", WatchOptions{UntilIdle: true}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if got := atomic.LoadInt32(&fake.connections); got != 0 {
		t.Fatalf("stream connections = %d, want 0", got)
	}
}

func TestWatchReconnectsAfterDroppedStream(t *testing.T) {
	dropAfterStep := func(enc *stream.Encoder, _ *fakeServer) {
		_ = enc.Encode(mustEvent(stream.EventStepStarted, "t1", 1, stream.StepData{Step: "schema"}))
	}
	fake := &fakeServer{
		sess:    processingSession(),
		scripts: []func(*stream.Encoder, *fakeServer){dropAfterStep, completeTask},
	}
	c := newFakeServer(t, fake)
	store := reconcile.NewStore()

	var reconnects []uint
	err := c.Watch(context.Background(), store, "s1", WatchOptions{
		UntilIdle:      true,
		ReconnectDelay: 10 * time.Millisecond,
		CoalesceWindow: 5 * time.Millisecond,
		OnReconnect:    func(attempt uint, _ error) { reconnects = append(reconnects, attempt) },
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if got := atomic.LoadInt32(&fake.connections); got != 2 {
		t.Fatalf("stream connections = %d, want 2", got)
	}
	if len(reconnects) != 1 || reconnects[0] != 1 {
		t.Fatalf("reconnects = %v", reconnects)
	}
	view, _ := store.View("s1")
	if view.Status != session.StatusIdle || len(view.Messages) != 2 {
		t.Fatalf("view = %#v", view)
	}
}

func TestWatchGivesUpAfterMaxReconnects(t *testing.T) {
	fake := &fakeServer{sess: processingSession(), streamStatus: http.StatusServiceUnavailable}
	c := newFakeServer(t, fake)

	err := c.Watch(context.Background(), reconcile.NewStore(), "s1", WatchOptions{
		ReconnectDelay: time.Millisecond,
		MaxReconnects:  2,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Watch() error = %v", err)
	}
	if got := atomic.LoadInt32(&fake.connections); got != 3 {
		t.Fatalf("stream connections = %d, want 3", got)
	}
}

func TestWatchUnknownSessionFailsWithoutRetry(t *testing.T) {
	fake := &fakeServer{sess: processingSession()}
	c := newFakeServer(t, fake)

	err := c.Watch(context.Background(), reconcile.NewStore(), "missing", WatchOptions{ReconnectDelay: time.Millisecond})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("Watch() error = %v", err)
	}
	if got := atomic.LoadInt32(&fake.connections); got != 0 {
		t.Fatalf("stream connections = %d", got)
	}
}

func TestWatchStopsWhenFocusMoves(t *testing.T) {
	store := reconcile.NewStore()
	moveFocus := func(enc *stream.Encoder, _ *fakeServer) {
		store.Focus("s2")
		_ = enc.Encode(mustEvent(stream.EventStepStarted, "t1", 1, stream.StepData{Step: "schema"}))
	}
	fake := &fakeServer{sess: processingSession(), scripts: []func(*stream.Encoder, *fakeServer){moveFocus}}
	c := newFakeServer(t, fake)

	err := c.Watch(context.Background(), store, "s1", WatchOptions{ReconnectDelay: time.Millisecond, CoalesceWindow: time.Millisecond})
	if !errors.Is(err, ErrNotFocused) {
		t.Fatalf("Watch() error = %v, want ErrNotFocused", err)
	}
}

func TestWatchReturnsNilWhenContextEnds(t *testing.T) {
	hold := func(*stream.Encoder, *fakeServer) {
		time.Sleep(200 * time.Millisecond)
	}
	fake := &fakeServer{sess: processingSession(), scripts: []func(*stream.Encoder, *fakeServer){hold}}
	c := newFakeServer(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Watch(ctx, reconcile.NewStore(), "s1", WatchOptions{ReconnectDelay: time.Millisecond}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
}

func TestRequestsUseIdentityHeadersWithoutAPIKey(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":"SESSION_BUSY","message":"session already has an active task","retryable":true}`))
	}))
	defer server.Close()

	c := New(Options{
		BaseURL:  server.URL + "/",
		Identity: auth.Identity{OrganizationID: "org-1", UserID: "u-1", Role: "analyst"},
	})

	_, err := c.Converse(context.Background(), ConversationRequest{SessionID: "s1", Message: "again"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Converse() error = %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "SESSION_BUSY" || !apiErr.Retryable {
		t.Fatalf("APIError = %#v", apiErr)
	}
	if got.Get("X-API-Key") != "" {
		t.Fatalf("unexpected api key header %q", got.Get("X-API-Key"))
	}
	if got.Get(auth.HeaderOrganizationID) != "org-1" || got.Get(auth.HeaderUserID) != "u-1" || got.Get(auth.HeaderRole) != "analyst" {
		t.Fatalf("identity headers = %v", got)
	}
	if got.Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", got.Get("Content-Type"))
	}
}

func TestTruncateAndDelete(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"removed":2}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	c := New(Options{BaseURL: server.URL, APIKey: "k1"})
	removed, err := c.Truncate(context.Background(), "s1", "m_1")
	if err != nil || removed != 2 {
		t.Fatalf("Truncate() = %d, %v", removed, err)
	}
	if err := c.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	want := []string{"POST /v1/sessions/s1/messages/m_1/truncate", "DELETE /v1/sessions/s1"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v", calls)
	}
}
