package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/keylock"
	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/routing"
	"github.com/weixian95/brain-at-home/internal/store"
	"github.com/weixian95/brain-at-home/internal/turn"
)

// staticLLM answers every call with the same content.
type staticLLM struct {
	content string
}

func (s *staticLLM) Chat(ctx context.Context, model string, messages []llm.Message, opts *llm.ChatOptions) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: s.content, Done: true}, nil
}

func (s *staticLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, opts *llm.ChatOptions, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	for _, word := range strings.SplitAfter(s.content, " ") {
		callback(word)
	}
	return &llm.ChatResponse{Content: s.content, Done: true}, nil
}

func (s *staticLLM) Ping(ctx context.Context) error { return nil }

func testServer(t *testing.T) (*Server, *store.FileStore, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	client := &staticLLM{content: "a fine answer"}
	router := routing.NewEngine(client, "", logger)
	bus := events.New()
	orch := turn.New(keylock.NewTable(), st, client, router, nil, bus, logger, turn.Config{Model: "m"})
	return NewServer("127.0.0.1:0", orch, st, nil, nil, bus, logger), st, bus
}

func postTurn(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/turn", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestTurnNonStreaming(t *testing.T) {
	s, st, _ := testServer(t)

	rec := postTurn(t, s.Handler(), `{
		"owner": "alice",
		"conversation_id": "c1",
		"prompt": "hello there",
		"client_message_id": "m1",
		"use_web": false
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp turn.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConversationID != "c1" || resp.Answer != "a fine answer" {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := st.Load("alice", "c1"); err != nil {
		t.Errorf("turn not persisted: %v", err)
	}
}

func TestTurnMissingOverrideIs400(t *testing.T) {
	s, _, _ := testServer(t)

	rec := postTurn(t, s.Handler(), `{
		"owner": "alice",
		"conversation_id": "c1",
		"prompt": "hello",
		"client_message_id": "m1"
	}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTurnMalformedBodyIs400(t *testing.T) {
	s, _, _ := testServer(t)
	rec := postTurn(t, s.Handler(), `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTurnStreaming(t *testing.T) {
	s, _, _ := testServer(t)

	rec := postTurn(t, s.Handler(), `{
		"owner": "alice",
		"conversation_id": "c1",
		"prompt": "hello there",
		"client_message_id": "m1",
		"use_web": false,
		"stream": true
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	var evs []turn.StageEvent
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var ev turn.StageEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", scanner.Text(), err)
		}
		evs = append(evs, ev)
	}
	if len(evs) < 2 {
		t.Fatalf("got %d events, want routing + deltas + final", len(evs))
	}
	if evs[0].Stage != "routing" {
		t.Errorf("first stage = %q", evs[0].Stage)
	}
	final := evs[len(evs)-1]
	if !final.Done || final.Answer != "a fine answer" {
		t.Errorf("final = %+v", final)
	}
	for _, ev := range evs[:len(evs)-1] {
		if ev.Done {
			t.Errorf("intermediate event asserts done: %+v", ev)
		}
	}
}

func TestTurnStreamingErrorIsTerminalEvent(t *testing.T) {
	s, _, _ := testServer(t)

	// Missing routing override fails after the stream starts.
	rec := postTurn(t, s.Handler(), `{
		"owner": "alice",
		"conversation_id": "c1",
		"prompt": "hello",
		"client_message_id": "m1",
		"stream": true
	}`)

	var last turn.StageEvent
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &last); err != nil {
			t.Fatalf("bad NDJSON line: %v", err)
		}
	}
	if !last.Done || last.Error == "" {
		t.Errorf("terminal event = %+v, want error with done", last)
	}
}

func TestConversationListRequiresOwner(t *testing.T) {
	s, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	s, st, _ := testServer(t)
	h := s.Handler()

	rec := store.NewRecord("alice", "c1")
	rec.Title = "Test Conversation"
	rec.AppendTurn(
		store.Message{Role: "user", Content: "q", Timestamp: 1000, ClientMessageID: "m1"},
		store.Message{Role: "assistant", Content: "a", Timestamp: 1001},
		store.IdempotencyEntry{Answer: "a", Timestamp: 1001},
	)
	if err := st.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// List.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/conversations?owner=alice", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Conversations []store.Summary `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].Title != "Test Conversation" {
		t.Errorf("list = %+v", list.Conversations)
	}

	// Get.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/conversations/c1?owner=alice", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got store.Record
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("record = %+v", got)
	}

	// Delete.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/conversations/c1?owner=alice", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}

	// Gone now.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/conversations/c1?owner=alice", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestUsageStatsUnconfigured(t *testing.T) {
	s, _, _ := testServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/stats", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestEventsWebSocket(t *testing.T) {
	s, _, bus := testServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered during the upgrade handler; give
	// it a moment before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"request_id": "r1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindTurnStart || ev.Source != events.SourceTurn {
		t.Errorf("event = %+v", ev)
	}
}
