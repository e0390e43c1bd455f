package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/llm"
)

// slowClient counts concurrent calls and sleeps inside each.
type slowClient struct {
	active    atomic.Int32
	maxActive atomic.Int32
	err       error
}

func (s *slowClient) Chat(ctx context.Context, model string, msgs []llm.Message, opts *llm.ChatOptions) (*llm.ChatResponse, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		old := s.maxActive.Load()
		if n <= old || s.maxActive.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Model: model, Content: "ok", InputTokens: 3, OutputTokens: 7}, nil
}

func (s *slowClient) ChatStream(ctx context.Context, model string, msgs []llm.Message, opts *llm.ChatOptions, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, msgs, opts)
}

func (s *slowClient) Ping(ctx context.Context) error { return nil }

type captureRecorder struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (c *captureRecorder) RecordCall(_ context.Context, rec CallRecord) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func TestSingleConcurrency(t *testing.T) {
	inner := &slowClient{}
	q := New(inner, nil, nil, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Chat(context.Background(), "m", nil, nil)
		}()
	}
	wg.Wait()

	if got := inner.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent backend calls = %d, want 1", got)
	}
}

func TestFailureDoesNotBlockNext(t *testing.T) {
	inner := &slowClient{err: errors.New("backend down")}
	q := New(inner, nil, nil, slog.Default())

	if _, err := q.Chat(context.Background(), "m", nil, nil); err == nil {
		t.Fatal("expected first call to fail")
	}

	inner.err = nil
	resp, err := q.Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	inner := &blockingClient{release: make(chan struct{})}
	q := New(inner, nil, nil, slog.Default())

	go q.Chat(context.Background(), "m", nil, nil)
	for inner.started.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Chat(ctx, "m", nil, nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued call did not abandon after cancel")
	}

	close(inner.release)
}

// blockingClient holds the first call open until released.
type blockingClient struct {
	started atomic.Int32
	release chan struct{}
}

func (b *blockingClient) Chat(ctx context.Context, model string, msgs []llm.Message, opts *llm.ChatOptions) (*llm.ChatResponse, error) {
	b.started.Add(1)
	<-b.release
	return &llm.ChatResponse{}, nil
}

func (b *blockingClient) ChatStream(ctx context.Context, model string, msgs []llm.Message, opts *llm.ChatOptions, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return b.Chat(ctx, model, msgs, opts)
}

func (b *blockingClient) Ping(ctx context.Context) error { return nil }

func TestRecorderReceivesUsage(t *testing.T) {
	inner := &slowClient{}
	rec := &captureRecorder{}
	q := New(inner, rec, nil, slog.Default())

	ctx := WithCallInfo(context.Background(), CallInfo{
		Role:           "turn",
		ConversationID: "c1",
	})
	if _, err := q.Chat(ctx, "m", nil, nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 1 {
		t.Fatalf("got %d records, want 1", len(rec.recs))
	}
	r := rec.recs[0]
	if r.Role != "turn" || r.ConversationID != "c1" {
		t.Errorf("attribution = %+v", r)
	}
	if r.InputTokens != 3 || r.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 3/7", r.InputTokens, r.OutputTokens)
	}
}

func TestAdmittedCallPublishesEvents(t *testing.T) {
	inner := &slowClient{}
	bus := events.New()
	q := New(inner, nil, bus, slog.Default())

	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	ctx := WithCallInfo(context.Background(), CallInfo{Role: "turn", RequestID: "r1"})
	if _, err := q.Chat(ctx, "m", nil, nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	var got []events.Event
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("got %d events, want llm_call and llm_done", len(got))
		}
	}
	if got[0].Kind != events.KindLLMCall || got[1].Kind != events.KindLLMDone {
		t.Fatalf("kinds = %s, %s", got[0].Kind, got[1].Kind)
	}
	for i, ev := range got {
		if ev.Source != events.SourceQueue {
			t.Errorf("event[%d].Source = %q", i, ev.Source)
		}
		if ev.Data["model"] != "m" || ev.Data["role"] != "turn" || ev.Data["request_id"] != "r1" {
			t.Errorf("event[%d].Data = %v", i, ev.Data)
		}
	}
	if _, ok := got[1].Data["duration_ms"]; !ok {
		t.Error("llm_done missing duration_ms")
	}
	if got[1].Data["output_tokens"] != 7 {
		t.Errorf("llm_done output_tokens = %v, want 7", got[1].Data["output_tokens"])
	}
}
