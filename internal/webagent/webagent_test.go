package webagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Errorf("path = %q, want /v1/search", r.URL.Path)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "exchange rate usd eur" {
			t.Errorf("query = %q", req.Query)
		}
		if req.Count != 3 {
			t.Errorf("count = %d, want 3", req.Count)
		}
		fmt.Fprint(w, `{"sources":[
			{"title":"XE","url":"https://xe.com","summary":"Currency rates."},
			{"title":"ECB","url":"https://ecb.europa.eu","summary":"Reference rates."}
		]}`)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)
	sources, err := c.Search(context.Background(), "exchange rate usd eur", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	if sources[0].Title != "XE" || sources[1].URL != "https://ecb.europa.eu" {
		t.Errorf("unexpected sources: %+v", sources)
	}
}

func TestSearchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider quota exhausted", http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)
	_, err := c.Search(context.Background(), "anything", 3)
	if err == nil {
		t.Fatal("expected error for HTTP 502")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should mention status code: %v", err)
	}
}

func TestSearchStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search/stream" {
			t.Errorf("path = %q, want /v1/search/stream", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"stage":"searching","message":"querying providers"}`)
		fmt.Fprintln(w, `{"stage":"fetching","message":"reading 2 pages"}`)
		fmt.Fprintln(w, `{"stage":"complete","done":true,"sources":[{"title":"A","url":"https://a.example"}]}`)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)

	var stages []string
	sources, err := c.SearchStream(context.Background(), "test", 3, func(ev StageEvent) {
		stages = append(stages, ev.Stage)
	})
	if err != nil {
		t.Fatalf("SearchStream failed: %v", err)
	}
	if len(sources) != 1 || sources[0].Title != "A" {
		t.Errorf("unexpected sources: %+v", sources)
	}

	want := []string{"searching", "fetching", "complete"}
	if len(stages) != len(want) {
		t.Fatalf("got %d stage events, want %d", len(stages), len(want))
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, stages[i], want[i])
		}
	}
}

func TestSearchStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stage":"searching"}`)
		// No done event: connection just ends.
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)
	_, err := c.SearchStream(context.Background(), "test", 3, nil)
	if err == nil {
		t.Fatal("expected error when stream ends without done event")
	}
	if !strings.Contains(err.Error(), "without done") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSearchStreamCollaboratorError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stage":"searching"}`)
		fmt.Fprintln(w, `{"stage":"failed","done":true,"error":"all providers failed"}`)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)
	_, err := c.SearchStream(context.Background(), "test", 3, nil)
	if err == nil {
		t.Fatal("expected error from done event carrying error")
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Errorf("unexpected error: %v", err)
	}
}
