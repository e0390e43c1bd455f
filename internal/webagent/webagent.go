// Package webagent implements the client for the external search
// collaborator. The collaborator owns provider selection, fetching, and
// per-result summarization; this side only sends a query and consumes
// either a single JSON result set or an NDJSON stream of stage events.
package webagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weixian95/brain-at-home/internal/httpkit"
	"github.com/weixian95/brain-at-home/internal/store"
)

// StageEvent is one unit of the collaborator's streamed progress
// protocol. Intermediate events carry status text; the final event has
// Done set and carries the collected sources.
type StageEvent struct {
	Stage   string         `json:"stage"`
	Message string         `json:"message,omitempty"`
	Sources []store.Source `json:"sources,omitempty"`
	Done    bool           `json:"done,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EventCallback receives each decoded stage event during SearchStream.
type EventCallback func(ev StageEvent)

// drainLimit caps how much of a leftover response body is read before
// closing, enough to let the connection return to the pool.
const drainLimit = 4096

// Client talks to one web-agent instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a web-agent client. timeout bounds a whole search,
// including the collaborator's own fetch and summarization passes;
// zero means no client-side limit (the caller's context still applies).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
	}
}

type searchRequest struct {
	Query     string `json:"query"`
	Count     int    `json:"count,omitempty"`
	Freshness string `json:"freshness,omitempty"`
}

type searchResponse struct {
	Sources []store.Source `json:"sources"`
}

// Search performs a non-streaming search and returns up to count
// sources. Timeouts and non-2xx statuses come back as errors; callers
// are expected to degrade to zero sources rather than fail the turn.
func (c *Client) Search(ctx context.Context, query string, count int) ([]store.Source, error) {
	body, err := json.Marshal(searchRequest{Query: query, Count: count})
	if err != nil {
		return nil, fmt.Errorf("webagent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webagent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webagent: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, drainLimit)

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("webagent: HTTP %d: %s", resp.StatusCode, msg)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("webagent: decode response: %w", err)
	}
	return sr.Sources, nil
}

// SearchStream performs a streaming search, invoking onEvent for every
// stage event as it arrives, and returns the sources carried by the
// final event. A stream that ends without a Done event is an error:
// the collaborator died mid-search and its partial results are not
// trusted.
func (c *Client) SearchStream(ctx context.Context, query string, count int, onEvent EventCallback) ([]store.Source, error) {
	body, err := json.Marshal(searchRequest{Query: query, Count: count})
	if err != nil {
		return nil, fmt.Errorf("webagent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webagent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webagent: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, drainLimit)

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("webagent: HTTP %d: %s", resp.StatusCode, msg)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev StageEvent
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil, errors.New("webagent: stream ended without done event")
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("webagent: decode stream: %w", err)
		}

		if onEvent != nil {
			onEvent(ev)
		}

		if ev.Done {
			if ev.Error != "" {
				return nil, fmt.Errorf("webagent: %s", ev.Error)
			}
			return ev.Sources, nil
		}
	}
}
