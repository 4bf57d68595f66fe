package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client sends requests to an OpenAI-compatible upstream provider and
// exposes its SSE stream as successive ChatCompletionChunk values.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Timeouts bundles the connect/read/write timeouts spec.md's configuration
// surface exposes independently.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// NewClient builds a Client whose transport dial timeout is Connect and
// whose overall per-request timeout is Read+Write (the two phases aren't
// distinguishable through net/http's client-level Timeout, so the sum is
// used as the outer bound; Connect alone still governs dial).
func NewClient(baseURL, apiKey string, timeouts Timeouts) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: timeouts.Connect}).DialContext,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeouts.Read + timeouts.Write,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Stream opens a streaming chat-completions call and returns a *Stream the
// caller drains with Next(). Cancelling ctx aborts the upstream call.
func (c *Client) Stream(ctx context.Context, body ChatCompletionRequest) (*Stream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, MapTransportError(err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, string(raw))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Stream{resp: resp, scanner: scanner}, nil
}

// Stream is a single outbound SSE response, scanned line by line.
type Stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

// Next returns the next chunk, io.EOF once the upstream sends "[DONE]" or
// closes the connection, or a *ProviderError if a line can't be parsed.
func (s *Stream) Next() (ChatCompletionChunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			data, ok = strings.CutPrefix(line, "data:")
		}
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return ChatCompletionChunk{}, io.EOF
		}
		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return ChatCompletionChunk{}, newError(KindAPI, 500, "malformed upstream SSE chunk: "+err.Error(), err)
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return ChatCompletionChunk{}, MapTransportError(err)
	}
	return ChatCompletionChunk{}, io.EOF
}

// Close releases the underlying HTTP response body. Safe to call more than
// once.
func (s *Stream) Close() error {
	if s.resp == nil || s.resp.Body == nil {
		return nil
	}
	return s.resp.Body.Close()
}
