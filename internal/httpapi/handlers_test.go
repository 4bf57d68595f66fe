package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentbroker/broker/internal/cliproc"
	"github.com/agentbroker/broker/internal/config"
	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/ratelimit"
	"github.com/agentbroker/broker/internal/tree"
)

func newTestRouter(t *testing.T, upstreamBaseURL string) (*Server, http.Handler) {
	t.Helper()
	cfg := &config.Config{
		ProviderBaseURL:        upstreamBaseURL,
		ProviderAPIKey:         "sk-test",
		ProviderModel:          "test-model",
		ProviderConnectTimeout: 2 * time.Second,
		ProviderReadTimeout:    5 * time.Second,
		ProviderWriteTimeout:   5 * time.Second,
		CORSAllowedOrigins:     "*",
	}
	log := logger.New(logger.Config{Format: "text"})
	limiter, err := ratelimit.NewProviderLimiter(100, time.Millisecond, log)
	if err != nil {
		t.Fatal(err)
	}
	proc := tree.NewProcessor(tree.NewRepository())
	cliMgr := cliproc.NewManager(cliproc.Spec{}, cliproc.NewRegistry(), 10)

	s := NewServer(cfg, limiter, proc, cliMgr, nil, log)
	return s, NewRouter(s)
}

func TestHandleHealth(t *testing.T) {
	_, router := newTestRouter(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleModels_DefaultCatalogueFromRoutingTable(t *testing.T) {
	s, router := newTestRouter(t, "http://unused")
	s.cfg.Routing = &config.ModelRoutingConfig{
		Providers: []config.ProviderEndpoint{{Name: "nim", BaseURL: "https://nim.test"}},
		Models:    []config.RoutedModel{{Name: "claude-3-5-sonnet", Provider: "nim"}},
	}
	s.modelsCatalogue = defaultModelsCatalogue(s.cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "claude-3-5-sonnet") {
		t.Fatalf("expected catalogue to list the routed model, got %s", rec.Body.String())
	}
}

func TestHandleStop_CancelsTreesAndStopsSessions(t *testing.T) {
	s, router := newTestRouter(t, "http://unused")

	root := &tree.Node{NodeID: "root", State: tree.Pending}
	tr := tree.NewRepository()
	tr.CreateTree(root)
	s.proc = tree.NewProcessor(tr)

	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rootTree, _ := tr.TreeByRoot("root")
	if n, ok := rootTree.GetNode("root"); !ok || n.State != tree.Error {
		t.Fatalf("expected the pending root to be cancelled into ERROR, got %+v", n)
	}
	if s.cliMgr.Count() != 0 {
		t.Fatalf("expected no CLI sessions left after /stop, got %d", s.cliMgr.Count())
	}
}

func TestHandleCountTokens_EstimatesFromMessageChars(t *testing.T) {
	_, router := newTestRouter(t, "http://unused")

	body := `{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hello there"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "input_tokens") {
		t.Fatalf("expected input_tokens in response, got %s", rec.Body.String())
	}
}

func TestHandleMessages_StreamsTranslatedSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"hi"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	_, router := newTestRouter(t, upstream.URL)

	body := `{"model":"claude-3-5-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, "message_start") || !strings.Contains(out, "[DONE]") {
		t.Fatalf("expected a well-formed SSE response, got %s", out)
	}
}

func TestHandleMessages_UpstreamErrorMapsToAnthropicEnvelope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer upstream.Close()

	_, router := newTestRouter(t, upstream.URL)

	body := `{"model":"claude-3-5-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "authentication_error") {
		t.Fatalf("expected an authentication_error envelope, got %s", rec.Body.String())
	}
}
