package httpapi

import (
	"os"
	"strings"
	"sync"

	"github.com/agentbroker/broker/internal/config"
	"github.com/agentbroker/broker/internal/upstream"
)

// resolvedProvider is everything a single /v1/messages or count_tokens call
// needs to know about where it's going: the upstream client, the upstream
// model name, and the thinking/DeepSeek quirks that model routes with.
type resolvedProvider struct {
	client         *upstream.Client
	upstreamModel  string
	routedThinking bool
	isDeepSeek     bool
}

// clientCache hands out one *upstream.Client per distinct (baseURL, apiKey)
// pair, so a freecc override or a multi-provider routing table doesn't
// rebuild an http.Transport on every request.
type clientCache struct {
	timeouts upstream.Timeouts

	mu      sync.Mutex
	clients map[string]*upstream.Client
}

func newClientCache(timeouts upstream.Timeouts) *clientCache {
	return &clientCache{timeouts: timeouts, clients: make(map[string]*upstream.Client)}
}

func (c *clientCache) get(baseURL, apiKey string) *upstream.Client {
	key := baseURL + "\x00" + apiKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	cl := upstream.NewClient(baseURL, apiKey, c.timeouts)
	c.clients[key] = cl
	return cl
}

// resolve maps a Claude-shaped requested model name onto an upstream
// provider, following the routing table when present and falling back to
// the single configured default provider otherwise (§4.8). overrideKey, if
// non-empty, replaces whatever API key the resolved provider would
// otherwise use (the freecc:<override> per-request key, §6).
func (s *Server) resolve(requested, overrideKey string) resolvedProvider {
	if s.cfg.Routing != nil {
		if rm, ok := findRoutedModel(s.cfg.Routing, requested); ok {
			endpoint := providerByName(s.cfg.Routing, rm.Provider)
			apiKey := overrideKey
			if apiKey == "" && endpoint.APIKeyEnvVar != "" {
				apiKey = os.Getenv(endpoint.APIKeyEnvVar)
			}
			return resolvedProvider{
				client:         s.clients.get(endpoint.BaseURL, apiKey),
				upstreamModel:  routedModelUpstreamName(rm),
				routedThinking: rm.Thinking,
				isDeepSeek:     rm.DeepSeek,
			}
		}
	}

	apiKey := overrideKey
	if apiKey == "" {
		apiKey = s.cfg.ProviderAPIKey
	}
	model := s.cfg.ProviderModel
	if model == "" {
		model = requested
	}
	return resolvedProvider{
		client:        s.clients.get(s.cfg.ProviderBaseURL, apiKey),
		upstreamModel: model,
		isDeepSeek:    upstream.IsDeepSeekModel(model),
	}
}

func findRoutedModel(rc *config.ModelRoutingConfig, requested string) (config.RoutedModel, bool) {
	for _, m := range rc.Models {
		if m.Name == requested {
			return m, true
		}
		for _, alias := range m.Aliases {
			if alias == requested {
				return m, true
			}
		}
	}
	return config.RoutedModel{}, false
}

func providerByName(rc *config.ModelRoutingConfig, name string) config.ProviderEndpoint {
	for _, p := range rc.Providers {
		if p.Name == name {
			return p
		}
	}
	return config.ProviderEndpoint{}
}

func routedModelUpstreamName(m config.RoutedModel) string {
	if m.UpstreamModel != "" {
		return m.UpstreamModel
	}
	return m.Name
}

// extractOverrideAPIKey pulls a freecc:<key> override out of the
// Authorization bearer token or x-api-key header (§6). Anthropic SDKs send
// the key either way depending on client version, so both are checked.
func extractOverrideAPIKey(authHeader, apiKeyHeader string) string {
	if key, ok := stripFreecc(apiKeyHeader); ok {
		return key
	}
	bearer := strings.TrimPrefix(authHeader, "Bearer ")
	if key, ok := stripFreecc(bearer); ok {
		return key
	}
	return ""
}

func stripFreecc(v string) (string, bool) {
	const prefix = "freecc:"
	if strings.HasPrefix(v, prefix) {
		return strings.TrimPrefix(v, prefix), true
	}
	return "", false
}
