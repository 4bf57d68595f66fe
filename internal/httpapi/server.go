package httpapi

import (
	"encoding/json"
	"os"
	"time"

	"github.com/agentbroker/broker/internal/cliproc"
	"github.com/agentbroker/broker/internal/config"
	"github.com/agentbroker/broker/internal/distributed"
	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/metrics"
	"github.com/agentbroker/broker/internal/ratelimit"
	"github.com/agentbroker/broker/internal/tree"
	"github.com/agentbroker/broker/internal/upstream"
)

// Server holds every dependency the HTTP surface needs to serve a request:
// the provider rate limiter (C1/C2), the conversation tree's processor
// (C15) and CLI session pool (C12) for /stop, and the resolved model
// routing table.
type Server struct {
	cfg         *config.Config
	limiter     *ratelimit.ProviderLimiter
	proc        *tree.Processor
	cliMgr      *cliproc.Manager
	broadcaster *distributed.StopBroadcaster
	log         *logger.Logger

	retry   ratelimit.RetryConfig
	clients *clientCache
	metrics *metrics.Metrics

	modelsCatalogue json.RawMessage
}

// defaultModelsCatalogue is served from GET /v1/models when no local
// catalogue file is configured or it fails to load, built from whatever
// model routing table is in effect.
func defaultModelsCatalogue(cfg *config.Config) json.RawMessage {
	type modelEntry struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	type catalogue struct {
		Data []modelEntry `json:"data"`
	}

	var entries []modelEntry
	if cfg.Routing != nil {
		for _, m := range cfg.Routing.Models {
			entries = append(entries, modelEntry{ID: m.Name, Type: "model"})
		}
	}
	if len(entries) == 0 && cfg.ProviderModel != "" {
		entries = append(entries, modelEntry{ID: cfg.ProviderModel, Type: "model"})
	}

	raw, err := json.Marshal(catalogue{Data: entries})
	if err != nil {
		return json.RawMessage(`{"data":[]}`)
	}
	return raw
}

// loadModelsCatalogue reads cfg.ModelsCataloguePath if set, falling back to
// defaultModelsCatalogue on a missing/unreadable file or an unset path —
// GET /v1/models never hard-fails for want of a catalogue file.
func loadModelsCatalogue(cfg *config.Config, log *logger.Logger) json.RawMessage {
	if cfg.ModelsCataloguePath == "" {
		return defaultModelsCatalogue(cfg)
	}
	raw, err := os.ReadFile(cfg.ModelsCataloguePath)
	if err != nil {
		log.Warn("httpapi: could not read models catalogue, using default", "path", cfg.ModelsCataloguePath, "error", err.Error())
		return defaultModelsCatalogue(cfg)
	}
	return raw
}

// NewServer builds a Server. broadcaster may be nil (distributed /stop is
// an optional enrichment, see internal/distributed).
func NewServer(
	cfg *config.Config,
	limiter *ratelimit.ProviderLimiter,
	proc *tree.Processor,
	cliMgr *cliproc.Manager,
	broadcaster *distributed.StopBroadcaster,
	log *logger.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		limiter:     limiter,
		proc:        proc,
		cliMgr:      cliMgr,
		broadcaster: broadcaster,
		log:         log.WithComponent("httpapi"),
		retry: ratelimit.RetryConfig{
			MaxRetries: 2,
			BaseDelay:  1 * time.Second,
			MaxDelay:   30 * time.Second,
			Jitter:     250 * time.Millisecond,
		},
		clients: newClientCache(upstream.Timeouts{
			Connect: cfg.ProviderConnectTimeout,
			Read:    cfg.ProviderReadTimeout,
			Write:   cfg.ProviderWriteTimeout,
		}),
		metrics: metrics.New(),
	}
	s.modelsCatalogue = loadModelsCatalogue(cfg, log)
	return s
}
