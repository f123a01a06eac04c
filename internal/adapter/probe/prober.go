// Package probe implements the recovery.Prober and tags.TagsProber ports
// against real upstream servers over HTTP. Production wiring for both
// lives here, at the composition root, per the core packages' own
// interface contracts.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/healthsched"
	"github.com/thushan/olla/internal/core/tags"
)

const (
	DefaultHTTPTimeout = 30 * time.Second
	probePrompt        = "olla-probe"
)

// HTTPClient is the minimal surface Prober needs, grounded on the
// teacher's adapter/health.HTTPClient pattern.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServerLookup resolves a server ID to its registry record. Satisfied by
// *servers.Registry; kept minimal so tests can substitute a fake without
// pulling in the registry's full surface.
type ServerLookup interface {
	GetServer(serverID string) (*domain.Server, bool)
}

// Prober drives the lightweight reachability and model-capability probes
// the recovery coordinator and health scheduler need, plus the tags
// aggregator's per-server fetch.
type Prober struct {
	servers ServerLookup
	client  HTTPClient
	log     *slog.Logger
}

func New(serverLookup ServerLookup, log *slog.Logger) *Prober {
	return &Prober{
		servers: serverLookup,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		log:     log,
	}
}

// NewWithClient is New with an injected HTTP client, so the composition
// root can share connection pools (and timeouts) across the prober and the
// rest of the discovery stack instead of every adapter opening its own.
func NewWithClient(serverLookup ServerLookup, client HTTPClient, log *slog.Logger) *Prober {
	return &Prober{
		servers: serverLookup,
		client:  client,
		log:     log,
	}
}

func (p *Prober) resolve(serverID string) (*domain.Server, error) {
	s, ok := p.servers.GetServer(serverID)
	if !ok {
		return nil, fmt.Errorf("probe: unknown server %q", serverID)
	}
	return s, nil
}

func (p *Prober) authHeader(s *domain.Server) string {
	if s.BearerToken == "" {
		return ""
	}
	return healthsched.ResolveAuthHeader(s.BearerToken)
}

// ProbeServer is the lightweight GET /api/tags reachability check used for
// server-level breakers. It falls back to /v1/models for servers that
// never exposed an Ollama-native surface.
func (p *Prober) ProbeServer(ctx context.Context, serverID string) error {
	s, err := p.resolve(serverID)
	if err != nil {
		return err
	}

	path := "/api/tags"
	if !s.SupportsOllama && s.SupportsV1 {
		path = "/v1/models"
	}

	_, err = p.get(ctx, s, path)
	if err != nil {
		p.log.Debug("server probe failed", "server", serverID, "path", path, "error", err)
	}
	return err
}

// ProbeModel runs a full-inference or embedding probe for a model-level
// breaker. asEmbedding selects POST /api/embeddings over /api/generate.
// capabilityError reports a 400/404 that indicates the endpoint shape was
// wrong rather than the server being unreachable, so the coordinator can
// retry under the other shape.
func (p *Prober) ProbeModel(ctx context.Context, serverID, modelName string, asEmbedding bool) (bool, error) {
	s, err := p.resolve(serverID)
	if err != nil {
		return false, err
	}

	path := "/api/generate"
	payload := map[string]any{"model": modelName, "prompt": probePrompt, "stream": false}
	if asEmbedding {
		path = "/api/embeddings"
		payload = map[string]any{"model": modelName, "prompt": probePrompt}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("probe: marshal request: %w", err)
	}

	status, _, err := p.post(ctx, s, path, body)
	if err != nil {
		return false, err
	}

	if status == http.StatusNotFound || status == http.StatusBadRequest {
		return true, fmt.Errorf("probe: %s returned %d for model %q", path, status, modelName)
	}
	if status < 200 || status >= 300 {
		return false, fmt.Errorf("probe: %s returned %d for model %q", path, status, modelName)
	}

	return false, nil
}

// FetchTags implements tags.TagsProber: it fetches the raw model list for
// one server, preferring the Ollama-native listing and falling back to the
// OpenAI-compatible one.
func (p *Prober) FetchTags(ctx context.Context, server *domain.Server) ([]tags.ModelEntry, error) {
	if server.SupportsOllama {
		return p.fetchOllamaTags(ctx, server)
	}
	if server.SupportsV1 {
		return p.fetchV1Models(ctx, server)
	}
	return nil, fmt.Errorf("probe: server %s supports neither ollama nor v1 model listing", server.ID)
}

func (p *Prober) fetchOllamaTags(ctx context.Context, server *domain.Server) ([]tags.ModelEntry, error) {
	body, err := p.get(ctx, server, "/api/tags")
	if err != nil {
		return nil, err
	}

	names := healthsched.ExtractOllamaModels(body)
	var parsed struct {
		Models []struct {
			Name   string `json:"name"`
			Model  string `json:"model"`
			Digest string `json:"digest"`
		} `json:"models"`
	}
	digests := make(map[string]string)
	if jerr := json.Unmarshal(body, &parsed); jerr == nil {
		for _, m := range parsed.Models {
			name := m.Name
			if name == "" {
				name = m.Model
			}
			if name != "" {
				digests[name] = m.Digest
			}
		}
	}

	entries := make([]tags.ModelEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, tags.ModelEntry{Name: name, Digest: digests[name]})
	}
	return entries, nil
}

func (p *Prober) fetchV1Models(ctx context.Context, server *domain.Server) ([]tags.ModelEntry, error) {
	body, err := p.get(ctx, server, "/v1/models")
	if err != nil {
		return nil, err
	}

	ids := healthsched.ExtractV1ModelIDs(body)
	entries := make([]tags.ModelEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, tags.ModelEntry{Name: id})
	}
	return entries, nil
}

// NewCheckFunc adapts the server lookup into a healthsched.CheckFunc that
// drives the scheduler's tri-endpoint (/api/tags, /api/ps, /v1/models)
// probe via the existing healthsched.Prober.
func (p *Prober) NewCheckFunc() healthsched.CheckFunc {
	inner := healthsched.NewProber(p.client)
	return func(ctx context.Context, serverID string) healthsched.Result {
		s, err := p.resolve(serverID)
		if err != nil {
			return healthsched.Result{Err: err}
		}
		return inner.Probe(ctx, s.URL, p.authHeader(s))
	}
}

func (p *Prober) get(ctx context.Context, s *domain.Server, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("probe: build request: %w", err)
	}
	if h := p.authHeader(s); h != "" {
		req.Header.Set("Authorization", h)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("probe: read %s body: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, fmt.Errorf("probe: %s returned status %d", path, resp.StatusCode)
	}

	return data, nil
}

func (p *Prober) post(ctx context.Context, s *domain.Server, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("probe: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h := p.authHeader(s); h != "" {
		req.Header.Set("Authorization", h)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("probe: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("probe: read %s body: %w", path, err)
	}

	return resp.StatusCode, data, nil
}
