package healthsched

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPClient is the minimal surface the scheduler needs for probing.
// Grounded on the teacher's adapter/health.HTTPClient pattern.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	TagsTimeout    = 10 * time.Second
	PsTimeout      = 5 * time.Second
	V1ModelsTimeout = 5 * time.Second
)

// ResolveAuthHeader substitutes a "env:NAME" auth value from the process
// environment; any other value is used literally.
func ResolveAuthHeader(value string) string {
	if rest, ok := strings.CutPrefix(value, "env:"); ok {
		if v, found := os.LookupEnv(rest); found {
			return v
		}
		return ""
	}
	return value
}

// LoadedModel describes telemetry extracted from /api/ps.
type LoadedModel struct {
	Name      string
	Digest    string
	SizeVram  int64
	ExpiresAt time.Time
}

// Result is the outcome of a full per-server probe cycle.
type Result struct {
	Healthy       bool
	ResponseTime  time.Duration
	OllamaModels  []string
	V1ModelIDs    []string
	LoadedModels  []LoadedModel
	TotalVramUsed int64
	SupportsTags  bool
	SupportsV1    bool
	SupportsPs    bool
	Err           error
}

type tagsResponse struct {
	Models []json.RawMessage `json:"models"`
}

type v1ModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type psResponse struct {
	Models []struct {
		Name      string `json:"name"`
		Model     string `json:"model"`
		Digest    string `json:"digest"`
		SizeVram  int64  `json:"size_vram"`
		ExpiresAt string `json:"expires_at"`
	} `json:"models"`
}

// ExtractOllamaModels pulls model identifiers from a /api/tags body,
// accepting entries shaped as {"model": "..."}, {"name": "..."}, or a bare
// string.
func ExtractOllamaModels(body []byte) []string {
	var resp tagsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	names := make([]string, 0, len(resp.Models))
	for _, raw := range resp.Models {
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil && asString != "" {
			names = append(names, asString)
			continue
		}
		var obj struct {
			Model string `json:"model"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.Model != "" {
				names = append(names, obj.Model)
			} else if obj.Name != "" {
				names = append(names, obj.Name)
			}
		}
	}
	return names
}

// ExtractV1ModelIDs pulls OpenAI-compatible model ids from a /v1/models
// body.
func ExtractV1ModelIDs(body []byte) []string {
	var resp v1ModelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	ids := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// ExtractLoadedModels pulls loaded-model telemetry from a /api/ps body.
func ExtractLoadedModels(body []byte) ([]LoadedModel, int64) {
	var resp psResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0
	}
	var total int64
	out := make([]LoadedModel, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Model
		if name == "" {
			name = m.Name
		}
		expires, _ := time.Parse(time.RFC3339, m.ExpiresAt)
		out = append(out, LoadedModel{
			Name:      name,
			Digest:    m.Digest,
			SizeVram:  m.SizeVram,
			ExpiresAt: expires,
		})
		total += m.SizeVram
	}
	return out, total
}

// Prober issues the three concurrent endpoint probes for a server and
// assembles a Result. baseURL must not have a trailing slash.
type Prober struct {
	client HTTPClient
}

func NewProber(client HTTPClient) *Prober {
	return &Prober{client: client}
}

func (p *Prober) Probe(ctx context.Context, baseURL, authHeader string) Result {
	start := time.Now()

	type probeOutcome struct {
		body []byte
		ok   bool
		err  error
	}

	tagsCh := make(chan probeOutcome, 1)
	psCh := make(chan probeOutcome, 1)
	v1Ch := make(chan probeOutcome, 1)

	go func() { tagsCh <- p.get(ctx, baseURL+"/api/tags", authHeader, TagsTimeout) }()
	go func() { psCh <- p.get(ctx, baseURL+"/api/ps", authHeader, PsTimeout) }()
	go func() { v1Ch <- p.get(ctx, baseURL+"/v1/models", authHeader, V1ModelsTimeout) }()

	tags := <-tagsCh
	ps := <-psCh
	v1 := <-v1Ch

	res := Result{ResponseTime: time.Since(start)}
	if tags.ok {
		res.SupportsTags = true
		res.OllamaModels = ExtractOllamaModels(tags.body)
	}
	if v1.ok {
		res.SupportsV1 = true
		res.V1ModelIDs = ExtractV1ModelIDs(v1.body)
	}
	if ps.ok {
		res.SupportsPs = true
		res.LoadedModels, res.TotalVramUsed = ExtractLoadedModels(ps.body)
	}

	res.Healthy = tags.ok || v1.ok
	if !res.Healthy {
		if tags.err != nil {
			res.Err = tags.err
		} else {
			res.Err = v1.err
		}
	}
	return res
}

func (p *Prober) get(ctx context.Context, url, authHeader string, timeout time.Duration) struct {
	body []byte
	ok   bool
	err  error
} {
	type outcome = struct {
		body []byte
		ok   bool
		err  error
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return outcome{err: err}
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return outcome{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outcome{err: &statusError{code: resp.StatusCode}}
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return outcome{body: buf, ok: true}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.code)
}
