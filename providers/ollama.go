// Package providers holds default, swappable implementations of the
// retrieval core's external capability interfaces (EmbeddingProvider,
// LLMRouter) against a local Ollama instance. Neither is required by the
// core; either may be replaced with another capability entirely.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codesearch-dev/codesearch/internal/cerr"
	"github.com/codesearch-dev/codesearch/retrieval/fusion"
	"github.com/codesearch-dev/codesearch/routing"
)

const DefaultOllamaHost = "http://localhost:11434"

// OllamaEmbedder implements fusion.EmbeddingProvider over Ollama's
// /api/embed endpoint.
type OllamaEmbedder struct {
	client     *http.Client
	host       string
	model      string
	dimensions int
}

var _ fusion.EmbeddingProvider = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder builds an embedder advertising dimensions up front, per
// the core's EmbeddingProvider contract (D is fixed at construction).
func NewOllamaEmbedder(host, model string, dimensions int, timeout time.Duration) *OllamaEmbedder {
	if host == "" {
		host = DefaultOllamaHost
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		client:     &http.Client{Timeout: timeout},
		host:       host,
		model:      model,
		dimensions: dimensions,
	}
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	resp, err := doOllamaRequest(ctx, o.client, http.MethodPost, o.host+"/api/embed", body)
	if err != nil {
		return nil, fmt.Errorf("execute embed request: %w", err)
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("embed request failed with status %d: %s", resp.status, string(resp.body))
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embed response contained no vectors")
	}
	vec := result.Embeddings[0]
	if o.dimensions > 0 && len(vec) != o.dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: advertised %d, got %d", o.dimensions, len(vec))
	}
	return vec, nil
}

func (o *OllamaEmbedder) Dimensions() int { return o.dimensions }

// OllamaRouter implements routing.LLMRouter: given a project catalogue, it
// asks a chat model to pick one or more project ids.
type OllamaRouter struct {
	client *http.Client
	host   string
	model  string
}

var _ routing.LLMRouter = (*OllamaRouter)(nil)

func NewOllamaRouter(host, model string, timeout time.Duration) *OllamaRouter {
	if host == "" {
		host = DefaultOllamaHost
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaRouter{client: &http.Client{Timeout: timeout}, host: host, model: model}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

const routingPrompt = `You route a developer's question to one or more indexed codebases.
Projects (id: name - description):
%s

Query: %s

Respond with a comma-separated list of project ids that are relevant, followed by a confidence between 0 and 1, separated by a pipe.
Example: proj-a,proj-b|0.8`

// RouteQuery asks the configured model to choose from catalogue. A
// malformed or low-confidence response is handled by the caller, which
// falls back to fallback-all per the router's precedence chain.
func (r *OllamaRouter) RouteQuery(ctx context.Context, query string, catalogue []routing.ProjectDescriptor) ([]string, float64, error) {
	var listing strings.Builder
	byName := make(map[string]string, len(catalogue))
	for _, p := range catalogue {
		fmt.Fprintf(&listing, "%s: %s - %s\n", p.ID, p.Name, p.Description)
		byName[p.ID] = p.Name
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  r.model,
		Prompt: fmt.Sprintf(routingPrompt, listing.String(), query),
		Stream: false,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal routing request: %w", err)
	}

	resp, err := doOllamaRequest(ctx, r.client, http.MethodPost, r.host+"/api/generate", body)
	if err != nil {
		return nil, 0, fmt.Errorf("execute routing request: %w", err)
	}
	if resp.status != http.StatusOK {
		return nil, 0, fmt.Errorf("routing request failed with status %d: %s", resp.status, string(resp.body))
	}

	var result ollamaGenerateResponse
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, 0, fmt.Errorf("decode routing response: %w", err)
	}

	return parseRoutingResponse(result.Response, byName)
}

// ollamaResponse is the status code and body of a non-transient HTTP
// response; transient failures are retried by doOllamaRequest and surface
// as its error instead.
type ollamaResponse struct {
	status int
	body   []byte
}

// doOllamaRequest executes an HTTP request against the local Ollama
// instance, retrying only transient failures (connection errors, 5xx,
// 429) with exponential backoff per spec.md §7 (internal/cerr.DefaultRetryConfig:
// 3 attempts, 250ms base). A non-transient response (2xx or 4xx) is
// returned immediately without retry so the caller can inspect it.
func doOllamaRequest(ctx context.Context, client *http.Client, method, url string, body []byte) (ollamaResponse, error) {
	return cerr.RetryWithResult(ctx, cerr.DefaultRetryConfig(), func() (ollamaResponse, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return ollamaResponse{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return ollamaResponse{}, cerr.New(cerr.CodeProviderUnavailable, fmt.Sprintf("execute request to %s", url), err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return ollamaResponse{}, cerr.New(cerr.CodeProviderUnavailable, "read response body", err)
		}

		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return ollamaResponse{}, cerr.New(cerr.CodeProviderTimeout, fmt.Sprintf("ollama returned status %d", resp.StatusCode), nil)
		}

		return ollamaResponse{status: resp.StatusCode, body: respBody}, nil
	})
}

func parseRoutingResponse(raw string, validIDs map[string]string) ([]string, float64, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("malformed routing response: %q", raw)
	}

	var ids []string
	for _, id := range strings.Split(parts[0], ",") {
		id = strings.TrimSpace(id)
		if _, ok := validIDs[id]; ok {
			ids = append(ids, id)
		}
	}

	var confidence float64
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%f", &confidence); err != nil {
		return nil, 0, fmt.Errorf("malformed confidence in routing response: %q", raw)
	}

	return ids, confidence, nil
}
