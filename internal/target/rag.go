package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/model"
)

// Defaults for the retrieval endpoint request body. Any key in the target's
// endpoint config overrides them.
const (
	defaultRAGInputField     = "question"
	defaultRAGCollection     = "hr"
	defaultRAGTopK           = 5
	defaultRAGMaxTokens      = 400
	defaultRAGTemperature    = 0
	fallbackRAGResponseField = "response"
)

// RAG posts prompts to a retrieval-backed question answering endpoint.
type RAG struct {
	url         string
	inputField  string
	outputField string
	authMethod  string
	apiKey      string
	config      map[string]any
	logger      *slog.Logger
	transport
}

// NewRAG builds a RAG provider.
func NewRAG(t model.Target, opts Options) (Provider, error) {
	if strings.TrimSpace(t.EndpointURL) == "" {
		return nil, apperr.Configurationf("retrieval target %q has no endpoint url", t.Name)
	}
	input := strings.TrimSpace(t.InputField)
	if input == "" {
		input = defaultRAGInputField
	}
	return &RAG{
		url:         t.EndpointURL,
		inputField:  input,
		outputField: strings.TrimSpace(t.OutputField),
		authMethod:  t.AuthMethod,
		apiKey:      t.APIKey,
		config:      t.EndpointConfig,
		logger:      opts.logger().With("provider", "rag"),
		transport:   transport{timeout: opts.timeout()},
	}, nil
}

func (r *RAG) body(prompt string) map[string]any {
	body := map[string]any{
		"collection_name":   defaultRAGCollection,
		"top_k":             defaultRAGTopK,
		"max_answer_tokens": defaultRAGMaxTokens,
		"temperature":       defaultRAGTemperature,
	}
	for k, v := range r.config {
		body[k] = v
	}
	body[r.inputField] = prompt
	return body
}

// Generate posts prompt and extracts the answer from the JSON response.
func (r *RAG) Generate(ctx context.Context, prompt string) string {
	b, err := json.Marshal(r.body(prompt))
	if err != nil {
		return errorf("encode rag request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(b))
	if err != nil {
		return errorf("build rag request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, r.authMethod, r.apiKey)

	resp, err := r.httpClient().Do(req)
	if err != nil {
		r.logger.Error("rag request failed", "error", err)
		return errorf("%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text := readErrorBody(resp.Body)
		r.logger.Error("rag endpoint returned error", "status", resp.StatusCode, "body", text)
		return errorf("RAG API returned %d: %s", resp.StatusCode, text)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorf("read rag response: %v", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorf("decode rag response: %v", err)
	}
	return r.extract(data, raw)
}

// extract reads the answer with the output field expression, then the
// conventional "response" key, then falls back to the raw body.
func (r *RAG) extract(data any, raw []byte) string {
	if r.outputField != "" {
		if v := r.search(r.outputField, data); v != "" {
			return v
		}
	}
	if m, ok := data.(map[string]any); ok {
		if v := stringify(m[fallbackRAGResponseField]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(string(raw))
}

func (r *RAG) search(expr string, data any) string {
	v, err := jmespath.Search(expr, data)
	if err != nil {
		// Not a valid expression: treat it as a literal key.
		if m, ok := data.(map[string]any); ok {
			return stringify(m[expr])
		}
		r.logger.Warn("output field lookup failed", "expression", expr, "error", err)
		return ""
	}
	return stringify(v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64, bool:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Close releases the provider's idle connections.
func (r *RAG) Close() error {
	r.close()
	return nil
}
