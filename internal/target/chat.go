package target

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/model"
)

// Chat talks to a bare chat endpoint that streams newline-delimited JSON
// chunks, such as a local Ollama server.
type Chat struct {
	url        string
	model      string
	authMethod string
	apiKey     string
	extra      map[string]any
	logger     *slog.Logger
	transport
}

// NewChat builds a Chat provider. The target name is sent as the model.
func NewChat(t model.Target, opts Options) (Provider, error) {
	if strings.TrimSpace(t.EndpointURL) == "" {
		return nil, apperr.Configurationf("chat target %q has no endpoint url", t.Name)
	}
	return &Chat{
		url:        t.EndpointURL,
		model:      t.Name,
		authMethod: t.AuthMethod,
		apiKey:     t.APIKey,
		extra:      t.AdditionalParams,
		logger:     opts.logger().With("provider", "chat"),
		transport:  transport{timeout: opts.timeout()},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Message *chatMessage `json:"message"`
}

// Generate sends prompt as a single user message and accumulates the
// assistant chunks of the streamed answer.
func (c *Chat) Generate(ctx context.Context, prompt string) string {
	body := make(map[string]any, len(c.extra)+2)
	for k, v := range c.extra {
		body[k] = v
	}
	body["model"] = c.model
	body["messages"] = []chatMessage{{Role: "user", Content: prompt}}

	b, err := json.Marshal(body)
	if err != nil {
		return errorf("encode chat request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return errorf("build chat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, c.authMethod, c.apiKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.logger.Error("chat request failed", "error", err)
		return errorf("%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text := readErrorBody(resp.Body)
		c.logger.Error("chat endpoint returned error", "status", resp.StatusCode, "body", text)
		return errorf("chat endpoint returned %d: %s", resp.StatusCode, text)
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Warn("skipping unparseable chunk", "line", string(line))
			continue
		}
		if chunk.Message != nil && chunk.Message.Role == "assistant" {
			content.WriteString(chunk.Message.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return errorf("read chat stream: %v", err)
	}

	answer := CleanResponse(content.String())
	c.logger.Debug("chat response received", "length", len(answer))
	return answer
}

// Close releases the provider's idle connections.
func (c *Chat) Close() error {
	c.close()
	return nil
}
