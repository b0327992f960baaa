package target

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/model"
)

const (
	azureMaxTokens   = 800
	azureTemperature = 0.7
)

// Azure calls an Azure OpenAI chat completions deployment. The target name
// is the deployment.
type Azure struct {
	endpoint   string
	deployment string
	apiKey     string
	apiVersion string
	logger     *slog.Logger
	transport

	initOnce sync.Once
	llm      *openai.LLM
	initErr  error
}

// NewAzure builds an Azure provider. The credential falls back to
// Options.AzureAPIKey and the API version to the target's api_version label,
// then Options.AzureAPIVersion.
func NewAzure(t model.Target, opts Options) (Provider, error) {
	key := t.APIKey
	if key == "" {
		key = opts.AzureAPIKey
	}
	if key == "" {
		return nil, apperr.Configurationf("azure api key not found for target %q", t.Name)
	}
	if strings.TrimSpace(t.EndpointURL) == "" {
		return nil, apperr.Configurationf("azure target %q has no endpoint url", t.Name)
	}
	if strings.TrimSpace(t.Name) == "" {
		return nil, apperr.Configurationf("azure target has no deployment name")
	}

	version := opts.AzureAPIVersion
	if v, ok := t.Labels["api_version"].(string); ok && v != "" {
		version = v
	}

	return &Azure{
		endpoint:   t.EndpointURL,
		deployment: t.Name,
		apiKey:     key,
		apiVersion: version,
		logger:     opts.logger().With("provider", "azure", "deployment", t.Name),
		transport:  transport{timeout: opts.timeout()},
	}, nil
}

func (a *Azure) client() (*openai.LLM, error) {
	a.initOnce.Do(func() {
		a.logger.Debug("initializing azure client", "endpoint", a.endpoint)
		a.llm, a.initErr = openai.New(
			openai.WithToken(a.apiKey),
			openai.WithBaseURL(a.endpoint),
			openai.WithAPIType(openai.APITypeAzure),
			openai.WithAPIVersion(a.apiVersion),
			openai.WithModel(a.deployment),
			openai.WithEmbeddingModel(a.deployment),
			openai.WithHTTPClient(a.httpClient()),
		)
	})
	return a.llm, a.initErr
}

// Generate sends prompt as a single user message.
func (a *Azure) Generate(ctx context.Context, prompt string) string {
	llm, err := a.client()
	if err != nil {
		return errorf("create azure client: %v", err)
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, llm, prompt,
		llms.WithMaxTokens(azureMaxTokens),
		llms.WithTemperature(azureTemperature),
	)
	if err != nil {
		a.logger.Error("azure completion failed", "error", err)
		return errorf("%v", err)
	}
	a.logger.Debug("azure response received", "length", len(out))
	return out
}

// Close releases the provider's idle connections.
func (a *Azure) Close() error {
	a.close()
	return nil
}
