package research

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/deepsearch-agent/internal/config"
)

// KeyResolver resolves an API key by secret id (provider id or "websearch").
type KeyResolver func(id string) (string, error)

// routingCompletionClient routes "provider_id/model_name" requests to the
// right SDK client. Clients are built lazily and cached per provider so the
// key lookup happens at first use, not at construction.
type routingCompletionClient struct {
	cfg        *config.ResearchConfig
	resolveKey KeyResolver

	mu      sync.Mutex
	clients map[string]CompletionClient
}

// NewCompletionClient builds the provider-routing completion client for the
// configured provider registry.
func NewCompletionClient(cfg *config.ResearchConfig, resolveKey KeyResolver) CompletionClient {
	return &routingCompletionClient{
		cfg:        cfg,
		resolveKey: resolveKey,
		clients:    make(map[string]CompletionClient),
	}
}

func (c *routingCompletionClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if c == nil || c.cfg == nil {
		return CompletionResult{}, ErrNotConfigured
	}
	providerID, modelName, ok := splitModelID(req.Model)
	if !ok {
		return CompletionResult{}, &ProviderError{Backend: "llm", Err: fmt.Errorf("invalid model id %q", req.Model)}
	}
	client, err := c.clientFor(providerID)
	if err != nil {
		return CompletionResult{}, err
	}
	req.Model = modelName
	return client.Complete(ctx, req)
}

func (c *routingCompletionClient) clientFor(providerID string) (CompletionClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[providerID]; ok {
		return client, nil
	}

	provider, ok := c.cfg.ProviderByID(providerID)
	if !ok {
		return nil, &ProviderError{Backend: providerID, Err: fmt.Errorf("unknown provider %q", providerID)}
	}
	apiKey := ""
	if c.resolveKey != nil {
		key, err := c.resolveKey(providerID)
		if err != nil {
			return nil, &ProviderError{Backend: providerID, Err: err}
		}
		apiKey = key
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, &ProviderError{Backend: providerID, Err: fmt.Errorf("missing api key for provider %q", providerID)}
	}

	var client CompletionClient
	switch strings.TrimSpace(strings.ToLower(provider.Type)) {
	case config.ProviderTypeAnthropic:
		client = newAnthropicClient(apiKey, provider.BaseURL)
	case config.ProviderTypeOpenAI:
		client = newOpenAIClient(apiKey, provider.BaseURL)
	default:
		return nil, &ProviderError{Backend: providerID, Err: fmt.Errorf("unsupported provider type %q", provider.Type)}
	}
	c.clients[providerID] = client
	return client, nil
}

// splitModelID parses a "<provider_id>/<model_name>" model id. The model name
// may itself contain slashes (some gateways use them).
func splitModelID(id string) (providerID string, modelName string, ok bool) {
	id = strings.TrimSpace(id)
	i := strings.Index(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	providerID = strings.TrimSpace(id[:i])
	modelName = strings.TrimSpace(id[i+1:])
	if providerID == "" || modelName == "" {
		return "", "", false
	}
	return providerID, modelName, true
}
