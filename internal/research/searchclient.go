package research

import (
	"context"
	"strings"

	"github.com/floegence/deepsearch-agent/internal/websearch"
)

// SearchClient is the narrow web-search contract the researcher depends on.
// Implementations must be stateless and safe for concurrent fan-out.
type SearchClient interface {
	Search(ctx context.Context, query string, count int) ([]websearch.ResultItem, error)
}

// providerSearchClient dispatches to the configured websearch backend.
type providerSearchClient struct {
	provider   string
	resolveKey KeyResolver
	engineID   string
}

// NewProviderSearchClient builds a SearchClient over the websearch package.
// engineID is only used by providers that need one (Google CSE).
func NewProviderSearchClient(provider string, engineID string, resolveKey KeyResolver) SearchClient {
	return &providerSearchClient{
		provider:   strings.TrimSpace(strings.ToLower(provider)),
		resolveKey: resolveKey,
		engineID:   strings.TrimSpace(engineID),
	}
}

func (c *providerSearchClient) Search(ctx context.Context, query string, count int) ([]websearch.ResultItem, error) {
	if c == nil {
		return nil, &ProviderError{Backend: "websearch", Err: ErrNotConfigured}
	}
	apiKey := ""
	if c.resolveKey != nil {
		key, err := c.resolveKey("websearch")
		if err != nil {
			return nil, &ProviderError{Backend: "websearch", Err: err}
		}
		apiKey = key
	}
	res, err := websearch.Search(ctx, c.provider, websearch.Credentials{APIKey: apiKey, EngineID: c.engineID}, websearch.SearchRequest{Query: query, Count: count})
	if err != nil {
		return nil, &ProviderError{Backend: "websearch/" + c.provider, Err: err}
	}
	return res.Results, nil
}
