package websearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Search executes one grounded web search against the selected provider.
// Providers are stateless; concurrent calls are safe.
func Search(ctx context.Context, provider string, creds Credentials, req SearchRequest) (SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		provider = ProviderBrave
	}

	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.EngineID = strings.TrimSpace(creds.EngineID)
	if creds.APIKey == "" {
		return SearchResult{}, errors.New("missing web search api key")
	}

	req = req.Normalize()
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}

	switch provider {
	case ProviderBrave:
		return braveWebSearch(ctx, creds.APIKey, req)
	case ProviderGoogle:
		if creds.EngineID == "" {
			return SearchResult{}, errors.New("missing google search engine id")
		}
		return googleWebSearch(ctx, creds, req)
	default:
		return SearchResult{}, fmt.Errorf("unsupported web search provider %q", provider)
	}
}
