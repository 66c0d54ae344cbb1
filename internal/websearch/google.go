package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var googleWebSearchEndpoint = "https://www.googleapis.com/customsearch/v1"

type googleWebSearchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func googleWebSearch(ctx context.Context, creds Credentials, req SearchRequest) (SearchResult, error) {
	endpoint, err := url.Parse(googleWebSearchEndpoint)
	if err != nil || endpoint == nil {
		return SearchResult{}, errors.New("invalid google search endpoint")
	}
	q := endpoint.Query()
	q.Set("key", creds.APIKey)
	q.Set("cx", creds.EngineID)
	q.Set("q", req.Query)
	q.Set("num", strconv.Itoa(req.Count))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	httpReq.Header.Set("Accept", "application/json")

	body, err := doSearchRequest(httpReq, "google")
	if err != nil {
		return SearchResult{}, err
	}

	var decoded googleWebSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return SearchResult{}, errors.New("invalid google web search response")
	}

	results := make([]ResultItem, 0, len(decoded.Items))
	for _, item := range decoded.Items {
		u := strings.TrimSpace(item.Link)
		if u == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = u
		}
		results = append(results, ResultItem{
			Title:   title,
			URL:     u,
			Snippet: strings.TrimSpace(item.Snippet),
		})
	}

	return SearchResult{
		Provider: ProviderGoogle,
		Query:    req.Query,
		Results:  results,
	}, nil
}
