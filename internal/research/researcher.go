package research

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/floegence/deepsearch-agent/internal/websearch"
)

const resultsPerQuery = 5

type queryOutcome struct {
	query   string
	results []websearch.ResultItem
	err     error
}

// researchRound fans out one search per query, joins all of them, then merges
// the results into the state's source map.
//
// Failure isolation: a timed-out or failing query contributes zero sources
// and lands in the failed list; it never aborts the round. The merge runs
// sequentially after the join, so the sources map has no concurrent writers.
func (r *run) researchRound(ctx context.Context, queries []string) (added []string, failed []string) {
	if r.search == nil {
		// Web search disabled: every query degrades, the run proceeds on
		// whatever the model already knows.
		return nil, append([]string(nil), queries...)
	}

	outcomes := make([]queryOutcome, len(queries))

	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
			defer cancel()
			results, err := r.search.Search(qctx, q, resultsPerQuery)
			outcomes[i] = queryOutcome{query: q, results: results, err: err}
			return nil
		})
	}
	// Goroutines never return errors; Wait is join-all.
	_ = g.Wait()

	added = make([]string, 0)
	failed = make([]string, 0)
	for _, out := range outcomes {
		if out.err != nil {
			failed = append(failed, out.query)
			r.log.Warn("web research query degraded to zero sources",
				"query", sanitizeLogText(out.query, 200), "error", out.err.Error())
			continue
		}
		for _, item := range out.results {
			if strings.TrimSpace(item.URL) == "" {
				continue
			}
			if id, isNew := r.state.addSource(item.URL, item.Title, item.Snippet); isNew {
				added = append(added, id)
			}
		}
	}
	return added, failed
}
