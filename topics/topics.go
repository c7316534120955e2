// Package topics consults the "closed topics" registry: a small external
// list of experimental-channel suite names that have been retired. A
// Stage-1 404 on an InRelease file is expected and silently absorbed when
// the suite in question is closed, rather than treated as a broken mirror.
//
// This is deliberately minimal — just the membership check the refresh
// orchestrator needs on a 404 — not a full topic-management subsystem
// (enabling/disabling topics, rewriting sources.list, etc. stay out of
// scope, same as the mirror-name prettifier).
package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Registry is the decoded shape of a closed-topics manifest: a flat list of
// suite names no longer published.
type Registry struct {
	Closed []string `json:"closed"`
}

// Fetch retrieves and decodes the closed-topics manifest at url, grounded on
// the same HTTP-GET-then-json.Decode idiom the teacher's
// github.FetchDebURLs uses for the GitHub releases API.
func Fetch(ctx context.Context, client *http.Client, url string) (*Registry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("topics: building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("topics: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topics: %s: status %d", url, resp.StatusCode)
	}

	var reg Registry
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("topics: decoding %s: %w", url, err)
	}
	return &reg, nil
}

// IsClosed reports whether suite appears in reg's closed list. A nil
// Registry (no topics URL configured) never reports a closed suite.
func (reg *Registry) IsClosed(suite string) bool {
	if reg == nil {
		return false
	}
	for _, s := range reg.Closed {
		if s == suite {
			return true
		}
	}
	return false
}
