// Package snippet fetches literal source text for (commit, path, line-range)
// tuples on demand, with a bounded TTL cache in front of the provider.
// Commit is part of the cache key, so cached content never goes stale.
package snippet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/source"
	"reposcope/internal/types"
)

// TruncationMarker is appended to snippets cut at the character limit.
const TruncationMarker = "..."

// Fetcher retrieves source slices through a SourceProvider, caching results
// with a TTL.
type Fetcher struct {
	provider source.Provider
	cache    *cache
	maxChars int
	ttl      time.Duration

	// now is replaceable for expiry tests.
	now func() time.Time
}

// Config configures a Fetcher.
type Config struct {
	MaxChars int           // default 500
	TTL      time.Duration // default 1 hour
}

// NewFetcher creates a snippet fetcher over the given provider.
func NewFetcher(provider source.Provider, cfg Config) *Fetcher {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 500
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Fetcher{
		provider: provider,
		cache:    newCache(),
		maxChars: cfg.MaxChars,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
}

// Fetch returns the text of [startLine, endLine] (1-indexed, inclusive) of
// a file at a commit, truncated to the configured character limit. Expired
// cache entries always trigger a fresh provider fetch.
func (f *Fetcher) Fetch(ctx context.Context, repo types.RepoKey, commit, path string, startLine, endLine int) (string, error) {
	timer := logging.StartTimer(logging.CategorySnippet, "Fetch")
	defer timer.Stop()

	key := types.SnippetKey{
		Repo:      repo,
		Commit:    commit,
		Path:      path,
		StartLine: startLine,
		EndLine:   endLine,
	}

	if entry, ok := f.cache.get(key, f.now()); ok {
		logging.SnippetDebug("Cache hit: %s:%d-%d@%s", path, startLine, endLine, shortCommit(commit))
		return entry.Text, nil
	}

	content, err := f.provider.GetFile(ctx, repo, commit, path)
	if err != nil {
		return "", fmt.Errorf("fetch %s@%s: %w", path, shortCommit(commit), err)
	}

	text, truncated := slice(string(content), startLine, endLine, f.maxChars)

	now := f.now()
	f.cache.put(types.SnippetEntry{
		Key:       key,
		Text:      text,
		Truncated: truncated,
		CachedAt:  now,
		ExpiresAt: now.Add(f.ttl),
	})

	logging.SnippetDebug("Fetched %s:%d-%d@%s (%d chars, truncated=%v)",
		path, startLine, endLine, shortCommit(commit), len(text), truncated)
	return text, nil
}

// slice extracts the 1-indexed inclusive line range and applies the
// character limit.
func slice(content string, startLine, endLine, maxChars int) (string, bool) {
	lines := strings.Split(content, "\n")
	if startLine < 1 {
		startLine = 1
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > endLine {
		return "", false
	}

	text := strings.Join(lines[startLine-1:endLine], "\n")
	if len(text) <= maxChars {
		return text, false
	}
	return text[:maxChars] + TruncationMarker, true
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// =============================================================================
// CACHE
// =============================================================================

// cache is a key-scoped TTL cache. Races between writers are benign: same
// key means same commit means same content, so last write wins.
type cache struct {
	mu      sync.RWMutex
	entries map[types.SnippetKey]types.SnippetEntry
}

func newCache() *cache {
	return &cache{entries: make(map[types.SnippetKey]types.SnippetEntry)}
}

// get returns an entry only while it is unexpired.
func (c *cache) get(key types.SnippetKey, now time.Time) (types.SnippetEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return types.SnippetEntry{}, false
	}
	if !entry.ExpiresAt.After(now) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return types.SnippetEntry{}, false
	}
	return entry, true
}

func (c *cache) put(entry types.SnippetEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry
}

// Len reports the number of live entries, expired included until touched.
func (c *cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
