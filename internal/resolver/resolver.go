// SPDX-License-Identifier: MIT

// Package resolver turns a job's configured URL into something a capture tool
// can record. Site-specific adapters implement Resolver; a regexp-keyed
// registry picks the adapter for a job, falling back to direct capture.
package resolver

import (
	"context"
	"regexp"
	"sync"

	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
)

// Resolver is the per-site adapter contract.
//
// ParseURLs may return an empty list, meaning "record the start URL directly,
// no enumeration". Finalize maps a selected candidate to a truly playable
// address; it may block on network access and may fail.
type Resolver interface {
	ParseURLs(ctx context.Context, startURL string) ([]string, error)
	SelectNext(urls []string, done map[string]struct{}) (string, bool)
	Finalize(ctx context.Context, url string) (string, error)
	Extension() string
}

// Registry maps URL patterns to resolvers.
type Registry struct {
	mu       sync.RWMutex
	patterns []patternEntry
	byTool   map[string]Resolver
	fallback Resolver
}

type patternEntry struct {
	re *regexp.Regexp
	r  Resolver
}

// NewRegistry creates a registry with the direct adapter as fallback and the
// enumerating page adapter registered under tool name "binge".
func NewRegistry() *Registry {
	reg := &Registry{
		byTool:   make(map[string]Resolver),
		fallback: &Direct{},
	}
	reg.RegisterTool("streamlink", &Direct{})
	reg.RegisterTool("binge", NewPageResolver())
	return reg
}

// Register associates a URL pattern with a resolver. Patterns are matched in
// registration order against the job URL.
func (g *Registry) Register(pattern string, r Resolver) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patterns = append(g.patterns, patternEntry{re: re, r: r})
	return nil
}

// RegisterTool associates an explicit tool selector with a resolver.
func (g *Registry) RegisterTool(name string, r Resolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byTool[name] = r
}

// ForJob selects the resolver for a job: URL pattern first, then the job's
// tool selector, then the direct fallback.
func (g *Registry) ForJob(job registry.Job) Resolver {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, e := range g.patterns {
		if e.re.MatchString(job.URL) {
			return e.r
		}
	}
	if r, ok := g.byTool[job.Tool]; ok {
		return r
	}
	return g.fallback
}

// selectFirstUnrecorded is the shared SelectNext policy: first candidate not
// in the done set, preserving the adapter's ordering.
func selectFirstUnrecorded(urls []string, done map[string]struct{}) (string, bool) {
	for _, u := range urls {
		if _, ok := done[u]; !ok {
			return u, true
		}
	}
	return "", false
}
