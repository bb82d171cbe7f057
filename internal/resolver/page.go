// SPDX-License-Identifier: MIT

package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
)

// PageResolver enumerates episode playlists from an HTML page: it collects
// .m3u8 references from href/src attributes and inline script text, and
// follows "next page" links until exhausted.
type PageResolver struct {
	client  *http.Client
	limiter *rate.Limiter // politeness cap on page fetches
	maxBody int64
}

var (
	attrM3U8Re   = regexp.MustCompile(`(?:href|src)\s*=\s*["']([^"']*?\.m3u8(?:\?[^"']*)?)["']`)
	inlineM3U8Re = regexp.MustCompile(`["']([^"']*?\.m3u8(?:\?[^"']*)?)["']`)
	nextPageRe   = regexp.MustCompile(`<a[^>]+href\s*=\s*["']([^"']+)["'][^>]*>[^<]*下一[页頁]`)
)

// NewPageResolver creates a page resolver with a bounded HTTP client.
func NewPageResolver() *PageResolver {
	return &PageResolver{
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		maxBody: 4 << 20,
	}
}

func (p *PageResolver) ParseURLs(ctx context.Context, startURL string) ([]string, error) {
	logger := log.WithComponent("resolver.page")

	toVisit := []string{startURL}
	visited := make(map[string]struct{})
	found := make(map[string]struct{})
	var ordered []string

	for len(toVisit) > 0 {
		page := toVisit[0]
		toVisit = toVisit[1:]
		if _, ok := visited[page]; ok {
			continue
		}
		visited[page] = struct{}{}

		body, err := p.fetch(ctx, page)
		if err != nil {
			// A single bad page must not sink the whole enumeration.
			logger.Warn().Err(err).Str("page", page).Msg("fetch page failed")
			continue
		}

		base, err := url.Parse(page)
		if err != nil {
			continue
		}

		for _, m := range extractM3U8(body) {
			abs := resolveRef(base, m)
			if abs == "" {
				continue
			}
			if _, ok := found[abs]; !ok {
				found[abs] = struct{}{}
				ordered = append(ordered, abs)
			}
		}

		if next := nextPageRe.FindStringSubmatch(body); next != nil {
			abs := resolveRef(base, next[1])
			if _, ok := visited[abs]; abs != "" && !ok {
				toVisit = append(toVisit, abs)
			}
		}
	}

	// Stable output keeps the done-set semantics deterministic across ticks.
	sort.Strings(ordered)
	logger.Debug().Int("count", len(ordered)).Str("start", startURL).Msg("page enumeration complete")
	return ordered, nil
}

func (p *PageResolver) SelectNext(urls []string, done map[string]struct{}) (string, bool) {
	return selectFirstUnrecorded(urls, done)
}

func (p *PageResolver) Finalize(ctx context.Context, u string) (string, error) {
	// Candidates are already direct playlist URLs.
	return u, nil
}

func (p *PageResolver) Extension() string { return "ts" }

func (p *PageResolver) fetch(ctx context.Context, page string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, page)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// extractM3U8 returns playlist references from markup attributes and inline
// script text, attribute hits first.
func extractM3U8(body string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ref string) {
		if _, ok := seen[ref]; !ok {
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	for _, m := range attrM3U8Re.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range inlineM3U8Re.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}
