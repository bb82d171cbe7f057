// SPDX-License-Identifier: MIT

package resolver

import "context"

// Direct is the default adapter: no enumeration, the job URL is handed to the
// capture tool as-is. Live streams are recorded on every tick, so nothing is
// ever marked done.
type Direct struct{}

func (d *Direct) ParseURLs(ctx context.Context, startURL string) ([]string, error) {
	return nil, nil
}

func (d *Direct) SelectNext(urls []string, done map[string]struct{}) (string, bool) {
	return selectFirstUnrecorded(urls, done)
}

func (d *Direct) Finalize(ctx context.Context, url string) (string, error) {
	return url, nil
}

func (d *Direct) Extension() string { return "ts" }
