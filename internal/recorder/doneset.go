// SPDX-License-Identifier: MIT

package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// DoneSet persists the identifiers of already-recorded items, one JSON file
// per job, so that the next tick of an enumerating job does not re-download
// finished episodes.
type DoneSet struct {
	mu  sync.Mutex
	dir string
}

// NewDoneSet stores per-job files under <dataDir>/done.
func NewDoneSet(dataDir string) *DoneSet {
	return &DoneSet{dir: filepath.Join(dataDir, "done")}
}

func (d *DoneSet) file(jobID string) string {
	return filepath.Join(d.dir, filepath.Base(jobID)+".json")
}

// Load returns the recorded identifiers for a job. A missing file is empty.
func (d *DoneSet) Load(jobID string) (map[string]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked(jobID)
}

func (d *DoneSet) loadLocked(jobID string) (map[string]struct{}, error) {
	data, err := os.ReadFile(d.file(jobID))
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse done set: %w", err)
	}

	set := make(map[string]struct{}, len(list))
	for _, u := range list {
		set[u] = struct{}{}
	}
	return set, nil
}

// Mark records an identifier as done. The full list is rewritten atomically;
// callers invoke this only after the output file is confirmed on disk.
func (d *DoneSet) Mark(jobID, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, err := d.loadLocked(jobID)
	if err != nil {
		return err
	}
	if _, ok := set[url]; ok {
		return nil
	}
	set[url] = struct{}{}

	list := make([]string, 0, len(set))
	for u := range set {
		list = append(list, u)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(d.file(jobID))
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// Remove deletes a job's done file. Missing files are fine.
func (d *DoneSet) Remove(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.Remove(d.file(jobID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
