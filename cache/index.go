package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/bundle/manifest"
)

// State is the verification state of a required bundle.
type State int

const (
	StateUnverified State = iota
	StateVerified
	StateMissing
	StateCorrupt
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateVerified:
		return "verified"
	case StateMissing:
		return "missing"
	case StateCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entry is one required bundle, keyed by content hash.
type Entry struct {
	Bundle    manifest.BundleRecord
	Algorithm manifest.HashAlgorithm
	Path      string
	State     State
	Err       error
}

// Index is the result of reconciling the cache directory with manifests.
type Index struct {
	// Used holds the names of files referenced by at least one manifest.
	Used []string

	// Orphans holds the full paths of files no manifest references.
	Orphans []string

	entries map[string]*Entry
	order   []string
}

// Entry returns the entry for a content hash.
func (ix *Index) Entry(hash string) (*Entry, bool) {
	e, ok := ix.entries[hash]
	return e, ok
}

// Entries returns required bundles in manifest declaration order.
func (ix *Index) Entries() []*Entry {
	out := make([]*Entry, 0, len(ix.order))
	for _, h := range ix.order {
		out = append(out, ix.entries[h])
	}
	return out
}

// InState returns the entries currently in state s.
func (ix *Index) InState(s State) []*Entry {
	var out []*Entry
	for _, h := range ix.order {
		if e := ix.entries[h]; e.State == s {
			out = append(out, e)
		}
	}
	return out
}

// Scan lists the cache directory and reconciles it with manifests.
//
// A file is used when any manifest contains a bundle with that file name; a
// partial download is used when its final name is. Required bundles are
// deduplicated by hash and start Unverified when their file exists, Missing
// otherwise. Nil manifests are skipped, and reserved names are ignored.
func (s *Store) Scan(manifests ...*manifest.Manifest) (*Index, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}

	ix := &Index{entries: make(map[string]*Entry)}
	present := make(map[string]struct{}, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		if _, ok := s.reserved[name]; ok {
			continue
		}
		if !strings.HasSuffix(name, TempSuffix) {
			present[name] = struct{}{}
		}
		if referenced(strings.TrimSuffix(name, TempSuffix), manifests) {
			ix.Used = append(ix.Used, name)
		} else {
			ix.Orphans = append(ix.Orphans, filepath.Join(s.dir, name))
		}
	}

	for _, m := range manifests {
		if m == nil {
			continue
		}
		algo := m.HashAlgorithm()
		for _, b := range m.Bundles() {
			if _, dup := ix.entries[b.Hash]; dup {
				continue
			}
			e := &Entry{Bundle: b, Algorithm: algo, Path: s.Path(b), State: StateMissing}
			if _, ok := present[b.FileName()]; ok {
				e.State = StateUnverified
			}
			ix.entries[b.Hash] = e
			ix.order = append(ix.order, b.Hash)
		}
	}

	s.logger.Debug("cache scanned",
		"files", len(dirEntries),
		"used", len(ix.Used),
		"orphans", len(ix.Orphans),
		"required", len(ix.order))
	return ix, nil
}

func referenced(name string, manifests []*manifest.Manifest) bool {
	for _, m := range manifests {
		if m != nil && m.ContainsBundleFile(name) {
			return true
		}
	}
	return false
}
