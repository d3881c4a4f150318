package cache

import (
	"errors"

	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
	"github.com/meigma/bundle/operation"
)

// VerifyOperation checks every present required bundle, a few per tick.
// Corrupt files are deleted so a later download replaces them.
type VerifyOperation struct {
	store     *Store
	manifests []*manifest.Manifest

	index   *Index
	pending []*Entry
	next    int

	verified, corrupt, missing int
	errs                       []error
}

// NewVerifyOperation returns an operation verifying the bundles manifests
// require. The directory is scanned on the first poll.
func NewVerifyOperation(store *Store, manifests ...*manifest.Manifest) *VerifyOperation {
	return &VerifyOperation{store: store, manifests: manifests}
}

// Poll implements operation.Operation.
func (op *VerifyOperation) Poll(t *operation.Tick) (bool, error) {
	if op.index == nil {
		ix, err := op.store.Scan(op.manifests...)
		if err != nil {
			return true, err
		}
		op.index = ix
		op.pending = ix.InState(StateUnverified)
		op.missing = len(ix.InState(StateMissing))
	}

	for op.next < len(op.pending) {
		op.check(op.pending[op.next])
		op.next++
		if t.Expired() {
			break
		}
	}
	if op.next < len(op.pending) {
		return false, nil
	}
	op.store.logger.Info("cache verified",
		"verified", op.verified,
		"corrupt", op.corrupt,
		"missing", op.missing)
	return true, errors.Join(op.errs...)
}

func (op *VerifyOperation) check(e *Entry) {
	err := op.store.Check(e.Bundle, e.Algorithm)
	switch {
	case err == nil:
		e.State = StateVerified
		op.verified++
	case errors.Is(err, verify.ErrNotExist):
		e.State = StateMissing
		op.missing++
	case verify.IsCorrupt(err) || errors.Is(err, verify.ErrInvalidHash):
		e.State = StateCorrupt
		e.Err = err
		op.corrupt++
		op.store.logger.Warn("corrupt cache file removed", "file", e.Bundle.FileName(), "error", err)
		if rmErr := op.store.RemoveBundle(e.Bundle); rmErr != nil {
			op.store.logger.Error("remove corrupt cache file", "file", e.Bundle.FileName(), "error", rmErr)
		}
	default:
		e.Err = err
		op.errs = append(op.errs, err)
		op.store.logger.Error("verify cache file", "file", e.Bundle.FileName(), "error", err)
	}
}

// Progress implements operation.Progresser.
func (op *VerifyOperation) Progress() float64 {
	if op.index == nil {
		return 0
	}
	if len(op.pending) == 0 {
		return 1
	}
	return float64(op.next) / float64(len(op.pending))
}

// Index returns the reconciled index, nil before the first poll.
func (op *VerifyOperation) Index() *Index { return op.index }

// Counts returns the number of verified, corrupt and missing bundles so far.
func (op *VerifyOperation) Counts() (verified, corrupt, missing int) {
	return op.verified, op.corrupt, op.missing
}

// ClearUnusedOperation deletes cache files that no manifest references,
// stopping each tick when the budget is spent.
type ClearUnusedOperation struct {
	store     *Store
	manifests []*manifest.Manifest
	all       bool

	scanned bool
	orphans []string
	next    int
	deleted []string
	failed  []string
}

// NewClearUnusedOperation returns an operation clearing files not referenced
// by any of manifests. The directory is scanned on the first poll.
func NewClearUnusedOperation(store *Store, manifests ...*manifest.Manifest) *ClearUnusedOperation {
	return &ClearUnusedOperation{store: store, manifests: manifests}
}

// NewClearAllOperation returns an operation deleting every bundle and partial
// download in the cache directory. Reserved names are kept.
func NewClearAllOperation(store *Store) *ClearUnusedOperation {
	return &ClearUnusedOperation{store: store, all: true}
}

// Poll implements operation.Operation.
func (op *ClearUnusedOperation) Poll(t *operation.Tick) (bool, error) {
	if !op.scanned {
		ix, err := op.store.Scan(op.manifests...)
		if err != nil {
			return true, err
		}
		op.scanned = true
		op.orphans = ix.Orphans
	}

	for op.next < len(op.orphans) {
		path := op.orphans[op.next]
		op.next++
		if err := op.store.Remove(path); err != nil {
			op.store.logger.Warn("delete unused cache file", "path", path, "error", err)
			op.failed = append(op.failed, path)
		} else {
			op.deleted = append(op.deleted, path)
		}
		if t.Expired() {
			break
		}
	}
	if op.next < len(op.orphans) {
		return false, nil
	}
	msg := "unused cache files cleared"
	if op.all {
		op.store.ForgetAll()
		msg = "cache cleared"
	}
	op.store.logger.Info(msg,
		"deleted", len(op.deleted),
		"failed", len(op.failed))
	return true, nil
}

// Progress implements operation.Progresser as 1 - remaining/total.
func (op *ClearUnusedOperation) Progress() float64 {
	if !op.scanned {
		return 0
	}
	if len(op.orphans) == 0 {
		return 1
	}
	return 1 - float64(len(op.orphans)-op.next)/float64(len(op.orphans))
}

// Deleted returns the paths removed so far.
func (op *ClearUnusedOperation) Deleted() []string { return op.deleted }

// Failed returns the paths that could not be removed.
func (op *ClearUnusedOperation) Failed() []string { return op.failed }

// Remaining returns the number of orphans not yet processed.
func (op *ClearUnusedOperation) Remaining() int { return len(op.orphans) - op.next }
