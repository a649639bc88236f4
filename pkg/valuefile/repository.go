// Package valuefile implements the append-only on-disk value files
// described in spec.md §3/§4.6: each value file lives under
// REPOSITORY_PATH in a two-level hash-fanout directory layout derived
// from its id, is owned exclusively by one writer for its lifetime, and
// is immutable once sealed.
package valuefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Error is the class for value-file storage failures.
var Error = errs.Class("valuefile")

// Repository locates and creates value files under a root directory.
type Repository struct {
	root string
}

// NewRepository returns a Repository rooted at REPOSITORY_PATH.
func NewRepository(root string) *Repository {
	return &Repository{root: root}
}

// PathFor returns the two-level fanout path for a value file id, e.g.
// id 4096 -> "<root>/10/00/4096". The fanout keeps any single directory
// from accumulating an unbounded number of entries as the cluster ages.
func (r *Repository) PathFor(id int64) string {
	hi := fmt.Sprintf("%02x", (id>>8)&0xff)
	lo := fmt.Sprintf("%02x", id&0xff)
	return filepath.Join(r.root, hi, lo, fmt.Sprintf("%d", id))
}

// Create creates a new, empty value file for id and returns a writable
// handle. The caller is the exclusive owner of the returned File until
// it is closed.
func (r *Repository) Create(id int64) (*File, error) {
	path := r.PathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return newFile(id, f), nil
}

// OpenRead opens a read-only handle onto an existing (possibly sealed)
// value file. Readers never share a writer's live handle; each request
// opens its own.
func (r *Repository) OpenRead(id int64) (*os.File, error) {
	f, err := os.Open(r.PathFor(id))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return f, nil
}

// Truncate recovers a value file after a crash by discarding any bytes
// past the last committed sequence's declared end offset, per spec.md
// §4.2's crash-recovery invariant.
func (r *Repository) Truncate(id int64, lastCommittedEnd int64) error {
	f, err := os.OpenFile(r.PathFor(id), os.O_RDWR, 0o644)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()
	return Error.Wrap(f.Truncate(lastCommittedEnd))
}
