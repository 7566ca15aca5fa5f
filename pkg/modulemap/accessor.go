package modulemap

import (
	"io"

	"github.com/pkg/errors"
)

// Accessor resolves a module Key to an open, readable file. The core
// never assumes a module's on-disk path remains valid: a failed Open
// should not abort an unwind, only degrade that module to Prolog kind.
type Accessor interface {
	// Open returns a handle to the backing file for key, or an
	// error if it cannot be (re)opened.
	Open(key Key) (File, error)
}

// File is the minimal read-at/close surface the DWARF CFI engine and
// elfutil need from a module's backing file.
type File interface {
	io.ReaderAt
	io.Closer
}

// PathAccessor resolves modules by the filesystem path recorded on
// them at discovery time (e.g. from /proc/<pid>/maps). It is the
// default Accessor for Linux.
type PathAccessor struct {
	open func(path string) (File, error)
	byKey map[Key]string
}

// NewPathAccessor creates a PathAccessor using openFn to open files
// (normally os.Open, wrapped to satisfy the File interface).
func NewPathAccessor(openFn func(path string) (File, error)) *PathAccessor {
	return &PathAccessor{open: openFn, byKey: make(map[Key]string)}
}

// Remember records which path backs key, so a later Open can resolve
// key without the caller re-supplying the path.
func (a *PathAccessor) Remember(key Key, path string) {
	if !key.IsAnonymous() {
		a.byKey[key] = path
	}
}

// Open implements Accessor.
func (a *PathAccessor) Open(key Key) (File, error) {
	path, ok := a.byKey[key]
	if !ok {
		return nil, errNoPathForKey
	}
	return a.open(path)
}

var errNoPathForKey = errors.New("modulemap: no remembered path for key")
