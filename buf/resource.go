package buf

import (
	"io"
	"os"
	"path/filepath"

	"github.com/nats-io/nuid"
	"github.com/pkg/errors"
)

// MemCacheLimit is the cumulative byte count after which a Resource
// spills from memory to a temp file. Spec.md §4.4: 4 MiB.
const MemCacheLimit = 4 * 1024 * 1024

// Resource is a growable byte container with an expected size (0 means
// unknown). It holds either an in-memory buffer or a temp file, never
// both; the transition from memory to disk is one-way.
type Resource struct {
	size         uint64
	expectedSize uint64
	onDrive      bool
	mem          []byte
	file         *os.File
	fileName     string
	tmpDir       string
}

// NewResource returns an empty resource. tmpDir selects the directory
// used for the spill file; an empty string uses os.TempDir().
func NewResource(tmpDir string) *Resource {
	return &Resource{tmpDir: tmpDir}
}

// NewResourceFromData returns a resource pre-loaded with d's current
// view, with ExpectedSize set to that view's length.
func NewResourceFromData(d *Data, tmpDir string) (*Resource, error) {
	r := NewResource(tmpDir)
	r.expectedSize = uint64(d.Len())
	if err := r.AddData(d); err != nil {
		return nil, err
	}
	return r, nil
}

// SetExpectedSize records the total size the resource is expected to
// reach. IsComplete compares Size against it.
func (r *Resource) SetExpectedSize(n uint64) { r.expectedSize = n }

// ExpectedSize returns the previously set expected size, or 0 if unknown.
func (r *Resource) ExpectedSize() uint64 { return r.expectedSize }

// Size returns the cumulative number of bytes appended via AddData.
func (r *Resource) Size() uint64 { return r.size }

// IsComplete reports whether Size has reached ExpectedSize. A resource
// with an unset (zero) expected size is never complete.
func (r *Resource) IsComplete() bool {
	return r.expectedSize > 0 && r.size == r.expectedSize
}

// UseDriveCache reports whether the resource has overflowed to disk.
func (r *Resource) UseDriveCache() bool { return r.onDrive }

// AddData appends d's current view. When cumulative size would exceed
// MemCacheLimit, the resource lazily creates a temp file, flushes any
// in-memory bytes to it, and all subsequent writes go to the file.
func (r *Resource) AddData(d *Data) error {
	p := d.Bytes()
	if len(p) == 0 {
		return nil
	}
	if !r.onDrive && uint64(len(r.mem)+len(p)) > MemCacheLimit {
		if err := r.spillToDrive(); err != nil {
			return err
		}
	}
	if r.onDrive {
		if _, err := r.file.Write(p); err != nil {
			return errors.Wrap(err, "gonet/buf: write to drive cache")
		}
	} else {
		r.mem = append(r.mem, p...)
	}
	r.size += uint64(len(p))
	return nil
}

func (r *Resource) spillToDrive() error {
	dir := r.tmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, "gonet-"+nuid.Next()+".tmp")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "gonet/buf: create drive cache")
	}
	if len(r.mem) > 0 {
		if _, err := f.Write(r.mem); err != nil {
			f.Close()
			os.Remove(name)
			return errors.Wrap(err, "gonet/buf: flush mem cache to drive")
		}
	}
	r.file = f
	r.fileName = name
	r.onDrive = true
	r.mem = nil
	return nil
}

// MemCache returns the in-memory backing Data, or nil when the resource
// has overflowed to disk.
func (r *Resource) MemCache() *Data {
	if r.onDrive {
		return nil
	}
	return NewData(r.mem)
}

// CopyToBuf fills dst (up to len(dst) or size, whichever is smaller)
// with bytes starting at offset, from whichever backing is active.
func (r *Resource) CopyToBuf(dst []byte, size, offset uint64) (int, error) {
	if offset >= r.size {
		return 0, nil
	}
	if size > r.size-offset {
		size = r.size - offset
	}
	if uint64(len(dst)) < size {
		size = uint64(len(dst))
	}
	if !r.onDrive {
		n := copy(dst[:size], r.mem[offset:])
		return n, nil
	}
	n, err := r.file.ReadAt(dst[:size], int64(offset))
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "gonet/buf: read drive cache")
	}
	return n, nil
}

// SaveTo moves ownership of the resource's bytes to path. When the
// resource is backed by a temp file, this renames it (no copy); the
// resource no longer owns/deletes that file afterward. When backed by
// memory, it writes the buffer to a new file at path.
func (r *Resource) SaveTo(path string) error {
	if r.onDrive {
		if err := r.file.Close(); err != nil {
			return errors.Wrap(err, "gonet/buf: close drive cache before rename")
		}
		if err := os.Rename(r.fileName, path); err != nil {
			return errors.Wrap(err, "gonet/buf: rename drive cache")
		}
		r.file = nil
		r.fileName = ""
		return nil
	}
	if err := os.WriteFile(path, r.mem, 0600); err != nil {
		return errors.Wrap(err, "gonet/buf: write mem cache to file")
	}
	return nil
}

// Close deletes the temp file backing this resource, if one still
// exists and was not moved out via SaveTo. Safe to call more than once.
func (r *Resource) Close() error {
	if r.file == nil {
		return nil
	}
	name := r.fileName
	err := r.file.Close()
	r.file = nil
	if name != "" {
		os.Remove(name)
		r.fileName = ""
	}
	if err != nil {
		return errors.Wrap(err, "gonet/buf: close drive cache")
	}
	return nil
}
