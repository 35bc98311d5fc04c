// Package buf implements the toolkit's byte buffer and spill-to-disk
// payload store (spec component A).
package buf

// Data is a (bytes, offset) pair. The "current view" is bytes[offset:].
// Advancing the offset never shrinks the backing array, so a Data that
// shares a backing store with another Data is never corrupted by the
// other's advance.
type Data struct {
	bytes  []byte
	offset int
}

// NewData wraps b at offset 0. The slice is not copied.
func NewData(b []byte) *Data {
	return &Data{bytes: b}
}

// NewDataString wraps the bytes of s at offset 0.
func NewDataString(s string) *Data {
	return &Data{bytes: []byte(s)}
}

// ShallowCopy returns a Data sharing d's backing array and current offset.
// Appends on either copy that fit within cap(bytes) do not race because
// the event loop is single-threaded per client; callers that share a
// Data across goroutines must not mutate concurrently.
func (d *Data) ShallowCopy() *Data {
	return &Data{bytes: d.bytes, offset: d.offset}
}

// Append adds p to the end of the current view, growing the backing
// array if needed. Append may reallocate; callers holding a ShallowCopy
// of the old backing array keep seeing the old bytes.
func (d *Data) Append(p []byte) {
	d.bytes = append(d.bytes, p...)
}

// Advance moves the read offset forward by n bytes. It panics if n would
// move the offset past len(bytes); callers are expected to bound n by
// Len() first.
func (d *Data) Advance(n int) {
	if d.offset+n > len(d.bytes) {
		panic("buf: Advance past end of Data")
	}
	d.offset += n
}

// Offset returns the current read offset into the backing array.
func (d *Data) Offset() int { return d.offset }

// Len returns the number of bytes remaining in the current view.
func (d *Data) Len() int { return len(d.bytes) - d.offset }

// Bytes returns the current view (bytes[offset:]). The returned slice
// shares storage with d; callers must not retain it past a subsequent
// Append on d if they need stability.
func (d *Data) Bytes() []byte { return d.bytes[d.offset:] }

// Reslice returns a new Data over bytes[d.offset+from : d.offset+from+n],
// sharing the backing array.
func (d *Data) Reslice(from, n int) *Data {
	start := d.offset + from
	return &Data{bytes: d.bytes[:start+n], offset: start}
}
