package framing

import (
	"encoding/binary"

	"github.com/dbpotato/gonet/buf"
)

// SimpleHeaderSize is the length-prefixed wire header: 1 byte type,
// 4 bytes little-endian size.
const SimpleHeaderSize = 5

// SimpleMessage is the length-prefixed framer's emitted unit.
type SimpleMessage struct {
	Type    uint8
	Content *buf.Resource
}

// SimpleHeaderData builds the 5-byte wire header for a message of the
// given type and size, usable as a Message's header via buf.Message.
func SimpleHeaderData(msgType uint8, size uint32) *buf.Data {
	h := make([]byte, SimpleHeaderSize)
	h[0] = msgType
	binary.LittleEndian.PutUint32(h[1:], size)
	return buf.NewData(h)
}

// SimpleFramer parses the length-prefixed wire format into SimpleMessages.
type SimpleFramer struct {
	cutter   *Cutter
	tmpDir   string
	msgType  uint8
	resource *buf.Resource
	emit     func(*SimpleMessage)
}

// NewSimpleFramer returns a framer that calls emit for each decoded
// message. tmpDir selects the spill directory for oversized payloads.
func NewSimpleFramer(tmpDir string, emit func(*SimpleMessage)) *SimpleFramer {
	f := &SimpleFramer{tmpDir: tmpDir, emit: emit}
	f.cutter = NewCutter(f)
	return f
}

// AddData feeds newly read bytes into the framer.
func (f *SimpleFramer) AddData(data *buf.Data) error { return f.cutter.AddData(data) }

// Poisoned reports whether a previous AddData call failed irrecoverably.
func (f *SimpleFramer) Poisoned() bool { return f.cutter.Poisoned() }

func (f *SimpleFramer) FindHeader(tape *buf.Data) (uint32, HeaderResult) {
	if tape.Len() < SimpleHeaderSize {
		return 0, HeaderKeepWaiting
	}
	b := tape.Bytes()
	f.msgType = b[0]
	size := binary.LittleEndian.Uint32(b[1:5])
	f.resource = buf.NewResource(f.tmpDir)
	f.resource.SetExpectedSize(uint64(size))
	tape.Advance(SimpleHeaderSize)
	return size, HeaderFound
}

func (f *SimpleFramer) AddToCut(chunk *buf.Data) (uint32, error) {
	if err := f.resource.AddData(chunk); err != nil {
		return 0, err
	}
	return uint32(f.resource.Size()), nil
}

func (f *SimpleFramer) FindFooter(tape *buf.Data) error {
	f.emit(&SimpleMessage{Type: f.msgType, Content: f.resource})
	f.resource = nil
	return nil
}
