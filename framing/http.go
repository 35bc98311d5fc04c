package framing

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/dbpotato/gonet/buf"
	"github.com/pkg/errors"
)

// MaxChunkSize is the largest chunk body this framer accepts:
// individual chunks over 65,535 bytes are rejected.
const MaxChunkSize = 65535

// HTTPMessage is the HTTP framer's emitted unit: a parsed header plus
// its body (empty-but-non-nil Resource when there is no body).
type HTTPMessage struct {
	Header  *Header
	Content *buf.Resource
}

type httpBodyMode int

const (
	httpAwaitingHead httpBodyMode = iota
	httpContentLengthBody
	httpChunkedBody
)

// HTTPFramer parses an RFC 7230 subset: a "\r\n\r\n"-terminated
// header block, then a body sized by
// Content-Length or reassembled from "hex-size CRLF chunk CRLF"
// chunks when Transfer-Encoding is chunked. A connection may carry
// many requests/responses back to back (HTTP keep-alive); the framer
// returns to httpAwaitingHead after each emitted message.
type HTTPFramer struct {
	cutter *Cutter
	tmpDir string
	emit   func(*HTTPMessage)

	mode    httpBodyMode
	header  *Header
	content *buf.Resource

	pendingChunkCRLF bool
	chunkIsFinal     bool
	inChunk          bool
	chunkBase        uint64

	divertSink func(*buf.Data)
	diverted   bool
}

// NewHTTPFramer returns a framer that calls emit for each decoded
// request or response.
func NewHTTPFramer(tmpDir string, emit func(*HTTPMessage)) *HTTPFramer {
	f := &HTTPFramer{tmpDir: tmpDir, emit: emit}
	f.cutter = NewCutter(f)
	return f
}

// AddData feeds newly read bytes into the framer.
func (f *HTTPFramer) AddData(data *buf.Data) error { return f.cutter.AddData(data) }

// Poisoned reports whether a previous AddData call failed irrecoverably.
func (f *HTTPFramer) Poisoned() bool { return f.cutter.Poisoned() }

func (f *HTTPFramer) FindHeader(tape *buf.Data) (uint32, HeaderResult) {
	switch f.mode {
	case httpChunkedBody:
		return f.findChunkHeader(tape)
	default:
		return f.findMessageHeader(tape)
	}
}

func (f *HTTPFramer) findMessageHeader(tape *buf.Data) (uint32, HeaderResult) {
	b := tape.Bytes()
	idx := bytes.Index(b, []byte("\r\n\r\n"))
	if idx < 0 {
		return 0, HeaderKeepWaiting
	}
	block := string(b[:idx])
	tape.Advance(idx + 4)

	header, err := ParseHeaderBlock(block)
	if err != nil {
		return 0, HeaderFail
	}
	f.header = header
	f.content = buf.NewResource(f.tmpDir)

	if te, ok := header.FieldValue(FieldTransferEncoding); ok {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return 0, HeaderFail
		}
		f.mode = httpChunkedBody
		f.pendingChunkCRLF = false
		f.chunkIsFinal = false
		return 0, HeaderFound
	}

	if cl, ok := header.FieldValue(FieldContentLength); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 32)
		if err != nil {
			return 0, HeaderFail
		}
		f.content.SetExpectedSize(n)
		f.mode = httpContentLengthBody
		return uint32(n), HeaderFound
	}

	f.mode = httpAwaitingHead
	return 0, HeaderFound
}

func (f *HTTPFramer) findChunkHeader(tape *buf.Data) (uint32, HeaderResult) {
	b := tape.Bytes()
	skip := 0
	if f.pendingChunkCRLF {
		if len(b) < 2 {
			return 0, HeaderKeepWaiting
		}
		skip = 2
	}
	rest := b[skip:]
	idx := bytes.Index(rest, []byte("\r\n"))
	if idx < 0 {
		return 0, HeaderKeepWaiting
	}
	sizeLine := strings.TrimSpace(string(rest[:idx]))
	size, err := strconv.ParseUint(sizeLine, 16, 32)
	if err != nil {
		return 0, HeaderFail
	}
	if size > MaxChunkSize {
		return 0, HeaderFail
	}
	advance := skip + idx + 2
	if size == 0 {
		// The last chunk is followed by the blank line that ends the body.
		if len(rest) < idx+4 {
			return 0, HeaderKeepWaiting
		}
		if rest[idx+2] != '\r' || rest[idx+3] != '\n' {
			return 0, HeaderFail
		}
		advance += 2
	}
	tape.Advance(advance)
	f.pendingChunkCRLF = false

	if size == 0 {
		f.chunkIsFinal = true
		return 0, HeaderFound
	}
	f.inChunk = true
	f.chunkBase = f.content.Size()
	return uint32(size), HeaderFound
}

func (f *HTTPFramer) AddToCut(chunk *buf.Data) (uint32, error) {
	if err := f.content.AddData(chunk); err != nil {
		return 0, errors.Wrap(err, "gonet/framing: http body")
	}
	return uint32(f.content.Size() - f.chunkBase), nil
}

func (f *HTTPFramer) FindFooter(tape *buf.Data) error {
	switch f.mode {
	case httpChunkedBody:
		if f.chunkIsFinal {
			f.content.SetExpectedSize(f.content.Size())
			f.emitAndReset()
			return nil
		}
		if f.inChunk {
			f.pendingChunkCRLF = true
			f.inChunk = false
		}
		return nil
	default:
		f.content.SetExpectedSize(f.content.Size())
		f.emitAndReset()
		return nil
	}
}

// Divert arms a handoff: once the FindFooter call in progress returns,
// the owning Cutter gives sink any bytes left over in the current read
// instead of feeding them back into this framer's FindHeader. A
// handler's OnRequest calls this from inside the emit it triggers, so
// a request and its first post-upgrade bytes pipelined into the same
// TCP read both reach the new protocol instead of the tail being lost
// to a stale "waiting for \r\n\r\n" header scan.
func (f *HTTPFramer) Divert(sink func(*buf.Data)) {
	f.divertSink = sink
	f.diverted = true
}

// Diverted implements Cutter's Diverter hook.
func (f *HTTPFramer) Diverted() (func(*buf.Data), bool) {
	if !f.diverted {
		return nil, false
	}
	sink := f.divertSink
	f.diverted = false
	f.divertSink = nil
	return sink, true
}

func (f *HTTPFramer) emitAndReset() {
	f.emit(&HTTPMessage{Header: f.header, Content: f.content})
	f.header = nil
	f.content = nil
	f.mode = httpAwaitingHead
	f.pendingChunkCRLF = false
	f.chunkIsFinal = false
	f.inChunk = false
	f.chunkBase = 0
}
