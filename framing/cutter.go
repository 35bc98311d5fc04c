// Package framing implements the tape cutter (spec component B) and the
// three wire framers built on it: length-prefixed, HTTP, and WebSocket
// (spec component C).
package framing

import (
	"github.com/dbpotato/gonet/buf"
	"github.com/pkg/errors"
)

// MaxHeaderLength bounds how many bytes a Cutter will accumulate while
// waiting for FindHeader to report a complete header. Spec.md §4.3:
// 8 KiB.
const MaxHeaderLength = 8 * 1024

// HeaderResult is FindHeader's verdict for the bytes seen so far.
type HeaderResult int

const (
	// HeaderKeepWaiting means the header is not yet complete; more
	// bytes are needed before FindHeader can be called again.
	HeaderKeepWaiting HeaderResult = iota
	// HeaderFound means the header was parsed; FindHeader must have
	// advanced the Data's offset past the consumed header bytes.
	HeaderFound
	// HeaderFail means the bytes seen so far can never form a valid
	// header; the cutter is poisoned.
	HeaderFail
)

// Diverter is an optional Handler extension for grammars whose
// FindFooter can hand the connection over to a different byte sink
// mid-stream (HTTPFramer's protocol-upgrade handshake). Cutter checks
// Diverted immediately after each FindFooter call: once it reports
// true, the Cutter stops driving its own FindHeader/AddToCut loop and
// gives the sink whatever tape bytes are left over from the read that
// triggered the upgrade, instead of feeding them back into the now
// stale Handler.
type Diverter interface {
	// Diverted reports whether the most recent FindFooter call armed a
	// handoff, returning the sink to receive the remaining tape bytes.
	// Calling it clears the armed state.
	Diverted() (sink func(*buf.Data), ok bool)
}

// Handler implements one concrete framing grammar (length-prefixed,
// HTTP header+body, a chunked sub-cutter, or WebSocket frames) and is
// driven by Cutter's generic loop.
type Handler interface {
	// FindHeader inspects the accumulated header bytes. On HeaderFound
	// it must advance tape's offset past the header and return the
	// number of body bytes to collect next (0 is valid: body-less
	// messages skip straight to FindFooter).
	FindHeader(tape *buf.Data) (expectedBodySize uint32, result HeaderResult)
	// AddToCut receives up to expectedBodySize bytes (never more than
	// remain to reach it) and returns the cumulative size collected
	// for the current cut so far.
	AddToCut(chunk *buf.Data) (cutSize uint32, err error)
	// FindFooter is called once the body is fully collected (or
	// immediately, when expectedBodySize was 0). It may consume a
	// fixed-size trailer from tape and should emit the finished
	// message to whatever sink the Handler was constructed with.
	FindFooter(tape *buf.Data) error
}

// Cutter is the reusable "find header -> collect N bytes -> find
// footer -> emit" state machine shared by every framer.
type Cutter struct {
	handler       Handler
	pendingHeader []byte
	headerFound   bool
	expectedSize  uint32
	currentSize   uint32
	poisoned      bool
}

// NewCutter returns a Cutter driving handler.
func NewCutter(handler Handler) *Cutter {
	return &Cutter{handler: handler}
}

// Poisoned reports whether a previous AddData call failed. A
// poisoned cutter discards all further input; the owning socket is
// expected to close.
func (c *Cutter) Poisoned() bool { return c.poisoned }

func (c *Cutter) reset() {
	c.headerFound = false
	c.expectedSize = 0
	c.currentSize = 0
}

// AddData feeds newly-read bytes through the cutter. It may emit zero
// or more messages (via the Handler's FindFooter) before returning.
// Feeding any partition of a byte sequence across multiple AddData
// calls produces the same emissions as feeding it in one call.
func (c *Cutter) AddData(data *buf.Data) error {
	if c.poisoned {
		return nil
	}
	if err := c.addData(data); err != nil {
		c.poisoned = true
		return err
	}
	return nil
}

func (c *Cutter) addData(data *buf.Data) error {
	for {
		if !c.headerFound {
			var tape *buf.Data
			if len(c.pendingHeader) > 0 {
				combined := append(append([]byte(nil), c.pendingHeader...), data.Bytes()...)
				data.Advance(data.Len())
				tape = buf.NewData(combined)
			} else {
				tape = data
			}

			expected, result := c.handler.FindHeader(tape)
			switch result {
			case HeaderFail:
				return errors.New("gonet/framing: invalid header")
			case HeaderKeepWaiting:
				if tape.Len() > MaxHeaderLength {
					return errors.New("gonet/framing: header exceeds maximum length")
				}
				c.pendingHeader = append([]byte(nil), tape.Bytes()...)
				return nil
			case HeaderFound:
				c.headerFound = true
				c.expectedSize = expected
				c.currentSize = 0
				c.pendingHeader = nil
				data = tape
			}
		}

		if c.expectedSize == 0 {
			if err := c.handler.FindFooter(data); err != nil {
				return err
			}
			c.reset()
			if c.divert(data) {
				return nil
			}
			if data.Len() == 0 {
				return nil
			}
			continue
		}

		avail := uint32(data.Len())
		remaining := c.expectedSize - c.currentSize
		take := remaining
		if avail < take {
			take = avail
		}
		chunk := data.Reslice(0, int(take))
		cutSize, err := c.handler.AddToCut(chunk)
		if err != nil {
			return err
		}
		c.currentSize = cutSize
		data.Advance(int(take))

		if c.currentSize >= c.expectedSize {
			if err := c.handler.FindFooter(data); err != nil {
				return err
			}
			c.reset()
			if c.divert(data) {
				return nil
			}
			if data.Len() == 0 {
				return nil
			}
			continue
		}
		return nil
	}
}

// divert hands any tape bytes left over from the FindFooter call that
// just ran straight to a Diverter's claimed sink, when that call
// triggered a protocol upgrade. It reports whether a handoff happened;
// when it did, the caller must stop driving the loop with this
// Cutter's own Handler since it has been superseded.
func (c *Cutter) divert(data *buf.Data) bool {
	d, ok := c.handler.(Diverter)
	if !ok {
		return false
	}
	sink, diverted := d.Diverted()
	if !diverted {
		return false
	}
	if data.Len() > 0 {
		sink(data)
	}
	return true
}
