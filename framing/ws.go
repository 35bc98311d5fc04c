package framing

import (
	"encoding/binary"

	"github.com/dbpotato/gonet/buf"
	"github.com/pkg/errors"
)

// MaxFramePayloadSize bounds a single physical WebSocket frame's
// payload. Larger messages are expected to arrive fragmented.
const MaxFramePayloadSize = 16 * 1024 * 1024

// MaxFragmentedMessageSize bounds the cumulative payload of a
// reassembled fragmented message. The wire format allows a 64-bit
// length; this toolkit picks an explicit cap instead.
const MaxFragmentedMessageSize = 16 * 1024 * 1024

// wsFrameHandler decodes one physical frame at a time: 2-14 byte
// header (base 2 bytes, optional extended length, optional 4-byte
// mask key) followed by the payload. It is the inner Handler driving
// a Cutter; WSFramer layers fragmentation reassembly and control-frame
// dispatch on top of its output.
type wsFrameHandler struct {
	cutter *Cutter
	emit   func(WSFrame)

	fin     bool
	opcode  uint8
	masked  bool
	maskKey [4]byte
	payload []byte
}

func newWSFrameHandler(emit func(WSFrame)) *wsFrameHandler {
	h := &wsFrameHandler{emit: emit}
	h.cutter = NewCutter(h)
	return h
}

func (h *wsFrameHandler) FindHeader(tape *buf.Data) (uint32, HeaderResult) {
	b := tape.Bytes()
	if len(b) < 2 {
		return 0, HeaderKeepWaiting
	}
	fin := b[0]&wsFinBit != 0
	opcode := b[0] & 0x0f
	masked := b[1]&wsMaskBit != 0
	plen := uint64(b[1] &^ wsMaskBit)
	pos := 2

	switch plen {
	case 126:
		if len(b) < pos+2 {
			return 0, HeaderKeepWaiting
		}
		plen = uint64(binary.BigEndian.Uint16(b[pos:]))
		pos += 2
	case 127:
		if len(b) < pos+8 {
			return 0, HeaderKeepWaiting
		}
		plen = binary.BigEndian.Uint64(b[pos:])
		pos += 8
	}

	var maskKey [4]byte
	if masked {
		if len(b) < pos+4 {
			return 0, HeaderKeepWaiting
		}
		copy(maskKey[:], b[pos:pos+4])
		pos += 4
	}

	if plen > MaxFramePayloadSize {
		return 0, HeaderFail
	}
	if wsIsControlOpcode(opcode) && (plen > wsMaxControlPayload || !fin) {
		return 0, HeaderFail
	}

	tape.Advance(pos)
	h.fin, h.opcode, h.masked, h.maskKey = fin, opcode, masked, maskKey
	h.payload = make([]byte, 0, plen)
	return uint32(plen), HeaderFound
}

func (h *wsFrameHandler) AddToCut(chunk *buf.Data) (uint32, error) {
	h.payload = append(h.payload, chunk.Bytes()...)
	return uint32(len(h.payload)), nil
}

func (h *wsFrameHandler) FindFooter(tape *buf.Data) error {
	if h.masked {
		wsApplyMask(h.payload, h.maskKey)
	}
	h.emit(WSFrame{Fin: h.fin, Opcode: h.opcode, Payload: h.payload})
	h.payload = nil
	return nil
}

// WSFramer reassembles the physical frames decoded by wsFrameHandler
// into application messages: control frames (ping/pong/close) are
// dispatched as soon as they are decoded,
// never interleaved into a fragmented data message per RFC 6455 §5.4;
// a fragmented sequence of continuation frames is buffered until the
// final frame's FIN bit and emitted as one WSMessage.
type WSFramer struct {
	inner   *wsFrameHandler
	tmpDir  string
	emit    func(*WSMessage)
	onCtrl  func(opcode uint8, payload []byte)
	poison  error
	frag    *buf.Resource
	fragOp  uint8
	fragged bool
}

// NewWSFramer returns a framer that calls emit for each reassembled
// data message and onCtrl for each control frame (ping, pong, close).
func NewWSFramer(tmpDir string, emit func(*WSMessage), onCtrl func(opcode uint8, payload []byte)) *WSFramer {
	f := &WSFramer{tmpDir: tmpDir, emit: emit, onCtrl: onCtrl}
	f.inner = newWSFrameHandler(f.handleFrame)
	return f
}

// AddData feeds newly read bytes into the framer.
func (f *WSFramer) AddData(data *buf.Data) error {
	if f.poison != nil {
		return nil
	}
	if err := f.inner.cutter.AddData(data); err != nil {
		f.poison = err
		return err
	}
	return f.poison
}

// Poisoned reports whether decoding or reassembly failed irrecoverably.
func (f *WSFramer) Poisoned() bool { return f.poison != nil || f.inner.cutter.Poisoned() }

func (f *WSFramer) handleFrame(frame WSFrame) {
	if f.poison != nil {
		return
	}
	if wsIsControlOpcode(frame.Opcode) {
		f.onCtrl(frame.Opcode, frame.Payload)
		return
	}

	if frame.Opcode != WSOpContinuation {
		if f.fragged {
			f.poison = errors.New("gonet/framing: data frame interrupts fragmented message")
			return
		}
		if frame.Fin {
			f.emitSingle(frame.Opcode, frame.Payload)
			return
		}
		f.frag = buf.NewResource(f.tmpDir)
		f.fragOp = frame.Opcode
		f.fragged = true
		if err := f.appendFragment(frame.Payload); err != nil {
			f.poison = err
		}
		return
	}

	if !f.fragged {
		f.poison = errors.New("gonet/framing: continuation frame without start frame")
		return
	}
	if err := f.appendFragment(frame.Payload); err != nil {
		f.poison = err
		return
	}
	if frame.Fin {
		msg := &WSMessage{Opcode: f.fragOp, Content: f.frag}
		f.frag = nil
		f.fragged = false
		f.emit(msg)
	}
}

func (f *WSFramer) appendFragment(payload []byte) error {
	if f.frag.Size()+uint64(len(payload)) > MaxFragmentedMessageSize {
		return errors.New("gonet/framing: fragmented message exceeds maximum size")
	}
	return f.frag.AddData(buf.NewData(payload))
}

func (f *WSFramer) emitSingle(opcode uint8, payload []byte) {
	r := buf.NewResource(f.tmpDir)
	r.SetExpectedSize(uint64(len(payload)))
	if err := r.AddData(buf.NewData(payload)); err != nil {
		f.poison = err
		return
	}
	f.emit(&WSMessage{Opcode: opcode, Content: r})
}

// EncodeWSFrame builds a single unmasked server-to-client frame
// (servers must not mask, RFC 6455 §5.1).
func EncodeWSFrame(fin bool, opcode uint8, payload []byte) []byte {
	var head []byte
	first := opcode & 0x0f
	if fin {
		first |= wsFinBit
	}
	switch {
	case len(payload) < 126:
		head = []byte{first, byte(len(payload))}
	case len(payload) <= 0xffff:
		head = make([]byte, 4)
		head[0], head[1] = first, 126
		binary.BigEndian.PutUint16(head[2:], uint16(len(payload)))
	default:
		head = make([]byte, 10)
		head[0], head[1] = first, 127
		binary.BigEndian.PutUint64(head[2:], uint64(len(payload)))
	}
	return append(head, payload...)
}
