package buf

// Message pairs an optional header fragment with a Resource content.
// Framers (package framing) build the header bytes themselves (length
// prefix, HTTP status line + fields, WebSocket frame header); Message
// only knows how to stitch header and content together for writing.
type Message struct {
	Header   *Data
	Content  *Resource
}

// NewMessage builds a Message with no header, backed by content.
func NewMessage(content *Resource) *Message {
	return &Message{Content: content}
}

// NewMessageWithHeader builds a Message whose wire form is header
// followed by content.
func NewMessageWithHeader(header *Data, content *Resource) *Message {
	return &Message{Header: header, Content: content}
}

// Subset returns a contiguous Data slicing first from the header bytes
// then from the resource, honoring offset and max. It is the building
// block for the socket write loop, which calls Subset repeatedly with
// an advancing offset until the message is fully written.
func (m *Message) Subset(max, offset uint64) (*Data, error) {
	var headerLen uint64
	var headerTaken uint64
	out := make([]byte, 0, max)

	if m.Header != nil {
		headerLen = uint64(m.Header.Len())
		if offset < headerLen {
			take := headerLen - offset
			if take > max {
				take = max
			}
			out = append(out, m.Header.Bytes()[offset:offset+take]...)
			headerTaken = take
		}
		if headerTaken == max {
			return NewData(out), nil
		}
	}

	if m.Content == nil || m.Content.Size() == 0 {
		return NewData(out), nil
	}

	remaining := max - headerTaken
	var contentOffset uint64
	if offset > headerLen {
		contentOffset = offset - headerLen
	}
	if contentOffset >= m.Content.Size() {
		return NewData(out), nil
	}
	contentSize := m.Content.Size() - contentOffset
	if contentSize > remaining {
		contentSize = remaining
	}

	buf := make([]byte, contentSize)
	n, err := m.Content.CopyToBuf(buf, contentSize, contentOffset)
	if err != nil {
		return nil, err
	}
	out = append(out, buf[:n]...)
	return NewData(out), nil
}

// TotalSize is the wire length of the message: header plus content.
func (m *Message) TotalSize() uint64 {
	var n uint64
	if m.Header != nil {
		n += uint64(m.Header.Len())
	}
	if m.Content != nil {
		n += m.Content.Size()
	}
	return n
}
