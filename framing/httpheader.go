package framing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Protocol identifies an HTTP version on a request/status line.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP10
	ProtocolHTTP11
	ProtocolHTTP2
)

var protocolStrings = map[Protocol]string{
	ProtocolHTTP10: "HTTP/1.0",
	ProtocolHTTP11: "HTTP/1.1",
	ProtocolHTTP2:  "HTTP/2",
}

func protocolFromString(s string) (Protocol, bool) {
	switch strings.ToLower(s) {
	case "http/1.0":
		return ProtocolHTTP10, true
	case "http/1.1":
		return ProtocolHTTP11, true
	case "http/2":
		return ProtocolHTTP2, true
	}
	return ProtocolUnknown, false
}

// Field is the closed set of header names the parser gives typed,
// O(1) access to (original HttpHeaderField::Type, trimmed to the
// fields this toolkit's components actually consult).
// Anything else lands in UnknownFields.
type Field int

const (
	FieldHost Field = iota
	FieldConnection
	FieldUpgrade
	FieldContentLength
	FieldTransferEncoding
	FieldContentType
	FieldLocation
	FieldSecWebSocketKey
	FieldSecWebSocketAccept
	FieldSecWebSocketVersion
)

// fieldOrder is the wire order String() emits known fields in. Mirrors
// the original HttpHeader::ToString() walking an ordered
// std::map<HttpHeaderField::Type,...> instead of Go's randomized map
// iteration.
var fieldOrder = []Field{
	FieldHost,
	FieldConnection,
	FieldUpgrade,
	FieldContentLength,
	FieldTransferEncoding,
	FieldContentType,
	FieldLocation,
	FieldSecWebSocketKey,
	FieldSecWebSocketAccept,
	FieldSecWebSocketVersion,
}

var fieldNames = map[Field]string{
	FieldHost:                "Host",
	FieldConnection:          "Connection",
	FieldUpgrade:             "Upgrade",
	FieldContentLength:       "Content-Length",
	FieldTransferEncoding:    "Transfer-Encoding",
	FieldContentType:         "Content-Type",
	FieldLocation:            "Location",
	FieldSecWebSocketKey:     "Sec-WebSocket-Key",
	FieldSecWebSocketAccept:  "Sec-WebSocket-Accept",
	FieldSecWebSocketVersion: "Sec-WebSocket-Version",
}

var fieldsByLowerName map[string]Field

func init() {
	fieldsByLowerName = make(map[string]Field, len(fieldNames))
	for f, name := range fieldNames {
		fieldsByLowerName[strings.ToLower(name)] = f
	}
}

// statusText mirrors the subset of RFC-registered reason phrases the
// HTTP server needs to stringify a status line.
var statusText = map[int]string{
	100: "Continue", 101: "Switching Protocols",
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	206: "Partial Content",
	300: "Multiple Choices", 301: "Moved Permanently", 302: "Found",
	303: "See Other", 304: "Not Modified", 307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 408: "Request Timeout",
	409: "Conflict", 411: "Length Required", 413: "Payload Too Large",
	414: "URI Too Long", 415: "Unsupported Media Type",
	426: "Upgrade Required", 429: "Too Many Requests",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable", 504: "Gateway Timeout",
}

// StatusText returns the reason phrase for code, or "" if unknown.
func StatusText(code int) string { return statusText[code] }

// Header is the parsed HTTP/1.x request-line-or-status-line plus
// fields. Field name comparison is case-insensitive; Content-Length
// and Transfer-Encoding are mutually exclusive: Transfer-Encoding
// wins when both are present (RFC 7230 §3.3.3).
type Header struct {
	Protocol      Protocol
	Method        string // empty for a response header
	RequestTarget string
	StatusCode    int // 0 for a request header

	known   map[Field]string
	unknown map[string]string
}

// NewRequestHeader builds a request header with no fields set.
func NewRequestHeader(protocol Protocol, method, target string) *Header {
	return &Header{
		Protocol:      protocol,
		Method:        method,
		RequestTarget: target,
		known:         make(map[Field]string),
		unknown:       make(map[string]string),
	}
}

// NewResponseHeader builds a status header with no fields set.
func NewResponseHeader(protocol Protocol, statusCode int) *Header {
	return &Header{
		Protocol:   protocol,
		StatusCode: statusCode,
		known:      make(map[Field]string),
		unknown:    make(map[string]string),
	}
}

func (h *Header) ensureMaps() {
	if h.known == nil {
		h.known = make(map[Field]string)
	}
	if h.unknown == nil {
		h.unknown = make(map[string]string)
	}
}

// SetField sets a known field's value, replacing any prior value.
func (h *Header) SetField(f Field, value string) {
	h.ensureMaps()
	h.known[f] = value
}

// SetUnknownField sets an arbitrary field by name, case-insensitively.
func (h *Header) SetUnknownField(name, value string) {
	h.ensureMaps()
	h.unknown[strings.ToLower(name)] = value
}

// HasField reports whether a known field is set.
func (h *Header) HasField(f Field) bool {
	_, ok := h.known[f]
	return ok
}

// FieldValue returns a known field's value.
func (h *Header) FieldValue(f Field) (string, bool) {
	v, ok := h.known[f]
	return v, ok
}

// UnknownFieldValue looks up an arbitrary field by name,
// case-insensitively.
func (h *Header) UnknownFieldValue(name string) (string, bool) {
	v, ok := h.unknown[strings.ToLower(name)]
	return v, ok
}

// IsValid checks that a response header has a registered status
// code, and that a request header has a non-empty method, target,
// and protocol.
func (h *Header) IsValid() bool {
	if h.Protocol == ProtocolUnknown {
		return false
	}
	if h.StatusCode > 0 {
		_, ok := statusText[h.StatusCode]
		return ok
	}
	return h.Method != "" && h.RequestTarget != ""
}

// ParseHeaderBlock parses the ASCII header lines (request/status line
// plus "Name: Value" pairs, CRLF-terminated, no trailing blank line
// included) produced by the HTTP framer once it has found "\r\n\r\n".
func ParseHeaderBlock(block string) (*Header, error) {
	lines := strings.Split(block, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("gonet/framing: empty header block")
	}
	h := &Header{known: make(map[Field]string), unknown: make(map[string]string)}
	if err := h.parseStartLine(lines[0]); err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := splitFieldLine(line)
		if !ok {
			continue
		}
		if f, ok := fieldsByLowerName[strings.ToLower(name)]; ok {
			h.SetField(f, value)
		} else {
			h.SetUnknownField(name, value)
		}
	}
	return h, nil
}

func (h *Header) parseStartLine(line string) error {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return fmt.Errorf("gonet/framing: malformed start line %q", line)
	}
	if proto, ok := protocolFromString(parts[0]); ok {
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("gonet/framing: malformed status code %q", parts[1])
		}
		h.Protocol = proto
		h.StatusCode = code
		return nil
	}
	if len(parts) != 3 {
		return fmt.Errorf("gonet/framing: malformed request line %q", line)
	}
	proto, ok := protocolFromString(parts[2])
	if !ok {
		return fmt.Errorf("gonet/framing: unknown protocol %q", parts[2])
	}
	h.Method = strings.ToUpper(parts[0])
	h.RequestTarget = parts[1]
	h.Protocol = proto
	return nil
}

func splitFieldLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// String renders the header as wire bytes: start line, fields, and
// the trailing blank line. Known fields are emitted in fieldOrder;
// unknown fields follow, sorted by name, so the output is
// deterministic across runs.
func (h *Header) String() string {
	var b strings.Builder
	if h.StatusCode > 0 {
		fmt.Fprintf(&b, "%s %d %s\r\n", protocolStrings[h.Protocol], h.StatusCode, statusText[h.StatusCode])
	} else {
		fmt.Fprintf(&b, "%s %s %s\r\n", h.Method, h.RequestTarget, protocolStrings[h.Protocol])
	}
	for _, f := range fieldOrder {
		if v, ok := h.known[f]; ok {
			fmt.Fprintf(&b, "%s: %s\r\n", fieldNames[f], v)
		}
	}
	unknownNames := make([]string, 0, len(h.unknown))
	for name := range h.unknown {
		unknownNames = append(unknownNames, name)
	}
	sort.Strings(unknownNames)
	for _, name := range unknownNames {
		fmt.Fprintf(&b, "%s: %s\r\n", name, h.unknown[name])
	}
	b.WriteString("\r\n")
	return b.String()
}
