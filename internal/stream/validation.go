package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("stream: malformed request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// validateRequestHeaders applies the HTTP/3 request header rules: lowercase names,
// pseudo-headers first and known, no connection-specific fields, and the pseudo-headers
// required for the method.
func validateRequestHeaders(headers [][2]string) error {
	var (
		method      string
		hasScheme   bool
		hasPath     bool
		hasAuth     bool
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)

	for _, h := range headers {
		name, value := h[0], h[1]
		if name == "" {
			return invalid("empty header field name")
		}
		if name != strings.ToLower(name) {
			return invalid("header field name must be lowercase: %s", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return invalid("invalid value for header %s", name)
		}

		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return invalid("pseudo-header %s appears after regular header", name)
			}
			if seenPseudo[name] {
				return invalid("duplicate pseudo-header: %s", name)
			}
			seenPseudo[name] = true

			switch name {
			case ":method":
				method = value
				if !httpguts.ValidHeaderFieldName(value) {
					return invalid("invalid :method %q", value)
				}
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if value == "" {
					return invalid("empty :path pseudo-header")
				}
			case ":authority":
				hasAuth = true
			default:
				return invalid("unknown pseudo-header: %s", name)
			}
			continue
		}

		seenRegular = true
		if !httpguts.ValidHeaderFieldName(name) {
			return invalid("invalid header field name %q", name)
		}
		switch name {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			return invalid("connection-specific header not allowed: %s", name)
		case "te":
			if value != "trailers" {
				return invalid("TE header must be 'trailers', got: %s", value)
			}
		}
	}

	if method == "" {
		return invalid("missing required :method pseudo-header")
	}
	if method == "CONNECT" {
		if hasScheme || hasPath {
			return invalid("CONNECT request must not carry :scheme or :path")
		}
		if !hasAuth {
			return invalid("CONNECT request requires :authority")
		}
		return nil
	}
	if !hasScheme {
		return invalid("missing required :scheme pseudo-header")
	}
	if !hasPath {
		return invalid("missing required :path pseudo-header")
	}
	return nil
}

// validateContentLength checks every content-length field against the body length.
func validateContentLength(headers [][2]string, bodyLength int) error {
	for _, h := range headers {
		if h[0] != "content-length" {
			continue
		}
		expected, err := strconv.ParseUint(h[1], 10, 63)
		if err != nil {
			return invalid("invalid content-length value: %s", h[1])
		}
		if expected != uint64(bodyLength) {
			return invalid("content-length (%d) does not match body length (%d)", expected, bodyLength)
		}
	}
	return nil
}

// validateResponseHeaders rejects response fields that cannot be sent on a request stream.
func validateResponseHeaders(headers [][2]string) error {
	for _, h := range headers {
		if strings.HasPrefix(h[0], ":") {
			return fmt.Errorf("stream: pseudo-header %s not allowed in response fields", h[0])
		}
		if !httpguts.ValidHeaderFieldName(h[0]) || h[0] != strings.ToLower(h[0]) {
			return fmt.Errorf("stream: invalid response header name %q", h[0])
		}
		if !httpguts.ValidHeaderFieldValue(h[1]) {
			return fmt.Errorf("stream: invalid value for response header %s", h[0])
		}
		switch h[0] {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			return fmt.Errorf("stream: connection-specific header not allowed: %s", h[0])
		}
	}
	return nil
}

// validateStreamID accepts only new client-initiated bidirectional streams.
func validateStreamID(streamID, lastClientStream uint64, seenAny bool) error {
	if streamID&0x3 != 0 {
		return fmt.Errorf("%w: %d is not a client-initiated bidirectional stream", ErrStreamID, streamID)
	}
	if seenAny && streamID <= lastClientStream {
		return fmt.Errorf("%w: %d is not greater than last stream %d", ErrStreamID, streamID, lastClientStream)
	}
	return nil
}
