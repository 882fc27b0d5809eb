package h3stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/FumingPower3925/h3stream/internal/date"
	"github.com/FumingPower3925/h3stream/internal/stream"
)

// ErrNoResponseWriter is returned when a context has nowhere to send its response.
var ErrNoResponseWriter = errors.New("h3stream: no response writer")

// Context is one request/response exchange. The response is buffered and sent when
// the handler chain returns, so middleware may still rewrite it after next runs.
// The request body is only valid until then.
type Context struct {
	StreamID        uint64
	headers         Headers
	body            *bytes.Reader
	bodyLen         int
	statusCode      int
	responseHeaders Headers
	responseBody    *bytes.Buffer
	ctx             context.Context
	values          map[string]any
	params          [][2]string
	priority        stream.Priority
	written         bool
	// cached pseudo-headers for fast access
	method    string
	path      string
	scheme    string
	authority string
	query     url.Values
}

var responseBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Headers represents header fields with lowercase names.
type Headers struct {
	headers [][2]string
	index   map[string]int
}

// NewHeaders creates a new Headers instance.
func NewHeaders() Headers {
	return Headers{headers: make([][2]string, 0, 8)}
}

// Set sets a header value, replacing any existing value. Names are lowercased as
// HTTP/3 requires.
func (h *Headers) Set(key, value string) {
	lowerKey := strings.ToLower(key)
	// index is built lazily so read-only requests never allocate it
	if h.index == nil {
		h.index = make(map[string]int, len(h.headers)+2)
		for i := range h.headers {
			if _, ok := h.index[h.headers[i][0]]; !ok {
				h.index[h.headers[i][0]] = i
			}
		}
	}
	if idx, ok := h.index[lowerKey]; ok {
		h.headers[idx][1] = value
		return
	}
	h.index[lowerKey] = len(h.headers)
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Add appends a value without replacing earlier ones.
func (h *Headers) Add(key, value string) {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if _, ok := h.index[lowerKey]; !ok {
			h.index[lowerKey] = len(h.headers)
		}
	}
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Get returns the first value of key, or "".
func (h *Headers) Get(key string) string {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if idx, ok := h.index[lowerKey]; ok {
			return h.headers[idx][1]
		}
		return ""
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return h.headers[i][1]
		}
	}
	return ""
}

// Values returns every value of key in order.
func (h *Headers) Values(key string) []string {
	lowerKey := strings.ToLower(key)
	var out []string
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			out = append(out, h.headers[i][1])
		}
	}
	return out
}

// Del removes every value of key.
func (h *Headers) Del(key string) {
	lowerKey := strings.ToLower(key)
	kept := h.headers[:0]
	for _, f := range h.headers {
		if f[0] != lowerKey {
			kept = append(kept, f)
		}
	}
	h.headers = kept
	h.index = nil
}

// All returns all headers as a slice of name/value pairs.
func (h *Headers) All() [][2]string {
	return h.headers
}

// Has checks if a header exists.
func (h *Headers) Has(key string) bool {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		_, ok := h.index[lowerKey]
		return ok
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return true
		}
	}
	return false
}

func newContext(ctx context.Context, s *stream.Stream) *Context {
	data := s.GetData()
	c := &Context{
		StreamID:        s.ID,
		headers:         Headers{headers: make([][2]string, 0, len(s.Headers))},
		body:            bytes.NewReader(data),
		bodyLen:         len(data),
		statusCode:      200,
		responseHeaders: NewHeaders(),
		responseBody:    responseBufPool.Get().(*bytes.Buffer),
		ctx:             ctx,
		priority:        s.Priority,
	}
	c.responseBody.Reset()

	for _, f := range s.Headers {
		switch f[0] {
		case ":method":
			c.method = f[1]
		case ":path":
			c.path = f[1]
		case ":scheme":
			c.scheme = f[1]
		case ":authority":
			c.authority = f[1]
		}
		c.headers.headers = append(c.headers.headers, f)
	}
	return c
}

func (c *Context) release() {
	if c.responseBody != nil && c.responseBody.Cap() <= 1<<20 {
		c.responseBody.Reset()
		responseBufPool.Put(c.responseBody)
	}
	c.responseBody = nil
	c.values = nil
	c.params = nil
}

// Method returns the request method.
func (c *Context) Method() string { return c.method }

// Path returns the request target without its query string.
func (c *Context) Path() string {
	if i := strings.IndexByte(c.path, '?'); i >= 0 {
		return c.path[:i]
	}
	return c.path
}

// RawPath returns the :path pseudo-header as received.
func (c *Context) RawPath() string { return c.path }

// Scheme returns the request scheme.
func (c *Context) Scheme() string { return c.scheme }

// Authority returns the request authority (host).
func (c *Context) Authority() string { return c.authority }

// Header returns the request headers, pseudo-headers included.
func (c *Context) Header() *Headers {
	return &c.headers
}

// Body returns the request body reader.
func (c *Context) Body() io.Reader {
	return c.body
}

// BodyBytes reads the remaining request body.
func (c *Context) BodyBytes() ([]byte, error) {
	return io.ReadAll(c.body)
}

// ContentLength returns the number of body bytes received.
func (c *Context) ContentLength() int { return c.bodyLen }

// BindJSON decodes the request body into v.
func (c *Context) BindJSON(v any) error {
	data, err := c.BodyBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Priority returns the priority the client signalled for this response.
func (c *Context) Priority() stream.Priority { return c.priority }

// Query returns the first value of a query parameter.
func (c *Context) Query(key string) string {
	if c.query == nil {
		raw := ""
		if i := strings.IndexByte(c.path, '?'); i >= 0 {
			raw = c.path[i+1:]
		}
		// malformed pairs are skipped; the rest still parse
		c.query, _ = url.ParseQuery(raw)
	}
	return c.query.Get(key)
}

// Context returns the request context.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Set stores a value for later middleware or handlers.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get retrieves a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Param returns the value of a route parameter matched by a Router.
func (c *Context) Param(name string) string {
	for _, p := range c.params {
		if p[0] == name {
			return p[1]
		}
	}
	return ""
}

// SetStatus sets the response status code.
func (c *Context) SetStatus(code int) {
	c.statusCode = code
}

// Status returns the current response status code.
func (c *Context) Status() int {
	return c.statusCode
}

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) {
	c.responseHeaders.Set(key, value)
}

// ResponseHeader returns the response headers set so far.
func (c *Context) ResponseHeader() *Headers {
	return &c.responseHeaders
}

// ResponseBody returns the buffered response body.
func (c *Context) ResponseBody() []byte {
	return c.responseBody.Bytes()
}

// Write appends data to the response body.
func (c *Context) Write(data []byte) (int, error) {
	c.written = true
	return c.responseBody.Write(data)
}

// WriteString appends a string to the response body.
func (c *Context) WriteString(s string) (int, error) {
	c.written = true
	return c.responseBody.WriteString(s)
}

// Data sets a response with a content type and body.
func (c *Context) Data(status int, contentType string, data []byte) error {
	c.statusCode = status
	c.responseHeaders.Set("content-type", contentType)
	c.responseBody.Reset()
	_, err := c.Write(data)
	return err
}

// String sets a formatted text response.
func (c *Context) String(status int, format string, values ...any) error {
	return c.Data(status, "text/plain; charset=utf-8", fmt.Appendf(nil, format, values...))
}

// JSON sets a JSON response.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Data(status, "application/json", data)
}

// NoContent sets a response with no body.
func (c *Context) NoContent(status int) error {
	c.statusCode = status
	c.responseBody.Reset()
	c.written = true
	return nil
}

// Written reports whether a response was set.
func (c *Context) Written() bool { return c.written }

// flush hands the buffered response to w.
func (c *Context) flush(w stream.ResponseWriter) error {
	if w == nil {
		return ErrNoResponseWriter
	}
	if !c.responseHeaders.Has("date") {
		c.responseHeaders.Set("date", date.Current())
	}
	body := c.responseBody.Bytes()
	if bodyAllowed(c.statusCode) {
		c.responseHeaders.Set("content-length", strconv.Itoa(len(body)))
		// HEAD keeps the length the GET response would have had
		if c.method == "HEAD" {
			body = nil
		}
	} else {
		c.responseHeaders.Del("content-length")
		body = nil
	}
	return w.WriteResponse(c.StreamID, c.statusCode, c.responseHeaders.All(), body)
}

func bodyAllowed(status int) bool {
	return status != 204 && status != 304
}
