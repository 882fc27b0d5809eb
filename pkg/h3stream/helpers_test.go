package h3stream

import (
	"context"
	"strconv"
	"testing"

	"github.com/FumingPower3925/h3stream/internal/stream"
)

type captured struct {
	calls   int
	id      uint64
	status  int
	headers [][2]string
	body    []byte
}

func (c *captured) WriteResponse(id uint64, status int, headers [][2]string, body []byte) error {
	c.calls++
	c.id = id
	c.status = status
	c.headers = append([][2]string(nil), headers...)
	c.body = append([]byte(nil), body...)
	return nil
}

func (c *captured) header(name string) string {
	for _, h := range c.headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

func request(method, path string, extra ...[2]string) [][2]string {
	h := [][2]string{
		{":method", method},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", path},
	}
	return append(h, extra...)
}

func newTestStream(t *testing.T, id uint64, headers [][2]string, body []byte) (*stream.Stream, *captured) {
	t.Helper()
	s := stream.NewStream(id)
	s.Headers = headers
	s.Data.Write(body)
	for _, h := range headers {
		if h[0] == "priority" {
			s.Priority = stream.ParsePriority(h[1])
		}
	}
	w := &captured{}
	s.ResponseWriter = w
	return s, w
}

func newTestContext(t *testing.T, headers [][2]string, body []byte) *Context {
	t.Helper()
	s, _ := newTestStream(t, 0, headers, body)
	return newContext(context.Background(), s)
}

// serve runs h the way the server does and returns what was written.
func serve(t *testing.T, h Handler, headers [][2]string, body []byte) (*captured, error) {
	t.Helper()
	s, w := newTestStream(t, 4, headers, body)
	a := &streamHandlerAdapter{handler: h}
	err := a.HandleStream(context.Background(), s)
	return w, err
}

func itoa(n int) string { return strconv.Itoa(n) }
