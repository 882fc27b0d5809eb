package h3stream

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/FumingPower3925/h3stream/internal/stream"
)

func TestHeaders(t *testing.T) {
	h := NewHeaders()
	h.Set("Content-Type", "text/plain")
	h.Add("Set-Cookie", "a=1")
	h.Add("set-cookie", "b=2")
	h.Set("content-type", "application/json")

	if got := h.Get("CONTENT-TYPE"); got != "application/json" {
		t.Errorf("Get(content-type) = %q", got)
	}
	if got := h.Values("set-cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Values(set-cookie) = %v", got)
	}
	if !h.Has("Set-Cookie") || h.Has("x-missing") {
		t.Errorf("Has() mismatch")
	}
	h.Del("set-cookie")
	if h.Has("set-cookie") || len(h.All()) != 1 {
		t.Errorf("after Del: %v", h.All())
	}
	h.Set("x-after", "1")
	if h.Get("x-after") != "1" || h.Get("content-type") != "application/json" {
		t.Errorf("index rebuilt wrong: %v", h.All())
	}
}

func TestContext_RequestAccessors(t *testing.T) {
	headers := request("POST", "/items?id=7&tag=a&tag=b",
		[2]string{"content-type", "application/json"},
		[2]string{"priority", "u=1, i"},
	)
	ctx := newTestContext(t, headers, []byte(`{"name":"widget"}`))

	if ctx.Method() != "POST" || ctx.Path() != "/items" || ctx.RawPath() != "/items?id=7&tag=a&tag=b" {
		t.Errorf("method=%q path=%q raw=%q", ctx.Method(), ctx.Path(), ctx.RawPath())
	}
	if ctx.Scheme() != "https" || ctx.Authority() != "example.com" {
		t.Errorf("scheme=%q authority=%q", ctx.Scheme(), ctx.Authority())
	}
	if ctx.Query("id") != "7" || ctx.Query("tag") != "a" || ctx.Query("none") != "" {
		t.Errorf("query parsing wrong")
	}
	if ctx.Header().Get("Content-Type") != "application/json" {
		t.Errorf("header lookup failed")
	}
	if ctx.ContentLength() != 17 {
		t.Errorf("ContentLength() = %d", ctx.ContentLength())
	}
	if p := ctx.Priority(); p != (stream.Priority{Urgency: 1, Incremental: true}) {
		t.Errorf("Priority() = %+v", p)
	}

	var v struct{ Name string }
	if err := ctx.BindJSON(&v); err != nil || v.Name != "widget" {
		t.Fatalf("BindJSON() = %+v, %v", v, err)
	}
	if rest, _ := io.ReadAll(ctx.Body()); len(rest) != 0 {
		t.Errorf("body not consumed: %q", rest)
	}
}

func TestContext_Values(t *testing.T) {
	ctx := newTestContext(t, request("GET", "/"), nil)
	if _, ok := ctx.Get("k"); ok {
		t.Fatal("Get on empty context succeeded")
	}
	ctx.Set("k", 42)
	if v, ok := ctx.Get("k"); !ok || v != 42 {
		t.Errorf("Get(k) = %v, %v", v, ok)
	}
}

func writeQueued(c *Context) error {
	c.SetStatus(202)
	_, err := c.WriteString("queued")
	return err
}

func writeThenNoContent(c *Context) error {
	_, _ = c.WriteString("ignored")
	return c.NoContent(204)
}

func TestContext_Flush(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		status  int
		body    string
		length  string
		ctype   string
	}{
		{
			name:    "string",
			handler: func(c *Context) error { return c.String(201, "made %d", 3) },
			status:  201,
			body:    "made 3",
			length:  "6",
			ctype:   "text/plain; charset=utf-8",
		},
		{
			name:    "json",
			handler: func(c *Context) error { return c.JSON(200, map[string]int{"n": 1}) },
			status:  200,
			body:    `{"n":1}`,
			length:  "7",
			ctype:   "application/json",
		},
		{
			name:    "write",
			handler: writeQueued,
			status:  202,
			body:    "queued",
			length:  "6",
		},
		{
			name:    "no content drops body",
			handler: writeThenNoContent,
			status:  204,
		},
		{
			name:    "implicit ok",
			handler: func(*Context) error { return nil },
			status:  200,
			length:  "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := serve(t, tt.handler, request("GET", "/"), nil)
			if err != nil {
				t.Fatalf("HandleStream() error = %v", err)
			}
			if w.calls != 1 || w.id != 4 || w.status != tt.status || string(w.body) != tt.body {
				t.Fatalf("response = %+v", w)
			}
			if got := w.header("content-length"); got != tt.length {
				t.Errorf("content-length = %q, want %q", got, tt.length)
			}
			if got := w.header("content-type"); got != tt.ctype {
				t.Errorf("content-type = %q, want %q", got, tt.ctype)
			}
			if _, err := http.ParseTime(w.header("date")); err != nil {
				t.Errorf("date = %q: %v", w.header("date"), err)
			}
		})
	}
}

func TestAdapter_HandlerError(t *testing.T) {
	boom := errors.New("boom")

	w, err := serve(t, HandlerFunc(func(*Context) error { return boom }), request("GET", "/"), nil)
	if !errors.Is(err, boom) || w.calls != 0 {
		t.Errorf("unwritten error: err=%v calls=%d", err, w.calls)
	}

	w, err = serve(t, HandlerFunc(func(c *Context) error {
		_ = c.String(404, "missing")
		return boom
	}), request("GET", "/"), nil)
	if err != nil || w.calls != 1 || w.status != 404 {
		t.Errorf("written error: err=%v response=%+v", err, w)
	}
}

func TestContext_FlushWithoutWriter(t *testing.T) {
	ctx := newTestContext(t, request("GET", "/"), nil)
	if err := ctx.flush(nil); !errors.Is(err, ErrNoResponseWriter) {
		t.Errorf("flush(nil) error = %v", err)
	}
}
