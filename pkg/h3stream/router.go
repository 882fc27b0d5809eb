package h3stream

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// HTTPError is a handler error carrying the status to respond with.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

// NewHTTPError creates an HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}

func (e *HTTPError) Error() string {
	return e.Message
}

// WithDetails attaches details rendered in JSON error responses.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// ErrorHandler renders a handler error into the response.
type ErrorHandler func(ctx *Context, err error) error

// DefaultErrorHandler responds with the HTTPError status, or 500 for other errors.
// Clients that accept JSON get a JSON body.
func DefaultErrorHandler(ctx *Context, err error) error {
	code, msg := 500, http.StatusText(500)
	var details any
	var he *HTTPError
	if errors.As(err, &he) {
		code, msg, details = he.Code, he.Message, he.Details
	}
	ctx.responseHeaders = NewHeaders()
	if strings.Contains(ctx.Header().Get("accept"), "application/json") {
		body := map[string]any{"error": msg, "code": code}
		if details != nil {
			body["details"] = details
		}
		return ctx.JSON(code, body)
	}
	return ctx.String(code, "%s", msg)
}

type routeNode struct {
	segment  string
	handlers map[string]Handler
	static   map[string]*routeNode
	param    *routeNode
	wild     *routeNode
	name     string
}

func newRouteNode(segment string) *routeNode {
	return &routeNode{segment: segment, static: make(map[string]*routeNode)}
}

// Router dispatches requests by method and path. Patterns use ":name" for one
// segment and "*name" for the remainder of the path; static segments win over
// parameters, which win over wildcards.
type Router struct {
	root         *routeNode
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// NewRouter returns a Router answering 404 for unknown paths and 405 for known
// paths without a handler for the method.
func NewRouter() *Router {
	return &Router{
		root: newRouteNode(""),
		notFound: HandlerFunc(func(ctx *Context) error {
			return ctx.String(404, "Not Found")
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// Use appends middleware applied to every routed request.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound replaces the handler for unmatched paths.
func (r *Router) NotFound(h Handler) {
	r.notFound = h
}

// ErrorHandler replaces the handler rendering returned errors. A nil handler
// passes errors on, so the stream layer answers 500.
func (r *Router) ErrorHandler(h ErrorHandler) {
	r.errorHandler = h
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, h HandlerFunc) { r.Handle("GET", path, h) }

// POST registers a handler for POST requests.
func (r *Router) POST(path string, h HandlerFunc) { r.Handle("POST", path, h) }

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, h HandlerFunc) { r.Handle("PUT", path, h) }

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, h HandlerFunc) { r.Handle("DELETE", path, h) }

// Handle registers h for method and the path pattern. It panics on a malformed
// pattern or a duplicate route.
func (r *Router) Handle(method, path string, h Handler) {
	if path == "" || path[0] != '/' {
		panic(fmt.Sprintf("h3stream: route %q must begin with '/'", path))
	}
	n := r.root
	segments := splitPath(path)
	for i, seg := range segments {
		switch seg[0] {
		case ':':
			if n.param == nil {
				n.param = newRouteNode(seg)
				n.param.name = seg[1:]
			} else if n.param.name != seg[1:] {
				panic(fmt.Sprintf("h3stream: route %q conflicts with parameter %q", path, n.param.name))
			}
			n = n.param
		case '*':
			if i != len(segments)-1 {
				panic(fmt.Sprintf("h3stream: wildcard must be the last segment in %q", path))
			}
			if n.wild == nil {
				n.wild = newRouteNode(seg)
				n.wild.name = seg[1:]
			}
			n = n.wild
		default:
			child, ok := n.static[seg]
			if !ok {
				child = newRouteNode(seg)
				n.static[seg] = child
			}
			n = child
		}
	}
	if n.handlers == nil {
		n.handlers = make(map[string]Handler)
	}
	if _, dup := n.handlers[method]; dup {
		panic(fmt.Sprintf("h3stream: duplicate route %s %s", method, path))
	}
	n.handlers[method] = h
}

// Group returns a group registering routes under prefix with extra middleware.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{router: r, prefix: strings.TrimSuffix(prefix, "/"), middlewares: middlewares}
}

// ServeH3 routes the request and renders any returned error with the error handler.
func (r *Router) ServeH3(ctx *Context) error {
	h := r.route(ctx)
	if len(r.middlewares) > 0 {
		h = Chain(r.middlewares...)(h)
	}
	err := h.ServeH3(ctx)
	if err == nil || r.errorHandler == nil {
		return err
	}
	return r.errorHandler(ctx, err)
}

func (r *Router) route(ctx *Context) Handler {
	n, params := r.root.match(splitPath(ctx.Path()), nil)
	if n == nil || len(n.handlers) == 0 {
		return r.notFound
	}
	ctx.params = params
	if h, ok := n.handlers[ctx.Method()]; ok {
		return h
	}
	if h, ok := n.handlers["GET"]; ok && ctx.Method() == "HEAD" {
		return h
	}
	allow := make([]string, 0, len(n.handlers))
	for m := range n.handlers {
		allow = append(allow, m)
	}
	slices.Sort(allow)
	return HandlerFunc(func(ctx *Context) error {
		ctx.SetHeader("allow", strings.Join(allow, ", "))
		return ctx.String(405, "Method Not Allowed")
	})
}

func (n *routeNode) match(segments []string, params [][2]string) (*routeNode, [][2]string) {
	if len(segments) == 0 {
		if len(n.handlers) == 0 && n.wild != nil {
			return n.wild, append(params, [2]string{n.wild.name, ""})
		}
		return n, params
	}
	seg, rest := segments[0], segments[1:]
	if child, ok := n.static[seg]; ok {
		if found, p := child.match(rest, params); found != nil && len(found.handlers) > 0 {
			return found, p
		}
	}
	if n.param != nil {
		if found, p := n.param.match(rest, append(params, [2]string{n.param.name, seg})); found != nil && len(found.handlers) > 0 {
			return found, p
		}
	}
	if n.wild != nil {
		return n.wild, append(params, [2]string{n.wild.name, strings.Join(segments, "/")})
	}
	return nil, params
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Group registers routes sharing a path prefix and middleware.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Use appends middleware applied to routes registered afterwards.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, h HandlerFunc) { g.Handle("GET", path, h) }

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, h HandlerFunc) { g.Handle("POST", path, h) }

// Handle registers h for method under the group prefix.
func (g *Group) Handle(method, path string, h Handler) {
	if len(g.middlewares) > 0 {
		h = Chain(g.middlewares...)(h)
	}
	g.router.Handle(method, g.prefix+path, h)
}

// Group returns a nested group.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:      g.router,
		prefix:      g.prefix + strings.TrimSuffix(prefix, "/"),
		middlewares: append(slices.Clone(g.middlewares), middlewares...),
	}
}
