package httpsession

import "strings"

// Handler processes a Request into a Response. Grounded on spec.md §6's
// external-interface contract: a handler is (request, response) -> error.
type Handler func(req *Request, resp *Response) error

// Route binds a path pattern to a Handler.
type Route struct {
	Pattern string
	Handler Handler
}

// Router is the static routing table consulted by the ProcessingRequest
// state. Per SPEC_FULL.md's supplemented feature #5, MatchPath does a
// real prefix match (the original's stub always returned true) and
// Dispatch deliberately keeps the original's "all matching handlers run,
// in registration order, stop only on error" behavior rather than
// selecting a single best match — treated as an intentional middleware
// chain, not the bug the source's ambiguity suggested it might be.
type Router struct {
	routes []Route
}

// NewRouter returns an empty Router.
func NewRouter() *Router { return &Router{} }

// Handle registers a handler for pattern, in the order routes are
// considered by Dispatch.
func (r *Router) Handle(pattern string, h Handler) {
	r.routes = append(r.routes, Route{Pattern: pattern, Handler: h})
}

// Routes returns the registered routes in registration order, for
// callers that build a Router ahead of handing it to runtime.Config via
// WithHTTPMapping.
func (r *Router) Routes() []Route {
	return r.routes
}

// MatchPath reports whether pattern matches path. A pattern ending in
// "/*" matches any path sharing its prefix (stripped of the "*"); any
// other pattern matches the path literally.
func MatchPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	}
	return pattern == path
}

// Dispatch runs every handler whose pattern matches req.Path, in
// registration order. If no handler matches, resp is set to 404. If a
// handler returns an error, resp is set to 500 and dispatch stops
// (spec.md §6).
func (r *Router) Dispatch(req *Request, resp *Response) error {
	matched := false
	for _, route := range r.routes {
		if !MatchPath(route.Pattern, req.Path) {
			continue
		}
		matched = true
		if err := route.Handler(req, resp); err != nil {
			resp.StatusCode = 500
			resp.SetBody([]byte("internal server error"))
			return err
		}
	}
	if !matched {
		resp.StatusCode = 404
		resp.SetBody([]byte("not found"))
	}
	return nil
}
