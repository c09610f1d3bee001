// Package variables carries per-request broker state between middleware and
// the broker pipeline, and renders $variable access log formats from it.
package variables

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Context holds what is known about one inbound request.
type Context struct {
	Request    *http.Request
	RequestID  string
	RouteID    string
	PathParams map[string]string
	ClientName string
	APIName    string

	UpstreamAddr         string
	UpstreamStatus       int
	UpstreamResponseTime time.Duration

	StartTime     time.Time
	ResponseTime  time.Duration
	Status        int
	BodyBytesSent int64
	Origin        string
	ErrorKind     string
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it for r.
func AcquireContext(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes c and returns it to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// RequestContextKey is the context key for storing the variable context.
type RequestContextKey struct{}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, RequestContextKey{}, c)
}

// FromContext returns the variable context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(RequestContextKey{}).(*Context)
	return c, ok
}

// GetFromRequest extracts the variable context from r. Requests that did not
// pass through the request ID middleware get a fresh, unpooled context.
func GetFromRequest(r *http.Request) *Context {
	if c, ok := FromContext(r.Context()); ok {
		return c
	}
	return &Context{Request: r, StartTime: time.Now()}
}
