package variables

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// varPattern matches $variable_name
var varPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Template is a parsed access log format.
type Template struct {
	raw   string
	parts []part
}

type part struct {
	variable bool
	value    string // literal text or variable name
}

// ParseTemplate splits format into literal text and $variables.
func ParseTemplate(format string) *Template {
	t := &Template{raw: format}
	last := 0
	for _, loc := range varPattern.FindAllStringSubmatchIndex(format, -1) {
		if loc[0] > last {
			t.parts = append(t.parts, part{value: format[last:loc[0]]})
		}
		t.parts = append(t.parts, part{variable: true, value: format[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(format) {
		t.parts = append(t.parts, part{value: format[last:]})
	}
	return t
}

// Vars returns the variable names used by the template, in order of first
// appearance.
func (t *Template) Vars() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range t.parts {
		if p.variable && !seen[p.value] {
			seen[p.value] = true
			out = append(out, p.value)
		}
	}
	return out
}

// Render resolves every variable against c. Unknown variables render empty.
func (t *Template) Render(c *Context) string {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, p := range t.parts {
		if !p.variable {
			b.WriteString(p.value)
			continue
		}
		v, _ := Get(p.value, c)
		b.WriteString(v)
	}
	return b.String()
}

// Get returns the value of a single variable.
// Dynamic variables are http_<header> and path_<param>.
func Get(name string, c *Context) (string, bool) {
	if c == nil {
		return "", false
	}
	r := c.Request

	if h, ok := strings.CutPrefix(name, "http_"); ok && r != nil {
		return r.Header.Get(strings.ReplaceAll(h, "_", "-")), true
	}
	if p, ok := strings.CutPrefix(name, "path_"); ok {
		v, found := c.PathParams[p]
		return v, found
	}

	switch name {
	case "request_id":
		return c.RequestID, true
	case "route_id":
		return c.RouteID, true
	case "client":
		return c.ClientName, true
	case "api":
		return c.APIName, true
	case "origin":
		return c.Origin, true
	case "error_kind":
		return c.ErrorKind, true
	case "status":
		return strconv.Itoa(c.Status), true
	case "body_bytes_sent":
		return strconv.FormatInt(c.BodyBytesSent, 10), true
	case "response_time":
		return strconv.FormatFloat(float64(c.ResponseTime)/float64(time.Millisecond), 'f', 3, 64), true
	case "upstream_addr":
		return c.UpstreamAddr, true
	case "upstream_status":
		return strconv.Itoa(c.UpstreamStatus), true
	case "upstream_response_time":
		return strconv.FormatFloat(float64(c.UpstreamResponseTime)/float64(time.Millisecond), 'f', 3, 64), true
	case "time_iso8601":
		return time.Now().Format(time.RFC3339), true
	}

	if r == nil {
		return "", false
	}
	switch name {
	case "request_method":
		return r.Method, true
	case "request_uri":
		return r.RequestURI, true
	case "request_path":
		return r.URL.Path, true
	case "query_string":
		return r.URL.RawQuery, true
	case "remote_addr":
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr, true
		}
		return host, true
	case "host":
		return r.Host, true
	case "user_agent":
		return r.UserAgent(), true
	}
	return "", false
}
