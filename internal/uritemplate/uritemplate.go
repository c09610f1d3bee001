// Package uritemplate parses path templates made of literal segments and
// {name} placeholders, matches request paths against them and expands them
// into URLs.
package uritemplate

import (
	"fmt"
	"net/url"
	"strings"
)

// Template is a parsed template. It is immutable and safe for concurrent use.
type Template struct {
	raw   string
	parts []part
	vars  []string
}

// part is either a literal run of text or a placeholder name.
type part struct {
	literal string
	name    string
}

func (p part) isVar() bool { return p.name != "" }

// Parse parses a template such as "/cpf/{id}" or
// "https://api.example/{tenant}/cpf/{id}".
func Parse(raw string) (*Template, error) {
	t := &Template{raw: raw}
	seen := make(map[string]bool)

	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if closeIdx := strings.IndexByte(rest, '}'); closeIdx != -1 && (open == -1 || closeIdx < open) {
			return nil, fmt.Errorf("template %q: unexpected '}'", raw)
		}
		if open == -1 {
			t.parts = append(t.parts, part{literal: rest})
			break
		}
		if open > 0 {
			t.parts = append(t.parts, part{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end == -1 {
			return nil, fmt.Errorf("template %q: unterminated placeholder", raw)
		}
		name := rest[open+1 : open+end]
		if name == "" {
			return nil, fmt.Errorf("template %q: empty placeholder name", raw)
		}
		if strings.ContainsAny(name, "{/") {
			return nil, fmt.Errorf("template %q: invalid placeholder %q", raw, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("template %q: duplicate placeholder %q", raw, name)
		}
		seen[name] = true
		t.parts = append(t.parts, part{name: name})
		t.vars = append(t.vars, name)
		rest = rest[open+end+1:]
	}
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) *Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the raw template.
func (t *Template) String() string { return t.raw }

// Vars returns placeholder names in declaration order.
func (t *Template) Vars() []string {
	out := make([]string, len(t.vars))
	copy(out, t.vars)
	return out
}

// Expand substitutes vars into the template. Values are path-escaped.
// Every placeholder must be bound.
func (t *Template) Expand(vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, p := range t.parts {
		if !p.isVar() {
			b.WriteString(p.literal)
			continue
		}
		v, ok := vars[p.name]
		if !ok {
			return "", fmt.Errorf("template %q: variable %q not bound", t.raw, p.name)
		}
		b.WriteString(url.PathEscape(v))
	}
	return b.String(), nil
}

// PathPattern is a template compiled for segment-wise path matching.
// A placeholder must occupy a whole segment.
type PathPattern struct {
	tmpl     *Template
	segments []segment
}

type segment struct {
	literal string
	name    string
}

// CompilePath parses a path template and checks that every placeholder is
// a full segment.
func CompilePath(raw string) (*PathPattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("path template %q must start with '/'", raw)
	}
	t, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	pp := &PathPattern{tmpl: t}
	for _, s := range strings.Split(raw[1:], "/") {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && strings.Count(s, "{") == 1 {
			pp.segments = append(pp.segments, segment{name: s[1 : len(s)-1]})
			continue
		}
		if strings.ContainsAny(s, "{}") {
			return nil, fmt.Errorf("path template %q: placeholder must span a whole segment", raw)
		}
		pp.segments = append(pp.segments, segment{literal: s})
	}
	return pp, nil
}

// Template returns the underlying template.
func (pp *PathPattern) Template() *Template { return pp.tmpl }

// Match reports whether path structurally matches the pattern and returns
// the bound variables. Placeholders bind exactly one non-empty segment;
// bound values are unescaped.
func (pp *PathPattern) Match(path string) (map[string]string, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	rest := path[1:]
	var vars map[string]string
	for i, seg := range pp.segments {
		var cur string
		if i == len(pp.segments)-1 {
			if strings.IndexByte(rest, '/') != -1 {
				return nil, false
			}
			cur = rest
		} else {
			slash := strings.IndexByte(rest, '/')
			if slash == -1 {
				return nil, false
			}
			cur, rest = rest[:slash], rest[slash+1:]
		}

		if seg.name == "" {
			if cur != seg.literal {
				return nil, false
			}
			continue
		}
		if cur == "" {
			return nil, false
		}
		if unescaped, err := url.PathUnescape(cur); err == nil {
			cur = unescaped
		}
		if vars == nil {
			vars = make(map[string]string, len(pp.tmpl.vars))
		}
		vars[seg.name] = cur
	}
	if vars == nil {
		vars = map[string]string{}
	}
	return vars, true
}
