package rule

import (
	"fmt"
	"path"
	"strings"
)

// Identity is a rule that contains and conflicts only with itself.
// Use it to serialize jobs that share nothing but the rule value.
type Identity struct {
	name string
}

// NewIdentity returns a fresh identity rule. Two calls with the same name
// still yield distinct, non-conflicting rules.
func NewIdentity(name string) *Identity { return &Identity{name: name} }

func (r *Identity) Contains(other Rule) bool {
	o, ok := other.(*Identity)
	return ok && o == r
}

func (r *Identity) IsConflicting(other Rule) bool {
	o, ok := other.(*Identity)
	return ok && o == r
}

func (r *Identity) String() string { return "Identity(" + r.name + ")" }

// Path is a hierarchical resource rule: "/a" contains "/a/b", and two paths
// conflict when either contains the other. Paths are cleaned on
// construction; the root "/" contains every path.
type Path string

// NewPath cleans p and roots it at "/".
func NewPath(p string) Path {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return Path(path.Clean(p))
}

func (p Path) Contains(other Rule) bool {
	o, ok := other.(Path)
	if !ok {
		return false
	}
	if p == o || p == "/" {
		return true
	}
	return strings.HasPrefix(string(o), string(p)+"/")
}

func (p Path) IsConflicting(other Rule) bool {
	o, ok := other.(Path)
	if !ok {
		return false
	}
	return p.Contains(o) || o.Contains(p)
}

func (p Path) String() string { return "Path(" + string(p) + ")" }

func describe(r Rule) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
