package scripting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Capability is a named permission a script may be granted.
type Capability string

const (
	CapConsoleWrite  Capability = "console_write"
	CapEntityRead    Capability = "entity_read"
	CapEntityWrite   Capability = "entity_write"
	CapFileRead      Capability = "file_read"
	CapFileWrite     Capability = "file_write"
	CapNetworkAccess Capability = "network_access"
	CapSystemInfo    Capability = "system_info"
)

var knownCapabilities = map[Capability]struct{}{
	CapConsoleWrite:  {},
	CapEntityRead:    {},
	CapEntityWrite:   {},
	CapFileRead:      {},
	CapFileWrite:     {},
	CapNetworkAccess: {},
	CapSystemInfo:    {},
}

// Label is the upper-case spelling used in error messages (FILE_READ).
func (c Capability) Label() string { return strings.ToUpper(string(c)) }

// Grant is one capability with an optional scope. Only file_read and
// file_write take a scope: a path glob where "**" crosses directories.
type Grant struct {
	Cap   Capability
	Scope string
}

func (g Grant) String() string {
	if g.Scope == "" {
		return string(g.Cap)
	}
	return fmt.Sprintf("%s(%s)", g.Cap, g.Scope)
}

// ParseGrant accepts "console_write", "FILE_READ", "file_read(/assets/**)"
// and "file_read{glob=/assets/**}".
func ParseGrant(s string) (Grant, error) {
	s = strings.TrimSpace(s)
	name, scope := s, ""
	if i := strings.IndexAny(s, "({"); i >= 0 {
		closer := ")"
		if s[i] == '{' {
			closer = "}"
		}
		if !strings.HasSuffix(s, closer) {
			return Grant{}, InvalidArguments("capabilities", "malformed capability %q", s)
		}
		name = strings.TrimSpace(s[:i])
		scope = strings.TrimSpace(s[i+1 : len(s)-1])
		scope = strings.TrimPrefix(scope, "glob=")
	}
	c := Capability(strings.ToLower(name))
	if _, ok := knownCapabilities[c]; !ok {
		return Grant{}, InvalidArguments("capabilities", "unknown capability %q", name)
	}
	if scope != "" && c != CapFileRead && c != CapFileWrite {
		return Grant{}, InvalidArguments("capabilities", "capability %s takes no scope", c)
	}
	return Grant{Cap: c, Scope: scope}, nil
}

// ParseGrants parses a list, stopping at the first invalid entry.
func ParseGrants(list []string) ([]Grant, error) {
	out := make([]Grant, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		g, err := ParseGrant(s)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// scopedGlobs is a set of path globs; a path passes when any glob matches.
type scopedGlobs struct {
	patterns []string
	globs    []glob.Glob
}

func (s *scopedGlobs) add(pattern string) error {
	if pattern == "" {
		pattern = "/**"
	}
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return InvalidArguments("capabilities", "bad path glob %q: %v", pattern, err)
	}
	s.patterns = append(s.patterns, pattern)
	s.globs = append(s.globs, g)
	return nil
}

func (s *scopedGlobs) match(p string) bool {
	for _, g := range s.globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// Capabilities is the immutable permission set bound to an instance.
// A scoped capability may carry several layers of globs (what the script
// declared and what the host granted); a path must pass every layer.
type Capabilities struct {
	flags  map[Capability]bool
	scopes map[Capability][]*scopedGlobs
}

// NewCapabilities builds a set from grants.
func NewCapabilities(grants []Grant) (*Capabilities, error) {
	c := &Capabilities{
		flags:  make(map[Capability]bool),
		scopes: make(map[Capability][]*scopedGlobs),
	}
	layer := map[Capability]*scopedGlobs{}
	for _, g := range grants {
		c.flags[g.Cap] = true
		if g.Cap != CapFileRead && g.Cap != CapFileWrite {
			continue
		}
		sg := layer[g.Cap]
		if sg == nil {
			sg = &scopedGlobs{}
			layer[g.Cap] = sg
		}
		if err := sg.add(g.Scope); err != nil {
			return nil, err
		}
	}
	for cp, sg := range layer {
		c.scopes[cp] = []*scopedGlobs{sg}
	}
	return c, nil
}

// MustCapabilities is NewCapabilities for literals in wiring code and tests.
func MustCapabilities(grants ...string) *Capabilities {
	gs, err := ParseGrants(grants)
	if err != nil {
		panic(err)
	}
	c, err := NewCapabilities(gs)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Capabilities) Has(cp Capability) bool {
	return c != nil && c.flags[cp]
}

// AllowsPath reports whether p (a clean, rooted, slash-separated path)
// passes every scope layer of cp.
func (c *Capabilities) AllowsPath(cp Capability, p string) bool {
	if !c.Has(cp) {
		return false
	}
	for _, layer := range c.scopes[cp] {
		if !layer.match(p) {
			return false
		}
	}
	return true
}

// Intersect returns the capabilities present in both sets. Scoped
// capabilities keep the globs of both sides as separate layers.
func (c *Capabilities) Intersect(other *Capabilities) *Capabilities {
	out := &Capabilities{
		flags:  make(map[Capability]bool),
		scopes: make(map[Capability][]*scopedGlobs),
	}
	if c == nil || other == nil {
		return out
	}
	for cp := range c.flags {
		if !other.flags[cp] {
			continue
		}
		out.flags[cp] = true
		layers := append([]*scopedGlobs{}, c.scopes[cp]...)
		layers = append(layers, other.scopes[cp]...)
		if len(layers) > 0 {
			out.scopes[cp] = layers
		}
	}
	return out
}

func (c *Capabilities) clone() *Capabilities {
	out := &Capabilities{
		flags:  make(map[Capability]bool),
		scopes: make(map[Capability][]*scopedGlobs),
	}
	if c == nil {
		return out
	}
	for cp, v := range c.flags {
		out.flags[cp] = v
	}
	for cp, layers := range c.scopes {
		out.scopes[cp] = append([]*scopedGlobs{}, layers...)
	}
	return out
}

// Names lists the capabilities in the set, sorted.
func (c *Capabilities) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.flags))
	for cp := range c.flags {
		entry := string(cp)
		if layers := c.scopes[cp]; len(layers) > 0 {
			var parts []string
			for _, l := range layers {
				parts = append(parts, strings.Join(l.patterns, "|"))
			}
			entry += "(" + strings.Join(parts, " & ") + ")"
		}
		out = append(out, entry)
	}
	sort.Strings(out)
	return out
}

// Effective computes what an instance may do: the declared capabilities
// limited to what the host grants. A script that declares nothing gets the
// host grant unchanged.
func Effective(meta Metadata, granted *Capabilities) (*Capabilities, error) {
	if !meta.Declared {
		return granted.clone(), nil
	}
	declared, err := NewCapabilities(meta.Capabilities)
	if err != nil {
		return nil, err
	}
	return declared.Intersect(granted), nil
}
