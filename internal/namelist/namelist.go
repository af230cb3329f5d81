// Package namelist reads and writes Fortran-style namelist files: named
// groups opened by &groupname, closed by &end or a bare slash, containing
// key = value assignments with scalar or comma-separated array values and
// full-line or trailing ! comments.
package namelist

import (
	"fmt"
	"strconv"
	"strings"
)

// Document is an ordered set of namelist groups.
type Document struct {
	groups []*Group
}

// Group is a single &name ... &end block. Key order is preserved.
type Group struct {
	Name string
	keys []string
	vals map[string][]string
}

// Groups returns the groups in file order.
func (d *Document) Groups() []*Group {
	return d.groups
}

// Group returns the first group with the given name (case-insensitive),
// or nil when absent.
func (d *Document) Group(name string) *Group {
	for _, g := range d.groups {
		if strings.EqualFold(g.Name, name) {
			return g
		}
	}
	return nil
}

// AddGroup appends an empty group and returns it.
func (d *Document) AddGroup(name string) *Group {
	g := &Group{Name: name, vals: map[string][]string{}}
	d.groups = append(d.groups, g)
	return g
}

// Keys returns the group's keys in assignment order.
func (g *Group) Keys() []string {
	out := make([]string, len(g.keys))
	copy(out, g.keys)
	return out
}

// Has reports whether the key was assigned in the group.
func (g *Group) Has(key string) bool {
	_, ok := g.vals[strings.ToLower(key)]
	return ok
}

// Set assigns raw value tokens to a key, replacing any previous assignment.
func (g *Group) Set(key string, values ...string) {
	k := strings.ToLower(key)
	if _, ok := g.vals[k]; !ok {
		g.keys = append(g.keys, k)
	}
	g.vals[k] = values
}

func (g *Group) raw(key string) ([]string, error) {
	v, ok := g.vals[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("namelist: &%s has no key %q", g.Name, key)
	}
	return v, nil
}

func (g *Group) scalar(key string) (string, error) {
	v, err := g.raw(key)
	if err != nil {
		return "", err
	}
	if len(v) != 1 {
		return "", fmt.Errorf("namelist: &%s key %q holds %d values, want scalar", g.Name, key, len(v))
	}
	return v[0], nil
}

// String returns the key's scalar value with any surrounding quotes removed.
func (g *Group) String(key string) (string, error) {
	v, err := g.scalar(key)
	if err != nil {
		return "", err
	}
	return unquote(v), nil
}

// Int returns the key's scalar value parsed as an integer.
func (g *Group) Int(key string) (int, error) {
	v, err := g.scalar(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("namelist: &%s key %q: %w", g.Name, key, err)
	}
	return n, nil
}

// Float returns the key's scalar value parsed as a float. Fortran double
// exponents (1.d-3) are accepted.
func (g *Group) Float(key string) (float64, error) {
	v, err := g.scalar(key)
	if err != nil {
		return 0, err
	}
	f, err := parseFloat(v)
	if err != nil {
		return 0, fmt.Errorf("namelist: &%s key %q: %w", g.Name, key, err)
	}
	return f, nil
}

// Bool returns the key's scalar value parsed as a Fortran logical.
func (g *Group) Bool(key string) (bool, error) {
	v, err := g.scalar(key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(v) {
	case ".true.", "t", ".t.", "true":
		return true, nil
	case ".false.", "f", ".f.", "false":
		return false, nil
	}
	return false, fmt.Errorf("namelist: &%s key %q: invalid logical %q", g.Name, key, v)
}

// Floats returns all values of the key parsed as floats.
func (g *Group) Floats(key string) ([]float64, error) {
	v, err := g.raw(key)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for i, s := range v {
		f, err := parseFloat(s)
		if err != nil {
			return nil, fmt.Errorf("namelist: &%s key %q[%d]: %w", g.Name, key, i, err)
		}
		out[i] = f
	}
	return out, nil
}

// Ints returns all values of the key parsed as integers.
func (g *Group) Ints(key string) ([]int, error) {
	v, err := g.raw(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(v))
	for i, s := range v {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("namelist: &%s key %q[%d]: %w", g.Name, key, i, err)
		}
		out[i] = n
	}
	return out, nil
}

// Strings returns all values of the key with quotes removed.
func (g *Group) Strings(key string) ([]string, error) {
	v, err := g.raw(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(v))
	for i, s := range v {
		out[i] = unquote(s)
	}
	return out, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func parseFloat(s string) (float64, error) {
	t := strings.Map(func(r rune) rune {
		switch r {
		case 'd', 'D':
			return 'e'
		}
		return r
	}, s)
	return strconv.ParseFloat(t, 64)
}
