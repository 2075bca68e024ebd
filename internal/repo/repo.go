// Package repo builds the application model over one or more parsed DEX
// files: classes, methods and fields with interned descriptors, plus the
// sealed class hierarchy the analysis passes query.
package repo

import (
	"errors"
	"fmt"
	"sort"

	"dexaudit/internal/dex"
)

var (
	ErrClosed         = errors.New("repo: repository already closed")
	ErrNotClosed      = errors.New("repo: repository not closed yet")
	ErrDuplicateClass = errors.New("repo: class defined twice")
)

// Repo accumulates DEX files via Register, then Close seals it: the
// hierarchy is built once and the repository becomes an immutable
// snapshot safe for concurrent readers.
type Repo struct {
	classes   map[string]*Class
	order     []string
	hierarchy *Hierarchy
	closed    bool
}

func New() *Repo {
	return &Repo{classes: make(map[string]*Class)}
}

// Register adds every class of a DEX file. System files contribute the
// framework surface; app files contribute the code under analysis. A
// class name seen twice is an error: silent shadowing would corrupt the
// hierarchy.
func (r *Repo) Register(f *dex.File, origin Origin) error {
	if r.closed {
		return ErrClosed
	}
	for i := range f.Classes {
		cd := &f.Classes[i]
		if _, dup := r.classes[cd.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateClass, cd.Name)
		}
		c := &Class{
			Name:       cd.Name,
			Flags:      cd.AccessFlags,
			Super:      cd.Superclass,
			Interfaces: cd.Interfaces,
			SourceFile: cd.SourceFile,
			Origin:     origin,
			Dex:        f,
		}
		for _, fd := range cd.Fields {
			c.Fields = append(c.Fields, &Field{
				Class: c,
				Name:  fd.Ref.Name,
				Type:  fd.Ref.Type,
				Flags: fd.AccessFlags,
			})
		}
		for _, md := range cd.Methods {
			c.Methods = append(c.Methods, &Method{
				Class: c,
				Name:  md.Ref.Name,
				Proto: md.Ref.Proto,
				Flags: md.AccessFlags,
				Code:  md.Code,
				Dex:   f,
			})
		}
		r.classes[cd.Name] = c
		r.order = append(r.order, cd.Name)
	}
	return nil
}

// Close seals the repository and builds the hierarchy. Object is added
// if no system image supplied it, and classes whose superclass was never
// loaded are linked under Object so every query chain terminates.
func (r *Repo) Close() error {
	if r.closed {
		return ErrClosed
	}
	h := &Hierarchy{
		parents: make(map[string][]string),
		defined: make(map[string]bool),
		missing: make(map[string]bool),
	}
	for name := range r.classes {
		h.defined[name] = true
	}
	h.defined[ObjectClass] = true

	for _, name := range r.order {
		c := r.classes[name]
		var ps []string
		if c.Super != "" {
			ps = append(ps, c.Super)
		} else if name != ObjectClass {
			ps = append(ps, ObjectClass)
		}
		ps = append(ps, c.Interfaces...)
		h.parents[name] = ps
		for _, p := range ps {
			if !h.defined[p] {
				h.missing[p] = true
			}
		}
	}
	// Placeholder links keep walks total even for unknown framework
	// classes.
	for name := range h.missing {
		h.parents[name] = []string{ObjectClass}
	}
	r.hierarchy = h
	r.closed = true
	return nil
}

// Hierarchy returns the sealed hierarchy.
func (r *Repo) Hierarchy() (*Hierarchy, error) {
	if !r.closed {
		return nil, ErrNotClosed
	}
	return r.hierarchy, nil
}

// Class looks up a loaded class by descriptor.
func (r *Repo) Class(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// ClassNames returns all loaded class descriptors in registration order.
func (r *Repo) ClassNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AppMethods returns every method of every app-origin class, in a
// deterministic order.
func (r *Repo) AppMethods() []*Method {
	var out []*Method
	for _, name := range r.order {
		c := r.classes[name]
		if c.Origin != OriginApp {
			continue
		}
		out = append(out, c.Methods...)
	}
	return out
}

// Resolution is where a member lookup landed.
type Resolution int

const (
	ResolvedHere      Resolution = iota // declared on the named class
	ResolvedInherited                   // found on an ancestor
	ResolvedMissing                     // not found anywhere loaded
)

// LookupMethod resolves class->name+proto against the loaded classes,
// walking superclasses and interfaces the way runtime resolution does.
// Array receivers resolve against Object.
func (r *Repo) LookupMethod(class, name string, proto dex.Proto) (*Method, Resolution) {
	if !r.closed {
		return nil, ResolvedMissing
	}
	if len(class) > 0 && class[0] == '[' {
		class = ObjectClass
	}
	sig := Sig(name, proto)
	if m := r.methodOn(class, sig); m != nil {
		return m, ResolvedHere
	}
	seen := map[string]bool{class: true}
	queue := append([]string(nil), r.hierarchy.parents[class]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if m := r.methodOn(cur, sig); m != nil {
			return m, ResolvedInherited
		}
		queue = append(queue, r.hierarchy.parents[cur]...)
	}
	return nil, ResolvedMissing
}

func (r *Repo) methodOn(class, sig string) *Method {
	c, ok := r.classes[class]
	if !ok {
		return nil
	}
	for _, m := range c.Methods {
		if m.Sig() == sig {
			return m
		}
	}
	return nil
}

// LookupField resolves class->name:type the same way.
func (r *Repo) LookupField(class, name, typ string) (*Field, Resolution) {
	if !r.closed {
		return nil, ResolvedMissing
	}
	if f := r.fieldOn(class, name, typ); f != nil {
		return f, ResolvedHere
	}
	seen := map[string]bool{class: true}
	queue := append([]string(nil), r.hierarchy.parents[class]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if f := r.fieldOn(cur, name, typ); f != nil {
			return f, ResolvedInherited
		}
		queue = append(queue, r.hierarchy.parents[cur]...)
	}
	return nil, ResolvedMissing
}

func (r *Repo) fieldOn(class, name, typ string) *Field {
	c, ok := r.classes[class]
	if !ok {
		return nil
	}
	for _, f := range c.Fields {
		if f.Name == name && f.Type == typ {
			return f
		}
	}
	return nil
}

// Overrides returns the loaded classes at or below root that declare a
// method with the given signature. Used for virtual/interface dispatch
// expansion.
func (r *Repo) Overrides(root, name string, proto dex.Proto) []*Method {
	if !r.closed {
		return nil
	}
	sig := Sig(name, proto)
	var out []*Method
	for _, cname := range r.order {
		if !r.hierarchy.Inherits(cname, root) {
			continue
		}
		if m := r.methodOn(cname, sig); m != nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class.Name < out[j].Class.Name })
	return out
}
