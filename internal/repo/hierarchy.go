package repo

import (
	"sort"

	"github.com/zboralski/lattice"
)

// ObjectClass is the root of the class hierarchy.
const ObjectClass = "Ljava/lang/Object;"

// Array types are subtypes of these and of Object, and of nothing else
// nameable in the hierarchy.
var arraySupers = map[string]bool{
	ObjectClass:              true,
	"Ljava/lang/Cloneable;":  true,
	"Ljava/io/Serializable;": true,
}

// Hierarchy is the inheritance index over all loaded classes, sealed at
// Repo.Close and immutable afterwards. Classes referenced but never
// defined are linked under Object so queries stay total.
type Hierarchy struct {
	parents map[string][]string // direct super + interfaces
	defined map[string]bool
	missing map[string]bool
}

// Defined reports whether the class was actually loaded (rather than
// linked in as a missing placeholder).
func (h *Hierarchy) Defined(name string) bool { return h.defined[name] }

// Missing returns the sorted names referenced as a superclass or
// interface but never defined.
func (h *Hierarchy) Missing() []string {
	out := make([]string, 0, len(h.missing))
	for name := range h.missing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parents returns the direct superclass and interfaces of a class.
func (h *Hierarchy) Parents(name string) []string { return h.parents[name] }

// AllParents returns every strict ancestor of a class, unordered.
func (h *Hierarchy) AllParents(name string) []string {
	seen := make(map[string]bool)
	h.walkUp(name, seen)
	delete(seen, name)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *Hierarchy) walkUp(name string, seen map[string]bool) {
	if seen[name] {
		return
	}
	seen[name] = true
	for _, p := range h.parents[name] {
		h.walkUp(p, seen)
	}
}

// Inherits reports whether sub is typeable as super: reflexive,
// transitive over superclasses and interfaces. Array descriptors inherit
// only themselves, Object, Cloneable and Serializable here; element
// covariance is the type lattice's business.
func (h *Hierarchy) Inherits(sub, super string) bool {
	if sub == super {
		return true
	}
	if len(sub) > 0 && sub[0] == '[' {
		return arraySupers[super]
	}
	seen := make(map[string]bool)
	h.walkUp(sub, seen)
	return seen[super]
}

// LeastCommonTypes returns the most specific common ancestors of two
// classes: every common ancestor no other common ancestor is a subtype
// of. Diamond interface inheritance can yield several; the result is
// sorted and never empty (Object is always common).
func (h *Hierarchy) LeastCommonTypes(c1, c2 string) []string {
	a := make(map[string]bool)
	h.walkUp(c1, a)
	b := make(map[string]bool)
	h.walkUp(c2, b)

	var common []string
	for name := range a {
		if b[name] {
			common = append(common, name)
		}
	}
	var minimal []string
	for _, x := range common {
		dominated := false
		for _, y := range common {
			if y != x && h.Inherits(y, x) {
				dominated = true
				break
			}
		}
		if !dominated {
			minimal = append(minimal, x)
		}
	}
	if len(minimal) == 0 {
		return []string{ObjectClass}
	}
	sort.Strings(minimal)
	return minimal
}

// Lattice exports the inheritance edges as a renderable graph, child to
// parent.
func (h *Hierarchy) Lattice() *lattice.Graph {
	g := &lattice.Graph{}
	names := make([]string, 0, len(h.parents))
	for name := range h.parents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g.Nodes = append(g.Nodes, name)
		for _, p := range h.parents[name] {
			g.Edges = append(g.Edges, lattice.Edge{Caller: name, Callee: p})
		}
	}
	g.Dedup()
	return g
}
