// Package callgraph builds the whole-application call graph over the
// sealed repository, filters it by reverse reachability, and strips
// methods whose bytecode depends on symbols the loaded application
// cannot resolve.
package callgraph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zboralski/lattice"

	"dexaudit/internal/dalvik"
	"dexaudit/internal/dex"
	"dexaudit/internal/repo"
)

// Status records where a callee resolved.
type Status int

const (
	StatusApp Status = iota
	StatusSystem
	StatusInherited
	StatusMissing
)

func (s Status) String() string {
	switch s {
	case StatusSystem:
		return "system"
	case StatusInherited:
		return "inherited"
	case StatusMissing:
		return "missing"
	}
	return "app"
}

// Node is one method in the graph, keyed by its smali descriptor.
type Node struct {
	Name   string
	Status Status
	Method *repo.Method // nil when Status is StatusMissing
}

// Call is one labeled edge.
type Call struct {
	Caller string
	Callee string
	Kind   dalvik.InvokeKind
	PC     uint32
}

// Graph is the call graph: nodes by descriptor and labeled edges.
type Graph struct {
	Nodes map[string]*Node
	Calls []Call
}

// Options tunes graph construction.
type Options struct {
	// ExpandDispatch adds, for virtual and interface calls, edges to
	// every override reachable through the hierarchy, over-approximating
	// runtime dispatch. Off, only the declared callee is linked.
	ExpandDispatch bool
	// Workers bounds scan parallelism; 0 picks a default.
	Workers int
}

func (o Options) effectiveWorkers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return 8
}

// Build scans every app method for invoke instructions. Methods that
// fail to decode contribute no edges but stay in the graph as nodes.
// Scans run in parallel; the merge is sequential and deterministic.
func Build(rp *repo.Repo, opts Options) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}
	methods := rp.AppMethods()

	perMethod := make([][]Call, len(methods))
	var wg sync.WaitGroup
	var mu sync.Mutex
	next := 0
	workers := opts.effectiveWorkers()
	if workers > len(methods) {
		workers = len(methods)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= len(methods) {
					return
				}
				perMethod[i] = scanMethod(rp, methods[i], opts)
			}
		}()
	}
	wg.Wait()

	for i, m := range methods {
		g.ensureNode(rp, m.Descriptor())
		for _, c := range perMethod[i] {
			g.ensureNode(rp, c.Callee)
			g.Calls = append(g.Calls, c)
		}
	}
	return g, nil
}

func (g *Graph) ensureNode(rp *repo.Repo, name string) *Node {
	if n, ok := g.Nodes[name]; ok {
		return n
	}
	n := &Node{Name: name, Status: StatusMissing}
	if cls, meth, proto, ok := splitDescriptor(name); ok {
		if m, res := rp.LookupMethod(cls, meth, proto); res != repo.ResolvedMissing {
			n.Method = m
			switch {
			case res == repo.ResolvedInherited:
				n.Status = StatusInherited
			case m.Class.Origin == repo.OriginSystem:
				n.Status = StatusSystem
			default:
				n.Status = StatusApp
			}
		}
	}
	g.Nodes[name] = n
	return n
}

func scanMethod(rp *repo.Repo, m *repo.Method, opts Options) []Call {
	if m.Code == nil {
		return nil
	}
	prog, err := dalvik.Decode(m.Code.Insns)
	if err != nil {
		return nil
	}
	caller := m.Descriptor()
	var calls []Call
	for _, pc := range prog.PCs {
		in := prog.Insts[pc]
		kind := in.Op.Invoke()
		if kind == dalvik.InvokeNone {
			continue
		}
		ref, err := m.Dex.Method(in.B)
		if err != nil {
			continue
		}
		calls = append(calls, Call{
			Caller: caller,
			Callee: repo.RefDescriptor(ref),
			Kind:   kind,
			PC:     pc,
		})
		if opts.ExpandDispatch &&
			(kind == dalvik.InvokeVirtual || kind == dalvik.InvokeInterface) {
			for _, o := range rp.Overrides(ref.Class, ref.Name, ref.Proto) {
				if o.Class.Name == ref.Class {
					continue
				}
				calls = append(calls, Call{
					Caller: caller,
					Callee: o.Descriptor(),
					Kind:   kind,
					PC:     pc,
				})
			}
		}
	}
	return calls
}

// splitDescriptor parses a smali method descriptor,
// "Lfoo;->bar(II)V", back into its class, name and prototype.
func splitDescriptor(name string) (cls, meth string, proto dex.Proto, ok bool) {
	cls, rest, found := strings.Cut(name, "->")
	if !found {
		return "", "", dex.Proto{}, false
	}
	open := strings.IndexByte(rest, '(')
	close_ := strings.IndexByte(rest, ')')
	if open < 0 || close_ < open {
		return "", "", dex.Proto{}, false
	}
	meth = rest[:open]
	params, err := splitParams(rest[open+1 : close_])
	if err != nil {
		return "", "", dex.Proto{}, false
	}
	proto = dex.Proto{Params: params, Return: rest[close_+1:]}
	return cls, meth, proto, true
}

func splitParams(s string) ([]string, error) {
	var out []string
	for len(s) > 0 {
		n := descLen(s)
		if n == 0 {
			return nil, fmt.Errorf("callgraph: bad parameter list %q", s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out, nil
}

// descLen returns the length of the leading type descriptor of s, or 0.
func descLen(s string) int {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0
	}
	switch s[i] {
	case 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D':
		return i + 1
	case 'L':
		j := strings.IndexByte(s[i:], ';')
		if j < 0 {
			return 0
		}
		return i + j + 1
	}
	return 0
}

// Filter returns the induced subgraph of every node that can reach, by
// any call path, a method whose class matches classRe and whose name
// matches methodRe. Nil patterns match everything.
func (g *Graph) Filter(classRe, methodRe *regexp.Regexp) *Graph {
	keep := make(map[string]bool)
	var targets []string
	for name := range g.Nodes {
		if matchTarget(name, classRe, methodRe) {
			targets = append(targets, name)
		}
	}

	rev := make(map[string][]string)
	for _, c := range g.Calls {
		rev[c.Callee] = append(rev[c.Callee], c.Caller)
	}
	var visit func(string)
	visit = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		for _, p := range rev[name] {
			visit(p)
		}
	}
	sort.Strings(targets)
	for _, t := range targets {
		visit(t)
	}

	out := &Graph{Nodes: make(map[string]*Node)}
	for name, n := range g.Nodes {
		if keep[name] {
			out.Nodes[name] = n
		}
	}
	for _, c := range g.Calls {
		if keep[c.Caller] && keep[c.Callee] {
			out.Calls = append(out.Calls, c)
		}
	}
	return out
}

func matchTarget(name string, classRe, methodRe *regexp.Regexp) bool {
	cls, rest, ok := strings.Cut(name, "->")
	if !ok {
		return false
	}
	meth := rest
	if i := strings.IndexByte(rest, '('); i >= 0 {
		meth = rest[:i]
	}
	if classRe != nil && !classRe.MatchString(cls) {
		return false
	}
	if methodRe != nil && !methodRe.MatchString(meth) {
		return false
	}
	return true
}

// Lattice exports the graph for DOT rendering.
func (g *Graph) Lattice() *lattice.Graph {
	lg := &lattice.Graph{}
	for name := range g.Nodes {
		lg.Nodes = append(lg.Nodes, name)
	}
	sort.Strings(lg.Nodes)
	for _, c := range g.Calls {
		lg.Edges = append(lg.Edges, lattice.Edge{Caller: c.Caller, Callee: c.Callee})
	}
	lg.Dedup()
	return lg
}
