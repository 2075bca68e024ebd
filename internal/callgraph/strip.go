package callgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"dexaudit/internal/dalvik"
	"dexaudit/internal/repo"
)

// MarkUnresolved scans every app method's bytecode for references the
// loaded repository cannot resolve: class pool entries never defined,
// field and method pool entries that resolve nowhere. The result maps
// each flagged method descriptor to one reason. Methods that fail to
// decode are flagged too, since their references cannot be audited.
func MarkUnresolved(rp *repo.Repo, opts Options) (map[string]string, error) {
	h, err := rp.Hierarchy()
	if err != nil {
		return nil, err
	}
	methods := rp.AppMethods()
	reasons := make([]string, len(methods))

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
				reasons[i] = unresolvedIn(rp, h, methods[i])
			}
		}()
	}
	wg.Wait()

	out := make(map[string]string)
	for i, m := range methods {
		if reasons[i] != "" {
			out[m.Descriptor()] = reasons[i]
		}
	}
	return out, nil
}

// unresolvedIn returns the first unresolved reference of m, or "".
func unresolvedIn(rp *repo.Repo, h *repo.Hierarchy, m *repo.Method) string {
	if m.Code == nil {
		return ""
	}
	prog, err := dalvik.Decode(m.Code.Insns)
	if err != nil {
		return fmt.Sprintf("undecodable: %v", err)
	}
	for _, pc := range prog.PCs {
		in := prog.Insts[pc]
		op := in.Op
		switch {
		case op == dalvik.OpConstClass || op == dalvik.OpCheckCast ||
			op == dalvik.OpNewInstance ||
			op == dalvik.OpFilledNewArray || op == dalvik.OpFilledNewArrayRg:
			if r := classRef(rp, h, m, in.B); r != "" {
				return r
			}
		case op == dalvik.OpInstanceOf || op == dalvik.OpNewArray:
			if r := classRef(rp, h, m, in.C); r != "" {
				return r
			}
		case op >= dalvik.OpIget && op <= dalvik.OpIputShort:
			if r := fieldRef(rp, m, in.C); r != "" {
				return r
			}
		case op >= dalvik.OpSget && op <= dalvik.OpSputShort:
			if r := fieldRef(rp, m, in.B); r != "" {
				return r
			}
		case op.Invoke() != dalvik.InvokeNone:
			if r := methodRef(rp, m, in.B); r != "" {
				return r
			}
		}
	}
	return ""
}

func classRef(rp *repo.Repo, h *repo.Hierarchy, m *repo.Method, idx uint32) string {
	desc, err := m.Dex.TypeName(idx)
	if err != nil {
		return fmt.Sprintf("bad type index %d", idx)
	}
	elem := strings.TrimLeft(desc, "[")
	if len(elem) == 0 || elem[0] != 'L' {
		return ""
	}
	if !h.Defined(elem) {
		return "class " + elem + " not loaded"
	}
	return ""
}

func fieldRef(rp *repo.Repo, m *repo.Method, idx uint32) string {
	ref, err := m.Dex.Field(idx)
	if err != nil {
		return fmt.Sprintf("bad field index %d", idx)
	}
	if _, res := rp.LookupField(ref.Class, ref.Name, ref.Type); res == repo.ResolvedMissing {
		return "field " + ref.Class + "->" + ref.Name + ":" + ref.Type + " not loaded"
	}
	return ""
}

func methodRef(rp *repo.Repo, m *repo.Method, idx uint32) string {
	ref, err := m.Dex.Method(idx)
	if err != nil {
		return fmt.Sprintf("bad method index %d", idx)
	}
	if _, res := rp.LookupMethod(ref.Class, ref.Name, ref.Proto); res == repo.ResolvedMissing {
		return "method " + repo.RefDescriptor(ref) + " not loaded"
	}
	return ""
}

// StripResult is the outcome of a strip run.
type StripResult struct {
	// Removed maps each stripped descriptor to why it went: its own
	// unresolved reference, or a call into an already stripped method.
	Removed map[string]string
	Rounds  int
	Graph   *Graph // surviving subgraph
}

// Strip removes every method flagged unresolved, then iterates: a
// method calling a removed method is itself removed, until a fixpoint.
// Each round tests the survivors in parallel and commits sequentially,
// so removal order never changes the outcome.
func (g *Graph) Strip(unresolved map[string]string, opts Options) *StripResult {
	res := &StripResult{Removed: make(map[string]string)}
	for name, why := range unresolved {
		if _, ok := g.Nodes[name]; ok {
			res.Removed[name] = why
		}
	}

	out := make(map[string][]string)
	for _, c := range g.Calls {
		out[c.Caller] = append(out[c.Caller], c.Callee)
	}

	var alive []string
	for name := range g.Nodes {
		if _, gone := res.Removed[name]; !gone {
			alive = append(alive, name)
		}
	}
	sort.Strings(alive)

	workers := opts.effectiveWorkers()
	for {
		res.Rounds++
		doomed := make([]string, len(alive))

		var wg sync.WaitGroup
		var mu sync.Mutex
		next := 0
		n := workers
		if n > len(alive) {
			n = len(alive)
		}
		for w := 0; w < n; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					mu.Lock()
					i := next
					next++
					mu.Unlock()
					if i >= len(alive) {
						return
					}
					for _, callee := range out[alive[i]] {
						if _, gone := res.Removed[callee]; gone {
							doomed[i] = "calls removed " + callee
							break
						}
					}
				}
			}()
		}
		wg.Wait()

		var survivors []string
		changed := false
		for i, name := range alive {
			if doomed[i] != "" {
				res.Removed[name] = doomed[i]
				changed = true
			} else {
				survivors = append(survivors, name)
			}
		}
		alive = survivors
		if !changed {
			break
		}
	}

	res.Graph = &Graph{Nodes: make(map[string]*Node)}
	for name, node := range g.Nodes {
		if _, gone := res.Removed[name]; !gone {
			res.Graph.Nodes[name] = node
		}
	}
	for _, c := range g.Calls {
		_, cg := res.Removed[c.Caller]
		_, eg := res.Removed[c.Callee]
		if !cg && !eg {
			res.Graph.Calls = append(res.Graph.Calls, c)
		}
	}
	return res
}

// RemovedNames returns the stripped descriptors sorted.
func (r *StripResult) RemovedNames() []string {
	out := make([]string, 0, len(r.Removed))
	for name := range r.Removed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
