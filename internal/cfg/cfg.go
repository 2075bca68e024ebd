// Package cfg builds per-method control-flow graphs at instruction
// granularity: one node per decoded pc, edges labeled by how control
// moves (fallthrough, branch, switch case, exception handler).
package cfg

import (
	"errors"
	"fmt"

	"dexaudit/internal/dalvik"
	"dexaudit/internal/dex"
)

var (
	ErrBadTarget  = errors.New("cfg: branch target is not an instruction boundary")
	ErrBadPayload = errors.New("cfg: 31t reference does not land on a matching payload")
	ErrFallOff    = errors.New("cfg: control falls off the end of the method")
	ErrBadHandler = errors.New("cfg: handler address is not an instruction boundary")
)

// EdgeKind labels how control reaches the successor.
type EdgeKind int

const (
	Fallthrough EdgeKind = iota
	Branch
	SwitchCase
	Exception
)

func (k EdgeKind) String() string {
	switch k {
	case Branch:
		return "branch"
	case SwitchCase:
		return "switch"
	case Exception:
		return "exception"
	}
	return "fallthrough"
}

// Edge is one outgoing edge. CatchType is set on typed exception edges
// ("" for catch-all); Key is set on switch case edges.
type Edge struct {
	To        uint32
	Kind      EdgeKind
	CatchType string
	Key       int32
}

// Graph is a method's control-flow graph over its decoded pc domain.
type Graph struct {
	Prog  *dalvik.Program
	Succs map[uint32][]Edge
	Preds map[uint32][]uint32
}

// Successors returns the outgoing edges of pc.
func (g *Graph) Successors(pc uint32) []Edge { return g.Succs[pc] }

// Build constructs the graph for one decoded method. Any target outside
// the pc domain, or landing mid-instruction, fails the method.
func Build(prog *dalvik.Program, tries []dex.Try) (*Graph, error) {
	g := &Graph{
		Prog:  prog,
		Succs: make(map[uint32][]Edge),
		Preds: make(map[uint32][]uint32),
	}
	last := uint32(0)
	if n := len(prog.PCs); n > 0 {
		last = prog.PCs[n-1]
	}

	for _, pc := range prog.PCs {
		in := prog.Insts[pc]
		if in.Op.IsPayload() {
			continue
		}
		next := pc + in.Size

		switch {
		case in.Op.IsReturn() || in.Op == dalvik.OpThrow:
			// terminal for normal flow
		case in.Op.IsGoto():
			to, err := g.checkTarget(pc, in.Target)
			if err != nil {
				return nil, err
			}
			g.addEdge(pc, Edge{To: to, Kind: Branch})
		case in.Op.IsIf():
			to, err := g.checkTarget(pc, in.Target)
			if err != nil {
				return nil, err
			}
			g.addEdge(pc, Edge{To: to, Kind: Branch})
			if err := g.fallEdge(pc, next, last); err != nil {
				return nil, err
			}
		case in.Op.IsSwitch():
			if err := g.switchEdges(pc, in); err != nil {
				return nil, err
			}
			// default case falls through
			if err := g.fallEdge(pc, next, last); err != nil {
				return nil, err
			}
		case in.Op == dalvik.OpFillArrayData:
			if err := g.checkPayload(pc, in.Target, dalvik.OpFillArrayPayload); err != nil {
				return nil, err
			}
			if err := g.fallEdge(pc, next, last); err != nil {
				return nil, err
			}
		default:
			if err := g.fallEdge(pc, next, last); err != nil {
				return nil, err
			}
		}

		if in.Op.CanThrow() {
			if err := g.exceptionEdges(pc, tries); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func (g *Graph) addEdge(from uint32, e Edge) {
	g.Succs[from] = append(g.Succs[from], e)
	g.Preds[e.To] = append(g.Preds[e.To], from)
}

func (g *Graph) checkTarget(pc uint32, target int64) (uint32, error) {
	if target < 0 {
		return 0, fmt.Errorf("%w: pc %d -> %d", ErrBadTarget, pc, target)
	}
	to := uint32(target)
	in, ok := g.Prog.Insts[to]
	if !ok || in.Op.IsPayload() {
		return 0, fmt.Errorf("%w: pc %d -> %d", ErrBadTarget, pc, to)
	}
	return to, nil
}

func (g *Graph) fallEdge(pc, next, last uint32) error {
	if next > last {
		return fmt.Errorf("%w: after pc %d", ErrFallOff, pc)
	}
	in := g.Prog.Insts[next]
	if in.Op.IsPayload() {
		return fmt.Errorf("%w: after pc %d", ErrFallOff, pc)
	}
	g.addEdge(pc, Edge{To: next, Kind: Fallthrough})
	return nil
}

func (g *Graph) checkPayload(pc uint32, target int64, want dalvik.Opcode) error {
	if target < 0 {
		return fmt.Errorf("%w: pc %d -> %d", ErrBadPayload, pc, target)
	}
	in, ok := g.Prog.Insts[uint32(target)]
	if !ok || in.Op != want {
		return fmt.Errorf("%w: pc %d -> %d", ErrBadPayload, pc, target)
	}
	return nil
}

func (g *Graph) switchEdges(pc uint32, in dalvik.Inst) error {
	want := dalvik.OpPackedSwitchPayload
	if in.Op == dalvik.OpSparseSwitch {
		want = dalvik.OpSparseSwitchPayload
	}
	if err := g.checkPayload(pc, in.Target, want); err != nil {
		return err
	}
	payload := g.Prog.Insts[uint32(in.Target)]
	for i, off := range payload.Targets {
		// case offsets are relative to the switch, not the payload
		to, err := g.checkTarget(pc, int64(pc)+int64(off))
		if err != nil {
			return err
		}
		g.addEdge(pc, Edge{To: to, Kind: SwitchCase, Key: payload.Keys[i]})
	}
	return nil
}

func (g *Graph) exceptionEdges(pc uint32, tries []dex.Try) error {
	for _, t := range tries {
		if !t.Covers(pc) {
			continue
		}
		for _, h := range t.Handlers {
			to, err := g.handlerTarget(pc, h.Addr)
			if err != nil {
				return err
			}
			g.addEdge(pc, Edge{To: to, Kind: Exception, CatchType: h.TypeName})
		}
		if t.CatchAll {
			to, err := g.handlerTarget(pc, t.CatchAddr)
			if err != nil {
				return err
			}
			g.addEdge(pc, Edge{To: to, Kind: Exception})
		}
	}
	return nil
}

func (g *Graph) handlerTarget(pc, addr uint32) (uint32, error) {
	in, ok := g.Prog.Insts[addr]
	if !ok || in.Op.IsPayload() {
		return 0, fmt.Errorf("%w: pc %d -> %d", ErrBadHandler, pc, addr)
	}
	return addr, nil
}
