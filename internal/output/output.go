// Package output writes dexaudit analysis results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"dexaudit/internal/callgraph"
	"dexaudit/internal/cfg"
	"dexaudit/internal/dalvik"
	"dexaudit/internal/repo"
	"dexaudit/internal/typing"
)

// VerifyRecord is one method's verification outcome in verify.json.
type VerifyRecord struct {
	Class        string          `json:"class"`
	Method       string          `json:"method"`
	Verified     bool            `json:"verified"`
	Unverifiable bool            `json:"unverifiable,omitempty"`
	Findings     []FindingRecord `json:"findings,omitempty"`
}

// FindingRecord is one finding attributed to a pc.
type FindingRecord struct {
	PC    uint32 `json:"pc"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// WriteVerifyJSON writes verification results to verify.json.
func WriteVerifyJSON(dir string, results []*typing.Result) error {
	recs := make([]VerifyRecord, 0, len(results))
	for _, r := range results {
		rec := VerifyRecord{
			Class:        r.Method.Class.Name,
			Method:       r.Method.Sig(),
			Verified:     r.Verified,
			Unverifiable: r.Unverifiable,
		}
		for _, e := range r.Errors {
			rec.Findings = append(rec.Findings, FindingRecord{
				PC:    e.PC,
				Kind:  e.Kind.String(),
				Error: e.Err.Error(),
			})
		}
		recs = append(recs, rec)
	}
	return writeJSON(filepath.Join(dir, "verify.json"), recs)
}

// StripRecord is one stripped method in strip.json.
type StripRecord struct {
	Method string `json:"method"`
	Reason string `json:"reason"`
}

// StripReport is the strip.json document.
type StripReport struct {
	Rounds    int           `json:"rounds"`
	Removed   []StripRecord `json:"removed"`
	Survivors int           `json:"survivors"`
}

// WriteStripJSON writes the strip outcome to strip.json.
func WriteStripJSON(dir string, res *callgraph.StripResult) error {
	rep := StripReport{Rounds: res.Rounds, Survivors: len(res.Graph.Nodes)}
	for _, name := range res.RemovedNames() {
		rep.Removed = append(rep.Removed, StripRecord{Method: name, Reason: res.Removed[name]})
	}
	return writeJSON(filepath.Join(dir, "strip.json"), &rep)
}

// WriteGraphDOT writes the call graph to callgraph.dot.
func WriteGraphDOT(dir string, g *callgraph.Graph, title string) error {
	dot := render.DOT(g.Lattice(), title)
	return os.WriteFile(filepath.Join(dir, "callgraph.dot"), []byte(dot), 0644)
}

// WriteCFGDOT writes one method's control-flow graph to cfg/<name>.dot.
// name may contain path separators for directory grouping.
func WriteCFGDOT(dir, name string, m *repo.Method) error {
	fcfg, err := FuncCFG(m)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "cfg", name+".dot")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir cfg: %w", err)
	}
	g := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{fcfg}}
	dot := render.DOTCFG(g, m.Descriptor())
	return os.WriteFile(path, []byte(dot), 0644)
}

// FuncCFG decodes a method and maps its basic blocks to lattice types.
// Invoke instructions become call sites on their blocks.
func FuncCFG(m *repo.Method) (*lattice.FuncCFG, error) {
	fcfg := &lattice.FuncCFG{Name: m.Descriptor()}
	if m.Code == nil {
		return fcfg, nil
	}
	prog, err := dalvik.Decode(m.Code.Insns)
	if err != nil {
		return nil, err
	}
	g, err := cfg.Build(prog, m.Code.Tries)
	if err != nil {
		return nil, err
	}
	blocks := g.Blocks()
	idx := cfg.BlockIndex(blocks)

	for _, b := range blocks {
		lb := &lattice.BasicBlock{
			ID:    b.ID,
			Start: int(b.PCs[0]),
			End:   int(b.PCs[len(b.PCs)-1]) + 1,
			Term:  len(b.Succs) == 0,
		}
		for _, e := range b.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: idx[e.To],
				Cond:    e.Kind.String(),
			})
		}
		for off, pc := range b.PCs {
			in := prog.Insts[pc]
			if in.Op.Invoke() == dalvik.InvokeNone {
				continue
			}
			callee := fmt.Sprintf("@%d", in.B)
			if ref, err := m.Dex.Method(in.B); err == nil {
				callee = repo.RefDescriptor(ref)
			}
			lb.Calls = append(lb.Calls, lattice.CallSite{Offset: off, Callee: callee})
		}
		fcfg.Blocks = append(fcfg.Blocks, lb)
	}
	return fcfg, nil
}

// WriteListing writes a method's disassembly to asm/<name>.txt.
func WriteListing(dir, name string, m *repo.Method) error {
	text, err := Listing(m)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}
	return os.WriteFile(path, []byte(text), 0644)
}

// Listing renders one method's bytecode, pool indexes resolved against
// its defining DEX file.
func Listing(m *repo.Method) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", m.Descriptor())
	if m.Code == nil {
		b.WriteString("  (no code)\n")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "  registers=%d ins=%d outs=%d\n",
		m.Code.RegistersSize, m.Code.InsSize, m.Code.OutsSize)
	prog, err := dalvik.Decode(m.Code.Insns)
	if err != nil {
		return "", err
	}
	for _, pc := range prog.PCs {
		in := prog.Insts[pc]
		fmt.Fprintf(&b, "  %04x: %s", pc, in)
		if note := poolNote(m, in); note != "" {
			fmt.Fprintf(&b, "  ; %s", note)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// poolNote resolves an instruction's pool reference for the listing.
func poolNote(m *repo.Method, in dalvik.Inst) string {
	op := in.Op
	switch {
	case op.Invoke() != dalvik.InvokeNone:
		if ref, err := m.Dex.Method(in.B); err == nil {
			return repo.RefDescriptor(ref)
		}
	case op == dalvik.OpConstString || op == dalvik.OpConstStringJumbo:
		if s, err := m.Dex.String(in.B); err == nil {
			return fmt.Sprintf("%q", s)
		}
	case op == dalvik.OpConstClass || op == dalvik.OpCheckCast ||
		op == dalvik.OpNewInstance ||
		op == dalvik.OpFilledNewArray || op == dalvik.OpFilledNewArrayRg:
		if t, err := m.Dex.TypeName(in.B); err == nil {
			return t
		}
	case op == dalvik.OpInstanceOf || op == dalvik.OpNewArray:
		if t, err := m.Dex.TypeName(in.C); err == nil {
			return t
		}
	case op >= dalvik.OpIget && op <= dalvik.OpIputShort:
		if f, err := m.Dex.Field(in.C); err == nil {
			return f.Class + "->" + f.Name + ":" + f.Type
		}
	case op >= dalvik.OpSget && op <= dalvik.OpSputShort:
		if f, err := m.Dex.Field(in.B); err == nil {
			return f.Class + "->" + f.Name + ":" + f.Type
		}
	}
	return ""
}

// HierarchyDOT renders the sealed class hierarchy.
func HierarchyDOT(h *repo.Hierarchy, title string) string {
	return render.DOT(h.Lattice(), title)
}

// WriteHierarchyDOT writes the class hierarchy to hierarchy.dot.
func WriteHierarchyDOT(dir string, h *repo.Hierarchy, title string) error {
	return os.WriteFile(filepath.Join(dir, "hierarchy.dot"),
		[]byte(HierarchyDOT(h, title)), 0644)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
