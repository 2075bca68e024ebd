package cfg

import "sort"

// Block is a maximal straight-line run of instructions. Succs are the
// outgoing edges of the final instruction.
type Block struct {
	ID    int
	PCs   []uint32
	Succs []Edge
}

// Blocks partitions the graph into basic blocks. A leader is the entry
// pc, any edge target, and any pc following an instruction with a
// non-trivial exit. Payload pseudo-instructions are left out.
func (g *Graph) Blocks() []Block {
	leader := make(map[uint32]bool)
	var pcs []uint32
	for _, pc := range g.Prog.PCs {
		if g.Prog.Insts[pc].Op.IsPayload() {
			continue
		}
		pcs = append(pcs, pc)
	}
	if len(pcs) == 0 {
		return nil
	}
	leader[pcs[0]] = true
	for _, pc := range pcs {
		es := g.Succs[pc]
		trivial := len(es) == 1 && es[0].Kind == Fallthrough
		for _, e := range es {
			if !trivial {
				leader[e.To] = true
			}
		}
		if !trivial {
			next := pc + g.Prog.Insts[pc].Size
			leader[next] = true
		}
	}

	var blocks []Block
	for _, pc := range pcs {
		if leader[pc] || len(blocks) == 0 {
			blocks = append(blocks, Block{ID: len(blocks)})
		}
		b := &blocks[len(blocks)-1]
		b.PCs = append(b.PCs, pc)
	}
	for i := range blocks {
		last := blocks[i].PCs[len(blocks[i].PCs)-1]
		blocks[i].Succs = append([]Edge(nil), g.Succs[last]...)
		sort.SliceStable(blocks[i].Succs, func(a, b int) bool {
			return blocks[i].Succs[a].To < blocks[i].Succs[b].To
		})
	}
	return blocks
}

// BlockIndex maps each pc to the ID of its containing block.
func BlockIndex(blocks []Block) map[uint32]int {
	idx := make(map[uint32]int)
	for _, b := range blocks {
		for _, pc := range b.PCs {
			idx[pc] = b.ID
		}
	}
	return idx
}
