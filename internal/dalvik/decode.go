package dalvik

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOpcode = errors.New("dalvik: unknown opcode")
	ErrTruncatedInst = errors.New("dalvik: instruction extends past end of code")
	ErrBadPayload    = errors.New("dalvik: malformed payload")
)

// Inst is one decoded instruction. Operand fields are populated per
// format:
//
//	A       first register, or argument count for 35c/3rc/45cc/4rcc
//	B       second register, or pool index, per format
//	C       third register, or pool index for 22c
//	Lit     sign-extended literal
//	Target  absolute branch or payload address in code units
//	Regs    argument registers for invoke/filled-new-array (ranges expanded)
//	H       prototype pool index for invoke-polymorphic
//
// Payload pseudo-instructions fill Keys/Targets (switches, Targets are
// offsets relative to the referencing switch) or Width/Data (fill-array).
type Inst struct {
	PC     uint32
	Op     Opcode
	Size   uint32 // width in code units
	A      uint32
	B      uint32
	C      uint32
	H      uint32
	Lit    int64
	Target int64
	Regs   []uint16

	Keys    []int32
	Targets []int32
	Width   uint16
	Data    []byte
}

// Program is the result of one linear decode pass: the pc-indexed
// instruction map and the pcs in stream order.
type Program struct {
	PCs   []uint32
	Insts map[uint32]Inst
}

// At returns the instruction at pc.
func (p *Program) At(pc uint32) (Inst, bool) {
	in, ok := p.Insts[pc]
	return in, ok
}

// Decode performs a single linear pass over a method's code units. Every
// unit is consumed exactly once; an unknown opcode, an instruction
// running past the end, or a malformed payload fails the whole method.
func Decode(code []uint16) (*Program, error) {
	p := &Program{Insts: make(map[uint32]Inst)}
	n := uint32(len(code))
	for pc := uint32(0); pc < n; {
		in, err := decodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		p.Insts[pc] = in
		p.PCs = append(p.PCs, pc)
		pc += in.Size
	}
	return p, nil
}

func decodeAt(code []uint16, pc uint32) (Inst, error) {
	unit := code[pc]
	op := Opcode(unit & 0xff)
	if op == OpNop && unit&0xff00 != 0 {
		return decodePayload(code, pc, Opcode(unit))
	}

	f := op.format()
	if f == fmtNone {
		return Inst{}, fmt.Errorf("%w: %#04x at pc %d", ErrUnknownOpcode, unit, pc)
	}
	size := f.Units()
	if pc+size > uint32(len(code)) {
		return Inst{}, fmt.Errorf("%w: %s at pc %d", ErrTruncatedInst, op.Mnemonic(), pc)
	}

	in := Inst{PC: pc, Op: op, Size: size}
	hi := uint32(unit >> 8)
	spc := int64(pc)
	switch f {
	case Fmt10x:
	case Fmt12x:
		in.A = hi & 0xf
		in.B = hi >> 4
	case Fmt11n:
		in.A = hi & 0xf
		in.Lit = int64(int32(hi) << 28 >> 28)
	case Fmt11x:
		in.A = hi
	case Fmt10t:
		in.Target = spc + int64(int8(hi))
	case Fmt20t:
		in.Target = spc + int64(int16(code[pc+1]))
	case Fmt22x:
		in.A = hi
		in.B = uint32(code[pc+1])
	case Fmt21t:
		in.A = hi
		in.Target = spc + int64(int16(code[pc+1]))
	case Fmt21s:
		in.A = hi
		in.Lit = int64(int16(code[pc+1]))
	case Fmt21h:
		in.A = hi
		if op == OpConstWideHigh16 {
			in.Lit = int64(int16(code[pc+1])) << 48
		} else {
			in.Lit = int64(int16(code[pc+1])) << 16
		}
	case Fmt21c:
		in.A = hi
		in.B = uint32(code[pc+1])
	case Fmt23x:
		in.A = hi
		in.B = uint32(code[pc+1] & 0xff)
		in.C = uint32(code[pc+1] >> 8)
	case Fmt22b:
		in.A = hi
		in.B = uint32(code[pc+1] & 0xff)
		in.Lit = int64(int8(code[pc+1] >> 8))
	case Fmt22t:
		in.A = hi & 0xf
		in.B = hi >> 4
		in.Target = spc + int64(int16(code[pc+1]))
	case Fmt22s:
		in.A = hi & 0xf
		in.B = hi >> 4
		in.Lit = int64(int16(code[pc+1]))
	case Fmt22c:
		in.A = hi & 0xf
		in.B = hi >> 4
		in.C = uint32(code[pc+1])
	case Fmt30t:
		in.Target = spc + int64(int32(uint32(code[pc+1])|uint32(code[pc+2])<<16))
	case Fmt32x:
		in.A = uint32(code[pc+1])
		in.B = uint32(code[pc+2])
	case Fmt31i:
		in.A = hi
		in.Lit = int64(int32(uint32(code[pc+1]) | uint32(code[pc+2])<<16))
	case Fmt31t:
		in.A = hi
		in.Target = spc + int64(int32(uint32(code[pc+1])|uint32(code[pc+2])<<16))
	case Fmt31c:
		in.A = hi
		in.B = uint32(code[pc+1]) | uint32(code[pc+2])<<16
	case Fmt35c:
		in.A = hi >> 4
		in.B = uint32(code[pc+1])
		if in.A > 5 {
			return Inst{}, fmt.Errorf("dalvik: %s at pc %d: bad arg count %d", op.Mnemonic(), pc, in.A)
		}
		regs := []uint16{
			code[pc+2] & 0xf,
			code[pc+2] >> 4 & 0xf,
			code[pc+2] >> 8 & 0xf,
			code[pc+2] >> 12,
			uint16(hi) & 0xf,
		}
		in.Regs = regs[:in.A]
	case Fmt3rc:
		in.A = hi
		in.B = uint32(code[pc+1])
		first := code[pc+2]
		for k := uint32(0); k < in.A; k++ {
			in.Regs = append(in.Regs, first+uint16(k))
		}
	case Fmt45cc:
		in.A = hi >> 4
		in.B = uint32(code[pc+1])
		in.H = uint32(code[pc+3])
		if in.A > 5 {
			return Inst{}, fmt.Errorf("dalvik: %s at pc %d: bad arg count %d", op.Mnemonic(), pc, in.A)
		}
		regs := []uint16{
			code[pc+2] & 0xf,
			code[pc+2] >> 4 & 0xf,
			code[pc+2] >> 8 & 0xf,
			code[pc+2] >> 12,
			uint16(hi) & 0xf,
		}
		in.Regs = regs[:in.A]
	case Fmt4rcc:
		in.A = hi
		in.B = uint32(code[pc+1])
		in.H = uint32(code[pc+3])
		first := code[pc+2]
		for k := uint32(0); k < in.A; k++ {
			in.Regs = append(in.Regs, first+uint16(k))
		}
	case Fmt51l:
		in.A = hi
		in.Lit = int64(uint64(code[pc+1]) | uint64(code[pc+2])<<16 |
			uint64(code[pc+3])<<32 | uint64(code[pc+4])<<48)
	}
	return in, nil
}

func decodePayload(code []uint16, pc uint32, op Opcode) (Inst, error) {
	n := uint32(len(code))
	in := Inst{PC: pc, Op: op}
	switch op {
	case OpPackedSwitchPayload:
		if pc+2 > n {
			return Inst{}, fmt.Errorf("%w: packed-switch at pc %d", ErrBadPayload, pc)
		}
		size := uint32(code[pc+1])
		in.Size = size*2 + 4
		if pc+in.Size > n {
			return Inst{}, fmt.Errorf("%w: packed-switch at pc %d", ErrBadPayload, pc)
		}
		firstKey := int32(uint32(code[pc+2]) | uint32(code[pc+3])<<16)
		for k := uint32(0); k < size; k++ {
			off := int32(uint32(code[pc+4+k*2]) | uint32(code[pc+5+k*2])<<16)
			in.Keys = append(in.Keys, firstKey+int32(k))
			in.Targets = append(in.Targets, off)
		}
	case OpSparseSwitchPayload:
		if pc+2 > n {
			return Inst{}, fmt.Errorf("%w: sparse-switch at pc %d", ErrBadPayload, pc)
		}
		size := uint32(code[pc+1])
		in.Size = size*4 + 2
		if pc+in.Size > n {
			return Inst{}, fmt.Errorf("%w: sparse-switch at pc %d", ErrBadPayload, pc)
		}
		keys := pc + 2
		targs := keys + size*2
		for k := uint32(0); k < size; k++ {
			in.Keys = append(in.Keys, int32(uint32(code[keys+k*2])|uint32(code[keys+k*2+1])<<16))
			in.Targets = append(in.Targets, int32(uint32(code[targs+k*2])|uint32(code[targs+k*2+1])<<16))
		}
	case OpFillArrayPayload:
		if pc+4 > n {
			return Inst{}, fmt.Errorf("%w: fill-array-data at pc %d", ErrBadPayload, pc)
		}
		in.Width = code[pc+1]
		count := uint32(code[pc+2]) | uint32(code[pc+3])<<16
		byteLen := uint64(in.Width) * uint64(count)
		in.Size = uint32((byteLen+1)/2) + 4
		if pc+in.Size > n {
			return Inst{}, fmt.Errorf("%w: fill-array-data at pc %d", ErrBadPayload, pc)
		}
		in.Data = make([]byte, byteLen)
		for b := uint64(0); b < byteLen; b++ {
			unit := code[pc+4+uint32(b/2)]
			if b%2 == 0 {
				in.Data[b] = byte(unit)
			} else {
				in.Data[b] = byte(unit >> 8)
			}
		}
	default:
		return Inst{}, fmt.Errorf("%w: %#06x at pc %d", ErrUnknownOpcode, uint16(op), pc)
	}
	return in, nil
}
