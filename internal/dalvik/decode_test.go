package dalvik

import (
	"errors"
	"testing"
)

func mustDecode(t *testing.T, code []uint16) *Program {
	t.Helper()
	p, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return p
}

func TestDecodeLinear(t *testing.T) {
	// const/4 v0, #7; move v1, v0; return v1
	p := mustDecode(t, []uint16{0x7012, 0x0101, 0x010f})
	if len(p.PCs) != 3 {
		t.Fatalf("pcs = %v, want 3 instructions", p.PCs)
	}
	in, _ := p.At(0)
	if in.Op != OpConst4 || in.A != 0 || in.Lit != 7 {
		t.Errorf("const/4: %+v", in)
	}
	in, _ = p.At(1)
	if in.Op != OpMove || in.A != 1 || in.B != 0 {
		t.Errorf("move: %+v", in)
	}
	in, _ = p.At(2)
	if in.Op != OpReturn || in.A != 1 {
		t.Errorf("return: %+v", in)
	}
}

func TestDecodeNegativeConst4(t *testing.T) {
	// const/4 v2, #-1: literal nibble 0xf sign-extends
	p := mustDecode(t, []uint16{0xf212, 0x000e})
	in, _ := p.At(0)
	if in.Lit != -1 {
		t.Errorf("lit = %d, want -1", in.Lit)
	}
}

func TestDecodeBranchTargets(t *testing.T) {
	// 0: goto +2 (target 2); 1: nop; 2: return-void
	p := mustDecode(t, []uint16{0x0228, 0x0000, 0x000e})
	in, _ := p.At(0)
	if in.Op != OpGoto || in.Target != 2 {
		t.Errorf("goto: %+v", in)
	}

	// if-eq v0, v1 with offset -2 from pc 2
	p = mustDecode(t, []uint16{0x0000, 0x0000, 0x1032, 0xfffe})
	in, _ = p.At(2)
	if in.Op != OpIfEq || in.A != 0 || in.B != 1 || in.Target != 0 {
		t.Errorf("if-eq: %+v", in)
	}
}

func TestDecodeConstWideHigh16(t *testing.T) {
	// const-wide/high16 v0, #0x4000000000000000
	p := mustDecode(t, []uint16{0x0019, 0x4000})
	in, _ := p.At(0)
	if in.Lit != 0x4000<<48 {
		t.Errorf("lit = %#x, want %#x", in.Lit, int64(0x4000)<<48)
	}

	// const/high16 v0, #0x41000000 shifts only 16
	p = mustDecode(t, []uint16{0x0015, 0x4100})
	in, _ = p.At(0)
	if in.Lit != 0x4100<<16 {
		t.Errorf("lit = %#x, want %#x", in.Lit, int64(0x4100)<<16)
	}
}

func TestDecodeInvoke35c(t *testing.T) {
	// invoke-virtual {v4, v1, v2}, method@8
	// unit0: op 0x6e | G<<8 | A<<12; A=3, G unused
	// unit2: regs D C B A nibbles: C=v4 D? layout: [D|C|B|A] little nibbles
	p := mustDecode(t, []uint16{0x306e, 0x0008, 0x214})
	in, _ := p.At(0)
	if in.Op != OpInvokeVirtual {
		t.Fatalf("op = %v", in.Op.Mnemonic())
	}
	if in.B != 8 {
		t.Errorf("method idx = %d, want 8", in.B)
	}
	if len(in.Regs) != 3 || in.Regs[0] != 4 || in.Regs[1] != 1 || in.Regs[2] != 2 {
		t.Errorf("regs = %v, want [4 1 2]", in.Regs)
	}
	if in.Op.Invoke() != InvokeVirtual {
		t.Errorf("kind = %v", in.Op.Invoke())
	}
}

func TestDecodeInvokeRange(t *testing.T) {
	// invoke-static/range {v3..v6}, method@2
	p := mustDecode(t, []uint16{0x0477, 0x0002, 0x0003})
	in, _ := p.At(0)
	if in.Op != OpInvokeStaticRg || in.B != 2 {
		t.Fatalf("inst: %+v", in)
	}
	if len(in.Regs) != 4 || in.Regs[0] != 3 || in.Regs[3] != 6 {
		t.Errorf("regs = %v, want v3..v6", in.Regs)
	}
}

func TestDecodeBadArgCount(t *testing.T) {
	// invoke-virtual with A=6 is malformed
	if _, err := Decode([]uint16{0x606e, 0x0000, 0x0000}); err == nil {
		t.Fatal("accepted arg count 6")
	}
}

func TestDecodePackedSwitch(t *testing.T) {
	// 0: packed-switch v0, payload at +4
	// 3: return-void
	// 4: payload: ident, size=2, firstKey=10, targets {3, 3}
	code := []uint16{
		0x002b, 0x0004, 0x0000, // packed-switch v0, +4
		0x000e,                 // return-void
		0x0100, 0x0002,         // payload ident, size 2
		0x000a, 0x0000,         // first key = 10
		0x0003, 0x0000,         // target +3
		0x0003, 0x0000,         // target +3
	}
	p := mustDecode(t, code)
	in, _ := p.At(0)
	if in.Op != OpPackedSwitch || in.Target != 4 {
		t.Fatalf("switch: %+v", in)
	}
	pl, ok := p.At(4)
	if !ok || pl.Op != OpPackedSwitchPayload {
		t.Fatalf("payload: %+v", pl)
	}
	if pl.Size != 8 {
		t.Errorf("payload size = %d, want 8", pl.Size)
	}
	if len(pl.Keys) != 2 || pl.Keys[0] != 10 || pl.Keys[1] != 11 {
		t.Errorf("keys = %v, want [10 11]", pl.Keys)
	}
	if len(pl.Targets) != 2 || pl.Targets[0] != 3 {
		t.Errorf("targets = %v", pl.Targets)
	}
}

func TestDecodeSparseSwitchPayload(t *testing.T) {
	// standalone payload: ident, size=2, keys {-1, 100}, targets {5, 9}
	code := []uint16{
		0x0200, 0x0002,
		0xffff, 0xffff, // key -1
		0x0064, 0x0000, // key 100
		0x0005, 0x0000,
		0x0009, 0x0000,
	}
	p := mustDecode(t, code)
	pl, _ := p.At(0)
	if pl.Op != OpSparseSwitchPayload || pl.Size != 10 {
		t.Fatalf("payload: %+v", pl)
	}
	if pl.Keys[0] != -1 || pl.Keys[1] != 100 {
		t.Errorf("keys = %v", pl.Keys)
	}
	if pl.Targets[0] != 5 || pl.Targets[1] != 9 {
		t.Errorf("targets = %v", pl.Targets)
	}
}

func TestDecodeFillArrayPayload(t *testing.T) {
	// width=2, count=3, data 1,2,3 → 6 bytes in 3 units, size 7
	code := []uint16{
		0x0300, 0x0002,
		0x0003, 0x0000,
		0x0001, 0x0002, 0x0003,
	}
	p := mustDecode(t, code)
	pl, _ := p.At(0)
	if pl.Op != OpFillArrayPayload || pl.Size != 7 {
		t.Fatalf("payload: %+v", pl)
	}
	if pl.Width != 2 || len(pl.Data) != 6 {
		t.Errorf("width=%d data=%v", pl.Width, pl.Data)
	}
	if pl.Data[0] != 1 || pl.Data[2] != 2 || pl.Data[4] != 3 {
		t.Errorf("data = %v", pl.Data)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	if _, err := Decode([]uint16{0x0100, 0x0004, 0x0000, 0x0000}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	if _, err := Decode([]uint16{0x00f4}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("err = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecodeTruncatedInst(t *testing.T) {
	// const-wide needs 5 units
	if _, err := Decode([]uint16{0x0018, 0x0000}); !errors.Is(err, ErrTruncatedInst) {
		t.Fatalf("err = %v, want ErrTruncatedInst", err)
	}
}

func TestOpcodePredicates(t *testing.T) {
	if !OpThrow.CanThrow() || !OpInvokeStatic.CanThrow() || !OpDivInt.CanThrow() {
		t.Error("CanThrow false negatives")
	}
	if OpNop.CanThrow() || OpAddInt.CanThrow() {
		t.Error("CanThrow false positives")
	}
	if OpInvokeSuper.Invoke() != InvokeSuper || OpInvokeInterfRg.Invoke() != InvokeInterface {
		t.Error("Invoke kind mapping")
	}
	if OpAddInt.Invoke() != InvokeNone {
		t.Error("non-invoke mapped to a kind")
	}
	if !OpReturnVoid.IsReturn() || !OpGoto16.IsGoto() || !OpSparseSwitch.IsSwitch() {
		t.Error("terminator predicates")
	}
}
