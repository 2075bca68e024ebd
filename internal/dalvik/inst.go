package dalvik

import (
	"fmt"
	"strings"
)

// String renders the instruction in a smali-like form, with pool indexes
// shown as @N. Callers that can resolve indexes against a pool should
// prefer their own rendering.
func (in Inst) String() string {
	m := in.Op.Mnemonic()
	switch in.Op.format() {
	case Fmt10x:
		return m
	case Fmt12x:
		return fmt.Sprintf("%s v%d, v%d", m, in.A, in.B)
	case Fmt11n:
		return fmt.Sprintf("%s v%d, #%d", m, in.A, in.Lit)
	case Fmt11x:
		return fmt.Sprintf("%s v%d", m, in.A)
	case Fmt10t, Fmt20t, Fmt30t:
		return fmt.Sprintf("%s %+d", m, in.Target-int64(in.PC))
	case Fmt22x, Fmt32x:
		return fmt.Sprintf("%s v%d, v%d", m, in.A, in.B)
	case Fmt21t:
		return fmt.Sprintf("%s v%d, %+d", m, in.A, in.Target-int64(in.PC))
	case Fmt21s, Fmt21h, Fmt31i, Fmt51l:
		return fmt.Sprintf("%s v%d, #%d", m, in.A, in.Lit)
	case Fmt21c, Fmt31c:
		return fmt.Sprintf("%s v%d, @%d", m, in.A, in.B)
	case Fmt23x:
		return fmt.Sprintf("%s v%d, v%d, v%d", m, in.A, in.B, in.C)
	case Fmt22b:
		return fmt.Sprintf("%s v%d, v%d, #%d", m, in.A, in.B, in.Lit)
	case Fmt22t:
		return fmt.Sprintf("%s v%d, v%d, %+d", m, in.A, in.B, in.Target-int64(in.PC))
	case Fmt22s:
		return fmt.Sprintf("%s v%d, v%d, #%d", m, in.A, in.B, in.Lit)
	case Fmt22c:
		return fmt.Sprintf("%s v%d, v%d, @%d", m, in.A, in.B, in.C)
	case Fmt31t:
		return fmt.Sprintf("%s v%d, %+d", m, in.A, in.Target-int64(in.PC))
	case Fmt35c, Fmt45cc:
		return fmt.Sprintf("%s {%s}, @%d", m, regList(in.Regs), in.B)
	case Fmt3rc, Fmt4rcc:
		return fmt.Sprintf("%s {%s}, @%d", m, regList(in.Regs), in.B)
	}
	switch in.Op {
	case OpPackedSwitchPayload, OpSparseSwitchPayload:
		return fmt.Sprintf("%s (%d entries)", m, len(in.Keys))
	case OpFillArrayPayload:
		return fmt.Sprintf("%s (%d bytes)", m, len(in.Data))
	}
	return m
}

func regList(regs []uint16) string {
	var b strings.Builder
	for i, r := range regs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "v%d", r)
	}
	return b.String()
}
