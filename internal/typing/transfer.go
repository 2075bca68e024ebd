package typing

import (
	"fmt"

	"dexaudit/internal/dalvik"
)

var boxedPrimitives = map[string]string{
	"Z": "Ljava/lang/Boolean;",
	"B": "Ljava/lang/Byte;",
	"S": "Ljava/lang/Short;",
	"C": "Ljava/lang/Character;",
	"I": "Ljava/lang/Integer;",
	"J": "Ljava/lang/Long;",
	"F": "Ljava/lang/Float;",
	"D": "Ljava/lang/Double;",
}

// transfer applies one instruction to the state. The transient result
// and exception slots are consumed here: they only survive from an
// instruction to its immediate successor.
func (v *verifier) transfer(s *State, in dalvik.Inst) error {
	lastResult := s.LastResult
	lastException := s.LastException
	s.LastResult = nil
	s.LastException = nil

	op := in.Op
	switch {
	case op == dalvik.OpNop || op.IsGoto() || op.IsPayload():
		return nil

	case op == dalvik.OpMove || op == dalvik.OpMoveFrom16 || op == dalvik.OpMove16:
		t, err := s.readReg(in.B)
		if err != nil {
			return err
		}
		if err := require(t, Join32, v.h); err != nil {
			return err
		}
		return s.writeReg(in.A, t)
	case op == dalvik.OpMoveWide || op == dalvik.OpMoveWideFrom16 || op == dalvik.OpMoveWide16:
		t, err := s.readPair(in.B)
		if err != nil {
			return err
		}
		if err := require(t, Join64, v.h); err != nil {
			return err
		}
		return s.writePair(in.A, t)
	case op == dalvik.OpMoveObject || op == dalvik.OpMoveObjectFrom16 || op == dalvik.OpMoveObject16:
		t, err := s.readReg(in.B)
		if err != nil {
			return err
		}
		if err := require(t, ObjectType, v.h); err != nil {
			return err
		}
		return s.writeReg(in.A, t)

	case op == dalvik.OpMoveResult:
		if lastResult == nil {
			return ErrMissingResult
		}
		if err := require(*lastResult, Join32, v.h); err != nil {
			return err
		}
		return s.writeReg(in.A, *lastResult)
	case op == dalvik.OpMoveResultWide:
		if lastResult == nil {
			return ErrMissingResult
		}
		if err := require(*lastResult, Join64, v.h); err != nil {
			return err
		}
		return s.writePair(in.A, *lastResult)
	case op == dalvik.OpMoveResultObject:
		if lastResult == nil {
			return ErrMissingResult
		}
		if err := require(*lastResult, ObjectType, v.h); err != nil {
			return err
		}
		return s.writeReg(in.A, *lastResult)
	case op == dalvik.OpMoveException:
		if lastException == nil {
			return ErrMissingException
		}
		if err := require(*lastException, ThrowableType, v.h); err != nil {
			return err
		}
		return s.writeReg(in.A, *lastException)

	case op == dalvik.OpReturnVoid:
		if s.Expected != nil {
			return ErrBadReturn
		}
		return nil
	case op == dalvik.OpReturn:
		if s.Expected == nil {
			return ErrBadReturn
		}
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		if err := require(*s.Expected, Join32, v.h); err != nil {
			return err
		}
		return require(t, *s.Expected, v.h)
	case op == dalvik.OpReturnWide:
		if s.Expected == nil {
			return ErrBadReturn
		}
		t, err := s.readPair(in.A)
		if err != nil {
			return err
		}
		if err := require(*s.Expected, Join64, v.h); err != nil {
			return err
		}
		return require(t, *s.Expected, v.h)
	case op == dalvik.OpReturnObject:
		if s.Expected == nil {
			return ErrBadReturn
		}
		if err := require(*s.Expected, ObjectType, v.h); err != nil {
			return err
		}
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		return require(t, *s.Expected, v.h)

	case op == dalvik.OpConst4 || op == dalvik.OpConst16 || op == dalvik.OpConst ||
		op == dalvik.OpConstHigh16:
		if in.Lit == 0 {
			return s.writeReg(in.A, MeetZero)
		}
		return s.writeReg(in.A, Meet32)
	case op == dalvik.OpConstWide16 || op == dalvik.OpConstWide32 ||
		op == dalvik.OpConstWide || op == dalvik.OpConstWideHigh16:
		return s.writePair(in.A, Meet64)
	case op == dalvik.OpConstString || op == dalvik.OpConstStringJumbo:
		if _, err := v.m.Dex.String(in.B); err != nil {
			return err
		}
		return s.writeReg(in.A, StringType)
	case op == dalvik.OpConstClass:
		desc, err := v.m.Dex.TypeName(in.B)
		if err != nil {
			return err
		}
		if boxed, ok := boxedPrimitives[desc]; ok {
			desc = boxed
		}
		if _, err := FromDescriptor(desc); err != nil {
			return err
		}
		v.noteClassRef(in.PC, desc)
		return s.writeReg(in.A, ClassType)

	case op == dalvik.OpMonitorEnter || op == dalvik.OpMonitorExit:
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		return require(t, ObjectType, v.h)
	case op == dalvik.OpCheckCast:
		desc, err := v.m.Dex.TypeName(in.B)
		if err != nil {
			return err
		}
		cls, err := FromDescriptor(desc)
		if err != nil {
			return err
		}
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		if err := require(t, ObjectType, v.h); err != nil {
			return err
		}
		v.noteClassRef(in.PC, desc)
		// on the success path the register holds the cast type
		return s.writeReg(in.A, cls)
	case op == dalvik.OpInstanceOf:
		desc, err := v.m.Dex.TypeName(in.C)
		if err != nil {
			return err
		}
		cls, err := FromDescriptor(desc)
		if err != nil {
			return err
		}
		if err := require(cls, ObjectType, v.h); err != nil {
			return err
		}
		t, err := s.readReg(in.B)
		if err != nil {
			return err
		}
		if err := require(t, ObjectType, v.h); err != nil {
			return err
		}
		v.noteClassRef(in.PC, desc)
		return s.writeReg(in.A, Integer)
	case op == dalvik.OpArrayLength:
		t, err := s.readReg(in.B)
		if err != nil {
			return err
		}
		if t.Kind != KindArray && !t.SubtypeOf(Null, v.h) {
			return fmt.Errorf("%w: got %s", ErrExpectedArray, t)
		}
		return s.writeReg(in.A, Integer)

	case op == dalvik.OpNewInstance:
		desc, err := v.m.Dex.TypeName(in.B)
		if err != nil {
			return err
		}
		t, err := FromDescriptor(desc)
		if err != nil {
			return err
		}
		if t.Kind != KindObject {
			return fmt.Errorf("%w: got %s", ErrExpectedClass, t)
		}
		v.noteClassRef(in.PC, desc)
		return s.writeReg(in.A, t)
	case op == dalvik.OpNewArray:
		desc, err := v.m.Dex.TypeName(in.C)
		if err != nil {
			return err
		}
		t, err := FromDescriptor(desc)
		if err != nil {
			return err
		}
		siz, err := s.readReg(in.B)
		if err != nil {
			return err
		}
		if err := require(siz, Integer, v.h); err != nil {
			return err
		}
		if t.Kind != KindArray {
			return fmt.Errorf("%w: got %s", ErrExpectedArray, t)
		}
		return s.writeReg(in.A, t)

	case op == dalvik.OpFilledNewArray || op == dalvik.OpFilledNewArrayRg:
		desc, err := v.m.Dex.TypeName(in.B)
		if err != nil {
			return err
		}
		t, err := FromDescriptor(desc)
		if err != nil {
			return err
		}
		switch {
		case t.Kind == KindArray && t.Dim == 1:
			if err := require(*t.Elem, JoinZero, v.h); err != nil {
				return err
			}
			for _, r := range in.Regs {
				at, err := s.readReg(uint32(r))
				if err != nil {
					return err
				}
				if err := require(at, *t.Elem, v.h); err != nil {
					return err
				}
			}
			s.LastResult = &t
			return nil
		case t.SubtypeOf(Null, v.h):
			return nil
		default:
			return fmt.Errorf("%w: got %s", ErrExpectedArray, t)
		}
	case op == dalvik.OpFillArrayData:
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		if (t.Kind == KindArray && t.Dim == 1) || t.SubtypeOf(Null, v.h) {
			return nil
		}
		return fmt.Errorf("%w: got %s", ErrExpectedArray, t)

	case op == dalvik.OpThrow:
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		if err := require(t, ThrowableType, v.h); err != nil {
			return err
		}
		s.LastException = &t
		return nil

	case op.IsSwitch():
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		return require(t, Integer, v.h)

	case op == dalvik.OpCmplFloat || op == dalvik.OpCmpgFloat:
		return v.cmp(s, in, Float, false)
	case op == dalvik.OpCmplDouble || op == dalvik.OpCmpgDouble:
		return v.cmp(s, in, Double, true)
	case op == dalvik.OpCmpLong:
		return v.cmp(s, in, Long, true)

	case op == dalvik.OpIfEq || op == dalvik.OpIfNe:
		return v.ifPair(s, in, JoinZero)
	case op >= dalvik.OpIfLt && op <= dalvik.OpIfLe:
		return v.ifPair(s, in, Integer)
	case op == dalvik.OpIfEqz || op == dalvik.OpIfNez:
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		return require(t, JoinZero, v.h)
	case op >= dalvik.OpIfLtz && op <= dalvik.OpIfLez:
		t, err := s.readReg(in.A)
		if err != nil {
			return err
		}
		return require(t, Integer, v.h)

	case op >= dalvik.OpAget && op <= dalvik.OpAputShort:
		return v.arrayOp(s, in)

	case op >= dalvik.OpIget && op <= dalvik.OpSputShort:
		return v.fieldOp(s, in)

	case op.Invoke() != dalvik.InvokeNone:
		return v.invoke(s, in)

	case op >= dalvik.OpNegInt && op <= dalvik.OpIntToShort:
		return v.unaryOp(s, in)
	case op >= dalvik.OpAddInt && op <= dalvik.OpRemDouble:
		return v.binOp(s, in, false)
	case op >= dalvik.OpAddInt2 && op <= dalvik.OpRemDouble2:
		return v.binOp(s, in, true)
	case op >= dalvik.OpAddIntLit16 && op <= dalvik.OpUshrIntLit8:
		t, err := s.readReg(in.B)
		if err != nil {
			return err
		}
		if err := require(t, Integer, v.h); err != nil {
			return err
		}
		return s.writeReg(in.A, Integer)

	case op == dalvik.OpConstMethodHdl || op == dalvik.OpConstMethodType:
		return fmt.Errorf("%w: %s", ErrUnsupported, op.Mnemonic())
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, op.Mnemonic())
}

func (v *verifier) cmp(s *State, in dalvik.Inst, want Type, wide bool) error {
	read := s.readReg
	if wide {
		read = s.readPair
	}
	t1, err := read(in.B)
	if err != nil {
		return err
	}
	t2, err := read(in.C)
	if err != nil {
		return err
	}
	if err := require(t1, want, v.h); err != nil {
		return err
	}
	if err := require(t2, want, v.h); err != nil {
		return err
	}
	return s.writeReg(in.A, Integer)
}

func (v *verifier) ifPair(s *State, in dalvik.Inst, want Type) error {
	t1, err := s.readReg(in.A)
	if err != nil {
		return err
	}
	t2, err := s.readReg(in.B)
	if err != nil {
		return err
	}
	return require(Join(t1, t2, v.h), want, v.h)
}
