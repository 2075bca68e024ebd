package typing

import (
	"fmt"

	"dexaudit/internal/dalvik"
	"dexaudit/internal/repo"
)

// member access variants, in opcode order within each field/array family
const (
	varPlain = iota
	varWide
	varObject
	varBoolean
	varByte
	varChar
	varShort
)

func exactPrimitive(variant int) string {
	switch variant {
	case varBoolean:
		return "Z"
	case varByte:
		return "B"
	case varChar:
		return "C"
	case varShort:
		return "S"
	}
	return ""
}

func (v *verifier) arrayOp(s *State, in dalvik.Inst) error {
	idx, err := s.readReg(in.C)
	if err != nil {
		return err
	}
	if err := require(idx, Integer, v.h); err != nil {
		return err
	}
	arr, err := s.readReg(in.B)
	if err != nil {
		return err
	}

	isGet := in.Op <= dalvik.OpAgetShort
	variant := int(in.Op - dalvik.OpAget)
	if !isGet {
		variant = int(in.Op - dalvik.OpAput)
	}

	if isGet {
		switch {
		case arr.Kind == KindArray && arr.Dim == 1:
			elem := *arr.Elem
			switch variant {
			case varPlain:
				if elem.Equal(Integer) || elem.Equal(Float) {
					return s.writeReg(in.A, elem)
				}
				return fmt.Errorf("%w: aget on %s", ErrExpectedArray, arr)
			case varWide:
				if err := require(elem, Join64, v.h); err != nil {
					return err
				}
				return s.writePair(in.A, elem)
			case varObject:
				if err := require(elem, ObjectType, v.h); err != nil {
					return err
				}
				return s.writeReg(in.A, elem)
			default:
				if !elem.Equal(Integer) {
					return fmt.Errorf("%w: %s on %s", ErrExpectedArray, in.Op.Mnemonic(), arr)
				}
				return s.writeReg(in.A, Integer)
			}
		case arr.Kind == KindArray && variant == varObject:
			// reading one dimension off a multidimensional array
			return s.writeReg(in.A, Array(arr.Dim-1, *arr.Elem))
		case arr.SubtypeOf(Null, v.h):
			switch variant {
			case varWide:
				return s.writePair(in.A, Meet64)
			case varObject:
				return s.writeReg(in.A, Null)
			default:
				return s.writeReg(in.A, Integer)
			}
		default:
			return fmt.Errorf("%w: got %s", ErrExpectedArray, arr)
		}
	}

	// aput family
	readSrc := s.readReg
	if variant == varWide {
		readSrc = s.readPair
	}
	src, err := readSrc(in.A)
	if err != nil {
		return err
	}
	bound := func(variant int) Type {
		switch variant {
		case varPlain:
			return Join32
		case varWide:
			return Join64
		case varObject:
			return ObjectType
		default:
			return Integer
		}
	}
	switch {
	case arr.Kind == KindNull || arr.Kind == KindMeetZero:
		return require(src, bound(variant), v.h)
	case arr.Kind == KindArray && arr.Dim == 1:
		if err := require(*arr.Elem, bound(variant), v.h); err != nil {
			return err
		}
		return require(src, *arr.Elem, v.h)
	case arr.Kind == KindArray && variant == varObject:
		return require(src, Array(arr.Dim-1, *arr.Elem), v.h)
	default:
		return fmt.Errorf("%w: got %s", ErrExpectedArray, arr)
	}
}

func (v *verifier) fieldOp(s *State, in dalvik.Inst) error {
	op := in.Op
	var fop FieldOp
	var variant int
	var fieldIdx, valueReg uint32
	ptrReg := uint32(0)
	switch {
	case op >= dalvik.OpIget && op <= dalvik.OpIgetShort:
		fop, variant = FieldIget, int(op-dalvik.OpIget)
		valueReg, ptrReg, fieldIdx = in.A, in.B, in.C
	case op >= dalvik.OpIput && op <= dalvik.OpIputShort:
		fop, variant = FieldIput, int(op-dalvik.OpIput)
		valueReg, ptrReg, fieldIdx = in.A, in.B, in.C
	case op >= dalvik.OpSget && op <= dalvik.OpSgetShort:
		fop, variant = FieldSget, int(op-dalvik.OpSget)
		valueReg, fieldIdx = in.A, in.B
	default:
		fop, variant = FieldSput, int(op-dalvik.OpSput)
		valueReg, fieldIdx = in.A, in.B
	}

	ref, err := v.m.Dex.Field(fieldIdx)
	if err != nil {
		return err
	}

	// width/type agreement between instruction variant and field type
	var fld Type
	if exact := exactPrimitive(variant); exact != "" {
		if ref.Type != exact {
			return fmt.Errorf("%w: %s on %s", ErrBadFieldType, op.Mnemonic(), ref.Type)
		}
		fld = Integer
	} else {
		fld, err = FromDescriptor(ref.Type)
		if err != nil {
			return err
		}
		switch variant {
		case varPlain:
			if err := require(Meet32, fld, v.h); err != nil {
				return err
			}
		case varWide:
			if err := require(Meet64, fld, v.h); err != nil {
				return err
			}
		case varObject:
			if err := require(fld, ObjectType, v.h); err != nil {
				return err
			}
		}
	}

	// instance ops check the receiver against the declaring class
	if fop == FieldIget || fop == FieldIput {
		ptr, err := s.readReg(ptrReg)
		if err != nil {
			return err
		}
		if err := require(ptr, Object(ref.Class), v.h); err != nil {
			return err
		}
	}

	// access control against the resolved declaration
	if f, res := v.rp.LookupField(ref.Class, ref.Name, ref.Type); res == repo.ResolvedMissing {
		v.noteFieldRef(in.PC, ref)
	} else if !AllowFieldOp(fop, fieldTraits(v.m, f, v.h)) {
		return fmt.Errorf("%w: %s %s", ErrAccess, op.Mnemonic(), f.Descriptor())
	}

	switch fop {
	case FieldIget, FieldSget:
		if variant == varWide {
			return s.writePair(valueReg, fld)
		}
		return s.writeReg(valueReg, fld)
	default:
		readSrc := s.readReg
		if variant == varWide {
			readSrc = s.readPair
		}
		src, err := readSrc(valueReg)
		if err != nil {
			return err
		}
		return require(src, fld, v.h)
	}
}

func (v *verifier) invoke(s *State, in dalvik.Inst) error {
	kind := in.Op.Invoke()
	if kind == dalvik.InvokePolymorphic || kind == dalvik.InvokeCustom {
		return fmt.Errorf("%w: %s", ErrUnsupported, in.Op.Mnemonic())
	}
	ref, err := v.m.Dex.Method(in.B)
	if err != nil {
		return err
	}

	args := in.Regs
	if kind != dalvik.InvokeStatic {
		if len(args) == 0 {
			return fmt.Errorf("%w: missing receiver", ErrBadArity)
		}
		definer, err := FromDescriptor(ref.Class)
		if err != nil {
			return err
		}
		if err := require(definer, ObjectType, v.h); err != nil {
			return err
		}
		this, err := s.readReg(uint32(args[0]))
		if err != nil {
			return err
		}
		if err := require(this, definer, v.h); err != nil {
			return err
		}
		args = args[1:]
	}

	i := 0
	for _, p := range ref.Proto.Params {
		if i >= len(args) {
			return fmt.Errorf("%w: %s", ErrBadArity, repo.RefDescriptor(ref))
		}
		pt, err := FromDescriptor(p)
		if err != nil {
			return err
		}
		var at Type
		if pt.Wide() {
			at, err = s.readPair(uint32(args[i]))
			i += 2
		} else {
			at, err = s.readReg(uint32(args[i]))
			i++
		}
		if err != nil {
			return err
		}
		if err := require(at, pt, v.h); err != nil {
			return err
		}
	}
	if i != len(args) {
		return fmt.Errorf("%w: %s", ErrBadArity, repo.RefDescriptor(ref))
	}

	// access control against the resolved callee
	if callee, res := v.rp.LookupMethod(ref.Class, ref.Name, ref.Proto); res == repo.ResolvedMissing {
		v.noteMethodRef(in.PC, ref)
	} else if !AllowInvoke(kind, invokeTraits(v.m, callee, v.h)) {
		return fmt.Errorf("%w: %s %s", ErrAccess, in.Op.Mnemonic(), callee.Descriptor())
	}

	if ref.Proto.Return != "V" {
		rt, err := FromDescriptor(ref.Proto.Return)
		if err != nil {
			return err
		}
		s.LastResult = &rt
	}
	return nil
}

func (v *verifier) unaryOp(s *State, in dalvik.Inst) error {
	type rule struct {
		src, dst         Type
		wideSrc, wideDst bool
	}
	var r rule
	switch in.Op {
	case dalvik.OpNegInt, dalvik.OpNotInt,
		dalvik.OpIntToByte, dalvik.OpIntToChar, dalvik.OpIntToShort:
		r = rule{src: Integer, dst: Integer}
	case dalvik.OpNegLong, dalvik.OpNotLong:
		r = rule{src: Long, dst: Long, wideSrc: true, wideDst: true}
	case dalvik.OpNegFloat:
		r = rule{src: Float, dst: Float}
	case dalvik.OpNegDouble:
		r = rule{src: Double, dst: Double, wideSrc: true, wideDst: true}
	case dalvik.OpIntToLong:
		r = rule{src: Integer, dst: Long, wideDst: true}
	case dalvik.OpIntToFloat:
		r = rule{src: Integer, dst: Float}
	case dalvik.OpIntToDouble:
		r = rule{src: Integer, dst: Double, wideDst: true}
	case dalvik.OpLongToInt:
		r = rule{src: Long, dst: Integer, wideSrc: true}
	case dalvik.OpLongToFloat:
		r = rule{src: Long, dst: Float, wideSrc: true}
	case dalvik.OpLongToDouble:
		r = rule{src: Long, dst: Double, wideSrc: true, wideDst: true}
	case dalvik.OpFloatToInt:
		r = rule{src: Float, dst: Integer}
	case dalvik.OpFloatToLong:
		r = rule{src: Float, dst: Long, wideDst: true}
	case dalvik.OpFloatToDouble:
		r = rule{src: Float, dst: Double, wideDst: true}
	case dalvik.OpDoubleToInt:
		r = rule{src: Double, dst: Integer, wideSrc: true}
	case dalvik.OpDoubleToLong:
		r = rule{src: Double, dst: Long, wideSrc: true, wideDst: true}
	case dalvik.OpDoubleToFloat:
		r = rule{src: Double, dst: Float, wideSrc: true}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, in.Op.Mnemonic())
	}
	read := s.readReg
	if r.wideSrc {
		read = s.readPair
	}
	t, err := read(in.B)
	if err != nil {
		return err
	}
	if err := require(t, r.src, v.h); err != nil {
		return err
	}
	if r.wideDst {
		return s.writePair(in.A, r.dst)
	}
	return s.writeReg(in.A, r.dst)
}

func (v *verifier) binOp(s *State, in dalvik.Inst, twoAddr bool) error {
	base := in.Op
	dst, src1, src2 := in.A, in.B, in.C
	if twoAddr {
		base -= 0x20
		dst, src1, src2 = in.A, in.A, in.B
	}

	check := func(want Type, wide, shift bool) error {
		read1 := s.readReg
		if wide {
			read1 = s.readPair
		}
		t1, err := read1(src1)
		if err != nil {
			return err
		}
		if err := require(t1, want, v.h); err != nil {
			return err
		}
		read2 := read1
		want2 := want
		if shift {
			read2, want2 = s.readReg, Integer
		}
		t2, err := read2(src2)
		if err != nil {
			return err
		}
		if err := require(t2, want2, v.h); err != nil {
			return err
		}
		if wide {
			return s.writePair(dst, want)
		}
		return s.writeReg(dst, want)
	}

	switch {
	case base >= dalvik.OpAddInt && base <= dalvik.OpUshrInt:
		return check(Integer, false, false)
	case base >= dalvik.OpAddLong && base <= dalvik.OpXorLong:
		return check(Long, true, false)
	case base >= dalvik.OpShlLong && base <= dalvik.OpUshrLong:
		return check(Long, true, true)
	case base >= dalvik.OpAddFloat && base <= dalvik.OpRemFloat:
		return check(Float, false, false)
	default:
		return check(Double, true, false)
	}
}
