package dex

import (
	"errors"
	"strings"
)

// Access flags for classes, methods and fields.
const (
	AccPublic               = 0x00001
	AccPrivate              = 0x00002
	AccProtected            = 0x00004
	AccStatic               = 0x00008
	AccFinal                = 0x00010
	AccSynchronized         = 0x00020
	AccVolatile             = 0x00040
	AccBridge               = 0x00040
	AccTransient            = 0x00080
	AccVarargs              = 0x00080
	AccNative               = 0x00100
	AccInterface            = 0x00200
	AccAbstract             = 0x00400
	AccStrict               = 0x00800
	AccSynthetic            = 0x01000
	AccAnnotation           = 0x02000
	AccEnum                 = 0x04000
	AccConstructor          = 0x10000
	AccDeclaredSynchronized = 0x20000
)

// TypeKind classifies a parsed descriptor.
type TypeKind int

const (
	KindVoid TypeKind = iota
	KindBoolean
	KindByte
	KindShort
	KindChar
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindClass
	KindArray
)

var ErrBadDescriptor = errors.New("dex: malformed type descriptor")

// MaxArrayDim is the format's bound on array nesting: the dimension of an
// array type fits a byte.
const MaxArrayDim = 255

// TypeDesc is a structured type descriptor. For arrays, Elem describes the
// element with Dim layers of nesting removed.
type TypeDesc struct {
	Kind  TypeKind
	Class string // internal form without L;, e.g. "java/lang/String"; KindClass only
	Dim   int    // KindArray only
	Elem  *TypeDesc
}

// ParseTypeDesc parses a DEX type descriptor such as "I", "Lfoo/Bar;" or
// "[[J".
func ParseTypeDesc(s string) (TypeDesc, error) {
	if s == "" {
		return TypeDesc{}, ErrBadDescriptor
	}
	dim := 0
	for dim < len(s) && s[dim] == '[' {
		dim++
	}
	if dim > MaxArrayDim {
		return TypeDesc{}, ErrBadDescriptor
	}
	rest := s[dim:]
	if rest == "" {
		return TypeDesc{}, ErrBadDescriptor
	}
	var elem TypeDesc
	switch rest[0] {
	case 'V':
		elem = TypeDesc{Kind: KindVoid}
	case 'Z':
		elem = TypeDesc{Kind: KindBoolean}
	case 'B':
		elem = TypeDesc{Kind: KindByte}
	case 'S':
		elem = TypeDesc{Kind: KindShort}
	case 'C':
		elem = TypeDesc{Kind: KindChar}
	case 'I':
		elem = TypeDesc{Kind: KindInt}
	case 'J':
		elem = TypeDesc{Kind: KindLong}
	case 'F':
		elem = TypeDesc{Kind: KindFloat}
	case 'D':
		elem = TypeDesc{Kind: KindDouble}
	case 'L':
		if !strings.HasSuffix(rest, ";") || len(rest) < 3 {
			return TypeDesc{}, ErrBadDescriptor
		}
		elem = TypeDesc{Kind: KindClass, Class: rest[1 : len(rest)-1]}
	default:
		return TypeDesc{}, ErrBadDescriptor
	}
	if len(rest) > 1 && rest[0] != 'L' {
		return TypeDesc{}, ErrBadDescriptor
	}
	if dim == 0 {
		return elem, nil
	}
	if elem.Kind == KindVoid {
		return TypeDesc{}, ErrBadDescriptor
	}
	return TypeDesc{Kind: KindArray, Dim: dim, Elem: &elem}, nil
}

// Wide reports whether the descriptor denotes a 64-bit value (J or D),
// which occupies a register pair.
func (t TypeDesc) Wide() bool { return t.Kind == KindLong || t.Kind == KindDouble }

// IsReference reports whether the descriptor denotes a class or array type.
func (t TypeDesc) IsReference() bool { return t.Kind == KindClass || t.Kind == KindArray }

// WideDescriptor reports whether a raw descriptor string denotes a 64-bit
// value without a full parse.
func WideDescriptor(s string) bool { return s == "J" || s == "D" }

// ReferenceDescriptor reports whether a raw descriptor string denotes a
// class or array type.
func ReferenceDescriptor(s string) bool {
	return len(s) > 0 && (s[0] == 'L' || s[0] == '[')
}
