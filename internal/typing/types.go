// Package typing implements the abstract register-type lattice and the
// dataflow bytecode verifier built on it.
package typing

import (
	"fmt"
	"sort"
	"strings"

	"dexaudit/internal/dex"
	"dexaudit/internal/repo"
)

// Kind discriminates the lattice cases. Object and Arr carry payloads in
// Type; every other kind is a scalar point of the lattice.
type Kind uint8

const (
	KindBottom Kind = iota
	KindMeetZero
	KindNull
	KindMeet32
	KindFloat
	KindInteger
	KindJoin32
	KindJoinZero
	KindMeet64
	KindDouble
	KindLong
	KindJoin64
	KindObject
	KindArray
	KindTop
)

// Type is one point of the join-semilattice of register types. It is a
// value type: Set is a sorted conjunctive class set (never aliased after
// construction) and Elem is only read.
type Type struct {
	Kind Kind
	Set  []string // KindObject: sorted class descriptors, non-empty
	Dim  int      // KindArray
	Elem *Type    // KindArray
}

// Scalar lattice points.
var (
	Top      = Type{Kind: KindTop}
	Bottom   = Type{Kind: KindBottom}
	Integer  = Type{Kind: KindInteger}
	Float    = Type{Kind: KindFloat}
	Long     = Type{Kind: KindLong}
	Double   = Type{Kind: KindDouble}
	Join32   = Type{Kind: KindJoin32}
	Join64   = Type{Kind: KindJoin64}
	JoinZero = Type{Kind: KindJoinZero}
	Meet32   = Type{Kind: KindMeet32}
	Meet64   = Type{Kind: KindMeet64}
	MeetZero = Type{Kind: KindMeetZero}
	Null     = Type{Kind: KindNull}
)

// Well-known reference types.
var (
	ObjectType    = Object(repo.ObjectClass)
	ThrowableType = Object("Ljava/lang/Throwable;")
	StringType    = Object("Ljava/lang/String;")
	ClassType     = Object("Ljava/lang/Class;")
)

// Object builds a conjunctive class type from one or more descriptors.
func Object(classes ...string) Type {
	set := append([]string(nil), classes...)
	sort.Strings(set)
	set = dedupSorted(set)
	return Type{Kind: KindObject, Set: set}
}

// Array builds an array type of the given dimension over elem.
func Array(dim int, elem Type) Type {
	e := elem
	return Type{Kind: KindArray, Dim: dim, Elem: &e}
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// FromDescriptor maps a DEX type descriptor to its abstract type. All
// 32-bit integral primitives collapse to Integer. Void has no value
// type.
func FromDescriptor(desc string) (Type, error) {
	td, err := dex.ParseTypeDesc(desc)
	if err != nil {
		return Type{}, err
	}
	return fromTypeDesc(td)
}

func fromTypeDesc(td dex.TypeDesc) (Type, error) {
	switch td.Kind {
	case dex.KindVoid:
		return Type{}, fmt.Errorf("typing: void has no value type")
	case dex.KindBoolean, dex.KindByte, dex.KindShort, dex.KindChar, dex.KindInt:
		return Integer, nil
	case dex.KindLong:
		return Long, nil
	case dex.KindFloat:
		return Float, nil
	case dex.KindDouble:
		return Double, nil
	case dex.KindClass:
		return Object("L" + td.Class + ";"), nil
	case dex.KindArray:
		elem, err := fromTypeDesc(*td.Elem)
		if err != nil {
			return Type{}, err
		}
		return Array(td.Dim, elem), nil
	}
	return Type{}, fmt.Errorf("typing: bad descriptor kind %d", td.Kind)
}

// Wide reports whether the type occupies a register pair.
func (t Type) Wide() bool {
	switch t.Kind {
	case KindLong, KindDouble, KindMeet64, KindJoin64:
		return true
	}
	return false
}

// Equal is structural equality.
func (t Type) Equal(u Type) bool {
	if t.Kind != u.Kind {
		return false
	}
	switch t.Kind {
	case KindObject:
		if len(t.Set) != len(u.Set) {
			return false
		}
		for i := range t.Set {
			if t.Set[i] != u.Set[i] {
				return false
			}
		}
		return true
	case KindArray:
		return t.Dim == u.Dim && t.Elem.Equal(*u.Elem)
	}
	return true
}

func (t Type) isObjectSingleton(class string) bool {
	return t.Kind == KindObject && len(t.Set) == 1 && t.Set[0] == class
}

func (t Type) String() string {
	switch t.Kind {
	case KindTop:
		return "top"
	case KindBottom:
		return "bottom"
	case KindJoin64:
		return "join64"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindMeet64:
		return "meet64"
	case KindJoinZero:
		return "joinzero"
	case KindJoin32:
		return "join32"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindMeet32:
		return "meet32"
	case KindNull:
		return "null"
	case KindMeetZero:
		return "meetzero"
	case KindObject:
		return "obj[" + strings.Join(t.Set, " & ") + "]"
	case KindArray:
		return fmt.Sprintf("arr[%d x %s]", t.Dim, t.Elem)
	}
	return "?"
}

// SubtypeOf reports t ⊑ u in the lattice order, with conjunctive class
// sets compared through the hierarchy.
func (t Type) SubtypeOf(u Type, h *repo.Hierarchy) bool {
	if u.Kind == KindTop || t.Kind == KindBottom {
		return true
	}
	switch {
	case t.Kind == u.Kind && t.Kind != KindObject && t.Kind != KindArray:
		return true
	case u.Kind == KindJoin64:
		return t.Kind == KindDouble || t.Kind == KindLong || t.Kind == KindMeet64
	case u.Kind == KindJoin32:
		switch t.Kind {
		case KindFloat, KindInteger, KindMeet32, KindMeetZero:
			return true
		}
		return false
	case u.Kind == KindJoinZero:
		switch t.Kind {
		case KindInteger, KindObject, KindMeet32, KindArray, KindMeetZero, KindNull:
			return true
		}
		return false
	case u.Kind == KindDouble:
		return t.Kind == KindMeet64
	case u.Kind == KindLong:
		return t.Kind == KindMeet64
	case u.Kind == KindFloat, u.Kind == KindInteger, u.Kind == KindMeet32:
		return t.Kind == KindMeet32 && u.Kind != KindMeet32 || t.Kind == KindMeetZero
	case u.Kind == KindObject:
		switch t.Kind {
		case KindObject:
			for _, o2 := range u.Set {
				found := false
				for _, o1 := range t.Set {
					if h.Inherits(o1, o2) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
			return true
		case KindArray:
			return u.isObjectSingleton(repo.ObjectClass) ||
				u.isObjectSingleton("Ljava/io/Serializable;")
		case KindNull, KindMeetZero:
			return true
		}
		return false
	case u.Kind == KindArray:
		switch t.Kind {
		case KindArray:
			if t.Dim == u.Dim {
				return t.Elem.SubtypeOf(*u.Elem, h)
			}
			return u.Dim < t.Dim &&
				(u.Elem.isObjectSingleton(repo.ObjectClass) ||
					u.Elem.Kind == KindJoinZero ||
					u.Elem.Kind == KindTop)
		case KindNull, KindMeetZero:
			return true
		}
		return false
	case u.Kind == KindNull:
		return t.Kind == KindMeetZero
	}
	return false
}

// Join is the least upper bound. Conjunctive sets join through the
// minimal common ancestors of every class pair; arrays of equal
// dimension join elementwise and everything else reference-shaped
// degrades to Object.
func Join(a, b Type, h *repo.Hierarchy) Type {
	if a.SubtypeOf(b, h) {
		return b
	}
	if b.SubtypeOf(a, h) {
		return a
	}
	switch {
	case a.Kind == KindDouble && b.Kind == KindLong,
		a.Kind == KindLong && b.Kind == KindDouble:
		return Join64
	case a.Kind == KindFloat && b.Kind == KindInteger,
		a.Kind == KindInteger && b.Kind == KindFloat:
		return Join32
	case is32OrZero(a.Kind) && isReference(b.Kind),
		isReference(a.Kind) && is32OrZero(b.Kind):
		return JoinZero
	case a.Kind == KindObject && b.Kind == KindObject:
		var res []string
		for _, o1 := range a.Set {
			for _, o2 := range b.Set {
				res = append(res, h.LeastCommonTypes(o1, o2)...)
			}
		}
		return Object(res...)
	case a.Kind == KindArray && b.Kind == KindObject,
		a.Kind == KindObject && b.Kind == KindArray:
		return ObjectType
	case a.Kind == KindArray && b.Kind == KindArray:
		if a.Dim == b.Dim {
			return Array(a.Dim, Join(*a.Elem, *b.Elem, h))
		}
		return ObjectType
	}
	return Top
}

// is32OrZero covers the kinds whose join with a reference is JoinZero:
// plain 32-bit integers, 32-bit constants, and null-or-int constants.
func is32OrZero(k Kind) bool {
	return k == KindInteger || k == KindMeet32
}

func isReference(k Kind) bool {
	return k == KindObject || k == KindArray || k == KindNull
}

// Meet is the greatest lower bound, the dual of Join. Conjunctive sets
// meet by union minus subsumed entries.
func Meet(a, b Type, h *repo.Hierarchy) Type {
	if a.SubtypeOf(b, h) {
		return a
	}
	if b.SubtypeOf(a, h) {
		return b
	}
	switch {
	case a.Kind == KindDouble && b.Kind == KindLong,
		a.Kind == KindLong && b.Kind == KindDouble:
		return Meet64
	case a.Kind == KindFloat && b.Kind == KindInteger,
		a.Kind == KindInteger && b.Kind == KindFloat,
		a.Kind == KindFloat && b.Kind == KindJoinZero,
		a.Kind == KindJoinZero && b.Kind == KindFloat:
		return Meet32
	case a.Kind == KindJoinZero && b.Kind == KindJoin32,
		a.Kind == KindJoin32 && b.Kind == KindJoinZero:
		return Integer
	case is32Meet(a.Kind) && isReference(b.Kind),
		isReference(a.Kind) && is32Meet(b.Kind):
		return MeetZero
	case a.Kind == KindObject && b.Kind == KindObject:
		return meetObjects(a.Set, b.Set, h)
	case a.Kind == KindArray && b.Kind == KindObject,
		a.Kind == KindObject && b.Kind == KindArray:
		return Null
	case a.Kind == KindArray && b.Kind == KindArray:
		if a.Dim == b.Dim {
			return Array(a.Dim, Meet(*a.Elem, *b.Elem, h))
		}
		return Null
	}
	return Bottom
}

func is32Meet(k Kind) bool {
	return k == KindInteger || k == KindFloat || k == KindMeet32
}

// meetObjects keeps, out of the union of both sets, only the classes not
// subsumed by a more specific class from the other set.
func meetObjects(s1, s2 []string, h *repo.Hierarchy) Type {
	drop := make(map[string]bool)
	ignore := make(map[string]bool)
	for _, o1 := range s1 {
		for _, o2 := range s2 {
			if !ignore[o2] && h.Inherits(o1, o2) {
				drop[o2] = true
				ignore[o2] = true
				break
			}
		}
	}
	for _, o2 := range s2 {
		if ignore[o2] {
			continue
		}
		for _, o1 := range s1 {
			if h.Inherits(o2, o1) {
				drop[o1] = true
				break
			}
		}
	}
	var res []string
	for _, o := range s1 {
		if !drop[o] {
			res = append(res, o)
		}
	}
	for _, o := range s2 {
		if !drop[o] {
			res = append(res, o)
		}
	}
	return Object(res...)
}
