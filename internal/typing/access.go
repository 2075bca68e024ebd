package typing

import (
	"strings"

	"dexaudit/internal/dalvik"
	"dexaudit/internal/dex"
	"dexaudit/internal/repo"
)

// FieldOp classifies the four field access families.
type FieldOp int

const (
	FieldIget FieldOp = iota
	FieldIput
	FieldSget
	FieldSput
)

// FieldTraits are the modifier facts an access check of a field op
// consumes.
type FieldTraits struct {
	Accessible    bool
	Static        bool
	Final         bool
	InConstructor bool // the accessing method is a constructor
}

// AllowFieldOp is the access predicate for field instructions.
func AllowFieldOp(op FieldOp, t FieldTraits) bool {
	switch op {
	case FieldIget:
		return t.Accessible && !t.Static
	case FieldIput:
		return t.Accessible && !t.Static && (!t.Final || t.InConstructor)
	case FieldSget:
		return t.Accessible && t.Static
	case FieldSput:
		return t.Accessible && t.Static && !t.Final
	}
	return false
}

// InvokeTraits are the modifier facts an access check of an invoke
// consumes.
type InvokeTraits struct {
	Accessible        bool
	Static            bool
	Interface         bool // the declaring type is an interface
	Private           bool
	Final             bool
	Constructor       bool
	CallerInherits    bool // caller's class inherits the declaring type
	CallerConstructor bool
}

// AllowInvoke is the access predicate for invoke instructions. Kinds not
// in the table (polymorphic, custom) are always permitted.
func AllowInvoke(kind dalvik.InvokeKind, t InvokeTraits) bool {
	switch kind {
	case dalvik.InvokeDirect:
		return t.Accessible && !t.Static && !t.Interface &&
			(t.Constructor || t.Private || t.Final)
	case dalvik.InvokeInterface:
		return t.Accessible && !t.Static && t.Interface && !t.Constructor
	case dalvik.InvokeStatic:
		return t.Accessible && t.Static && !t.Interface
	case dalvik.InvokeSuper:
		return t.Accessible && !t.Static && !t.Interface && t.CallerInherits &&
			(!t.Constructor || t.CallerConstructor)
	case dalvik.InvokeVirtual:
		return t.Accessible && !(t.Static || t.Interface || t.Private || t.Constructor)
	}
	return true
}

// accessible implements member visibility from the caller's class:
// public always; private only within the declaring class; protected
// within subclasses or the same package; package-private within the
// same package.
func accessible(caller *repo.Class, declaring string, flags uint32, h *repo.Hierarchy) bool {
	switch {
	case flags&dex.AccPublic != 0:
		return true
	case flags&dex.AccPrivate != 0:
		return caller.Name == declaring
	case flags&dex.AccProtected != 0:
		return h.Inherits(caller.Name, declaring) || samePackage(caller.Name, declaring)
	default:
		return samePackage(caller.Name, declaring)
	}
}

func samePackage(c1, c2 string) bool {
	return pkgOf(c1) == pkgOf(c2)
}

func pkgOf(desc string) string {
	i := strings.LastIndexByte(desc, '/')
	if i < 0 {
		return ""
	}
	return desc[:i]
}

// fieldTraits assembles the access facts for a resolved field.
func fieldTraits(caller *repo.Method, f *repo.Field, h *repo.Hierarchy) FieldTraits {
	return FieldTraits{
		Accessible:    accessible(caller.Class, f.Class.Name, f.Flags, h),
		Static:        f.IsStatic(),
		Final:         f.Flags&dex.AccFinal != 0,
		InConstructor: caller.IsConstructor(),
	}
}

// invokeTraits assembles the access facts for a resolved callee.
func invokeTraits(caller *repo.Method, callee *repo.Method, h *repo.Hierarchy) InvokeTraits {
	return InvokeTraits{
		Accessible:        accessible(caller.Class, callee.Class.Name, callee.Flags, h),
		Static:            callee.IsStatic(),
		Interface:         callee.Class.IsInterface(),
		Private:           callee.IsPrivate(),
		Final:             callee.IsFinal(),
		Constructor:       callee.IsConstructor(),
		CallerInherits:    h.Inherits(caller.Class.Name, callee.Class.Name),
		CallerConstructor: caller.IsConstructor(),
	}
}
