package repo

import (
	"strings"

	"dexaudit/internal/dex"
)

// Origin records which side of the boundary a class was loaded from.
type Origin int

const (
	OriginApp Origin = iota
	OriginSystem
)

func (o Origin) String() string {
	if o == OriginSystem {
		return "system"
	}
	return "app"
}

// Class is one loaded class definition together with its members.
type Class struct {
	Name       string // type descriptor, e.g. "Lfoo/Bar;"
	Flags      uint32
	Super      string // "" only for java/lang/Object
	Interfaces []string
	SourceFile string
	Origin     Origin
	Fields     []*Field
	Methods    []*Method
	Dex        *dex.File
}

// IsInterface reports the ACC_INTERFACE flag.
func (c *Class) IsInterface() bool { return c.Flags&dex.AccInterface != 0 }

// IsAbstract reports the ACC_ABSTRACT flag.
func (c *Class) IsAbstract() bool { return c.Flags&dex.AccAbstract != 0 }

// Field is one declared field.
type Field struct {
	Class *Class
	Name  string
	Type  string // descriptor
	Flags uint32
}

// Descriptor renders the field in smali form, "Lfoo;->bar:I".
func (f *Field) Descriptor() string {
	return f.Class.Name + "->" + f.Name + ":" + f.Type
}

func (f *Field) IsStatic() bool { return f.Flags&dex.AccStatic != 0 }

// Method is one declared method. Code is nil for abstract and native
// methods. Dex is retained so analysis passes can resolve the pool
// indexes embedded in the bytecode.
type Method struct {
	Class *Class
	Name  string
	Proto dex.Proto
	Flags uint32
	Code  *dex.Code
	Dex   *dex.File
}

func (m *Method) IsStatic() bool      { return m.Flags&dex.AccStatic != 0 }
func (m *Method) IsPrivate() bool     { return m.Flags&dex.AccPrivate != 0 }
func (m *Method) IsAbstract() bool    { return m.Flags&dex.AccAbstract != 0 }
func (m *Method) IsNative() bool      { return m.Flags&dex.AccNative != 0 }
func (m *Method) IsConstructor() bool { return m.Flags&dex.AccConstructor != 0 }
func (m *Method) IsFinal() bool       { return m.Flags&dex.AccFinal != 0 }

// Sig renders the name and prototype without the defining class,
// "bar(II)V". Two methods override each other when their Sigs match.
func (m *Method) Sig() string { return Sig(m.Name, m.Proto) }

// Descriptor renders the method in smali form, "Lfoo;->bar(II)V".
func (m *Method) Descriptor() string { return m.Class.Name + "->" + m.Sig() }

// Sig renders a name/prototype pair in smali form.
func Sig(name string, proto dex.Proto) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for _, p := range proto.Params {
		b.WriteString(p)
	}
	b.WriteByte(')')
	b.WriteString(proto.Return)
	return b.String()
}

// RefDescriptor renders a raw pool method reference in smali form,
// without requiring the class to be loaded.
func RefDescriptor(ref dex.MethodRef) string {
	return ref.Class + "->" + Sig(ref.Name, ref.Proto)
}
