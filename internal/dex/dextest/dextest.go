// Package dextest builds small synthetic DEX images in memory for
// tests. The builder interns pools on demand and serializes a container
// that Parse accepts, so fixtures stay readable at the call site.
package dextest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"

	"dexaudit/internal/dex"
)

// Code describes one method body.
type Code struct {
	Registers uint16
	Ins       uint16
	Outs      uint16
	Insns     []uint16
	Tries     []Try
}

// Try is one protected range.
type Try struct {
	Start        uint32
	Count        uint16
	Handlers     []Handler
	CatchAll     bool
	CatchAllAddr uint32
}

// Handler is one typed catch entry.
type Handler struct {
	Type string
	Addr uint32
}

// Builder accumulates pool entries and class definitions.
type Builder struct {
	strs    []string
	strIdx  map[string]uint32
	types   []uint32 // string pool index
	typeIdx map[string]uint32

	protos   []protoDef
	protoIdx map[string]uint32

	fields   []fieldDef
	fieldIdx map[string]uint32

	methods   []methodDef
	methodIdx map[string]uint32

	classes []*ClassBuilder
}

type protoDef struct {
	shorty uint32
	ret    uint32 // type index
	params []uint32
}

type fieldDef struct {
	class, typ uint32 // type index
	name       uint32 // string index
}

type methodDef struct {
	class uint32 // type index
	proto uint32
	name  uint32 // string index
}

func New() *Builder {
	return &Builder{
		strIdx:    make(map[string]uint32),
		typeIdx:   make(map[string]uint32),
		protoIdx:  make(map[string]uint32),
		fieldIdx:  make(map[string]uint32),
		methodIdx: make(map[string]uint32),
	}
}

// Str interns a string and returns its pool index.
func (b *Builder) Str(s string) uint32 {
	if i, ok := b.strIdx[s]; ok {
		return i
	}
	i := uint32(len(b.strs))
	b.strs = append(b.strs, s)
	b.strIdx[s] = i
	return i
}

// Type interns a type descriptor and returns its pool index.
func (b *Builder) Type(desc string) uint32 {
	if i, ok := b.typeIdx[desc]; ok {
		return i
	}
	si := b.Str(desc)
	i := uint32(len(b.types))
	b.types = append(b.types, si)
	b.typeIdx[desc] = i
	return i
}

// Proto interns a prototype and returns its pool index.
func (b *Builder) Proto(ret string, params ...string) uint32 {
	key := ret + "(" + join(params) + ")"
	if i, ok := b.protoIdx[key]; ok {
		return i
	}
	p := protoDef{shorty: b.Str(shorty(ret, params)), ret: b.Type(ret)}
	for _, prm := range params {
		p.params = append(p.params, b.Type(prm))
	}
	i := uint32(len(b.protos))
	b.protos = append(b.protos, p)
	b.protoIdx[key] = i
	return i
}

// FieldRef interns a field_id and returns its pool index.
func (b *Builder) FieldRef(class, name, typ string) uint32 {
	key := class + "->" + name + ":" + typ
	if i, ok := b.fieldIdx[key]; ok {
		return i
	}
	i := uint32(len(b.fields))
	b.fields = append(b.fields, fieldDef{
		class: b.Type(class), typ: b.Type(typ), name: b.Str(name),
	})
	b.fieldIdx[key] = i
	return i
}

// MethodRef interns a method_id and returns its pool index.
func (b *Builder) MethodRef(class, name, ret string, params ...string) uint32 {
	key := class + "->" + name + ":" + ret + "(" + join(params) + ")"
	if i, ok := b.methodIdx[key]; ok {
		return i
	}
	i := uint32(len(b.methods))
	b.methods = append(b.methods, methodDef{
		class: b.Type(class), proto: b.Proto(ret, params...), name: b.Str(name),
	})
	b.methodIdx[key] = i
	return i
}

// ClassBuilder accumulates one class definition.
type ClassBuilder struct {
	b      *Builder
	name   string
	super  string
	flags  uint32
	ifaces []string

	statics   []encMember
	instances []encMember
	direct    []encMethod
	virtual   []encMethod
}

type encMember struct {
	idx   uint32
	flags uint32
}

type encMethod struct {
	idx   uint32
	flags uint32
	code  *Code
}

// Class starts a class definition. Pass super "" for java/lang/Object.
func (b *Builder) Class(name, super string, flags uint32, ifaces ...string) *ClassBuilder {
	b.Type(name)
	if super != "" {
		b.Type(super)
	}
	for _, ifc := range ifaces {
		b.Type(ifc)
	}
	c := &ClassBuilder{b: b, name: name, super: super, flags: flags, ifaces: ifaces}
	b.classes = append(b.classes, c)
	return c
}

// Field declares a field on the class and returns its pool index.
func (c *ClassBuilder) Field(name, typ string, flags uint32) uint32 {
	i := c.b.FieldRef(c.name, name, typ)
	m := encMember{idx: i, flags: flags}
	if flags&dex.AccStatic != 0 {
		c.statics = append(c.statics, m)
	} else {
		c.instances = append(c.instances, m)
	}
	return i
}

// Method declares a method on the class and returns its pool index.
// Static, private and constructor methods land in the direct list.
func (c *ClassBuilder) Method(name string, flags uint32, code *Code, ret string, params ...string) uint32 {
	i := c.b.MethodRef(c.name, name, ret, params...)
	for _, t := range code.tries() {
		for _, h := range t.Handlers {
			c.b.Type(h.Type)
		}
	}
	m := encMethod{idx: i, flags: flags, code: code}
	if flags&(dex.AccStatic|dex.AccPrivate|dex.AccConstructor) != 0 {
		c.direct = append(c.direct, m)
	} else {
		c.virtual = append(c.virtual, m)
	}
	return i
}

func (c *Code) tries() []Try {
	if c == nil {
		return nil
	}
	return c.Tries
}

const headerSize = 0x70

// Build serializes the container.
func (b *Builder) Build() []byte {
	stringIdsOff := uint32(headerSize)
	typeIdsOff := stringIdsOff + 4*uint32(len(b.strs))
	protoIdsOff := typeIdsOff + 4*uint32(len(b.types))
	fieldIdsOff := protoIdsOff + 12*uint32(len(b.protos))
	methodIdsOff := fieldIdsOff + 8*uint32(len(b.fields))
	classDefsOff := methodIdsOff + 8*uint32(len(b.methods))
	dataOff := classDefsOff + 32*uint32(len(b.classes))

	data := &section{base: dataOff}

	// type lists for prototypes and interfaces
	paramOffs := make([]uint32, len(b.protos))
	for i, p := range b.protos {
		paramOffs[i] = data.typeList(p.params)
	}
	ifaceOffs := make([]uint32, len(b.classes))
	for i, c := range b.classes {
		var idxs []uint32
		for _, ifc := range c.ifaces {
			idxs = append(idxs, b.typeIdx[ifc])
		}
		ifaceOffs[i] = data.typeList(idxs)
	}

	// code items
	codeOffs := make(map[*Code]uint32)
	for _, c := range b.classes {
		for _, m := range append(append([]encMethod(nil), c.direct...), c.virtual...) {
			if m.code != nil {
				codeOffs[m.code] = data.codeItem(b, m.code)
			}
		}
	}

	// class data
	classDataOffs := make([]uint32, len(b.classes))
	for i, c := range b.classes {
		classDataOffs[i] = data.classData(c, codeOffs)
	}

	// string data
	strOffs := make([]uint32, len(b.strs))
	for i, s := range b.strs {
		strOffs[i] = data.stringData(s)
	}

	out := make([]byte, dataOff, dataOff+uint32(len(data.buf)))
	copy(out, headerBytes(b, stringIdsOff, typeIdsOff, protoIdsOff,
		fieldIdsOff, methodIdsOff, classDefsOff, dataOff, uint32(len(data.buf))))

	le := binary.LittleEndian
	for i := range b.strs {
		le.PutUint32(out[stringIdsOff+4*uint32(i):], strOffs[i])
	}
	for i, si := range b.types {
		le.PutUint32(out[typeIdsOff+4*uint32(i):], si)
	}
	for i, p := range b.protos {
		off := protoIdsOff + 12*uint32(i)
		le.PutUint32(out[off:], p.shorty)
		le.PutUint32(out[off+4:], p.ret)
		le.PutUint32(out[off+8:], paramOffs[i])
	}
	for i, f := range b.fields {
		off := fieldIdsOff + 8*uint32(i)
		le.PutUint16(out[off:], uint16(f.class))
		le.PutUint16(out[off+2:], uint16(f.typ))
		le.PutUint32(out[off+4:], f.name)
	}
	for i, m := range b.methods {
		off := methodIdsOff + 8*uint32(i)
		le.PutUint16(out[off:], uint16(m.class))
		le.PutUint16(out[off+2:], uint16(m.proto))
		le.PutUint32(out[off+4:], m.name)
	}
	for i, c := range b.classes {
		off := classDefsOff + 32*uint32(i)
		le.PutUint32(out[off:], b.typeIdx[c.name])
		le.PutUint32(out[off+4:], c.flags)
		if c.super == "" {
			le.PutUint32(out[off+8:], dex.NoIndex)
		} else {
			le.PutUint32(out[off+8:], b.typeIdx[c.super])
		}
		le.PutUint32(out[off+12:], ifaceOffs[i])
		le.PutUint32(out[off+16:], dex.NoIndex) // source_file_idx
		le.PutUint32(out[off+20:], 0)           // annotations_off
		le.PutUint32(out[off+24:], classDataOffs[i])
		le.PutUint32(out[off+28:], 0) // static_values_off
	}

	out = append(out, data.buf...)
	le.PutUint32(out[32:], uint32(len(out))) // file_size
	return out
}

// Parse builds and parses the container, panicking on error since a
// fixture that fails to parse is a bug in the test.
func (b *Builder) Parse() *dex.File {
	f, err := dex.Parse(b.Build())
	if err != nil {
		panic(fmt.Sprintf("dextest: %v", err))
	}
	return f
}

func headerBytes(b *Builder, stringIdsOff, typeIdsOff, protoIdsOff,
	fieldIdsOff, methodIdsOff, classDefsOff, dataOff, dataSize uint32) []byte {
	le := binary.LittleEndian
	h := make([]byte, headerSize)
	copy(h, "dex\n035\x00")
	le.PutUint32(h[36:], headerSize)   // header_size
	le.PutUint32(h[40:], 0x12345678)   // endian_tag
	le.PutUint32(h[56:], uint32(len(b.strs)))
	le.PutUint32(h[60:], stringIdsOff)
	le.PutUint32(h[64:], uint32(len(b.types)))
	le.PutUint32(h[68:], typeIdsOff)
	le.PutUint32(h[72:], uint32(len(b.protos)))
	le.PutUint32(h[76:], protoIdsOff)
	le.PutUint32(h[80:], uint32(len(b.fields)))
	le.PutUint32(h[84:], fieldIdsOff)
	le.PutUint32(h[88:], uint32(len(b.methods)))
	le.PutUint32(h[92:], methodIdsOff)
	le.PutUint32(h[96:], uint32(len(b.classes)))
	le.PutUint32(h[100:], classDefsOff)
	le.PutUint32(h[104:], dataSize)
	le.PutUint32(h[108:], dataOff)
	return h
}

// section is the growing data region past the fixed tables.
type section struct {
	base uint32
	buf  []byte
}

func (s *section) off() uint32 { return s.base + uint32(len(s.buf)) }

func (s *section) align4() {
	for s.off()%4 != 0 {
		s.buf = append(s.buf, 0)
	}
}

func (s *section) u16(v uint16) {
	s.buf = append(s.buf, byte(v), byte(v>>8))
}

func (s *section) u32(v uint32) {
	s.buf = append(s.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (s *section) uleb(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		s.buf = append(s.buf, b)
		if v == 0 {
			return
		}
	}
}

func (s *section) sleb(v int32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			s.buf = append(s.buf, b)
			return
		}
		s.buf = append(s.buf, b|0x80)
	}
}

func (s *section) typeList(idxs []uint32) uint32 {
	if len(idxs) == 0 {
		return 0
	}
	s.align4()
	off := s.off()
	s.u32(uint32(len(idxs)))
	for _, i := range idxs {
		s.u16(uint16(i))
	}
	return off
}

func (s *section) codeItem(b *Builder, c *Code) uint32 {
	s.align4()
	off := s.off()
	s.u16(c.Registers)
	s.u16(c.Ins)
	s.u16(c.Outs)
	s.u16(uint16(len(c.Tries)))
	s.u32(0) // debug_info_off
	s.u32(uint32(len(c.Insns)))
	for _, u := range c.Insns {
		s.u16(u)
	}
	if len(c.Tries) == 0 {
		return off
	}
	if len(c.Insns)%2 == 1 {
		s.u16(0) // alignment padding
	}

	// handler blocks are laid out after the try items; compute their
	// relative offsets within the list first
	rel := make([]uint16, len(c.Tries))
	pos := sizeULEB(uint32(len(c.Tries)))
	for i, t := range c.Tries {
		rel[i] = uint16(pos)
		pos += sizeHandlers(b, t)
	}

	for i, t := range c.Tries {
		s.u32(t.Start)
		s.u16(t.Count)
		s.u16(rel[i])
	}
	s.uleb(uint32(len(c.Tries)))
	for _, t := range c.Tries {
		n := int32(len(t.Handlers))
		if t.CatchAll {
			n = -n
		}
		s.sleb(n)
		for _, h := range t.Handlers {
			s.uleb(b.typeIdx[h.Type])
			s.uleb(h.Addr)
		}
		if t.CatchAll {
			s.uleb(t.CatchAllAddr)
		}
	}
	return off
}

func sizeULEB(v uint32) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

func sizeSLEB(v int32) int {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		n++
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return n
		}
	}
}

func sizeHandlers(b *Builder, t Try) int {
	n := int32(len(t.Handlers))
	if t.CatchAll {
		n = -n
	}
	size := sizeSLEB(n)
	for _, h := range t.Handlers {
		size += sizeULEB(b.typeIdx[h.Type]) + sizeULEB(h.Addr)
	}
	if t.CatchAll {
		size += sizeULEB(t.CatchAllAddr)
	}
	return size
}

func (s *section) classData(c *ClassBuilder, codeOffs map[*Code]uint32) uint32 {
	// delta encoding needs ascending pool indexes
	sort.Slice(c.statics, func(i, j int) bool { return c.statics[i].idx < c.statics[j].idx })
	sort.Slice(c.instances, func(i, j int) bool { return c.instances[i].idx < c.instances[j].idx })
	sort.Slice(c.direct, func(i, j int) bool { return c.direct[i].idx < c.direct[j].idx })
	sort.Slice(c.virtual, func(i, j int) bool { return c.virtual[i].idx < c.virtual[j].idx })

	off := s.off()
	s.uleb(uint32(len(c.statics)))
	s.uleb(uint32(len(c.instances)))
	s.uleb(uint32(len(c.direct)))
	s.uleb(uint32(len(c.virtual)))
	writeMembers := func(ms []encMember) {
		prev := uint32(0)
		for i, m := range ms {
			if i == 0 {
				s.uleb(m.idx)
			} else {
				s.uleb(m.idx - prev)
			}
			prev = m.idx
			s.uleb(m.flags)
		}
	}
	writeMembers(c.statics)
	writeMembers(c.instances)
	writeMethods := func(ms []encMethod) {
		prev := uint32(0)
		for i, m := range ms {
			if i == 0 {
				s.uleb(m.idx)
			} else {
				s.uleb(m.idx - prev)
			}
			prev = m.idx
			s.uleb(m.flags)
			if m.code == nil {
				s.uleb(0)
			} else {
				s.uleb(codeOffs[m.code])
			}
		}
	}
	writeMethods(c.direct)
	writeMethods(c.virtual)
	return off
}

func (s *section) stringData(str string) uint32 {
	off := s.off()
	units := utf16.Encode([]rune(str))
	s.uleb(uint32(len(units)))
	for _, u := range units {
		switch {
		case u != 0 && u < 0x80:
			s.buf = append(s.buf, byte(u))
		case u < 0x800:
			s.buf = append(s.buf, 0xc0|byte(u>>6), 0x80|byte(u&0x3f))
		default:
			s.buf = append(s.buf, 0xe0|byte(u>>12),
				0x80|byte(u>>6&0x3f), 0x80|byte(u&0x3f))
		}
	}
	s.buf = append(s.buf, 0)
	return off
}

func shorty(ret string, params []string) string {
	out := []byte{shortyChar(ret)}
	for _, p := range params {
		out = append(out, shortyChar(p))
	}
	return string(out)
}

func shortyChar(desc string) byte {
	if desc[0] == '[' || desc[0] == 'L' {
		return 'L'
	}
	return desc[0]
}

func join(ss []string) string {
	out := ""
	for _, s := range ss {
		out += s
	}
	return out
}
