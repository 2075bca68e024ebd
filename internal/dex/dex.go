// Package dex parses the DEX container format: header, constant pools,
// class definitions and code items. See
// https://source.android.com/devices/tech/dalvik/dex-format.html
package dex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNotDEX       = errors.New("dex: not a DEX file")
	ErrBadEndian    = errors.New("dex: unsupported endianness")
	ErrTruncated    = errors.New("dex: truncated file")
	ErrBadIndex     = errors.New("dex: pool index out of range")
	ErrBadOffset    = errors.New("dex: offset outside data section")
	ErrBadStringLen = errors.New("dex: string length mismatch")
)

const (
	headerSize     = 0x70
	endianConstant = 0x12345678

	// NoIndex marks an absent pool reference (e.g. Object's superclass).
	NoIndex = 0xffffffff
)

// header mirrors the on-disk header_item layout.
type header struct {
	Magic         [8]byte
	Checksum      uint32
	Sha1Sig       [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIdsSize uint32
	StringIdsOff  uint32
	TypeIdsSize   uint32
	TypeIdsOff    uint32
	ProtoIdsSize  uint32
	ProtoIdsOff   uint32
	FieldIdsSize  uint32
	FieldIdsOff   uint32
	MethodIdsSize uint32
	MethodIdsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// Proto is a resolved method prototype.
type Proto struct {
	Shorty string
	Return string // type descriptor
	Params []string
}

// FieldRef is a resolved field_id_item.
type FieldRef struct {
	Class string // declaring class descriptor, e.g. "Lfoo/Bar;"
	Type  string
	Name  string
}

// MethodRef is a resolved method_id_item.
type MethodRef struct {
	Class string
	Proto Proto
	Name  string
}

// ClassDef is a resolved class_def_item plus its class_data_item.
type ClassDef struct {
	Name        string // type descriptor
	AccessFlags uint32
	Superclass  string // "" when absent (java/lang/Object)
	Interfaces  []string
	SourceFile  string
	Fields      []Field // static then instance
	Methods     []Method
}

// Field is one encoded_field of a class.
type Field struct {
	Ref         FieldRef
	AccessFlags uint32
}

// Method is one encoded_method of a class.
type Method struct {
	Ref         MethodRef
	AccessFlags uint32
	Code        *Code // nil for abstract/native methods
}

// File is a fully parsed DEX container. All pool tables are resolved and
// interned at load time; a File is immutable afterwards.
type File struct {
	Name    string // source name, for diagnostics
	Version string // from magic, e.g. "035"

	strings   []string
	typeNames []string
	protos    []Proto
	fieldIDs  []FieldRef
	methodIDs []MethodRef
	Classes   []ClassDef
}

// Open reads and parses a DEX file from disk.
func Open(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dex: open: %w", err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	f.Name = path
	return f, nil
}

// Parse parses a DEX byte sequence.
func Parse(raw []byte) (*File, error) {
	if len(raw) < headerSize {
		return nil, ErrTruncated
	}
	var hdr header
	r := newReader(raw, 0)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("dex: header: %w", err)
	}
	if hdr.Magic[0] != 'd' || hdr.Magic[1] != 'e' || hdr.Magic[2] != 'x' || hdr.Magic[3] != '\n' {
		return nil, ErrNotDEX
	}
	if hdr.EndianTag != endianConstant {
		return nil, ErrBadEndian
	}
	if uint64(hdr.FileSize) > uint64(len(raw)) {
		return nil, ErrTruncated
	}

	f := &File{Version: string(hdr.Magic[4:7])}

	if err := f.parseStrings(raw, hdr); err != nil {
		return nil, err
	}
	if err := f.parseTypeIDs(raw, hdr); err != nil {
		return nil, err
	}
	if err := f.parseProtos(raw, hdr); err != nil {
		return nil, err
	}
	if err := f.parseFieldIDs(raw, hdr); err != nil {
		return nil, err
	}
	if err := f.parseMethodIDs(raw, hdr); err != nil {
		return nil, err
	}
	if err := f.parseClassDefs(raw, hdr); err != nil {
		return nil, err
	}
	return f, nil
}

// String resolves a string pool index.
func (f *File) String(i uint32) (string, error) {
	if i >= uint32(len(f.strings)) {
		return "", fmt.Errorf("%w: string %d/%d", ErrBadIndex, i, len(f.strings))
	}
	return f.strings[i], nil
}

// TypeName resolves a type pool index to its descriptor.
func (f *File) TypeName(i uint32) (string, error) {
	if i >= uint32(len(f.typeNames)) {
		return "", fmt.Errorf("%w: type %d/%d", ErrBadIndex, i, len(f.typeNames))
	}
	return f.typeNames[i], nil
}

// Field resolves a field pool index.
func (f *File) Field(i uint32) (FieldRef, error) {
	if i >= uint32(len(f.fieldIDs)) {
		return FieldRef{}, fmt.Errorf("%w: field %d/%d", ErrBadIndex, i, len(f.fieldIDs))
	}
	return f.fieldIDs[i], nil
}

// Method resolves a method pool index.
func (f *File) Method(i uint32) (MethodRef, error) {
	if i >= uint32(len(f.methodIDs)) {
		return MethodRef{}, fmt.Errorf("%w: method %d/%d", ErrBadIndex, i, len(f.methodIDs))
	}
	return f.methodIDs[i], nil
}

// Counts returns pool sizes (strings, types, protos, fields, methods).
func (f *File) Counts() (int, int, int, int, int) {
	return len(f.strings), len(f.typeNames), len(f.protos), len(f.fieldIDs), len(f.methodIDs)
}

func (f *File) parseStrings(raw []byte, hdr header) error {
	f.strings = make([]string, hdr.StringIdsSize)
	for i := uint32(0); i < hdr.StringIdsSize; i++ {
		off := hdr.StringIdsOff + i*4
		if int(off)+4 > len(raw) {
			return fmt.Errorf("%w: string_ids", ErrTruncated)
		}
		dataOff := binary.LittleEndian.Uint32(raw[off:])
		r := newReader(raw, int(dataOff))
		utf16Len, err := r.uleb128()
		if err != nil {
			return fmt.Errorf("dex: string %d: %w", i, err)
		}
		s, err := decodeMUTF8(r, int(utf16Len))
		if err != nil {
			return fmt.Errorf("dex: string %d: %w", i, err)
		}
		f.strings[i] = s
	}
	return nil
}

func (f *File) parseTypeIDs(raw []byte, hdr header) error {
	f.typeNames = make([]string, hdr.TypeIdsSize)
	for i := uint32(0); i < hdr.TypeIdsSize; i++ {
		off := hdr.TypeIdsOff + i*4
		if int(off)+4 > len(raw) {
			return fmt.Errorf("%w: type_ids", ErrTruncated)
		}
		si := binary.LittleEndian.Uint32(raw[off:])
		s, err := f.String(si)
		if err != nil {
			return fmt.Errorf("dex: type %d: %w", i, err)
		}
		f.typeNames[i] = s
	}
	return nil
}

func (f *File) parseProtos(raw []byte, hdr header) error {
	f.protos = make([]Proto, hdr.ProtoIdsSize)
	for i := uint32(0); i < hdr.ProtoIdsSize; i++ {
		off := int(hdr.ProtoIdsOff + i*12)
		if off+12 > len(raw) {
			return fmt.Errorf("%w: proto_ids", ErrTruncated)
		}
		shortyIdx := binary.LittleEndian.Uint32(raw[off:])
		returnIdx := binary.LittleEndian.Uint32(raw[off+4:])
		paramsOff := binary.LittleEndian.Uint32(raw[off+8:])

		shorty, err := f.String(shortyIdx)
		if err != nil {
			return fmt.Errorf("dex: proto %d: %w", i, err)
		}
		ret, err := f.TypeName(returnIdx)
		if err != nil {
			return fmt.Errorf("dex: proto %d: %w", i, err)
		}
		params, err := f.parseTypeList(raw, paramsOff)
		if err != nil {
			return fmt.Errorf("dex: proto %d: %w", i, err)
		}
		f.protos[i] = Proto{Shorty: shorty, Return: ret, Params: params}
	}
	return nil
}

func (f *File) parseTypeList(raw []byte, off uint32) ([]string, error) {
	if off == 0 {
		return nil, nil
	}
	if int(off)+4 > len(raw) {
		return nil, fmt.Errorf("%w: type_list", ErrTruncated)
	}
	n := binary.LittleEndian.Uint32(raw[off:])
	if int(off)+4+int(n)*2 > len(raw) {
		return nil, fmt.Errorf("%w: type_list", ErrTruncated)
	}
	out := make([]string, n)
	for j := uint32(0); j < n; j++ {
		ti := binary.LittleEndian.Uint16(raw[off+4+j*2:])
		s, err := f.TypeName(uint32(ti))
		if err != nil {
			return nil, err
		}
		out[j] = s
	}
	return out, nil
}

func (f *File) parseFieldIDs(raw []byte, hdr header) error {
	f.fieldIDs = make([]FieldRef, hdr.FieldIdsSize)
	for i := uint32(0); i < hdr.FieldIdsSize; i++ {
		off := int(hdr.FieldIdsOff + i*8)
		if off+8 > len(raw) {
			return fmt.Errorf("%w: field_ids", ErrTruncated)
		}
		classIdx := binary.LittleEndian.Uint16(raw[off:])
		typeIdx := binary.LittleEndian.Uint16(raw[off+2:])
		nameIdx := binary.LittleEndian.Uint32(raw[off+4:])

		cls, err := f.TypeName(uint32(classIdx))
		if err != nil {
			return fmt.Errorf("dex: field %d: %w", i, err)
		}
		typ, err := f.TypeName(uint32(typeIdx))
		if err != nil {
			return fmt.Errorf("dex: field %d: %w", i, err)
		}
		name, err := f.String(nameIdx)
		if err != nil {
			return fmt.Errorf("dex: field %d: %w", i, err)
		}
		f.fieldIDs[i] = FieldRef{Class: cls, Type: typ, Name: name}
	}
	return nil
}

func (f *File) parseMethodIDs(raw []byte, hdr header) error {
	f.methodIDs = make([]MethodRef, hdr.MethodIdsSize)
	for i := uint32(0); i < hdr.MethodIdsSize; i++ {
		off := int(hdr.MethodIdsOff + i*8)
		if off+8 > len(raw) {
			return fmt.Errorf("%w: method_ids", ErrTruncated)
		}
		classIdx := binary.LittleEndian.Uint16(raw[off:])
		protoIdx := binary.LittleEndian.Uint16(raw[off+2:])
		nameIdx := binary.LittleEndian.Uint32(raw[off+4:])

		cls, err := f.TypeName(uint32(classIdx))
		if err != nil {
			return fmt.Errorf("dex: method %d: %w", i, err)
		}
		if int(protoIdx) >= len(f.protos) {
			return fmt.Errorf("%w: proto %d/%d", ErrBadIndex, protoIdx, len(f.protos))
		}
		name, err := f.String(nameIdx)
		if err != nil {
			return fmt.Errorf("dex: method %d: %w", i, err)
		}
		f.methodIDs[i] = MethodRef{Class: cls, Proto: f.protos[protoIdx], Name: name}
	}
	return nil
}

func (f *File) parseClassDefs(raw []byte, hdr header) error {
	f.Classes = make([]ClassDef, 0, hdr.ClassDefsSize)
	for i := uint32(0); i < hdr.ClassDefsSize; i++ {
		off := int(hdr.ClassDefsOff + i*32)
		if off+32 > len(raw) {
			return fmt.Errorf("%w: class_defs", ErrTruncated)
		}
		classIdx := binary.LittleEndian.Uint32(raw[off:])
		accessFlags := binary.LittleEndian.Uint32(raw[off+4:])
		superIdx := binary.LittleEndian.Uint32(raw[off+8:])
		ifaceOff := binary.LittleEndian.Uint32(raw[off+12:])
		sourceIdx := binary.LittleEndian.Uint32(raw[off+16:])
		classDataOff := binary.LittleEndian.Uint32(raw[off+24:])

		name, err := f.TypeName(classIdx)
		if err != nil {
			return fmt.Errorf("dex: class %d: %w", i, err)
		}
		cd := ClassDef{Name: name, AccessFlags: accessFlags}
		if superIdx != NoIndex {
			if cd.Superclass, err = f.TypeName(superIdx); err != nil {
				return fmt.Errorf("dex: class %s: %w", name, err)
			}
		}
		if cd.Interfaces, err = f.parseTypeList(raw, ifaceOff); err != nil {
			return fmt.Errorf("dex: class %s: %w", name, err)
		}
		if sourceIdx != NoIndex {
			if cd.SourceFile, err = f.String(sourceIdx); err != nil {
				return fmt.Errorf("dex: class %s: %w", name, err)
			}
		}
		if classDataOff != 0 {
			if err := f.parseClassData(raw, classDataOff, &cd); err != nil {
				return fmt.Errorf("dex: class %s: %w", name, err)
			}
		}
		f.Classes = append(f.Classes, cd)
	}
	return nil
}

func (f *File) parseClassData(raw []byte, off uint32, cd *ClassDef) error {
	r := newReader(raw, int(off))
	nStatic, err := r.uleb128()
	if err != nil {
		return err
	}
	nInstance, err := r.uleb128()
	if err != nil {
		return err
	}
	nDirect, err := r.uleb128()
	if err != nil {
		return err
	}
	nVirtual, err := r.uleb128()
	if err != nil {
		return err
	}

	readFields := func(n uint32) error {
		idx := uint32(0)
		for j := uint32(0); j < n; j++ {
			diff, err := r.uleb128()
			if err != nil {
				return err
			}
			flags, err := r.uleb128()
			if err != nil {
				return err
			}
			idx += diff
			ref, err := f.Field(idx)
			if err != nil {
				return err
			}
			cd.Fields = append(cd.Fields, Field{Ref: ref, AccessFlags: flags})
		}
		return nil
	}
	if err := readFields(nStatic); err != nil {
		return err
	}
	if err := readFields(nInstance); err != nil {
		return err
	}

	readMethods := func(n uint32) error {
		idx := uint32(0)
		for j := uint32(0); j < n; j++ {
			diff, err := r.uleb128()
			if err != nil {
				return err
			}
			flags, err := r.uleb128()
			if err != nil {
				return err
			}
			codeOff, err := r.uleb128()
			if err != nil {
				return err
			}
			idx += diff
			ref, err := f.Method(idx)
			if err != nil {
				return err
			}
			m := Method{Ref: ref, AccessFlags: flags}
			if codeOff != 0 {
				code, err := f.parseCode(raw, codeOff)
				if err != nil {
					return fmt.Errorf("method %s: %w", ref.Name, err)
				}
				m.Code = code
			}
			cd.Methods = append(cd.Methods, m)
		}
		return nil
	}
	if err := readMethods(nDirect); err != nil {
		return err
	}
	return readMethods(nVirtual)
}
