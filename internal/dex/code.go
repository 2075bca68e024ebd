package dex

import (
	"encoding/binary"
	"fmt"
)

// Code is a resolved code_item: the register frame shape, the raw
// instruction stream in 16-bit units, and the try/handler table.
type Code struct {
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	Insns         []uint16
	Tries         []Try
}

// Try is one protected range with its handlers. Addresses are in 16-bit
// code units relative to the start of the instruction stream.
type Try struct {
	StartAddr  uint32
	InsnCount  uint16
	Handlers   []Handler
	CatchAll   bool
	CatchAddr  uint32 // valid when CatchAll
}

// Handler is one typed catch entry.
type Handler struct {
	TypeName string // exception class descriptor
	Addr     uint32
}

// End returns the first address past the protected range.
func (t Try) End() uint32 { return t.StartAddr + uint32(t.InsnCount) }

// Covers reports whether pc falls inside the protected range.
func (t Try) Covers(pc uint32) bool { return pc >= t.StartAddr && pc < t.End() }

func (f *File) parseCode(raw []byte, off uint32) (*Code, error) {
	if int(off)+16 > len(raw) {
		return nil, fmt.Errorf("%w: code_item", ErrTruncated)
	}
	c := &Code{
		RegistersSize: binary.LittleEndian.Uint16(raw[off:]),
		InsSize:       binary.LittleEndian.Uint16(raw[off+2:]),
		OutsSize:      binary.LittleEndian.Uint16(raw[off+4:]),
	}
	triesSize := binary.LittleEndian.Uint16(raw[off+6:])
	insnsSize := binary.LittleEndian.Uint32(raw[off+12:])

	insnsOff := int(off) + 16
	if insnsOff+int(insnsSize)*2 > len(raw) {
		return nil, fmt.Errorf("%w: insns", ErrTruncated)
	}
	c.Insns = make([]uint16, insnsSize)
	for i := range c.Insns {
		c.Insns[i] = binary.LittleEndian.Uint16(raw[insnsOff+i*2:])
	}

	if triesSize == 0 {
		return c, nil
	}
	triesOff := insnsOff + int(insnsSize)*2
	if insnsSize%2 == 1 {
		triesOff += 2 // alignment padding before try_item array
	}
	if triesOff+int(triesSize)*8 > len(raw) {
		return nil, fmt.Errorf("%w: tries", ErrTruncated)
	}
	handlersOff := triesOff + int(triesSize)*8

	c.Tries = make([]Try, triesSize)
	for i := 0; i < int(triesSize); i++ {
		to := triesOff + i*8
		t := Try{
			StartAddr: binary.LittleEndian.Uint32(raw[to:]),
			InsnCount: binary.LittleEndian.Uint16(raw[to+4:]),
		}
		hOff := binary.LittleEndian.Uint16(raw[to+6:])
		if err := f.parseHandlers(raw, handlersOff, int(hOff), &t); err != nil {
			return nil, err
		}
		c.Tries[i] = t
	}
	return c, nil
}

// parseHandlers reads one encoded_catch_handler at byte offset rel within
// the encoded_catch_handler_list starting at listOff.
func (f *File) parseHandlers(raw []byte, listOff, rel int, t *Try) error {
	r := newReader(raw, listOff+rel)
	size, err := r.sleb128()
	if err != nil {
		return fmt.Errorf("dex: handlers: %w", err)
	}
	n := size
	if n < 0 {
		n = -n
	}
	for j := int32(0); j < n; j++ {
		typeIdx, err := r.uleb128()
		if err != nil {
			return fmt.Errorf("dex: handlers: %w", err)
		}
		addr, err := r.uleb128()
		if err != nil {
			return fmt.Errorf("dex: handlers: %w", err)
		}
		name, err := f.TypeName(typeIdx)
		if err != nil {
			return fmt.Errorf("dex: handlers: %w", err)
		}
		t.Handlers = append(t.Handlers, Handler{TypeName: name, Addr: addr})
	}
	if size <= 0 {
		addr, err := r.uleb128()
		if err != nil {
			return fmt.Errorf("dex: handlers: %w", err)
		}
		t.CatchAll = true
		t.CatchAddr = addr
	}
	return nil
}
