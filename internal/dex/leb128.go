package dex

import (
	"errors"
	"io"
)

var errLEBOverflow = errors.New("dex: leb128 too long")

// reader is a byte cursor over the raw file, usable both as an io.Reader
// for binary.Read and as a LEB128/MUTF-8 source.
type reader struct {
	raw []byte
	off int
}

func newReader(raw []byte, off int) *reader {
	return &reader{raw: raw, off: off}
}

func (r *reader) Read(p []byte) (int, error) {
	if r.off >= len(r.raw) {
		return 0, io.EOF
	}
	n := copy(p, r.raw[r.off:])
	r.off += n
	return n, nil
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.raw) {
		return 0, ErrTruncated
	}
	b := r.raw[r.off]
	r.off++
	return b, nil
}

// uleb128 reads an unsigned LEB128 value (at most 5 bytes in DEX).
func (r *reader) uleb128() (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errLEBOverflow
}

// sleb128 reads a signed LEB128 value.
func (r *reader) sleb128() (int32, error) {
	var v uint32
	shift := 0
	for ; shift < 35; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			shift += 7
			if shift < 32 && b&0x40 != 0 {
				v |= ^uint32(0) << shift
			}
			return int32(v), nil
		}
	}
	return 0, errLEBOverflow
}
