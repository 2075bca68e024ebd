package dex

import (
	"errors"
	"unicode/utf16"
)

var errBadMUTF8 = errors.New("dex: malformed MUTF-8")

// decodeMUTF8 decodes a NUL-terminated MUTF-8 string of utf16Len code
// units. MUTF-8 differs from UTF-8 in two ways: U+0000 is encoded as the
// two-byte sequence c0 80, and supplementary characters appear as encoded
// surrogate pairs.
func decodeMUTF8(r *reader, utf16Len int) (string, error) {
	units := make([]uint16, 0, utf16Len)
	for i := 0; i < utf16Len; i++ {
		b0, err := r.byte()
		if err != nil {
			return "", err
		}
		switch {
		case b0&0x80 == 0:
			if b0 == 0 {
				return "", errBadMUTF8
			}
			units = append(units, uint16(b0))
		case b0&0xe0 == 0xc0:
			b1, err := r.byte()
			if err != nil {
				return "", err
			}
			if b1&0xc0 != 0x80 {
				return "", errBadMUTF8
			}
			units = append(units, uint16(b0&0x1f)<<6|uint16(b1&0x3f))
		case b0&0xf0 == 0xe0:
			b1, err := r.byte()
			if err != nil {
				return "", err
			}
			b2, err := r.byte()
			if err != nil {
				return "", err
			}
			if b1&0xc0 != 0x80 || b2&0xc0 != 0x80 {
				return "", errBadMUTF8
			}
			units = append(units, uint16(b0&0x0f)<<12|uint16(b1&0x3f)<<6|uint16(b2&0x3f))
		default:
			return "", errBadMUTF8
		}
	}
	term, err := r.byte()
	if err != nil {
		return "", err
	}
	if term != 0 {
		return "", ErrBadStringLen
	}
	return string(utf16.Decode(units)), nil
}
