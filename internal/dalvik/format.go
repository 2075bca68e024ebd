package dalvik

// Format identifies the encoding of an instruction, named after the
// Dalvik documentation's format idents (unit count, register count, then
// a type letter).
type Format uint8

const (
	Fmt10x Format = iota
	Fmt12x
	Fmt11n
	Fmt11x
	Fmt10t
	Fmt20t
	Fmt22x
	Fmt21t
	Fmt21s
	Fmt21h
	Fmt21c
	Fmt23x
	Fmt22b
	Fmt22t
	Fmt22s
	Fmt22c
	Fmt30t
	Fmt32x
	Fmt31i
	Fmt31t
	Fmt31c
	Fmt35c
	Fmt3rc
	Fmt45cc
	Fmt4rcc
	Fmt51l
	fmtNone // unused opcode slots
)

// Units returns the instruction width in 16-bit code units.
func (f Format) Units() uint32 {
	switch f {
	case Fmt10x, Fmt12x, Fmt11n, Fmt11x, Fmt10t:
		return 1
	case Fmt20t, Fmt22x, Fmt21t, Fmt21s, Fmt21h, Fmt21c, Fmt23x, Fmt22b, Fmt22t, Fmt22s, Fmt22c:
		return 2
	case Fmt30t, Fmt32x, Fmt31i, Fmt31t, Fmt31c, Fmt35c, Fmt3rc:
		return 3
	case Fmt45cc, Fmt4rcc:
		return 4
	case Fmt51l:
		return 5
	}
	return 0
}

type opInfo struct {
	name string
	fmt  Format
}

// opTable maps the 256 opcode slots to mnemonic and format. Empty names
// are unused slots; decoding them is an error.
var opTable = [256]opInfo{
	0x00: {"nop", Fmt10x},
	0x01: {"move", Fmt12x},
	0x02: {"move/from16", Fmt22x},
	0x03: {"move/16", Fmt32x},
	0x04: {"move-wide", Fmt12x},
	0x05: {"move-wide/from16", Fmt22x},
	0x06: {"move-wide/16", Fmt32x},
	0x07: {"move-object", Fmt12x},
	0x08: {"move-object/from16", Fmt22x},
	0x09: {"move-object/16", Fmt32x},
	0x0a: {"move-result", Fmt11x},
	0x0b: {"move-result-wide", Fmt11x},
	0x0c: {"move-result-object", Fmt11x},
	0x0d: {"move-exception", Fmt11x},
	0x0e: {"return-void", Fmt10x},
	0x0f: {"return", Fmt11x},
	0x10: {"return-wide", Fmt11x},
	0x11: {"return-object", Fmt11x},
	0x12: {"const/4", Fmt11n},
	0x13: {"const/16", Fmt21s},
	0x14: {"const", Fmt31i},
	0x15: {"const/high16", Fmt21h},
	0x16: {"const-wide/16", Fmt21s},
	0x17: {"const-wide/32", Fmt31i},
	0x18: {"const-wide", Fmt51l},
	0x19: {"const-wide/high16", Fmt21h},
	0x1a: {"const-string", Fmt21c},
	0x1b: {"const-string/jumbo", Fmt31c},
	0x1c: {"const-class", Fmt21c},
	0x1d: {"monitor-enter", Fmt11x},
	0x1e: {"monitor-exit", Fmt11x},
	0x1f: {"check-cast", Fmt21c},
	0x20: {"instance-of", Fmt22c},
	0x21: {"array-length", Fmt12x},
	0x22: {"new-instance", Fmt21c},
	0x23: {"new-array", Fmt22c},
	0x24: {"filled-new-array", Fmt35c},
	0x25: {"filled-new-array/range", Fmt3rc},
	0x26: {"fill-array-data", Fmt31t},
	0x27: {"throw", Fmt11x},
	0x28: {"goto", Fmt10t},
	0x29: {"goto/16", Fmt20t},
	0x2a: {"goto/32", Fmt30t},
	0x2b: {"packed-switch", Fmt31t},
	0x2c: {"sparse-switch", Fmt31t},
	0x2d: {"cmpl-float", Fmt23x},
	0x2e: {"cmpg-float", Fmt23x},
	0x2f: {"cmpl-double", Fmt23x},
	0x30: {"cmpg-double", Fmt23x},
	0x31: {"cmp-long", Fmt23x},
	0x32: {"if-eq", Fmt22t},
	0x33: {"if-ne", Fmt22t},
	0x34: {"if-lt", Fmt22t},
	0x35: {"if-ge", Fmt22t},
	0x36: {"if-gt", Fmt22t},
	0x37: {"if-le", Fmt22t},
	0x38: {"if-eqz", Fmt21t},
	0x39: {"if-nez", Fmt21t},
	0x3a: {"if-ltz", Fmt21t},
	0x3b: {"if-gez", Fmt21t},
	0x3c: {"if-gtz", Fmt21t},
	0x3d: {"if-lez", Fmt21t},
	0x44: {"aget", Fmt23x},
	0x45: {"aget-wide", Fmt23x},
	0x46: {"aget-object", Fmt23x},
	0x47: {"aget-boolean", Fmt23x},
	0x48: {"aget-byte", Fmt23x},
	0x49: {"aget-char", Fmt23x},
	0x4a: {"aget-short", Fmt23x},
	0x4b: {"aput", Fmt23x},
	0x4c: {"aput-wide", Fmt23x},
	0x4d: {"aput-object", Fmt23x},
	0x4e: {"aput-boolean", Fmt23x},
	0x4f: {"aput-byte", Fmt23x},
	0x50: {"aput-char", Fmt23x},
	0x51: {"aput-short", Fmt23x},
	0x52: {"iget", Fmt22c},
	0x53: {"iget-wide", Fmt22c},
	0x54: {"iget-object", Fmt22c},
	0x55: {"iget-boolean", Fmt22c},
	0x56: {"iget-byte", Fmt22c},
	0x57: {"iget-char", Fmt22c},
	0x58: {"iget-short", Fmt22c},
	0x59: {"iput", Fmt22c},
	0x5a: {"iput-wide", Fmt22c},
	0x5b: {"iput-object", Fmt22c},
	0x5c: {"iput-boolean", Fmt22c},
	0x5d: {"iput-byte", Fmt22c},
	0x5e: {"iput-char", Fmt22c},
	0x5f: {"iput-short", Fmt22c},
	0x60: {"sget", Fmt21c},
	0x61: {"sget-wide", Fmt21c},
	0x62: {"sget-object", Fmt21c},
	0x63: {"sget-boolean", Fmt21c},
	0x64: {"sget-byte", Fmt21c},
	0x65: {"sget-char", Fmt21c},
	0x66: {"sget-short", Fmt21c},
	0x67: {"sput", Fmt21c},
	0x68: {"sput-wide", Fmt21c},
	0x69: {"sput-object", Fmt21c},
	0x6a: {"sput-boolean", Fmt21c},
	0x6b: {"sput-byte", Fmt21c},
	0x6c: {"sput-char", Fmt21c},
	0x6d: {"sput-short", Fmt21c},
	0x6e: {"invoke-virtual", Fmt35c},
	0x6f: {"invoke-super", Fmt35c},
	0x70: {"invoke-direct", Fmt35c},
	0x71: {"invoke-static", Fmt35c},
	0x72: {"invoke-interface", Fmt35c},
	0x74: {"invoke-virtual/range", Fmt3rc},
	0x75: {"invoke-super/range", Fmt3rc},
	0x76: {"invoke-direct/range", Fmt3rc},
	0x77: {"invoke-static/range", Fmt3rc},
	0x78: {"invoke-interface/range", Fmt3rc},
	0x7b: {"neg-int", Fmt12x},
	0x7c: {"not-int", Fmt12x},
	0x7d: {"neg-long", Fmt12x},
	0x7e: {"not-long", Fmt12x},
	0x7f: {"neg-float", Fmt12x},
	0x80: {"neg-double", Fmt12x},
	0x81: {"int-to-long", Fmt12x},
	0x82: {"int-to-float", Fmt12x},
	0x83: {"int-to-double", Fmt12x},
	0x84: {"long-to-int", Fmt12x},
	0x85: {"long-to-float", Fmt12x},
	0x86: {"long-to-double", Fmt12x},
	0x87: {"float-to-int", Fmt12x},
	0x88: {"float-to-long", Fmt12x},
	0x89: {"float-to-double", Fmt12x},
	0x8a: {"double-to-int", Fmt12x},
	0x8b: {"double-to-long", Fmt12x},
	0x8c: {"double-to-float", Fmt12x},
	0x8d: {"int-to-byte", Fmt12x},
	0x8e: {"int-to-char", Fmt12x},
	0x8f: {"int-to-short", Fmt12x},
	0x90: {"add-int", Fmt23x},
	0x91: {"sub-int", Fmt23x},
	0x92: {"mul-int", Fmt23x},
	0x93: {"div-int", Fmt23x},
	0x94: {"rem-int", Fmt23x},
	0x95: {"and-int", Fmt23x},
	0x96: {"or-int", Fmt23x},
	0x97: {"xor-int", Fmt23x},
	0x98: {"shl-int", Fmt23x},
	0x99: {"shr-int", Fmt23x},
	0x9a: {"ushr-int", Fmt23x},
	0x9b: {"add-long", Fmt23x},
	0x9c: {"sub-long", Fmt23x},
	0x9d: {"mul-long", Fmt23x},
	0x9e: {"div-long", Fmt23x},
	0x9f: {"rem-long", Fmt23x},
	0xa0: {"and-long", Fmt23x},
	0xa1: {"or-long", Fmt23x},
	0xa2: {"xor-long", Fmt23x},
	0xa3: {"shl-long", Fmt23x},
	0xa4: {"shr-long", Fmt23x},
	0xa5: {"ushr-long", Fmt23x},
	0xa6: {"add-float", Fmt23x},
	0xa7: {"sub-float", Fmt23x},
	0xa8: {"mul-float", Fmt23x},
	0xa9: {"div-float", Fmt23x},
	0xaa: {"rem-float", Fmt23x},
	0xab: {"add-double", Fmt23x},
	0xac: {"sub-double", Fmt23x},
	0xad: {"mul-double", Fmt23x},
	0xae: {"div-double", Fmt23x},
	0xaf: {"rem-double", Fmt23x},
	0xb0: {"add-int/2addr", Fmt12x},
	0xb1: {"sub-int/2addr", Fmt12x},
	0xb2: {"mul-int/2addr", Fmt12x},
	0xb3: {"div-int/2addr", Fmt12x},
	0xb4: {"rem-int/2addr", Fmt12x},
	0xb5: {"and-int/2addr", Fmt12x},
	0xb6: {"or-int/2addr", Fmt12x},
	0xb7: {"xor-int/2addr", Fmt12x},
	0xb8: {"shl-int/2addr", Fmt12x},
	0xb9: {"shr-int/2addr", Fmt12x},
	0xba: {"ushr-int/2addr", Fmt12x},
	0xbb: {"add-long/2addr", Fmt12x},
	0xbc: {"sub-long/2addr", Fmt12x},
	0xbd: {"mul-long/2addr", Fmt12x},
	0xbe: {"div-long/2addr", Fmt12x},
	0xbf: {"rem-long/2addr", Fmt12x},
	0xc0: {"and-long/2addr", Fmt12x},
	0xc1: {"or-long/2addr", Fmt12x},
	0xc2: {"xor-long/2addr", Fmt12x},
	0xc3: {"shl-long/2addr", Fmt12x},
	0xc4: {"shr-long/2addr", Fmt12x},
	0xc5: {"ushr-long/2addr", Fmt12x},
	0xc6: {"add-float/2addr", Fmt12x},
	0xc7: {"sub-float/2addr", Fmt12x},
	0xc8: {"mul-float/2addr", Fmt12x},
	0xc9: {"div-float/2addr", Fmt12x},
	0xca: {"rem-float/2addr", Fmt12x},
	0xcb: {"add-double/2addr", Fmt12x},
	0xcc: {"sub-double/2addr", Fmt12x},
	0xcd: {"mul-double/2addr", Fmt12x},
	0xce: {"div-double/2addr", Fmt12x},
	0xcf: {"rem-double/2addr", Fmt12x},
	0xd0: {"add-int/lit16", Fmt22s},
	0xd1: {"rsub-int", Fmt22s},
	0xd2: {"mul-int/lit16", Fmt22s},
	0xd3: {"div-int/lit16", Fmt22s},
	0xd4: {"rem-int/lit16", Fmt22s},
	0xd5: {"and-int/lit16", Fmt22s},
	0xd6: {"or-int/lit16", Fmt22s},
	0xd7: {"xor-int/lit16", Fmt22s},
	0xd8: {"add-int/lit8", Fmt22b},
	0xd9: {"rsub-int/lit8", Fmt22b},
	0xda: {"mul-int/lit8", Fmt22b},
	0xdb: {"div-int/lit8", Fmt22b},
	0xdc: {"rem-int/lit8", Fmt22b},
	0xdd: {"and-int/lit8", Fmt22b},
	0xde: {"or-int/lit8", Fmt22b},
	0xdf: {"xor-int/lit8", Fmt22b},
	0xe0: {"shl-int/lit8", Fmt22b},
	0xe1: {"shr-int/lit8", Fmt22b},
	0xe2: {"ushr-int/lit8", Fmt22b},
	0xfa: {"invoke-polymorphic", Fmt45cc},
	0xfb: {"invoke-polymorphic/range", Fmt4rcc},
	0xfc: {"invoke-custom", Fmt35c},
	0xfd: {"invoke-custom/range", Fmt3rc},
	0xfe: {"const-method-handle", Fmt21c},
	0xff: {"const-method-type", Fmt21c},
}

// Mnemonic returns the opcode's assembler name, or "" for unused slots.
func (op Opcode) Mnemonic() string {
	switch op {
	case OpPackedSwitchPayload:
		return "packed-switch-payload"
	case OpSparseSwitchPayload:
		return "sparse-switch-payload"
	case OpFillArrayPayload:
		return "fill-array-data-payload"
	}
	if op > 0xff {
		return ""
	}
	return opTable[op].name
}

// format returns the opcode's encoding, or fmtNone for unused slots.
func (op Opcode) format() Format {
	if op > 0xff {
		return fmtNone
	}
	info := opTable[op]
	if info.name == "" {
		return fmtNone
	}
	return info.fmt
}
