package dex

import (
	"errors"
	"strings"
	"testing"
)

func TestParseTypeDescPrimitives(t *testing.T) {
	cases := map[string]TypeKind{
		"V": KindVoid,
		"Z": KindBoolean,
		"B": KindByte,
		"S": KindShort,
		"C": KindChar,
		"I": KindInt,
		"J": KindLong,
		"F": KindFloat,
		"D": KindDouble,
	}
	for desc, want := range cases {
		td, err := ParseTypeDesc(desc)
		if err != nil {
			t.Fatalf("ParseTypeDesc(%q): %v", desc, err)
		}
		if td.Kind != want {
			t.Errorf("ParseTypeDesc(%q).Kind = %d, want %d", desc, td.Kind, want)
		}
	}
}

func TestParseTypeDescClass(t *testing.T) {
	td, err := ParseTypeDesc("Ljava/lang/String;")
	if err != nil {
		t.Fatal(err)
	}
	if td.Kind != KindClass || td.Class != "java/lang/String" {
		t.Errorf("got kind=%d class=%q", td.Kind, td.Class)
	}
}

func TestParseTypeDescArray(t *testing.T) {
	td, err := ParseTypeDesc("[[J")
	if err != nil {
		t.Fatal(err)
	}
	if td.Kind != KindArray || td.Dim != 2 {
		t.Fatalf("got kind=%d dim=%d", td.Kind, td.Dim)
	}
	if td.Elem.Kind != KindLong {
		t.Errorf("elem kind = %d, want KindLong", td.Elem.Kind)
	}
}

func TestParseTypeDescRejects(t *testing.T) {
	bad := []string{
		"",
		"X",
		"L;",
		"Lfoo",   // missing semicolon
		"II",     // trailing garbage
		"[",      // bare array marker
		"[V",     // array of void
		"[" + strings.Repeat("[", MaxArrayDim) + "I", // 256 dimensions
	}
	for _, desc := range bad {
		if _, err := ParseTypeDesc(desc); !errors.Is(err, ErrBadDescriptor) {
			t.Errorf("ParseTypeDesc(%q) err = %v, want ErrBadDescriptor", desc, err)
		}
	}
}

func TestMaxArrayDimAccepted(t *testing.T) {
	desc := strings.Repeat("[", MaxArrayDim) + "I"
	td, err := ParseTypeDesc(desc)
	if err != nil {
		t.Fatal(err)
	}
	if td.Dim != MaxArrayDim {
		t.Errorf("dim = %d, want %d", td.Dim, MaxArrayDim)
	}
}

func TestWideDescriptor(t *testing.T) {
	for desc, want := range map[string]bool{"J": true, "D": true, "I": false, "[J": false} {
		if got := WideDescriptor(desc); got != want {
			t.Errorf("WideDescriptor(%q) = %v, want %v", desc, got, want)
		}
	}
}

func TestReferenceDescriptor(t *testing.T) {
	for desc, want := range map[string]bool{
		"Lfoo;": true, "[I": true, "I": false, "": false,
	} {
		if got := ReferenceDescriptor(desc); got != want {
			t.Errorf("ReferenceDescriptor(%q) = %v, want %v", desc, got, want)
		}
	}
}
