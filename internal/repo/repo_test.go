package repo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexaudit/internal/dex"
	"dexaudit/internal/dex/dextest"
	"dexaudit/internal/repo"
)

// framework builds a tiny system image: Object plus a diamond of
// interfaces over it.
//
//	Object
//	  IA      IB        (interfaces)
//	   \     /
//	    Both            (interface extending IA and IB)
//	  Base              (class, implements IA)
//	  Derived < Base    (implements IB)
//	  Dual              (class, implements IA and IB directly)
func framework() *dex.File {
	b := dextest.New()
	b.Class("Ljava/lang/Object;", "", dex.AccPublic)
	b.Class("Lx/IA;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract)
	b.Class("Lx/IB;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract)
	b.Class("Lx/Both;", "Ljava/lang/Object;",
		dex.AccPublic|dex.AccInterface|dex.AccAbstract, "Lx/IA;", "Lx/IB;")
	base := b.Class("Lx/Base;", "Ljava/lang/Object;", dex.AccPublic, "Lx/IA;")
	base.Field("n", "I", dex.AccPublic)
	base.Method("get", dex.AccPublic, &dextest.Code{
		Registers: 2, Ins: 1,
		Insns: []uint16{0x0012, 0x000f}, // const/4 v0, #0; return v0
	}, "I")
	derived := b.Class("Lx/Derived;", "Lx/Base;", dex.AccPublic, "Lx/IB;")
	derived.Method("get", dex.AccPublic, &dextest.Code{
		Registers: 2, Ins: 1,
		Insns: []uint16{0x1012, 0x000f}, // const/4 v0, #1; return v0
	}, "I")
	b.Class("Lx/Dual;", "Ljava/lang/Object;", dex.AccPublic, "Lx/IA;", "Lx/IB;")
	return b.Parse()
}

func sealed(t *testing.T) *repo.Repo {
	t.Helper()
	rp := repo.New()
	require.NoError(t, rp.Register(framework(), repo.OriginSystem))
	require.NoError(t, rp.Close())
	return rp
}

func TestRegisterAfterClose(t *testing.T) {
	rp := sealed(t)
	err := rp.Register(framework(), repo.OriginApp)
	assert.ErrorIs(t, err, repo.ErrClosed)
}

func TestRegisterDuplicate(t *testing.T) {
	rp := repo.New()
	require.NoError(t, rp.Register(framework(), repo.OriginSystem))
	err := rp.Register(framework(), repo.OriginApp)
	assert.ErrorIs(t, err, repo.ErrDuplicateClass)
}

func TestHierarchyBeforeClose(t *testing.T) {
	rp := repo.New()
	_, err := rp.Hierarchy()
	assert.ErrorIs(t, err, repo.ErrNotClosed)
}

func TestInherits(t *testing.T) {
	rp := sealed(t)
	h, err := rp.Hierarchy()
	require.NoError(t, err)

	assert.True(t, h.Inherits("Lx/Derived;", "Lx/Derived;"), "reflexive")
	assert.True(t, h.Inherits("Lx/Derived;", "Lx/Base;"))
	assert.True(t, h.Inherits("Lx/Derived;", "Lx/IA;"), "via superclass interface")
	assert.True(t, h.Inherits("Lx/Derived;", "Lx/IB;"))
	assert.True(t, h.Inherits("Lx/Derived;", repo.ObjectClass))
	assert.False(t, h.Inherits("Lx/Base;", "Lx/Derived;"))
	assert.False(t, h.Inherits("Lx/Base;", "Lx/IB;"))

	assert.True(t, h.Inherits("[I", repo.ObjectClass))
	assert.True(t, h.Inherits("[I", "Ljava/io/Serializable;"))
	assert.False(t, h.Inherits("[I", "Lx/Base;"))
}

func TestMissingLinkedUnderObject(t *testing.T) {
	b := dextest.New()
	b.Class("Ly/Orphan;", "Lz/NeverLoaded;", dex.AccPublic)
	rp := repo.New()
	require.NoError(t, rp.Register(b.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())
	h, err := rp.Hierarchy()
	require.NoError(t, err)

	assert.False(t, h.Defined("Lz/NeverLoaded;"))
	assert.Equal(t, []string{"Lz/NeverLoaded;"}, h.Missing())
	assert.True(t, h.Inherits("Ly/Orphan;", repo.ObjectClass),
		"walk terminates through the placeholder")
}

func TestLeastCommonTypes(t *testing.T) {
	rp := sealed(t)
	h, err := rp.Hierarchy()
	require.NoError(t, err)

	// Derived and Base meet at Base.
	assert.Equal(t, []string{"Lx/Base;"}, h.LeastCommonTypes("Lx/Derived;", "Lx/Base;"))
	// Base (IA) and Both (IA+IB) share IA, more specific than Object.
	assert.Equal(t, []string{"Lx/IA;"}, h.LeastCommonTypes("Lx/Base;", "Lx/Both;"))
	// Two unrelated interfaces only share Object.
	assert.Equal(t, []string{repo.ObjectClass}, h.LeastCommonTypes("Lx/IA;", "Lx/IB;"))
	// Derived (IA via Base, IB directly) and Dual (IA+IB) share both
	// interfaces; neither dominates, so both come back.
	assert.Equal(t, []string{"Lx/IA;", "Lx/IB;"}, h.LeastCommonTypes("Lx/Derived;", "Lx/Dual;"))
}

func TestLookupMethod(t *testing.T) {
	rp := sealed(t)

	proto := dex.Proto{Shorty: "I", Return: "I"}
	m, res := rp.LookupMethod("Lx/Derived;", "get", proto)
	require.NotNil(t, m)
	assert.Equal(t, repo.ResolvedHere, res)
	assert.Equal(t, "Lx/Derived;", m.Class.Name)

	m, res = rp.LookupMethod("Lx/Base;", "get", proto)
	require.NotNil(t, m)
	assert.Equal(t, repo.ResolvedHere, res)

	_, res = rp.LookupMethod("Lx/Base;", "nope", proto)
	assert.Equal(t, repo.ResolvedMissing, res)

	// array receivers resolve against Object
	_, res = rp.LookupMethod("[Lx/Base;", "get", proto)
	assert.Equal(t, repo.ResolvedMissing, res)
}

func TestLookupMethodInherited(t *testing.T) {
	b := dextest.New()
	sub := b.Class("Lx/Sub;", "Lx/Base;", dex.AccPublic)
	sub.Method("other", dex.AccPublic, nil, "V")
	rp := repo.New()
	require.NoError(t, rp.Register(framework(), repo.OriginSystem))
	require.NoError(t, rp.Register(b.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())

	m, res := rp.LookupMethod("Lx/Sub;", "get", dex.Proto{Shorty: "I", Return: "I"})
	require.NotNil(t, m)
	assert.Equal(t, repo.ResolvedInherited, res)
	assert.Equal(t, "Lx/Base;", m.Class.Name)
}

func TestLookupField(t *testing.T) {
	rp := sealed(t)
	f, res := rp.LookupField("Lx/Derived;", "n", "I")
	require.NotNil(t, f)
	assert.Equal(t, repo.ResolvedInherited, res)
	assert.Equal(t, "Lx/Base;", f.Class.Name)

	_, res = rp.LookupField("Lx/Derived;", "n", "J")
	assert.Equal(t, repo.ResolvedMissing, res, "type is part of the key")
}

func TestOverrides(t *testing.T) {
	rp := sealed(t)
	out := rp.Overrides("Lx/Base;", "get", dex.Proto{Shorty: "I", Return: "I"})
	require.Len(t, out, 2)
	assert.Equal(t, "Lx/Base;", out[0].Class.Name)
	assert.Equal(t, "Lx/Derived;", out[1].Class.Name)
}

func TestAppMethods(t *testing.T) {
	b := dextest.New()
	app := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
	app.Method("f", dex.AccPublic|dex.AccStatic, nil, "V")
	rp := repo.New()
	require.NoError(t, rp.Register(framework(), repo.OriginSystem))
	require.NoError(t, rp.Register(b.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())

	ms := rp.AppMethods()
	require.Len(t, ms, 1, "system methods stay out")
	assert.Equal(t, "La/A;->f()V", ms[0].Descriptor())
}

func TestDescriptors(t *testing.T) {
	rp := sealed(t)
	m, _ := rp.LookupMethod("Lx/Base;", "get", dex.Proto{Shorty: "I", Return: "I"})
	require.NotNil(t, m)
	assert.Equal(t, "get()I", m.Sig())
	assert.Equal(t, "Lx/Base;->get()I", m.Descriptor())

	f, _ := rp.LookupField("Lx/Base;", "n", "I")
	require.NotNil(t, f)
	assert.Equal(t, "Lx/Base;->n:I", f.Descriptor())
}
