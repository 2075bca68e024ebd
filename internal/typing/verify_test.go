package typing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexaudit/internal/dex"
	"dexaudit/internal/dex/dextest"
	"dexaudit/internal/repo"
	"dexaudit/internal/typing"
)

// appWorld seals a repo with a minimal system image plus one app dex
// assembled by the caller.
func appWorld(t *testing.T, build func(b *dextest.Builder)) *repo.Repo {
	t.Helper()
	sys := dextest.New()
	sys.Class("Ljava/lang/Object;", "", dex.AccPublic)
	sys.Class("Ljava/lang/Throwable;", "Ljava/lang/Object;", dex.AccPublic)
	sys.Class("Ljava/lang/Exception;", "Ljava/lang/Throwable;", dex.AccPublic)
	sys.Class("Ljava/lang/String;", "Ljava/lang/Object;", dex.AccPublic|dex.AccFinal)

	app := dextest.New()
	build(app)

	rp := repo.New()
	require.NoError(t, rp.Register(sys.Parse(), repo.OriginSystem))
	require.NoError(t, rp.Register(app.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())
	return rp
}

func appMethod(t *testing.T, rp *repo.Repo, name string) *repo.Method {
	t.Helper()
	for _, m := range rp.AppMethods() {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("method %s not found", name)
	return nil
}

func TestVerifyClean(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("add", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 4, Ins: 2,
			Insns: []uint16{
				0x0090, 0x0302, // add-int v0, v2, v3
				0x000f, // return v0
			},
		}, "I", "I", "I")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "add"), typing.Options{})
	assert.True(t, res.Verified)
	assert.False(t, res.Unverifiable)
	assert.Empty(t, res.Errors)

	// parameters land at the top of the frame
	entry := res.Entries[0]
	require.NotNil(t, entry)
	assert.True(t, entry.Regs[2].Equal(typing.Integer))
	assert.True(t, entry.Regs[3].Equal(typing.Integer))
	assert.True(t, entry.Regs[0].Equal(typing.Top))
}

func TestVerifyNoCode(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic|dex.AccAbstract)
		cls.Method("run", dex.AccPublic|dex.AccAbstract, nil, "V")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "run"), typing.Options{})
	assert.True(t, res.Verified)
	assert.Empty(t, res.Errors)
}

func TestVerifyBadReturn(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns:     []uint16{0x000e}, // return-void from an int method
		}, "I")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.False(t, res.Verified)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, typing.KindType, res.Errors[0].Kind)
	assert.Equal(t, uint32(0), res.Errors[0].PC)
	assert.ErrorIs(t, res.Errors[0].Err, typing.ErrBadReturn)
}

func TestVerifyBranchMergeMisuse(t *testing.T) {
	// v0 is an int on one path and a String on the other; the merged
	// value degrades to the null-or-int join and cannot feed add-int.
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 4, Ins: 2,
			Insns: []uint16{
				0x0238, 0x0004, // 0: if-eqz v2, +4
				0x2001,         // 2: move v0, v2
				0x0228,         // 3: goto +2
				0x3007,         // 4: move-object v0, v3
				0x0190, 0x0000, // 5: add-int v1, v0, v0
				0x000e, // 7: return-void
			},
		}, "V", "I", "Ljava/lang/String;")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.False(t, res.Verified)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, typing.KindType, res.Errors[0].Kind)
	assert.Equal(t, uint32(5), res.Errors[0].PC)
	assert.ErrorIs(t, res.Errors[0].Err, typing.ErrNotSubtype)
}

func TestVerifyConjunctiveMerge(t *testing.T) {
	// Two classes sharing two interfaces flow into one register; the
	// merged type is the conjunctive interface set, not plain Object.
	rp := appWorld(t, func(b *dextest.Builder) {
		b.Class("Lx/IA;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract)
		b.Class("Lx/IB;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract)
		b.Class("Lx/C1;", "Ljava/lang/Object;", dex.AccPublic, "Lx/IA;", "Lx/IB;")
		b.Class("Lx/C2;", "Ljava/lang/Object;", dex.AccPublic, "Lx/IA;", "Lx/IB;")
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 4, Ins: 3,
			Insns: []uint16{
				0x0338, 0x0004, // 0: if-eqz v3, +4
				0x1007, // 2: move-object v0, v1
				0x0228, // 3: goto +2
				0x2007, // 4: move-object v0, v2
				0x000e, // 5: return-void
			},
		}, "V", "Lx/C1;", "Lx/C2;", "I")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.True(t, res.Verified)
	assert.Empty(t, res.Errors)

	entry := res.Entries[5]
	require.NotNil(t, entry)
	assert.True(t, entry.Regs[0].Equal(typing.Object("Lx/IA;", "Lx/IB;")),
		"merged register = %s", entry.Regs[0])
}

func TestVerifyWideNarrowMergeTop(t *testing.T) {
	// A 32-bit constant on one path and a wide constant on the other
	// merge to top; any later use of the register fails.
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 4, Ins: 1,
			Insns: []uint16{
				0x0338, 0x0004, // 0: if-eqz v3, +4
				0x1012,         // 2: const/4 v0, #1
				0x0328,         // 3: goto +3
				0x0016, 0x0001, // 4: const-wide/16 v0, #1
				0x0190, 0x0000, // 6: add-int v1, v0, v0
				0x000e, // 8: return-void
			},
		}, "V", "I")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.False(t, res.Verified)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, typing.KindType, res.Errors[0].Kind)
	assert.Equal(t, uint32(6), res.Errors[0].PC)
	assert.ErrorIs(t, res.Errors[0].Err, typing.ErrNotSubtype)

	entry := res.Entries[6]
	require.NotNil(t, entry)
	assert.True(t, entry.Regs[0].Equal(typing.Top), "merged register = %s", entry.Regs[0])
}

func TestVerifyMissingCallee(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		mi := b.MethodRef("Lmissing/C;", "g", "V")
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns: []uint16{
				0x0071, uint16(mi), 0x0000, // invoke-static {}, missing/C.g
				0x000e,
			},
		}, "V")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})

	// resolution findings are informational: the method still verifies
	assert.True(t, res.Verified)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, typing.KindResolution, res.Errors[0].Kind)
	assert.Equal(t, uint32(0), res.Errors[0].PC)
}

func TestVerifyCatchHandler(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		si := b.Str("boom")
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns: []uint16{
				0x001a, uint16(si), // 0: const-string v0 (can throw)
				0x000e, // 2: return-void
				0x000d, // 3: move-exception v0
				0x000e, // 4: return-void
			},
			Tries: []dextest.Try{{
				Start: 0, Count: 2,
				Handlers: []dextest.Handler{{Type: "Ljava/lang/Exception;", Addr: 3}},
			}},
		}, "V")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.True(t, res.Verified)
	assert.Empty(t, res.Errors)

	// the handler sees the caught type in the exception slot
	entry := res.Entries[3]
	require.NotNil(t, entry)
	require.NotNil(t, entry.LastException)
	assert.True(t, entry.LastException.Equal(typing.Object("Ljava/lang/Exception;")))
}

func TestVerifyMoveExceptionOutsideHandler(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns: []uint16{
				0x000d, // move-exception with nothing in flight
				0x000e,
			},
		}, "V")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.False(t, res.Verified)
	require.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Errors[0].Err, typing.ErrMissingException)
}

func TestVerifyUndecodable(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("f", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns:     []uint16{0x00f4}, // unassigned opcode
		}, "V")
	})
	res := typing.VerifyMethod(rp, appMethod(t, rp, "f"), typing.Options{})
	assert.False(t, res.Verified)
	assert.True(t, res.Unverifiable)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, typing.KindDecode, res.Errors[0].Kind)
}

func TestVerifyAll(t *testing.T) {
	rp := appWorld(t, func(b *dextest.Builder) {
		cls := b.Class("La/A;", "Ljava/lang/Object;", dex.AccPublic)
		cls.Method("ok", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns:     []uint16{0x000e},
		}, "V")
		cls.Method("bad", dex.AccPublic|dex.AccStatic, &dextest.Code{
			Registers: 1,
			Insns:     []uint16{0x000e},
		}, "I")
	})
	methods := rp.AppMethods()
	require.Len(t, methods, 2)

	results := typing.VerifyAll(rp, methods, typing.Options{Workers: 2})
	require.Len(t, results, 2)
	for i, res := range results {
		assert.Same(t, methods[i], res.Method, "results keep input order")
	}
	byName := map[string]bool{}
	for _, res := range results {
		byName[res.Method.Name] = res.Verified
	}
	assert.True(t, byName["ok"])
	assert.False(t, byName["bad"])
}
