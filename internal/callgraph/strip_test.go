package callgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexaudit/internal/dex"
	"dexaudit/internal/dex/dextest"
	"dexaudit/internal/repo"
)

// chainWorld builds main → mid → bad, where bad invokes a method that
// never resolves, plus an untouched ok method.
func chainWorld(t *testing.T) *repo.Repo {
	t.Helper()
	app := dextest.New()
	app.Class("Ljava/lang/Object;", "", dex.AccPublic)

	gone := app.MethodRef("Lmissing/X;", "g", "V")
	bad := app.MethodRef("La/C;", "bad", "V")
	mid := app.MethodRef("La/C;", "mid", "V")

	cls := app.Class("La/C;", "Ljava/lang/Object;", dex.AccPublic)
	cls.Method("bad", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x0071, uint16(gone), 0x0000, 0x000e},
	}, "V")
	cls.Method("mid", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x0071, uint16(bad), 0x0000, 0x000e},
	}, "V")
	cls.Method("main", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x0071, uint16(mid), 0x0000, 0x000e},
	}, "V")
	cls.Method("ok", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x000e},
	}, "V")

	rp := repo.New()
	require.NoError(t, rp.Register(app.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())
	return rp
}

func TestMarkUnresolved(t *testing.T) {
	rp := chainWorld(t)
	unresolved, err := MarkUnresolved(rp, Options{})
	require.NoError(t, err)

	require.Len(t, unresolved, 1)
	assert.Contains(t, unresolved["La/C;->bad()V"], "Lmissing/X;")
	assert.NotContains(t, unresolved, "La/C;->mid()V", "transitive callers are the stripper's job")
}

func TestMarkUnresolvedClassAndField(t *testing.T) {
	app := dextest.New()
	app.Class("Ljava/lang/Object;", "", dex.AccPublic)

	k := app.Type("Lmissing/K;")
	fr := app.FieldRef("Lmissing/K;", "n", "I")

	cls := app.Class("La/C;", "Ljava/lang/Object;", dex.AccPublic)
	cls.Method("ni", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x0022, uint16(k), 0x000e}, // new-instance v0
	}, "V")
	cls.Method("sg", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x0060, uint16(fr), 0x000e}, // sget v0
	}, "V")
	cls.Method("broken", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x00f4}, // unassigned opcode
	}, "V")

	rp := repo.New()
	require.NoError(t, rp.Register(app.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())

	unresolved, err := MarkUnresolved(rp, Options{})
	require.NoError(t, err)

	assert.Contains(t, unresolved["La/C;->ni()V"], "class Lmissing/K;")
	assert.Contains(t, unresolved["La/C;->sg()V"], "field Lmissing/K;->n:I")
	assert.Contains(t, unresolved["La/C;->broken()V"], "undecodable")
}

func TestStripCascade(t *testing.T) {
	rp := chainWorld(t)
	g, err := Build(rp, Options{})
	require.NoError(t, err)
	unresolved, err := MarkUnresolved(rp, Options{})
	require.NoError(t, err)

	res := g.Strip(unresolved, Options{})

	assert.Equal(t, 3, res.Rounds)
	assert.Contains(t, res.Removed["La/C;->bad()V"], "Lmissing/X;")
	assert.Equal(t, "calls removed La/C;->bad()V", res.Removed["La/C;->mid()V"])
	assert.Equal(t, "calls removed La/C;->mid()V", res.Removed["La/C;->main()V"])

	assert.Contains(t, res.Graph.Nodes, "La/C;->ok()V")
	assert.NotContains(t, res.Graph.Nodes, "La/C;->main()V")
	for _, c := range res.Graph.Calls {
		_, cg := res.Removed[c.Caller]
		_, eg := res.Removed[c.Callee]
		assert.False(t, cg || eg, "edge touches a removed node: %+v", c)
	}

	names := res.RemovedNames()
	require.Len(t, names, 3)
	assert.Equal(t, []string{"La/C;->bad()V", "La/C;->main()V", "La/C;->mid()V"}, names)
}

func TestStripClean(t *testing.T) {
	app := dextest.New()
	app.Class("Ljava/lang/Object;", "", dex.AccPublic)
	cls := app.Class("La/C;", "Ljava/lang/Object;", dex.AccPublic)
	cls.Method("ok", dex.AccPublic|dex.AccStatic, &dextest.Code{
		Registers: 1,
		Insns:     []uint16{0x000e},
	}, "V")
	rp := repo.New()
	require.NoError(t, rp.Register(app.Parse(), repo.OriginApp))
	require.NoError(t, rp.Close())

	g, err := Build(rp, Options{})
	require.NoError(t, err)
	res := g.Strip(map[string]string{}, Options{})

	assert.Equal(t, 1, res.Rounds)
	assert.Empty(t, res.Removed)
	assert.Len(t, res.Graph.Nodes, len(g.Nodes))
}
