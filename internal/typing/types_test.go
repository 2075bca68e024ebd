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

// testHierarchy seals a small world:
//
//	Object; Comparable (interface)
//	Number < Object, implements Comparable
//	Integer < Number; Double < Number
//	String < Object, implements Comparable
//	IA, IB (interfaces); C1, C2 < Object, both implement IA and IB
func testHierarchy(t *testing.T) *repo.Hierarchy {
	t.Helper()
	b := dextest.New()
	b.Class("Ljava/lang/Object;", "", dex.AccPublic)
	b.Class("Ljava/lang/Comparable;", "Ljava/lang/Object;",
		dex.AccPublic|dex.AccInterface|dex.AccAbstract)
	b.Class("Ljava/lang/Number;", "Ljava/lang/Object;", dex.AccPublic,
		"Ljava/lang/Comparable;")
	b.Class("Ljava/lang/Integer;", "Ljava/lang/Number;", dex.AccPublic)
	b.Class("Ljava/lang/Double;", "Ljava/lang/Number;", dex.AccPublic)
	b.Class("Ljava/lang/String;", "Ljava/lang/Object;", dex.AccPublic,
		"Ljava/lang/Comparable;")
	b.Class("Ljava/lang/Throwable;", "Ljava/lang/Object;", dex.AccPublic)
	b.Class("Lx/IA;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract)
	b.Class("Lx/IB;", "Ljava/lang/Object;", dex.AccPublic|dex.AccInterface|dex.AccAbstract)
	b.Class("Lx/C1;", "Ljava/lang/Object;", dex.AccPublic, "Lx/IA;", "Lx/IB;")
	b.Class("Lx/C2;", "Ljava/lang/Object;", dex.AccPublic, "Lx/IA;", "Lx/IB;")

	rp := repo.New()
	require.NoError(t, rp.Register(b.Parse(), repo.OriginSystem))
	require.NoError(t, rp.Close())
	h, err := rp.Hierarchy()
	require.NoError(t, err)
	return h
}

func TestFromDescriptor(t *testing.T) {
	for desc, want := range map[string]typing.Type{
		"Z":                  typing.Integer,
		"B":                  typing.Integer,
		"S":                  typing.Integer,
		"C":                  typing.Integer,
		"I":                  typing.Integer,
		"J":                  typing.Long,
		"F":                  typing.Float,
		"D":                  typing.Double,
		"Ljava/lang/String;": typing.Object("Ljava/lang/String;"),
		"[I":                 typing.Array(1, typing.Integer),
		"[[D":                typing.Array(2, typing.Double),
	} {
		got, err := typing.FromDescriptor(desc)
		require.NoError(t, err, desc)
		assert.True(t, got.Equal(want), "%s: got %s want %s", desc, got, want)
	}
	_, err := typing.FromDescriptor("V")
	assert.Error(t, err, "void has no value type")
}

func TestSubtypeScalars(t *testing.T) {
	h := testHierarchy(t)

	assert.True(t, typing.Bottom.SubtypeOf(typing.Integer, h))
	assert.True(t, typing.Integer.SubtypeOf(typing.Top, h))
	assert.True(t, typing.Integer.SubtypeOf(typing.Join32, h))
	assert.True(t, typing.Float.SubtypeOf(typing.Join32, h))
	assert.True(t, typing.MeetZero.SubtypeOf(typing.Join32, h))
	assert.True(t, typing.Long.SubtypeOf(typing.Join64, h))
	assert.True(t, typing.Double.SubtypeOf(typing.Join64, h))
	assert.True(t, typing.Meet64.SubtypeOf(typing.Long, h))
	assert.True(t, typing.Meet64.SubtypeOf(typing.Double, h))
	assert.True(t, typing.Meet32.SubtypeOf(typing.Integer, h))
	assert.True(t, typing.Meet32.SubtypeOf(typing.Float, h))
	assert.True(t, typing.MeetZero.SubtypeOf(typing.Null, h))

	assert.False(t, typing.Integer.SubtypeOf(typing.Float, h))
	assert.False(t, typing.Long.SubtypeOf(typing.Join32, h))
	assert.False(t, typing.Integer.SubtypeOf(typing.Join64, h))

	// the null-or-int join admits references and integers but not floats
	assert.True(t, typing.Integer.SubtypeOf(typing.JoinZero, h))
	assert.True(t, typing.Null.SubtypeOf(typing.JoinZero, h))
	assert.True(t, typing.Object("Ljava/lang/String;").SubtypeOf(typing.JoinZero, h))
	assert.True(t, typing.Array(1, typing.Integer).SubtypeOf(typing.JoinZero, h))
	assert.False(t, typing.Float.SubtypeOf(typing.JoinZero, h))
}

func TestSubtypeObjects(t *testing.T) {
	h := testHierarchy(t)
	integer := typing.Object("Ljava/lang/Integer;")
	number := typing.Object("Ljava/lang/Number;")
	str := typing.Object("Ljava/lang/String;")
	comparable := typing.Object("Ljava/lang/Comparable;")

	assert.True(t, integer.SubtypeOf(number, h))
	assert.True(t, integer.SubtypeOf(typing.ObjectType, h))
	assert.True(t, integer.SubtypeOf(comparable, h))
	assert.False(t, number.SubtypeOf(integer, h))
	assert.False(t, str.SubtypeOf(number, h))

	// conjunctive target: every member must be covered
	both := typing.Object("Ljava/lang/Number;", "Ljava/lang/Comparable;")
	assert.True(t, integer.SubtypeOf(both, h))
	assert.False(t, str.SubtypeOf(both, h))

	assert.True(t, typing.Null.SubtypeOf(str, h))
	assert.True(t, typing.MeetZero.SubtypeOf(str, h))
}

func TestSubtypeArrays(t *testing.T) {
	h := testHierarchy(t)
	intArr := typing.Array(1, typing.Integer)
	strArr := typing.Array(1, typing.Object("Ljava/lang/String;"))
	objArr := typing.Array(1, typing.ObjectType)

	assert.True(t, strArr.SubtypeOf(objArr, h), "covariant elements")
	assert.False(t, objArr.SubtypeOf(strArr, h))
	assert.False(t, intArr.SubtypeOf(objArr, h), "primitives are not references")

	// arrays are Object and Serializable, nothing else
	assert.True(t, intArr.SubtypeOf(typing.ObjectType, h))
	assert.True(t, intArr.SubtypeOf(typing.Object("Ljava/io/Serializable;"), h))
	assert.False(t, intArr.SubtypeOf(typing.Object("Ljava/lang/Number;"), h))

	// a deeper array fits a shallower array of Object
	deep := typing.Array(2, typing.Integer)
	assert.True(t, deep.SubtypeOf(typing.Array(1, typing.ObjectType), h))
	assert.False(t, typing.Array(1, typing.ObjectType).SubtypeOf(deep, h))
}

func TestJoin(t *testing.T) {
	h := testHierarchy(t)
	cases := []struct {
		a, b, want typing.Type
	}{
		{typing.Integer, typing.Integer, typing.Integer},
		{typing.Integer, typing.Float, typing.Join32},
		{typing.Long, typing.Double, typing.Join64},
		{typing.Integer, typing.Object("Ljava/lang/String;"), typing.JoinZero},
		{typing.Meet32, typing.Null, typing.JoinZero},
		{typing.Integer, typing.Long, typing.Top},
		{typing.Float, typing.Object("Ljava/lang/String;"), typing.Top},
		{
			typing.Object("Ljava/lang/Integer;"),
			typing.Object("Ljava/lang/Double;"),
			typing.Object("Ljava/lang/Number;"),
		},
		{
			typing.Object("Ljava/lang/Integer;"),
			typing.Object("Ljava/lang/String;"),
			typing.Object("Ljava/lang/Comparable;"),
		},
		// two minimal common ancestors: the join keeps both, not Object
		{
			typing.Object("Lx/C1;"),
			typing.Object("Lx/C2;"),
			typing.Object("Lx/IA;", "Lx/IB;"),
		},
		{
			typing.Array(1, typing.Integer),
			typing.Object("Ljava/lang/String;"),
			typing.ObjectType,
		},
		{
			typing.Array(1, typing.Object("Ljava/lang/Integer;")),
			typing.Array(1, typing.Object("Ljava/lang/Double;")),
			typing.Array(1, typing.Object("Ljava/lang/Number;")),
		},
		{typing.Array(1, typing.Integer), typing.Array(2, typing.Integer), typing.ObjectType},
	}
	for _, c := range cases {
		got := typing.Join(c.a, c.b, h)
		assert.True(t, got.Equal(c.want), "%s ∨ %s = %s, want %s", c.a, c.b, got, c.want)
		rev := typing.Join(c.b, c.a, h)
		assert.True(t, rev.Equal(got), "join not commutative on %s, %s", c.a, c.b)
	}
}

func TestJoinAlgebra(t *testing.T) {
	h := testHierarchy(t)
	samples := []typing.Type{
		typing.Top, typing.Bottom, typing.Integer, typing.Float, typing.Long,
		typing.Double, typing.Join32, typing.Join64, typing.JoinZero,
		typing.Meet32, typing.Meet64, typing.MeetZero, typing.Null,
		typing.Object("Ljava/lang/String;"),
		typing.Object("Ljava/lang/Number;"),
		typing.Array(1, typing.Integer),
	}
	for _, a := range samples {
		assert.True(t, typing.Join(a, a, h).Equal(a), "idempotent: %s", a)
		assert.True(t, typing.Join(a, typing.Top, h).Equal(typing.Top), "top absorbs: %s", a)
		assert.True(t, typing.Join(a, typing.Bottom, h).Equal(a), "bottom is unit: %s", a)
		for _, b := range samples {
			ab := typing.Join(a, b, h)
			ba := typing.Join(b, a, h)
			assert.True(t, ab.Equal(ba), "commutative: %s, %s", a, b)
			assert.True(t, a.SubtypeOf(ab, h), "upper bound: %s ⋢ %s∨%s", a, a, b)
		}
	}
}

func TestMeet(t *testing.T) {
	h := testHierarchy(t)
	cases := []struct {
		a, b, want typing.Type
	}{
		{typing.Integer, typing.Float, typing.Meet32},
		{typing.Long, typing.Double, typing.Meet64},
		{typing.JoinZero, typing.Float, typing.Meet32},
		{typing.JoinZero, typing.Join32, typing.Integer},
		{typing.Integer, typing.Object("Ljava/lang/String;"), typing.MeetZero},
		{typing.Integer, typing.Long, typing.Bottom},
		{
			typing.Array(1, typing.Integer),
			typing.Object("Ljava/lang/String;"),
			typing.Null,
		},
		{typing.Array(1, typing.Integer), typing.Array(2, typing.Integer), typing.Null},
		{
			typing.Object("Ljava/lang/Number;"),
			typing.Object("Ljava/lang/Comparable;"),
			typing.Object("Ljava/lang/Number;"),
		},
		{
			typing.Object("Ljava/lang/Integer;"),
			typing.Object("Ljava/lang/String;"),
			typing.Object("Ljava/lang/Integer;", "Ljava/lang/String;"),
		},
	}
	for _, c := range cases {
		got := typing.Meet(c.a, c.b, h)
		assert.True(t, got.Equal(c.want), "%s ∧ %s = %s, want %s", c.a, c.b, got, c.want)
	}
}

func TestWide(t *testing.T) {
	assert.True(t, typing.Long.Wide())
	assert.True(t, typing.Double.Wide())
	assert.True(t, typing.Meet64.Wide())
	assert.True(t, typing.Join64.Wide())
	assert.False(t, typing.Integer.Wide())
	assert.False(t, typing.ObjectType.Wide())
}

func TestObjectSetNormalized(t *testing.T) {
	a := typing.Object("Lb;", "La;", "Lb;")
	assert.Equal(t, []string{"La;", "Lb;"}, a.Set)
	assert.True(t, a.Equal(typing.Object("La;", "Lb;")))
}
