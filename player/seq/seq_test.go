package seq

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSuccPred(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := Num(rapid.Uint16().Draw(rt, "a"))
		require.Equal(t, a, Pred(Succ(a)))
		require.Equal(t, a, Succ(Pred(a)))
	})
}

func TestDiffOfSucc(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := Num(rapid.Uint16().Draw(rt, "a"))
		require.Equal(t, int32(1), Diff(a, Succ(a), a))
	})
}

func TestOrdinateRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		x := Num(rapid.Uint16().Draw(rt, "x"))
		anchor := Num(rapid.Uint16().Draw(rt, "anchor"))
		o := Ordinate(x, anchor)
		require.GreaterOrEqual(t, o, int32(-32768))
		require.LessOrEqual(t, o, int32(32767))
	})
}

func TestOrdinateSelf(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := Num(rapid.Uint16().Draw(rt, "a"))
		require.Equal(t, int32(0), Ordinate(a, a))
	})
}

func TestTSAfter32Wrap(t *testing.T) {
	require.True(t, TSAfter32(0xFFFFFFFF, 0))
	require.False(t, TSAfter32(0, 0xFFFFFFFF))
	require.False(t, TSAfter32(100, 100))
}

func TestTSLessOrEqual32FlushBoundary(t *testing.T) {
	var flushTS TS = 55000
	require.True(t, TSLessOrEqual32(54999, flushTS))
	require.True(t, TSLessOrEqual32(55000, flushTS))
	require.False(t, TSLessOrEqual32(55001, flushTS))
}

func TestSeqAtN1Ahead(t *testing.T) {
	var abWrite Num = 1000
	target := Sum(abWrite, 511) // N-1 ahead, N=512
	require.True(t, After(abWrite, target))
	require.Equal(t, int32(511), Diff(abWrite, target, abWrite))
}
