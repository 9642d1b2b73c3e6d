package varmap_test

import (
	"math/rand"
	"testing"

	"github.com/benbjohnson/tracediff/varmap"
	"github.com/google/go-cmp/cmp"
)

func TestBitMatrix(t *testing.T) {
	t.Run("Identity", func(t *testing.T) {
		m := varmap.NewIdentityMatrix(3)
		if s := m.String(); s != "100\n010\n001\n" {
			t.Fatalf("unexpected matrix:\n%s", s)
		} else if diff := cmp.Diff(m.RowCounts(), []int{1, 1, 1}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("SetCol", func(t *testing.T) {
		m := varmap.NewBitMatrix(2, 3)
		m.SetCol(1, true)
		if s := m.String(); s != "010\n010\n" {
			t.Fatalf("unexpected matrix:\n%s", s)
		}
		m.Set(0, 2, true)
		if diff := cmp.Diff(m.ColCounts(), []int{0, 2, 1}); diff != "" {
			t.Fatal(diff)
		} else if diff := cmp.Diff(m.RowCounts(), []int{2, 1}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Word", func(t *testing.T) {
		m := varmap.NewBitMatrix(1, 64)
		m.SetWord(0, 1, 0x80000001)
		if !m.Get(0, 32) || !m.Get(0, 63) || m.Get(0, 0) {
			t.Fatal("unexpected bit layout")
		} else if w := m.Word(0, 1); w != 0x80000001 {
			t.Fatalf("unexpected word: %#x", w)
		} else if w := m.Word(0, 0); w != 0 {
			t.Fatalf("unexpected word: %#x", w)
		}
	})

	t.Run("Randomize", func(t *testing.T) {
		a, b := varmap.NewBitMatrix(4, 40), varmap.NewBitMatrix(4, 40)
		a.Randomize(rand.New(rand.NewSource(7)))
		b.Randomize(rand.New(rand.NewSource(7)))
		if a.String() != b.String() {
			t.Fatal("expected deterministic matrix")
		} else if a.Rows() != 4 || a.Cols() != 40 {
			t.Fatalf("unexpected size: %dx%d", a.Rows(), a.Cols())
		}
	})
}

func TestPartMap(t *testing.T) {
	p := varmap.NewPartMap([]int{3, 1, 2}, []int{4, 5, 6})
	if p.Len() != 3 || !p.Consistent() {
		t.Fatalf("unexpected partmap: %s", p)
	} else if s := p.String(); s != "{1 2 3} -> {4 5 6}" {
		t.Fatalf("unexpected string: %s", s)
	}
	if p := varmap.NewPartMap([]int{1}, []int{1, 2}); p.Consistent() {
		t.Fatal("expected inconsistent partmap")
	}

	fm := varmap.FullMap{In: varmap.Mapping{2: 0, 0: 1}, Out: varmap.Mapping{0: 0}}
	if s := fm.String(); s != "in={0->1 2->0} out={0->0}" {
		t.Fatalf("unexpected string: %s", s)
	}
}
