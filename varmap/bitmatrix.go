package varmap

import (
	"bytes"
	"math/rand"

	"github.com/bits-and-blooms/bitset"
)

// BitMatrix is a dense boolean matrix. Each row is one input vector.
type BitMatrix struct {
	rows []*bitset.BitSet
	cols int
}

// NewBitMatrix returns a zeroed matrix.
func NewBitMatrix(rows, cols int) *BitMatrix {
	m := &BitMatrix{rows: make([]*bitset.BitSet, rows), cols: cols}
	for i := range m.rows {
		m.rows[i] = bitset.New(uint(cols))
	}
	return m
}

// NewIdentityMatrix returns an n by n identity matrix.
func NewIdentityMatrix(n int) *BitMatrix {
	m := NewBitMatrix(n, n)
	for i := 0; i < n; i++ {
		m.Set(i, i, true)
	}
	return m
}

// Rows returns the number of rows.
func (m *BitMatrix) Rows() int { return len(m.rows) }

// Cols returns the number of columns.
func (m *BitMatrix) Cols() int { return m.cols }

// Get returns the bit at row r, column c.
func (m *BitMatrix) Get(r, c int) bool { return m.rows[r].Test(uint(c)) }

// Set sets the bit at row r, column c.
func (m *BitMatrix) Set(r, c int, b bool) { m.rows[r].SetTo(uint(c), b) }

// SetCol sets every bit of column c.
func (m *BitMatrix) SetCol(c int, b bool) {
	for _, row := range m.rows {
		row.SetTo(uint(c), b)
	}
}

// Randomize sets every bit from rng.
func (m *BitMatrix) Randomize(rng *rand.Rand) {
	for _, row := range m.rows {
		for c := 0; c < m.cols; c++ {
			row.SetTo(uint(c), rng.Intn(2) == 1)
		}
	}
}

// Word returns the 32 bits of row r starting at column 32*i. Column 32*i is
// the least significant bit.
func (m *BitMatrix) Word(r, i int) uint32 {
	var w uint32
	for j := 0; j < 32; j++ {
		if m.rows[r].Test(uint(32*i + j)) {
			w |= 1 << uint(j)
		}
	}
	return w
}

// SetWord stores w into row r starting at column 32*i.
func (m *BitMatrix) SetWord(r, i int, w uint32) {
	for j := 0; j < 32; j++ {
		m.rows[r].SetTo(uint(32*i+j), w&(1<<uint(j)) != 0)
	}
}

// RowCounts returns the number of set bits in each row.
func (m *BitMatrix) RowCounts() []int {
	a := make([]int, len(m.rows))
	for i, row := range m.rows {
		a[i] = int(row.Count())
	}
	return a
}

// ColCounts returns the number of set bits in each column.
func (m *BitMatrix) ColCounts() []int {
	a := make([]int, m.cols)
	for _, row := range m.rows {
		for c := 0; c < m.cols; c++ {
			if row.Test(uint(c)) {
				a[c]++
			}
		}
	}
	return a
}

// String returns the matrix as rows of 0 and 1.
func (m *BitMatrix) String() string {
	var buf bytes.Buffer
	for _, row := range m.rows {
		for c := 0; c < m.cols; c++ {
			if row.Test(uint(c)) {
				buf.WriteByte('1')
			} else {
				buf.WriteByte('0')
			}
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}
