// pkg/bitmask/bitmask_test.go

package bitmask

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	m := New()
	assert.False(t, m.Get(0))
	assert.False(t, m.Get(-1))
	assert.Equal(t, int64(0), m.Size())

	for _, i := range []int64{0, 3, 8, 17, 100} {
		m.Set(i)
	}
	for i := int64(0); i < 128; i++ {
		switch i {
		case 0, 3, 8, 17, 100:
			assert.True(t, m.Get(i), "part %d", i)
		default:
			assert.False(t, m.Get(i), "part %d", i)
		}
	}
	assert.Equal(t, int64(104), m.Size())
	assert.False(t, m.Get(1<<40))
	assert.Panics(t, func() { m.Set(-1) })
}

func TestEncodeDeterministic(t *testing.T) {
	a := New()
	a.Set(2)
	a.Set(9)

	// same ready parts, different history and buffer length
	b := New()
	b.Set(63)
	b.Set(9)
	b.Set(2)
	b.data[7] = 0

	assert.Equal(t, a.Encode(), b.Encode())
	assert.Equal(t, []byte{0x04, 0x02}, a.Encode())
	assert.True(t, a.Equal(b))
	assert.Empty(t, New().Encode())
}

func TestDecodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	m := New()
	for i := 0; i < 200; i++ {
		m.Set(r.Int63n(1000))
	}
	d, err := Decode(m.Encode())
	require.NoError(t, err)
	for i := int64(0); i < 1100; i++ {
		assert.Equal(t, m.Get(i), d.Get(i), "part %d", i)
	}
	assert.Equal(t, m.AsSlice(), d.AsSlice())

	// the decoded mask must not alias the input
	enc := m.Encode()
	d, err = Decode(enc)
	require.NoError(t, err)
	enc[0] = 0
	assert.Equal(t, m.Get(0), d.Get(0))
}

func TestDecodeTrailingZeros(t *testing.T) {
	m, err := Decode([]byte{0x07, 0x00})
	require.NoError(t, err)
	assert.Equal(t, int64(16), m.Size())
	assert.Equal(t, []int64{0, 1, 2}, m.AsSlice())
	assert.Equal(t, []byte{0x07}, m.Encode())
	assert.True(t, m.Equal(NewOnes(3)))

	m, err = Decode([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, int64(16), m.Size())
	assert.Empty(t, m.AsSlice())
	assert.Empty(t, m.Encode())

	m, err = Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Size())
}

func TestNewOnes(t *testing.T) {
	for _, n := range []int64{0, 1, 7, 8, 9, 64, 77} {
		m := NewOnes(n)
		assert.Equal(t, n, m.GetReadyParts(0), "count %d", n)
		assert.False(t, m.Get(n))
		assert.Equal(t, n*10, m.GetTotalSize(10))

		o := New()
		for i := int64(0); i < n; i++ {
			o.Set(i)
		}
		assert.Equal(t, o.Encode(), m.Encode(), "count %d", n)
	}
	assert.Equal(t, int64(0), NewOnes(-5).Size())
}

func TestGetReadyParts(t *testing.T) {
	m := New()
	for i := int64(3); i < 30; i++ {
		m.Set(i)
	}
	m.Set(31)
	assert.Equal(t, int64(0), m.GetReadyParts(0))
	assert.Equal(t, int64(27), m.GetReadyParts(3))
	assert.Equal(t, int64(20), m.GetReadyParts(10))
	assert.Equal(t, int64(0), m.GetReadyParts(30))
	assert.Equal(t, int64(1), m.GetReadyParts(31))
	assert.Equal(t, int64(0), m.GetReadyParts(-3))

	r := rand.New(rand.NewSource(7))
	m = New()
	for i := 0; i < 300; i++ {
		m.Set(r.Int63n(400))
	}
	for k := int64(0); k < 420; k++ {
		var want int64
		for m.Get(k + want) {
			want++
		}
		assert.Equal(t, want, m.GetReadyParts(k), "start %d", k)
	}
}

func TestGetReadyPrefixSize(t *testing.T) {
	m := New()
	m.Set(0)
	m.Set(1)
	m.Set(2)

	assert.Equal(t, int64(38), m.GetReadyPrefixSize(10, 16, 0))
	assert.Equal(t, int64(48), m.GetReadyPrefixSize(0, 16, 0))
	assert.Equal(t, int64(0), m.GetReadyPrefixSize(-1, 16, 0))
	assert.Equal(t, int64(0), m.GetReadyPrefixSize(48, 16, 0))
	assert.Equal(t, int64(30), m.GetReadyPrefixSize(10, 16, 40))
	// offset beyond the known size is clamped
	assert.Equal(t, int64(0), m.GetReadyPrefixSize(45, 16, 40))

	for off := int64(0); off < 60; off++ {
		for _, size := range []int64{1, 20, 40, 47, 48, 100} {
			got := m.GetReadyPrefixSize(off, 16, size)
			if off <= size {
				assert.LessOrEqual(t, got, size-off)
			}
			assert.GreaterOrEqual(t, got, int64(0))
		}
	}
}

func TestTotalSizeAndSlice(t *testing.T) {
	m := New()
	for _, i := range []int64{1, 2, 3, 9, 40} {
		m.Set(i)
	}
	m.Set(2)
	assert.Equal(t, int64(5*1024), m.GetTotalSize(1024))
	assert.Equal(t, []int64{1, 2, 3, 9, 40}, m.AsSlice())
	assert.Equal(t, "[1-3 9 40]", m.String())
	assert.Equal(t, "[]", New().String())
}

func TestCompact(t *testing.T) {
	m := NewOnes(3000)
	m.Set(3100)
	enc := m.EncodeCompact()
	assert.Less(t, len(enc), 20)

	d, err := DecodeCompact(enc)
	require.NoError(t, err)
	assert.True(t, m.Equal(d))
	assert.Equal(t, m.Encode(), d.Encode())

	mixed := New()
	mixed.Set(1)
	mixed.Set(700)
	d, err = DecodeCompact(mixed.EncodeCompact())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 700}, d.AsSlice())

	d, err = DecodeCompact([]byte{0x05, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, int64(24), d.Size())
	assert.Equal(t, []int64{0, 2}, d.AsSlice())

	for _, bad := range [][]byte{{0xff}, {0x00}, {0xff, 251}, {0x00, 0x00}} {
		_, err := DecodeCompact(bad)
		assert.True(t, errors.Is(err, ErrDecode), "input %v", bad)
		var de *DecodeError
		assert.True(t, errors.As(err, &de), "input %v", bad)
	}
}
