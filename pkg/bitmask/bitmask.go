// pkg/bitmask/bitmask.go

// Package bitmask tracks which fixed-size parts of a file are already downloaded.
//
// Part i is stored as bit i%8 of byte i/8. Bits beyond the buffer are unset, and the
// encoding drops trailing zero bytes, so two masks with the same ready parts always
// encode to the same bytes.
package bitmask

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

// ErrDecode is returned (wrapped in *DecodeError) for a malformed encoding.
var ErrDecode = errors.New("malformed bitmask encoding")

// DecodeError reports where decoding failed.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s at byte %d: %s", ErrDecode, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Bitmask is owned by a single download; it is not safe for concurrent use.
type Bitmask struct {
	data []byte
}

// New returns an empty mask.
func New() *Bitmask {
	return &Bitmask{}
}

// NewOnes returns a mask with the first count parts ready.
func NewOnes(count int64) *Bitmask {
	m := &Bitmask{}
	if count <= 0 {
		return m
	}
	m.data = make([]byte, (count+7)/8)
	full := count / 8
	for i := int64(0); i < full; i++ {
		m.data[i] = 0xff
	}
	if rest := count % 8; rest != 0 {
		m.data[full] = byte(1<<uint(rest)) - 1
	}
	return m
}

// Decode parses the output of Encode. Trailing zero bytes are kept as capacity,
// so Size is always len(data)*8.
func Decode(data []byte) (*Bitmask, error) {
	m := &Bitmask{data: make([]byte, len(data))}
	copy(m.data, data)
	return m, nil
}

// Encode returns the packed bits without trailing zero bytes.
func (m *Bitmask) Encode() []byte {
	n := m.trimmedLen()
	out := make([]byte, n)
	copy(out, m.data[:n])
	return out
}

func (m *Bitmask) trimmedLen() int {
	n := len(m.data)
	for n > 0 && m.data[n-1] == 0 {
		n--
	}
	return n
}

// Get reports whether part is ready. Out of range parts are never ready.
func (m *Bitmask) Get(part int64) bool {
	if part < 0 {
		return false
	}
	idx := part / 8
	if idx >= int64(len(m.data)) {
		return false
	}
	return m.data[idx]&(1<<uint(part%8)) != 0
}

// Set marks part as ready, growing the buffer as needed.
func (m *Bitmask) Set(part int64) {
	if part < 0 {
		panic(fmt.Sprintf("bitmask: negative part %d", part))
	}
	need := part/8 + 1
	if need > int64(len(m.data)) {
		if need <= int64(cap(m.data)) {
			m.data = m.data[:need]
		} else {
			grown := make([]byte, need, need+need/4)
			copy(grown, m.data)
			m.data = grown
		}
	}
	m.data[need-1] |= 1 << uint(part%8)
}

// GetReadyParts returns the number of consecutive ready parts starting at part.
func (m *Bitmask) GetReadyParts(part int64) int64 {
	if !m.Get(part) {
		return 0
	}
	var n int64
	// walk bit by bit until the next byte boundary, then skip whole 0xff bytes
	for part+n < m.Size() {
		p := part + n
		if p%8 == 0 {
			b := m.data[p/8]
			if b == 0xff {
				n += 8
				continue
			}
			return n + int64(bits.TrailingZeros8(^b))
		}
		if !m.Get(p) {
			return n
		}
		n++
	}
	return n
}

// GetReadyPrefixSize returns how many bytes starting at offset are already downloaded.
// fileSize 0 means the size is unknown.
func (m *Bitmask) GetReadyPrefixSize(offset, partSize, fileSize int64) int64 {
	if offset < 0 {
		return 0
	}
	offsetPart := offset / partSize
	ones := m.GetReadyParts(offsetPart)
	if ones == 0 {
		return 0
	}
	end := (offsetPart + ones) * partSize
	if fileSize != 0 && end > fileSize {
		end = fileSize
		if offset > fileSize {
			offset = fileSize
		}
	}
	res := end - offset
	if res < 0 {
		panic(fmt.Sprintf("bitmask: negative ready prefix %d (offset %d, part %d, size %d)", res, offset, partSize, fileSize))
	}
	return res
}

// GetTotalSize returns the downloaded size assuming every ready part is partSize long.
func (m *Bitmask) GetTotalSize(partSize int64) int64 {
	var ones int64
	for _, b := range m.data {
		ones += int64(bits.OnesCount8(b))
	}
	return ones * partSize
}

// AsSlice returns the ready parts in ascending order.
func (m *Bitmask) AsSlice() []int64 {
	var res []int64
	for i, b := range m.data {
		for b != 0 {
			bit := bits.TrailingZeros8(b)
			res = append(res, int64(i)*8+int64(bit))
			b &^= 1 << uint(bit)
		}
	}
	return res
}

// Size returns the number of addressable parts, not the expected part count.
func (m *Bitmask) Size() int64 {
	return int64(len(m.data)) * 8
}

func (m *Bitmask) Clone() *Bitmask {
	c := &Bitmask{data: make([]byte, len(m.data))}
	copy(c.data, m.data)
	return c
}

// Equal compares ready parts, ignoring buffer capacity.
func (m *Bitmask) Equal(o *Bitmask) bool {
	a, b := m.data[:m.trimmedLen()], o.data[:o.trimmedLen()]
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String formats ready parts as ranges, e.g. "[0-2 5]".
func (m *Bitmask) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	parts := m.AsSlice()
	for i := 0; i < len(parts); {
		j := i
		for j+1 < len(parts) && parts[j+1] == parts[j]+1 {
			j++
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		if j == i {
			fmt.Fprintf(&sb, "%d", parts[i])
		} else {
			fmt.Fprintf(&sb, "%d-%d", parts[i], parts[j])
		}
		i = j + 1
	}
	sb.WriteByte(']')
	return sb.String()
}
