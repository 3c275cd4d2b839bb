// pkg/bitmask/compact.go

package bitmask

// maxRun is the longest run of 0x00 or 0xff bytes a single marker can describe.
const maxRun = 250

// EncodeCompact returns the run-length form of Encode: every 0x00 or 0xff byte is
// followed by the number of times it repeats. Masks of fully downloaded files shrink
// to a few bytes.
func (m *Bitmask) EncodeCompact() []byte {
	data := m.data[:m.trimmedLen()]
	res := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		res = append(res, c)
		if c != 0 && c != 0xff {
			continue
		}
		cnt := 1
		for cnt < maxRun && i+cnt < len(data) && data[i+cnt] == c {
			cnt++
		}
		res = append(res, byte(cnt))
		i += cnt - 1
	}
	return res
}

// DecodeCompact parses the output of EncodeCompact.
func DecodeCompact(data []byte) (*Bitmask, error) {
	var out []byte
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != 0 && c != 0xff {
			out = append(out, c)
			continue
		}
		if i+1 >= len(data) {
			return nil, &DecodeError{Offset: i, Reason: "run marker without count"}
		}
		cnt := int(data[i+1])
		if cnt == 0 || cnt > maxRun {
			return nil, &DecodeError{Offset: i + 1, Reason: "invalid run length"}
		}
		for j := 0; j < cnt; j++ {
			out = append(out, c)
		}
		i++
	}
	return &Bitmask{data: out}, nil
}
