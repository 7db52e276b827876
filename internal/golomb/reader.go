// Package golomb implements a big-endian bit reader with Exp-Golomb decoding
// for H.264 parameter sets and slice headers.
package golomb

import "errors"

// ErrNoData is returned when a read runs past the end of the buffer.
var ErrNoData = errors.New("golomb: no more data")

// Reader reads bits MSB-first from a byte slice. The slice should already
// have emulation prevention bytes removed.
type Reader struct {
	data []byte
	pos  int // byte index
	bit  int // bit index inside data[pos], 0 = MSB
}

// NewReader returns a Reader positioned at the first bit of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// BitsLeft reports how many unread bits remain.
func (r *Reader) BitsLeft() int {
	if r.pos >= len(r.data) {
		return 0
	}
	return (len(r.data)-r.pos)*8 - r.bit
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() (uint32, error) {
	if r.pos >= len(r.data) {
		return 0, ErrNoData
	}
	v := uint32(r.data[r.pos]>>(7-r.bit)) & 1
	if r.bit++; r.bit == 8 {
		r.bit = 0
		r.pos++
	}
	return v, nil
}

// ReadBool reads one bit as a flag.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadBit()
	return v == 1, err
}

// ReadBits reads n bits (n <= 32) as an unsigned value.
func (r *Reader) ReadBits(n int) (uint32, error) {
	if n > 32 {
		return 0, errors.New("golomb: read wider than 32 bits")
	}
	if n > r.BitsLeft() {
		return 0, ErrNoData
	}
	var v uint32
	for n > 0 {
		// Take as many bits as possible from the current byte.
		avail := 8 - r.bit
		take := min(avail, n)
		shift := avail - take
		chunk := uint32(r.data[r.pos]>>shift) & (1<<take - 1)
		v = v<<take | chunk
		n -= take
		r.bit += take
		if r.bit == 8 {
			r.bit = 0
			r.pos++
		}
	}
	return v, nil
}

// Skip advances n bits.
func (r *Reader) Skip(n int) error {
	if n > r.BitsLeft() {
		return ErrNoData
	}
	total := r.bit + n
	r.pos += total / 8
	r.bit = total % 8
	return nil
}

// ReadUE reads an unsigned Exp-Golomb code, ue(v).
func (r *Reader) ReadUE() (uint32, error) {
	leading := 0
	for {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if leading++; leading > 31 {
			return 0, errors.New("golomb: exp-golomb prefix too long")
		}
	}
	if leading == 0 {
		return 0, nil
	}
	suffix, err := r.ReadBits(leading)
	if err != nil {
		return 0, err
	}
	return (1<<leading - 1) + suffix, nil
}

// ReadSE reads a signed Exp-Golomb code, se(v).
func (r *Reader) ReadSE() (int32, error) {
	k, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if k&1 == 1 {
		return int32((k + 1) / 2), nil
	}
	return -int32(k / 2), nil
}

// SkipUE skips one ue(v) value.
func (r *Reader) SkipUE() error {
	_, err := r.ReadUE()
	return err
}

// SkipSE skips one se(v) value.
func (r *Reader) SkipSE() error {
	_, err := r.ReadSE()
	return err
}

// SkipScalingList consumes a scaling_list() of the given size (7.3.2.1.1.1).
func (r *Reader) SkipScalingList(size int) error {
	last, next := int32(8), int32(8)
	for j := 0; j < size; j++ {
		if next != 0 {
			delta, err := r.ReadSE()
			if err != nil {
				return err
			}
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
	return nil
}
