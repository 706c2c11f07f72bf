package demux

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

var errCodeTooLong = errors.New("demux: exp-golomb code longer than 32 bits")

// ExpGolomb reads fixed-width and Exp-Golomb coded values from an RBSP,
// most significant bit first.
type ExpGolomb struct {
	r         *bitio.Reader
	available int
}

// NewExpGolomb returns a reader over data. data must already have its
// emulation prevention bytes removed.
func NewExpGolomb(data []byte) *ExpGolomb {
	return &ExpGolomb{
		r:         bitio.NewReader(bytes.NewReader(data)),
		available: len(data) * 8,
	}
}

// BitsAvailable returns the number of unread bits.
func (g *ExpGolomb) BitsAvailable() int {
	return g.available
}

// ReadBits reads n bits, n <= 32.
func (g *ExpGolomb) ReadBits(n int) (uint32, error) {
	if n > 32 {
		return 0, fmt.Errorf("demux: cannot read %d bits at once", n)
	}
	if n > g.available {
		g.available = 0
		return 0, ErrNoBytesAvailable
	}
	v, err := g.r.ReadBits(uint8(n))
	if err != nil {
		g.available = 0
		return 0, ErrNoBytesAvailable
	}
	g.available -= n
	return uint32(v), nil
}

// SkipBits discards n bits.
func (g *ExpGolomb) SkipBits(n int) error {
	for n > 0 {
		step := min(n, 32)
		if _, err := g.ReadBits(step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// SkipLeadingZeros consumes zero bits up to and including the first one
// bit and returns how many zeros were skipped.
func (g *ExpGolomb) SkipLeadingZeros() (int, error) {
	zeros := 0
	for {
		b, err := g.ReadBits(1)
		if err != nil {
			return zeros, err
		}
		if b == 1 {
			return zeros, nil
		}
		zeros++
		if zeros > 31 {
			return zeros, errCodeTooLong
		}
	}
}

// ReadUnsignedExpGolomb reads a ue(v) value.
func (g *ExpGolomb) ReadUnsignedExpGolomb() (uint32, error) {
	zeros, err := g.SkipLeadingZeros()
	if err != nil {
		return 0, err
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := g.ReadBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

// ReadExpGolomb reads an se(v) value: odd code numbers map to positive
// values, even ones to negative.
func (g *ExpGolomb) ReadExpGolomb() (int32, error) {
	v, err := g.ReadUnsignedExpGolomb()
	if err != nil {
		return 0, err
	}
	if v&0x01 != 0 {
		return int32((uint64(v) + 1) >> 1), nil
	}
	return -int32(v >> 1), nil
}

// SkipUnsignedExpGolomb discards a ue(v) value.
func (g *ExpGolomb) SkipUnsignedExpGolomb() error {
	_, err := g.ReadUnsignedExpGolomb()
	return err
}

// SkipExpGolomb discards an se(v) value.
func (g *ExpGolomb) SkipExpGolomb() error {
	_, err := g.ReadExpGolomb()
	return err
}

// ReadBoolean reads a single-bit flag.
func (g *ExpGolomb) ReadBoolean() (bool, error) {
	b, err := g.ReadBits(1)
	return b == 1, err
}

// ReadUnsignedByte reads 8 bits.
func (g *ExpGolomb) ReadUnsignedByte() (uint8, error) {
	b, err := g.ReadBits(8)
	return uint8(b), err
}
