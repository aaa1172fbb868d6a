package sim

import (
	"crypto/rand"
	"fmt"
)

// NoiseSource implements rng.EntropySource on a hosted platform, standing in
// for the ADC-LSB sampling of the card. Each ReadBit is the LSB of one byte
// of OS randomness, so consecutive bits are independent like the prescaled
// ADC conversions.
type NoiseSource struct{}

// ReadBit returns one entropy bit.
func (NoiseSource) ReadBit() (byte, error) {
	var buf [1]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("sim: noise read: %w", err)
	}
	return buf[0] & 0x01, nil
}

// FixedSource replays a fixed bit pattern, for reproducible countermeasure
// evaluation runs. Each entry supplies one bit, its LSB; entries are
// consumed in order and wrap around.
type FixedSource struct {
	Bits []byte
	pos  int
}

// ReadBit returns the next replayed bit.
func (s *FixedSource) ReadBit() (byte, error) {
	if len(s.Bits) == 0 {
		return 0, nil
	}
	b := s.Bits[s.pos%len(s.Bits)] & 0x01
	s.pos++
	return b, nil
}
