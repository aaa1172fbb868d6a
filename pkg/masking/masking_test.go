package masking

import (
	"testing"

	"github.com/philippkarg/smartcard/pkg/aesmath"
	"github.com/philippkarg/smartcard/pkg/rng"
)

// patternSource cycles through a bit pattern so consecutive seeds differ.
type patternSource struct {
	pos int
}

func (s *patternSource) ReadBit() (byte, error) {
	s.pos++
	return byte((s.pos >> 1) ^ (s.pos >> 3) ^ s.pos), nil
}

func newMasking(t *testing.T, dpa bool) *Masking {
	t.Helper()
	r, err := rng.New(&patternSource{})
	if err != nil {
		t.Fatalf("rng.New returned error: %v", err)
	}
	m := New(r, dpa)
	if err := m.Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return m
}

func TestMaskedSBoxIdentity(t *testing.T) {
	for _, dpa := range []bool{false, true} {
		m := newMasking(t, dpa)
		pair := m.SubByteMask()
		for x := 0; x < 256; x++ {
			masked := m.InvMaskedSub(byte(x) ^ pair.Output)
			if masked^pair.Input != aesmath.InvSBox[x] {
				t.Fatalf("dpa=%v: masked S-Box broken at %#02x", dpa, x)
			}
		}
	}
}

func TestMixColMaskPairsConsistent(t *testing.T) {
	for _, dpa := range []bool{false, true} {
		m := newMasking(t, dpa)
		pairs := m.MixColMasks()
		for row := 0; row < 4; row++ {
			var want byte
			for element := 0; element < 4; element++ {
				want ^= aesmath.FFMul(aesmath.InvMixColMatrix[row][element], pairs[element].Output)
			}
			if pairs[row].Input != want {
				t.Fatalf("dpa=%v: row %d input mask %#02x, want %#02x", dpa, row, pairs[row].Input, want)
			}
		}
	}
}

func TestDPAModeCollapsesMasks(t *testing.T) {
	m := newMasking(t, true)
	pair := m.SubByteMask()
	if pair.Output != pair.Input {
		t.Fatalf("DPA mode: m' = %#02x, want m = %#02x", pair.Output, pair.Input)
	}
	for i, p := range m.MixColMasks() {
		if p.Output != pair.Input {
			t.Fatalf("DPA mode: m_%d' = %#02x, want %#02x", i+1, p.Output, pair.Input)
		}
	}
}

func TestMaskSubKeysRelation(t *testing.T) {
	m := newMasking(t, false)
	pair := m.SubByteMask()
	mixCol := m.MixColMasks()

	var plain, masked [11][16]byte
	for i := range plain {
		for j := range plain[i] {
			plain[i][j] = byte(i*16 + j)
		}
	}
	m.MaskSubKeys(&plain, &masked)

	for i := range plain {
		for j := 0; j < 16; j++ {
			want := plain[i][j] ^ mixCol[j%4].Output ^ pair.Input
			if masked[i][j] != want {
				t.Fatalf("masked[%d][%d] = %#02x, want %#02x", i, j, masked[i][j], want)
			}
		}
	}
}

func TestMaskReMaskUnmaskOffsets(t *testing.T) {
	m := newMasking(t, false)
	pair := m.SubByteMask()
	mixCol := m.MixColMasks()

	var state [4][4]byte
	m.MaskState(&state)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			want := mixCol[row].Output ^ pair.Input ^ pair.Output
			if state[row][col] != want {
				t.Fatalf("MaskState[%d][%d] = %#02x, want %#02x", row, col, state[row][col], want)
			}
		}
	}

	state = [4][4]byte{}
	m.ReMaskState(&state)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			want := mixCol[row].Input ^ pair.Output
			if state[row][col] != want {
				t.Fatalf("ReMaskState[%d][%d] = %#02x, want %#02x", row, col, state[row][col], want)
			}
		}
	}

	state = [4][4]byte{}
	m.UnmaskState(&state)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if state[row][col] != mixCol[row].Output {
				t.Fatalf("UnmaskState[%d][%d] = %#02x, want %#02x", row, col, state[row][col], mixCol[row].Output)
			}
		}
	}
}

func TestInitRebuildsMasks(t *testing.T) {
	r, err := rng.New(&patternSource{})
	if err != nil {
		t.Fatalf("rng.New returned error: %v", err)
	}
	m := New(r, false)

	changed := false
	var prev MaskPair
	for i := 0; i < 16; i++ {
		if err := m.Init(); err != nil {
			t.Fatalf("Init returned error: %v", err)
		}
		if i > 0 && m.SubByteMask() != prev {
			changed = true
		}
		prev = m.SubByteMask()
	}
	if !changed {
		t.Fatal("mask pair never changed over 16 inits")
	}
}
