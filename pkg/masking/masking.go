// Package masking implements the boolean masking countermeasure for the AES
// decryption core. Fresh masks are drawn for every decryption; the masked
// inverse S-Box and the MixColumns mask pairs are rebuilt from scratch each
// time so no masked intermediate ever shares a lifetime with an unmasked one.
package masking

import (
	"fmt"

	"github.com/philippkarg/smartcard/pkg/aesmath"
	"github.com/philippkarg/smartcard/pkg/rng"
)

// MaskPair holds the input and output mask of a masked layer. For the byte
// substitution layer the pair is (m, m'); for the MixColumns layer there is
// one pair (m_i, m_i') per state row.
type MaskPair struct {
	Input  byte
	Output byte
}

// Masking carries the per-decryption mask state.
type Masking struct {
	subByteMask MaskPair
	mixColMasks [4]MaskPair
	maskedSBox  [256]byte
	rng         *rng.XorShift8
	dpa         bool
}

// New returns a Masking drawing mask bytes from r. With dpa set, Init
// collapses the masks to a single fixed value so recorded power traces can
// be aligned and compared during countermeasure evaluation.
func New(r *rng.XorShift8, dpa bool) *Masking {
	return &Masking{rng: r, dpa: dpa}
}

// Init reseeds the generator and derives all masks for one decryption:
// the SubBytes pair (m, m'), the four MixColumns output masks m_i', the
// masked inverse S-Box and the MixColumns input masks m_i.
func (m *Masking) Init() error {
	if err := m.rng.Seed(); err != nil {
		return fmt.Errorf("masking: %w", err)
	}
	m.subByteMask.Input = m.rng.Rand()

	if m.dpa {
		// Reduce the number of random masks so DPA traces line up.
		m.subByteMask.Output = m.subByteMask.Input
		for i := range m.mixColMasks {
			m.mixColMasks[i].Output = m.subByteMask.Input
			m.mixColMasks[i].Input = 0
		}
	} else {
		m.subByteMask.Output = m.rng.Rand()
		for i := range m.mixColMasks {
			m.mixColMasks[i].Output = m.rng.Rand()
			m.mixColMasks[i].Input = 0
		}
	}

	m.initInvMaskedSBox()
	m.initMixColInputMasks()
	return nil
}

// MaskSubKeys writes the masked round keys: every key byte j is masked with
// (m_{(j mod 4)+1}' ^ m). Bytes are packed column-major, so j mod 4 is the
// state row the byte lands in.
func (m *Masking) MaskSubKeys(subKeys, maskedSubKeys *[11][16]byte) {
	var mask [16]byte
	for j := range mask {
		mask[j] = m.mixColMasks[j%4].Output ^ m.subByteMask.Input
	}
	for i := range subKeys {
		aesmath.XORBytes(maskedSubKeys[i][:], subKeys[i][:], mask[:])
	}
}

// MaskState masks the state with (m_i' ^ m ^ m') before the first round.
// The first round starts with AddRoundKey whose key carries (m_i' ^ m), so
// after it the state is masked with m' only, which is what the masked S-Box
// expects at its input.
func (m *Masking) MaskState(state *[4][4]byte) {
	for row := 0; row < 4; row++ {
		xorRow(state, row, m.mixColMasks[row].Output^m.subByteMask.Input^m.subByteMask.Output)
	}
}

// ReMaskState changes the mask back to m' after an inverse MixColumns.
// The MixColumns linearity turned the row masks into m_i; XORing with m_i
// clears them and the trailing m' restores the S-Box input mask.
func (m *Masking) ReMaskState(state *[4][4]byte) {
	for row := 0; row < 4; row++ {
		xorRow(state, row, m.mixColMasks[row].Input^m.subByteMask.Output)
	}
}

// UnmaskState removes the final m_i' row masks after the last AddRoundKey,
// leaving the plaintext.
func (m *Masking) UnmaskState(state *[4][4]byte) {
	for row := 0; row < 4; row++ {
		xorRow(state, row, m.mixColMasks[row].Output)
	}
}

// xorRow XORs one state row with a constant mask byte.
func xorRow(state *[4][4]byte, row int, mask byte) {
	rowMask := [4]byte{mask, mask, mask, mask}
	aesmath.XORBytes(state[row][:], state[row][:], rowMask[:])
}

// InvMaskedSub looks up the masked inverse S-Box.
func (m *Masking) InvMaskedSub(index byte) byte {
	return m.maskedSBox[index]
}

// SubByteMask returns the SubBytes mask pair (m, m') of the current call.
func (m *Masking) SubByteMask() MaskPair {
	return m.subByteMask
}

// MixColMasks returns the four MixColumns mask pairs of the current call.
func (m *Masking) MixColMasks() [4]MaskPair {
	return m.mixColMasks
}

// initInvMaskedSBox builds the table satisfying S_m(x ^ m') = S(x) ^ m for
// the inverse S-Box (Power Analysis Attacks p. 239, inverted for
// decryption).
func (m *Masking) initInvMaskedSBox() {
	for i := 0; i < 256; i++ {
		m.maskedSBox[byte(i)^m.subByteMask.Output] = aesmath.InvSBox[i] ^ m.subByteMask.Input
	}
}

// initMixColInputMasks derives the input masks by multiplying the inverse
// MixColumns matrix with the output mask vector. Input masks are computed
// from output masks, not the other way round, because decryption runs the
// diffusion layer backwards.
func (m *Masking) initMixColInputMasks() {
	for row := 0; row < 4; row++ {
		for element := 0; element < 4; element++ {
			m.mixColMasks[row].Input ^= aesmath.FFMul(aesmath.InvMixColMatrix[row][element], m.mixColMasks[element].Output)
		}
	}
}
