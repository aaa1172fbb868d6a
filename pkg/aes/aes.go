// Package aes implements side-channel-hardened AES-128 block decryption.
//
// The cipher itself is the plain inverse Rijndael round structure; the
// hardening comes from two countermeasure families that hook into the round
// layers: boolean masking (package masking) and temporal hiding (package
// hiding). Which countermeasures run is selected per instance through
// Options, so a single binary can exercise every combination.
package aes

import (
	"errors"
	"fmt"

	"github.com/philippkarg/smartcard/pkg/aesmath"
	"github.com/philippkarg/smartcard/pkg/hiding"
	"github.com/philippkarg/smartcard/pkg/masking"
	"github.com/philippkarg/smartcard/pkg/rng"
)

const (
	// Rounds is the number of rounds in AES-128.
	Rounds = 10
	// BlockBytes is the size of one block, key and state.
	BlockBytes = 16
)

// roundCoefficients are the key schedule round constants RC[1..10].
var roundCoefficients = [Rounds]byte{0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x1b, 0x36}

// Options selects the countermeasures of one AES instance.
type Options struct {
	Masking   bool // boolean masking of state and round keys
	Shuffling bool // randomized S-Box access order
	DummyOps  bool // randomized dummy bursts, constant total
	DPA       bool // evaluation mode: fixed masks, dummy ops only before S-Box
}

func (o Options) needsRNG() bool {
	return o.Masking || o.Shuffling || o.DummyOps
}

// AES is a hardened AES-128 decryption instance. It is not safe for
// concurrent use; the card calls it from the foreground loop only.
type AES struct {
	opts Options

	// subKeys is the working key schedule the rounds read. With masking
	// enabled it holds the masked schedule, rebuilt on every call.
	subKeys [Rounds + 1][BlockBytes]byte
	// originalSubKeys keeps the plain schedule while masking is active.
	originalSubKeys [Rounds + 1][BlockBytes]byte

	masking         *masking.Masking
	hiding          *hiding.Hiding
	shuffledIndices [BlockBytes]byte
}

// New creates an AES instance for masterKey and expands the key schedule
// once. r supplies countermeasure randomness and is required whenever any
// countermeasure is enabled.
func New(masterKey [BlockBytes]byte, opts Options, r *rng.XorShift8) (*AES, error) {
	if opts.needsRNG() && r == nil {
		return nil, errors.New("aes: countermeasures enabled but no RNG provided")
	}

	a := &AES{opts: opts}
	if opts.Masking {
		a.originalSubKeys = ExpandKey(masterKey)
		a.masking = masking.New(r, opts.DPA)
	} else {
		a.subKeys = ExpandKey(masterKey)
	}
	if opts.Shuffling || opts.DummyOps {
		a.hiding = hiding.New(r, opts.DummyOps)
	}
	return a, nil
}

// ExpandKey computes the AES-128 key schedule. Sub-key 0 is the master key;
// each further key starts from the g-function of the previous key's last
// word (rotated by reading byte 13 first, substituted through the S-Box,
// round coefficient added to the first byte).
func ExpandKey(masterKey [BlockBytes]byte) [Rounds + 1][BlockBytes]byte {
	var subKeys [Rounds + 1][BlockBytes]byte
	subKeys[0] = masterKey

	for keyIndex := 1; keyIndex <= Rounds; keyIndex++ {
		prev := &subKeys[keyIndex-1]
		g := [4]byte{
			aesmath.SBox[prev[13]] ^ roundCoefficients[keyIndex-1],
			aesmath.SBox[prev[14]],
			aesmath.SBox[prev[15]],
			aesmath.SBox[prev[12]],
		}
		for i := 0; i < 4; i++ {
			subKeys[keyIndex][i] = prev[i] ^ g[i]
		}
		// The remaining bytes XOR the previous key's byte with the byte one
		// word earlier in the current key, e.g. new[4] = prev[4] ^ new[0].
		for i := 4; i < BlockBytes; i++ {
			subKeys[keyIndex][i] = prev[i] ^ subKeys[keyIndex][i-4]
		}
	}
	return subKeys
}

// Decrypt decrypts one 16-byte block in place. The block is loaded into the
// state matrix column by column, run through the inverse rounds under the
// configured countermeasures, and written back in the same order.
func (a *AES) Decrypt(block *[BlockBytes]byte) error {
	var state [4][4]byte
	inByte := 0
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			state[row][col] = block[inByte]
			inByte++
		}
	}

	if a.opts.Masking {
		if err := a.masking.Init(); err != nil {
			return fmt.Errorf("aes: %w", err)
		}
		a.masking.MaskSubKeys(&a.originalSubKeys, &a.subKeys)
		a.masking.MaskState(&state)
	}

	if a.hiding != nil {
		if err := a.hiding.Init(); err != nil {
			return fmt.Errorf("aes: %w", err)
		}
	}
	if a.opts.Shuffling {
		a.hiding.ShuffleSBoxAccess(&a.shuffledIndices)
	}

	// Round 10
	a.addRoundKey(&a.subKeys[Rounds], &state)
	a.invShiftRows(&state)
	a.invByteSub(&state)

	// Rounds 9-1
	for round := Rounds - 1; round > 0; round-- {
		a.addRoundKey(&a.subKeys[round], &state)
		a.invMixCols(&state)
		if a.opts.Masking {
			a.masking.ReMaskState(&state)
		}
		a.invShiftRows(&state)
		a.invByteSub(&state)
	}

	// Last round
	a.addRoundKey(&a.subKeys[0], &state)
	if a.opts.Masking {
		a.masking.UnmaskState(&state)
	}

	inByte = 0
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			block[inByte] = state[row][col]
			inByte++
		}
	}
	return nil
}

// layerDummyOp runs a dummy burst before a non-S-Box layer. In DPA mode
// these bursts are suppressed so traces stay aligned on the S-Box access.
func (a *AES) layerDummyOp() {
	if a.opts.DummyOps && !a.opts.DPA {
		a.hiding.DummyOp()
	}
}

// addRoundKey XORs the round key into the state. The key bytes are packed
// column-major, so row r of the state picks up every fourth key byte
// starting at r.
func (a *AES) addRoundKey(roundKey *[BlockBytes]byte, state *[4][4]byte) {
	a.layerDummyOp()

	for row := 0; row < 4; row++ {
		keyRow := [4]byte{roundKey[row], roundKey[4+row], roundKey[8+row], roundKey[12+row]}
		aesmath.XORBytes(state[row][:], state[row][:], keyRow[:])
	}
}

// invMixCols multiplies the state with the inverse MixColumns matrix.
func (a *AES) invMixCols(state *[4][4]byte) {
	a.layerDummyOp()

	var tempState [4][4]byte
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			for element := 0; element < 4; element++ {
				tempState[row][col] ^= aesmath.FFMul(aesmath.InvMixColMatrix[row][element], state[element][col])
			}
		}
	}
	*state = tempState
}

// invShiftRows rotates row r of the state right by r positions.
func (a *AES) invShiftRows(state *[4][4]byte) {
	a.layerDummyOp()

	for row := 0; row < 4; row++ {
		aesmath.RotateRight(state[row][:], row)
	}
}

// invByteSub substitutes every state byte through the inverse S-Box, masked
// when masking is active. With shuffling the 16 accesses follow a fresh
// random permutation; index k addresses state[k%4][k/4] in the column-major
// layout. Without shuffling the walk is plain column-major.
func (a *AES) invByteSub(state *[4][4]byte) {
	if a.opts.DummyOps {
		a.hiding.DummyOp()
	}

	if a.opts.Shuffling {
		for i := 0; i < BlockBytes; i++ {
			index := a.shuffledIndices[i]
			row, col := index%4, index/4
			if a.opts.Masking {
				state[row][col] = a.masking.InvMaskedSub(state[row][col])
			} else {
				state[row][col] = aesmath.InvSBox[state[row][col]]
			}
		}
		return
	}

	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			if a.opts.Masking {
				state[row][col] = a.masking.InvMaskedSub(state[row][col])
			} else {
				state[row][col] = aesmath.InvSBox[state[row][col]]
			}
		}
	}
}
