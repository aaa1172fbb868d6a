// Package hiding implements the temporal hiding countermeasures for the AES
// decryption core: shuffling of the 16 S-Box accesses and randomized
// dummy-operation bursts in front of the round layers. When all 40 call
// sites run, the total number of dummy cycles per decryption is constant;
// only their distribution over the call sites varies, which is what makes
// the hiding statistically effective.
package hiding

import (
	"fmt"
	"runtime"

	"github.com/philippkarg/smartcard/pkg/rng"
)

const (
	// TotalDummyOps is the fixed number of dummy cycles per decryption.
	TotalDummyOps = 100
	// ScheduleSlots is the number of operations a dummy burst runs before,
	// i.e. the number of DummyOp call sites per decryption.
	ScheduleSlots = 40
)

// Hiding carries the per-decryption hiding state.
type Hiding struct {
	schedule [ScheduleSlots]byte
	counter  int
	dummyOps bool
	rng      *rng.XorShift8

	// nopSink defeats dead-code elimination of the dummy loop. On the card
	// the loop body is a nop instruction.
	nopSink byte
}

// New returns a Hiding drawing randomness from r. The dummy-op schedule is
// only built when dummyOps is set.
func New(r *rng.XorShift8, dummyOps bool) *Hiding {
	return &Hiding{rng: r, dummyOps: dummyOps}
}

// Init reseeds the generator and rebuilds the dummy-op schedule: 39 random
// draws bounded by a shrinking budget, the remainder in the last slot, then
// a shuffle to remove the positional bias of that construction.
func (h *Hiding) Init() error {
	if err := h.rng.Seed(); err != nil {
		return fmt.Errorf("hiding: %w", err)
	}
	h.counter = 0
	if !h.dummyOps {
		return nil
	}

	remaining := TotalDummyOps
	for i := 0; i < ScheduleSlots-1; i++ {
		bound := remaining / 6
		if bound > 0 {
			h.schedule[i] = h.rng.Rand() % byte(bound)
		} else {
			h.schedule[i] = 0
		}
		remaining -= int(h.schedule[i])
	}
	h.schedule[ScheduleSlots-1] = byte(remaining)

	// The first few entries are drawn against a larger budget and tend to
	// be bigger, so shuffle the schedule.
	h.shuffle(h.schedule[:])
	return nil
}

// ShuffleSBoxAccess fills indices with a fresh random permutation of 0..15.
func (h *Hiding) ShuffleSBoxAccess(indices *[16]byte) {
	for i := range indices {
		indices[i] = byte(i)
	}
	h.shuffle(indices[:])
}

// DummyOp burns the number of cycles the current schedule slot holds and
// advances the slot counter. The counter is not reset between call sites;
// a decryption that runs all 40 call sites consumes the whole schedule in
// order, and one with fewer calls consumes only the leading slots.
func (h *Hiding) DummyOp() {
	for i := byte(0); i < h.schedule[h.counter]; i++ {
		h.nopSink++
	}
	runtime.KeepAlive(h.nopSink)
	h.counter++
}

// Schedule returns a copy of the current dummy-op schedule.
func (h *Hiding) Schedule() [ScheduleSlots]byte {
	return h.schedule
}

// shuffle runs a Fisher-Yates shuffle over arr.
func (h *Hiding) shuffle(arr []byte) {
	size := len(arr)
	for i := 0; i < size-1; i++ {
		j := i + int(h.rng.Rand())/(rng.MaxRand/(size-i)+1)
		arr[i], arr[j] = arr[j], arr[i]
	}
}
