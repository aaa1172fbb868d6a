package sim

import (
	"fmt"
	"runtime"

	"github.com/philippkarg/smartcard/pkg/protocol"
	"github.com/philippkarg/smartcard/pkg/t0"
)

// Terminal is a bit-level software terminal. It owns the clock pump: the
// card's foreground runs in its own goroutine and blocks on the transport
// flags, while the terminal drives the line and delivers one compare match
// per bit cell.
type Terminal struct {
	wire  *Wire
	clock *Clock
	comm  *t0.Comm
}

// NewTerminal returns a terminal attached to the card's wire, clock and
// transport.
func NewTerminal(wire *Wire, clock *Clock, comm *t0.Comm) *Terminal {
	return &Terminal{wire: wire, clock: clock, comm: comm}
}

func yield() {
	runtime.Gosched()
}

// waitBitPending blocks until the card has latched the next output bit or
// entered the guard-interval check.
func (t *Terminal) waitBitPending() {
	for !t.comm.BitPending() && !t.comm.CheckingErrors() {
		yield()
	}
}

// readFrame clocks one card-to-terminal frame off the line: start bit, 8
// data bits LSB first, parity, stop. It reports the decoded byte and
// whether the framing (start low, parity, stop high) was clean.
func (t *Terminal) readFrame() (byte, bool) {
	var cells [11]bool
	for i := range cells {
		t.waitBitPending()
		t.clock.Tick()
		cells[i] = t.wire.Line()
	}

	var b byte
	for i := 0; i < 8; i++ {
		if cells[1+i] {
			b |= 1 << i
		}
	}
	ok := !cells[0] && cells[9] == t0.Parity(b) && cells[10]
	return b, ok
}

// ackFrame drives the guard interval after a frame: low for a NACK, left
// high for an ACK. The card samples it once with its shortened match value.
func (t *Terminal) ackFrame(nack bool) {
	for !t.comm.CheckingErrors() {
		yield()
	}
	if nack {
		t.wire.SetTerminalLevel(false)
	}
	for !t.clock.Tick() {
		yield()
	}
	if nack {
		t.wire.SetTerminalLevel(true)
	}
}

// ReadByte receives one byte from the card, acknowledging it.
func (t *Terminal) ReadByte() byte {
	b, _ := t.readFrame()
	t.ackFrame(false)
	return b
}

// ReadByteNACK receives one byte but answers with a parity NACK, forcing
// the card to retransmit. The caller reads the retransmission next.
func (t *Terminal) ReadByteNACK() byte {
	b, _ := t.readFrame()
	t.ackFrame(true)
	return b
}

// SendByte frames one byte towards the card with correct parity.
func (t *Terminal) SendByte(b byte) {
	t.sendFrame(b, t0.Parity(b))
}

// SendByteBadParity frames one byte with the parity bit inverted. The card
// answers with a NACK in the stop-bit slot; deliver one more Tick to clock
// that cell out, observe it on the wire trace, then retransmit.
func (t *Terminal) SendByteBadParity(b byte) {
	t.sendFrame(b, !t0.Parity(b))
}

// sendFrame waits until the card armed its receiver, then drives start bit,
// data bits and the given parity bit, one Tick per cell.
func (t *Terminal) sendFrame(b byte, parity bool) {
	for !t.wire.InterruptEnabled() || t.comm.Direction() != t0.Input {
		yield()
	}

	// Falling edge of the start bit arms the card's bit clock.
	t.wire.SetTerminalLevel(false)
	for i := 0; i < 8; i++ {
		t.wire.SetTerminalLevel(b&(1<<i) != 0)
		t.clock.Tick()
	}
	t.wire.SetTerminalLevel(parity)
	t.clock.Tick()
	// Stop bit: release the line.
	t.wire.SetTerminalLevel(true)
}

// NACKCell delivers the timer tick of the stop-bit cell after a bad-parity
// frame, during which the card drives its NACK.
func (t *Terminal) NACKCell() {
	for t.comm.Direction() != t0.Output {
		yield()
	}
	t.clock.Tick()
}

// ReadATR reads the four Answer-To-Reset bytes the card emits at boot.
func (t *Terminal) ReadATR() ([4]byte, error) {
	var atr [4]byte
	for i := range atr {
		atr[i] = t.ReadByte()
	}
	if atr != protocol.ATR {
		return atr, fmt.Errorf("sim: unexpected ATR % X", atr)
	}
	return atr, nil
}

// Exchange runs one full decryption exchange: DATA_IN header and 16
// ciphertext bytes in, status and DATA_OUT exchange back out. It returns
// the 16 plaintext bytes.
func (t *Terminal) Exchange(data [16]byte) ([16]byte, error) {
	var plain [16]byte

	for _, b := range protocol.DataInHeader {
		t.SendByte(b)
	}
	// The card sends its ACK before each data byte it reads.
	for i := 0; i < len(data); i++ {
		if ack := t.ReadByte(); ack != protocol.AckDataIn {
			return plain, fmt.Errorf("sim: DATA_IN ack 0x%02X, want 0x%02X", ack, protocol.AckDataIn)
		}
		t.SendByte(data[i])
	}

	for i, want := range protocol.ResponseDecrypted {
		if got := t.ReadByte(); got != want {
			return plain, fmt.Errorf("sim: status byte %d is 0x%02X, want 0x%02X", i, got, want)
		}
	}

	for _, b := range protocol.DataOutHeader {
		t.SendByte(b)
	}
	if ack := t.ReadByte(); ack != protocol.AckDataOut {
		return plain, fmt.Errorf("sim: DATA_OUT ack 0x%02X, want 0x%02X", ack, protocol.AckDataOut)
	}
	for i := range plain {
		plain[i] = t.ReadByte()
	}
	for i, want := range protocol.ResponseDataOut {
		if got := t.ReadByte(); got != want {
			return plain, fmt.Errorf("sim: trailer byte %d is 0x%02X, want 0x%02X", i, got, want)
		}
	}
	return plain, nil
}
