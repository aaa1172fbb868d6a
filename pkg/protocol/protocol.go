// Package protocol implements the card's application protocol on top of the
// T=0 transport: the Answer-To-Reset and the DATA_IN / DATA_OUT exchanges
// that carry one 16-byte block per decryption request.
package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/philippkarg/smartcard/pkg/aes"
	"github.com/philippkarg/smartcard/pkg/t0"
)

// Protocol constants. The class and instruction bytes follow the terminal's
// fixed command set; the ACK for DATA_IN is the instruction XOR 0xFF per
// ISO/IEC 7816-3, the ACK for DATA_OUT the plain instruction.
const (
	AckDataIn  byte = 0xef // INS 0x10 ^ 0xFF
	AckDataOut byte = 0xc0
)

var (
	// ATR is the Answer-To-Reset sequence, sent once after power-up.
	ATR = [4]byte{0x3b, 0x90, 0x11, 0x00}
	// DataInHeader is the T=0 header announcing 16 bytes to decrypt.
	DataInHeader = [5]byte{0x88, 0x10, 0x00, 0x00, 0x10}
	// DataOutHeader is the T=0 header requesting the decrypted bytes.
	DataOutHeader = [5]byte{0x88, 0xc0, 0x00, 0x00, 0x10}
	// ResponseDecrypted signals that 16 decrypted bytes are available.
	ResponseDecrypted = [2]byte{0x61, 0x10}
	// ResponseDataOut is the status trailer after the decrypted bytes.
	ResponseDataOut = [2]byte{0x9d, 0x00}
)

// HeaderError reports a received header byte that differs from the expected
// sequence. The exchange continues regardless; the terminal's command set is
// fixed and a mismatch only ever shows up on a lab bench.
type HeaderError struct {
	Pos  int
	Got  byte
	Want byte
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("received wrong byte 0x%02X instead of 0x%02X at sequence position %d", e.Got, e.Want, e.Pos)
}

// Card runs the card side of the protocol: one transport, one AES instance,
// an optional trigger hook that the lab bench uses to align oscilloscope
// captures on the decryption.
type Card struct {
	comm *t0.Comm
	aes  *aes.AES
	log  *slog.Logger

	// Trigger is pulsed high across the AES call when set.
	Trigger func(high bool)
}

// NewCard wires the protocol to a transport and an AES instance. logger may
// be nil.
func NewCard(comm *t0.Comm, cipher *aes.AES, logger *slog.Logger) *Card {
	return &Card{comm: comm, aes: cipher, log: logger}
}

// SendATR sends the Answer-To-Reset sequence to the terminal.
func (c *Card) SendATR() {
	c.comm.SendBytes(ATR[:])
}

// ReceiveDataToDecrypt receives the DATA_IN header and then the 16 data
// bytes, sending the ACK before each byte. The ACK-before-receive order is
// what the deployed terminal expects; do not swap it.
func (c *Card) ReceiveDataToDecrypt(data *[16]byte) {
	c.receiveHeader(DataInHeader)
	for i := range data {
		c.comm.SendByte(AckDataIn)
		data[i] = c.comm.ReceiveByte()
	}
}

// SendDecryptedData announces the finished decryption, waits for the
// DATA_OUT header and returns the 16 decrypted bytes with the status
// trailer.
func (c *Card) SendDecryptedData(data *[16]byte) {
	c.comm.SendBytes(ResponseDecrypted[:])
	c.receiveHeader(DataOutHeader)
	c.comm.SendByte(AckDataOut)
	c.comm.SendBytes(data[:])
	c.comm.SendBytes(ResponseDataOut[:])
}

// receiveHeader reads the five header bytes. Mismatches are logged and
// otherwise ignored.
func (c *Card) receiveHeader(header [5]byte) {
	for i, want := range header {
		got := c.comm.ReceiveByte()
		if got != want && c.log != nil {
			err := &HeaderError{Pos: i, Got: got, Want: want}
			c.log.Debug("protocol header mismatch", "err", err)
		}
	}
}

// Run boots the card: ATR once, then the decrypt loop forever. The context
// only breaks the loop between exchanges; a blocked line blocks Run, as it
// does the card. Run returns the context's error once the context is done,
// or the wrapped entropy error when a decryption aborts.
func (c *Card) Run(ctx context.Context) error {
	c.SendATR()

	var data [16]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.ReceiveDataToDecrypt(&data)
		if c.log != nil {
			c.log.Debug("received data to decrypt", "data", fmt.Sprintf("% X", data))
		}

		c.trigger(true)
		err := c.aes.Decrypt(&data)
		c.trigger(false)
		if err != nil {
			return fmt.Errorf("protocol: decrypt aborted: %w", err)
		}
		if c.log != nil {
			c.log.Debug("decrypted data", "data", fmt.Sprintf("% X", data))
		}

		c.SendDecryptedData(&data)
	}
}

func (c *Card) trigger(high bool) {
	if c.Trigger != nil {
		c.Trigger(high)
	}
}
