package protocol_test

import (
	"context"
	stdaes "crypto/aes"
	"errors"
	"testing"

	"github.com/philippkarg/smartcard/pkg/aes"
	"github.com/philippkarg/smartcard/pkg/protocol"
	"github.com/philippkarg/smartcard/pkg/rng"
	"github.com/philippkarg/smartcard/pkg/sim"
	"github.com/philippkarg/smartcard/pkg/t0"
)

var cardKey = [16]byte{
	0xff, 0xcd, 0x13, 0xbd, 0xd3, 0xc8, 0x7f, 0xb4,
	0x41, 0x25, 0xe8, 0x46, 0x18, 0xfa, 0xb7, 0xd4,
}

func encryptReference(t *testing.T, key, plain [16]byte) [16]byte {
	t.Helper()
	block, err := stdaes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("reference cipher: %v", err)
	}
	var out [16]byte
	block.Encrypt(out[:], plain[:])
	return out
}

func TestExchangeDecryptsBlock(t *testing.T) {
	plain := [16]byte{0x6b, 0xc1, 0xbe, 0xe2, 0x2e, 0x40, 0x9f, 0x96, 0xe9, 0x3d, 0x7e, 0x11, 0x73, 0x93, 0x17, 0x2a}
	cipher := encryptReference(t, cardKey, plain)

	opts := aes.Options{Masking: true, Shuffling: true, DummyOps: true}
	b, err := sim.NewBench(cardKey, opts, nil, nil)
	if err != nil {
		t.Fatalf("NewBench returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := b.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	got, err := b.Terminal.Exchange(cipher)
	if err != nil {
		t.Fatalf("Exchange returned error: %v", err)
	}
	if got != plain {
		t.Fatalf("plaintext = %X, want %X", got, plain)
	}
}

func TestExchangeRepeatsForever(t *testing.T) {
	b, err := sim.NewBench(cardKey, aes.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("NewBench returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := b.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	for run := 0; run < 3; run++ {
		var plain [16]byte
		for i := range plain {
			plain[i] = byte(run*16 + i)
		}
		cipher := encryptReference(t, cardKey, plain)
		got, err := b.Terminal.Exchange(cipher)
		if err != nil {
			t.Fatalf("run %d: Exchange returned error: %v", run, err)
		}
		if got != plain {
			t.Fatalf("run %d: plaintext = %X, want %X", run, got, plain)
		}
	}
}

// loopbackCard builds a bare card without the protocol loop running.
func loopbackCard(t *testing.T) (*protocol.Card, *sim.Terminal) {
	t.Helper()
	wire := sim.NewWire()
	clock := sim.NewClock()
	comm := t0.New(wire.CardPin(), clock)
	wire.SetPinChangeISR(comm.OnPinChange)
	clock.SetMatchISR(comm.OnTimerMatch)

	cipher, err := aes.New(cardKey, aes.Options{}, nil)
	if err != nil {
		t.Fatalf("aes.New returned error: %v", err)
	}
	return protocol.NewCard(comm, cipher, nil), sim.NewTerminal(wire, clock, comm)
}

func TestReceiveDataToDecryptAccumulatesAPDU(t *testing.T) {
	card, term := loopbackCard(t)

	var payload [16]byte
	for i := range payload {
		payload[i] = byte(0xA0 + i)
	}

	got := make(chan [16]byte, 1)
	go func() {
		var data [16]byte
		card.ReceiveDataToDecrypt(&data)
		got <- data
	}()

	for _, b := range protocol.DataInHeader {
		term.SendByte(b)
	}
	for i := 0; i < len(payload); i++ {
		if ack := term.ReadByte(); ack != protocol.AckDataIn {
			t.Fatalf("ack %d = %#02x, want %#02x", i, ack, protocol.AckDataIn)
		}
		term.SendByte(payload[i])
	}

	if data := <-got; data != payload {
		t.Fatalf("card accumulated % X, want % X", data, payload)
	}
}

func TestSendATREmitsExactBytes(t *testing.T) {
	card, term := loopbackCard(t)

	done := make(chan struct{})
	go func() {
		card.SendATR()
		close(done)
	}()

	for i, want := range protocol.ATR {
		if got := term.ReadByte(); got != want {
			t.Fatalf("ATR byte %d = %#02x, want %#02x", i, got, want)
		}
	}
	<-done
}

func TestHeaderMismatchIsNotFatal(t *testing.T) {
	card, term := loopbackCard(t)

	got := make(chan [16]byte, 1)
	go func() {
		var data [16]byte
		card.ReceiveDataToDecrypt(&data)
		got <- data
	}()

	// Wrong CLA byte; the card must keep going.
	term.SendByte(0x12)
	for _, b := range protocol.DataInHeader[1:] {
		term.SendByte(b)
	}
	var payload [16]byte
	for i := range payload {
		payload[i] = byte(i)
		if ack := term.ReadByte(); ack != protocol.AckDataIn {
			t.Fatalf("ack %d = %#02x, want %#02x", i, ack, protocol.AckDataIn)
		}
		term.SendByte(payload[i])
	}

	if data := <-got; data != payload {
		t.Fatalf("card accumulated % X, want % X", data, payload)
	}
}

// dyingSource survives a number of reads, then fails. With one read left it
// survives only the warm-up read, so the first seeding fails.
type dyingSource struct {
	remaining int
}

func (s *dyingSource) ReadBit() (byte, error) {
	if s.remaining <= 0 {
		return 0, errors.New("adc gone")
	}
	s.remaining--
	return 1, nil
}

func TestRunAbortsOnEntropyFailure(t *testing.T) {
	opts := aes.Options{Masking: true}
	b, err := sim.NewBench(cardKey, opts, &dyingSource{remaining: 1}, nil)
	if err != nil {
		t.Fatalf("NewBench returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, err := b.Start(ctx)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	for _, hb := range protocol.DataInHeader {
		b.Terminal.SendByte(hb)
	}
	for i := 0; i < 16; i++ {
		if ack := b.Terminal.ReadByte(); ack != protocol.AckDataIn {
			t.Fatalf("ack %d = %#02x, want %#02x", i, ack, protocol.AckDataIn)
		}
		b.Terminal.SendByte(byte(i))
	}

	if err := <-done; !errors.Is(err, rng.ErrEntropyUnavailable) {
		t.Fatalf("Run returned %v, want ErrEntropyUnavailable", err)
	}
}
