package sim

import (
	"context"
	"log/slog"

	"github.com/philippkarg/smartcard/pkg/aes"
	"github.com/philippkarg/smartcard/pkg/protocol"
	"github.com/philippkarg/smartcard/pkg/rng"
	"github.com/philippkarg/smartcard/pkg/t0"
)

// Bench couples a simulated card with a software terminal: wire, clock,
// entropy source, transport, AES instance and protocol layer, all wired the
// way the firmware wires the hardware at boot.
type Bench struct {
	Wire     *Wire
	Clock    *Clock
	Comm     *t0.Comm
	Card     *protocol.Card
	Terminal *Terminal
}

// NewBench assembles a card for key and opts and the terminal driving it.
// source may be nil, in which case OS randomness stands in for the ADC.
// logger may be nil.
func NewBench(key [aes.BlockBytes]byte, opts aes.Options, source rng.EntropySource, logger *slog.Logger) (*Bench, error) {
	wire := NewWire()
	clock := NewClock()

	comm := t0.New(wire.CardPin(), clock)
	wire.SetPinChangeISR(comm.OnPinChange)
	clock.SetMatchISR(comm.OnTimerMatch)

	var r *rng.XorShift8
	if opts.Masking || opts.Shuffling || opts.DummyOps {
		if source == nil {
			source = NoiseSource{}
		}
		var err error
		r, err = rng.New(source)
		if err != nil {
			return nil, err
		}
	}

	cipher, err := aes.New(key, opts, r)
	if err != nil {
		return nil, err
	}

	return &Bench{
		Wire:     wire,
		Clock:    clock,
		Comm:     comm,
		Card:     protocol.NewCard(comm, cipher, logger),
		Terminal: NewTerminal(wire, clock, comm),
	}, nil
}

// Start boots the card in its own goroutine and consumes the ATR so the
// terminal can start exchanging immediately. The returned channel yields
// Run's result when the card stops.
func (b *Bench) Start(ctx context.Context) (<-chan error, error) {
	done := make(chan error, 1)
	go func() {
		done <- b.Card.Run(ctx)
	}()
	if _, err := b.Terminal.ReadATR(); err != nil {
		return done, err
	}
	return done, nil
}
