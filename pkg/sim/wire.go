// Package sim provides software stand-ins for the card's hardware: the
// half-duplex I/O line, the compare-match timer and the ADC entropy source,
// plus a bit-level software terminal that drives a card over them. The
// cardsim and terminal binaries and the transport tests all run on these
// doubles; on the real card the same transport runs on the pin and timer
// registers instead.
package sim

import (
	"sync"

	"github.com/philippkarg/smartcard/pkg/t0"
)

// LineSource identifies who caused a recorded line transition.
type LineSource int

const (
	// SourceCard marks a level driven by the card.
	SourceCard LineSource = iota
	// SourceTerminal marks a level driven by the terminal.
	SourceTerminal
)

// LineEvent is one recorded transition of the resolved line level.
type LineEvent struct {
	Source LineSource
	Level  bool
}

// Wire models the single data line with its pull-up. The resolved level is
// low as soon as any side drives low; an idle side reads as high.
type Wire struct {
	mu sync.Mutex

	cardLevel bool
	cardDir   t0.Dir
	termLevel bool

	interruptEnabled bool
	pinChangeISR     func()

	trace []LineEvent
}

// NewWire returns an idle wire, both sides released high.
func NewWire() *Wire {
	return &Wire{cardLevel: true, termLevel: true, cardDir: t0.Input}
}

// CardPin returns the card-side view of the wire, usable as t0.Pin.
func (w *Wire) CardPin() *CardPin {
	return &CardPin{wire: w}
}

// SetPinChangeISR routes the pin-change interrupt vector.
func (w *Wire) SetPinChangeISR(isr func()) {
	w.mu.Lock()
	w.pinChangeISR = isr
	w.mu.Unlock()
}

// Line returns the resolved line level.
func (w *Wire) Line() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lineLocked()
}

func (w *Wire) lineLocked() bool {
	level := w.termLevel
	if w.cardDir == t0.Output {
		level = level && w.cardLevel
	}
	return level
}

// InterruptEnabled reports whether the card armed the pin-change interrupt.
func (w *Wire) InterruptEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interruptEnabled
}

// SetTerminalLevel drives (false) or releases (true) the line from the
// terminal side.
func (w *Wire) SetTerminalLevel(high bool) {
	w.mutate(SourceTerminal, func() { w.termLevel = high })
}

// Trace returns the recorded line transitions.
func (w *Wire) Trace() []LineEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]LineEvent, len(w.trace))
	copy(out, w.trace)
	return out
}

// ClearTrace drops the recorded transitions.
func (w *Wire) ClearTrace() {
	w.mu.Lock()
	w.trace = w.trace[:0]
	w.mu.Unlock()
}

// CardDroveLow reports whether any recorded transition was the card pulling
// the line low. This is how tests observe the parity NACK in the guard
// interval.
func (w *Wire) CardDroveLow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ev := range w.trace {
		if ev.Source == SourceCard && !ev.Level {
			return true
		}
	}
	return false
}

// mutate applies a change to the wire and fires the pin-change interrupt if
// the resolved level changed while the interrupt is armed. The ISR runs
// outside the lock: it reads the line and touches the interrupt enable
// itself.
func (w *Wire) mutate(src LineSource, apply func()) {
	w.mu.Lock()
	before := w.lineLocked()
	apply()
	after := w.lineLocked()
	var isr func()
	if before != after {
		w.trace = append(w.trace, LineEvent{Source: src, Level: after})
		if w.interruptEnabled {
			isr = w.pinChangeISR
		}
	}
	w.mu.Unlock()

	if isr != nil {
		isr()
	}
}

// CardPin is the card's view of the wire, implementing t0.Pin.
type CardPin struct {
	wire *Wire
}

// SetLevel drives the card side of the line.
func (p *CardPin) SetLevel(high bool) {
	p.wire.mutate(SourceCard, func() { p.wire.cardLevel = high })
}

// Level samples the resolved line.
func (p *CardPin) Level() bool {
	return p.wire.Line()
}

// SetDirection switches the card between driving and sampling.
func (p *CardPin) SetDirection(d t0.Dir) {
	p.wire.mutate(SourceCard, func() { p.wire.cardDir = d })
}

// SetInterrupt arms or mutes the pin-change interrupt.
func (p *CardPin) SetInterrupt(enabled bool) {
	p.wire.mu.Lock()
	p.wire.interruptEnabled = enabled
	p.wire.mu.Unlock()
}
