// Command terminal plays the host side of the decryption protocol. By
// default it talks to an in-process simulated card; with -reader it sends
// the same DATA_IN / DATA_OUT APDUs to a real card in a PC/SC reader.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ebfe/scard"
	"golang.org/x/term"

	"github.com/philippkarg/smartcard/pkg/aes"
	"github.com/philippkarg/smartcard/pkg/protocol"
	"github.com/philippkarg/smartcard/pkg/sim"
)

func main() {
	var (
		dataHex   = flag.String("data", "", "32-char hex ciphertext block to decrypt (required)")
		readerIdx = flag.Int("reader", -1, "PC/SC reader index; -1 runs the in-process simulated card")
		keyFile   = flag.String("key-file", "", "master key .hex file for the simulated card")
		keyStdin  = flag.Bool("key-stdin", false, "prompt for the simulated card's key without echo")
		maskingOn = flag.Bool("masking", true, "simulated card: enable boolean masking")
		shuffling = flag.Bool("shuffling", true, "simulated card: enable S-Box access shuffling")
		dummyOps  = flag.Bool("dummy-ops", true, "simulated card: enable dummy operations")
		dpa       = flag.Bool("dpa", false, "simulated card: DPA evaluation mode")
		verbose   = flag.Bool("v", false, "enable debug logging")
		logFormat = flag.String("log-format", "text", "log format: text or json")
	)
	flag.Parse()

	logger := newLogger(*logFormat, *verbose)
	slog.SetDefault(logger)

	if *dataHex == "" {
		fmt.Fprintf(os.Stderr, "Error: -data is required\n")
		flag.Usage()
		os.Exit(1)
	}
	raw, err := hex.DecodeString(*dataHex)
	if err != nil || len(raw) != 16 {
		fmt.Fprintf(os.Stderr, "Error: -data must be 32 hex characters\n")
		os.Exit(1)
	}
	var block [16]byte
	copy(block[:], raw)

	var plain [16]byte
	if *readerIdx >= 0 {
		plain, err = exchangePCSC(*readerIdx, block)
	} else {
		var key [16]byte
		key, err = loadKey(*keyFile, *keyStdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading key: %v\n", err)
			os.Exit(1)
		}
		opts := aes.Options{Masking: *maskingOn, Shuffling: *shuffling, DummyOps: *dummyOps, DPA: *dpa}
		plain, err = exchangeSim(key, opts, logger, block)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Cipher: %X\n", block)
	fmt.Printf("Plain:  %X\n", plain)
}

func loadKey(keyFile string, keyStdin bool) ([16]byte, error) {
	var key [16]byte
	if keyStdin {
		fmt.Fprint(os.Stderr, "Master key (32 hex chars): ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return key, err
		}
		raw, err := hex.DecodeString(strings.TrimSpace(string(line)))
		if err != nil || len(raw) != 16 {
			return key, fmt.Errorf("key must be 32 hex characters")
		}
		copy(key[:], raw)
		return key, nil
	}
	if keyFile == "" {
		return key, fmt.Errorf("-key-file or -key-stdin is required for the simulated card")
	}
	return aes.LoadKeyHexFile(keyFile)
}

// exchangeSim boots an in-process card and runs one exchange against it.
func exchangeSim(key [16]byte, opts aes.Options, logger *slog.Logger, block [16]byte) ([16]byte, error) {
	var plain [16]byte
	bench, err := sim.NewBench(key, opts, nil, logger)
	if err != nil {
		return plain, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := bench.Start(ctx); err != nil {
		return plain, err
	}
	return bench.Terminal.Exchange(block)
}

// exchangePCSC sends the DATA_IN and DATA_OUT APDUs to a card in a PC/SC
// reader. The reader's driver handles the T=0 character layer; at this
// level the exchange is two plain APDUs.
func exchangePCSC(readerIndex int, block [16]byte) ([16]byte, error) {
	var plain [16]byte

	ctx, err := scard.EstablishContext()
	if err != nil {
		return plain, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		return plain, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex >= len(readers) {
		return plain, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	card, err := ctx.Connect(readers[readerIndex], scard.ShareShared, scard.ProtocolT0)
	if err != nil {
		return plain, fmt.Errorf("connect failed: %w", err)
	}
	defer card.Disconnect(scard.LeaveCard)

	apdu := append(append([]byte{}, protocol.DataInHeader[:]...), block[:]...)
	resp, err := card.Transmit(apdu)
	if err != nil {
		return plain, fmt.Errorf("DATA_IN failed: %w", err)
	}
	if len(resp) < 2 || resp[len(resp)-2] != protocol.ResponseDecrypted[0] {
		return plain, fmt.Errorf("unexpected DATA_IN status % X", resp)
	}

	resp, err = card.Transmit(protocol.DataOutHeader[:])
	if err != nil {
		return plain, fmt.Errorf("DATA_OUT failed: %w", err)
	}
	if len(resp) < 16 {
		return plain, fmt.Errorf("short DATA_OUT response: %d bytes", len(resp))
	}
	copy(plain[:], resp[:16])
	return plain, nil
}

func newLogger(format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
