// Command cardsim runs the smart card firmware against a simulated line.
// Ciphertext blocks are read as hex lines from stdin; each one is carried
// to the card through a full DATA_IN / DATA_OUT exchange and the decrypted
// block is printed.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/philippkarg/smartcard/internal/config"
	"github.com/philippkarg/smartcard/pkg/aes"
	"github.com/philippkarg/smartcard/pkg/sim"
	"github.com/philippkarg/smartcard/pkg/t0"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration (overrides the other flags)")
		keyFile    = flag.String("key-file", "", "path to master key .hex file")
		maskingOn  = flag.Bool("masking", false, "enable boolean masking")
		shuffling  = flag.Bool("shuffling", false, "enable S-Box access shuffling")
		dummyOps   = flag.Bool("dummy-ops", false, "enable dummy operations")
		dpa        = flag.Bool("dpa", false, "DPA evaluation mode (fixed masks, aligned dummy ops)")
		verbose    = flag.Bool("v", false, "enable debug logging")
		logFormat  = flag.String("log-format", "text", "log format: text or json")
	)
	flag.Parse()

	opts := aes.Options{
		Masking:   *maskingOn,
		Shuffling: *shuffling,
		DummyOps:  *dummyOps,
		DPA:       *dpa,
	}
	etuFudge := uint16(t0.DefaultErrorFudge)

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		*keyFile = cfg.KeyHexFile
		opts = aes.Options{
			Masking:   *cfg.Countermeasures.Masking,
			Shuffling: *cfg.Countermeasures.Shuffling,
			DummyOps:  *cfg.Countermeasures.DummyOps,
			DPA:       *cfg.Countermeasures.DPA,
		}
		if cfg.Runtime.LogFormat != "" {
			*logFormat = cfg.Runtime.LogFormat
		}
		if cfg.Runtime.Verbose != nil {
			*verbose = *cfg.Runtime.Verbose
		}
		if cfg.Runtime.ETUFudge != nil {
			etuFudge = uint16(*cfg.Runtime.ETUFudge)
		}
	}

	logger := newLogger(*logFormat, *verbose)
	slog.SetDefault(logger)

	if *keyFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -key-file or -config is required\n")
		flag.Usage()
		os.Exit(1)
	}
	key, err := aes.LoadKeyHexFile(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading key: %v\n", err)
		os.Exit(1)
	}

	bench, err := sim.NewBench(key, opts, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building card: %v\n", err)
		os.Exit(1)
	}
	bench.Comm.ErrorFudge = etuFudge
	// Stands in for the scope trigger pin the lab bench watches.
	bench.Card.Trigger = func(high bool) {
		slog.Debug("trigger", "high", high)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := bench.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error booting card: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("card booted", "masking", opts.Masking, "shuffling", opts.Shuffling,
		"dummy_ops", opts.DummyOps, "dpa", opts.DPA)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		block, err := parseBlock(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		plain, err := bench.Terminal.Exchange(block)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during exchange: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%X\n", plain)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
		os.Exit(1)
	}
}

func parseBlock(line string) ([16]byte, error) {
	var block [16]byte
	raw, err := hex.DecodeString(line)
	if err != nil {
		return block, fmt.Errorf("invalid hex block %q: %v", line, err)
	}
	if len(raw) != 16 {
		return block, fmt.Errorf("block must be 16 bytes, got %d", len(raw))
	}
	copy(block[:], raw)
	return block, nil
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
