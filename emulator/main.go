package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/barnettlynn/gptools/pkg/globalplatform"
)

func main() {
	var (
		scp       = flag.String("scp", "SCP03-70", "protocol the emulated card runs, e.g. SCP02-15")
		levelName = flag.String("level", "cmac", "security level: none, cmac, cenc, rmac, renc")
		rotate    = flag.Bool("rotate", false, "also rotate the keys with PUT KEY and reopen")
		verbose   = flag.Bool("v", false, "Enable debug logging")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Parse()

	// Setup logging
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	p, err := globalplatform.ParseProtocol(*scp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	security, err := globalplatform.ParseSecurityPolicy(*levelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := security.Check(p); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cipher := globalplatform.CipherDES3
	if p.Version() == 3 {
		cipher = globalplatform.CipherAES
	}
	card := globalplatform.NewEmulatedCard(p, globalplatform.DefaultKeySet(cipher))
	chOpts := globalplatform.ChannelOptions{
		ProtocolPolicy: globalplatform.PolicyFor(p),
		SecurityPolicy: security,
	}

	fmt.Printf("=== Emulated %s security domain ===\n", p)
	fmt.Println()

	if _, err := globalplatform.SelectApplication(card, card.AID); err != nil {
		fail("select", err)
	}
	ch := globalplatform.NewSecureChannel(card, globalplatform.DefaultKeySet(cipher), chOpts)
	if err := ch.Open(); err != nil {
		fail("open", err)
	}
	globalplatform.PrintSession("Default keys", ch)

	cplc, err := globalplatform.GetCPLC(ch)
	if err != nil {
		fail("GET DATA CPLC", err)
	}
	globalplatform.PrintCPLC(cplc)

	infos, err := globalplatform.GetKeyInformation(ch)
	if err != nil {
		fail("GET DATA key information", err)
	}
	globalplatform.PrintKeyInformation(infos)

	if *rotate {
		next := rotationKeys(cipher)
		res, err := globalplatform.PutKeys(ch, next, card.KeyVersion)
		if err != nil {
			fail("PUT KEY", err)
		}
		ch.Close()
		fmt.Printf("  Loaded key version 0x%02X, KCVs %X %X %X\n",
			res.KeyVersion, res.CheckValues[0], res.CheckValues[1], res.CheckValues[2])

		chOpts.KeyVersion = res.KeyVersion
		chOpts.PinKeyVersion = true
		ch = globalplatform.NewSecureChannel(card, next, chOpts)
		if err := ch.Open(); err != nil {
			fail("reopen with new keys", err)
		}
		globalplatform.PrintSession("Rotated keys", ch)
	}
	ch.Close()

	fmt.Println()
	fmt.Println("Self-test passed.")
}

// rotationKeys derives a fixed test key set at version 0x02.
func rotationKeys(cipher globalplatform.KeyCipher) *globalplatform.KeySet {
	ks := globalplatform.NewKeySet("rotated", 0x02)
	for i, u := range []globalplatform.KeyUsage{globalplatform.UsageENC, globalplatform.UsageMAC, globalplatform.UsageKEK} {
		secret := make([]byte, 16)
		for j := range secret {
			secret[j] = byte(0x10*(i+1) + j)
		}
		if err := ks.Add(u, cipher, byte(i+1), secret); err != nil {
			fail("rotation keys", err)
		}
	}
	return ks
}

func fail(step string, err error) {
	if hsStep, sw, n, ok := globalplatform.ClassifyHandshakeError(err); ok {
		fmt.Fprintf(os.Stderr, "Error: %s failed at %s (SW=%04X len=%d): %v\n", step, hsStep, sw, n, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s failed: %v\n", step, err)
	}
	os.Exit(1)
}
