package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/barnettlynn/gptools/internal/config"
	"github.com/barnettlynn/gptools/pkg/globalplatform"
)

const configFileName = "config.yaml"

func main() {
	configFlag := flag.String("config", "", "path to config.yaml (default: next to the executable)")
	list := flag.Bool("list", false, "list PC/SC readers and exit")
	diag := flag.String("diag", "", "comma separated key versions to try, e.g. 1,2,0x20")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	// Configure slog
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

	if *list {
		readers, err := globalplatform.Readers()
		if err != nil {
			log.Fatalf("list readers failed: %v", err)
		}
		for i, r := range readers {
			fmt.Printf("[%d] %s\n", i, r)
		}
		return
	}

	configPath := *configFlag
	if configPath == "" {
		var err error
		configPath, err = defaultConfigPath()
		if err != nil {
			log.Fatalf("resolve config path failed: %v", err)
		}
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	keys, err := cfg.KeySet()
	if err != nil {
		log.Fatalf("key set invalid: %v", err)
	}
	defer keys.Wipe()
	chOpts, err := cfg.ChannelOptions()
	if err != nil {
		log.Fatalf("channel options invalid: %v", err)
	}
	aid, err := cfg.AID()
	if err != nil {
		log.Fatalf("AID invalid: %v", err)
	}

	conn, err := globalplatform.Connect(*cfg.Card.ReaderIndex, cfg.Exclusive())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	fmt.Printf("Using reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)
	fmt.Printf("ATR: %X\n", conn.ATR)

	fci, err := globalplatform.SelectApplication(conn, aid)
	if err != nil {
		log.Fatalf("select security domain failed: %v", err)
	}
	slog.Debug("security domain selected", "aid", fmt.Sprintf("%X", aid), "fci", fmt.Sprintf("%X", fci))

	if *diag != "" {
		versions, err := parseVersions(*diag)
		if err != nil {
			log.Fatalf("invalid -diag: %v", err)
		}
		runDiagnostics(conn, keys, chOpts, versions)
		return
	}

	ch := globalplatform.NewSecureChannel(conn, keys, chOpts)
	if err := ch.Open(); err != nil {
		if step, sw, n, ok := globalplatform.ClassifyHandshakeError(err); ok {
			log.Fatalf("open secure channel failed at %s (SW=%04X len=%d): %v", step, sw, n, err)
		}
		log.Fatalf("open secure channel failed: %v", err)
	}
	defer ch.Close()

	globalplatform.PrintSession("Secure channel", ch)

	cplc, err := globalplatform.GetCPLC(ch)
	if err != nil {
		slog.Warn("CPLC not available", "error", err)
	} else {
		globalplatform.PrintCPLC(cplc)
	}

	infos, err := globalplatform.GetKeyInformation(ch)
	if err != nil {
		slog.Warn("key information not available", "error", err)
	} else {
		globalplatform.PrintKeyInformation(infos)
	}
}

func runDiagnostics(card globalplatform.Card, keys *globalplatform.KeySet, opts globalplatform.ChannelOptions, versions []byte) {
	fmt.Println("Key version diagnostics:")
	fmt.Println("Version | Result")
	fmt.Println("--------|------------------------------------------")
	for _, r := range globalplatform.DiagnoseKeyVersions(card, keys, opts, versions) {
		switch {
		case r.Success:
			fmt.Printf("  0x%02X  | OK (%s)\n", r.KeyVersion, r.Protocol)
		case r.SW != 0:
			fmt.Printf("  0x%02X  | %s SW=%04X\n", r.KeyVersion, r.Step, r.SW)
		default:
			fmt.Printf("  0x%02X  | %s: %v\n", r.KeyVersion, r.Step, r.Err)
		}
	}
}

func parseVersions(s string) ([]byte, error) {
	var out []byte
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("key version %q: %w", part, err)
		}
		out = append(out, byte(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no key versions given")
	}
	return out, nil
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
