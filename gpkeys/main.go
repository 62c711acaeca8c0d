package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/barnettlynn/gptools/internal/config"
	"github.com/barnettlynn/gptools/pkg/globalplatform"
)

const configFileName = "config.yaml"

// target is one entry of the key version menu.
type target struct {
	label   string
	replace byte // P1 of PUT KEY, 0 adds a new version
}

func main() {
	configFlag := flag.String("config", "", "path to config.yaml (default: next to the executable)")
	yes := flag.Bool("yes", false, "skip the menu and confirmation, replace the authenticated key version")
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

	fmt.Println("=== GlobalPlatform Key Rotation Tool ===")
	fmt.Println()

	configPath := *configFlag
	if configPath == "" {
		var err error
		configPath, err = defaultConfigPath()
		if err != nil {
			log.Fatalf("resolve config path failed: %v", err)
		}
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.LoadWithMode(configPath, config.ValidationRotate)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	current, err := cfg.KeySet()
	if err != nil {
		log.Fatalf("current key set invalid: %v", err)
	}
	defer current.Wipe()
	next, err := cfg.RotationKeySet()
	if err != nil {
		log.Fatalf("rotation key set invalid: %v", err)
	}
	defer next.Wipe()
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

	ch, err := openChannel(conn, aid, current, chOpts)
	if err != nil {
		log.Fatalf("authentication with current keys failed: %v", err)
	}
	globalplatform.PrintSession("Current keys", ch)

	infos, err := globalplatform.GetKeyInformation(ch)
	if err != nil {
		slog.Warn("key information not available", "error", err)
	} else {
		globalplatform.PrintKeyInformation(infos)
	}
	fmt.Println()

	targets := buildTargets(infos, ch.KeyVersion(), next.Version)
	choice := 0
	if !*yes {
		items := make([]string, len(targets))
		for i, t := range targets {
			items[i] = t.label
		}
		choice = selectMenu(fmt.Sprintf("Load key version 0x%02X as:", next.Version), items)
		if choice < 0 {
			fmt.Println("Invalid selection.")
			os.Exit(1)
		}
	}
	tgt := targets[choice]

	if !*yes {
		fmt.Printf("%s with the rotation keys? (y/n): ", tgt.label)
		reader := bufio.NewReader(os.Stdin)
		confirmInput, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("read confirmation failed: %v", err)
		}
		confirmInput = strings.ToLower(strings.TrimSpace(confirmInput))
		if confirmInput != "y" && confirmInput != "yes" {
			fmt.Println("Cancelled.")
			os.Exit(0)
		}
	}

	fmt.Println()
	fmt.Println("Loading keys...")
	res, err := globalplatform.PutKeys(ch, next, tgt.replace)
	if err != nil {
		log.Fatalf("PUT KEY failed: %v", err)
	}
	ch.Close()
	for i, kcv := range res.CheckValues {
		fmt.Printf("  KCV %d: %X\n", i+1, kcv)
	}

	// Verify by opening a channel with the new keys at the new version
	fmt.Println("Verifying...")
	verifyOpts := chOpts
	verifyOpts.KeyVersion = res.KeyVersion
	verifyOpts.PinKeyVersion = true
	verify, err := openChannel(conn, aid, next, verifyOpts)
	if err != nil {
		log.Fatalf("verification failed: cannot authenticate with new keys: %v", err)
	}
	defer verify.Close()
	globalplatform.PrintSession("New keys", verify)

	fmt.Println()
	fmt.Printf("SUCCESS: key version 0x%02X loaded\n", res.KeyVersion)
}

func openChannel(card globalplatform.Card, aid []byte, keys *globalplatform.KeySet, opts globalplatform.ChannelOptions) (*globalplatform.SecureChannel, error) {
	if _, err := globalplatform.SelectApplication(card, aid); err != nil {
		return nil, fmt.Errorf("select security domain: %w", err)
	}
	ch := globalplatform.NewSecureChannel(card, keys, opts)
	if err := ch.Open(); err != nil {
		return nil, err
	}
	return ch, nil
}

// buildTargets lists the authenticated key version first, then the other
// versions on the card, then adding newVersion.
func buildTargets(infos []globalplatform.KeyInfo, authVersion, newVersion byte) []target {
	seen := map[byte]bool{authVersion: true}
	var others []byte
	for _, k := range infos {
		if !seen[k.Version] {
			seen[k.Version] = true
			others = append(others, k.Version)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })

	targets := []target{{label: fmt.Sprintf("Replace key version 0x%02X (current)", authVersion), replace: authVersion}}
	for _, v := range others {
		targets = append(targets, target{label: fmt.Sprintf("Replace key version 0x%02X", v), replace: v})
	}
	return append(targets, target{label: fmt.Sprintf("Add new key version 0x%02X", newVersion)})
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
