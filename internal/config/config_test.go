package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/barnettlynn/gptools/pkg/globalplatform"
)

const testKeyHex = "404142434445464748494A4B4C4D4E4F\n"

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func writeKeys(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(testKeyHex), 0o600); err != nil {
			t.Fatalf("write key %s: %v", name, err)
		}
	}
}

func TestLoadValidConfigAndResolveRelativePaths(t *testing.T) {
	tmp := t.TempDir()
	writeKeys(t, tmp, "enc.hex", "mac.hex", "kek.hex")
	cfgPath := writeConfig(t, tmp, `
card:
  reader_index: 0
  isd_aid: "A000000151000000"
keys:
  cipher: "3des"
  version: 32
  enc_key_hex_file: "enc.hex"
  mac_key_hex_file: "mac.hex"
  kek_key_hex_file: "kek.hex"
protocol:
  scp: "SCP02-15"
  pin_key_version: true
security:
  level: "cenc"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if want := filepath.Join(tmp, "mac.hex"); cfg.Keys.MACKeyHexFile != want {
		t.Fatalf("expected resolved MAC key path %q, got %q", want, cfg.Keys.MACKeyHexFile)
	}
	if !cfg.Exclusive() {
		t.Fatalf("expected exclusive access by default")
	}

	ks, err := cfg.KeySet()
	if err != nil {
		t.Fatalf("KeySet returned error: %v", err)
	}
	if ks.Version != 0x20 {
		t.Fatalf("expected key version 0x20, got 0x%02X", ks.Version)
	}
	if len(ks.Usages()) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(ks.Usages()))
	}
	if ks.Key(globalplatform.UsageKEK).Cipher != globalplatform.CipherDES3 {
		t.Fatalf("expected 3DES KEK")
	}

	opts, err := cfg.ChannelOptions()
	if err != nil {
		t.Fatalf("ChannelOptions returned error: %v", err)
	}
	if opts.KeyVersion != 0x20 || !opts.PinKeyVersion {
		t.Fatalf("expected pinned key version 0x20, got 0x%02X pin=%v", opts.KeyVersion, opts.PinKeyVersion)
	}
	if opts.ProtocolPolicy.Version != 2 || opts.ProtocolPolicy.Parameters != 0x15 {
		t.Fatalf("unexpected protocol policy %+v", opts.ProtocolPolicy)
	}
	if opts.SecurityPolicy != globalplatform.SecurityCENC {
		t.Fatalf("expected CENC, got %s", opts.SecurityPolicy)
	}
}

func TestLoadDefaultKeysNeedsNoKeyFiles(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `
card:
  reader_index: 1
  exclusive: false
keys:
  default_keys: true
protocol:
  scp: "SCP03"
security:
  level: "cmac"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Exclusive() {
		t.Fatalf("expected shared access")
	}
	ks, err := cfg.KeySet()
	if err != nil {
		t.Fatalf("KeySet returned error: %v", err)
	}
	if ks.Key(globalplatform.UsageENC).Cipher != globalplatform.CipherAES {
		t.Fatalf("expected AES keys for SCP03 when no cipher is configured")
	}
	aid, err := cfg.AID()
	if err != nil {
		t.Fatalf("AID returned error: %v", err)
	}
	if len(aid) != 8 {
		t.Fatalf("expected default ISD AID, got %X", aid)
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "reader index",
			body:    "keys:\n  default_keys: true\nprotocol:\n  scp: SCP03\nsecurity:\n  level: cmac\n",
			wantErr: "config.card.reader_index is required",
		},
		{
			name:    "protocol",
			body:    "card:\n  reader_index: 0\nkeys:\n  default_keys: true\nsecurity:\n  level: cmac\n",
			wantErr: "config.protocol.scp is required",
		},
		{
			name:    "security level",
			body:    "card:\n  reader_index: 0\nkeys:\n  default_keys: true\nprotocol:\n  scp: SCP03\n",
			wantErr: "config.security.level is required",
		},
		{
			name:    "key file",
			body:    "card:\n  reader_index: 0\nprotocol:\n  scp: SCP03\nsecurity:\n  level: cmac\n",
			wantErr: "config.keys.enc_key_hex_file is required",
		},
		{
			name:    "bad protocol",
			body:    "card:\n  reader_index: 0\nkeys:\n  default_keys: true\nprotocol:\n  scp: SCP09\nsecurity:\n  level: cmac\n",
			wantErr: "config.protocol.scp is invalid",
		},
		{
			name:    "bad level",
			body:    "card:\n  reader_index: 0\nkeys:\n  default_keys: true\nprotocol:\n  scp: SCP03\nsecurity:\n  level: full\n",
			wantErr: "config.security.level is invalid",
		},
		{
			name:    "key version range",
			body:    "card:\n  reader_index: 0\nkeys:\n  default_keys: true\n  version: 200\nprotocol:\n  scp: SCP03\nsecurity:\n  level: cmac\n",
			wantErr: "config.keys.version must be 0..127",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `
card:
  reader_index: 0
  reader_name: "ACS"
`)
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	if !strings.Contains(err.Error(), "parse config yaml") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadWithModeRotate(t *testing.T) {
	tmp := t.TempDir()
	writeKeys(t, tmp, "new-enc.hex", "new-mac.hex", "new-kek.hex")
	base := `
card:
  reader_index: 0
keys:
  default_keys: true
protocol:
  scp: "SCP03-70"
security:
  level: "renc"
`
	if _, err := LoadWithMode(writeConfig(t, tmp, base), ValidationRotate); err == nil ||
		!strings.Contains(err.Error(), "config.rotation.new_version is required") {
		t.Fatalf("expected missing rotation error, got %v", err)
	}

	cfgPath := writeConfig(t, tmp, base+`
rotation:
  new_version: 48
  enc_key_hex_file: "new-enc.hex"
  mac_key_hex_file: "new-mac.hex"
  kek_key_hex_file: "new-kek.hex"
`)
	cfg, err := LoadWithMode(cfgPath, ValidationRotate)
	if err != nil {
		t.Fatalf("LoadWithMode returned error: %v", err)
	}
	ks, err := cfg.RotationKeySet()
	if err != nil {
		t.Fatalf("RotationKeySet returned error: %v", err)
	}
	if ks.Version != 0x30 {
		t.Fatalf("expected rotation version 0x30, got 0x%02X", ks.Version)
	}
	if ks.Key(globalplatform.UsageMAC).Cipher != globalplatform.CipherAES {
		t.Fatalf("expected AES rotation keys for SCP03")
	}
}

func TestValidateRejectsDirectoryAsKeyFile(t *testing.T) {
	tmp := t.TempDir()
	writeKeys(t, tmp, "mac.hex", "kek.hex")
	if err := os.Mkdir(filepath.Join(tmp, "enc.hex"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgPath := writeConfig(t, tmp, `
card:
  reader_index: 0
keys:
  enc_key_hex_file: "enc.hex"
  mac_key_hex_file: "mac.hex"
  kek_key_hex_file: "kek.hex"
protocol:
  scp: "SCP02-15"
security:
  level: "cmac"
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "must point to a file") {
		t.Fatalf("expected directory error, got %v", err)
	}
}
