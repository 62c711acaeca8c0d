package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/barnettlynn/gptools/pkg/globalplatform"
	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	ValidationProbe ValidationMode = iota
	ValidationRotate
)

type Config struct {
	Card     CardConfig     `yaml:"card"`
	Keys     KeysConfig     `yaml:"keys"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Security SecurityConfig `yaml:"security"`
	Rotation RotationConfig `yaml:"rotation"`
}

type CardConfig struct {
	ReaderIndex *int   `yaml:"reader_index"`
	ISDAID      string `yaml:"isd_aid"`
	Exclusive   *bool  `yaml:"exclusive"`
}

type KeysConfig struct {
	DefaultKeys     bool   `yaml:"default_keys"`
	Cipher          string `yaml:"cipher"`
	Version         *int   `yaml:"version"`
	KeyID           *int   `yaml:"key_id"`
	ENCKeyHexFile   string `yaml:"enc_key_hex_file"`
	MACKeyHexFile   string `yaml:"mac_key_hex_file"`
	KEKKeyHexFile   string `yaml:"kek_key_hex_file"`
	Diversification string `yaml:"diversification"`
}

type ProtocolConfig struct {
	SCP           string `yaml:"scp"`
	PinKeyVersion bool   `yaml:"pin_key_version"`
}

type SecurityConfig struct {
	Level string `yaml:"level"`
}

type RotationConfig struct {
	NewVersion    *int   `yaml:"new_version"`
	Cipher        string `yaml:"cipher"`
	ENCKeyHexFile string `yaml:"enc_key_hex_file"`
	MACKeyHexFile string `yaml:"mac_key_hex_file"`
	KEKKeyHexFile string `yaml:"kek_key_hex_file"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationProbe)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationProbe)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationProbe:
		return nil
	case ValidationRotate:
		return c.validateRotation()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if c.Card.ReaderIndex == nil {
		return fmt.Errorf("config.card.reader_index is required")
	}
	if *c.Card.ReaderIndex < 0 {
		return fmt.Errorf("config.card.reader_index must be >= 0")
	}
	if strings.TrimSpace(c.Card.ISDAID) != "" {
		if _, err := globalplatform.ParseAID(c.Card.ISDAID); err != nil {
			return fmt.Errorf("config.card.isd_aid is invalid: %w", err)
		}
	}

	if strings.TrimSpace(c.Protocol.SCP) == "" {
		return fmt.Errorf("config.protocol.scp is required")
	}
	if _, err := globalplatform.ParseProtocol(c.Protocol.SCP); err != nil {
		return fmt.Errorf("config.protocol.scp is invalid: %w", err)
	}

	if _, err := c.cipher(c.Keys.Cipher); err != nil {
		return fmt.Errorf("config.keys.cipher is invalid: %w", err)
	}
	if err := validateByte(c.Keys.Version, "config.keys.version", 0x7F); err != nil {
		return err
	}
	if err := validateByte(c.Keys.KeyID, "config.keys.key_id", 0x7F); err != nil {
		return err
	}
	if _, err := globalplatform.ParseDiversification(c.Keys.Diversification); err != nil {
		return fmt.Errorf("config.keys.diversification is invalid: %w", err)
	}
	if !c.Keys.DefaultKeys {
		for _, f := range []struct{ path, field string }{
			{c.Keys.ENCKeyHexFile, "config.keys.enc_key_hex_file"},
			{c.Keys.MACKeyHexFile, "config.keys.mac_key_hex_file"},
			{c.Keys.KEKKeyHexFile, "config.keys.kek_key_hex_file"},
		} {
			if strings.TrimSpace(f.path) == "" {
				return fmt.Errorf("%s is required unless config.keys.default_keys is set", f.field)
			}
			if err := validateReadableFile(f.path, f.field); err != nil {
				return err
			}
		}
	}

	if strings.TrimSpace(c.Security.Level) == "" {
		return fmt.Errorf("config.security.level is required")
	}
	if _, err := globalplatform.ParseSecurityPolicy(c.Security.Level); err != nil {
		return fmt.Errorf("config.security.level is invalid: %w", err)
	}
	return nil
}

func (c *Config) validateRotation() error {
	if c.Rotation.NewVersion == nil {
		return fmt.Errorf("config.rotation.new_version is required")
	}
	if *c.Rotation.NewVersion < 1 || *c.Rotation.NewVersion > 0x7F {
		return fmt.Errorf("config.rotation.new_version must be 1..127")
	}
	if _, err := c.cipher(c.Rotation.Cipher); err != nil {
		return fmt.Errorf("config.rotation.cipher is invalid: %w", err)
	}
	for _, f := range []struct{ path, field string }{
		{c.Rotation.ENCKeyHexFile, "config.rotation.enc_key_hex_file"},
		{c.Rotation.MACKeyHexFile, "config.rotation.mac_key_hex_file"},
		{c.Rotation.KEKKeyHexFile, "config.rotation.kek_key_hex_file"},
	} {
		if strings.TrimSpace(f.path) == "" {
			return fmt.Errorf("%s is required", f.field)
		}
		if err := validateReadableFile(f.path, f.field); err != nil {
			return err
		}
	}
	return nil
}

// AID returns the configured security domain AID, or the ISD default.
func (c *Config) AID() ([]byte, error) {
	aid := strings.TrimSpace(c.Card.ISDAID)
	if aid == "" {
		aid = globalplatform.DefaultISDAID
	}
	return globalplatform.ParseAID(aid)
}

// Exclusive reports whether the reader should be opened exclusively. It
// defaults to true.
func (c *Config) Exclusive() bool {
	return c.Card.Exclusive == nil || *c.Card.Exclusive
}

// KeySet loads the static keys of the security domain.
func (c *Config) KeySet() (*globalplatform.KeySet, error) {
	cipher, err := c.cipher(c.Keys.Cipher)
	if err != nil {
		return nil, err
	}
	if c.Keys.DefaultKeys {
		ks := globalplatform.DefaultKeySet(cipher)
		ks.Version = byte(intOr(c.Keys.Version, 0))
		return ks, nil
	}
	return loadKeySet("static", cipher, byte(intOr(c.Keys.Version, 0)),
		c.Keys.ENCKeyHexFile, c.Keys.MACKeyHexFile, c.Keys.KEKKeyHexFile)
}

// RotationKeySet loads the keys gpkeys puts on the card.
func (c *Config) RotationKeySet() (*globalplatform.KeySet, error) {
	if c.Rotation.NewVersion == nil {
		return nil, fmt.Errorf("config.rotation.new_version is required")
	}
	cipher, err := c.cipher(c.Rotation.Cipher)
	if err != nil {
		return nil, err
	}
	return loadKeySet("rotation", cipher, byte(*c.Rotation.NewVersion),
		c.Rotation.ENCKeyHexFile, c.Rotation.MACKeyHexFile, c.Rotation.KEKKeyHexFile)
}

// ChannelOptions builds the handshake options from the protocol, security
// and keys sections.
func (c *Config) ChannelOptions() (globalplatform.ChannelOptions, error) {
	p, err := globalplatform.ParseProtocol(c.Protocol.SCP)
	if err != nil {
		return globalplatform.ChannelOptions{}, err
	}
	level, err := globalplatform.ParseSecurityPolicy(c.Security.Level)
	if err != nil {
		return globalplatform.ChannelOptions{}, err
	}
	div, err := globalplatform.ParseDiversification(c.Keys.Diversification)
	if err != nil {
		return globalplatform.ChannelOptions{}, err
	}
	return globalplatform.ChannelOptions{
		KeyVersion:      byte(intOr(c.Keys.Version, 0)),
		KeyID:           byte(intOr(c.Keys.KeyID, 0)),
		PinKeyVersion:   c.Protocol.PinKeyVersion,
		ProtocolPolicy:  globalplatform.PolicyFor(p),
		SecurityPolicy:  level,
		Diversification: div,
	}, nil
}

// cipher parses a key cipher name. An empty name means AES for SCP03 and
// 3DES otherwise.
func (c *Config) cipher(name string) (globalplatform.KeyCipher, error) {
	if strings.TrimSpace(name) != "" {
		return globalplatform.ParseKeyCipher(name)
	}
	p, err := globalplatform.ParseProtocol(c.Protocol.SCP)
	if err != nil {
		return globalplatform.CipherDES3, err
	}
	if p.Version() == 3 {
		return globalplatform.CipherAES, nil
	}
	return globalplatform.CipherDES3, nil
}

func loadKeySet(name string, cipher globalplatform.KeyCipher, version byte, enc, mac, kek string) (*globalplatform.KeySet, error) {
	ks := globalplatform.NewKeySet(name, version)
	for i, f := range []struct {
		usage globalplatform.KeyUsage
		path  string
	}{
		{globalplatform.UsageENC, enc},
		{globalplatform.UsageMAC, mac},
		{globalplatform.UsageKEK, kek},
	} {
		secret, err := globalplatform.LoadKeyHexFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("%s %s key file invalid: %w", name, f.usage, err)
		}
		if err := ks.Add(f.usage, cipher, byte(i+1), secret); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	for _, p := range []*string{
		&c.Keys.ENCKeyHexFile,
		&c.Keys.MACKeyHexFile,
		&c.Keys.KEKKeyHexFile,
		&c.Rotation.ENCKeyHexFile,
		&c.Rotation.MACKeyHexFile,
		&c.Rotation.KEKKeyHexFile,
	} {
		*p = resolvePath(configDir, *p)
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateByte(v *int, field string, max int) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > max {
		return fmt.Errorf("%s must be 0..%d", field, max)
	}
	return nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
