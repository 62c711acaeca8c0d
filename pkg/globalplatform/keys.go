package globalplatform

import (
	"bufio"
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// KeyUsage is the role a key plays in a key set.
type KeyUsage int

const (
	UsageENC KeyUsage = iota
	UsageMAC
	UsageKEK
	UsageRMAC
)

func (u KeyUsage) String() string {
	switch u {
	case UsageENC:
		return "ENC"
	case UsageMAC:
		return "MAC"
	case UsageKEK:
		return "KEK"
	case UsageRMAC:
		return "RMAC"
	default:
		return fmt.Sprintf("usage(%d)", int(u))
	}
}

// KeyCipher is the block cipher a key is used with.
type KeyCipher int

const (
	CipherDES3 KeyCipher = iota
	CipherAES
)

func (c KeyCipher) String() string {
	if c == CipherAES {
		return "AES"
	}
	return "3DES"
}

// ParseKeyCipher accepts "3des", "des3", "des" and "aes".
func ParseKeyCipher(s string) (KeyCipher, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "3des", "des3", "des":
		return CipherDES3, nil
	case "aes":
		return CipherAES, nil
	}
	return CipherDES3, errors.Errorf("unknown key cipher %q", s)
}

// Key is a single secret with its cipher, role and key identifier.
type Key struct {
	Cipher KeyCipher
	Usage  KeyUsage
	ID     byte
	Secret []byte
}

func validKeyLength(c KeyCipher, n int) bool {
	switch c {
	case CipherDES3:
		return n == 16 || n == 24
	case CipherAES:
		return n == 16 || n == 24 || n == 32
	}
	return false
}

// CheckValue returns the 3-byte key check value: 3DES-ECB over eight zero
// bytes, or AES-ECB over sixteen 01 bytes.
func (k *Key) CheckValue() ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch k.Cipher {
	case CipherAES:
		in := make([]byte, aes.BlockSize)
		for i := range in {
			in[i] = 0x01
		}
		out, err = aesECBEncrypt(k.Secret, in)
	default:
		out, err = tdesECBEncrypt(k.Secret, zeroIV8)
	}
	if err != nil {
		return nil, err
	}
	return out[:3], nil
}

// Diversification names a static key diversification algorithm.
type Diversification int

const (
	DiversificationNone Diversification = iota
	DiversificationEMV
	DiversificationVISA2
)

func (d Diversification) String() string {
	switch d {
	case DiversificationEMV:
		return "emv"
	case DiversificationVISA2:
		return "visa2"
	default:
		return "none"
	}
}

// ParseDiversification accepts "none", "emv" and "visa2" (empty means none).
func ParseDiversification(s string) (Diversification, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DiversificationNone, nil
	case "emv":
		return DiversificationEMV, nil
	case "visa2":
		return DiversificationVISA2, nil
	}
	return DiversificationNone, errors.Errorf("unknown diversification %q", s)
}

// KeySet holds at most one key per usage.
type KeySet struct {
	Name            string
	Version         byte
	Diversification Diversification // algorithm already applied to the keys
	keys            map[KeyUsage]*Key
}

// NewKeySet returns an empty key set.
func NewKeySet(name string, version byte) *KeySet {
	return &KeySet{Name: name, Version: version, keys: make(map[KeyUsage]*Key)}
}

// Add stores a copy of secret under usage. A usage can only be added once.
func (ks *KeySet) Add(usage KeyUsage, c KeyCipher, id byte, secret []byte) error {
	if ks.keys == nil {
		ks.keys = make(map[KeyUsage]*Key)
	}
	if _, ok := ks.keys[usage]; ok {
		return errors.Errorf("key set %q already has a %s key", ks.Name, usage)
	}
	if !validKeyLength(c, len(secret)) {
		return errors.Wrapf(ErrDerivation, "%s key for %s has invalid length %d", c, usage, len(secret))
	}
	ks.keys[usage] = &Key{Cipher: c, Usage: usage, ID: id, Secret: append([]byte{}, secret...)}
	return nil
}

// Key returns the key for usage, or nil.
func (ks *KeySet) Key(usage KeyUsage) *Key {
	if ks == nil {
		return nil
	}
	return ks.keys[usage]
}

// Has reports whether the set contains a key for usage.
func (ks *KeySet) Has(usage KeyUsage) bool {
	return ks.Key(usage) != nil
}

func (ks *KeySet) require(usage KeyUsage) (*Key, error) {
	k := ks.Key(usage)
	if k == nil {
		return nil, errors.Wrapf(ErrMissingKey, "key set %q has no %s key", ks.displayName(), usage)
	}
	return k, nil
}

func (ks *KeySet) displayName() string {
	if ks == nil {
		return "<nil>"
	}
	return ks.Name
}

// Usages lists the usages present, in ENC, MAC, KEK, RMAC order.
func (ks *KeySet) Usages() []KeyUsage {
	var out []KeyUsage
	for _, u := range []KeyUsage{UsageENC, UsageMAC, UsageKEK, UsageRMAC} {
		if ks.Has(u) {
			out = append(out, u)
		}
	}
	return out
}

// Wipe zeroes every secret in the set.
func (ks *KeySet) Wipe() {
	if ks == nil {
		return
	}
	for u, k := range ks.keys {
		wipe(k.Secret)
		delete(ks.keys, u)
	}
}

// defaultSecret is the GlobalPlatform test key 404142...4F.
var defaultSecret = [16]byte{
	0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
	0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
}

// DefaultKeySet returns a fresh copy of the GlobalPlatform default test
// key set with ENC, MAC and KEK set to 404142...4F. It panics if c is not
// CipherDES3 or CipherAES.
func DefaultKeySet(c KeyCipher) *KeySet {
	ks := NewKeySet("default", 0)
	for i, u := range []KeyUsage{UsageENC, UsageMAC, UsageKEK} {
		if err := ks.Add(u, c, byte(i+1), defaultSecret[:]); err != nil {
			panic("globalplatform: DefaultKeySet: " + err.Error())
		}
	}
	return ks
}

// LoadKeyHexFile loads a key from a .hex file.
// The file should contain a single line with 32, 48 or 64 hexadecimal
// characters (16, 24 or 32 bytes).
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch len(line) {
		case 32, 48, 64:
		default:
			return nil, errors.Errorf("key must be 32, 48 or 64 hex chars, got %d", len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, errors.Errorf("invalid hex key: %v", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}
