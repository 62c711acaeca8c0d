package globalplatform

import (
	"log/slog"

	"github.com/pkg/errors"
)

// Diversification tags, one per static key usage.
var diversifyTags = map[KeyUsage]byte{
	UsageENC:  0x01,
	UsageMAC:  0x02,
	UsageKEK:  0x03,
	UsageRMAC: 0x02,
}

// Diversify derives per-card static keys from a master key set and the
// 10-byte key diversification data returned by INITIALIZE UPDATE.
//
//	EMV:   data[4:10] F0 tag data[4:10] 0F tag
//	VISA2: data[0:2] data[4:8] F0 tag data[0:2] data[4:8] 0F tag
//
// Each block is encrypted with 3DES-ECB under the master key for that usage.
func Diversify(master *KeySet, alg Diversification, data []byte) (*KeySet, error) {
	if alg == DiversificationNone {
		return master, nil
	}
	if len(data) != 10 {
		return nil, errors.Wrapf(ErrDerivation, "diversification data must be 10 bytes, got %d", len(data))
	}
	if master.Diversification != DiversificationNone {
		return nil, errors.Wrapf(ErrDerivation, "key set %q is already diversified (%s)", master.Name, master.Diversification)
	}

	out := NewKeySet(master.Name, master.Version)
	out.Diversification = alg
	for _, usage := range master.Usages() {
		k := master.Key(usage)
		if k.Cipher != CipherDES3 {
			return nil, errors.Wrapf(ErrDerivation, "%s diversification needs a 3DES %s key, got %s", alg, usage, k.Cipher)
		}
		tag := diversifyTags[usage]
		block := make([]byte, 0, 16)
		switch alg {
		case DiversificationEMV:
			block = append(block, data[4:10]...)
			block = append(block, 0xF0, tag)
			block = append(block, data[4:10]...)
			block = append(block, 0x0F, tag)
		case DiversificationVISA2:
			block = append(block, data[0:2]...)
			block = append(block, data[4:8]...)
			block = append(block, 0xF0, tag)
			block = append(block, data[0:2]...)
			block = append(block, data[4:8]...)
			block = append(block, 0x0F, tag)
		default:
			return nil, errors.Wrapf(ErrDerivation, "unknown diversification %d", int(alg))
		}
		secret, err := tdesECBEncrypt(k.Secret, block)
		if err != nil {
			return nil, errors.Wrapf(ErrDerivation, "diversify %s: %v", usage, err)
		}
		if err := out.Add(usage, CipherDES3, k.ID, secret); err != nil {
			return nil, err
		}
	}
	slog.Debug("static keys diversified", "alg", alg.String(), "kdd", hexUpper(data))
	return out, nil
}

// SCP02 derivation constants.
var scp02Constants = map[KeyUsage][2]byte{
	UsageENC:  {0x01, 0x82},
	UsageMAC:  {0x01, 0x01},
	UsageRMAC: {0x01, 0x02},
	UsageKEK:  {0x01, 0x81},
}

// SCP03 derivation constants.
const (
	scp03CardCryptogram = 0x00
	scp03HostCryptogram = 0x01
	scp03ENC            = 0x04
	scp03MAC            = 0x06
	scp03RMAC           = 0x07
)

func requireCipher(keys *KeySet, c KeyCipher, usages ...KeyUsage) error {
	for _, u := range usages {
		k, err := keys.require(u)
		if err != nil {
			return err
		}
		if k.Cipher != c {
			return errors.Wrapf(ErrDerivation, "%s key is %s, protocol needs %s", u, k.Cipher, c)
		}
	}
	return nil
}

// rmacSource is the static key the R-MAC session key is derived from.
func rmacSource(static *KeySet) *Key {
	if k := static.Key(UsageRMAC); k != nil {
		return k
	}
	return static.Key(UsageMAC)
}

// DeriveSCP01 derives SCP01 session keys from the challenges. The static
// KEK is used as is.
func DeriveSCP01(static *KeySet, hostChallenge, cardChallenge []byte) (*KeySet, error) {
	if len(hostChallenge) != 8 || len(cardChallenge) != 8 {
		return nil, errors.Wrap(ErrDerivation, "SCP01 challenges must be 8 bytes")
	}
	if err := requireCipher(static, CipherDES3, UsageENC, UsageMAC); err != nil {
		return nil, err
	}
	dd := make([]byte, 0, 16)
	dd = append(dd, cardChallenge[4:8]...)
	dd = append(dd, hostChallenge[0:4]...)
	dd = append(dd, cardChallenge[0:4]...)
	dd = append(dd, hostChallenge[4:8]...)

	out := NewKeySet(static.Name+"-session", static.Version)
	for _, u := range []KeyUsage{UsageENC, UsageMAC} {
		k := static.Key(u)
		secret, err := tdesECBEncrypt(k.Secret, dd)
		if err != nil {
			return nil, errors.Wrapf(ErrDerivation, "SCP01 %s: %v", u, err)
		}
		if err := out.Add(u, CipherDES3, k.ID, secret); err != nil {
			return nil, err
		}
	}
	if kek := static.Key(UsageKEK); kek != nil {
		if err := out.Add(UsageKEK, kek.Cipher, kek.ID, kek.Secret); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeriveSCP02 derives SCP02 session keys from the 2-byte sequence counter.
// Every usage present in static is derived; R-MAC falls back to the static
// MAC key when static has no R-MAC key.
func DeriveSCP02(static *KeySet, sequence []byte) (*KeySet, error) {
	if len(sequence) != 2 {
		return nil, errors.Wrapf(ErrDerivation, "SCP02 sequence must be 2 bytes, got %d", len(sequence))
	}
	if err := requireCipher(static, CipherDES3, UsageENC, UsageMAC); err != nil {
		return nil, err
	}

	out := NewKeySet(static.Name+"-session", static.Version)
	for _, u := range []KeyUsage{UsageENC, UsageMAC, UsageKEK, UsageRMAC} {
		k := static.Key(u)
		if u == UsageRMAC {
			k = rmacSource(static)
		}
		if k == nil {
			continue
		}
		if k.Cipher != CipherDES3 {
			return nil, errors.Wrapf(ErrDerivation, "%s key is %s, SCP02 needs 3DES", u, k.Cipher)
		}
		c := scp02Constants[u]
		buf := make([]byte, 16)
		buf[0], buf[1] = c[0], c[1]
		copy(buf[2:4], sequence)
		secret, err := tdesCBCEncrypt(k.Secret, zeroIV8, buf)
		if err != nil {
			return nil, errors.Wrapf(ErrDerivation, "SCP02 %s: %v", u, err)
		}
		if err := out.Add(u, CipherDES3, k.ID, secret); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeriveSCP03 derives SCP03 session keys with the SP 800-108 KDF over
// hostChallenge||cardChallenge. The output length equals the static key
// length. The static KEK is carried over unchanged.
func DeriveSCP03(static *KeySet, sequence, hostChallenge, cardChallenge []byte) (*KeySet, error) {
	if len(sequence) != 3 {
		return nil, errors.Wrapf(ErrDerivation, "SCP03 sequence must be 3 bytes, got %d", len(sequence))
	}
	if len(hostChallenge) != 8 || len(cardChallenge) != 8 {
		return nil, errors.Wrap(ErrDerivation, "SCP03 challenges must be 8 bytes")
	}
	if err := requireCipher(static, CipherAES, UsageENC, UsageMAC); err != nil {
		return nil, err
	}
	ctx := make([]byte, 0, 16)
	ctx = append(ctx, hostChallenge...)
	ctx = append(ctx, cardChallenge...)

	out := NewKeySet(static.Name+"-session", static.Version)
	labels := []struct {
		usage    KeyUsage
		constant byte
		src      *Key
	}{
		{UsageENC, scp03ENC, static.Key(UsageENC)},
		{UsageMAC, scp03MAC, static.Key(UsageMAC)},
		{UsageRMAC, scp03RMAC, rmacSource(static)},
	}
	for _, l := range labels {
		if l.src.Cipher != CipherAES {
			return nil, errors.Wrapf(ErrDerivation, "%s key is %s, SCP03 needs AES", l.usage, l.src.Cipher)
		}
		secret, err := kdfCounter(l.src.Secret, l.constant, ctx, len(l.src.Secret)*8)
		if err != nil {
			return nil, errors.Wrapf(ErrDerivation, "SCP03 %s: %v", l.usage, err)
		}
		if err := out.Add(l.usage, CipherAES, l.src.ID, secret); err != nil {
			return nil, err
		}
	}
	if kek := static.Key(UsageKEK); kek != nil {
		if kek.Cipher != CipherAES {
			return nil, errors.Wrapf(ErrDerivation, "KEK is %s, SCP03 needs AES", kek.Cipher)
		}
		if err := out.Add(UsageKEK, CipherAES, kek.ID, kek.Secret); err != nil {
			return nil, err
		}
	}
	slog.Debug("scp03 session keys derived", "sequence", hexUpper(sequence), "context", hexUpper(ctx))
	return out, nil
}

// cryptogram3DES is the SCP01/02 cryptogram: full 3DES MAC with a null ICV
// over the padded concatenation of a and b, under the session ENC key.
func cryptogram3DES(session *KeySet, a, b []byte) ([]byte, error) {
	enc, err := session.require(UsageENC)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(a)+len(b))
	data = append(data, a...)
	data = append(data, b...)
	return mac3DES(enc.Secret, pad80(data, 8), zeroIV8)
}

// cryptogramSCP03 is the 8-byte SCP03 cryptogram derived from the session
// MAC key with the given constant.
func cryptogramSCP03(session *KeySet, constant byte, hostChallenge, cardChallenge []byte) ([]byte, error) {
	mac, err := session.require(UsageMAC)
	if err != nil {
		return nil, err
	}
	ctx := make([]byte, 0, 16)
	ctx = append(ctx, hostChallenge...)
	ctx = append(ctx, cardChallenge...)
	return kdfCounter(mac.Secret, constant, ctx, 64)
}

// sessionKeys derives the session key set for p.
func sessionKeys(p Protocol, static *KeySet, hr *HandshakeResponse, hostChallenge []byte) (*KeySet, error) {
	switch v := p.(type) {
	case SCP01:
		return DeriveSCP01(static, hostChallenge, hr.CardChallenge)
	case SCP02:
		keys, err := scp02KeySet(v, static)
		if err != nil {
			return nil, err
		}
		return DeriveSCP02(keys, hr.CardChallenge[:2])
	case SCP03:
		return DeriveSCP03(static, hr.Sequence, hostChallenge, hr.CardChallenge)
	default:
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "no key derivation for %s", p)
	}
}

// scp02KeySet fills a single-key set so that the one static key serves
// every usage.
func scp02KeySet(p SCP02, static *KeySet) (*KeySet, error) {
	if p.ThreeKeys {
		return static, nil
	}
	enc := static.Key(UsageENC)
	if enc == nil {
		return static, nil
	}
	out := NewKeySet(static.Name, static.Version)
	out.Diversification = static.Diversification
	for _, u := range []KeyUsage{UsageENC, UsageMAC, UsageKEK} {
		k := static.Key(u)
		if k == nil {
			k = enc
		}
		if err := out.Add(u, k.Cipher, k.ID, k.Secret); err != nil {
			return nil, errors.Wrap(err, "SCP02 base key set")
		}
	}
	return out, nil
}

// hostAndCardCryptograms returns the expected card cryptogram and the host
// cryptogram for p.
func hostAndCardCryptograms(p Protocol, session *KeySet, hr *HandshakeResponse, hostChallenge []byte) (card, host []byte, err error) {
	switch p.(type) {
	case SCP01, SCP02:
		card, err = cryptogram3DES(session, hostChallenge, hr.CardChallenge)
		if err != nil {
			return nil, nil, err
		}
		host, err = cryptogram3DES(session, hr.CardChallenge, hostChallenge)
		if err != nil {
			return nil, nil, err
		}
	case SCP03:
		card, err = cryptogramSCP03(session, scp03CardCryptogram, hostChallenge, hr.CardChallenge)
		if err != nil {
			return nil, nil, err
		}
		host, err = cryptogramSCP03(session, scp03HostCryptogram, hostChallenge, hr.CardChallenge)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, errors.Wrapf(ErrUnsupportedProtocol, "no cryptograms for %s", p)
	}
	return card, host, nil
}
