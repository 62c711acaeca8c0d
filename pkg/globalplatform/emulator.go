package globalplatform

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// EmulatedCard is an in-process security domain that runs the card side of
// SCP01, SCP02 and SCP03. Besides the handshake it answers SELECT, GET DATA
// (CPLC and key information) and PUT KEY. It implements Card.
//
// The card keeps a mirror of the host wrapper. A secured command is accepted
// only if re-wrapping its plaintext reproduces the received bytes, which
// checks the C-MAC, the encryption and the chaining state in one step.
type EmulatedCard struct {
	Protocol            Protocol
	Keys                *KeySet // static keys, already diversified for this card
	KeyVersion          byte
	DiversificationData []byte // 10 bytes
	Sequence            uint32 // SCP02 (16 bit) or SCP03 (24 bit) sequence counter
	AID                 []byte
	CPLC                *CPLC
	Random              io.Reader

	// TamperResponse may rewrite each raw response (data and SW) before it
	// is returned.
	TamperResponse func(cmd apdu.Capdu, resp []byte) []byte

	pending        bool // INITIALIZE UPDATE answered, EXTERNAL AUTHENTICATE expected
	authenticated  bool
	hostCryptogram []byte
	session        *KeySet
	mirror         wrapper
}

// NewEmulatedCard returns a card using p with keys at key version 0x01.
func NewEmulatedCard(p Protocol, keys *KeySet) *EmulatedCard {
	aid, _ := hex.DecodeString(DefaultISDAID)
	return &EmulatedCard{
		Protocol:            p,
		Keys:                keys,
		KeyVersion:          0x01,
		DiversificationData: []byte{0x00, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
		AID:                 aid,
		CPLC:                defaultCPLC(),
		Random:              rand.Reader,
	}
}

func defaultCPLC() *CPLC {
	return &CPLC{
		ICFabricator:      0x4790,
		ICType:            0x5040,
		OperatingSystemID: 0x4791,
		OSReleaseDate:     0x2348,
		OSReleaseLevel:    0x0100,
		ICFabricationDate: 0x3120,
		ICSerialNumber:    0x12345678,
		ICBatchIdentifier: 0x0042,
	}
}

// Authenticated reports whether a secure channel is open on the card side.
func (e *EmulatedCard) Authenticated() bool {
	return e.authenticated
}

// Transmit implements Card.
func (e *EmulatedCard) Transmit(raw []byte) ([]byte, error) {
	cmd, err := decodeCommand(raw)
	if err != nil {
		return newRapdu(nil, SWWrongLength).Bytes(), nil
	}
	data, sw := e.process(cmd)
	resp := newRapdu(data, sw).Bytes()
	if e.TamperResponse != nil {
		resp = e.TamperResponse(cmd, resp)
	}
	return resp, nil
}

func (e *EmulatedCard) process(cmd apdu.Capdu) ([]byte, uint16) {
	switch cmd.Ins {
	case insSelect:
		return e.selectApplication(cmd)
	case insInitializeUpdate:
		return e.initializeUpdate(cmd)
	case insExternalAuthenticate:
		return e.externalAuthenticate(cmd)
	}
	if !e.authenticated {
		return nil, SWSecurityNotSatisfied
	}
	plain, ok := e.unwrapCommand(cmd)
	if !ok {
		slog.Debug("emulator rejected command", "ins", hexUpper([]byte{cmd.Ins}))
		e.drop()
		return nil, SWSecurityNotSatisfied
	}

	data, sw := e.dispatch(plain)
	if !newRapdu(nil, sw).IsSuccess() {
		return nil, sw
	}
	out, err := e.wrapResponse(data, sw)
	if err != nil {
		e.drop()
		return nil, SWConditionsNotSatisfied
	}
	return out, sw
}

func (e *EmulatedCard) dispatch(cmd apdu.Capdu) ([]byte, uint16) {
	switch cmd.Ins {
	case insGetData:
		return e.getData(cmd)
	case insPutKey:
		return e.putKey(cmd)
	default:
		return nil, SWInsNotSupported
	}
}

// drop ends the card-side session.
func (e *EmulatedCard) drop() {
	if e.mirror != nil {
		e.mirror.wipe()
	}
	e.session.Wipe()
	e.mirror, e.session, e.hostCryptogram = nil, nil, nil
	e.pending, e.authenticated = false, false
}

func (e *EmulatedCard) selectApplication(cmd apdu.Capdu) ([]byte, uint16) {
	e.drop()
	if cmd.P1 != 0x04 || (len(cmd.Data) > 0 && !bytes.Equal(cmd.Data, e.AID)) {
		return nil, SWFileNotFound
	}
	return appendTLV(nil, 0x6F, appendTLV(nil, 0x84, e.AID)), SWSuccess
}

func (e *EmulatedCard) initializeUpdate(cmd apdu.Capdu) ([]byte, uint16) {
	e.drop()
	if len(cmd.Data) != 8 {
		return nil, SWWrongLength
	}
	if cmd.P1 != 0 && cmd.P1 != e.KeyVersion {
		return nil, SWReferencedDataMissing
	}

	hr := &HandshakeResponse{
		DiversificationData: append([]byte{}, e.DiversificationData...),
		KeyVersion:          e.KeyVersion,
		ProtocolVersion:     e.Protocol.Version(),
		CardChallenge:       make([]byte, 8),
	}
	random := hr.CardChallenge
	switch e.Protocol.(type) {
	case SCP02:
		binary.BigEndian.PutUint16(hr.CardChallenge, uint16(e.Sequence))
		random = hr.CardChallenge[2:]
	case SCP03:
		hr.HasParameters = true
		hr.Parameters = e.Protocol.Parameters()
		hr.Sequence = []byte{byte(e.Sequence >> 16), byte(e.Sequence >> 8), byte(e.Sequence)}
	}
	if _, err := io.ReadFull(e.Random, random); err != nil {
		return nil, SWConditionsNotSatisfied
	}
	e.Sequence++

	session, err := sessionKeys(e.Protocol, e.Keys, hr, cmd.Data)
	if err != nil {
		slog.Debug("emulator key derivation failed", "error", err)
		return nil, SWConditionsNotSatisfied
	}
	card, host, err := hostAndCardCryptograms(e.Protocol, session, hr, cmd.Data)
	if err != nil {
		return nil, SWConditionsNotSatisfied
	}
	mirror, err := newWrapper(e.Protocol, session)
	if err != nil {
		return nil, SWConditionsNotSatisfied
	}
	hr.CardCryptogram = card
	e.session, e.mirror, e.hostCryptogram = session, mirror, host
	e.pending = true
	return hr.Bytes(), SWSuccess
}

func (e *EmulatedCard) externalAuthenticate(cmd apdu.Capdu) ([]byte, uint16) {
	if !e.pending {
		e.drop()
		return nil, SWConditionsNotSatisfied
	}
	e.pending = false

	level, ok := securityFromP1(cmd.P1)
	if !ok || !level.IsSupported(e.Protocol) {
		e.drop()
		return nil, SWWrongP1P2
	}
	if cmd.Cla&claSecureMessaging == 0 || len(cmd.Data) != 16 {
		e.drop()
		return nil, SWSecurityNotSatisfied
	}
	plain := cmd
	plain.Cla = cmd.Cla &^ claSecureMessaging
	plain.Data = cmd.Data[:8]
	if !e.verify(plain, cmd) {
		e.drop()
		return nil, SWSecurityNotSatisfied
	}
	if subtle.ConstantTimeCompare(plain.Data, e.hostCryptogram) != 1 {
		e.drop()
		return nil, SWAuthFailed
	}
	e.mirror.setLevel(level)
	e.authenticated = true
	slog.Debug("emulator authenticated", "protocol", e.Protocol.String(), "level", level.String())
	return nil, SWSuccess
}

// securityFromP1 maps EXTERNAL AUTHENTICATE P1 onto a security level.
func securityFromP1(p1 byte) (SecurityPolicy, bool) {
	for s := SecurityNone; s <= SecurityRENC; s++ {
		if s.authP1() == p1 {
			return s, true
		}
	}
	return SecurityNone, false
}

// verify re-wraps plain with the mirror and compares it with the received
// command. The mirror's chaining state advances exactly as the host's did.
func (e *EmulatedCard) verify(plain, received apdu.Capdu) bool {
	rewrapped, err := e.mirror.wrap(plain)
	if err != nil {
		return false
	}
	return rewrapped.Cla == received.Cla &&
		subtle.ConstantTimeCompare(rewrapped.Data, received.Data) == 1
}

func (e *EmulatedCard) unwrapCommand(cmd apdu.Capdu) (apdu.Capdu, bool) {
	s := e.mirror.active()
	if !s.mac && !s.enc {
		return cmd, cmd.Cla&claSecureMessaging == 0
	}
	if cmd.Cla&claSecureMessaging == 0 || len(cmd.Data) < 8 {
		return cmd, false
	}
	plain := cmd
	plain.Cla = cmd.Cla &^ claSecureMessaging
	body := cmd.Data[:len(cmd.Data)-8]
	if s.enc && len(body) > 0 {
		data, err := e.decryptCommandData(body)
		if err != nil {
			return cmd, false
		}
		body = data
	}
	plain.Data = append([]byte(nil), body...)
	return plain, e.verify(plain, cmd)
}

func (e *EmulatedCard) decryptCommandData(body []byte) ([]byte, error) {
	switch w := e.mirror.(type) {
	case *scp0102Wrapper:
		plain, err := tdesCBCDecrypt(w.encKey, zeroIV8, body)
		if err != nil {
			return nil, err
		}
		if !w.scp01 {
			return unpad80(plain)
		}
		if len(plain) == 0 || int(plain[0]) > len(plain)-1 {
			return nil, errors.New("bad SCP01 length byte")
		}
		return plain[1 : 1+int(plain[0])], nil
	case *scp03Wrapper:
		iv, err := aesECBEncrypt(w.encKey, counterBlock(w.counter, 0x00))
		if err != nil {
			return nil, err
		}
		plain, err := aesCBCDecrypt(w.encKey, iv, body)
		if err != nil {
			return nil, err
		}
		return unpad80(plain)
	}
	return nil, errors.Wrap(ErrUnsupportedProtocol, "emulator decrypt")
}

// wrapResponse applies R-ENC and R-MAC as the card would.
func (e *EmulatedCard) wrapResponse(data []byte, sw uint16) ([]byte, error) {
	swb := []byte{byte(sw >> 8), byte(sw)}
	switch w := e.mirror.(type) {
	case *scp0102Wrapper:
		if !w.rmac {
			return data, nil
		}
		input := make([]byte, 0, len(w.rmacCmd)+len(data)+3)
		input = append(input, w.rmacCmd...)
		input = append(input, byte(len(data)))
		input = append(input, data...)
		input = append(input, swb...)
		mac, err := macDES3DES(w.rmacKey, pad80(input, 8), w.ricv)
		if err != nil {
			return nil, err
		}
		w.ricv = mac
		return append(append([]byte{}, data...), mac...), nil
	case *scp03Wrapper:
		body := data
		if w.renc && len(data) > 0 {
			iv, err := aesECBEncrypt(w.encKey, counterBlock(w.counter-1, 0x80))
			if err != nil {
				return nil, err
			}
			body, err = aesCBCEncrypt(w.encKey, iv, pad80(data, aes.BlockSize))
			if err != nil {
				return nil, err
			}
		}
		if !w.rmac {
			return body, nil
		}
		input := make([]byte, 0, len(w.chain)+len(body)+2)
		input = append(input, w.chain...)
		input = append(input, body...)
		input = append(input, swb...)
		full, err := aesCMAC(w.rmacKey, input)
		if err != nil {
			return nil, err
		}
		return append(append([]byte{}, body...), full[:8]...), nil
	}
	return data, nil
}

func (e *EmulatedCard) getData(cmd apdu.Capdu) ([]byte, uint16) {
	switch uint16(cmd.P1)<<8 | uint16(cmd.P2) {
	case tagCPLC:
		return append([]byte{0x9F, 0x7F, cplcLen}, e.CPLC.Bytes()...), SWSuccess
	case tagKeyInformation:
		var infos []KeyInfo
		for _, u := range putKeyOrder {
			k := e.Keys.Key(u)
			if k == nil {
				continue
			}
			typ := byte(keyTypeDES)
			if k.Cipher == CipherAES {
				typ = keyTypeAES
			}
			infos = append(infos, KeyInfo{ID: k.ID, Version: e.KeyVersion, Type: typ, Length: len(k.Secret)})
		}
		return encodeKeyInformation(infos), SWSuccess
	default:
		return nil, SWReferencedDataMissing
	}
}

func (e *EmulatedCard) putKey(cmd apdu.Capdu) ([]byte, uint16) {
	if cmd.P2&putKeyMultiple == 0 {
		return nil, SWWrongP1P2
	}
	if cmd.P1 != 0 && cmd.P1 != e.KeyVersion {
		return nil, SWReferencedDataMissing
	}
	if len(cmd.Data) < 1 {
		return nil, SWWrongData
	}
	version := cmd.Data[0]
	rest := cmd.Data[1:]
	keys := NewKeySet(e.Keys.Name, version)
	out := []byte{version}
	for i, usage := range putKeyOrder {
		if len(rest) < 2 || len(rest) < 2+int(rest[1])+1 {
			return nil, SWWrongData
		}
		typ, n := rest[0], int(rest[1])
		enc := rest[2 : 2+n]
		m := int(rest[2+n])
		if len(rest) < 3+n+m {
			return nil, SWWrongData
		}
		kcv := rest[3+n : 3+n+m]
		rest = rest[3+n+m:]

		c := CipherDES3
		switch typ {
		case keyTypeDES:
		case keyTypeAES:
			c = CipherAES
		default:
			return nil, SWWrongData
		}
		secret, err := e.decryptKey(enc)
		if err != nil {
			return nil, SWWrongData
		}
		id := cmd.P2&^putKeyMultiple + byte(i)
		if err := keys.Add(usage, c, id, secret); err != nil {
			return nil, SWWrongData
		}
		got, err := keys.Key(usage).CheckValue()
		if err != nil || !bytes.Equal(got, kcv) {
			return nil, SWWrongData
		}
		out = append(out, got...)
	}
	if len(rest) != 0 {
		return nil, SWWrongData
	}
	e.Keys = keys
	e.KeyVersion = version
	slog.Debug("emulator stored keys", "key_version", version)
	return out, SWSuccess
}

func (e *EmulatedCard) decryptKey(enc []byte) ([]byte, error) {
	switch w := e.mirror.(type) {
	case *scp0102Wrapper:
		return tdesECBDecrypt(w.kek, enc)
	case *scp03Wrapper:
		if len(enc) < 1 || int(enc[0]) != len(enc)-1 {
			return nil, errors.New("bad key length byte")
		}
		return aesCBCDecrypt(w.kek, make([]byte, aes.BlockSize), enc[1:])
	}
	return nil, errors.Wrap(ErrUnsupportedProtocol, "emulator key decrypt")
}
