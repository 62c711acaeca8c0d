package globalplatform

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// ChannelState is the lifecycle state of a SecureChannel.
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateHandshaking
	StateEstablished
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelOptions configures the handshake.
type ChannelOptions struct {
	KeyVersion      byte // P1 of INITIALIZE UPDATE, 0 lets the card choose
	KeyID           byte // P2 of INITIALIZE UPDATE
	PinKeyVersion   bool // fail if the card answers with another key version
	ProtocolPolicy  ProtocolPolicy
	SecurityPolicy  SecurityPolicy
	Diversification Diversification // applied to the static keys before derivation
	Random          io.Reader       // host challenge source, crypto/rand when nil
}

// SecureChannel runs the SCP handshake over a Card and wraps every command
// sent through it afterwards. A SecureChannel is not safe for concurrent use.
type SecureChannel struct {
	card   Card
	static *KeySet
	opts   ChannelOptions

	state      ChannelState
	protocol   Protocol
	keyVersion byte
	session    *KeySet
	wrapper    wrapper
}

// NewSecureChannel returns a closed channel. keys are the static keys of the
// security domain; they are never modified.
func NewSecureChannel(card Card, keys *KeySet, opts ChannelOptions) *SecureChannel {
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	return &SecureChannel{card: card, static: keys, opts: opts}
}

// Open performs INITIALIZE UPDATE and EXTERNAL AUTHENTICATE. Any failure
// leaves the channel closed.
func (c *SecureChannel) Open() error {
	if c.state != StateClosed {
		return errors.Wrapf(ErrIllegalState, "open in state %s", c.state)
	}
	c.state = StateHandshaking
	if err := c.handshake(); err != nil {
		c.Reset()
		slog.Warn("secure channel handshake failed", "error", err)
		return err
	}
	c.state = StateEstablished
	slog.Info("secure channel established",
		"protocol", c.protocol.String(),
		"level", c.opts.SecurityPolicy.String(),
		"key_version", fmt.Sprintf("0x%02X", c.keyVersion))
	return nil
}

func (c *SecureChannel) handshake() error {
	hostChallenge := make([]byte, 8)
	if _, err := io.ReadFull(c.opts.Random, hostChallenge); err != nil {
		return &HandshakeError{Step: "initialize-update", Err: errors.Wrap(err, "host challenge")}
	}

	resp, err := TransmitCommand(c.card, initializeUpdate(c.opts.KeyVersion, c.opts.KeyID, hostChallenge))
	if err != nil {
		return &HandshakeError{Step: "initialize-update", Err: err}
	}
	if sw := statusWord(resp); sw != SWSuccess {
		return &HandshakeError{Step: "initialize-update", SW: sw, RespLen: len(resp.Data),
			Err: errors.Wrapf(ErrAuthenticationFailed, "INITIALIZE UPDATE: %s", swDescription(sw))}
	}
	hr, err := ParseHandshakeResponse(resp.Data)
	if err != nil {
		return &HandshakeError{Step: "initialize-update", SW: SWSuccess, RespLen: len(resp.Data), Err: err}
	}

	p, err := c.resolveProtocol(hr)
	if err != nil {
		return &HandshakeError{Step: "initialize-update", Err: err}
	}
	if c.opts.PinKeyVersion && c.opts.KeyVersion != 0 && hr.KeyVersion != c.opts.KeyVersion {
		return &HandshakeError{Step: "initialize-update",
			Err: errors.Wrapf(ErrKeyVersionMismatch, "requested 0x%02X, card uses 0x%02X", c.opts.KeyVersion, hr.KeyVersion)}
	}

	static, err := Diversify(c.static, c.opts.Diversification, hr.DiversificationData)
	if err != nil {
		return &HandshakeError{Step: "derive", Err: err}
	}
	session, err := sessionKeys(p, static, hr, hostChallenge)
	if err != nil {
		return &HandshakeError{Step: "derive", Err: err}
	}
	c.session = session
	for _, u := range session.Usages() {
		slog.Debug("session key", "usage", u.String(), "key", hexUpper(session.Key(u).Secret))
	}

	cardCryptogram, hostCryptogram, err := hostAndCardCryptograms(p, session, hr, hostChallenge)
	if err != nil {
		return &HandshakeError{Step: "derive", Err: err}
	}
	if subtle.ConstantTimeCompare(cardCryptogram, hr.CardCryptogram) != 1 {
		return &HandshakeError{Step: "initialize-update",
			Err: errors.Wrapf(ErrCryptogramInvalid, "expected %s, card sent %s", hexUpper(cardCryptogram), hexUpper(hr.CardCryptogram))}
	}

	w, err := newWrapper(p, session)
	if err != nil {
		return &HandshakeError{Step: "derive", Err: err}
	}
	c.wrapper = w

	ea, err := w.wrap(externalAuthenticate(c.opts.SecurityPolicy.authP1(), hostCryptogram))
	if err != nil {
		return &HandshakeError{Step: "external-authenticate", Err: err}
	}
	resp, err = TransmitCommand(c.card, ea)
	if err != nil {
		return &HandshakeError{Step: "external-authenticate", Err: err}
	}
	if sw := statusWord(resp); sw != SWSuccess {
		return &HandshakeError{Step: "external-authenticate", SW: sw, RespLen: len(resp.Data),
			Err: errors.Wrapf(ErrAuthenticationFailed, "EXTERNAL AUTHENTICATE: %s", swDescription(sw))}
	}

	w.setLevel(c.opts.SecurityPolicy)
	c.protocol = p
	c.keyVersion = hr.KeyVersion
	return nil
}

// resolveProtocol decodes the protocol from the response and the pinned
// policy. SCP01/02 responses do not carry the "i" parameter, so it must come
// from the policy.
func (c *SecureChannel) resolveProtocol(hr *HandshakeResponse) (Protocol, error) {
	policy := c.opts.ProtocolPolicy
	if err := policy.checkVersion(hr.ProtocolVersion); err != nil {
		return nil, err
	}

	var params byte
	switch {
	case hr.HasParameters:
		params = hr.Parameters
	case policy.Parameters != 0:
		params = policy.Parameters
	default:
		return nil, errors.Wrapf(ErrProtocolUnspecified, "card reports SCP%02d without parameters", hr.ProtocolVersion)
	}

	p, err := DecodeProtocol(hr.ProtocolVersion, params)
	if err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case SCP00:
		return nil, errors.Wrap(ErrUnsupportedProtocol, "SCP00 cannot be negotiated")
	case SCP01:
		if !v.ExplicitInit {
			return nil, errors.Wrapf(ErrUnsupportedProtocol, "%s uses implicit initiation", p)
		}
	case SCP02:
		if !v.ExplicitInit {
			return nil, errors.Wrapf(ErrUnsupportedProtocol, "%s uses implicit initiation", p)
		}
		if v.ICVMACAID {
			return nil, errors.Wrapf(ErrUnsupportedProtocol, "%s derives the ICV from the AID", p)
		}
	}
	if err := policy.Check(p); err != nil {
		return nil, err
	}
	if err := c.opts.SecurityPolicy.Check(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Transmit wraps cmd, sends it and unwraps the response. A status word other
// than 9000/61xx is returned together with a *SWError. Cryptographic and
// length failures close the channel.
func (c *SecureChannel) Transmit(cmd apdu.Capdu) (apdu.Rapdu, error) {
	if c.state != StateEstablished {
		return apdu.Rapdu{}, errors.Wrapf(ErrIllegalState, "transmit in state %s", c.state)
	}
	wrapped, err := c.wrapper.wrap(cmd)
	if err != nil {
		c.Reset()
		return apdu.Rapdu{}, err
	}
	raw, err := TransmitCommand(c.card, wrapped)
	if err != nil {
		c.Reset()
		return apdu.Rapdu{}, err
	}

	sw := statusWord(raw)
	if !raw.IsSuccess() && !raw.IsWarning() {
		if len(raw.Data) > 0 {
			c.Reset()
			return apdu.Rapdu{}, errors.Wrapf(ErrIllegalErrorResponse, "SW=%04X with %d data bytes", sw, len(raw.Data))
		}
		return raw, &SWError{Cmd: cmd.Ins, SW: sw}
	}

	resp, err := c.wrapper.unwrap(raw)
	if err != nil {
		c.Reset()
		return apdu.Rapdu{}, err
	}
	if raw.IsWarning() {
		return resp, &SWError{Cmd: cmd.Ins, SW: sw}
	}
	return resp, nil
}

// EncryptSensitiveData encrypts key material for PUT KEY with the session KEK.
func (c *SecureChannel) EncryptSensitiveData(data []byte) ([]byte, error) {
	if c.wrapper == nil {
		return nil, errors.Wrapf(ErrIllegalState, "no session keys in state %s", c.state)
	}
	return c.wrapper.encryptSensitiveData(data)
}

// Reset drops the session keys and wrapper. It is idempotent.
func (c *SecureChannel) Reset() {
	if c.wrapper != nil {
		c.wrapper.wipe()
	}
	c.session.Wipe()
	c.wrapper = nil
	c.session = nil
	c.protocol = nil
	c.keyVersion = 0
	c.state = StateClosed
}

// Close ends the session. It is equivalent to Reset.
func (c *SecureChannel) Close() {
	if c.state == StateEstablished {
		slog.Debug("secure channel closed", "protocol", c.protocol.String())
	}
	c.Reset()
}

// IsEstablished reports whether Transmit may be called.
func (c *SecureChannel) IsEstablished() bool {
	return c.state == StateEstablished
}

// State returns the current lifecycle state.
func (c *SecureChannel) State() ChannelState {
	return c.state
}

// ActiveProtocol returns the negotiated protocol of an established channel.
func (c *SecureChannel) ActiveProtocol() (Protocol, bool) {
	if c.state != StateEstablished {
		return nil, false
	}
	return c.protocol, true
}

// KeyVersion is the key version the card reported during the handshake.
func (c *SecureChannel) KeyVersion() byte {
	return c.keyVersion
}

// SecurityPolicy returns the level the channel was opened with.
func (c *SecureChannel) SecurityPolicy() SecurityPolicy {
	return c.opts.SecurityPolicy
}

// MaxCommandSize is the largest plaintext command data Transmit accepts.
func (c *SecureChannel) MaxCommandSize() int {
	if c.wrapper == nil {
		return apdu.MaxLenCommandDataStandard
	}
	return c.wrapper.maxCommandSize()
}
