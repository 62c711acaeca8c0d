package globalplatform

import (
	"strings"

	"github.com/pkg/errors"
)

// ProtocolPolicy pins the protocol a card must report. Zero fields are
// wildcards.
type ProtocolPolicy struct {
	Version    int
	Parameters byte
}

// PolicyFor returns a policy pinning exactly p.
func PolicyFor(p Protocol) ProtocolPolicy {
	return ProtocolPolicy{Version: p.Version(), Parameters: p.Parameters()}
}

// Check fails with ErrPolicyViolation if p does not match a pinned field.
func (pp ProtocolPolicy) Check(p Protocol) error {
	if pp.Version != 0 && p.Version() != pp.Version {
		return errors.Wrapf(ErrPolicyViolation, "card offers %s, policy requires SCP%02d", p, pp.Version)
	}
	if pp.Parameters != 0 && p.Parameters() != pp.Parameters {
		return errors.Wrapf(ErrPolicyViolation, "card offers %s, policy requires parameters %02X", p, pp.Parameters)
	}
	return nil
}

func (pp ProtocolPolicy) checkVersion(version int) error {
	if pp.Version != 0 && version != pp.Version {
		return errors.Wrapf(ErrPolicyViolation, "card offers SCP%02d, policy requires SCP%02d", version, pp.Version)
	}
	return nil
}

// SecurityPolicy is the minimum set of secure messaging services for a
// channel. Each level implies all lower ones.
type SecurityPolicy int

const (
	SecurityNone SecurityPolicy = iota
	SecurityCMAC
	SecurityCENC
	SecurityRMAC
	SecurityRENC
)

var securityNames = []string{"none", "cmac", "cenc", "rmac", "renc"}

func (s SecurityPolicy) String() string {
	if s < SecurityNone || s > SecurityRENC {
		return "unknown"
	}
	return securityNames[s]
}

// ParseSecurityPolicy accepts the names printed by String, any case.
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	for i, name := range securityNames {
		if t == name {
			return SecurityPolicy(i), nil
		}
	}
	return SecurityNone, errors.Errorf("unknown security level %q", s)
}

// IsSupported reports whether p provides every service s implies.
func (s SecurityPolicy) IsSupported(p Protocol) bool {
	if s == SecurityNone {
		return true
	}
	switch v := p.(type) {
	case SCP01:
		return s <= SecurityCENC
	case SCP02:
		if s == SecurityRMAC {
			return v.RMACSupport
		}
		return s <= SecurityCENC
	case SCP03:
		switch s {
		case SecurityCMAC, SecurityCENC:
			return true
		case SecurityRMAC:
			return v.RMACSupport
		case SecurityRENC:
			return v.RMACSupport && v.RENCSupport
		}
	}
	return false
}

// Check fails with ErrPolicyViolation if p cannot satisfy s.
func (s SecurityPolicy) Check(p Protocol) error {
	if !s.IsSupported(p) {
		return errors.Wrapf(ErrPolicyViolation, "%s does not support security level %s", p, s)
	}
	return nil
}

// Host-side EXTERNAL AUTHENTICATE P1 bits.
const (
	levelCMAC = 0x01
	levelCENC = 0x02
	levelRMAC = 0x10
	levelRENC = 0x20
)

func (s SecurityPolicy) authP1() byte {
	var p1 byte
	if s >= SecurityCMAC {
		p1 |= levelCMAC
	}
	if s >= SecurityCENC {
		p1 |= levelCENC
	}
	if s >= SecurityRMAC {
		p1 |= levelRMAC
	}
	if s >= SecurityRENC {
		p1 |= levelRENC
	}
	return p1
}
