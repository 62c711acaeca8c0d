/*
Package globalplatform implements the host side of the GlobalPlatform secure
channel protocols SCP01, SCP02 and SCP03 for managing a card through its
Issuer Security Domain.

The package provides:
  - The protocol model (SCP00..SCP03 with their "i" parameter flags) and the
    protocol and security policies a caller pins
  - Static key sets, EMV/VISA2 diversification and session key derivation
  - Secure messaging wrappers (C-MAC, C-DEC, R-MAC, R-ENC)
  - The SecureChannel state machine (INITIALIZE UPDATE, EXTERNAL AUTHENTICATE,
    wrapped Transmit)
  - PUT KEY, GET DATA (CPLC, key information) and SELECT
  - An emulated card for offline tests and a PC/SC connection wrapper

# Protocol Parameters

The "i" byte of each protocol is a bit field:

	SCP01  01 three keys   04 explicit init   10 ICV encryption
	SCP02  01 three keys   02 C-MAC on unmodified APDU   04 explicit init
	       08 ICV MAC over AID   10 ICV encryption   20 R-MAC support
	       40 well-known pseudo-random challenge   (80 reserved)
	SCP03  10 pseudo-random challenge   20 R-MAC support   40 R-ENC support
	       (40 requires 20)

SCP01 and SCP02 cards do not return "i" in INITIALIZE UPDATE, so the caller
must pin the parameters with a ProtocolPolicy. SCP03 cards do.

# Operation: INITIALIZE UPDATE (INS 0x50)

	Command:  80 50 <keyVersion> <keyID> 08 <hostChallenge(8)> 00
	Response: 28 bytes (SCP01/02)
	          <kdd(10)> <kv(1)> <scp(1)> <cardChallenge(8)> <cardCryptogram(8)>
	          32 bytes (SCP03)
	          <kdd(10)> <kv(1)> 03 <i(1)> <cardChallenge(8)> <cardCryptogram(8)> <seq(3)>

	SCP02 card challenge starts with the 2-byte sequence counter.

Fail states:

	SW=6A88  Key version not present on the card
	SW=6982  Security status not satisfied
	SW=6983  Authentication blocked

# Session Keys

SCP01:

	derivation data = cc[4:8] hc[0:4] cc[0:4] hc[4:8]
	S-ENC, S-MAC = 3DES-ECB(static key, derivation data)

SCP02 (3DES-CBC, null IV, under the static key):

	S-ENC  = 01 82 seq 00*12
	S-MAC  = 01 01 seq 00*12
	S-RMAC = 01 02 seq 00*12
	S-DEK  = 01 81 seq 00*12

SCP03 (NIST SP 800-108 counter mode, AES-CMAC PRF, context = hc || cc):

	input = 00*11 <label> 00 <L(2)> <i> <context>
	labels: 04 S-ENC  06 S-MAC  07 S-RMAC  00 card cryptogram  01 host cryptogram

# Operation: EXTERNAL AUTHENTICATE (INS 0x82)

	Command:  84 82 <level> 00 10 <hostCryptogram(8)> <C-MAC(8)>
	Level:    01 C-MAC  02 C-DECRYPTION  10 R-MAC  20 R-ENCRYPTION

The command itself is always MACed, whatever level is requested.

# Secure Messaging

SCP01/02 C-MAC is chained through an ICV that starts at zero and is the
previous C-MAC afterwards (encrypted first when ICV encryption is on). SCP02
uses the retail MAC, SCP01 the full 3DES MAC. SCP03 chains the full 16 byte
AES-CMAC and derives each CBC IV from an encryption counter:

	command IV  = AES-ECB(S-ENC, 00*8 || counter)
	response IV = AES-ECB(S-ENC, 80 00*7 || counter)

Fail states:

	ErrApduTooLarge          Wrapped data would exceed 255 bytes
	ErrResponseMacInvalid    R-MAC mismatch, response too short or bad R-ENC padding
	ErrIllegalErrorResponse  Error status word carrying data

Any of these closes the SecureChannel. Open it again before the next command.

# Operation: PUT KEY (INS 0xD8)

	Command:  80 D8 <oldVersion|00> 81 <Lc> <newVersion> { <type> <len> <encKey> 03 <KCV> }*3
	Response: <newVersion> <KCV(3)>*3

	type 80 = DES (key encrypted with 3DES-ECB under S-DEK / KEK)
	type 88 = AES (key prefixed with its length, AES-CBC null IV under KEK)

KCV is the first 3 bytes of 3DES-ECB(key, 00*8) or AES-ECB(key, 01*16).
*/
package globalplatform
