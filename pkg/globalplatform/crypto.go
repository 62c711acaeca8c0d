package globalplatform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

var zeroIV8 = make([]byte, des.BlockSize)

// tdesBlock builds a two- or three-key 3DES cipher. Two-key keys are
// expanded as K1||K2||K1.
func tdesBlock(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16:
		k := make([]byte, 0, 24)
		k = append(k, key...)
		k = append(k, key[:8]...)
		return des.NewTripleDESCipher(k)
	case 24:
		return des.NewTripleDESCipher(key)
	default:
		return nil, errors.Errorf("3DES key must be 16 or 24 bytes, got %d", len(key))
	}
}

func tdesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%des.BlockSize != 0 {
		return nil, errors.Wrap(ErrPaddingNotAllowed, "3DES CBC encrypt")
	}
	block, err := tdesBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func tdesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%des.BlockSize != 0 {
		return nil, errors.Wrap(ErrPaddingNotAllowed, "3DES CBC decrypt")
	}
	block, err := tdesBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func tdesECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := tdesBlock(key)
	if err != nil {
		return nil, err
	}
	return ecb(block, data, true)
}

func tdesECBDecrypt(key, data []byte) ([]byte, error) {
	block, err := tdesBlock(key)
	if err != nil {
		return nil, err
	}
	return ecb(block, data, false)
}

func desECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	return ecb(block, data, true)
}

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrap(ErrPaddingNotAllowed, "AES CBC encrypt")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrap(ErrPaddingNotAllowed, "AES CBC decrypt")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesECBEncrypt(key, blockIn []byte) ([]byte, error) {
	if len(blockIn) != aes.BlockSize {
		return nil, errors.New("ECB input must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, blockIn)
	return out, nil
}

func ecb(block cipher.Block, data []byte, encrypt bool) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, errors.Wrap(ErrPaddingNotAllowed, "ECB")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		if encrypt {
			block.Encrypt(out[i:i+bs], data[i:i+bs])
		} else {
			block.Decrypt(out[i:i+bs], data[i:i+bs])
		}
	}
	return out, nil
}

// pad80 appends 80 and zero bytes up to the next multiple of blockSize
// (ISO/IEC 9797-1 method 2). Padding is always added.
func pad80(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpad80(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

// mac3DES is the full triple-DES CBC-MAC (ISO/IEC 9797-1 algorithm 1) over
// already padded data. It returns the last cipher block.
func mac3DES(key, padded, icv []byte) ([]byte, error) {
	out, err := tdesCBCEncrypt(key, icv, padded)
	if err != nil {
		return nil, err
	}
	return out[len(out)-des.BlockSize:], nil
}

// macDES3DES is the retail MAC (ISO/IEC 9797-1 algorithm 3): single-DES
// CBC under K1 over all but the last block, then 3DES on the last block.
func macDES3DES(key, padded, icv []byte) ([]byte, error) {
	if len(padded) == 0 || len(padded)%des.BlockSize != 0 {
		return nil, errors.Wrap(ErrPaddingNotAllowed, "retail MAC")
	}
	single, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	chain := append([]byte{}, icv...)
	n := len(padded) - des.BlockSize
	if n > 0 {
		buf := make([]byte, n)
		cipher.NewCBCEncrypter(single, chain).CryptBlocks(buf, padded[:n])
		chain = buf[n-des.BlockSize:]
	}
	last := make([]byte, des.BlockSize)
	xorBlock(last, chain, padded[n:])
	return tdesECBEncrypt(key, last)
}

func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.NewWithTagSize(block, aes.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC")
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

// kdfCounter implements NIST SP 800-108 KDF in counter mode with AES-CMAC
// as PRF, laid out as label(11x00||constant) || 00 || L || i || context.
func kdfCounter(key []byte, constant byte, context []byte, bits int) ([]byte, error) {
	if bits <= 0 || bits%8 != 0 || bits > 0xFFFF {
		return nil, errors.Errorf("KDF output length must be a positive multiple of 8 bits, got %d", bits)
	}
	input := make([]byte, 16, 16+len(context))
	input[11] = constant
	input[13] = byte(bits >> 8)
	input[14] = byte(bits)
	input = append(input, context...)

	var out []byte
	for i := 1; len(out)*8 < bits; i++ {
		input[15] = byte(i)
		part, err := aesCMAC(key, input)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out[:bits/8], nil
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
