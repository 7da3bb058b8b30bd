package linksecurity

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// ccmStarSeal and ccmStarOpen implement the CCM* mode defined in IEEE
// 802.15.4-2006 Annex B: AES-CBC-MAC for authentication plus AES-CTR for
// confidentiality, sharing one block-cipher key and a 13-byte nonce. CCM*
// differs from RFC 3610 CCM only in permitting micLen == 0 (authentication
// disabled, pure CTR encryption). Go's standard library does not expose a
// general-purpose CCM implementation (only AES-GCM), so this follows the
// same "drive crypto/aes block-by-block" approach the teacher uses for its
// AES-CMAC-PRF and FRM-payload keystream (pkg/lorawan/aes_cmac.go,
// payload.go EncryptFRMPayload) generalized to CCM*'s combined MAC+CTR
// construction.
const nonceLen = 13

func ccmStarSeal(key, nonce, aad, plaintext []byte, micLen int) ([]byte, error) {
	if len(nonce) != nonceLen {
		return nil, fmt.Errorf("ccm*: nonce must be %d bytes, got %d", nonceLen, len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	var mic []byte
	if micLen > 0 {
		mic = cbcMac(block, nonce, aad, plaintext, micLen)
	}

	out := make([]byte, 0, len(plaintext)+micLen)
	ciphertext := ctrCrypt(block, nonce, plaintext)
	out = append(out, ciphertext...)

	if micLen > 0 {
		encMic := ctrCryptBlock0(block, nonce, mic)
		out = append(out, encMic...)
	}

	return out, nil
}

func ccmStarOpen(key, nonce, aad, ciphertextAndMic []byte, micLen int) ([]byte, bool, error) {
	if len(nonce) != nonceLen {
		return nil, false, fmt.Errorf("ccm*: nonce must be %d bytes, got %d", nonceLen, len(nonce))
	}
	if len(ciphertextAndMic) < micLen {
		return nil, false, fmt.Errorf("ccm*: input shorter than MIC length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, false, err
	}

	ciphertext := ciphertextAndMic[:len(ciphertextAndMic)-micLen]
	encMic := ciphertextAndMic[len(ciphertextAndMic)-micLen:]

	plaintext := ctrCrypt(block, nonce, ciphertext)

	if micLen == 0 {
		return plaintext, true, nil
	}

	mic := ctrCryptBlock0(block, nonce, encMic)
	expected := cbcMac(block, nonce, aad, plaintext, micLen)

	ok := constantTimeEqual(mic, expected)
	return plaintext, ok, nil
}

// cbcMac computes the CBC-MAC over B0 || AAD-length-prefixed-blocks ||
// plaintext-blocks, per CCM*/RFC 3610 with L=2 (16-bit length field).
func cbcMac(block cipher.Block, nonce, aad, plaintext []byte, micLen int) []byte {
	b0 := make([]byte, 16)

	var flags byte
	if len(aad) > 0 {
		flags |= 0x40
	}
	flags |= byte((micLen-2)/2) << 3 // ((M-2)/2) in bits 3..5
	flags |= 1                       // L-1 = 1 (L=2, 16-bit length field)
	b0[0] = flags
	copy(b0[1:14], nonce)
	b0[14] = byte(len(plaintext) >> 8)
	b0[15] = byte(len(plaintext))

	x := make([]byte, 16)
	block.Encrypt(x, b0)

	if len(aad) > 0 {
		lbuf := make([]byte, 2)
		lbuf[0] = byte(len(aad) >> 8)
		lbuf[1] = byte(len(aad))
		combined := append(lbuf, aad...)
		x = cbcMacBlocks(block, x, combined)
	}

	x = cbcMacBlocks(block, x, plaintext)

	return x[:micLen]
}

func cbcMacBlocks(block cipher.Block, x, data []byte) []byte {
	padded := make([]byte, ((len(data)+15)/16)*16)
	copy(padded, data)

	y := make([]byte, 16)
	for i := 0; i < len(padded); i += 16 {
		for j := 0; j < 16; j++ {
			y[j] = x[j] ^ padded[i+j]
		}
		block.Encrypt(x, y)
	}
	return x
}

// ctrCrypt XORs data against the AES-CTR keystream generated from counter
// blocks A_1, A_2, ... (A_0 is reserved for encrypting the MIC).
func ctrCrypt(block cipher.Block, nonce, data []byte) []byte {
	out := make([]byte, len(data))
	a := make([]byte, 16)
	a[0] = byte(1) // flags: L-1 = 1, no Adata bit needed for counter blocks
	copy(a[1:14], nonce)

	s := make([]byte, 16)
	for i := 0; i < len(data); i += 16 {
		a[14] = byte((i/16 + 1) >> 8)
		a[15] = byte(i/16 + 1)
		block.Encrypt(s, a)
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		for j := i; j < end; j++ {
			out[j] = data[j] ^ s[j-i]
		}
	}
	return out
}

// ctrCryptBlock0 en/decrypts the MIC using counter block A_0 (counter=0).
func ctrCryptBlock0(block cipher.Block, nonce, mic []byte) []byte {
	a := make([]byte, 16)
	a[0] = byte(1)
	copy(a[1:14], nonce)
	a[14] = 0
	a[15] = 0

	s := make([]byte, 16)
	block.Encrypt(s, a)

	out := make([]byte, len(mic))
	for i := range mic {
		out[i] = mic[i] ^ s[i]
	}
	return out
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
