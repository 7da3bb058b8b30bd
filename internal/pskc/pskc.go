// Package pskc derives a Thread commissioning PSKc (pre-shared key for
// the commissioner) from a human passphrase, extended PAN ID, and
// network name, per GLOSSARY "PSKc" and the PBKDF2-with-AES-CMAC-PRF-128
// construction in original_source's pbkdf2_cmac.{h,cpp}.
package pskc

import (
	"crypto/aes"
	"crypto/cipher"
)

// SaltPrefix is prepended to the extended-PAN-ID/network-name salt
// (original_source: OT_PBKDF2_SALT_MAX_LEN comment "salt prefix (6) +
// extended panid (8) + network name (16)").
const SaltPrefix = "Thread"

// KeyLen is the derived PSKc length in bytes.
const KeyLen = 16

const blockLen = 16

// cmac computes AES-CMAC (RFC 4493) of data under key (a 16-byte AES
// key), adapted from the teacher's AES-CMAC-PRF block-processing loop.
func cmac(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := subkeys(block)

	n := len(data)
	var lastBlock []byte
	var completeLast bool

	if n == 0 {
		lastBlock = make([]byte, blockLen)
		lastBlock[0] = 0x80
		completeLast = false
	} else if n%blockLen == 0 {
		lastBlock = append([]byte(nil), data[n-blockLen:]...)
		completeLast = true
	} else {
		remainder := n % blockLen
		lastBlock = make([]byte, blockLen)
		copy(lastBlock, data[n-remainder:])
		lastBlock[remainder] = 0x80
		completeLast = false
	}

	pad := k2
	if completeLast {
		pad = k1
	}
	for i := range lastBlock {
		lastBlock[i] ^= pad[i]
	}

	fullBlocks := n / blockLen
	if completeLast {
		fullBlocks--
	}
	if n == 0 {
		fullBlocks = 0
	}

	x := make([]byte, blockLen)
	y := make([]byte, blockLen)
	for i := 0; i < fullBlocks; i++ {
		for j := 0; j < blockLen; j++ {
			y[j] = x[j] ^ data[i*blockLen+j]
		}
		block.Encrypt(x, y)
	}
	for j := 0; j < blockLen; j++ {
		y[j] = x[j] ^ lastBlock[j]
	}
	block.Encrypt(x, y)
	return x, nil
}

func subkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87
	k0 := make([]byte, blockLen)
	block.Encrypt(k0, make([]byte, blockLen))

	k1 = leftShift(k0)
	if k0[0]&0x80 != 0 {
		k1[blockLen-1] ^= rb
	}
	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[blockLen-1] ^= rb
	}
	return k1, k2
}

func leftShift(b []byte) []byte {
	out := make([]byte, len(b))
	var carry byte
	for i := len(b) - 1; i >= 0; i-- {
		out[i] = b[i]<<1 | carry
		carry = b[i] >> 7
	}
	return out
}

// prf128 is AES-CMAC-PRF-128 (RFC 4615): CMAC keyed on a 16-byte key
// derived from the (possibly longer or shorter) input key K by CMAC'ing
// K under a zero key when len(K) != 16.
func prf128(key, data []byte) ([]byte, error) {
	k := key
	if len(k) != blockLen {
		derived, err := cmac(make([]byte, blockLen), key)
		if err != nil {
			return nil, err
		}
		k = derived
	}
	return cmac(k, data)
}

// Derive computes the PBKDF2 key of length KeyLen using AES-CMAC-PRF-128
// as the PRF (original_source's otPbkdf2Cmac), over salt = SaltPrefix ||
// extPanID || networkName and iterations rounds.
func Derive(passphrase []byte, extPanID [8]byte, networkName string, iterations uint32) ([16]byte, error) {
	salt := make([]byte, 0, len(SaltPrefix)+8+len(networkName))
	salt = append(salt, SaltPrefix...)
	salt = append(salt, extPanID[:]...)
	salt = append(salt, networkName...)

	var out [16]byte
	keyLen := KeyLen
	offset := 0
	blockCounter := uint32(0)

	for keyLen > 0 {
		blockCounter++
		prfInput := make([]byte, len(salt)+4)
		copy(prfInput, salt)
		prfInput[len(salt)+0] = byte(blockCounter >> 24)
		prfInput[len(salt)+1] = byte(blockCounter >> 16)
		prfInput[len(salt)+2] = byte(blockCounter >> 8)
		prfInput[len(salt)+3] = byte(blockCounter)

		u, err := prf128(passphrase, prfInput)
		if err != nil {
			return out, err
		}
		keyBlock := append([]byte(nil), u...)

		for i := uint32(1); i < iterations; i++ {
			u, err = prf128(passphrase, u)
			if err != nil {
				return out, err
			}
			for j := range keyBlock {
				keyBlock[j] ^= u[j]
			}
		}

		use := keyLen
		if use > blockLen {
			use = blockLen
		}
		copy(out[offset:offset+use], keyBlock[:use])
		offset += use
		keyLen -= use
	}
	return out, nil
}
