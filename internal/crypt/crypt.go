// Package crypt implements the ESP32 flash-encryption transform used for
// images that arrive already encrypted with the device key.
//
// The flash controller encrypts each 16-byte block with AES-256 using a key
// tweaked by the block's flash address. Each block is byte-reversed before
// and after the cipher, and decryption runs the AES encrypt direction, so
// Decrypt calls Encrypt on the cipher and vice versa.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// BlockSize is the flash-encryption block size.
	BlockSize = 16
	// TweakBlockSize is the address granularity of the key tweak.
	TweakBlockSize = 32
	// KeySize is the size of the flash-encryption key.
	KeySize = 32
)

// ConfigAll enables the tweak over the whole key (FLASH_CRYPT_CONFIG 0xF).
const ConfigAll = 0x0F

var (
	ErrKeySize = errors.New("crypt: key must be 32 bytes")
	ErrAlign   = errors.New("crypt: buffer length is not a multiple of 16")
)

// tweakPattern lists, for each run of key bits, the highest address bit XORed
// into it. Each run covers address bits pattern[i] down to 5.
var tweakPattern = [16]uint{23, 23, 23, 14, 23, 23, 23, 12, 23, 23, 23, 10, 23, 23, 23, 8}

// configFlag returns the FLASH_CRYPT_CONFIG bit enabling tweak of key bit n.
func configFlag(n int) uint8 {
	switch {
	case n < 67:
		return 1 << 0
	case n < 132:
		return 1 << 1
	case n < 195:
		return 1 << 2
	}
	return 1 << 3
}

// TweakKey returns key XORed with bits 23..5 of addr according to the
// FLASH_CRYPT_CONFIG value cfg. Key bits are numbered from the most
// significant bit of the first byte.
func TweakKey(key []byte, addr uint32, cfg uint8) [KeySize]byte {
	var k [KeySize]byte
	copy(k[:], key)
	cfg &= ConfigAll
	if cfg == 0 {
		return k
	}
	n := 0
	for _, hi := range tweakPattern {
		for a := int(hi); a >= 5; a-- {
			if cfg&configFlag(n) != 0 && (addr>>uint(a))&1 == 1 {
				k[n/8] ^= 0x80 >> uint(n%8)
			}
			n++
		}
	}
	return k
}

// Decrypt turns flash ciphertext that belongs at flash address addr into
// plaintext in place.
func Decrypt(key []byte, cfg uint8, addr uint32, buf []byte) error {
	return transform(key, cfg, addr, buf, cipher.Block.Encrypt)
}

// Encrypt produces the ciphertext the flash controller would store at addr.
func Encrypt(key []byte, cfg uint8, addr uint32, buf []byte) error {
	return transform(key, cfg, addr, buf, cipher.Block.Decrypt)
}

func transform(key []byte, cfg uint8, addr uint32, buf []byte, op func(cipher.Block, []byte, []byte)) error {
	if len(key) != KeySize {
		return ErrKeySize
	}
	if len(buf)%BlockSize != 0 {
		return fmt.Errorf("%w (%d bytes)", ErrAlign, len(buf))
	}

	var block cipher.Block
	var data [BlockSize]byte
	for done := 0; done < len(buf); done += BlockSize {
		a := addr + uint32(done)
		if done == 0 || a%TweakBlockSize == 0 {
			k := TweakKey(key, a, cfg)
			b, err := aes.NewCipher(k[:])
			if err != nil {
				return fmt.Errorf("crypt: %w", err)
			}
			block = b
		}
		for i := 0; i < BlockSize; i++ {
			data[BlockSize-1-i] = buf[done+i]
		}
		op(block, data[:], data[:])
		for i := 0; i < BlockSize; i++ {
			buf[done+i] = data[BlockSize-1-i]
		}
	}
	return nil
}
