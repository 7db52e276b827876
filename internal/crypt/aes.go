// Package crypt decrypts HLS media protected with AES-128 (whole segment
// CBC with PKCS#7 padding) and provides the block primitive used by
// SAMPLE-AES.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// Encryption methods of EXT-X-KEY.
const (
	MethodNone      = "NONE"
	MethodAES128    = "AES-128"
	MethodSampleAES = "SAMPLE-AES"
)

// KeySize is the AES-128 key and IV length.
const KeySize = 16

// Sentinel errors. Callers distinguish them with errors.Is.
var (
	ErrKeySize    = errors.New("crypt: key must be 16 bytes")
	ErrIVSize     = errors.New("crypt: IV must be 16 bytes")
	ErrBlockAlign = errors.New("crypt: ciphertext is not a multiple of the block size")
	ErrPadding    = errors.New("crypt: invalid PKCS#7 padding")
)

// DefaultIV returns the IV used when a key carries none: the media sequence
// number as a big-endian integer in the low bytes of a 16-byte block.
func DefaultIV(sn uint64) []byte {
	iv := make([]byte, KeySize)
	binary.BigEndian.PutUint64(iv[8:], sn)
	return iv
}

func newCBC(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if len(iv) != KeySize {
		return nil, ErrIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	return block, nil
}

// DecryptBlocks decrypts whole CBC blocks without removing padding. data is
// left untouched; the plaintext is returned in a new slice.
func DecryptBlocks(data, key, iv []byte) ([]byte, error) {
	block, err := newCBC(key, iv)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockAlign
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// Decrypt decrypts an AES-128 segment and strips its PKCS#7 padding.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	out, err := DecryptBlocks(data, key, iv)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, ErrPadding
	}
	if !bytes.Equal(out[len(out)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, ErrPadding
	}
	return out[:len(out)-pad], nil
}

// Encrypt pads data with PKCS#7 and encrypts it with AES-128 CBC. It is the
// inverse of Decrypt and is used to produce protected test media.
func Encrypt(data, key, iv []byte) ([]byte, error) {
	block, err := newCBC(key, iv)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(data)%aes.BlockSize
	buf := make([]byte, len(data)+pad)
	copy(buf, data)
	for i := len(data); i < len(buf); i++ {
		buf[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

// EncryptBlocks encrypts whole blocks without padding.
func EncryptBlocks(data, key, iv []byte) ([]byte, error) {
	block, err := newCBC(key, iv)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockAlign
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}
