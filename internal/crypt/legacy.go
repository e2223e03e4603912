package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"errors"
	"fmt"
)

type blockMode int

const (
	modeCBC blockMode = iota
	modeECB
	modeCTR
	modeCFB
	modeOFB
)

// legacy reproduces the passphrase-only construction of OpenSSL's
// EVP_BytesToKey with MD5. The IV is fixed per passphrase.
type legacy struct {
	keyLen   int
	ivLen    int
	mode     blockMode
	newBlock func(key []byte) (cipher.Block, error)
}

func legacyAES(keyLen int, mode blockMode) *legacy {
	ivLen := aes.BlockSize
	if mode == modeECB {
		ivLen = 0
	}
	return &legacy{keyLen: keyLen, ivLen: ivLen, mode: mode, newBlock: aes.NewCipher}
}

func legacyTripleDES() *legacy {
	return &legacy{keyLen: 24, ivLen: des.BlockSize, mode: modeCBC, newBlock: des.NewTripleDESCipher}
}

func (l *legacy) seal(plaintext, passphrase []byte) ([]byte, error) {
	block, iv, err := l.init(passphrase)
	if err != nil {
		return nil, err
	}

	switch l.mode {
	case modeCBC:
		buf := pad(plaintext, block.BlockSize())
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
		return buf, nil
	case modeECB:
		buf := pad(plaintext, block.BlockSize())
		ecb(block, buf, block.Encrypt)
		return buf, nil
	default:
		return l.stream(block, iv, plaintext, true), nil
	}
}

func (l *legacy) open(ciphertext, passphrase []byte) ([]byte, error) {
	block, iv, err := l.init(passphrase)
	if err != nil {
		return nil, err
	}

	switch l.mode {
	case modeCBC, modeECB:
		size := block.BlockSize()
		if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
			return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
		}
		buf := bytes.Clone(ciphertext)
		if l.mode == modeCBC {
			cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, buf)
		} else {
			ecb(block, buf, block.Decrypt)
		}
		return unpad(buf, size)
	default:
		return l.stream(block, iv, ciphertext, false), nil
	}
}

func (l *legacy) init(passphrase []byte) (cipher.Block, []byte, error) {
	key, iv := bytesToKey(passphrase, l.keyLen, l.ivLen)
	block, err := l.newBlock(key)
	if err != nil {
		return nil, nil, err
	}
	return block, iv, nil
}

func (l *legacy) stream(block cipher.Block, iv, in []byte, encrypt bool) []byte {
	var s cipher.Stream
	switch l.mode {
	case modeCTR:
		s = cipher.NewCTR(block, iv)
	case modeOFB:
		s = cipher.NewOFB(block, iv)
	case modeCFB:
		if encrypt {
			s = cipher.NewCFBEncrypter(block, iv)
		} else {
			s = cipher.NewCFBDecrypter(block, iv)
		}
	}
	out := make([]byte, len(in))
	s.XORKeyStream(out, in)
	return out
}

// bytesToKey is EVP_BytesToKey(md5, salt=nil, count=1).
func bytesToKey(passphrase []byte, keyLen, ivLen int) (key, iv []byte) {
	var out, prev []byte
	for len(out) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}

func ecb(block cipher.Block, buf []byte, fn func(dst, src []byte)) {
	size := block.BlockSize()
	for i := 0; i < len(buf); i += size {
		fn(buf[i:i+size], buf[i:i+size])
	}
}

// pad applies PKCS#7 padding; a full block is added when len(b) is aligned.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

var errBadPadding = errors.New("bad padding")

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
