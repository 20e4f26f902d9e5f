package session

import (
	"bytes"
	"crypto/des"
	"encoding/hex"

	"github.com/pkg/errors"
)

// The login form does not take the password in the clear: the web client
// runs it through DES-ECB with a fixed key and submits the hex ciphertext.
// This is obfuscation, not security; we just have to match it byte for byte.
var passwordKey = []byte("u2oh6Vu^HWe40fj")

// ObfuscatePassword mirrors the web client's CryptoJS transform: DES-ECB
// with the first 8 key bytes, PKCS7 padding, lowercase hex output.
func ObfuscatePassword(plain string) (string, error) {
	block, err := des.NewCipher(passwordKey[:8])
	if err != nil {
		return "", errors.Wrap(err, "des key")
	}

	data := pkcs7Pad([]byte(plain), block.BlockSize())
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:], data[i:i+block.BlockSize()])
	}
	return hex.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}
