package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// EnvelopeIVLength is the fixed length of the encoded nonce prefix of a sealed string.
var EnvelopeIVLength = base64.StdEncoding.EncodedLen(NonceSize)

// ErrEnvelopeTooShort indicates a sealed string cannot hold a nonce and ciphertext.
var ErrEnvelopeTooShort = errors.New("crypto: sealed text too short")

// SealString encrypts text and returns base64(nonce) followed by base64(ciphertext).
func SealString(key []byte, text string) (string, error) {
	ciphertext, iv, err := Encrypt(key, []byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(iv) + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenString splits the fixed-length nonce prefix and decrypts the remainder.
func OpenString(key []byte, sealed string) (string, error) {
	if len(sealed) <= EnvelopeIVLength {
		return "", ErrEnvelopeTooShort
	}

	iv, err := base64.StdEncoding.DecodeString(sealed[:EnvelopeIVLength])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed[EnvelopeIVLength:])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := Decrypt(key, iv, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
