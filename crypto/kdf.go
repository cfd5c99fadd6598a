package crypto

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultSalt is the PBKDF2 salt used when none is configured.
	DefaultSalt = "salt"
	// DefaultIterations is the PBKDF2 iteration count used when none is configured.
	DefaultIterations = 5000
	// DefaultKeyLength is the derived key length in bits.
	DefaultKeyLength = 256
)

// KeyOptions parameterizes password-based key derivation.
type KeyOptions struct {
	Salt       string
	Iterations int
	// KeyLength is expressed in bits: 128, 192 or 256.
	KeyLength int
}

// WithDefaults fills unset fields with the package defaults.
func (o KeyOptions) WithDefaults() KeyOptions {
	out := o
	if out.Salt == "" {
		out.Salt = DefaultSalt
	}
	if out.Iterations <= 0 {
		out.Iterations = DefaultIterations
	}
	if out.KeyLength == 0 {
		out.KeyLength = DefaultKeyLength
	}
	return out
}

// Validate rejects key lengths AES cannot use.
func (o KeyOptions) Validate() error {
	switch o.KeyLength {
	case 128, 192, 256:
		return nil
	default:
		return fmt.Errorf("invalid key length %d bits", o.KeyLength)
	}
}

// DeriveKey derives a symmetric key from password with PBKDF2-HMAC-SHA512.
func DeriveKey(password string, options KeyOptions) ([]byte, error) {
	if password == "" {
		return nil, errors.New("password is required")
	}
	opts := options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return pbkdf2.Key([]byte(password), []byte(opts.Salt), opts.Iterations, opts.KeyLength/8, sha512.New), nil
}
