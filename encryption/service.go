// Package encryption caches per-conversation keys and applies the
// fail-open decrypt policy used for stored message text.
package encryption

import (
	"bytes"
	"errors"
	"sync"

	"chatsync/crypto"
)

// Options mirrors the configurable key-derivation triple.
type Options struct {
	Salt       string
	Iterations int
	KeyLength  int
}

func (o Options) keyOptions() crypto.KeyOptions {
	return crypto.KeyOptions{
		Salt:       o.Salt,
		Iterations: o.Iterations,
		KeyLength:  o.KeyLength,
	}.WithDefaults()
}

// Service derives and caches conversation keys for one chat session.
type Service struct {
	mu      sync.Mutex
	options crypto.KeyOptions
	keys    map[string][]byte
}

// NewService validates options and returns an empty key cache.
func NewService(options Options) (*Service, error) {
	opts := options.keyOptions()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		options: opts,
		keys:    make(map[string][]byte),
	}, nil
}

// DeriveKey returns the cached key for conversationID, deriving it on first use.
func (s *Service) DeriveKey(conversationID string) ([]byte, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[conversationID]; ok {
		return bytes.Clone(key), nil
	}

	key, err := crypto.DeriveKey(conversationID, s.options)
	if err != nil {
		return nil, err
	}
	s.keys[conversationID] = key
	return bytes.Clone(key), nil
}

// Forget drops the cached key for conversationID.
func (s *Service) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.keys, conversationID)
	s.mu.Unlock()
}

// Reset drops every cached key.
func (s *Service) Reset() {
	s.mu.Lock()
	s.keys = make(map[string][]byte)
	s.mu.Unlock()
}

// Encrypt seals plaintext under key with a fresh IV prefix.
func (s *Service) Encrypt(plaintext string, key []byte) (string, error) {
	return crypto.SealString(key, plaintext)
}

// Decrypt opens ciphertext under key. Any failure, including an empty
// result, returns the input unchanged so legacy plaintext stays readable.
func (s *Service) Decrypt(ciphertext string, key []byte) string {
	plaintext, err := crypto.OpenString(key, ciphertext)
	if err != nil || plaintext == "" {
		return ciphertext
	}
	return plaintext
}
