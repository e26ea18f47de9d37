// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal implements the envelope encryption applied to
// protected shared files. It is a pure transform: encrypt-then-store
// on write, fetch-then-decrypt on read. Key lifecycle is out of
// scope — the job store consumes a 32-byte key from a file and never
// writes or rotates key material.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the exact size of the master key in bytes.
const KeySize = 32

// blobVersion is prepended to every sealed blob and bound into the
// AEAD as associated data, so tampering with it fails authentication.
const blobVersion byte = 0x01

// Overhead is the total size added to a plaintext by Seal:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfo is the domain-separation prefix for per-name key
// derivation. Changing it invalidates all existing ciphertext.
var hkdfInfo = []byte("quarry.seal.v1.")

// Key is a loaded master key. Each sealed blob is encrypted under a
// key derived from the master key and the blob's name, so ciphertext
// cannot be swapped between names without failing authentication.
type Key struct {
	material [KeySize]byte
}

// NewKey builds a Key from raw material, which must be exactly
// KeySize bytes.
func NewKey(material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(material))
	}
	var key Key
	copy(key.material[:], material)
	return &key, nil
}

// LoadKeyFile reads a master key from a file. The file must contain
// exactly KeySize bytes; a trailing newline is a configuration error,
// not trimmed silently.
func LoadKeyFile(path string) (*Key, error) {
	material, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	key, err := NewKey(material)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

// Seal encrypts plaintext under the key derived for name and returns
// the blob:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// The version byte and name are associated data, so a blob moved to a
// different name fails to open.
func (k *Key) Seal(plaintext []byte, name string) ([]byte, error) {
	aead, err := k.aeadFor(name)
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, Overhead+len(plaintext))
	blob[0] = blobVersion
	copy(blob[1:], nonce[:])
	return aead.Seal(blob, nonce[:], plaintext, aad(name)), nil
}

// Open decrypts a blob produced by Seal for the same name. Fails on
// wrong key, tampered data, or a name mismatch.
func (k *Key) Open(blob []byte, name string) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d", len(blob), Overhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("sealed blob version %d is not supported (expected %d)",
			blob[0], blobVersion)
	}
	aead, err := k.aeadFor(name)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad(name))
	if err != nil {
		return nil, fmt.Errorf("decrypting %q (wrong key or tampered data): %w", name, err)
	}
	return plaintext, nil
}

// aeadFor derives the per-name key via HKDF-SHA256 and builds the
// AEAD. The master key is already uniformly random, so HKDF with nil
// salt is appropriate per RFC 5869.
func (k *Key) aeadFor(name string) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	info := make([]byte, 0, len(hkdfInfo)+len(name))
	info = append(info, hkdfInfo...)
	info = append(info, name...)

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.material[:], nil, info), derived); err != nil {
		return nil, fmt.Errorf("deriving key for %q: %w", name, err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// aad binds the format version and the blob's name into the AEAD.
func aad(name string) []byte {
	data := make([]byte, 0, 1+len(name))
	data = append(data, blobVersion)
	data = append(data, name...)
	return data
}
