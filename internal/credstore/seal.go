package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const nonceLen = 12 // AES-256-GCM standard nonce size

// subkey derives the per-provider token-file key from the machine key via
// HKDF-SHA256. Token files sealed for one provider cannot be swapped into
// another provider's slot: the provider name is also the GCM AAD.
func subkey(machineKey []byte, provider string) ([]byte, error) {
	r := hkdf.New(sha256.New, machineKey, nil, []byte("token:"+provider))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext under the provider's subkey. Output layout:
// nonce || ciphertext+tag.
func seal(machineKey []byte, provider string, plaintext []byte) ([]byte, error) {
	key, err := subkey(machineKey, provider)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, []byte(provider))
	return append(nonce, ct...), nil
}

// open decrypts a sealed token file body.
func open(machineKey []byte, provider string, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceLen {
		return nil, fmt.Errorf("sealed data too short")
	}
	key, err := subkey(machineKey, provider)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	pt, err := gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], []byte(provider))
	if err != nil {
		return nil, fmt.Errorf("decrypting token file: %w", err)
	}
	return pt, nil
}
