package credstore

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeyFileName is the hidden machine-local key file.
const KeyFileName = ".security_key"

const keyLen = 32

// loadOrCreateMachineKey reads the 32-byte machine key, generating it on
// first run. The file is created 0600; on systems with a hidden file
// attribute it is additionally marked hidden.
func loadOrCreateMachineKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, KeyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyLen {
			return nil, fmt.Errorf("machine key file %s: expected %d bytes, got %d", path, keyLen, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading machine key: %w", err)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating machine key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("writing machine key: %w", err)
	}
	if err := hideFile(path); err != nil {
		// The dot prefix already hides the file on POSIX systems.
		return key, nil
	}
	return key, nil
}
