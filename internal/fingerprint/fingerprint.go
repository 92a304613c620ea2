// Package fingerprint computes content-addressed digests of stack
// definitions for change detection.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// File computes the SHA256 hash of a file, hex encoded.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stack computes the combined fingerprint of a stack definition: the hex
// digest of the compose file, followed by the hex digest of the env file if
// envPath is set and the file exists, fed into a single hash context in that
// order. An env path that points to a missing file is omitted, so the result
// equals the compose-only fingerprint. Two byte-identical inputs always
// produce identical fingerprints.
func Stack(composePath, envPath string) (string, error) {
	h := sha256.New()

	composeHash, err := File(composePath)
	if err != nil {
		return "", fmt.Errorf("failed to hash compose file %s: %w", composePath, err)
	}
	h.Write([]byte(composeHash))

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			envHash, err := File(envPath)
			if err != nil {
				return "", fmt.Errorf("failed to hash env file %s: %w", envPath, err)
			}
			h.Write([]byte(envHash))
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
