package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/luca-patrignani/mental-craps/protocol"
)

// loadIdentity reads the hex seed at path. A missing file is replaced by a
// fresh identity; created reports that case.
func loadIdentity(path string) (id *protocol.Identity, created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		id, err = protocol.NewIdentity()
		if err != nil {
			return nil, false, err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, false, err
			}
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(id.Seed())+"\n"), 0o600); err != nil {
			return nil, false, fmt.Errorf("failed to save identity: %w", err)
		}
		return id, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read identity: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, false, fmt.Errorf("identity %s is not hex: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, false, fmt.Errorf("identity %s holds %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	id, err = protocol.IdentityFromSeed(seed)
	return id, false, err
}
