// Package secretvault resolves the master encryption key (§4.2 Key
// Provider) and performs authenticated encryption of per-project provider
// credentials (§4.2 Secret Store).
package secretvault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const keySizeBytes = 32 // 256-bit master key.

// KeyProvider resolves the process-wide master key. It is built once at
// process start and held for the process lifetime — shared mutable state
// with a create-if-absent policy (§9), not a pool or cache.
type KeyProvider struct {
	SecretService string
	SecretAccount string
	KeyFile       string
}

// NewKeyProvider constructs a KeyProvider from resolved configuration.
func NewKeyProvider(secretService, secretAccount, keyFile string) *KeyProvider {
	return &KeyProvider{SecretService: secretService, SecretAccount: secretAccount, KeyFile: keyFile}
}

// Resolve implements the key resolution order from §4.2:
//  1. IAT_MASTER_KEY environment variable, if non-empty.
//  2. OS secret service lookup.
//  3. IAT_MASTER_KEY_FILE on disk.
//  4. If allowCreate: generate a fresh key, try the secret service first,
//     falling back to a mode-0600 key file.
func (p *KeyProvider) Resolve(allowCreate bool) ([]byte, error) {
	if env := os.Getenv("IAT_MASTER_KEY"); env != "" {
		return decodeKey(env)
	}

	if key, ok := p.lookupSecretService(); ok {
		return key, nil
	}

	if p.KeyFile != "" {
		if raw, err := os.ReadFile(p.KeyFile); err == nil {
			return decodeKey(string(raw))
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading master key file %s: %w", p.KeyFile, err)
		}
	}

	if !allowCreate {
		return nil, fmt.Errorf("no master key found and creation not allowed")
	}

	key := make([]byte, keySizeBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	encoded := hex.EncodeToString(key)

	if p.storeSecretService(encoded) {
		return key, nil
	}

	if p.KeyFile == "" {
		return nil, fmt.Errorf("generated master key but no key file path is configured")
	}
	if dir := filepath.Dir(p.KeyFile); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating master key directory: %w", err)
		}
	}
	if err := os.WriteFile(p.KeyFile, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("writing master key file: %w", err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != keySizeBytes {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySizeBytes, len(key))
	}
	return key, nil
}

// lookupSecretService shells out to the platform secret-service helper
// (secret-tool on Linux), the same way the original backend resolves an OS
// keyring entry. Absence of the helper binary, or any non-zero exit, is
// treated as a lookup miss rather than a hard error — the caller falls
// through to the next resolution step.
func (p *KeyProvider) lookupSecretService() ([]byte, bool) {
	if _, err := exec.LookPath("secret-tool"); err != nil {
		return nil, false
	}
	out, err := exec.Command("secret-tool", "lookup", "service", p.SecretService, "account", p.SecretAccount).Output()
	if err != nil {
		return nil, false
	}
	key, err := decodeKey(trimNewline(string(out)))
	if err != nil {
		return nil, false
	}
	return key, true
}

func (p *KeyProvider) storeSecretService(encoded string) bool {
	if _, err := exec.LookPath("secret-tool"); err != nil {
		return false
	}
	cmd := exec.Command("secret-tool", "store",
		"--label", "IAT backend master key",
		"service", p.SecretService, "account", p.SecretAccount)
	cmd.Stdin = strings.NewReader(encoded)
	return cmd.Run() == nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
