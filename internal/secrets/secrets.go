// Package secrets seals the directory service credential at rest.
//
// Secrets are encrypted with age X25519 keys and stored ASCII-armored so they
// fit in a TEXT column. The daemon key lives in a file readable only by the
// daemon user; the plaintext password is held in memory only.
//
// Bootstrap secrets (the initial service account password) may be supplied as
// an .age file or, when explicitly allowed, as plaintext for development.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// ErrNoIdentity is returned when a key file holds no age identities.
var ErrNoIdentity = errors.New("no age identities found")

// Sealer encrypts and decrypts secrets with a fixed set of age keys.
type Sealer struct {
	identities []age.Identity
	recipients []age.Recipient
}

// NewSealer builds a Sealer from X25519 identities.
func NewSealer(identities ...*age.X25519Identity) (*Sealer, error) {
	if len(identities) == 0 {
		return nil, ErrNoIdentity
	}
	s := &Sealer{}
	for _, id := range identities {
		s.identities = append(s.identities, id)
		s.recipients = append(s.recipients, id.Recipient())
	}
	return s, nil
}

// LoadSealer reads identities from keyPath. When create is true and the file
// does not exist, a new key is generated and written with mode 0600.
func LoadSealer(keyPath string, create bool) (*Sealer, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required")
	}
	data, err := os.ReadFile(keyPath)
	if errors.Is(err, os.ErrNotExist) && create {
		identity, genErr := GenerateKeyFile(keyPath)
		if genErr != nil {
			return nil, genErr
		}
		return NewSealer(identity)
	}
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(data)
	if err != nil {
		return nil, err
	}
	return NewSealer(identities...)
}

// GenerateKeyFile writes a fresh X25519 identity to path.
func GenerateKeyFile(path string) (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient().String(), identity.String())
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write age key %s: %w", path, err)
	}
	return identity, nil
}

// Seal encrypts plaintext and returns armored ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return "", ErrNoIdentity
	}
	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	writer, err := age.Encrypt(armored, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		return "", fmt.Errorf("write age payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close age writer: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return buf.String(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil {
		return "", ErrNoIdentity
	}
	reader, err := age.Decrypt(armor.NewReader(strings.NewReader(sealed)), s.identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read age payload: %w", err)
	}
	return string(payload), nil
}

// ReadSecretFile returns the trimmed contents of path. Files ending in .age
// are decrypted with the sealer's identities; other files are accepted only
// when allowPlain is set.
func (s *Sealer) ReadSecretFile(path string, allowPlain bool) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".age") {
		if s == nil {
			return "", ErrNoIdentity
		}
		var src io.Reader = bytes.NewReader(data)
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header)) {
			src = armor.NewReader(bytes.NewReader(data))
		}
		reader, err := age.Decrypt(src, s.identities...)
		if err != nil {
			return "", fmt.Errorf("decrypt secret %s: %w", path, err)
		}
		payload, err := io.ReadAll(reader)
		if err != nil {
			return "", fmt.Errorf("read secret %s: %w", path, err)
		}
		return strings.TrimSpace(string(payload)), nil
	}
	if !allowPlain {
		return "", fmt.Errorf("secret %s is not age encrypted and plaintext secrets are disabled", path)
	}
	return strings.TrimSpace(string(data)), nil
}

func parseAgeIdentities(data []byte) ([]*age.X25519Identity, error) {
	var identities []*age.X25519Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, ErrNoIdentity
	}
	return identities, nil
}
