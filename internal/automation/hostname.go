package automation

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/vdilab/vdilab/internal/directory"
)

const (
	maxHostnameLength = 15
	minHashChars      = 4
	otpLength         = 120
	passwordLength    = 32
)

const (
	lettersUpper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lettersLower = "abcdefghijklmnopqrstuvwxyz"
	digits       = "0123456789"
	symbols      = "!#%+-.:=?@^_~"
)

// Hostname derives the computer name for a session: the prefix (truncated so
// at least four hash characters fit) followed by the uppercase hex SHAKE-256
// digest of the session id, fifteen characters at most.
func Hostname(prefix, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", &directory.ValidationError{Field: "session_id", Err: errors.New("session id is required")}
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if len(prefix) > maxHostnameLength-minHashChars {
		prefix = prefix[:maxHostnameLength-minHashChars]
	}
	hashChars := maxHostnameLength - len(prefix)
	digest := make([]byte, (hashChars+1)/2)
	sha3.ShakeSum256(digest, []byte(sessionID))
	hostname := prefix + strings.ToUpper(hex.EncodeToString(digest))[:hashChars]
	if err := directory.ValidateHostname(hostname); err != nil {
		return "", err
	}
	return hostname, nil
}

// GenerateOTP returns a one-time join password. The first character is a
// letter so tools that parse the value as an option never see a leading
// symbol or digit.
func GenerateOTP() (string, error) {
	return randomString(otpLength, lettersUpper+lettersLower, lettersUpper+lettersLower+digits)
}

// GeneratePassword returns a service account password that satisfies Active
// Directory complexity rules: it contains upper and lower case letters,
// digits and symbols.
func GeneratePassword() (string, error) {
	all := lettersUpper + lettersLower + digits + symbols
	for {
		pw, err := randomString(passwordLength, lettersUpper+lettersLower, all)
		if err != nil {
			return "", err
		}
		if strings.ContainsAny(pw, lettersUpper) && strings.ContainsAny(pw, lettersLower) &&
			strings.ContainsAny(pw, digits) && strings.ContainsAny(pw, symbols) {
			return pw, nil
		}
	}
}

func randomString(n int, first, rest string) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		alphabet := rest
		if i == 0 {
			alphabet = first
		}
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
